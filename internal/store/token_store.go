package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/trueshuffle/controller/internal/remote"
)

// TokenStore is the sqlite-backed implementation of remote.TokenStore.
// Token issuance (the PKCE browser flow) happens outside this module;
// this type only persists and returns whatever an external collaborator
// has already obtained, keyed by Spotify user id.
type TokenStore struct {
	db *DB
}

// NewTokenStore wraps db as a remote.TokenStore.
func NewTokenStore(db *DB) *TokenStore {
	return &TokenStore{db: db}
}

var _ remote.TokenStore = (*TokenStore)(nil)

// Load returns spotifyUserID's stored token, or nil if the user or their
// token row does not exist yet.
func (t *TokenStore) Load(ctx context.Context, spotifyUserID string) (*remote.Token, error) {
	row := t.db.conn.QueryRowContext(ctx,
		`SELECT tokens.access_token, tokens.refresh_token, tokens.expires_at
		 FROM tokens
		 JOIN users ON users.id = tokens.user_id
		 WHERE users.spotify_user_id = ?`,
		spotifyUserID)

	var tok remote.Token
	if err := row.Scan(&tok.AccessToken, &tok.RefreshToken, &tok.ExpiresAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("store: load token: %w", err)
	}
	return &tok, nil
}

// Save upserts spotifyUserID's token, creating the user row first if
// needed.
func (t *TokenStore) Save(ctx context.Context, spotifyUserID string, tok *remote.Token) error {
	user, err := t.db.FindOrCreateUser(ctx, spotifyUserID, "")
	if err != nil {
		return err
	}

	_, err = t.db.conn.ExecContext(ctx,
		`INSERT INTO tokens (user_id, access_token, refresh_token, expires_at)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT(user_id) DO UPDATE SET
		   access_token = excluded.access_token,
		   refresh_token = excluded.refresh_token,
		   expires_at = excluded.expires_at`,
		user.ID, tok.AccessToken, tok.RefreshToken, tok.ExpiresAt)
	if err != nil {
		return fmt.Errorf("store: save token: %w", err)
	}
	return nil
}
