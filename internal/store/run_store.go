package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mattn/go-sqlite3"

	"github.com/trueshuffle/controller/internal/shuffle"
)

// RunMode distinguishes a long-lived controller run from a one-shot
// utility-mode copy.
type RunMode string

const (
	ModeController RunMode = "controller"
	ModeUtility    RunMode = "utility"
)

// RunStatus is the lifecycle state of a durable Run row.
type RunStatus string

const (
	StatusActive    RunStatus = "active"
	StatusCompleted RunStatus = "completed"
	StatusCancelled RunStatus = "cancelled"
)

// Run is the durable record of one attempt at playing a playlist in a
// specific order. Immutable once created except for cursor,
// queued_until_index, status, and updated_at.
type Run struct {
	ID               int64
	UserID           int64
	PlaylistID       string
	Mode             RunMode
	Order            []string
	Cursor           int
	QueuedUntilIndex int
	Status           RunStatus
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// User is the internal record a Run's user_id foreign key points at.
type User struct {
	ID            int64
	SpotifyUserID string
	DisplayName   string
}

// errConcurrentCreate is returned internally when two callers race to
// create the active run for the same (user, playlist, mode); callers
// should re-read via FindActiveControllerRun instead of treating it as a
// hard failure.
var errConcurrentCreate = errors.New("store: concurrent active run create")

// FindOrCreateUser resolves spotifyUserID to an internal User row,
// creating one on first sight.
func (db *DB) FindOrCreateUser(ctx context.Context, spotifyUserID, displayName string) (*User, error) {
	u, err := db.findUser(ctx, spotifyUserID)
	if err != nil {
		return nil, err
	}
	if u != nil {
		return u, nil
	}

	_, err = db.conn.ExecContext(ctx,
		`INSERT INTO users (spotify_user_id, display_name) VALUES (?, ?)
		 ON CONFLICT(spotify_user_id) DO NOTHING`,
		spotifyUserID, displayName)
	if err != nil {
		return nil, fmt.Errorf("store: create user: %w", err)
	}
	return db.findUser(ctx, spotifyUserID)
}

func (db *DB) findUser(ctx context.Context, spotifyUserID string) (*User, error) {
	row := db.conn.QueryRowContext(ctx,
		`SELECT id, spotify_user_id, display_name FROM users WHERE spotify_user_id = ?`,
		spotifyUserID)

	var u User
	var displayName sql.NullString
	if err := row.Scan(&u.ID, &u.SpotifyUserID, &displayName); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("store: find user: %w", err)
	}
	u.DisplayName = displayName.String
	return &u, nil
}

// FindActiveControllerRun returns the active controller run for
// (userID, playlistID), or nil if there is none.
func (db *DB) FindActiveControllerRun(ctx context.Context, userID int64, playlistID string) (*Run, error) {
	return db.findActiveRun(ctx, userID, playlistID, ModeController)
}

func (db *DB) findActiveRun(ctx context.Context, userID int64, playlistID string, mode RunMode) (*Run, error) {
	row := db.conn.QueryRowContext(ctx,
		`SELECT id, user_id, playlist_id, mode, shuffled_order, cursor, queued_until_index, status, created_at, updated_at
		 FROM runs WHERE user_id = ? AND playlist_id = ? AND mode = ? AND status = 'active'`,
		userID, playlistID, mode)
	return scanRun(row)
}

// GetRunForUser returns runID if it belongs to userID, or nil if it does
// not exist or belongs to someone else — callers must not distinguish
// the two cases in their response, to avoid leaking run existence across
// accounts.
func (db *DB) GetRunForUser(ctx context.Context, userID, runID int64) (*Run, error) {
	row := db.conn.QueryRowContext(ctx,
		`SELECT id, user_id, playlist_id, mode, shuffled_order, cursor, queued_until_index, status, created_at, updated_at
		 FROM runs WHERE id = ? AND user_id = ?`,
		runID, userID)
	return scanRun(row)
}

// CreateImportedRun inserts a run in the given status directly from an
// imported export payload, bypassing the Shuffle Engine entirely — the
// order it carries is trusted as already final.
func (db *DB) CreateImportedRun(ctx context.Context, userID int64, playlistID string, mode RunMode, order []string, cursor int, status RunStatus) (*Run, error) {
	orderJSON, err := json.Marshal(order)
	if err != nil {
		return nil, fmt.Errorf("store: encode run order: %w", err)
	}

	_, err = db.conn.ExecContext(ctx,
		`INSERT INTO runs (user_id, playlist_id, mode, shuffled_order, cursor, queued_until_index, status)
		 VALUES (?, ?, ?, ?, ?, -1, ?)`,
		userID, playlistID, string(mode), string(orderJSON), cursor, string(status))
	if err != nil {
		if isUniqueConstraintViolation(err) {
			return nil, fmt.Errorf("store: import run: %w: an active run already exists for this playlist", err)
		}
		return nil, fmt.Errorf("store: import run: %w", err)
	}

	if status == StatusActive {
		return db.findActiveRun(ctx, userID, playlistID, mode)
	}
	row := db.conn.QueryRowContext(ctx,
		`SELECT id, user_id, playlist_id, mode, shuffled_order, cursor, queued_until_index, status, created_at, updated_at
		 FROM runs WHERE user_id = ? AND playlist_id = ? ORDER BY id DESC LIMIT 1`,
		userID, playlistID)
	return scanRun(row)
}

func scanRun(row *sql.Row) (*Run, error) {
	var r Run
	var orderJSON string
	var mode, status string
	if err := row.Scan(&r.ID, &r.UserID, &r.PlaylistID, &mode, &orderJSON, &r.Cursor, &r.QueuedUntilIndex, &status, &r.CreatedAt, &r.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("store: scan run: %w", err)
	}
	r.Mode = RunMode(mode)
	r.Status = RunStatus(status)
	if err := json.Unmarshal([]byte(orderJSON), &r.Order); err != nil {
		return nil, fmt.Errorf("store: decode run order: %w", err)
	}
	return &r, nil
}

// CreateRun inserts a new active run with the given order. The partial
// unique index on (user_id, playlist_id, mode) WHERE status='active'
// makes this idempotent against a racing concurrent start: the loser's
// insert fails the constraint and this returns the winner's row instead
// of an error, satisfying "one caller wins, the other finds the existing
// row."
func (db *DB) CreateRun(ctx context.Context, userID int64, playlistID string, mode RunMode, order []string) (*Run, error) {
	orderJSON, err := json.Marshal(order)
	if err != nil {
		return nil, fmt.Errorf("store: encode run order: %w", err)
	}

	_, err = db.conn.ExecContext(ctx,
		`INSERT INTO runs (user_id, playlist_id, mode, shuffled_order, cursor, queued_until_index, status)
		 VALUES (?, ?, ?, ?, 0, -1, 'active')`,
		userID, playlistID, string(mode), string(orderJSON))

	if err != nil {
		if isUniqueConstraintViolation(err) {
			existing, findErr := db.findActiveRun(ctx, userID, playlistID, mode)
			if findErr != nil {
				return nil, findErr
			}
			if existing != nil {
				return existing, nil
			}
			return nil, errConcurrentCreate
		}
		return nil, fmt.Errorf("store: create run: %w", err)
	}

	return db.findActiveRun(ctx, userID, playlistID, mode)
}

func isUniqueConstraintViolation(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code == sqlite3.ErrConstraint
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// UpdateCursor persists cursor and queuedUntilIndex for runID. Callers
// must write this before returning control to the caller or starting the
// next poll iteration, so a crash never leaves durable state ahead of
// what was actually acted on.
func (db *DB) UpdateCursor(ctx context.Context, runID int64, cursor, queuedUntilIndex int) error {
	_, err := db.conn.ExecContext(ctx,
		`UPDATE runs SET cursor = ?, queued_until_index = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?`,
		cursor, queuedUntilIndex, runID)
	if err != nil {
		return fmt.Errorf("store: update cursor: %w", err)
	}
	return nil
}

// MarkStatus transitions runID to status (completed or cancelled).
func (db *DB) MarkStatus(ctx context.Context, runID int64, status RunStatus) error {
	_, err := db.conn.ExecContext(ctx,
		`UPDATE runs SET status = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?`,
		string(status), runID)
	if err != nil {
		return fmt.Errorf("store: mark status: %w", err)
	}
	return nil
}

// InsertSkipped records the tracks the Shuffle Engine excluded from runID,
// for informational display only.
func (db *DB) InsertSkipped(ctx context.Context, runID int64, entries []shuffle.Skipped) error {
	for _, e := range entries {
		_, err := db.conn.ExecContext(ctx,
			`INSERT INTO skipped_tracks (run_id, uri, reason) VALUES (?, ?, ?)`,
			runID, e.URI, string(e.Reason))
		if err != nil {
			return fmt.Errorf("store: insert skipped track: %w", err)
		}
	}
	return nil
}
