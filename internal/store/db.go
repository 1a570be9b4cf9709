// Package store implements the Run Store: the durable record of users,
// tokens, and controller/utility runs, backed by SQLite.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// DB wraps the underlying SQLite connection and owns schema creation.
type DB struct {
	conn *sql.DB
}

// Open creates (if needed) the database file at path, creates the schema
// idempotently, and returns a ready DB.
func Open(path string) (*DB, error) {
	conn, err := sql.Open("sqlite3", path+"?_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("store: open sqlite: %w", err)
	}
	conn.SetMaxOpenConns(1) // mattn/go-sqlite3 does not support concurrent writers

	db := &DB{conn: conn}
	if err := db.createTables(); err != nil {
		conn.Close()
		return nil, err
	}
	return db, nil
}

func (db *DB) Close() error {
	return db.conn.Close()
}

func schemaContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), 60*time.Second)
}

func (db *DB) createTables() error {
	ctx, cancel := schemaContext()
	defer cancel()

	for _, query := range db.getTableCreationQueries() {
		if _, err := db.conn.ExecContext(ctx, query); err != nil {
			return fmt.Errorf("store: schema query failed: %s: %w", query, err)
		}
	}
	return nil
}

// getTableCreationQueries returns the full schema. No migrations exist
// pre-1.0: every column is defined here and the statements are re-run
// idempotently on every Open.
func (db *DB) getTableCreationQueries() []string {
	return []string{
		`CREATE TABLE IF NOT EXISTS users (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			spotify_user_id TEXT NOT NULL UNIQUE,
			display_name TEXT,
			created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,

		`CREATE TABLE IF NOT EXISTS tokens (
			user_id INTEGER PRIMARY KEY REFERENCES users(id),
			access_token TEXT NOT NULL,
			refresh_token TEXT NOT NULL,
			expires_at TIMESTAMP NOT NULL
		)`,

		// shuffled_order is stored as a JSON array of URIs, matching the
		// reference schema; queried whole, never filtered by SQL.
		`CREATE TABLE IF NOT EXISTS runs (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			user_id INTEGER NOT NULL REFERENCES users(id),
			playlist_id TEXT NOT NULL,
			mode TEXT NOT NULL CHECK (mode IN ('utility', 'controller')),
			shuffled_order TEXT NOT NULL DEFAULT '[]',
			cursor INTEGER NOT NULL DEFAULT 0,
			queued_until_index INTEGER NOT NULL DEFAULT -1,
			status TEXT NOT NULL CHECK (status IN ('active', 'completed', 'cancelled')),
			created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,

		// A plain UNIQUE(user_id, playlist_id, mode, status) would also
		// block multiple historical completed/cancelled rows for the same
		// combo. The real invariant only forbids two *active* rows, so the
		// constraint is a partial index instead.
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_runs_active_unique
			ON runs(user_id, playlist_id, mode)
			WHERE status = 'active'`,

		`CREATE INDEX IF NOT EXISTS idx_runs_user_playlist
			ON runs(user_id, playlist_id)`,

		`CREATE TABLE IF NOT EXISTS skipped_tracks (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			run_id INTEGER NOT NULL REFERENCES runs(id),
			uri TEXT NOT NULL,
			reason TEXT NOT NULL CHECK (reason IN ('local', 'episode', 'unavailable', 'duplicate')),
			created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,

		`CREATE INDEX IF NOT EXISTS idx_skipped_tracks_run
			ON skipped_tracks(run_id)`,
	}
}
