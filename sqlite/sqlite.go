// Package sqlite stores upload sessions and audio files in a single sqlite
// database. It is the default backend for single node deployments.
package sqlite

import (
	"context"
	"database/sql"
	"time"

	_ "modernc.org/sqlite" // sqlite driver
)

// Open opens (creating if needed) the database at path and applies the schema.
// The pool is limited to one connection, which serializes every transaction.
func Open(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(30 * time.Minute)

	pragmas := []string{
		"PRAGMA busy_timeout = 5000",
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA cache_size=1000",
		"PRAGMA foreign_keys=ON",
	}

	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			_ = db.Close()

			return nil, err
		}
	}

	if err := db.Ping(); err != nil {
		_ = db.Close()

		return nil, err
	}

	if err := createSchema(context.Background(), db); err != nil {
		_ = db.Close()

		return nil, err
	}

	return db, nil
}

func createSchema(ctx context.Context, db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS upload_sessions (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			upload_id TEXT NOT NULL UNIQUE,
			filename TEXT NOT NULL,
			original_filename TEXT NOT NULL,
			file_size INTEGER NOT NULL CHECK (file_size >= 1),
			mime_type TEXT NOT NULL,
			total_chunks INTEGER NOT NULL CHECK (total_chunks >= 1),
			uploaded_chunks INTEGER NOT NULL DEFAULT 0,
			status TEXT NOT NULL,
			expires_at INTEGER NOT NULL,
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_upload_sessions_expiry ON upload_sessions (status, expires_at)`,
		`CREATE TABLE IF NOT EXISTS upload_session_chunks (
			upload_id TEXT NOT NULL REFERENCES upload_sessions (upload_id) ON DELETE CASCADE,
			chunk_index INTEGER NOT NULL,
			completed_at INTEGER NOT NULL,
			PRIMARY KEY (upload_id, chunk_index)
		)`,
		`CREATE TABLE IF NOT EXISTS audio_files (
			id TEXT PRIMARY KEY,
			filename TEXT NOT NULL,
			original_filename TEXT NOT NULL,
			path TEXT NOT NULL,
			file_size INTEGER NOT NULL,
			mime_type TEXT NOT NULL,
			status TEXT NOT NULL,
			transcript TEXT NOT NULL DEFAULT '',
			error_message TEXT,
			upload_time INTEGER NOT NULL,
			updated_at INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS system_config (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL,
			updated_at INTEGER NOT NULL
		)`,
	}

	for _, q := range stmts {
		if _, err := db.ExecContext(ctx, q); err != nil {
			return err
		}
	}

	return nil
}

type scannable interface {
	Scan(dest ...any) error
}

type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

// timestamps are stored as unix microseconds
func toMicros(t time.Time) int64 {
	return t.UnixMicro()
}

func fromMicros(v int64) time.Time {
	return time.UnixMicro(v).UTC()
}
