package storage

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// OpenSQLite opens (and creates if needed) the SQLite database at path and
// ensures required tables exist. Network filesystems are rejected.
func OpenSQLite(ctx context.Context, path string) (*sql.DB, error) {
	if path == "" {
		return nil, fmt.Errorf("sqlite path is empty")
	}
	if err := CheckLocalFilesystem(path); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create sqlite directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if _, err := db.ExecContext(pctx, "PRAGMA foreign_keys = ON;"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("enable foreign_keys: %w", err)
	}
	if _, err := db.ExecContext(pctx, "PRAGMA busy_timeout = 5000;"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set busy_timeout: %w", err)
	}
	if err := BootstrapSQLite(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}

// BootstrapSQLite creates the journal tables and indexes if missing.
func BootstrapSQLite(ctx context.Context, db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS provision_runs (
  id              TEXT PRIMARY KEY,
  version         TEXT NOT NULL,
  outcome         TEXT NOT NULL,
  reason          TEXT,
  artifact        TEXT,
  artifact_digest TEXT,
  optional_error  TEXT,
  error           TEXT,
  started_at      TEXT NOT NULL,
  duration_ms     INTEGER NOT NULL
);`,
		`CREATE TABLE IF NOT EXISTS launch_attempts (
  id          TEXT PRIMARY KEY,
  mode        TEXT NOT NULL,
  pid         INTEGER,
  port        INTEGER,
  outcome     TEXT NOT NULL,
  error       TEXT,
  started_at  TEXT NOT NULL,
  ready_at    TEXT,
  stopped_at  TEXT
);`,
		`CREATE INDEX IF NOT EXISTS provision_runs_started_at_idx ON provision_runs(started_at);`,
		`CREATE INDEX IF NOT EXISTS launch_attempts_started_at_idx ON launch_attempts(started_at);`,
	}

	for _, stmt := range stmts {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("bootstrap sqlite: %w", err)
		}
	}
	return nil
}
