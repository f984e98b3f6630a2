// Package storage opens the SQLite database backing the call journal.
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

// OpenSQLite opens (and creates if needed) the journal database at path and
// ensures its tables exist. The path must be on a local filesystem.
func OpenSQLite(ctx context.Context, path string) (*sql.DB, error) {
	if path == "" {
		return nil, fmt.Errorf("sqlite path is empty")
	}
	if path != ":memory:" {
		if err := CheckLocalFilesystem(path); err != nil {
			return nil, err
		}
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create sqlite directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// The journal has a single writer; one connection avoids SQLITE_BUSY between
	// the writer and API readers.
	db.SetMaxOpenConns(1)

	pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	for _, pragma := range []string{
		"PRAGMA journal_mode = WAL;",
		"PRAGMA synchronous = NORMAL;",
		"PRAGMA busy_timeout = 5000;",
	} {
		if _, err := db.ExecContext(pctx, pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("apply %q: %w", pragma, err)
		}
	}
	if err := BootstrapSQLite(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}

// BootstrapSQLite creates tables and indexes if missing.
func BootstrapSQLite(ctx context.Context, db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS call_log (
  farm_id     TEXT NOT NULL,
  call_id     INTEGER NOT NULL,
  worker_id   INTEGER NOT NULL DEFAULT 0,
  method      TEXT NOT NULL DEFAULT '',
  outcome     TEXT NOT NULL,
  retries     INTEGER NOT NULL DEFAULT 0,
  error       TEXT,
  duration_ms INTEGER NOT NULL,
  settled_at  TEXT NOT NULL,
  PRIMARY KEY (farm_id, call_id)
);`,
		`CREATE TABLE IF NOT EXISTS worker_log (
  farm_id   TEXT NOT NULL,
  worker_id INTEGER NOT NULL,
  pid       INTEGER NOT NULL,
  exit_code INTEGER NOT NULL,
  signal    TEXT,
  exited_at TEXT NOT NULL,
  PRIMARY KEY (farm_id, worker_id)
);`,
		`CREATE INDEX IF NOT EXISTS call_log_settled_at_idx ON call_log(settled_at);`,
		`CREATE INDEX IF NOT EXISTS call_log_outcome_idx ON call_log(outcome, settled_at);`,
	}

	for _, stmt := range stmts {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("bootstrap sqlite: %w", err)
		}
	}
	return nil
}
