// Package store wraps the embedded relational store (SQLite via
// mattn/go-sqlite3, the driver pulled from roach88-nysm's go.mod) that
// holds the synced music catalog plus bae-sync's own local-only
// bookkeeping tables (cursors, audit log, sync state).
//
// Grounded directly on roach88-nysm/internal/store.Open: WAL mode, a
// single-writer connection pool, busy-timeout, foreign keys on, and an
// idempotent schema application. bae-sync additionally splits the pool
// into a single write connection (per spec.md §4.4's single-writer
// discipline; changeset.Capture opens its own hooked connection rather
// than using this one) and an unlimited-reader pool, which
// roach88-nysm's single-process CLI doesn't need but the sync core's
// concurrent reader/single-writer model (spec.md §5) does.
package store

import (
	"context"
	_ "embed"
	"database/sql"
	"fmt"

	_ "github.com/mattn/go-sqlite3"
)

//go:embed schema.sql
var schemaSQL string

const currentSchemaVersion = 1

// SyncedTables lists every table attached to a ChangesetCapture session
// (spec.md §6: "Tables under change-tracking (synced)"). Device-local
// tables (device_config, sync_cursors, sync_state, sync_audit_log,
// image_fetch_queue) are deliberately excluded.
var SyncedTables = []string{
	"artists",
	"albums",
	"album_external_ids",
	"releases",
	"release_external_ids",
	"tracks",
	"track_artists",
	"track_external_ids",
	"release_files",
	"audio_formats",
	"library_images",
}

// Store holds the write connection (single, exclusive) and the read pool
// (multi-reader concurrent), per spec.md §4.4 and §5.
type Store struct {
	path       string
	writeDB    *sql.DB
	readDB     *sql.DB
}

// Open creates or opens a SQLite database at path, applying pragmas and
// schema migrations idempotently.
func Open(path string) (*Store, error) {
	writeDB, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("store: open write connection: %w", err)
	}
	writeDB.SetMaxOpenConns(1)
	writeDB.SetMaxIdleConns(1)

	if err := writeDB.Ping(); err != nil {
		writeDB.Close()
		return nil, fmt.Errorf("store: ping write connection: %w", err)
	}
	if err := applyPragmas(writeDB); err != nil {
		writeDB.Close()
		return nil, fmt.Errorf("store: apply pragmas: %w", err)
	}
	if err := applySchema(writeDB); err != nil {
		writeDB.Close()
		return nil, fmt.Errorf("store: apply schema: %w", err)
	}

	readDB, err := sql.Open("sqlite3", path+"?mode=ro&_journal_mode=WAL")
	if err != nil {
		writeDB.Close()
		return nil, fmt.Errorf("store: open read pool: %w", err)
	}

	return &Store{path: path, writeDB: writeDB, readDB: readDB}, nil
}

func (s *Store) Close() error {
	var errs []error
	if err := s.writeDB.Close(); err != nil {
		errs = append(errs, err)
	}
	if err := s.readDB.Close(); err != nil {
		errs = append(errs, err)
	}
	if len(errs) > 0 {
		return fmt.Errorf("store: close: %v", errs)
	}
	return nil
}

// Path returns the on-disk database file path.
func (s *Store) Path() string { return s.path }

// WriteDB returns the store's single write connection. It is not attached
// to a capture session: changeset.Capture opens its own connection, so
// writes made through this one are not recorded in any changeset.
func (s *Store) WriteDB() *sql.DB { return s.writeDB }

// ReadDB returns the multi-reader pool for read-only queries (spec.md §4.4:
// "Reads and read-only queries go through a separate read pool").
func (s *Store) ReadDB() *sql.DB { return s.readDB }

func (s *Store) QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return s.readDB.QueryContext(ctx, query, args...)
}

func applyPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA foreign_keys = ON",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("exec %q: %w", pragma, err)
		}
	}
	return nil
}

func applySchema(db *sql.DB) error {
	if _, err := db.Exec(schemaSQL); err != nil {
		return fmt.Errorf("exec schema: %w", err)
	}

	var version int
	if err := db.QueryRow("PRAGMA user_version").Scan(&version); err != nil {
		return fmt.Errorf("get user_version: %w", err)
	}
	if version < currentSchemaVersion {
		if _, err := db.Exec(fmt.Sprintf("PRAGMA user_version = %d", currentSchemaVersion)); err != nil {
			return fmt.Errorf("set user_version: %w", err)
		}
	}
	return nil
}
