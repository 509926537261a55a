// Package store implements the local transactional store: the sole
// owner of persisted run/token/context/fan-in state. Uses an embedded
// schema file over database/sql and mattn/go-sqlite3, adapted from a
// single flat execution-log table to the coordinator's six-table
// shape (runs, tokens, context_values, branch_tables, fan_ins,
// subworkflows).
package store

import (
	"database/sql"
	_ "embed"
	"fmt"
	"os"
	"path/filepath"

	_ "github.com/mattn/go-sqlite3"
)

//go:embed schema.sql
var schemaSQL string

// Store wraps the sqlite connection backing one coordinator process.
// A single process may host many runs; rows are always scoped by
// run_id, not by connection.
type Store struct {
	db *sql.DB
}

// Open creates (or attaches to) the sqlite database at path and
// ensures its schema exists. path may be ":memory:" for tests.
func Open(path string) (*Store, error) {
	if path != ":memory:" {
		dir := filepath.Dir(path)
		if dir != "." && dir != "" {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("create store directory: %w", err)
			}
		}
	}

	db, err := sql.Open("sqlite3", path+"?_foreign_keys=on&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	if path == ":memory:" {
		// A dedicated in-memory database is per-connection; force a
		// single connection so every query sees the same database.
		db.SetMaxOpenConns(1)
	}

	s := &Store{db: db}
	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}
	return s, nil
}

// Close releases the underlying connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Tx runs fn inside a single sqlite transaction, committing on success
// and rolling back on any returned error. The applier uses this to
// make one decision batch atomic (the applier is the sole
// mutator and every decision's effect is all-or-nothing).
func (s *Store) Tx(fn func(*sql.Tx) error) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}

	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return fmt.Errorf("%w (rollback also failed: %v)", err, rbErr)
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}
