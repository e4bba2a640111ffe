// Package store provides durable SQLite persistence for the transaction log.
//
// The log survives process restarts: a capture made while offline is not
// lost if the app is killed before reconnecting. SQLite runs in WAL mode so
// status counters can be read while the engine writes.
package store

import (
	"database/sql"
	_ "embed"
	"fmt"

	_ "github.com/mattn/go-sqlite3"
)

//go:embed schema.sql
var schemaSQL string

// Schema version tracking:
// 0 - Initial schema (pre-migration)
// 1 - Added id_mappings table for existing databases
const currentSchemaVersion = 1

// openPragmas are applied to every new connection, in order. WAL lets the
// status counters be read mid-write; busy_timeout covers short lock waits
// before the retry wrapper kicks in.
var openPragmas = []string{
	"PRAGMA journal_mode = WAL",
	"PRAGMA synchronous = NORMAL",
	"PRAGMA busy_timeout = 5000",
	"PRAGMA foreign_keys = ON",
}

// Store is the durable, ordered transaction log.
type Store struct {
	db *sql.DB
}

// Open creates or opens the SQLite database at the given path. Pragmas and
// schema migrations are applied on every open, so the call is idempotent.
// Pass ":memory:" for an ephemeral store.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}

	// Single connection: SQLite allows one writer, and a second connection
	// to a :memory: path would see a different database entirely.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("connect %s: %w", path, err)
	}

	for _, pragma := range openPragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("%s: %w", pragma, err)
		}
	}

	if err := migrate(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate schema: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// migrate applies the base schema, then walks user_version forward through
// the incremental migrations. Everything it runs is a no-op on a database
// that is already current.
func migrate(db *sql.DB) error {
	if _, err := db.Exec(schemaSQL); err != nil {
		return fmt.Errorf("base schema: %w", err)
	}

	var version int
	if err := db.QueryRow("PRAGMA user_version").Scan(&version); err != nil {
		return fmt.Errorf("read user_version: %w", err)
	}

	if version < 1 {
		// v1: id_mappings table, for databases created before the
		// optimistic id mapping was persisted. New databases get it
		// from schema.sql.
		_, err := db.Exec(`
			CREATE TABLE IF NOT EXISTS id_mappings (
				optimistic_id TEXT PRIMARY KEY,
				confirmed_id  TEXT NOT NULL
			)
		`)
		if err != nil {
			return fmt.Errorf("v1: %w", err)
		}
	}

	if version != currentSchemaVersion {
		if _, err := db.Exec(fmt.Sprintf("PRAGMA user_version = %d", currentSchemaVersion)); err != nil {
			return fmt.Errorf("set user_version: %w", err)
		}
	}

	return nil
}

// verifyPragma checks that a pragma is set to the expected value.
// Used for testing.
func (s *Store) verifyPragma(name, expected string) error {
	var value string
	if err := s.db.QueryRow("PRAGMA " + name).Scan(&value); err != nil {
		return fmt.Errorf("query %s: %w", name, err)
	}
	if value != expected {
		return fmt.Errorf("%s = %q, want %q", name, value, expected)
	}
	return nil
}
