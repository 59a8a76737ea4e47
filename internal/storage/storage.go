package storage

import (
	"fmt"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
)

// Store is the sqlite-backed persistence layer. The coordination core only
// writes relay records, person-relay scores and event-seen bookkeeping; the
// event tables exist to satisfy read contracts.
type Store struct {
	db *sqlx.DB
}

const schema = `
CREATE TABLE IF NOT EXISTS relays (
	url             TEXT PRIMARY KEY,
	usage_bits      INTEGER NOT NULL DEFAULT 0,
	rank            INTEGER NOT NULL DEFAULT 3,
	hidden          INTEGER NOT NULL DEFAULT 0,
	success_count   INTEGER NOT NULL DEFAULT 0,
	failure_count   INTEGER NOT NULL DEFAULT 0,
	last_success_at INTEGER
);

CREATE TABLE IF NOT EXISTS person_relays (
	pubkey      TEXT NOT NULL,
	url         TEXT NOT NULL,
	read_score  INTEGER NOT NULL DEFAULT 0,
	write_score INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (pubkey, url)
);

CREATE TABLE IF NOT EXISTS event_relays (
	event_id TEXT NOT NULL,
	url      TEXT NOT NULL,
	seen_at  INTEGER NOT NULL,
	PRIMARY KEY (event_id, url)
);

CREATE TABLE IF NOT EXISTS follows (
	pubkey TEXT PRIMARY KEY
);

CREATE TABLE IF NOT EXISTS events (
	id         TEXT PRIMARY KEY,
	pubkey     TEXT NOT NULL,
	kind       INTEGER NOT NULL,
	created_at INTEGER NOT NULL,
	content    TEXT NOT NULL,
	raw        TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_events_kind_created ON events (kind, created_at);
CREATE INDEX IF NOT EXISTS idx_events_pubkey ON events (pubkey);

CREATE TABLE IF NOT EXISTS settings (
	key   TEXT PRIMARY KEY,
	value TEXT NOT NULL
);
`

// Open opens (or creates) the database at path and applies the schema.
func Open(path string) (*Store, error) {
	db, err := sqlx.Connect("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// sqlite allows one writer; serialize access through a single conn.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}

	return &Store{db: db}, nil
}

// WriteTx runs fn inside a write transaction, committing on nil error.
func (s *Store) WriteTx(fn func(tx *sqlx.Tx) error) error {
	tx, err := s.db.Beginx()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit: %w", err)
	}
	return nil
}

// Sync flushes the WAL to the main database file.
func (s *Store) Sync() error {
	if _, err := s.db.Exec(`PRAGMA wal_checkpoint(TRUNCATE)`); err != nil {
		return fmt.Errorf("failed to checkpoint: %w", err)
	}
	return nil
}

// Close closes the database.
func (s *Store) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}
	return nil
}
