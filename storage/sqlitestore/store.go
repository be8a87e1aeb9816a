// Package sqlitestore provides durable SQLite-backed implementations of the
// xsbus storage ports: saga data (with correlation uniqueness), deferred
// messages, subscriptions and saga snapshots.
package sqlitestore

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/mattn/go-sqlite3"

	"github.com/trickstertwo/xsbus"
)

const schema = `
CREATE TABLE IF NOT EXISTS sagas (
	id       TEXT PRIMARY KEY,
	type     TEXT NOT NULL,
	revision INTEGER NOT NULL,
	data     BLOB NOT NULL
);
CREATE TABLE IF NOT EXISTS saga_correlations (
	saga_type TEXT NOT NULL,
	property  TEXT NOT NULL,
	value     TEXT NOT NULL,
	saga_id   TEXT NOT NULL,
	UNIQUE (saga_type, property, value)
);
CREATE INDEX IF NOT EXISTS idx_saga_correlations_saga ON saga_correlations (saga_id);
CREATE TABLE IF NOT EXISTS timeouts (
	id           INTEGER PRIMARY KEY AUTOINCREMENT,
	due_unix_ns  INTEGER NOT NULL,
	leased_until INTEGER NOT NULL DEFAULT 0,
	headers      BLOB NOT NULL,
	body         BLOB NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_timeouts_due ON timeouts (due_unix_ns);
CREATE TABLE IF NOT EXISTS subscriptions (
	topic      TEXT NOT NULL,
	subscriber TEXT NOT NULL,
	UNIQUE (topic, subscriber)
);
CREATE TABLE IF NOT EXISTS saga_snapshots (
	saga_id  TEXT NOT NULL,
	revision INTEGER NOT NULL,
	type     TEXT NOT NULL,
	data     BLOB NOT NULL,
	metadata BLOB NOT NULL,
	UNIQUE (saga_id, revision)
);
`

// Store owns one SQLite database holding every xsbus table. The individual
// storage ports are views over it.
type Store struct {
	db       *sql.DB
	registry *xsbus.TypeRegistry
	codec    xsbus.Codec
}

// Open opens (or creates) the database at dsn and applies the schema. Saga
// data types must be registered in the given type registry under their saga
// data type name so Find can materialize them.
func Open(dsn string, registry *xsbus.TypeRegistry) (*Store, error) {
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("sqlitestore: open: %w", err)
	}
	// SQLite serializes writers; a single connection avoids SQLITE_BUSY
	// under concurrent workers.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlitestore: migrate: %w", err)
	}
	return &Store{db: db, registry: registry, codec: xsbus.JSONCodec{}}, nil
}

// Close releases the database handle.
func (s *Store) Close() error { return s.db.Close() }

// DB exposes the underlying handle for tests and maintenance tooling.
func (s *Store) DB() *sql.DB { return s.db }

// isConstraintErr reports whether err is a SQLite uniqueness violation.
func isConstraintErr(err error) bool {
	var serr sqlite3.Error
	if errors.As(err, &serr) {
		return serr.Code == sqlite3.ErrConstraint
	}
	return false
}
