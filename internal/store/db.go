// Package store is the relational session store: the waiting pool and the
// call session history, kept in SQLite. Every mutation is a single statement
// or a single transaction, and every committed change is announced on the bus.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	_ "modernc.org/sqlite"
)

const (
	TablePool     = "waiting_pool"
	TableSessions = "call_sessions"
)

var schema = []string{
	`CREATE TABLE IF NOT EXISTS waiting_pool (
		user_id        TEXT PRIMARY KEY,
		possess_skills TEXT NOT NULL DEFAULT '[]',
		want_skills    TEXT NOT NULL DEFAULT '[]',
		status         TEXT NOT NULL DEFAULT 'waiting' CHECK (status IN ('waiting', 'matched')),
		matched_with   TEXT,
		created_at     INTEGER NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS call_sessions (
		id         TEXT PRIMARY KEY,
		user1_id   TEXT NOT NULL,
		user2_id   TEXT NOT NULL,
		status     TEXT NOT NULL CHECK (status IN ('active', 'ended')),
		created_at INTEGER NOT NULL,
		ended_at   INTEGER,
		CHECK (user1_id < user2_id)
	)`,
	// One active session per unordered pair. Slot order makes the pair a
	// plain (user1_id, user2_id) key.
	`CREATE UNIQUE INDEX IF NOT EXISTS call_sessions_active_pair
		ON call_sessions (user1_id, user2_id) WHERE status = 'active'`,
	`CREATE INDEX IF NOT EXISTS call_sessions_user2 ON call_sessions (user2_id, status)`,
}

// DB wraps the SQLite handle.
type DB struct {
	db *sql.DB
}

// Open opens (or creates) the database at dsn and applies the schema.
// ":memory:" gives a private in-memory database.
func Open(ctx context.Context, dsn string) (*DB, error) {
	db, err := sql.Open("sqlite", withPragmas(dsn))
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// SQLite has a single writer; one connection also keeps ":memory:"
	// databases alive and shared across calls.
	db.SetMaxOpenConns(1)

	for _, stmt := range schema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("apply schema: %w", err)
		}
	}
	return &DB{db: db}, nil
}

// Close closes the database.
func (d *DB) Close() error {
	return d.db.Close()
}

// Ping checks the connection.
func (d *DB) Ping(ctx context.Context) error {
	return d.db.PingContext(ctx)
}

// Tables exposes the generic table API outside any transaction.
func (d *DB) Tables() Tables {
	return Tables{q: d.db}
}

// InTx runs fn inside a transaction, committing if it returns nil.
func (d *DB) InTx(ctx context.Context, fn func(Tables) error) error {
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	if err := fn(Tables{q: tx}); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func withPragmas(dsn string) string {
	if strings.Contains(dsn, "_pragma=") {
		return dsn
	}
	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}
	return dsn + sep + "_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)"
}
