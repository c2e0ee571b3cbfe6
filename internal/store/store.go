// Package store is the hub's single source of truth: SQLite persistence for
// topics, subscriptions, and verifications, plus the claim primitives that let
// any number of worker nodes cooperate on one database.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"
	_ "modernc.org/sqlite" // pure-Go SQLite driver
)

var (
	// ErrNotFound reports a missing entity.
	ErrNotFound = errors.New("store: not found")
	// ErrUnexpectedRows reports a mutation that affected the wrong number of
	// rows; callers release the claim and retry after backoff.
	ErrUnexpectedRows = errors.New("store: unexpected affected row count")
)

var log = logrus.WithField("component", "store")

// Store wraps the hub database. All writes are serialized by an internal
// mutex: SQLite is single-writer, and taking the write lock up front is how
// the embedded backend implements skip-locked claim semantics.
type Store struct {
	db *sql.DB
	mu sync.Mutex

	cache *contentCache
}

// Open opens (or creates) the hub database at path with the recommended
// pragmas, applies migrations, and verifies the schema version.
// cacheEntries sizes the per-process topic content cache.
func Open(path string, cacheEntries int) (*Store, error) {
	db, err := openDB(path)
	if err != nil {
		return nil, err
	}
	if err := Migrate(db); err != nil {
		db.Close()
		return nil, err
	}

	cache, err := newContentCache(cacheEntries)
	if err != nil {
		db.Close()
		return nil, err
	}
	return &Store{db: db, cache: cache}, nil
}

// openDB opens a SQLite database with WAL journal mode, synchronous=NORMAL,
// foreign_keys=ON, busy_timeout=5000, and a single connection.
func openDB(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open db %s: %w", path, err)
	}

	// Single-writer: only one connection needed.
	db.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("exec %q on %s: %w", p, path, err)
		}
	}

	return db, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping verifies database liveness; the healthcheck endpoint calls it.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// withTx runs fn inside a write transaction under the store mutex, so claim
// reads and the in-progress upserts they gate see one consistent snapshot.
func (s *Store) withTx(fn func(tx *sql.Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

// expectRows converts a sql.Result into ErrUnexpectedRows when the affected
// row count differs from want.
func expectRows(res sql.Result, want int64) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n != want {
		return fmt.Errorf("%w: got %d, want %d", ErrUnexpectedRows, n, want)
	}
	return nil
}
