// Package persist implements snapshot/restore of orchestration-core state
// into a single sqlite-backed Dict(key BLOB, value BLOB) table, the
// persisted-state layout the environment's snapshot() and restore()
// operations read and write. Keys are node names; values are the bytes
// each node's stdout pipe has observed so far.
package persist

import (
	"context"
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite" // pure-Go SQLite driver
)

// Store is a sqlite-backed Dict table. The zero value is not usable;
// construct with Open.
type Store struct {
	db *sql.DB
}

// Open opens (creating if necessary) a sqlite database at path and
// ensures its Dict table exists. path may be ":memory:" for an
// in-process, non-persistent store, matching modernc.org/sqlite's usual
// in-memory mode.
//
// A single shared connection (SetMaxOpenConns(1)) serializes every
// snapshot/restore call through one connection, avoiding SQLITE_BUSY
// errors from concurrent writers opening independent connections.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("persist: open %q: %w", path, err)
	}
	db.SetMaxOpenConns(1)
	s := &Store{db: db}
	if err := s.init(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) init(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS dict (
		key   BLOB PRIMARY KEY,
		value BLOB NOT NULL
	)`)
	if err != nil {
		return fmt.Errorf("persist: create dict table: %w", err)
	}
	return nil
}

// Put writes (or overwrites) the value stored under key.
func (s *Store) Put(ctx context.Context, key string, value []byte) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO dict (key, value) VALUES (?, ?)`, key, value)
	if err != nil {
		return fmt.Errorf("persist: put %q: %w", key, err)
	}
	return nil
}

// Get reads the value stored under key. ok is false if key is absent.
func (s *Store) Get(ctx context.Context, key string) (value []byte, ok bool, err error) {
	err = s.db.QueryRowContext(ctx, `SELECT value FROM dict WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("persist: get %q: %w", key, err)
	}
	return value, true, nil
}

// Keys returns every key currently stored, in no particular order.
func (s *Store) Keys(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT key FROM dict`)
	if err != nil {
		return nil, fmt.Errorf("persist: keys: %w", err)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, fmt.Errorf("persist: scan key: %w", err)
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

// Delete removes key, if present. Deleting an absent key is not an error.
func (s *Store) Delete(ctx context.Context, key string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM dict WHERE key = ?`, key)
	if err != nil {
		return fmt.Errorf("persist: delete %q: %w", key, err)
	}
	return nil
}

// Clear removes every entry, used by snapshot() before writing a new
// snapshot so stale keys from a prior run don't linger.
func (s *Store) Clear(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM dict`)
	if err != nil {
		return fmt.Errorf("persist: clear: %w", err)
	}
	return nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}
