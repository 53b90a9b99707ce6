// Copyright 2026 The Tidesync Authors
// SPDX-License-Identifier: Apache-2.0

// Package localstore persists the per-identity snapshot blob and the
// durable sync counters on SQLite. Everything a context needs to keep
// working offline lives here; remote state is reconstructed from it
// on the next successful publish.
package localstore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/tidesync/tidesync/lib/clock"
)

// ErrNoSnapshot reports that no snapshot row exists for an identity.
var ErrNoSnapshot = errors.New("localstore: no snapshot for identity")

// Counters is the durable per-identity sync state. Read once at
// startup and rewritten only after the corresponding local write is
// confirmed.
type Counters struct {
	// Version is the local snapshot version, incremented on every
	// local persist.
	Version uint64

	// LastAddress is the content address of the last snapshot blob
	// this context stored remotely, hex encoded. Empty before the
	// first publish.
	LastAddress string

	// LastSequence is the last naming-record sequence this context
	// published. Seeds the publisher so sequences stay monotonic
	// across restarts.
	LastSequence uint64
}

// Config holds the parameters for opening a local store.
type Config struct {
	// Path is the filesystem path to the SQLite database file. The
	// parent directory must exist. ":memory:" works in tests with
	// PoolSize 1.
	Path string

	// PoolSize is the number of pooled connections. Defaults to 4.
	// Writes serialize inside SQLite regardless; extra connections
	// only help concurrent reads.
	PoolSize int

	// Clock stamps snapshot rows. Defaults to the real clock.
	Clock clock.Clock

	// Logger receives operational messages. Defaults to a no-op
	// logger.
	Logger *slog.Logger
}

// Store is a pool of SQLite connections over the snapshot and
// counter tables. Safe for concurrent use; individual connections
// are not shared.
type Store struct {
	pool   *sqlitex.Pool
	clk    clock.Clock
	logger *slog.Logger
	path   string
}

const schema = `
	CREATE TABLE IF NOT EXISTS snapshots (
		identity   TEXT PRIMARY KEY,
		version    INTEGER NOT NULL,
		updated_at INTEGER NOT NULL,
		data       BLOB NOT NULL
	);
	CREATE TABLE IF NOT EXISTS counters (
		identity      TEXT PRIMARY KEY,
		version       INTEGER NOT NULL,
		last_address  TEXT NOT NULL DEFAULT '',
		last_sequence INTEGER NOT NULL DEFAULT 0
	);
`

// Open creates the store, applying WAL pragmas and the schema to
// every pooled connection. The database file is created if absent.
func Open(cfg Config) (*Store, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("localstore: Path is required")
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	poolSize := cfg.PoolSize
	if poolSize <= 0 {
		poolSize = 4
	}

	pool, err := sqlitex.NewPool(cfg.Path, sqlitex.PoolOptions{
		PoolSize: poolSize,
		PrepareConn: func(conn *sqlite.Conn) error {
			return prepareConnection(conn)
		},
	})
	if err != nil {
		return nil, fmt.Errorf("localstore: opening %s: %w", cfg.Path, err)
	}

	logger.Info("local store opened", "path", cfg.Path, "pool_size", poolSize)
	return &Store{pool: pool, clk: cfg.Clock, logger: logger, path: cfg.Path}, nil
}

// prepareConnection applies the standard pragmas and ensures the
// schema. Runs once per pooled connection on first use; the schema
// statements are idempotent.
func prepareConnection(conn *sqlite.Conn) error {
	// WAL: concurrent readers, single writer, readers never blocked.
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA temp_store=MEMORY",
	}
	for _, pragma := range pragmas {
		if err := sqlitex.ExecuteTransient(conn, pragma, nil); err != nil {
			return fmt.Errorf("localstore: %s: %w", pragma, err)
		}
	}
	if err := sqlitex.ExecuteScript(conn, schema, nil); err != nil {
		return fmt.Errorf("localstore: creating schema: %w", err)
	}
	return nil
}

// Close closes the pool. Blocks until all borrowed connections are
// returned.
func (s *Store) Close() error {
	if err := s.pool.Close(); err != nil {
		return fmt.Errorf("localstore: closing %s: %w", s.path, err)
	}
	return nil
}

// SaveSnapshot upserts an identity's snapshot blob at the given local
// version.
func (s *Store) SaveSnapshot(ctx context.Context, identity string, version uint64, data []byte) error {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return fmt.Errorf("localstore: save snapshot: %w", err)
	}
	defer s.pool.Put(conn)

	err = sqlitex.Execute(conn, `
		INSERT INTO snapshots (identity, version, updated_at, data)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(identity) DO UPDATE SET
			version = excluded.version,
			updated_at = excluded.updated_at,
			data = excluded.data`,
		&sqlitex.ExecOptions{
			Args: []any{identity, int64(version), s.clk.Now().UnixMilli(), data},
		})
	if err != nil {
		return fmt.Errorf("localstore: save snapshot: %w", err)
	}
	return nil
}

// LoadSnapshot returns an identity's snapshot blob and its local
// version. Returns ErrNoSnapshot when the identity has never been
// persisted.
func (s *Store) LoadSnapshot(ctx context.Context, identity string) ([]byte, uint64, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, 0, fmt.Errorf("localstore: load snapshot: %w", err)
	}
	defer s.pool.Put(conn)

	var data []byte
	var version uint64
	found := false
	err = sqlitex.Execute(conn, `
		SELECT version, data FROM snapshots WHERE identity = ?`,
		&sqlitex.ExecOptions{
			Args: []any{identity},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				found = true
				version = uint64(stmt.ColumnInt64(0))
				data = make([]byte, stmt.ColumnLen(1))
				stmt.ColumnBytes(1, data)
				return nil
			},
		})
	if err != nil {
		return nil, 0, fmt.Errorf("localstore: load snapshot: %w", err)
	}
	if !found {
		return nil, 0, fmt.Errorf("localstore: identity %s: %w", identity, ErrNoSnapshot)
	}
	return data, version, nil
}

// LoadCounters returns an identity's durable counters. An identity
// that has never synced gets zero counters, not an error.
func (s *Store) LoadCounters(ctx context.Context, identity string) (Counters, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return Counters{}, fmt.Errorf("localstore: load counters: %w", err)
	}
	defer s.pool.Put(conn)

	var counters Counters
	err = sqlitex.Execute(conn, `
		SELECT version, last_address, last_sequence
		FROM counters WHERE identity = ?`,
		&sqlitex.ExecOptions{
			Args: []any{identity},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				counters.Version = uint64(stmt.ColumnInt64(0))
				counters.LastAddress = stmt.ColumnText(1)
				counters.LastSequence = uint64(stmt.ColumnInt64(2))
				return nil
			},
		})
	if err != nil {
		return Counters{}, fmt.Errorf("localstore: load counters: %w", err)
	}
	return counters, nil
}

// UpdateCounters upserts an identity's counters. Call only after the
// state the counters describe is already durable.
func (s *Store) UpdateCounters(ctx context.Context, identity string, counters Counters) error {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return fmt.Errorf("localstore: update counters: %w", err)
	}
	defer s.pool.Put(conn)

	err = sqlitex.Execute(conn, `
		INSERT INTO counters (identity, version, last_address, last_sequence)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(identity) DO UPDATE SET
			version = excluded.version,
			last_address = excluded.last_address,
			last_sequence = excluded.last_sequence`,
		&sqlitex.ExecOptions{
			Args: []any{identity, int64(counters.Version), counters.LastAddress, int64(counters.LastSequence)},
		})
	if err != nil {
		return fmt.Errorf("localstore: update counters: %w", err)
	}
	return nil
}

// Reset deletes an identity's snapshot and counters. Used when the
// owner switches accounts: the replacement identity starts from
// nothing.
func (s *Store) Reset(ctx context.Context, identity string) error {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return fmt.Errorf("localstore: reset: %w", err)
	}
	defer s.pool.Put(conn)

	endTransaction, err := sqlitex.ImmediateTransaction(conn)
	if err != nil {
		return fmt.Errorf("localstore: reset: begin transaction: %w", err)
	}
	defer endTransaction(&err)

	for _, table := range []string{"snapshots", "counters"} {
		err = sqlitex.Execute(conn, "DELETE FROM "+table+" WHERE identity = ?",
			&sqlitex.ExecOptions{Args: []any{identity}})
		if err != nil {
			return fmt.Errorf("localstore: reset %s: %w", table, err)
		}
	}
	s.logger.Info("identity reset", "identity", identity)
	return nil
}
