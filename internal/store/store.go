// Package store defines the snapshot persistence interface for the engine.
// Each logical table (users, trades, ...) is saved as one opaque JSON blob
// under its table name. Implementations include PostgreSQL, SQLite, a Redis
// read-through cache and an in-memory store for testing.
//
// In-memory state is authoritative; snapshots lag behind it and are only
// read once, at startup.
package store

import (
	"context"
	"errors"
)

// Logical tables persisted by the engine.
const (
	TableUsers        = "users"
	TableTransactions = "transactions"
	TableTrades       = "trades"
	TableOverrides    = "overrides"
	TableAccountType  = "selected-account-type"
)

// AllTables lists every table in restore order.
var AllTables = []string{TableUsers, TableAccountType, TableTransactions, TableTrades, TableOverrides}

// ErrNotFound is returned by Get when no snapshot exists for a table.
var ErrNotFound = errors.New("store: snapshot not found")

// Store is the key-value snapshot interface.
type Store interface {
	// Put replaces the snapshot of a table.
	Put(ctx context.Context, table string, data []byte) error

	// Get returns the snapshot of a table, or ErrNotFound.
	Get(ctx context.Context, table string) ([]byte, error)
}
