package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const postgresSchema = `
CREATE TABLE IF NOT EXISTS snapshots (
    name       TEXT PRIMARY KEY,
    data       BYTEA NOT NULL,
    updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
)`

// PostgresStore implements Store on a single snapshots table.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// EnsureSchema creates the snapshots table if it does not exist.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, postgresSchema); err != nil {
		return fmt.Errorf("store: create snapshots table: %w", err)
	}
	return nil
}

func (s *PostgresStore) Put(ctx context.Context, table string, data []byte) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO snapshots (name, data, updated_at)
		 VALUES ($1, $2, now())
		 ON CONFLICT (name) DO UPDATE SET data = EXCLUDED.data, updated_at = now()`,
		table, data,
	)
	if err != nil {
		return fmt.Errorf("put snapshot %s: %w", table, err)
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, table string) ([]byte, error) {
	var data []byte
	err := s.pool.QueryRow(ctx,
		`SELECT data FROM snapshots WHERE name = $1`, table).Scan(&data)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get snapshot %s: %w", table, err)
	}
	return data, nil
}
