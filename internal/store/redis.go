package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// CachedStore wraps a primary Store (PostgreSQL or SQLite) with a Redis
// read-through cache. Writes go to the primary store and refresh the cache;
// reads check Redis first then fall back to the primary.
type CachedStore struct {
	primary Store
	rdb     *redis.Client
	ttl     time.Duration
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb *redis.Client, ttl time.Duration) *CachedStore {
	return &CachedStore{
		primary: primary,
		rdb:     rdb,
		ttl:     ttl,
	}
}

// --- Write-through (write to primary, refresh cache) ---

func (s *CachedStore) Put(ctx context.Context, table string, data []byte) error {
	if err := s.primary.Put(ctx, table, data); err != nil {
		return err
	}
	// A failed cache write only costs a miss on the next read.
	if err := s.rdb.Set(ctx, snapshotKey(table), data, s.ttl).Err(); err != nil {
		s.rdb.Del(ctx, snapshotKey(table))
	}
	return nil
}

// --- Read-through (check cache first) ---

func (s *CachedStore) Get(ctx context.Context, table string) ([]byte, error) {
	data, err := s.rdb.Get(ctx, snapshotKey(table)).Bytes()
	if err == nil {
		return data, nil
	}
	if !errors.Is(err, redis.Nil) {
		// Redis unavailable: serve from the primary without caching.
		return s.primary.Get(ctx, table)
	}

	// Cache miss: read from primary.
	data, err = s.primary.Get(ctx, table)
	if err != nil {
		return nil, err
	}
	s.rdb.Set(ctx, snapshotKey(table), data, s.ttl)
	return data, nil
}

func snapshotKey(table string) string { return fmt.Sprintf("snapshot:%s", table) }
