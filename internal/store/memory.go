package store

import (
	"context"
	"sync"
)

// MemoryStore implements Store with an in-memory map. Used for testing
// and development. Not suitable for production (no persistence).
type MemoryStore struct {
	mu     sync.RWMutex
	tables map[string][]byte
	puts   int
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		tables: make(map[string][]byte),
	}
}

func (s *MemoryStore) Put(_ context.Context, table string, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	// Store a copy to avoid external mutation.
	s.tables[table] = append([]byte(nil), data...)
	s.puts++
	return nil
}

func (s *MemoryStore) Get(_ context.Context, table string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	data, ok := s.tables[table]
	if !ok {
		return nil, ErrNotFound
	}
	return append([]byte(nil), data...), nil
}

// Puts returns how many writes the store has accepted.
func (s *MemoryStore) Puts() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.puts
}
