package store

import (
	"context"
	"fmt"
	"sync"

	"github.com/quickbet/settlement/internal/address"
)

// MemoryStore implements Store with an in-memory map. Used for testing
// and development. Not suitable for production (no persistence).
type MemoryStore struct {
	mu   sync.Mutex
	data map[address.Address][]byte
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		data: make(map[address.Address][]byte),
	}
}

func (s *MemoryStore) Get(_ context.Context, addr address.Address) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	v, ok := s.data[addr]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, addr)
	}
	return clone(v), nil
}

// Update holds the store lock for the whole unit of work, so every unit of
// work is serialised, not only conflicting ones.
func (s *MemoryStore) Update(ctx context.Context, addrs []address.Address, fn func(tx Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	tx := newStaged(unique(addrs))
	for a := range tx.values {
		if v, ok := s.data[a]; ok {
			tx.load(a, v)
		}
	}
	if err := fn(tx); err != nil {
		return err
	}
	for a, v := range tx.writes() {
		if v == nil {
			delete(s.data, a)
		} else {
			s.data[a] = v
		}
	}
	return nil
}

// Close satisfies Store; there is nothing to release.
func (s *MemoryStore) Close() error { return nil }

// Len returns the number of stored accounts.
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.data)
}
