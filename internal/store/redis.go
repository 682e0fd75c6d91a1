package store

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/quickbet/settlement/internal/address"
)

// CachedStore wraps a primary Store with a Redis read-through cache.
// Updates go to the primary store and invalidate the touched addresses;
// reads check Redis first then fall back to the primary.
//
// A miss only fills the cache when no write committed while it read the
// primary. Units of work that write nothing leave the cache alone.
type CachedStore struct {
	primary Store
	rdb     *redis.Client
	ttl     time.Duration

	mu     sync.Mutex // orders fills against invalidations
	writes uint64
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb *redis.Client, ttl time.Duration) *CachedStore {
	return &CachedStore{
		primary: primary,
		rdb:     rdb,
		ttl:     ttl,
	}
}

func (s *CachedStore) Get(ctx context.Context, addr address.Address) ([]byte, error) {
	data, err := s.rdb.Get(ctx, cacheKey(addr)).Bytes()
	if err == nil {
		return data, nil
	}

	s.mu.Lock()
	gen := s.writes
	s.mu.Unlock()

	data, err = s.primary.Get(ctx, addr)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.writes == gen {
		s.rdb.Set(ctx, cacheKey(addr), data, s.ttl)
	}
	return data, nil
}

// Update always reads through the primary's own locking; the cache is
// invalidated only after the primary committed.
func (s *CachedStore) Update(ctx context.Context, addrs []address.Address, fn func(tx Tx) error) error {
	var wrote bool
	err := s.primary.Update(ctx, addrs, func(tx Tx) error {
		return fn(&writeTracker{Tx: tx, wrote: &wrote})
	})
	if err != nil || !wrote {
		return err
	}

	keys := make([]string, len(addrs))
	for i, a := range addrs {
		keys[i] = cacheKey(a)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.writes++
	if len(keys) > 0 {
		s.rdb.Del(ctx, keys...)
	}
	return nil
}

// writeTracker notes whether a unit of work staged any write.
type writeTracker struct {
	Tx
	wrote *bool
}

func (t *writeTracker) Put(addr address.Address, data []byte) error {
	*t.wrote = true
	return t.Tx.Put(addr, data)
}

func (t *writeTracker) Delete(addr address.Address) error {
	*t.wrote = true
	return t.Tx.Delete(addr)
}

// Close closes the primary store. The Redis client is owned by the caller.
func (s *CachedStore) Close() error {
	return s.primary.Close()
}

func cacheKey(a address.Address) string { return fmt.Sprintf("cache:acct:%s", a) }
