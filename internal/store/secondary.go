package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/quickbet/settlement/internal/address"
)

// maxWatchRetries bounds optimistic retries when a watched key changes
// between read and commit.
const maxWatchRetries = 8

// RedisStore implements Store on Redis. It backs the secondary venue, which
// holds delegated account bytes between delegation and return.
type RedisStore struct {
	rdb    *redis.Client
	prefix string
}

// NewRedisStore creates a Redis-backed store whose keys start with prefix.
func NewRedisStore(rdb *redis.Client, prefix string) *RedisStore {
	if prefix == "" {
		prefix = "secondary"
	}
	return &RedisStore{rdb: rdb, prefix: prefix}
}

func (s *RedisStore) Get(ctx context.Context, addr address.Address) ([]byte, error) {
	data, err := s.rdb.Get(ctx, s.key(addr)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, addr)
	}
	if err != nil {
		return nil, fmt.Errorf("get account %s: %w", addr, err)
	}
	return data, nil
}

// Update uses WATCH/MULTI. When a watched key is modified concurrently the
// whole unit of work, including fn, is rerun.
func (s *RedisStore) Update(ctx context.Context, addrs []address.Address, fn func(tx Tx) error) error {
	addrs = unique(addrs)
	keys := make([]string, len(addrs))
	for i, a := range addrs {
		keys[i] = s.key(a)
	}

	txf := func(rtx *redis.Tx) error {
		tx := newStaged(addrs)
		for i, a := range addrs {
			data, err := rtx.Get(ctx, keys[i]).Bytes()
			if errors.Is(err, redis.Nil) {
				continue
			}
			if err != nil {
				return fmt.Errorf("load account %s: %w", a, err)
			}
			tx.load(a, data)
		}
		if err := fn(tx); err != nil {
			return err
		}
		writes := tx.writes()
		if len(writes) == 0 {
			return nil
		}
		_, err := rtx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			for a, v := range writes {
				if v == nil {
					pipe.Del(ctx, s.key(a))
				} else {
					pipe.Set(ctx, s.key(a), v, 0)
				}
			}
			return nil
		})
		return err
	}

	for i := 0; i < maxWatchRetries; i++ {
		err := s.rdb.Watch(ctx, txf, keys...)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return err
	}
	return fmt.Errorf("update %d accounts: %w", len(addrs), redis.TxFailedErr)
}

// Close closes the Redis client.
func (s *RedisStore) Close() error {
	return s.rdb.Close()
}

func (s *RedisStore) key(a address.Address) string {
	return s.prefix + ":acct:" + a.String()
}
