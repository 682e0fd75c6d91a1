package store

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/storage"

	"github.com/quickbet/settlement/internal/address"
)

// LevelStore implements Store on an embedded LevelDB database. It is a
// durable primary venue for single-node deployments.
type LevelStore struct {
	mu sync.Mutex
	db *leveldb.DB
}

// OpenLevelStore opens (or creates) a LevelDB database at path.
func OpenLevelStore(path string) (*LevelStore, error) {
	trimmed := strings.TrimSpace(path)
	if trimmed == "" {
		return nil, fmt.Errorf("leveldb path required")
	}
	abs, err := filepath.Abs(trimmed)
	if err != nil {
		return nil, fmt.Errorf("resolve leveldb path: %w", err)
	}
	db, err := leveldb.OpenFile(abs, nil)
	if err != nil {
		return nil, fmt.Errorf("open leveldb: %w", err)
	}
	return &LevelStore{db: db}, nil
}

// NewLevelStoreWithStorage opens a LevelStore over an explicit goleveldb
// storage, e.g. storage.NewMemStorage() in tests.
func NewLevelStoreWithStorage(stor storage.Storage) (*LevelStore, error) {
	db, err := leveldb.Open(stor, nil)
	if err != nil {
		return nil, fmt.Errorf("open leveldb: %w", err)
	}
	return &LevelStore{db: db}, nil
}

func (s *LevelStore) Get(_ context.Context, addr address.Address) ([]byte, error) {
	data, err := s.db.Get(addr[:], nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, addr)
	}
	if err != nil {
		return nil, fmt.Errorf("get account %s: %w", addr, err)
	}
	return data, nil
}

// Update serialises writers with a mutex and commits the staged writes as a
// single LevelDB batch.
func (s *LevelStore) Update(ctx context.Context, addrs []address.Address, fn func(tx Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	tx := newStaged(unique(addrs))
	for a := range tx.values {
		data, err := s.db.Get(a[:], nil)
		if errors.Is(err, leveldb.ErrNotFound) {
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

	batch := new(leveldb.Batch)
	for a, v := range tx.writes() {
		if v == nil {
			batch.Delete(a[:])
		} else {
			batch.Put(a[:], v)
		}
	}
	if batch.Len() == 0 {
		return nil
	}
	return s.db.Write(batch, nil)
}

// Close releases the underlying LevelDB resources.
func (s *LevelStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}
