// Package store defines the byte-level persistence interface of a venue.
// Implementations include PostgreSQL and LevelDB (primary venue), Redis
// (secondary venue and read-through cache) and in-memory (for testing).
//
// A store knows nothing about accounts: it maps addresses to opaque bytes
// produced by internal/codec. All mutation goes through Update, which runs
// one atomic unit of work over a declared set of addresses.
package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/quickbet/settlement/internal/address"
)

var (
	// ErrNotFound is returned when no bytes are stored at an address.
	ErrNotFound = errors.New("store: account not found")

	// ErrUndeclared is returned when a unit of work touches an address it
	// did not declare up front.
	ErrUndeclared = errors.New("store: address not declared in unit of work")
)

// Store is the persistence interface of one venue.
type Store interface {
	// Get reads the committed bytes at addr.
	Get(ctx context.Context, addr address.Address) ([]byte, error)

	// Update runs fn over a staged view of addrs. Writes staged through tx
	// are committed atomically when fn returns nil and discarded otherwise.
	// Concurrent units of work sharing an address are serialised. fn may be
	// invoked more than once and must not have side effects beyond tx.
	Update(ctx context.Context, addrs []address.Address, fn func(tx Tx) error) error

	// Close releases the underlying connections.
	Close() error
}

// Tx is the staged view handed to an Update callback.
type Tx interface {
	// Get returns the staged bytes at addr, or ErrNotFound.
	Get(addr address.Address) ([]byte, error)
	// Put stages data at addr.
	Put(addr address.Address, data []byte) error
	// Delete stages the removal of addr.
	Delete(addr address.Address) error
}

// staged is the Tx shared by every backend: the declared addresses are
// loaded before fn runs and the dirty set is flushed by the backend.
type staged struct {
	values map[address.Address][]byte // nil value: absent
	dirty  map[address.Address]bool
}

func newStaged(addrs []address.Address) *staged {
	s := &staged{
		values: make(map[address.Address][]byte, len(addrs)),
		dirty:  make(map[address.Address]bool),
	}
	for _, a := range addrs {
		s.values[a] = nil
	}
	return s
}

// load records the committed bytes of a declared address.
func (s *staged) load(addr address.Address, data []byte) {
	s.values[addr] = clone(data)
}

func (s *staged) Get(addr address.Address) ([]byte, error) {
	v, ok := s.values[addr]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUndeclared, addr)
	}
	if v == nil {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, addr)
	}
	return clone(v), nil
}

func (s *staged) Put(addr address.Address, data []byte) error {
	if _, ok := s.values[addr]; !ok {
		return fmt.Errorf("%w: %s", ErrUndeclared, addr)
	}
	if data == nil {
		data = []byte{}
	}
	s.values[addr] = clone(data)
	s.dirty[addr] = true
	return nil
}

func (s *staged) Delete(addr address.Address) error {
	if _, ok := s.values[addr]; !ok {
		return fmt.Errorf("%w: %s", ErrUndeclared, addr)
	}
	s.values[addr] = nil
	s.dirty[addr] = true
	return nil
}

// writes returns the dirty entries; a nil value means delete.
func (s *staged) writes() map[address.Address][]byte {
	out := make(map[address.Address][]byte, len(s.dirty))
	for a := range s.dirty {
		out[a] = s.values[a]
	}
	return out
}

// unique drops duplicate addresses, keeping the first occurrence.
func unique(addrs []address.Address) []address.Address {
	seen := make(map[address.Address]bool, len(addrs))
	out := addrs[:0:0]
	for _, a := range addrs {
		if !seen[a] {
			seen[a] = true
			out = append(out, a)
		}
	}
	return out
}

func clone(b []byte) []byte {
	if b == nil {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
