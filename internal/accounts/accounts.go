// Package accounts reads and writes typed resources inside a store unit of
// work. A missing resource surfaces as store.ErrNotFound; callers decide
// which domain error that means on their venue.
package accounts

import (
	"context"

	"github.com/quickbet/settlement/internal/address"
	"github.com/quickbet/settlement/internal/codec"
	"github.com/quickbet/settlement/internal/model"
	"github.com/quickbet/settlement/internal/store"
)

// Getter is the read side of store.Tx.
type Getter interface {
	Get(addr address.Address) ([]byte, error)
}

func LoadAccount(tx Getter, addr address.Address) (*model.PointsAccount, error) {
	raw, err := tx.Get(addr)
	if err != nil {
		return nil, err
	}
	return codec.DecodeAccount(raw)
}

func SaveAccount(tx store.Tx, addr address.Address, a *model.PointsAccount) error {
	raw, err := codec.EncodeAccount(a)
	if err != nil {
		return err
	}
	return tx.Put(addr, raw)
}

func LoadTicket(tx Getter, addr address.Address) (*model.DelegationTicket, error) {
	raw, err := tx.Get(addr)
	if err != nil {
		return nil, err
	}
	return codec.DecodeTicket(raw)
}

func SaveTicket(tx store.Tx, addr address.Address, t *model.DelegationTicket) error {
	raw, err := codec.EncodeTicket(t)
	if err != nil {
		return err
	}
	return tx.Put(addr, raw)
}

func LoadWager(tx Getter, addr address.Address) (*model.Wager, error) {
	raw, err := tx.Get(addr)
	if err != nil {
		return nil, err
	}
	return codec.DecodeWager(raw)
}

func SaveWager(tx store.Tx, addr address.Address, w *model.Wager) error {
	raw, err := codec.EncodeWager(w)
	if err != nil {
		return err
	}
	return tx.Put(addr, raw)
}

// Committed adapts a store.Store to Getter for reads outside a unit of work.
func Committed(ctx context.Context, s store.Store) Getter {
	return committed{ctx: ctx, s: s}
}

type committed struct {
	ctx context.Context
	s   store.Store
}

func (c committed) Get(addr address.Address) ([]byte, error) {
	return c.s.Get(c.ctx, addr)
}
