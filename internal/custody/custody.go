// Package custody moves account bytes between the primary and the secondary
// venue.
//
// The primary venue keeps a custody record per delegated address (see
// address.CustodyRecord). Each step writes the venues in an order that makes
// a retry after any partial failure converge:
//
//	Delegate:        record=secondary on primary, then copy bytes to secondary
//	CommitAndReturn: bytes + record=returned on primary, then delete secondary
//
// There is no atomicity across venues or across resources.
package custody

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/quickbet/settlement/internal/address"
	"github.com/quickbet/settlement/internal/codec"
	"github.com/quickbet/settlement/internal/model"
	"github.com/quickbet/settlement/internal/store"
)

// Bridge transfers custody of individual addresses between two venues.
type Bridge struct {
	primary   store.Store
	secondary store.Store
	now       func() time.Time
}

// NewBridge creates a bridge. now defaults to time.Now.
func NewBridge(primary, secondary store.Store, now func() time.Time) *Bridge {
	if now == nil {
		now = time.Now
	}
	return &Bridge{primary: primary, secondary: secondary, now: now}
}

// Guard is a precondition Delegate checks inside its primary unit of work,
// on the same snapshot the custody record is written from. Addrs are
// declared alongside the transferred address.
type Guard struct {
	Addrs []address.Address
	Check func(tx store.Tx) error
}

// Delegate hands the bytes at addr to the secondary venue. Calling it again
// for an address already held by the secondary venue is a no-op, except that
// a missing secondary copy (an earlier call failed half way) is restored.
// Every guard must pass before anything is written.
func (b *Bridge) Delegate(ctx context.Context, addr address.Address, owner model.UserID, guards ...Guard) error {
	rec := address.CustodyRecord(addr)
	addrs := []address.Address{addr, rec}
	for _, g := range guards {
		addrs = append(addrs, g.Addrs...)
	}

	var (
		data    []byte
		created bool
	)
	err := b.primary.Update(ctx, addrs, func(tx store.Tx) error {
		data, created = nil, false

		for _, g := range guards {
			if err := g.Check(tx); err != nil {
				return err
			}
		}

		raw, err := tx.Get(addr)
		if errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("%w: %s", model.ErrNotInitialized, addr)
		}
		if err != nil {
			return err
		}
		data = raw

		state, cur, err := ReadRecord(tx, addr)
		if err != nil {
			return err
		}
		if state == model.CustodySecondary {
			if cur.Owner != owner {
				return fmt.Errorf("%w: %s is held for %s", model.ErrOwnerMismatch, addr, cur.Owner)
			}
			return nil
		}
		created = true
		return putRecord(tx, addr, &model.CustodyRecord{
			Owner:     owner,
			State:     model.CustodySecondary,
			UpdatedAt: b.now().Unix(),
		})
	})
	if err != nil {
		return transferErr("delegate", addr, err)
	}

	err = b.secondary.Update(ctx, []address.Address{addr}, func(tx store.Tx) error {
		_, err := tx.Get(addr)
		switch {
		case errors.Is(err, store.ErrNotFound):
		case err != nil:
			return err
		case !created:
			return nil
		}
		return tx.Put(addr, data)
	})
	if err != nil {
		return transferErr("delegate", addr, err)
	}
	return nil
}

// CommitAndReturn writes the latest secondary bytes of every address back to
// the primary venue and releases the secondary copies. Addresses not held by
// the secondary venue are skipped.
func (b *Bridge) CommitAndReturn(ctx context.Context, owner model.UserID, addrs []address.Address) error {
	for _, addr := range addrs {
		if err := b.commitAndReturn(ctx, owner, addr); err != nil {
			return err
		}
	}
	return nil
}

func (b *Bridge) commitAndReturn(ctx context.Context, owner model.UserID, addr address.Address) error {
	rec := address.CustodyRecord(addr)

	latest, err := b.secondary.Get(ctx, addr)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return transferErr("return", addr, err)
	}
	onSecondary := err == nil

	err = b.primary.Update(ctx, []address.Address{addr, rec}, func(tx store.Tx) error {
		state, cur, err := ReadRecord(tx, addr)
		if err != nil {
			return err
		}
		if state != model.CustodySecondary {
			return nil
		}
		if cur.Owner != owner {
			return fmt.Errorf("%w: %s is held for %s", model.ErrOwnerMismatch, addr, cur.Owner)
		}
		if !onSecondary {
			return fmt.Errorf("secondary copy of %s is missing", addr)
		}
		if err := tx.Put(addr, latest); err != nil {
			return err
		}
		return putRecord(tx, addr, &model.CustodyRecord{
			Owner:     owner,
			State:     model.CustodyReturned,
			UpdatedAt: b.now().Unix(),
		})
	})
	if err != nil {
		return transferErr("return", addr, err)
	}

	if !onSecondary {
		return nil
	}
	err = b.secondary.Update(ctx, []address.Address{addr}, func(tx store.Tx) error {
		return tx.Delete(addr)
	})
	if err != nil {
		return transferErr("return", addr, err)
	}
	return nil
}

// State reads the custody state of addr from the primary venue. The read
// goes through a unit of work so it never observes a cached copy.
func (b *Bridge) State(ctx context.Context, addr address.Address) (model.CustodyState, error) {
	state := model.CustodyPrimary
	err := b.primary.Update(ctx, []address.Address{address.CustodyRecord(addr)}, func(tx store.Tx) error {
		var err error
		state, _, err = ReadRecord(tx, addr)
		return err
	})
	if err != nil {
		return model.CustodyPrimary, err
	}
	return state, nil
}

// Holdings reports the custody state of every resource of a user, read from
// one primary snapshot.
func (b *Bridge) Holdings(ctx context.Context, set address.Set) (map[model.ResourceKind]model.CustodyState, error) {
	out := make(map[model.ResourceKind]model.CustodyState, len(model.Resources))
	err := b.primary.Update(ctx, set.Records(), func(tx store.Tx) error {
		for _, kind := range model.Resources {
			state, _, err := ReadRecord(tx, set.Of(kind))
			if err != nil {
				return err
			}
			out[kind] = state
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// ReadRecord decodes the custody record of addr inside a primary unit of
// work. The record address must be declared. A missing record reads as
// CustodyPrimary with a nil record.
func ReadRecord(tx store.Tx, addr address.Address) (model.CustodyState, *model.CustodyRecord, error) {
	raw, err := tx.Get(address.CustodyRecord(addr))
	if errors.Is(err, store.ErrNotFound) {
		return model.CustodyPrimary, nil, nil
	}
	if err != nil {
		return model.CustodyPrimary, nil, err
	}
	rec, err := codec.DecodeCustody(raw)
	if err != nil {
		return model.CustodyPrimary, nil, err
	}
	return rec.State, rec, nil
}

// ClearReturned removes a returned custody record of addr inside a primary
// unit of work. Records in any other state are left alone.
func ClearReturned(tx store.Tx, addr address.Address) error {
	state, _, err := ReadRecord(tx, addr)
	if err != nil {
		return err
	}
	if state != model.CustodyReturned {
		return nil
	}
	return tx.Delete(address.CustodyRecord(addr))
}

func putRecord(tx store.Tx, addr address.Address, rec *model.CustodyRecord) error {
	raw, err := codec.EncodeCustody(rec)
	if err != nil {
		return err
	}
	return tx.Put(address.CustodyRecord(addr), raw)
}

// transferErr wraps err with ErrTransfer unless it already carries a
// domain kind the caller should see instead.
func transferErr(step string, addr address.Address, err error) error {
	if model.ErrorCode(err) != "Internal" ||
		errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%s %s: %w", step, addr, err)
	}
	return fmt.Errorf("%w: %s %s: %w", model.ErrTransfer, step, addr, err)
}
