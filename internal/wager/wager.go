// Package wager implements the state machine of a user's wager slot:
//
//	None ──open──▶ Active ──resolve──▶ Won | Lost ──open──▶ Active …
//
// Won and Lost are terminal for the wager they describe; the slot itself is
// reused by the next open. Functions here are pure: ledger movements and the
// oracle read are composed by the settlement engine.
package wager

import (
	"fmt"
	"math"

	"github.com/quickbet/settlement/internal/model"
)

// Params are the caller-supplied arguments of an open.
type Params struct {
	Asset     string
	Direction model.Direction
	Stake     uint64
	Duration  int64 // seconds
}

// Validate checks the open preconditions in their reporting order.
func (p Params) Validate(supportedAsset string) error {
	if p.Asset != supportedAsset {
		return fmt.Errorf("%w: %q (supported: %q)", model.ErrUnsupportedAsset, p.Asset, supportedAsset)
	}
	if !p.Direction.Valid() {
		return fmt.Errorf("%w: %d", model.ErrInvalidDirection, p.Direction)
	}
	if p.Stake == 0 {
		return model.ErrZeroAmount
	}
	if p.Duration <= 0 {
		return fmt.Errorf("%w: %ds", model.ErrInvalidDuration, p.Duration)
	}
	return nil
}

// Open overwrites slot with a new Active wager priced at openedPrice.
// p must already be validated.
func Open(slot *model.Wager, owner model.UserID, p Params, openedPrice model.Price6, now int64) error {
	if now > math.MaxInt64-p.Duration {
		return fmt.Errorf("%w: expiry %d+%d", model.ErrOverflow, now, p.Duration)
	}
	*slot = model.Wager{
		Owner:         owner,
		Asset:         p.Asset,
		Direction:     p.Direction,
		Stake:         p.Stake,
		OpenedPrice:   openedPrice,
		Expiry:        now + p.Duration,
		ResolvedPrice: 0,
		Status:        model.StatusActive,
	}
	return nil
}

// CheckResolvable reports whether slot may be resolved at now.
func CheckResolvable(slot *model.Wager, now int64) error {
	if slot.Status != model.StatusActive {
		return fmt.Errorf("%w: status %s", model.ErrAlreadyResolved, slot.Status)
	}
	if now <= slot.Expiry {
		return fmt.Errorf("%w: %ds remaining", model.ErrNotYetExpired, slot.Expiry-now+1)
	}
	return nil
}

// Won reports the outcome for a wager resolved at price. Ties lose.
func Won(slot *model.Wager, price model.Price6) bool {
	if slot.Direction == model.DirectionUp {
		return price > slot.OpenedPrice
	}
	return price < slot.OpenedPrice
}

// Settle records the resolution price and terminal status on slot and
// returns whether the bettor won. CheckResolvable must have passed.
func Settle(slot *model.Wager, price model.Price6) bool {
	won := Won(slot, price)
	slot.ResolvedPrice = price
	if won {
		slot.Status = model.StatusWon
	} else {
		slot.Status = model.StatusLost
	}
	return won
}
