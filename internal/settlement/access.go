package settlement

import (
	"context"
	"errors"
	"fmt"

	"github.com/quickbet/settlement/internal/accounts"
	"github.com/quickbet/settlement/internal/address"
	"github.com/quickbet/settlement/internal/custody"
	"github.com/quickbet/settlement/internal/model"
	"github.com/quickbet/settlement/internal/store"
)

// resources are the decoded entities a core routine mutates.
type resources struct {
	account *model.PointsAccount
	ticket  *model.DelegationTicket
	wager   *model.Wager
}

// errTicketNotHeld: on the delegated path the ticket is missing from the
// secondary venue; the primary copy decides which error the caller sees.
var errTicketNotHeld = errors.New("settlement: ticket not on secondary venue")

// apply runs fn as one unit of work on the venue selected by mode, after the
// control path guards passed. The account and wager are written back only
// when fn succeeds.
func (e *Engine) apply(ctx context.Context, mode model.AccessMode, owner model.UserID, fn func(r *resources) error) (*model.Snapshot, error) {
	set := address.ForUser(owner)
	venue := e.primary
	addrs := append(set.All(), set.Records()...)
	if mode == model.Delegated {
		venue = e.secondary
		addrs = set.All()
	}

	var out resources
	err := venue.Update(ctx, addrs, func(tx store.Tx) error {
		out = resources{}
		r, err := e.load(tx, mode, set)
		if err != nil {
			return err
		}
		if err := fn(r); err != nil {
			return err
		}
		if err := accounts.SaveAccount(tx, set.Profile, r.account); err != nil {
			return err
		}
		if err := accounts.SaveWager(tx, set.ActiveBet, r.wager); err != nil {
			return err
		}
		out = *r
		return nil
	})
	if errors.Is(err, errTicketNotHeld) {
		err = e.notHeldReason(ctx, set)
	}
	if err != nil {
		return nil, err
	}

	snap := &model.Snapshot{
		User:    owner,
		Account: out.account,
		Ticket:  out.ticket,
		Wager:   out.wager,
		Phase:   model.PhaseLocal,
	}
	if mode == model.Delegated {
		snap.Phase = model.PhaseDelegated
	}
	return snap, nil
}

// load decodes the three resources and enforces the control path guards:
// the ticket first, then the owner recorded in every resource.
func (e *Engine) load(tx store.Tx, mode model.AccessMode, set address.Set) (*resources, error) {
	owner := set.Owner

	ticket, err := accounts.LoadTicket(tx, set.AuthState)
	switch {
	case errors.Is(err, store.ErrNotFound) && mode == model.Delegated:
		return nil, errTicketNotHeld
	case errors.Is(err, store.ErrNotFound):
		return nil, fmt.Errorf("%w: %s", model.ErrNotInitialized, owner)
	case err != nil:
		return nil, err
	}

	if mode == model.Direct {
		if ticket.IsDelegated {
			return nil, fmt.Errorf("%w: ticket is flagged delegated", model.ErrUseDelegatedPath)
		}
		for _, kind := range model.Resources {
			state, _, err := custody.ReadRecord(tx, set.Of(kind))
			if err != nil {
				return nil, err
			}
			if state == model.CustodySecondary {
				return nil, fmt.Errorf("%w: %s is held by the secondary venue", model.ErrUseDelegatedPath, kind)
			}
		}
	} else if !ticket.IsDelegated {
		return nil, fmt.Errorf("%w: ticket is not flagged delegated", model.ErrUseDirectPath)
	}
	if ticket.Owner != owner {
		return nil, fmt.Errorf("%w: ticket belongs to %s", model.ErrOwnerMismatch, ticket.Owner)
	}

	acct, err := accounts.LoadAccount(tx, set.Profile)
	if err != nil {
		return nil, missing(mode, model.ResourceProfile, owner, err)
	}
	if acct.Owner != owner {
		return nil, fmt.Errorf("%w: profile belongs to %s", model.ErrOwnerMismatch, acct.Owner)
	}

	slot, err := accounts.LoadWager(tx, set.ActiveBet)
	if err != nil {
		return nil, missing(mode, model.ResourceActiveBet, owner, err)
	}
	if slot.Owner != owner {
		return nil, fmt.Errorf("%w: wager slot belongs to %s", model.ErrOwnerMismatch, slot.Owner)
	}

	return &resources{account: acct, ticket: ticket, wager: slot}, nil
}

func missing(mode model.AccessMode, kind model.ResourceKind, owner model.UserID, err error) error {
	if !errors.Is(err, store.ErrNotFound) {
		return err
	}
	if mode == model.Delegated {
		return fmt.Errorf("%w: %s of %s is not on the secondary venue", model.ErrNotDelegated, kind, owner)
	}
	return fmt.Errorf("%w: %s of %s", model.ErrNotInitialized, kind, owner)
}

// notHeldReason explains a delegated call whose ticket never reached the
// secondary venue, from the primary copy.
func (e *Engine) notHeldReason(ctx context.Context, set address.Set) error {
	ticket, err := accounts.LoadTicket(accounts.Committed(ctx, e.primary), set.AuthState)
	if errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("%w: %s", model.ErrNotInitialized, set.Owner)
	}
	if err != nil {
		return err
	}
	if !ticket.IsDelegated {
		return fmt.Errorf("%w: ticket is not flagged delegated", model.ErrUseDirectPath)
	}
	return fmt.Errorf("%w: %s of %s is not on the secondary venue", model.ErrNotDelegated, model.ResourceAuthState, set.Owner)
}
