// Package delegation moves a user's resources between the primary venue and
// the secondary (delegated) venue.
//
// The handoff is a sequence of independently retriable steps:
//
//	RequestDelegation → TransferToSecondary ×3 → (delegated ops) → Undelegate → FinalizeLocal
//
// After Undelegate the resources are back on the primary venue but the
// ticket still reads IsDelegated=true until FinalizeLocal runs. That window
// is observable as model.PhaseReturned and the direct path refuses to run in
// it.
package delegation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/quickbet/settlement/internal/accounts"
	"github.com/quickbet/settlement/internal/address"
	"github.com/quickbet/settlement/internal/custody"
	"github.com/quickbet/settlement/internal/events"
	"github.com/quickbet/settlement/internal/metrics"
	"github.com/quickbet/settlement/internal/model"
	"github.com/quickbet/settlement/internal/store"
)

// Coordinator drives the delegation lifecycle of every user.
type Coordinator struct {
	primary   store.Store
	secondary store.Store
	bridge    *custody.Bridge
	verifier  Verifier
	publisher events.Publisher
	now       func() time.Time
}

// NewCoordinator creates a coordinator. Pass nil for verifier to check
// message payloads only, and nil for publisher to drop events.
func NewCoordinator(primary, secondary store.Store, bridge *custody.Bridge, verifier Verifier, publisher events.Publisher, now func() time.Time) *Coordinator {
	if verifier == nil {
		verifier = PayloadOnly{}
	}
	if publisher == nil {
		publisher = events.Discard
	}
	if now == nil {
		now = time.Now
	}
	return &Coordinator{
		primary:   primary,
		secondary: secondary,
		bridge:    bridge,
		verifier:  verifier,
		publisher: publisher,
		now:       now,
	}
}

// RequestDelegation accepts a signed authorization for the ticket's current
// nonce, sets IsDelegated and advances the nonce. A message for any other
// nonce is rejected, so each signature is usable once.
func (c *Coordinator) RequestDelegation(ctx context.Context, caller model.UserID, message string, signature []byte) (ticket *model.DelegationTicket, err error) {
	start := time.Now()
	defer func() { metrics.ObserveOp("request_delegation", "direct", start, model.ErrorCode(err)) }()

	set := address.ForUser(caller)
	now := c.now()
	addrs := []address.Address{set.AuthState, address.CustodyRecord(set.AuthState)}

	err = c.primary.Update(ctx, addrs, func(tx store.Tx) error {
		ticket = nil
		t, err := accounts.LoadTicket(tx, set.AuthState)
		if errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("%w: %s", model.ErrNotInitialized, caller)
		}
		if err != nil {
			return err
		}
		if t.Owner != caller {
			return fmt.Errorf("%w: ticket belongs to %s", model.ErrOwnerMismatch, t.Owner)
		}
		state, _, err := custody.ReadRecord(tx, set.AuthState)
		if err != nil {
			return err
		}
		if state == model.CustodySecondary {
			return fmt.Errorf("%w: ticket is held by the secondary venue", model.ErrUseDelegatedPath)
		}

		if message != Message(caller, t.Nonce) {
			return fmt.Errorf("%w: expected message for nonce %d", model.ErrInvalidSignaturePayload, t.Nonce)
		}
		if err := c.verifier.Verify(caller, message, signature); err != nil {
			return err
		}
		if t.Nonce == math.MaxUint64 {
			return fmt.Errorf("%w: nonce", model.ErrOverflow)
		}

		t.IsDelegated = true
		t.DelegatedAt = now.Unix()
		t.Nonce++
		if err := custody.ClearReturned(tx, set.AuthState); err != nil {
			return err
		}
		if err := accounts.SaveTicket(tx, set.AuthState, t); err != nil {
			return err
		}
		ticket = t
		return nil
	})
	if err != nil {
		return nil, err
	}

	metrics.DelegationTransitions.WithLabelValues("request").Inc()
	slog.Info("delegation requested", "user", caller, "nonce", ticket.Nonce)
	c.publish(ctx, events.DelegationRequested, caller, now, ticket)
	return ticket, nil
}

// TransferToSecondary hands one resource to the secondary venue. The ticket
// must already carry IsDelegated; the flag is re-read in the same primary
// unit of work that writes the custody record, so a concurrent FinalizeLocal
// cannot strand the resource. Repeating a transfer is a no-op.
func (c *Coordinator) TransferToSecondary(ctx context.Context, caller model.UserID, kind model.ResourceKind) (err error) {
	start := time.Now()
	defer func() { metrics.ObserveOp("transfer_resource", "direct", start, model.ErrorCode(err)) }()

	if !kind.Valid() {
		return fmt.Errorf("%w: %q", model.ErrUnknownResource, kind)
	}
	set := address.ForUser(caller)
	flagged := custody.Guard{
		Addrs: []address.Address{set.AuthState},
		Check: func(tx store.Tx) error {
			t, err := accounts.LoadTicket(tx, set.AuthState)
			if errors.Is(err, store.ErrNotFound) {
				return fmt.Errorf("%w: %s", model.ErrNotInitialized, caller)
			}
			if err != nil {
				return err
			}
			if t.Owner != caller {
				return fmt.Errorf("%w: ticket belongs to %s", model.ErrOwnerMismatch, t.Owner)
			}
			if !t.IsDelegated {
				return fmt.Errorf("%w: delegation was not requested", model.ErrUseDirectPath)
			}
			return nil
		},
	}
	if err := c.bridge.Delegate(ctx, set.Of(kind), caller, flagged); err != nil {
		return err
	}

	metrics.DelegationTransitions.WithLabelValues("transfer_" + string(kind)).Inc()
	slog.Info("resource transferred", "user", caller, "resource", kind)
	c.publish(ctx, events.ResourceTransferred, caller, c.now(), map[string]string{"resource": string(kind)})
	return nil
}

// Undelegate commits the latest secondary state of all three resources back
// to the primary venue. IsDelegated is left set; FinalizeLocal clears it.
func (c *Coordinator) Undelegate(ctx context.Context, caller model.UserID) (err error) {
	start := time.Now()
	defer func() { metrics.ObserveOp("undelegate", "delegated", start, model.ErrorCode(err)) }()

	if _, err := c.heldTicket(ctx, caller); err != nil {
		return err
	}
	set := address.ForUser(caller)
	if err := c.bridge.CommitAndReturn(ctx, caller, set.All()); err != nil {
		return err
	}

	metrics.DelegationTransitions.WithLabelValues("undelegate").Inc()
	slog.Info("resources returned", "user", caller)
	c.publish(ctx, events.Undelegated, caller, c.now(), nil)
	return nil
}

// FinalizeLocal clears IsDelegated on the primary copy of the ticket. Only
// the owner is checked; no nonce is involved. Every resource must be back on
// the primary venue.
func (c *Coordinator) FinalizeLocal(ctx context.Context, caller model.UserID) (ticket *model.DelegationTicket, err error) {
	start := time.Now()
	defer func() { metrics.ObserveOp("finalize_local", "direct", start, model.ErrorCode(err)) }()

	set := address.ForUser(caller)
	addrs := append(set.All(), set.Records()...)

	err = c.primary.Update(ctx, addrs, func(tx store.Tx) error {
		ticket = nil
		t, err := accounts.LoadTicket(tx, set.AuthState)
		if errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("%w: %s", model.ErrNotInitialized, caller)
		}
		if err != nil {
			return err
		}
		if t.Owner != caller {
			return fmt.Errorf("%w: ticket belongs to %s", model.ErrOwnerMismatch, t.Owner)
		}
		for _, kind := range model.Resources {
			state, _, err := custody.ReadRecord(tx, set.Of(kind))
			if err != nil {
				return err
			}
			if state == model.CustodySecondary {
				return fmt.Errorf("%w: %s is still held by the secondary venue, undelegate before finalizing", model.ErrUseDelegatedPath, kind)
			}
		}

		for _, a := range set.All() {
			if err := custody.ClearReturned(tx, a); err != nil {
				return err
			}
		}
		t.IsDelegated = false
		if err := accounts.SaveTicket(tx, set.AuthState, t); err != nil {
			return err
		}
		ticket = t
		return nil
	})
	if err != nil {
		return nil, err
	}

	metrics.DelegationTransitions.WithLabelValues("finalize").Inc()
	slog.Info("delegation finalized", "user", caller)
	c.publish(ctx, events.DelegationFinalized, caller, c.now(), ticket)
	return ticket, nil
}

// ExpectedMessage returns the message the user has to sign next, and the
// nonce it is bound to.
func (c *Coordinator) ExpectedMessage(ctx context.Context, user model.UserID) (string, uint64, error) {
	t, err := c.heldTicket(ctx, user)
	if err != nil {
		return "", 0, err
	}
	return Message(user, t.Nonce), t.Nonce, nil
}

// Phase reports where user stands in the handoff, with the custody state of
// each resource.
func (c *Coordinator) Phase(ctx context.Context, user model.UserID) (model.Phase, map[model.ResourceKind]model.CustodyState, error) {
	ticket, err := c.heldTicket(ctx, user)
	if err != nil {
		return "", nil, err
	}
	holdings, err := c.bridge.Holdings(ctx, address.ForUser(user))
	if err != nil {
		return "", nil, err
	}
	return DerivePhase(ticket, holdings), holdings, nil
}

// DerivePhase computes the handoff phase from the held ticket and the
// custody states of the three resources. A resource held by the secondary
// venue is never reported as local, whatever the flag says.
func DerivePhase(ticket *model.DelegationTicket, holdings map[model.ResourceKind]model.CustodyState) model.Phase {
	held := 0
	for _, kind := range model.Resources {
		if holdings[kind] == model.CustodySecondary {
			held++
		}
	}
	switch {
	case held == len(model.Resources) && ticket.IsDelegated:
		return model.PhaseDelegated
	case held > 0:
		return model.PhasePartial
	case !ticket.IsDelegated:
		return model.PhaseLocal
	case holdings[model.ResourceAuthState] == model.CustodyReturned:
		return model.PhaseReturned
	default:
		return model.PhaseRequested
	}
}

// heldTicket reads the ticket from whichever venue currently holds it. The
// custody record and the primary copy come from one primary unit of work.
func (c *Coordinator) heldTicket(ctx context.Context, owner model.UserID) (*model.DelegationTicket, error) {
	addr := address.ForUser(owner).AuthState

	var (
		t           *model.DelegationTicket
		onSecondary bool
	)
	err := c.primary.Update(ctx, []address.Address{addr, address.CustodyRecord(addr)}, func(tx store.Tx) error {
		t = nil
		state, _, err := custody.ReadRecord(tx, addr)
		if err != nil {
			return err
		}
		onSecondary = state == model.CustodySecondary
		if onSecondary {
			return nil
		}
		t, err = accounts.LoadTicket(tx, addr)
		return err
	})
	if err == nil && onSecondary {
		t, err = accounts.LoadTicket(accounts.Committed(ctx, c.secondary), addr)
	}
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", model.ErrNotInitialized, owner)
	}
	if err != nil {
		return nil, err
	}
	if t.Owner != owner {
		return nil, fmt.Errorf("%w: ticket belongs to %s", model.ErrOwnerMismatch, t.Owner)
	}
	return t, nil
}

func (c *Coordinator) publish(ctx context.Context, typ events.Type, user model.UserID, at time.Time, payload any) {
	if err := c.publisher.Publish(ctx, events.New(typ, user, at, payload)); err != nil {
		slog.Warn("event not published", "type", typ, "user", user, "err", err)
	}
}
