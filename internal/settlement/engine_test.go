package settlement

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/quickbet/settlement/internal/accounts"
	"github.com/quickbet/settlement/internal/address"
	"github.com/quickbet/settlement/internal/custody"
	"github.com/quickbet/settlement/internal/delegation"
	"github.com/quickbet/settlement/internal/events"
	"github.com/quickbet/settlement/internal/events/eventstest"
	"github.com/quickbet/settlement/internal/model"
	"github.com/quickbet/settlement/internal/oracle"
	"github.com/quickbet/settlement/internal/store"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) Now() time.Time          { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

type harness struct {
	engine    *Engine
	coord     *delegation.Coordinator
	primary   *store.MemoryStore
	secondary *store.MemoryStore
	feed      *oracle.PushFeed
	clock     *fakeClock
	events    *eventstest.Recorder
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		primary:   store.NewMemoryStore(),
		secondary: store.NewMemoryStore(),
		feed:      oracle.NewPushFeed(),
		clock:     &fakeClock{t: time.Unix(1_700_000_000, 0)},
		events:    &eventstest.Recorder{},
	}
	bridge := custody.NewBridge(h.primary, h.secondary, h.clock.Now)
	h.engine = NewEngine(DefaultConfig(), h.primary, h.secondary, bridge, h.feed, h.clock, h.events)
	h.coord = delegation.NewCoordinator(h.primary, h.secondary, bridge, nil, h.events, h.clock.Now)
	return h
}

// quote publishes a fresh SOL/USD price with 6 decimals.
func (h *harness) quote(price int64) {
	h.feed.Publish(oracle.Quote{
		FeedID:      DefaultFeedID,
		Mantissa:    price,
		Exponent:    -6,
		PublishedAt: h.clock.Now().Unix(),
	})
}

func (h *harness) init(t *testing.T, user model.UserID) {
	t.Helper()
	if _, err := h.engine.InitializeUser(context.Background(), user); err != nil {
		t.Fatalf("initialize %s: %v", user, err)
	}
}

func (h *harness) delegateAll(t *testing.T, user model.UserID) {
	t.Helper()
	ctx := context.Background()
	msg, _, err := h.coord.ExpectedMessage(ctx, user)
	if err != nil {
		t.Fatalf("expected message: %v", err)
	}
	if _, err := h.coord.RequestDelegation(ctx, user, msg, nil); err != nil {
		t.Fatalf("request delegation: %v", err)
	}
	for _, kind := range model.Resources {
		if err := h.coord.TransferToSecondary(ctx, user, kind); err != nil {
			t.Fatalf("transfer %s: %v", kind, err)
		}
	}
}

func upBet(stake uint64) OpenRequest {
	return OpenRequest{Asset: "SOL/USD", Direction: model.DirectionUp, Stake: stake, Duration: 60}
}

func TestInitializeUser(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	snap, err := h.engine.InitializeUser(ctx, "alice")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if snap.Account.Balance != 1000 {
		t.Errorf("expected starting grant 1000, got %d", snap.Account.Balance)
	}
	if snap.Ticket.IsDelegated || snap.Ticket.Nonce != 0 {
		t.Errorf("unexpected fresh ticket %+v", snap.Ticket)
	}
	if snap.Wager.Status != model.StatusNone {
		t.Errorf("fresh slot must not be active, got %s", snap.Wager.Status)
	}
	if snap.Phase != model.PhaseLocal {
		t.Errorf("expected local phase, got %s", snap.Phase)
	}

	// Re-initializing never resets the balance.
	h.quote(150_000000)
	if _, err := h.engine.OpenWager(ctx, model.Direct, "alice", upBet(100)); err != nil {
		t.Fatal(err)
	}
	snap, err = h.engine.InitializeUser(ctx, "alice")
	if err != nil {
		t.Fatal(err)
	}
	if snap.Account.Balance != 900 || snap.Wager.Status != model.StatusActive {
		t.Errorf("re-initialize touched existing state: %+v %+v", snap.Account, snap.Wager)
	}
}

func TestOpenAndResolve_Won(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.init(t, "alice")

	h.quote(150_000000)
	snap, err := h.engine.OpenWager(ctx, model.Direct, "alice", upBet(100))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if snap.Account.Balance != 900 {
		t.Errorf("expected balance 900 after stake, got %d", snap.Account.Balance)
	}
	w := snap.Wager
	if w.Status != model.StatusActive || w.OpenedPrice != 150_000000 || w.ResolvedPrice != 0 {
		t.Errorf("unexpected wager %+v", w)
	}
	if w.Expiry != h.clock.Now().Unix()+60 {
		t.Errorf("expected expiry now+60, got %d", w.Expiry)
	}

	h.clock.advance(61 * time.Second)
	h.quote(160_000000)
	snap, err = h.engine.ResolveWager(ctx, model.Direct, "alice", "")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if snap.Wager.Status != model.StatusWon {
		t.Errorf("expected won, got %s", snap.Wager.Status)
	}
	if snap.Wager.ResolvedPrice != 160_000000 {
		t.Errorf("expected resolved price 160000000, got %d", snap.Wager.ResolvedPrice)
	}
	if snap.Account.Balance != 1100 {
		t.Errorf("expected balance 1100, got %d", snap.Account.Balance)
	}

	if got := h.events.Types(); len(got) != 2 || got[0] != events.WagerOpened || got[1] != events.WagerResolved {
		t.Errorf("unexpected events %v", got)
	}
}

func TestOpenAndResolve_LostAndTie(t *testing.T) {
	for name, final := range map[string]int64{"lower": 140_000000, "tie": 150_000000} {
		t.Run(name, func(t *testing.T) {
			h := newHarness(t)
			ctx := context.Background()
			h.init(t, "alice")

			h.quote(150_000000)
			if _, err := h.engine.OpenWager(ctx, model.Direct, "alice", upBet(100)); err != nil {
				t.Fatal(err)
			}
			h.clock.advance(61 * time.Second)
			h.quote(final)
			snap, err := h.engine.ResolveWager(ctx, model.Direct, "alice", "")
			if err != nil {
				t.Fatal(err)
			}
			if snap.Wager.Status != model.StatusLost {
				t.Errorf("expected lost, got %s", snap.Wager.Status)
			}
			if snap.Account.Balance != 900 {
				t.Errorf("expected balance 900, got %d", snap.Account.Balance)
			}
			if snap.Wager.ResolvedPrice != model.Price6(final) {
				t.Errorf("resolved price must be recorded on a loss, got %d", snap.Wager.ResolvedPrice)
			}
		})
	}
}

func TestResolve_Preconditions(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.init(t, "alice")
	h.quote(150_000000)

	if _, err := h.engine.ResolveWager(ctx, model.Direct, "alice", ""); !errors.Is(err, model.ErrAlreadyResolved) {
		t.Errorf("fresh slot: expected ErrAlreadyResolved, got %v", err)
	}

	if _, err := h.engine.OpenWager(ctx, model.Direct, "alice", upBet(100)); err != nil {
		t.Fatal(err)
	}
	h.clock.advance(60 * time.Second)
	if _, err := h.engine.ResolveWager(ctx, model.Direct, "alice", ""); !errors.Is(err, model.ErrNotYetExpired) {
		t.Errorf("at expiry: expected ErrNotYetExpired, got %v", err)
	}

	h.clock.advance(time.Second)
	h.quote(160_000000)
	if _, err := h.engine.ResolveWager(ctx, model.Direct, "alice", ""); err != nil {
		t.Fatal(err)
	}
	snap, err := h.engine.ResolveWager(ctx, model.Direct, "alice", "")
	if !errors.Is(err, model.ErrAlreadyResolved) {
		t.Errorf("second resolve: expected ErrAlreadyResolved, got %v", err)
	}
	if snap != nil {
		t.Error("failed resolve must not return a snapshot")
	}
	after, _ := h.engine.Snapshot(ctx, "alice")
	if after.Account.Balance != 1100 {
		t.Errorf("a wager must pay out once, balance %d", after.Account.Balance)
	}
}

func TestOpen_ValidationOrderAndBalance(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.init(t, "alice")
	h.quote(150_000000)

	tests := []struct {
		name string
		req  OpenRequest
		want error
	}{
		{"asset", OpenRequest{Asset: "BTC/USD", Direction: 9}, model.ErrUnsupportedAsset},
		{"direction", OpenRequest{Asset: "SOL/USD", Direction: 9}, model.ErrInvalidDirection},
		{"zero stake", OpenRequest{Asset: "SOL/USD", Direction: model.DirectionDown}, model.ErrZeroAmount},
		{"duration", OpenRequest{Asset: "SOL/USD", Direction: model.DirectionDown, Stake: 5}, model.ErrInvalidDuration},
		{"balance", upBet(1001), model.ErrInsufficientBalance},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := h.engine.OpenWager(ctx, model.Direct, "alice", tt.req); !errors.Is(err, tt.want) {
				t.Errorf("expected %v, got %v", tt.want, err)
			}
		})
	}

	snap, _ := h.engine.Snapshot(ctx, "alice")
	if snap.Account.Balance != 1000 || snap.Wager.Status != model.StatusNone {
		t.Errorf("rejected opens changed state: %+v %+v", snap.Account, snap.Wager)
	}

	// The whole balance may be staked.
	if _, err := h.engine.OpenWager(ctx, model.Direct, "alice", upBet(1000)); err != nil {
		t.Errorf("staking the full balance: %v", err)
	}
}

func TestOpen_OracleFailureLeavesNoDebit(t *testing.T) {
	ctx := context.Background()

	cases := map[string]func(h *harness){
		"no quote": func(h *harness) {},
		"stale": func(h *harness) {
			h.feed.Publish(oracle.Quote{FeedID: DefaultFeedID, Mantissa: 1, Exponent: -6,
				PublishedAt: h.clock.Now().Add(-2*time.Hour - time.Second).Unix()})
		},
		"wrong feed": func(h *harness) {
			var other oracle.FeedID
			other[31] = 7
			h.feed.Publish(oracle.Quote{FeedID: other, Mantissa: 1, Exponent: -6, PublishedAt: h.clock.Now().Unix()})
		},
		"negative": func(h *harness) { h.quote(-1) },
	}
	wants := map[string]error{
		"no quote":   model.ErrStalePrice,
		"stale":      model.ErrStalePrice,
		"wrong feed": model.ErrFeedMismatch,
		"negative":   model.ErrNegativePrice,
	}

	for name, setup := range cases {
		t.Run(name, func(t *testing.T) {
			h := newHarness(t)
			h.init(t, "alice")
			setup(h)
			if _, err := h.engine.OpenWager(ctx, model.Direct, "alice", upBet(100)); !errors.Is(err, wants[name]) {
				t.Fatalf("expected %v, got %v", wants[name], err)
			}
			snap, _ := h.engine.Snapshot(ctx, "alice")
			if snap.Account.Balance != 1000 {
				t.Errorf("oracle failure must not persist the debit, balance %d", snap.Account.Balance)
			}
			if snap.Wager.Status != model.StatusNone {
				t.Errorf("oracle failure must not open the slot, status %s", snap.Wager.Status)
			}
			if len(h.events.Events()) != 0 {
				t.Error("no event may be published for a failed open")
			}
		})
	}
}

func TestResolve_OracleFailureKeepsWagerActive(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.init(t, "alice")
	h.quote(150_000000)
	if _, err := h.engine.OpenWager(ctx, model.Direct, "alice", upBet(100)); err != nil {
		t.Fatal(err)
	}
	h.clock.advance(3 * time.Hour)
	if _, err := h.engine.ResolveWager(ctx, model.Direct, "alice", ""); !errors.Is(err, model.ErrStalePrice) {
		t.Fatalf("expected ErrStalePrice, got %v", err)
	}
	snap, _ := h.engine.Snapshot(ctx, "alice")
	if snap.Wager.Status != model.StatusActive || snap.Wager.ResolvedPrice != 0 {
		t.Errorf("wager must stay active, got %+v", snap.Wager)
	}
}

func TestPathGuards(t *testing.T) {
	ctx := context.Background()

	t.Run("direct while delegated", func(t *testing.T) {
		h := newHarness(t)
		h.init(t, "alice")
		msg, _, _ := h.coord.ExpectedMessage(ctx, "alice")
		if _, err := h.coord.RequestDelegation(ctx, "alice", msg, nil); err != nil {
			t.Fatal(err)
		}
		h.quote(150_000000)
		if _, err := h.engine.ResolveWager(ctx, model.Direct, "alice", ""); !errors.Is(err, model.ErrUseDelegatedPath) {
			t.Errorf("expected ErrUseDelegatedPath, got %v", err)
		}
		if _, err := h.engine.OpenWager(ctx, model.Direct, "alice", upBet(100)); !errors.Is(err, model.ErrUseDelegatedPath) {
			t.Errorf("expected ErrUseDelegatedPath, got %v", err)
		}
	})

	t.Run("delegated while local", func(t *testing.T) {
		h := newHarness(t)
		h.init(t, "alice")
		h.quote(150_000000)
		if _, err := h.engine.ResolveWager(ctx, model.Delegated, "session", "alice"); !errors.Is(err, model.ErrUseDirectPath) {
			t.Errorf("expected ErrUseDirectPath, got %v", err)
		}
		if _, err := h.engine.OpenWager(ctx, model.Delegated, "session", OpenRequest{Owner: "alice", Asset: "SOL/USD", Direction: model.DirectionUp, Stake: 1, Duration: 1}); !errors.Is(err, model.ErrUseDirectPath) {
			t.Errorf("expected ErrUseDirectPath, got %v", err)
		}
	})

	t.Run("guards run before validation", func(t *testing.T) {
		h := newHarness(t)
		h.init(t, "alice")
		if _, err := h.engine.OpenWager(ctx, model.Delegated, "", OpenRequest{Owner: "alice"}); !errors.Is(err, model.ErrUseDirectPath) {
			t.Errorf("expected ErrUseDirectPath, got %v", err)
		}
	})

	t.Run("direct caller acting for someone else", func(t *testing.T) {
		h := newHarness(t)
		h.init(t, "alice")
		h.quote(150_000000)
		req := upBet(100)
		req.Owner = "alice"
		if _, err := h.engine.OpenWager(ctx, model.Direct, "mallory", req); !errors.Is(err, model.ErrOwnerMismatch) {
			t.Errorf("expected ErrOwnerMismatch, got %v", err)
		}
	})

	t.Run("not initialized", func(t *testing.T) {
		h := newHarness(t)
		h.quote(150_000000)
		if _, err := h.engine.OpenWager(ctx, model.Direct, "ghost", upBet(1)); !errors.Is(err, model.ErrNotInitialized) {
			t.Errorf("expected ErrNotInitialized, got %v", err)
		}
		if _, err := h.engine.ResolveWager(ctx, model.Delegated, "", "ghost"); !errors.Is(err, model.ErrNotInitialized) {
			t.Errorf("expected ErrNotInitialized, got %v", err)
		}
	})

	t.Run("partially transferred", func(t *testing.T) {
		h := newHarness(t)
		h.init(t, "alice")
		msg, _, _ := h.coord.ExpectedMessage(ctx, "alice")
		if _, err := h.coord.RequestDelegation(ctx, "alice", msg, nil); err != nil {
			t.Fatal(err)
		}
		if err := h.coord.TransferToSecondary(ctx, "alice", model.ResourceAuthState); err != nil {
			t.Fatal(err)
		}
		if err := h.coord.TransferToSecondary(ctx, "alice", model.ResourceActiveBet); err != nil {
			t.Fatal(err)
		}
		h.quote(150_000000)
		_, err := h.engine.OpenWager(ctx, model.Delegated, "", OpenRequest{Owner: "alice", Asset: "SOL/USD", Direction: model.DirectionUp, Stake: 1, Duration: 1})
		if !errors.Is(err, model.ErrNotDelegated) {
			t.Errorf("expected ErrNotDelegated while the profile is local, got %v", err)
		}
		if _, err := h.engine.OpenWager(ctx, model.Direct, "alice", upBet(1)); !errors.Is(err, model.ErrUseDelegatedPath) {
			t.Errorf("expected ErrUseDelegatedPath, got %v", err)
		}
	})

	t.Run("delegated owner revalidated", func(t *testing.T) {
		h := newHarness(t)
		h.init(t, "alice")
		h.delegateAll(t, "alice")
		set := address.ForUser("alice")
		err := h.secondary.Update(ctx, set.All(), func(tx store.Tx) error {
			return accounts.SaveAccount(tx, set.Profile, &model.PointsAccount{Owner: "mallory", Balance: 1 << 40})
		})
		if err != nil {
			t.Fatal(err)
		}
		h.quote(150_000000)
		_, err = h.engine.OpenWager(ctx, model.Delegated, "", OpenRequest{Owner: "alice", Asset: "SOL/USD", Direction: model.DirectionUp, Stake: 1, Duration: 1})
		if !errors.Is(err, model.ErrOwnerMismatch) {
			t.Errorf("expected ErrOwnerMismatch, got %v", err)
		}
	})
}

func TestDelegatedRoundTrip(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.init(t, "alice")
	h.delegateAll(t, "alice")

	snap, err := h.engine.Snapshot(ctx, "alice")
	if err != nil {
		t.Fatal(err)
	}
	if snap.Phase != model.PhaseDelegated {
		t.Fatalf("expected delegated phase, got %s", snap.Phase)
	}

	h.quote(150_000000)
	req := OpenRequest{Owner: "alice", Asset: "SOL/USD", Direction: model.DirectionDown, Stake: 250, Duration: 30}
	snap, err = h.engine.OpenWager(ctx, model.Delegated, "session-key", req)
	if err != nil {
		t.Fatalf("delegated open: %v", err)
	}
	if snap.Account.Balance != 750 || snap.Phase != model.PhaseDelegated {
		t.Errorf("unexpected delegated snapshot %+v", snap)
	}

	// The primary copies are untouched while delegated.
	primaryAcct, err := accounts.LoadAccount(accounts.Committed(ctx, h.primary), address.ForUser("alice").Profile)
	if err != nil {
		t.Fatal(err)
	}
	if primaryAcct.Balance != 1000 {
		t.Errorf("delegated write leaked to the primary venue: %d", primaryAcct.Balance)
	}

	h.clock.advance(31 * time.Second)
	h.quote(149_000000)
	snap, err = h.engine.ResolveWager(ctx, model.Delegated, "session-key", "alice")
	if err != nil {
		t.Fatalf("delegated resolve: %v", err)
	}
	if snap.Wager.Status != model.StatusWon || snap.Account.Balance != 1250 {
		t.Errorf("unexpected delegated resolution %+v %+v", snap.Wager, snap.Account)
	}

	if err := h.coord.Undelegate(ctx, "alice"); err != nil {
		t.Fatalf("undelegate: %v", err)
	}

	// Returned but still flagged: both paths refuse.
	snap, err = h.engine.Snapshot(ctx, "alice")
	if err != nil {
		t.Fatal(err)
	}
	if snap.Phase != model.PhaseReturned || !snap.Ticket.IsDelegated {
		t.Errorf("expected the returned-but-flagged gap, got phase %s ticket %+v", snap.Phase, snap.Ticket)
	}
	if snap.Account.Balance != 1250 {
		t.Errorf("undelegate must commit the delegated balance, got %d", snap.Account.Balance)
	}
	if _, err := h.engine.OpenWager(ctx, model.Direct, "alice", upBet(1)); !errors.Is(err, model.ErrUseDelegatedPath) {
		t.Errorf("direct path in the gap: expected ErrUseDelegatedPath, got %v", err)
	}
	if _, err := h.engine.OpenWager(ctx, model.Delegated, "", OpenRequest{Owner: "alice", Asset: "SOL/USD", Direction: model.DirectionUp, Stake: 1, Duration: 1}); !errors.Is(err, model.ErrNotDelegated) {
		t.Errorf("delegated path in the gap: expected ErrNotDelegated, got %v", err)
	}

	if _, err := h.coord.FinalizeLocal(ctx, "alice"); err != nil {
		t.Fatalf("finalize: %v", err)
	}
	snap, err = h.engine.OpenWager(ctx, model.Direct, "alice", upBet(50))
	if err != nil {
		t.Fatalf("direct open after finalize: %v", err)
	}
	if snap.Account.Balance != 1200 || snap.Ticket.Nonce != 1 {
		t.Errorf("unexpected state after round trip: %+v %+v", snap.Account, snap.Ticket)
	}
}

func TestResolveOwner(t *testing.T) {
	if _, err := resolveOwner(model.Direct, "", ""); !errors.Is(err, model.ErrOwnerMismatch) {
		t.Errorf("direct without caller: %v", err)
	}
	if got, err := resolveOwner(model.Delegated, "session", "alice"); err != nil || got != "alice" {
		t.Errorf("delegated acts for the claimed owner, got %q %v", got, err)
	}
	if got, err := resolveOwner(model.Delegated, "alice", ""); err != nil || got != "alice" {
		t.Errorf("delegated falls back to the caller, got %q %v", got, err)
	}
}
