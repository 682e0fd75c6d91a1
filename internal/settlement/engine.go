// Package settlement opens and resolves wagers against the points ledger and
// the price oracle, through either control path.
//
// Each operation is one core routine parameterised by model.AccessMode:
//
//	Direct     primary venue, ticket must read IsDelegated=false
//	Delegated  secondary venue, ticket must read IsDelegated=true
//
// and runs as a single store unit of work, so a failure at any step (the
// oracle read included) leaves no partial write behind.
package settlement

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/quickbet/settlement/internal/accounts"
	"github.com/quickbet/settlement/internal/address"
	"github.com/quickbet/settlement/internal/custody"
	"github.com/quickbet/settlement/internal/delegation"
	"github.com/quickbet/settlement/internal/events"
	"github.com/quickbet/settlement/internal/metrics"
	"github.com/quickbet/settlement/internal/model"
	"github.com/quickbet/settlement/internal/oracle"
	"github.com/quickbet/settlement/internal/points"
	"github.com/quickbet/settlement/internal/store"
	"github.com/quickbet/settlement/internal/wager"
)

// Clock supplies the current time.
type Clock interface {
	Now() time.Time
}

// ClockFunc adapts a function to Clock.
type ClockFunc func() time.Time

func (f ClockFunc) Now() time.Time { return f() }

// SystemClock reads the wall clock.
var SystemClock Clock = ClockFunc(time.Now)

// DefaultFeedID is the SOL/USD price feed.
var DefaultFeedID = oracle.MustParseFeedID("0xef0d8b6fda2ceba41da15d4095d1da392a0d2f8ed0c6c7bc0f4cfac8c280b56d")

// Config holds the market parameters of the engine.
type Config struct {
	Asset          string
	FeedID         oracle.FeedID
	MaxPriceAge    time.Duration
	StartingPoints uint64
}

// DefaultConfig returns the single supported market.
func DefaultConfig() Config {
	return Config{
		Asset:          "SOL/USD",
		FeedID:         DefaultFeedID,
		MaxPriceAge:    2 * time.Hour,
		StartingPoints: points.StartingGrant,
	}
}

// Engine executes wager operations.
type Engine struct {
	cfg       Config
	primary   store.Store
	secondary store.Store
	bridge    *custody.Bridge
	feed      oracle.Feed
	clock     Clock
	publisher events.Publisher
}

// NewEngine creates an engine. Pass nil for clock to use the wall clock and
// nil for publisher to drop events.
func NewEngine(cfg Config, primary, secondary store.Store, bridge *custody.Bridge, feed oracle.Feed, clock Clock, publisher events.Publisher) *Engine {
	if clock == nil {
		clock = SystemClock
	}
	if publisher == nil {
		publisher = events.Discard
	}
	return &Engine{
		cfg:       cfg,
		primary:   primary,
		secondary: secondary,
		bridge:    bridge,
		feed:      feed,
		clock:     clock,
		publisher: publisher,
	}
}

// Config returns the engine's market parameters.
func (e *Engine) Config() Config { return e.cfg }

// Now reads the engine's clock.
func (e *Engine) Now() time.Time { return e.clock.Now() }

// OpenRequest is the argument set of an open.
type OpenRequest struct {
	// Owner is required on the delegated path. On the direct path it may be
	// empty; when set it must equal the caller.
	Owner     model.UserID
	Asset     string
	Direction model.Direction
	Stake     uint64
	Duration  int64 // seconds
}

func (r OpenRequest) params() wager.Params {
	return wager.Params{Asset: r.Asset, Direction: r.Direction, Stake: r.Stake, Duration: r.Duration}
}

// InitializeUser creates the account, ticket and empty wager slot of user.
// Resources that already exist are left untouched.
func (e *Engine) InitializeUser(ctx context.Context, user model.UserID) (snap *model.Snapshot, err error) {
	start := time.Now()
	defer func() { metrics.ObserveOp("initialize_user", model.Direct.String(), start, model.ErrorCode(err)) }()

	if user == "" {
		return nil, fmt.Errorf("%w: empty user id", model.ErrOwnerMismatch)
	}
	set := address.ForUser(user)
	var created bool
	err = e.primary.Update(ctx, set.All(), func(tx store.Tx) error {
		created = false

		existing, err := accounts.LoadAccount(tx, set.Profile)
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			return err
		}
		acct, fresh := points.Initialize(existing, user, e.cfg.StartingPoints)
		if fresh {
			created = true
			if err := accounts.SaveAccount(tx, set.Profile, acct); err != nil {
				return err
			}
		}

		if _, err := tx.Get(set.AuthState); errors.Is(err, store.ErrNotFound) {
			created = true
			if err := accounts.SaveTicket(tx, set.AuthState, &model.DelegationTicket{Owner: user}); err != nil {
				return err
			}
		} else if err != nil {
			return err
		}

		if _, err := tx.Get(set.ActiveBet); errors.Is(err, store.ErrNotFound) {
			created = true
			return accounts.SaveWager(tx, set.ActiveBet, &model.Wager{Owner: user, Status: model.StatusNone})
		} else if err != nil {
			return err
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if created {
		metrics.UsersInitialized.Inc()
		slog.Info("user initialized", "user", user, "grant", e.cfg.StartingPoints)
	}
	return e.Snapshot(ctx, user)
}

// OpenWager debits the stake and opens the user's wager slot at the current
// oracle price.
func (e *Engine) OpenWager(ctx context.Context, mode model.AccessMode, caller model.UserID, req OpenRequest) (snap *model.Snapshot, err error) {
	start := time.Now()
	defer func() { metrics.ObserveOp("open_wager", mode.String(), start, model.ErrorCode(err)) }()

	owner, err := resolveOwner(mode, caller, req.Owner)
	if err != nil {
		return nil, err
	}
	now := e.clock.Now()
	params := req.params()

	var price model.Price6
	snap, err = e.apply(ctx, mode, owner, func(r *resources) error {
		if err := params.Validate(e.cfg.Asset); err != nil {
			return err
		}
		if err := points.Debit(r.account, params.Stake); err != nil {
			return err
		}
		p, err := e.price(ctx, now)
		if err != nil {
			return err
		}
		price = p
		return wager.Open(r.wager, owner, params, p, now.Unix())
	})
	if err != nil {
		return nil, err
	}

	metrics.WagersOpened.WithLabelValues(mode.String(), params.Direction.String()).Inc()
	metrics.PointsStaked.Add(float64(params.Stake))
	slog.Info("wager opened",
		"user", owner,
		"mode", mode.String(),
		"direction", params.Direction.String(),
		"stake", params.Stake,
		"price", price.String(),
		"expiry", snap.Wager.Expiry,
	)
	e.publish(ctx, events.WagerOpened, owner, now, snap.Wager)
	return snap, nil
}

// ResolvedPayload is the event payload of a resolution.
type ResolvedPayload struct {
	Wager  *model.Wager `json:"wager"`
	Won    bool         `json:"won"`
	Payout uint64       `json:"payout"`
}

// ResolveWager settles an expired Active wager at the current oracle price,
// crediting twice the stake on a win.
func (e *Engine) ResolveWager(ctx context.Context, mode model.AccessMode, caller, owner model.UserID) (snap *model.Snapshot, err error) {
	start := time.Now()
	defer func() { metrics.ObserveOp("resolve_wager", mode.String(), start, model.ErrorCode(err)) }()

	owner, err = resolveOwner(mode, caller, owner)
	if err != nil {
		return nil, err
	}
	now := e.clock.Now()

	var (
		won    bool
		payout uint64
	)
	snap, err = e.apply(ctx, mode, owner, func(r *resources) error {
		won, payout = false, 0
		if err := wager.CheckResolvable(r.wager, now.Unix()); err != nil {
			return err
		}
		p, err := e.price(ctx, now)
		if err != nil {
			return err
		}
		if !wager.Settle(r.wager, p) {
			return nil
		}
		won = true
		if payout, err = points.Payout(r.wager.Stake); err != nil {
			return err
		}
		return points.Credit(r.account, payout)
	})
	if err != nil {
		return nil, err
	}

	outcome := "lost"
	if won {
		outcome = "won"
		metrics.PointsPaidOut.Add(float64(payout))
	}
	metrics.WagersResolved.WithLabelValues(mode.String(), outcome).Inc()
	slog.Info("wager resolved",
		"user", owner,
		"mode", mode.String(),
		"outcome", outcome,
		"opened_price", snap.Wager.OpenedPrice.String(),
		"resolved_price", snap.Wager.ResolvedPrice.String(),
		"payout", payout,
	)
	e.publish(ctx, events.WagerResolved, owner, now, ResolvedPayload{Wager: snap.Wager, Won: won, Payout: payout})
	return snap, nil
}

// Snapshot reads every resource of user from the venue that holds it.
func (e *Engine) Snapshot(ctx context.Context, user model.UserID) (*model.Snapshot, error) {
	set := address.ForUser(user)
	holdings, err := e.bridge.Holdings(ctx, set)
	if err != nil {
		return nil, err
	}
	venue := func(kind model.ResourceKind) accounts.Getter {
		if holdings[kind] == model.CustodySecondary {
			return accounts.Committed(ctx, e.secondary)
		}
		return accounts.Committed(ctx, e.primary)
	}

	ticket, err := accounts.LoadTicket(venue(model.ResourceAuthState), set.AuthState)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", model.ErrNotInitialized, user)
	}
	if err != nil {
		return nil, err
	}
	acct, err := accounts.LoadAccount(venue(model.ResourceProfile), set.Profile)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}
	slot, err := accounts.LoadWager(venue(model.ResourceActiveBet), set.ActiveBet)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}

	return &model.Snapshot{
		User:    user,
		Account: acct,
		Ticket:  ticket,
		Wager:   slot,
		Phase:   delegation.DerivePhase(ticket, holdings),
		Custody: holdings,
	}, nil
}

func (e *Engine) price(ctx context.Context, now time.Time) (model.Price6, error) {
	p, q, err := oracle.Fetch(ctx, e.feed, e.cfg.FeedID, e.cfg.MaxPriceAge, now)
	if err != nil {
		return 0, err
	}
	metrics.OracleQuoteAge.Observe(float64(now.Unix() - q.PublishedAt))
	return p, nil
}

func (e *Engine) publish(ctx context.Context, typ events.Type, user model.UserID, at time.Time, payload any) {
	if err := e.publisher.Publish(ctx, events.New(typ, user, at, payload)); err != nil {
		slog.Warn("event not published", "type", typ, "user", user, "err", err)
	}
}

// resolveOwner returns the owner an operation acts on. On the direct path
// the caller is the owner.
func resolveOwner(mode model.AccessMode, caller, claimed model.UserID) (model.UserID, error) {
	if mode == model.Delegated {
		if claimed == "" {
			claimed = caller
		}
		if claimed == "" {
			return "", fmt.Errorf("%w: no owner given", model.ErrOwnerMismatch)
		}
		return claimed, nil
	}
	if caller == "" {
		return "", fmt.Errorf("%w: no caller identity", model.ErrOwnerMismatch)
	}
	if claimed != "" && claimed != caller {
		return "", fmt.Errorf("%w: caller %s acting for %s", model.ErrOwnerMismatch, caller, claimed)
	}
	return caller, nil
}
