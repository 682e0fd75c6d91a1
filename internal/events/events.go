// Package events fans settlement events out to observers (WebSocket clients,
// NATS subscribers). Events are published after the unit of work that caused
// them committed; a failing sink never fails the operation.
package events

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/quickbet/settlement/internal/metrics"
	"github.com/quickbet/settlement/internal/model"
)

// Type names an event.
type Type string

const (
	WagerOpened         Type = "wager_opened"
	WagerResolved       Type = "wager_resolved"
	DelegationRequested Type = "delegation_requested"
	ResourceTransferred Type = "resource_transferred"
	Undelegated         Type = "undelegated"
	DelegationFinalized Type = "delegation_finalized"
	PriceUpdate         Type = "price_update"
)

// Event is one observable state change.
type Event struct {
	ID      string       `json:"id"`
	Type    Type         `json:"type"`
	User    model.UserID `json:"user,omitempty"`
	At      time.Time    `json:"at"`
	Payload any          `json:"payload,omitempty"`
}

// New creates an event with a fresh id.
func New(typ Type, user model.UserID, at time.Time, payload any) Event {
	return Event{
		ID:      uuid.NewString(),
		Type:    typ,
		User:    user,
		At:      at.UTC(),
		Payload: payload,
	}
}

// Publisher delivers events to one destination.
type Publisher interface {
	Publish(ctx context.Context, ev Event) error
}

// Sink is a named Publisher.
type Sink struct {
	Name string
	Publisher
}

// Multi publishes to every sink, logging and counting failures instead of
// returning them.
type Multi struct {
	sinks  []Sink
	logger *slog.Logger
}

// NewMulti creates a fan-out publisher.
func NewMulti(logger *slog.Logger, sinks ...Sink) *Multi {
	if logger == nil {
		logger = slog.Default()
	}
	return &Multi{sinks: sinks, logger: logger}
}

// Publish always returns nil.
func (m *Multi) Publish(ctx context.Context, ev Event) error {
	for _, s := range m.sinks {
		if err := s.Publish(ctx, ev); err != nil {
			metrics.EventsDropped.WithLabelValues(s.Name).Inc()
			m.logger.Warn("event not delivered",
				"sink", s.Name, "type", ev.Type, "id", ev.ID, "err", err)
		}
	}
	return nil
}

// Discard drops every event.
var Discard Publisher = discard{}

type discard struct{}

func (discard) Publish(context.Context, Event) error { return nil }
