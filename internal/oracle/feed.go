// Package oracle supplies signed price quotes to the settlement engine and
// normalizes them to the fixed 6-decimal representation.
//
// A Feed only reports the latest quote it holds; freshness and feed identity
// are judged by Fetch against the caller's clock.
package oracle

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/quickbet/settlement/internal/model"
)

// FeedID identifies a price feed (32 bytes, hex-encoded on the wire).
type FeedID [32]byte

// ParseFeedID decodes a hex feed id with optional 0x prefix.
func ParseFeedID(s string) (FeedID, error) {
	var id FeedID
	b, err := hex.DecodeString(strings.TrimPrefix(strings.TrimSpace(s), "0x"))
	if err != nil || len(b) != len(id) {
		return id, fmt.Errorf("oracle: invalid feed id %q", s)
	}
	copy(id[:], b)
	return id, nil
}

// MustParseFeedID is ParseFeedID for constants.
func MustParseFeedID(s string) FeedID {
	id, err := ParseFeedID(s)
	if err != nil {
		panic(err)
	}
	return id
}

func (id FeedID) String() string {
	return "0x" + hex.EncodeToString(id[:])
}

// MarshalText implements encoding.TextMarshaler.
func (id FeedID) MarshalText() ([]byte, error) {
	return []byte(id.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (id *FeedID) UnmarshalText(b []byte) error {
	parsed, err := ParseFeedID(string(b))
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}

// Quote is one published price: Mantissa * 10^Exponent.
type Quote struct {
	FeedID      FeedID `json:"feed_id"`
	Mantissa    int64  `json:"price"`
	Exponent    int32  `json:"exponent"`
	PublishedAt int64  `json:"published_at"`
}

// ErrNoQuote is returned by a feed that has not received any quote yet.
var ErrNoQuote = errors.New("oracle: no quote available")

// Feed returns the latest quote it holds for feedID.
type Feed interface {
	Quote(ctx context.Context, feedID FeedID) (Quote, error)
}

// Fetch reads the latest quote, rejects it when older than maxAge relative
// to now or published for another feed, and scales it to 6 decimals.
func Fetch(ctx context.Context, feed Feed, feedID FeedID, maxAge time.Duration, now time.Time) (model.Price6, Quote, error) {
	q, err := feed.Quote(ctx, feedID)
	if err != nil {
		return 0, Quote{}, fmt.Errorf("%w: %v", model.ErrStalePrice, err)
	}
	age := now.Unix() - q.PublishedAt
	if age > int64(maxAge/time.Second) {
		return 0, q, fmt.Errorf("%w: quote is %ds old, limit %s", model.ErrStalePrice, age, maxAge)
	}
	if q.FeedID != feedID {
		return 0, q, fmt.Errorf("%w: got %s, want %s", model.ErrFeedMismatch, q.FeedID, feedID)
	}
	price, err := ScaleTo6dp(q.Mantissa, q.Exponent)
	if err != nil {
		return 0, q, err
	}
	return price, q, nil
}

// PushFeed holds the latest quote pushed to it by a price relay.
type PushFeed struct {
	mu     sync.RWMutex
	latest *Quote
}

// NewPushFeed creates an empty push feed.
func NewPushFeed() *PushFeed {
	return &PushFeed{}
}

// Publish replaces the held quote.
func (f *PushFeed) Publish(q Quote) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.latest = &q
}

func (f *PushFeed) Quote(_ context.Context, _ FeedID) (Quote, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if f.latest == nil {
		return Quote{}, ErrNoQuote
	}
	return *f.latest, nil
}

// Publisher is implemented by feeds that accept quotes from a relay.
type Publisher interface {
	Feed
	PublishQuote(ctx context.Context, q Quote) error
}

// PublishQuote implements Publisher.
func (f *PushFeed) PublishQuote(_ context.Context, q Quote) error {
	f.Publish(q)
	return nil
}

// DecodeQuote parses a JSON quote as posted by a relay.
func DecodeQuote(b []byte) (Quote, error) {
	var q Quote
	if err := json.Unmarshal(b, &q); err != nil {
		return Quote{}, fmt.Errorf("oracle: decode quote: %w", err)
	}
	return q, nil
}
