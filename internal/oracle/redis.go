package oracle

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// RedisFeed reads the latest quote per feed from Redis, where an external
// relay writes it. Keys are "oracle:quote:<feed id>".
type RedisFeed struct {
	rdb *redis.Client
}

// NewRedisFeed creates a Redis-backed feed.
func NewRedisFeed(rdb *redis.Client) *RedisFeed {
	return &RedisFeed{rdb: rdb}
}

func (f *RedisFeed) Quote(ctx context.Context, feedID FeedID) (Quote, error) {
	data, err := f.rdb.Get(ctx, quoteKey(feedID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return Quote{}, ErrNoQuote
	}
	if err != nil {
		return Quote{}, fmt.Errorf("oracle: read quote: %w", err)
	}
	return DecodeQuote(data)
}

// PublishQuote stores q as the latest quote of its feed.
func (f *RedisFeed) PublishQuote(ctx context.Context, q Quote) error {
	data, err := json.Marshal(q)
	if err != nil {
		return err
	}
	if err := f.rdb.Set(ctx, quoteKey(q.FeedID), data, 0).Err(); err != nil {
		return fmt.Errorf("oracle: publish quote: %w", err)
	}
	return nil
}

func quoteKey(id FeedID) string { return "oracle:quote:" + id.String() }
