// Package cache holds the Redis-backed helpers: the webhook seen-set and
// per-hold leases for the release sweeper. A nil client degrades both to
// no-ops; the database constraints remain authoritative.
package cache

import (
	"context"
	"time"

	"github.com/go-redis/redis/v8"
)

// WebhookCache short-circuits redeliveries of already processed events.
type WebhookCache struct {
	rdb *redis.Client
	ttl time.Duration
}

func NewWebhookCache(rdb *redis.Client, ttl time.Duration) *WebhookCache {
	return &WebhookCache{rdb: rdb, ttl: ttl}
}

func webhookKey(gateway, eventID string) string {
	return "webhook:seen:" + gateway + ":" + eventID
}

func (c *WebhookCache) Seen(ctx context.Context, gateway, eventID string) (bool, error) {
	if c == nil || c.rdb == nil {
		return false, nil
	}
	n, err := c.rdb.Exists(ctx, webhookKey(gateway, eventID)).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// MarkSeen must only be called after the event's transaction committed.
func (c *WebhookCache) MarkSeen(ctx context.Context, gateway, eventID string) error {
	if c == nil || c.rdb == nil {
		return nil
	}
	return c.rdb.Set(ctx, webhookKey(gateway, eventID), "1", c.ttl).Err()
}
