// Package idempotency provides a best-effort duplicate-message guard
// backed by expiring Redis keys.
//
// The guard is an optimization, not a correctness mechanism: the durable
// terminal-stage check on the delivery log is what actually prevents
// double delivery. The Redis key just short-circuits the common
// redelivery case without a database round trip.
//
// Keys are written only after a message's processing fully settles, so a
// present key always means a concluded prior delivery. A crash before
// completion leaves no key and the redelivered message is processed
// again.
package idempotency

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// Client is the subset of redis.Cmdable the guard uses. Satisfied by
// *redis.Client in production.
type Client interface {
	Exists(ctx context.Context, keys ...string) *redis.IntCmd
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd
}

// Guard tracks which message keys have concluded, with expiring Redis keys.
type Guard struct {
	client Client
	ttl    time.Duration
}

// NewGuard creates a Guard. ttl bounds how long a key blocks duplicates;
// it should comfortably exceed the broker's maximum redelivery window.
func NewGuard(client Client, ttl time.Duration) *Guard {
	return &Guard{client: client, ttl: ttl}
}

// Seen reports whether the key was marked by a prior completed
// processing. Errors propagate so the caller can decide its failure
// posture; the pipeline treats them as not-seen.
func (g *Guard) Seen(ctx context.Context, key string) (bool, error) {
	n, err := g.client.Exists(ctx, key).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// MarkSeen records that the key's message concluded.
func (g *Guard) MarkSeen(ctx context.Context, key string) error {
	return g.client.Set(ctx, key, 1, g.ttl).Err()
}
