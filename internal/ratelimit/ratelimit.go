// Package ratelimit implements a fixed-window counter on Redis. The limiter
// is a throttle on credential-guessing and OTP spam, not a security boundary.
package ratelimit

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// Limiter counts hits per key inside a rolling window. A nil client disables
// limiting entirely, matching how the rest of the platform treats Redis as an
// optional dependency.
type Limiter struct {
	client *redis.Client
	limit  int
	window time.Duration
}

func New(client *redis.Client, limit int, window time.Duration) *Limiter {
	return &Limiter{client: client, limit: limit, window: window}
}

// Allow reports whether another hit on key fits in the current window. Redis
// errors fail open: an unavailable limiter must not lock everyone out.
func (l *Limiter) Allow(ctx context.Context, key string) bool {
	if l == nil || l.client == nil || l.limit <= 0 {
		return true
	}

	count, err := l.client.Incr(ctx, key).Result()
	if err != nil {
		return true
	}
	if count == 1 {
		if err := l.client.Expire(ctx, key, l.window).Err(); err != nil {
			return true
		}
	}
	return count <= int64(l.limit)
}
