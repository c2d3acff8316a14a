package internal

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// EndpointClass groups routes for rate-limiting purposes.
type EndpointClass string

// Endpoint classes. Search reads, batch launches, and AI calls carry
// different cost profiles so they get separate windows.
const (
	ClassSearch EndpointClass = "search"
	ClassBatch  EndpointClass = "batch"
	ClassAI     EndpointClass = "ai"
)

// RateLimiter is a fixed-window counter in Redis keyed by principal and
// endpoint class. INCR is atomic; the first increment in a window also
// sets the window's expiry, so counters clean themselves up.
type RateLimiter struct {
	rdb    redis.UniversalClient
	window time.Duration
	limits map[EndpointClass]int64
}

// _defaultLimit applies to classes without an explicit configuration.
const _defaultLimit = 100

// NewRateLimiter creates a limiter with a 1-minute window.
func NewRateLimiter(rdb redis.UniversalClient, limits map[EndpointClass]int64) *RateLimiter {
	if limits == nil {
		limits = map[EndpointClass]int64{}
	}
	return &RateLimiter{rdb: rdb, window: time.Minute, limits: limits}
}

func (rl *RateLimiter) limit(class EndpointClass) int64 {
	if n, ok := rl.limits[class]; ok && n > 0 {
		return n
	}
	return _defaultLimit
}

// Allow admits or rejects one request for the principal. Redis being
// unreachable fails open: availability beats strict enforcement here.
func (rl *RateLimiter) Allow(ctx context.Context, principal string, class EndpointClass) error {
	window := time.Now().Unix() / int64(rl.window.Seconds())
	key := fmt.Sprintf("rl:%s:%s:%d", class, principal, window)

	pipe := rl.rdb.TxPipeline()
	count := pipe.Incr(ctx, key)
	pipe.ExpireNX(ctx, key, rl.window)
	if _, err := pipe.Exec(ctx); err != nil {
		Log(ctx).Warn("rate limiter unavailable, failing open", "err", err)
		return nil
	}

	if count.Val() <= rl.limit(class) {
		return nil
	}

	retryAfter := rl.window
	if ttl, err := rl.rdb.TTL(ctx, key).Result(); err == nil && ttl > 0 {
		retryAfter = ttl
	}
	return &RateLimitError{RetryAfter: retryAfter}
}
