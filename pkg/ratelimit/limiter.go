// Package ratelimit caps how many messages a sender may send per window.
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

const (
	DefaultCapacity = 30
	DefaultWindow   = 10 * time.Second
)

// Limiter is a per-sender fixed window counter kept in Redis.
// It fails closed: any store error rejects the send.
type Limiter struct {
	client   *redis.Client
	capacity int64
	window   time.Duration
	logger   zerolog.Logger
}

// NewLimiter creates a limiter allowing capacity sends per window.
func NewLimiter(client *redis.Client, capacity int, window time.Duration, logger zerolog.Logger) *Limiter {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	if window <= 0 {
		window = DefaultWindow
	}
	return &Limiter{
		client:   client,
		capacity: int64(capacity),
		window:   window,
		logger:   logger.With().Str("component", "ratelimit").Logger(),
	}
}

// rateLimitKey returns the key for a sender's counter.
func rateLimitKey(userID string) string {
	return "ratelimit:send:" + userID
}

// CanSend counts one send attempt for userID and reports whether it is within capacity.
func (l *Limiter) CanSend(ctx context.Context, userID string) (bool, error) {
	key := rateLimitKey(userID)

	pipe := l.client.Pipeline()
	incr := pipe.Incr(ctx, key)
	ttl := pipe.PTTL(ctx, key)
	if _, err := pipe.Exec(ctx); err != nil {
		l.logger.Warn().Err(err).Str("user_id", userID).Msg("rate limit store error, rejecting")
		return false, fmt.Errorf("rate limit %s: %w", userID, err)
	}

	// First increment of a window, or a counter that lost its expiry.
	if ttl.Val() < 0 {
		if err := l.client.PExpire(ctx, key, l.window).Err(); err != nil {
			l.logger.Warn().Err(err).Str("user_id", userID).Msg("rate limit expiry failed, rejecting")
			return false, fmt.Errorf("rate limit %s: %w", userID, err)
		}
	}

	count := incr.Val()
	if count > l.capacity {
		l.logger.Debug().Str("user_id", userID).Int64("count", count).Msg("rate limit exceeded")
		return false, nil
	}
	return true, nil
}

// Remaining returns how many sends are left in the current window.
func (l *Limiter) Remaining(ctx context.Context, userID string) (int, error) {
	count, err := l.client.Get(ctx, rateLimitKey(userID)).Int64()
	if err == redis.Nil {
		return int(l.capacity), nil
	}
	if err != nil {
		return 0, err
	}
	if count >= l.capacity {
		return 0, nil
	}
	return int(l.capacity - count), nil
}

// Window returns the configured window length.
func (l *Limiter) Window() time.Duration {
	return l.window
}
