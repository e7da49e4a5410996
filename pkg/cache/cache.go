// Package cache implements cache-aside storage for read paths with
// version-based invalidation: bumping a scope's version orphans every entry
// written under the previous version, and orphans age out through their TTL.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// versionTTL outlives any entry TTL so a version never resets under live entries.
const versionTTL = 24 * time.Hour

// HistoryScope is the invalidation scope of one conversation's history pages.
func HistoryScope(conversationID string) string {
	return "history:" + conversationID
}

// RecentScope is the invalidation scope of one user's recent conversation list.
func RecentScope(userID string) string {
	return "recent:" + userID
}

// Key builds an entry key under scope at version.
func Key(scope string, version int64, parts ...any) string {
	var b strings.Builder
	fmt.Fprintf(&b, "cache:%s:v%d", scope, version)
	for _, p := range parts {
		fmt.Fprintf(&b, ":%v", p)
	}
	return b.String()
}

func versionKey(scope string) string {
	return "cache:ver:" + scope
}

// RedisCache stores JSON entries in Redis.
type RedisCache struct {
	client *redis.Client
	ttl    time.Duration
}

func NewRedisCache(client *redis.Client, ttl time.Duration) *RedisCache {
	return &RedisCache{client: client, ttl: ttl}
}

// Version returns the current version of scope; an unknown scope is at 0.
func (c *RedisCache) Version(ctx context.Context, scope string) (int64, error) {
	v, err := c.client.Get(ctx, versionKey(scope)).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("cache version %s: %w", scope, err)
	}
	return v, nil
}

// Get decodes the entry at key into dst and reports whether it was present.
func (c *RedisCache) Get(ctx context.Context, key string, dst any) (bool, error) {
	data, err := c.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("cache get %s: %w", key, err)
	}
	if err := json.Unmarshal(data, dst); err != nil {
		return false, fmt.Errorf("cache decode %s: %w", key, err)
	}
	return true, nil
}

// Set stores v at key for the cache TTL.
func (c *RedisCache) Set(ctx context.Context, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("cache encode %s: %w", key, err)
	}
	if err := c.client.Set(ctx, key, data, c.ttl).Err(); err != nil {
		return fmt.Errorf("cache set %s: %w", key, err)
	}
	return nil
}

// Bump invalidates every entry of the given scopes.
func (c *RedisCache) Bump(ctx context.Context, scopes ...string) error {
	if len(scopes) == 0 {
		return nil
	}
	pipe := c.client.TxPipeline()
	for _, scope := range scopes {
		pipe.Incr(ctx, versionKey(scope))
		pipe.Expire(ctx, versionKey(scope), versionTTL)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("cache bump: %w", err)
	}
	return nil
}

// Nop never stores anything. Used when caching is disabled.
type Nop struct{}

func (Nop) Version(context.Context, string) (int64, error) { return 0, nil }
func (Nop) Get(context.Context, string, any) (bool, error) { return false, nil }
func (Nop) Set(context.Context, string, any) error { return nil }
func (Nop) Bump(context.Context, ...string) error { return nil }
