// Package stats keeps advisory message counters. Nothing here is required
// for delivery correctness; callers log failures and move on.
package stats

import (
	"context"
	"fmt"
	"strconv"

	"github.com/redis/go-redis/v9"

	"github.com/mahaj/dupahar-dm/pkg/model"
)

const totalKey = "stats:messages:total"

func sentKey(userID string) string {
	return "stats:user:" + userID + ":sent"
}

// unreadKey holds a hash of sender -> unread count for a recipient.
func unreadKey(userID string) string {
	return "unread:" + userID
}

// RedisStats records counters in Redis.
type RedisStats struct {
	client *redis.Client
}

func NewRedisStats(client *redis.Client) *RedisStats {
	return &RedisStats{client: client}
}

// RecordMessage bumps the global and per-sender totals and the recipient's unread count.
func (s *RedisStats) RecordMessage(ctx context.Context, msg *model.Message) error {
	pipe := s.client.Pipeline()
	pipe.Incr(ctx, totalKey)
	pipe.Incr(ctx, sentKey(msg.Sender))
	pipe.HIncrBy(ctx, unreadKey(msg.Recipient), msg.Sender, 1)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("record message stats: %w", err)
	}
	return nil
}

// Unread returns userID's unread counts keyed by sender.
func (s *RedisStats) Unread(ctx context.Context, userID string) (map[string]int64, error) {
	raw, err := s.client.HGetAll(ctx, unreadKey(userID)).Result()
	if err != nil {
		return nil, fmt.Errorf("unread counts %s: %w", userID, err)
	}
	out := make(map[string]int64, len(raw))
	for sender, v := range raw {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			continue
		}
		out[sender] = n
	}
	return out, nil
}

// MarkRead resets userID's unread count for messages from peerID.
func (s *RedisStats) MarkRead(ctx context.Context, userID, peerID string) error {
	if err := s.client.HDel(ctx, unreadKey(userID), peerID).Err(); err != nil {
		return fmt.Errorf("mark read %s/%s: %w", userID, peerID, err)
	}
	return nil
}

// ForgetPair clears unread counts both ways, after a conversation is deleted.
func (s *RedisStats) ForgetPair(ctx context.Context, a, b string) error {
	pipe := s.client.Pipeline()
	pipe.HDel(ctx, unreadKey(a), b)
	pipe.HDel(ctx, unreadKey(b), a)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("forget pair stats: %w", err)
	}
	return nil
}

// Totals returns the global message count and the number sent by userID.
func (s *RedisStats) Totals(ctx context.Context, userID string) (total, sent int64, err error) {
	vals, err := s.client.MGet(ctx, totalKey, sentKey(userID)).Result()
	if err != nil {
		return 0, 0, fmt.Errorf("stats totals: %w", err)
	}
	return toInt(vals[0]), toInt(vals[1]), nil
}

func toInt(v any) int64 {
	s, ok := v.(string)
	if !ok {
		return 0
	}
	n, _ := strconv.ParseInt(s, 10, 64)
	return n
}
