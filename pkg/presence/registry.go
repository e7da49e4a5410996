// Package presence tracks which transport connections belong to which user.
// State lives in Redis so every gateway instance shares the same view.
package presence

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

var (
	// ErrNotRegistered is returned when a connection has no owning user.
	ErrNotRegistered = errors.New("connection not registered")
	// ErrStoreUnavailable wraps every backing store failure.
	ErrStoreUnavailable = errors.New("presence store unavailable")
)

// DefaultTTL bounds how long a connection survives without a heartbeat.
const DefaultTTL = 2 * time.Minute

// Registry is a TTL-backed connection<->user mapping.
type Registry struct {
	client *redis.Client
	ttl    time.Duration
	logger zerolog.Logger
}

// NewRegistry creates a registry over an existing Redis client.
func NewRegistry(client *redis.Client, ttl time.Duration, logger zerolog.Logger) *Registry {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Registry{
		client: client,
		ttl:    ttl,
		logger: logger.With().Str("component", "presence").Logger(),
	}
}

const connKeyPrefix = "presence:conn:"

func connKey(connID string) string {
	return connKeyPrefix + connID
}

func userKey(userID string) string {
	return "presence:user:" + userID
}

// Register binds connID to userID. Registering the same pair again only renews TTLs.
// A connection previously bound to another user is moved.
func (r *Registry) Register(ctx context.Context, connID, userID string) error {
	if connID == "" || userID == "" {
		return fmt.Errorf("register: empty connection or user id")
	}

	prev, err := r.client.Get(ctx, connKey(connID)).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("%w: register %s: %v", ErrStoreUnavailable, connID, err)
	}

	_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		if prev != "" && prev != userID {
			pipe.SRem(ctx, userKey(prev), connID)
		}
		pipe.Set(ctx, connKey(connID), userID, r.ttl)
		pipe.SAdd(ctx, userKey(userID), connID)
		pipe.Expire(ctx, userKey(userID), r.ttl)
		return nil
	})
	if err != nil {
		return fmt.Errorf("%w: register %s: %v", ErrStoreUnavailable, connID, err)
	}

	r.logger.Debug().Str("conn_id", connID).Str("user_id", userID).Msg("connection registered")
	return nil
}

// Refresh renews the TTL of a registered connection and of its user's set.
func (r *Registry) Refresh(ctx context.Context, connID string) error {
	userID, err := r.LookupUser(ctx, connID)
	if err != nil {
		return err
	}
	_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Expire(ctx, connKey(connID), r.ttl)
		pipe.SAdd(ctx, userKey(userID), connID)
		pipe.Expire(ctx, userKey(userID), r.ttl)
		return nil
	})
	if err != nil {
		return fmt.Errorf("%w: refresh %s: %v", ErrStoreUnavailable, connID, err)
	}
	return nil
}

// LookupUser returns the user owning connID, or ErrNotRegistered.
func (r *Registry) LookupUser(ctx context.Context, connID string) (string, error) {
	userID, err := r.client.Get(ctx, connKey(connID)).Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrNotRegistered
	}
	if err != nil {
		return "", fmt.Errorf("%w: lookup %s: %v", ErrStoreUnavailable, connID, err)
	}
	return userID, nil
}

// ConnectionsOf returns the live connections of userID. Members whose reverse
// mapping expired or moved to another user are pruned from the set.
func (r *Registry) ConnectionsOf(ctx context.Context, userID string) ([]string, error) {
	members, err := r.client.SMembers(ctx, userKey(userID)).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: connections of %s: %v", ErrStoreUnavailable, userID, err)
	}
	if len(members) == 0 {
		return nil, nil
	}

	keys := make([]string, len(members))
	for i, connID := range members {
		keys[i] = connKey(connID)
	}
	owners, err := r.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: connections of %s: %v", ErrStoreUnavailable, userID, err)
	}

	live := make([]string, 0, len(members))
	var stale []string
	for i, owner := range owners {
		if s, ok := owner.(string); ok && s == userID {
			live = append(live, members[i])
			continue
		}
		stale = append(stale, members[i])
	}
	if len(stale) > 0 {
		if err := r.prune(ctx, userID, stale); err != nil {
			r.logger.Warn().Err(err).Str("user_id", userID).Msg("failed to prune stale connections")
		}
	}
	return live, nil
}

// pruneScript removes members of KEYS[1] whose reverse mapping (ARGV[2] .. id)
// no longer names ARGV[1]. The ownership check and SREM run atomically, so a
// connection that re-registered after it was read as stale stays in the set.
var pruneScript = redis.NewScript(`
local removed = 0
for i = 3, #ARGV do
	if redis.call("GET", ARGV[2] .. ARGV[i]) ~= ARGV[1] then
		removed = removed + redis.call("SREM", KEYS[1], ARGV[i])
	end
end
return removed
`)

func (r *Registry) prune(ctx context.Context, userID string, candidates []string) error {
	args := make([]any, 0, len(candidates)+2)
	args = append(args, userID, connKeyPrefix)
	for _, c := range candidates {
		args = append(args, c)
	}
	return pruneScript.Run(ctx, r.client, []string{userKey(userID)}, args...).Err()
}

// Unregister removes both mappings of connID. Unknown connections are a no-op.
// Redis drops the user's set once its last member is removed.
func (r *Registry) Unregister(ctx context.Context, connID string) error {
	userID, err := r.LookupUser(ctx, connID)
	if errors.Is(err, ErrNotRegistered) {
		return nil
	}
	if err != nil {
		return err
	}

	_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, connKey(connID))
		pipe.SRem(ctx, userKey(userID), connID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("%w: unregister %s: %v", ErrStoreUnavailable, connID, err)
	}

	r.logger.Debug().Str("conn_id", connID).Str("user_id", userID).Msg("connection unregistered")
	return nil
}

// Online reports whether userID has at least one live connection.
func (r *Registry) Online(ctx context.Context, userID string) (bool, error) {
	conns, err := r.ConnectionsOf(ctx, userID)
	if err != nil {
		return false, err
	}
	return len(conns) > 0, nil
}
