// Package app assembles the shared runtime of the gateway and api binaries
// from configuration.
package app

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/mahaj/dupahar-dm/pkg/auth"
	"github.com/mahaj/dupahar-dm/pkg/cache"
	"github.com/mahaj/dupahar-dm/pkg/chat"
	"github.com/mahaj/dupahar-dm/pkg/config"
	"github.com/mahaj/dupahar-dm/pkg/db"
	"github.com/mahaj/dupahar-dm/pkg/fanout"
	"github.com/mahaj/dupahar-dm/pkg/httpapi"
	"github.com/mahaj/dupahar-dm/pkg/presence"
	"github.com/mahaj/dupahar-dm/pkg/ratelimit"
	"github.com/mahaj/dupahar-dm/pkg/room"
	"github.com/mahaj/dupahar-dm/pkg/snowflake"
	"github.com/mahaj/dupahar-dm/pkg/stats"
	"github.com/mahaj/dupahar-dm/pkg/store"
)

// Core holds the connections and components both services run on.
type Core struct {
	Redis    *redis.Client
	Store    store.Store
	Presence *presence.Registry
	Rooms    *room.Manager
	Limiter  *ratelimit.Limiter
	Cache    *cache.RedisCache
	Stats    *stats.RedisStats
	Tokens   *auth.Tokens
	IDs      *snowflake.Node

	cfg    *config.Config
	logger zerolog.Logger
}

// NewCore connects Redis and the configured store.
func NewCore(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*Core, error) {
	opts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	rdb := redis.NewClient(opts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	logger.Info().Msg("connected to Redis")

	st, err := store.Open(ctx, store.Options{
		Driver: cfg.StoreDriver,
		Scylla: db.Options{
			Hosts:    cfg.ScyllaHosts,
			Keyspace: cfg.ScyllaKeyspace,
		},
		MongoURI:      cfg.MongoURI,
		MongoDatabase: cfg.MongoDatabase,
	})
	if err != nil {
		rdb.Close()
		return nil, fmt.Errorf("open %s store: %w", cfg.StoreDriver, err)
	}
	logger.Info().Str("driver", cfg.StoreDriver).Msg("connected to message store")

	ids, err := snowflake.NewNode(cfg.NodeID)
	if err != nil {
		st.Close()
		rdb.Close()
		return nil, err
	}

	reg := presence.NewRegistry(rdb, cfg.PresenceTTL, logger)
	return &Core{
		Redis:    rdb,
		Store:    st,
		Presence: reg,
		Rooms:    room.NewManager(reg),
		Limiter:  ratelimit.NewLimiter(rdb, cfg.RateLimitCapacity, cfg.RateLimitWindow, logger),
		Cache:    cache.NewRedisCache(rdb, cfg.CacheTTL),
		Stats:    stats.NewRedisStats(rdb),
		Tokens:   auth.NewTokens(cfg.JWTSecret, auth.DefaultTTL),
		IDs:      ids,
		cfg:      cfg,
		logger:   logger,
	}, nil
}

// Service builds the messaging pipeline delivering through b.
func (c *Core) Service(b chat.Broadcaster) *chat.Service {
	return chat.NewService(chat.Deps{
		Presence:    c.Presence,
		Limiter:     c.Limiter,
		Rooms:       c.Rooms,
		Store:       c.Store,
		Cache:       c.Cache,
		Stats:       c.Stats,
		Broadcaster: b,
		IDs:         c.IDs,
		Logger:      c.logger,
	})
}

// Broadcaster picks the fanout named by the configuration. hub may be nil in
// processes that hold no websocket connections; the returned Kafka, when not
// nil, must be closed by the caller and run to consume.
func (c *Core) Broadcaster(hub fanout.Deliverer) (chat.Broadcaster, *fanout.Kafka) {
	switch c.cfg.FanoutDriver {
	case "kafka":
		k := fanout.NewKafka(fanout.KafkaConfig{
			Brokers:  c.cfg.KafkaBrokers,
			Topic:    c.cfg.KafkaTopic,
			Instance: c.cfg.InstanceID,
		}, hub, c.logger)
		return k, k
	default:
		if hub == nil {
			return fanout.Discard{}, nil
		}
		return fanout.NewLocal(hub), nil
	}
}

// Checks lists the dependencies probed by /health.
func (c *Core) Checks() map[string]httpapi.Pinger {
	return map[string]httpapi.Pinger{
		"redis": pingFunc(func(ctx context.Context) error {
			return c.Redis.Ping(ctx).Err()
		}),
		"store": c.Store,
	}
}

func (c *Core) Close() {
	if err := c.Store.Close(); err != nil {
		c.logger.Warn().Err(err).Msg("closing store")
	}
	if err := c.Redis.Close(); err != nil {
		c.logger.Warn().Err(err).Msg("closing redis")
	}
}

type pingFunc func(ctx context.Context) error

func (f pingFunc) Ping(ctx context.Context) error { return f(ctx) }

// ShutdownTimeout bounds graceful HTTP shutdown.
const ShutdownTimeout = 30 * time.Second
