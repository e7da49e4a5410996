package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// DefaultJWTSecret is only acceptable outside production.
const DefaultJWTSecret = "dev-secret-change-me"

// Config holds the settings shared by the gateway and API binaries.
type Config struct {
	Env         string
	GatewayAddr string
	APIAddr     string
	RedisURL    string

	// Persistence
	StoreDriver    string // scylla, mongo or memory
	ScyllaHosts    []string
	ScyllaKeyspace string
	MongoURI       string
	MongoDatabase  string

	// Cross-instance delivery
	FanoutDriver string // local or kafka
	KafkaBrokers []string
	KafkaTopic   string

	JWTSecret string

	RateLimitCapacity int
	RateLimitWindow   time.Duration
	PresenceTTL       time.Duration
	HeartbeatInterval time.Duration
	CacheTTL          time.Duration

	NodeID     int64
	InstanceID string
}

// Load reads configuration from environment variables, after loading a .env
// file when one is present. It panics on settings that are unsafe in production.
func Load() *Config {
	_ = godotenv.Load()

	cfg := &Config{
		Env:         getenv("ENV", "development"),
		GatewayAddr: getenv("GATEWAY_ADDR", ":8080"),
		APIAddr:     getenv("API_ADDR", ":8081"),
		RedisURL:    os.Getenv("REDIS_URL"),

		StoreDriver:    getenv("STORE_DRIVER", "scylla"),
		ScyllaHosts:    getenvList("SCYLLA_HOSTS", []string{"localhost:9042"}),
		ScyllaKeyspace: getenv("SCYLLA_KEYSPACE", "chat"),
		MongoURI:       getenv("MONGO_URI", "mongodb://localhost:27017/?replicaSet=rs0"),
		MongoDatabase:  getenv("MONGO_DATABASE", "chat"),

		FanoutDriver: getenv("FANOUT_DRIVER", "local"),
		KafkaBrokers: getenvList("KAFKA_BROKERS", []string{"localhost:19092"}),
		KafkaTopic:   getenv("KAFKA_TOPIC", "dm-deliveries"),

		JWTSecret: getenv("JWT_SECRET", DefaultJWTSecret),

		RateLimitCapacity: getenvInt("RATE_LIMIT_CAPACITY", 30),
		RateLimitWindow:   getenvDuration("RATE_LIMIT_WINDOW", 10*time.Second),
		PresenceTTL:       getenvDuration("PRESENCE_TTL", 2*time.Minute),
		HeartbeatInterval: getenvDuration("HEARTBEAT_INTERVAL", 25*time.Second),
		CacheTTL:          getenvDuration("CACHE_TTL", 30*time.Second),

		NodeID:     int64(getenvInt("NODE_ID", 1)),
		InstanceID: getenv("INSTANCE_ID", hostname()),
	}

	if cfg.Env == "production" {
		if cfg.RedisURL == "" {
			panic("REDIS_URL is required in production")
		}
		if cfg.JWTSecret == DefaultJWTSecret {
			panic("JWT_SECRET must be set in production")
		}
	}
	if cfg.RedisURL == "" {
		cfg.RedisURL = "redis://localhost:6379/0"
	}

	return cfg
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

func getenv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getenvInt(key string, defaultValue int) int {
	if n, err := strconv.Atoi(os.Getenv(key)); err == nil {
		return n
	}
	return defaultValue
}

func getenvDuration(key string, defaultValue time.Duration) time.Duration {
	if d, err := time.ParseDuration(os.Getenv(key)); err == nil && d > 0 {
		return d
	}
	return defaultValue
}

// getenvList splits a comma-separated variable, skipping empty entries.
func getenvList(key string, defaultValue []string) []string {
	var out []string
	for _, entry := range strings.Split(os.Getenv(key), ",") {
		if entry = strings.TrimSpace(entry); entry != "" {
			out = append(out, entry)
		}
	}
	if len(out) == 0 {
		return defaultValue
	}
	return out
}

func hostname() string {
	if h, err := os.Hostname(); err == nil && h != "" {
		return h
	}
	return "local"
}
