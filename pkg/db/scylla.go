package db

import (
	"fmt"
	"time"

	"github.com/gocql/gocql"
)

// Session wraps a gocql session bound to the chat keyspace.
type Session struct {
	*gocql.Session
}

// Options configures a Scylla/Cassandra connection.
type Options struct {
	Hosts       []string
	Keyspace    string
	Consistency gocql.Consistency
	Timeout     time.Duration
}

func newCluster(opts Options, keyspace string) *gocql.ClusterConfig {
	cluster := gocql.NewCluster(opts.Hosts...)
	cluster.Keyspace = keyspace
	cluster.Consistency = opts.Consistency
	if cluster.Consistency == 0 {
		cluster.Consistency = gocql.Quorum
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	cluster.Timeout = timeout
	cluster.ConnectTimeout = timeout

	cluster.RetryPolicy = &gocql.ExponentialBackoffRetryPolicy{
		NumRetries: 3,
		Min:        100 * time.Millisecond,
		Max:        1 * time.Second,
	}
	return cluster
}

// NewSession connects to opts.Keyspace.
func NewSession(opts Options) (*Session, error) {
	session, err := newCluster(opts, opts.Keyspace).CreateSession()
	if err != nil {
		return nil, fmt.Errorf("connect to scylla keyspace %s: %w", opts.Keyspace, err)
	}
	return &Session{Session: session}, nil
}
