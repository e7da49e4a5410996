package db

import (
	"fmt"
)

// schema is applied in order; every statement is idempotent.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS messages (
		conversation_id text,
		id bigint,
		sender text,
		recipient text,
		text text,
		created_at timestamp,
		deleted boolean,
		PRIMARY KEY (conversation_id, id)
	) WITH CLUSTERING ORDER BY (id ASC)`,
	`CREATE INDEX IF NOT EXISTS messages_sender_idx ON messages (sender)`,
	`CREATE INDEX IF NOT EXISTS messages_recipient_idx ON messages (recipient)`,
	`CREATE TABLE IF NOT EXISTS user_conversations (
		user_id text,
		other_user_id text,
		conversation_id text,
		last_message_at timestamp,
		PRIMARY KEY (user_id, other_user_id)
	)`,
	`CREATE TABLE IF NOT EXISTS users (
		id text PRIMARY KEY,
		display_name text
	)`,
}

// Migrate creates the keyspace (through the system keyspace) and all tables.
func Migrate(opts Options, replicationFactor int) error {
	if replicationFactor <= 0 {
		replicationFactor = 1
	}

	sys, err := newCluster(opts, "system").CreateSession()
	if err != nil {
		return fmt.Errorf("connect to scylla system keyspace: %w", err)
	}
	stmt := fmt.Sprintf(`CREATE KEYSPACE IF NOT EXISTS %s WITH REPLICATION = { 'class' : 'SimpleStrategy', 'replication_factor' : %d }`,
		opts.Keyspace, replicationFactor)
	err = sys.Query(stmt).Exec()
	sys.Close()
	if err != nil {
		return fmt.Errorf("create keyspace %s: %w", opts.Keyspace, err)
	}

	session, err := NewSession(opts)
	if err != nil {
		return err
	}
	defer session.Close()

	for _, stmt := range schema {
		if err := session.Query(stmt).Exec(); err != nil {
			return fmt.Errorf("apply schema: %w", err)
		}
	}
	return nil
}

// Drop removes the chat tables. Used by the maintenance script only.
func Drop(session *Session) error {
	for _, table := range []string{"messages", "user_conversations", "users"} {
		if err := session.Query("DROP TABLE IF EXISTS " + table).Exec(); err != nil {
			return fmt.Errorf("drop %s: %w", table, err)
		}
	}
	return nil
}
