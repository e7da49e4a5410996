package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gocql/gocql"

	"github.com/mahaj/dupahar-dm/pkg/conversation"
	"github.com/mahaj/dupahar-dm/pkg/db"
	"github.com/mahaj/dupahar-dm/pkg/model"
)

// ScyllaStore keeps messages partitioned by conversation id, so deleting a
// conversation is a single partition tombstone. user_conversations is the
// per-user view maintained alongside every insert.
type ScyllaStore struct {
	session *db.Session
}

func NewScyllaStore(session *db.Session) *ScyllaStore {
	return &ScyllaStore{session: session}
}

func (s *ScyllaStore) SaveMessage(ctx context.Context, msg *model.Message) error {
	// Writes to user_conversations carry the message time so an older message
	// arriving late never moves last_message_at backwards.
	ts := msg.CreatedAt.UnixMicro()

	b := s.session.NewBatch(gocql.LoggedBatch).WithContext(ctx)
	b.Query(`INSERT INTO messages (conversation_id, id, sender, recipient, text, created_at, deleted) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		msg.ConversationID, msg.ID, msg.Sender, msg.Recipient, msg.Text, msg.CreatedAt, msg.Deleted)
	b.Query(`INSERT INTO user_conversations (user_id, other_user_id, conversation_id, last_message_at) VALUES (?, ?, ?, ?) USING TIMESTAMP ?`,
		msg.Sender, msg.Recipient, msg.ConversationID, msg.CreatedAt, ts)
	b.Query(`INSERT INTO user_conversations (user_id, other_user_id, conversation_id, last_message_at) VALUES (?, ?, ?, ?) USING TIMESTAMP ?`,
		msg.Recipient, msg.Sender, msg.ConversationID, msg.CreatedAt, ts)

	if err := s.session.ExecuteBatch(b); err != nil {
		return fmt.Errorf("save message %d: %w", msg.ID, err)
	}
	return nil
}

func (s *ScyllaStore) HasMessages(ctx context.Context, conversationID string) (bool, error) {
	var id int64
	err := s.session.Query(`SELECT id FROM messages WHERE conversation_id = ? LIMIT 1`, conversationID).
		WithContext(ctx).Scan(&id)
	if errors.Is(err, gocql.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("check conversation %s: %w", conversationID, err)
	}
	return true, nil
}

func (s *ScyllaStore) ListMessages(ctx context.Context, conversationID string, offset, limit int) ([]model.Message, error) {
	iter := s.session.Query(`SELECT id, sender, recipient, text, created_at, deleted FROM messages WHERE conversation_id = ?`, conversationID).
		WithContext(ctx).PageSize(200).Iter()

	messages := make([]model.Message, 0, limit)
	skipped := 0
	var m model.Message
	for iter.Scan(&m.ID, &m.Sender, &m.Recipient, &m.Text, &m.CreatedAt, &m.Deleted) {
		if m.Deleted {
			continue
		}
		if skipped < offset {
			skipped++
			continue
		}
		m.ConversationID = conversationID
		messages = append(messages, m)
		if limit > 0 && len(messages) == limit {
			break
		}
	}
	if err := iter.Close(); err != nil {
		return nil, fmt.Errorf("list messages %s: %w", conversationID, err)
	}
	return messages, nil
}

func (s *ScyllaStore) RecentConversations(ctx context.Context, userID string) ([]model.ConversationSummary, error) {
	iter := s.session.Query(`SELECT other_user_id, conversation_id, last_message_at FROM user_conversations WHERE user_id = ?`, userID).
		WithContext(ctx).Iter()

	var out []model.ConversationSummary
	var other, convID string
	var last time.Time
	for iter.Scan(&other, &convID, &last) {
		out = append(out, model.ConversationSummary{
			ConversationID: convID,
			With:           model.User{ID: other},
			LastMessageAt:  last,
		})
	}
	if err := iter.Close(); err != nil {
		return nil, fmt.Errorf("recent conversations %s: %w", userID, err)
	}
	sortRecent(out)
	return out, nil
}

// DeleteConversation removes the message partition and both users' view rows in
// one logged batch: either every statement applies or none does.
func (s *ScyllaStore) DeleteConversation(ctx context.Context, conversationID string) error {
	a, b, err := conversation.Participants(conversationID)
	if err != nil {
		return err
	}

	batch := s.session.NewBatch(gocql.LoggedBatch).WithContext(ctx)
	batch.Query(`DELETE FROM messages WHERE conversation_id = ?`, conversationID)
	batch.Query(`DELETE FROM user_conversations WHERE user_id = ? AND other_user_id = ?`, a, b)
	batch.Query(`DELETE FROM user_conversations WHERE user_id = ? AND other_user_id = ?`, b, a)
	if err := s.session.ExecuteBatch(batch); err != nil {
		return fmt.Errorf("delete conversation %s: %w", conversationID, err)
	}
	return nil
}

func (s *ScyllaStore) UpsertUser(ctx context.Context, user model.User) error {
	err := s.session.Query(`INSERT INTO users (id, display_name) VALUES (?, ?)`, user.ID, user.DisplayName).
		WithContext(ctx).Exec()
	if err != nil {
		return fmt.Errorf("upsert user %s: %w", user.ID, err)
	}
	return nil
}

func (s *ScyllaStore) GetUsers(ctx context.Context, ids []string) (map[string]model.User, error) {
	out := make(map[string]model.User, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	iter := s.session.Query(`SELECT id, display_name FROM users WHERE id IN ?`, ids).WithContext(ctx).Iter()
	var u model.User
	for iter.Scan(&u.ID, &u.DisplayName) {
		out[u.ID] = u
	}
	if err := iter.Close(); err != nil {
		return nil, fmt.Errorf("get users: %w", err)
	}
	return out, nil
}

func (s *ScyllaStore) Ping(ctx context.Context) error {
	return s.session.Query(`SELECT now() FROM system.local`).WithContext(ctx).Exec()
}

func (s *ScyllaStore) Close() error {
	s.session.Close()
	return nil
}
