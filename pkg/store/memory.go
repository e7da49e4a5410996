package store

import (
	"context"
	"errors"
	"sort"
	"sync"

	"github.com/mahaj/dupahar-dm/pkg/conversation"
	"github.com/mahaj/dupahar-dm/pkg/model"
)

// ErrInjected is returned by operations failed on purpose through MemoryStore hooks.
var ErrInjected = errors.New("injected store failure")

// MemoryStore is an in-process Store for development and tests.
type MemoryStore struct {
	mu       sync.RWMutex
	messages map[string][]model.Message // conversation id -> messages, append order
	users    map[string]model.User

	failSave        bool
	failDeleteAfter int // <0 disables
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		messages:        make(map[string][]model.Message),
		users:           make(map[string]model.User),
		failDeleteAfter: -1,
	}
}

// FailSaves makes every SaveMessage fail until called with false.
func (s *MemoryStore) FailSaves(fail bool) {
	s.mu.Lock()
	s.failSave = fail
	s.mu.Unlock()
}

// FailDeleteAfter makes the next DeleteConversation fail after n messages were
// removed; the removed messages are restored before the error is returned.
// A negative n disables the failure.
func (s *MemoryStore) FailDeleteAfter(n int) {
	s.mu.Lock()
	s.failDeleteAfter = n
	s.mu.Unlock()
}

func (s *MemoryStore) SaveMessage(_ context.Context, msg *model.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failSave {
		return ErrInjected
	}
	s.messages[msg.ConversationID] = append(s.messages[msg.ConversationID], *msg)
	return nil
}

func (s *MemoryStore) HasMessages(_ context.Context, conversationID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.messages[conversationID]) > 0, nil
}

func (s *MemoryStore) ListMessages(_ context.Context, conversationID string, offset, limit int) ([]model.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	all := s.messages[conversationID]
	visible := make([]model.Message, 0, len(all))
	for _, m := range all {
		if !m.Deleted {
			visible = append(visible, m)
		}
	}
	sort.SliceStable(visible, func(i, j int) bool { return less(visible[i], visible[j]) })
	return page(visible, offset, limit), nil
}

func (s *MemoryStore) RecentConversations(_ context.Context, userID string) ([]model.ConversationSummary, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []model.ConversationSummary
	for convID, msgs := range s.messages {
		var latest model.Message
		found := false
		for _, m := range msgs {
			if m.Deleted || (m.Sender != userID && m.Recipient != userID) {
				continue
			}
			if !found || m.CreatedAt.After(latest.CreatedAt) {
				latest = m
				found = true
			}
		}
		if !found {
			continue
		}
		other, err := conversation.Counterpart(convID, userID)
		if err != nil {
			continue
		}
		out = append(out, model.ConversationSummary{
			ConversationID: convID,
			With:           model.User{ID: other},
			LastMessageAt:  latest.CreatedAt,
		})
	}
	sortRecent(out)
	return out, nil
}

// DeleteConversation stages the removal on a copy and swaps it in only when every
// message was staged, so a failure leaves the conversation untouched.
func (s *MemoryStore) DeleteConversation(_ context.Context, conversationID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := make([]model.Message, 0, len(s.messages[conversationID]))
	for rest := s.messages[conversationID]; len(rest) > 0; rest = s.messages[conversationID] {
		if s.failDeleteAfter >= 0 && len(removed) >= s.failDeleteAfter {
			s.failDeleteAfter = -1
			s.messages[conversationID] = append(removed, rest...)
			return ErrInjected
		}
		removed = append(removed, rest[0])
		s.messages[conversationID] = rest[1:]
	}
	delete(s.messages, conversationID)
	return nil
}

func (s *MemoryStore) UpsertUser(_ context.Context, user model.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.users[user.ID] = user
	return nil
}

func (s *MemoryStore) GetUsers(_ context.Context, ids []string) (map[string]model.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]model.User, len(ids))
	for _, id := range ids {
		if u, ok := s.users[id]; ok {
			out[id] = u
		}
	}
	return out, nil
}

func (s *MemoryStore) Ping(context.Context) error { return nil }

func (s *MemoryStore) Close() error { return nil }

func less(a, b model.Message) bool {
	if a.CreatedAt.Equal(b.CreatedAt) {
		return a.ID < b.ID
	}
	return a.CreatedAt.Before(b.CreatedAt)
}

func page(msgs []model.Message, offset, limit int) []model.Message {
	if offset >= len(msgs) {
		return []model.Message{}
	}
	end := len(msgs)
	if limit > 0 && offset+limit < end {
		end = offset + limit
	}
	return msgs[offset:end]
}

func sortRecent(out []model.ConversationSummary) {
	sort.Slice(out, func(i, j int) bool {
		if out[i].LastMessageAt.Equal(out[j].LastMessageAt) {
			return out[i].ConversationID < out[j].ConversationID
		}
		return out[i].LastMessageAt.After(out[j].LastMessageAt)
	})
}
