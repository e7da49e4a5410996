// Package chat is the message pipeline: it validates, rate limits, persists and
// broadcasts direct messages, and serves history and recent conversation reads.
package chat

import (
	"context"
	"errors"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/rs/zerolog"

	"github.com/mahaj/dupahar-dm/pkg/cache"
	"github.com/mahaj/dupahar-dm/pkg/conversation"
	"github.com/mahaj/dupahar-dm/pkg/metrics"
	"github.com/mahaj/dupahar-dm/pkg/model"
	"github.com/mahaj/dupahar-dm/pkg/presence"
	"github.com/mahaj/dupahar-dm/pkg/store"
)

const (
	MaxTextLength = 4096
	DefaultLimit  = 50
	MaxLimit      = 100
)

type Presence interface {
	LookupUser(ctx context.Context, connID string) (string, error)
	ConnectionsOf(ctx context.Context, userID string) ([]string, error)
}

type Limiter interface {
	CanSend(ctx context.Context, userID string) (bool, error)
}

// Rooms is the local room index of the gateway handling the send.
type Rooms interface {
	IsMember(roomID, connID string) bool
	Add(roomID, connID string)
}

// Broadcaster delivers encoded frames to room members or to specific connections,
// wherever they are connected.
type Broadcaster interface {
	ToRoom(ctx context.Context, roomID string, frame []byte) error
	ToConnections(ctx context.Context, connIDs []string, frame []byte) error
}

type Cache interface {
	Version(ctx context.Context, scope string) (int64, error)
	Get(ctx context.Context, key string, dst any) (bool, error)
	Set(ctx context.Context, key string, v any) error
	Bump(ctx context.Context, scopes ...string) error
}

type Stats interface {
	RecordMessage(ctx context.Context, msg *model.Message) error
	Unread(ctx context.Context, userID string) (map[string]int64, error)
	MarkRead(ctx context.Context, userID, peerID string) error
	ForgetPair(ctx context.Context, a, b string) error
}

type IDGenerator interface {
	Generate() int64
}

// Deps are the collaborators of a Service. Cache and Stats are optional.
type Deps struct {
	Presence    Presence
	Limiter     Limiter
	Rooms       Rooms
	Store       store.Store
	Cache       Cache
	Stats       Stats
	Broadcaster Broadcaster
	IDs         IDGenerator
	Logger      zerolog.Logger
	Now         func() time.Time
}

type Service struct {
	presence  Presence
	limiter   Limiter
	rooms     Rooms
	store     store.Store
	cache     Cache
	stats     Stats
	broadcast Broadcaster
	ids       IDGenerator
	logger    zerolog.Logger
	now       func() time.Time
}

func NewService(d Deps) *Service {
	s := &Service{
		presence:  d.Presence,
		limiter:   d.Limiter,
		rooms:     d.Rooms,
		store:     d.Store,
		cache:     d.Cache,
		stats:     d.Stats,
		broadcast: d.Broadcaster,
		ids:       d.IDs,
		logger:    d.Logger.With().Str("component", "chat").Logger(),
		now:       d.Now,
	}
	if s.cache == nil {
		s.cache = cache.Nop{}
	}
	if s.stats == nil {
		s.stats = nopStats{}
	}
	if s.now == nil {
		s.now = time.Now
	}
	return s
}

// Send delivers text from the user registered on senderConnID to recipientID.
// Nothing is broadcast, and the sender joins no room, unless the message was
// persisted first.
func (s *Service) Send(ctx context.Context, senderConnID, recipientID, text string) (*model.Message, error) {
	msg, err := s.send(ctx, senderConnID, recipientID, text)
	if err != nil {
		metrics.SendRejected.WithLabelValues(string(CodeOf(err))).Inc()
		return nil, err
	}
	metrics.MessagesSent.Inc()
	return msg, nil
}

func (s *Service) send(ctx context.Context, senderConnID, recipientID, text string) (*model.Message, error) {
	senderID, err := s.presence.LookupUser(ctx, senderConnID)
	if errors.Is(err, presence.ErrNotRegistered) {
		return nil, newError(CodePrecondition, "connection is not registered", err)
	}
	if err != nil {
		return nil, newError(CodeStoreUnavailable, "presence lookup failed", err)
	}

	recipientID = strings.TrimSpace(recipientID)
	if recipientID == senderID {
		return nil, newError(CodeSelfMessage, "cannot send a message to yourself", nil)
	}
	convID, err := conversation.ID(senderID, recipientID)
	if err != nil {
		return nil, newError(CodeInvalidPayload, "invalid recipient", err)
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, newError(CodeInvalidPayload, "message text is empty", nil)
	}
	if len(text) > MaxTextLength || !utf8.ValidString(text) {
		return nil, newError(CodeInvalidPayload, "message text is too long or not valid UTF-8", nil)
	}

	allowed, err := s.limiter.CanSend(ctx, senderID)
	if err != nil {
		return nil, newError(CodeStoreUnavailable, "rate limiter unavailable", err)
	}
	if !allowed {
		return nil, newError(CodeRateLimited, "too many messages, retry shortly", nil)
	}

	var isNew bool
	exists, err := s.store.HasMessages(ctx, convID)
	if err != nil {
		// Only the list refresh depends on this; an extra refresh is harmless.
		s.logger.Warn().Err(err).Str("conversation_id", convID).Msg("prior message check failed")
		isNew = true
	} else {
		isNew = !exists
	}

	msg := &model.Message{
		ID:             s.ids.Generate(),
		ConversationID: convID,
		Sender:         senderID,
		Recipient:      recipientID,
		Text:           text,
		CreatedAt:      s.now().UTC().Truncate(time.Millisecond),
	}

	start := time.Now()
	if err := s.store.SaveMessage(ctx, msg); err != nil {
		s.logger.Error().Err(err).Str("conversation_id", convID).Str("sender", senderID).Msg("message persistence failed")
		return nil, newError(CodePersistence, "message could not be saved", err)
	}
	metrics.PersistLatency.Observe(time.Since(start).Seconds())

	// A client may send before it explicitly joined the room.
	if !s.rooms.IsMember(convID, senderConnID) {
		s.rooms.Add(convID, senderConnID)
	}

	if err := s.stats.RecordMessage(ctx, msg); err != nil {
		s.logger.Warn().Err(err).Int64("message_id", msg.ID).Msg("stats update failed")
	}
	s.invalidate(ctx, convID, senderID, recipientID)

	frame, err := model.Encode(model.EventReceiveMessage, msg.ToReceive())
	if err != nil {
		return nil, newError(CodeInternal, "encode message", err)
	}
	if err := s.broadcast.ToRoom(ctx, convID, frame); err != nil {
		s.logger.Warn().Err(err).Str("conversation_id", convID).Msg("room broadcast failed")
	}

	if isNew {
		metrics.NewConversations.Inc()
		s.revalidate(ctx, senderID, recipientID)
	}

	s.logger.Debug().
		Int64("message_id", msg.ID).
		Str("conversation_id", convID).
		Bool("new_conversation", isNew).
		Msg("message sent")
	return msg, nil
}

// revalidate tells every connection of both users, not only room members, to
// refresh their conversation list. Idle devices rarely have the room open.
func (s *Service) revalidate(ctx context.Context, a, b string) {
	for _, pair := range [][2]string{{a, b}, {b, a}} {
		user, other := pair[0], pair[1]
		conns, err := s.presence.ConnectionsOf(ctx, user)
		if err != nil {
			s.logger.Warn().Err(err).Str("user_id", user).Msg("presence lookup for revalidation failed")
			continue
		}
		if len(conns) == 0 {
			continue
		}
		frame, err := model.Encode(model.EventRevalidateConversations, model.RevalidatePayload{With: other})
		if err != nil {
			continue
		}
		if err := s.broadcast.ToConnections(ctx, conns, frame); err != nil {
			s.logger.Warn().Err(err).Str("user_id", user).Msg("revalidation notice failed")
		}
	}
}

func (s *Service) invalidate(ctx context.Context, convID, a, b string) {
	err := s.cache.Bump(ctx, cache.HistoryScope(convID), cache.RecentScope(a), cache.RecentScope(b))
	if err != nil {
		s.logger.Warn().Err(err).Str("conversation_id", convID).Msg("cache invalidation failed")
	}
}

// GetMessages returns a page of the non-deleted messages between a and b, oldest first.
func (s *Service) GetMessages(ctx context.Context, a, b string, offset, limit int) ([]model.Message, error) {
	convID, err := conversation.ID(a, b)
	if err != nil {
		return nil, newError(CodeInvalidPayload, "invalid user id", err)
	}
	if offset < 0 {
		offset = 0
	}
	if limit <= 0 {
		limit = DefaultLimit
	}
	if limit > MaxLimit {
		limit = MaxLimit
	}

	scope := cache.HistoryScope(convID)
	version, verr := s.cache.Version(ctx, scope)
	key := cache.Key(scope, version, offset, limit)
	if verr == nil {
		var cached []model.Message
		if hit, err := s.cache.Get(ctx, key, &cached); err == nil && hit {
			return cached, nil
		} else if err != nil {
			s.logger.Warn().Err(err).Str("key", key).Msg("cache read failed")
		}
	}

	msgs, err := s.store.ListMessages(ctx, convID, offset, limit)
	if err != nil {
		return nil, newError(CodeInternal, "could not load messages", err)
	}
	if msgs == nil {
		msgs = []model.Message{}
	}
	if verr == nil {
		if err := s.cache.Set(ctx, key, msgs); err != nil {
			s.logger.Warn().Err(err).Str("key", key).Msg("cache write failed")
		}
	}
	return msgs, nil
}

// GetRecentConversations lists userID's counterparts, most recent first.
func (s *Service) GetRecentConversations(ctx context.Context, userID string) ([]model.ConversationSummary, error) {
	if err := conversation.ValidateUser(userID); err != nil {
		return nil, newError(CodeInvalidPayload, "invalid user id", err)
	}

	scope := cache.RecentScope(userID)
	version, verr := s.cache.Version(ctx, scope)
	key := cache.Key(scope, version)
	if verr == nil {
		var cached []model.ConversationSummary
		if hit, err := s.cache.Get(ctx, key, &cached); err == nil && hit {
			return cached, nil
		}
	}

	list, err := s.store.RecentConversations(ctx, userID)
	if err != nil {
		return nil, newError(CodeInternal, "could not load conversations", err)
	}
	if list == nil {
		list = []model.ConversationSummary{}
	}

	ids := make([]string, len(list))
	for i, c := range list {
		ids[i] = c.With.ID
	}
	users, err := s.store.GetUsers(ctx, ids)
	if err != nil {
		s.logger.Warn().Err(err).Str("user_id", userID).Msg("counterpart lookup failed")
	}
	for i := range list {
		if u, ok := users[list[i].With.ID]; ok {
			list[i].With = u
		}
	}

	if verr == nil {
		if err := s.cache.Set(ctx, key, list); err != nil {
			s.logger.Warn().Err(err).Str("key", key).Msg("cache write failed")
		}
	}
	return list, nil
}

// DeleteConversation removes every message between a and b, or none of them.
func (s *Service) DeleteConversation(ctx context.Context, a, b string) error {
	convID, err := conversation.ID(a, b)
	if err != nil {
		return newError(CodeInvalidPayload, "invalid user id", err)
	}
	if err := s.store.DeleteConversation(ctx, convID); err != nil {
		s.logger.Error().Err(err).Str("conversation_id", convID).Msg("conversation delete failed")
		return newError(CodePersistence, "conversation could not be deleted", err)
	}

	s.invalidate(ctx, convID, a, b)
	if err := s.stats.ForgetPair(ctx, a, b); err != nil {
		s.logger.Warn().Err(err).Str("conversation_id", convID).Msg("stats cleanup failed")
	}
	s.revalidate(ctx, a, b)

	s.logger.Info().Str("conversation_id", convID).Msg("conversation deleted")
	return nil
}

// MarkRead resets userID's unread counter for peerID.
func (s *Service) MarkRead(ctx context.Context, userID, peerID string) error {
	if _, err := conversation.ID(userID, peerID); err != nil {
		return newError(CodeInvalidPayload, "invalid user id", err)
	}
	if err := s.stats.MarkRead(ctx, userID, peerID); err != nil {
		return newError(CodeInternal, "could not reset unread count", err)
	}
	return nil
}

// Unread returns userID's unread counts keyed by counterpart.
func (s *Service) Unread(ctx context.Context, userID string) (map[string]int64, error) {
	counts, err := s.stats.Unread(ctx, userID)
	if err != nil {
		return nil, newError(CodeInternal, "could not load unread counts", err)
	}
	return counts, nil
}

// UpsertUser records a user's display identity.
func (s *Service) UpsertUser(ctx context.Context, user model.User) error {
	if err := conversation.ValidateUser(user.ID); err != nil {
		return newError(CodeInvalidPayload, "invalid user id", err)
	}
	if err := s.store.UpsertUser(ctx, user); err != nil {
		return newError(CodePersistence, "could not save user", err)
	}
	return nil
}

type nopStats struct{}

func (nopStats) RecordMessage(context.Context, *model.Message) error { return nil }
func (nopStats) Unread(context.Context, string) (map[string]int64, error) {
	return map[string]int64{}, nil
}
func (nopStats) MarkRead(context.Context, string, string) error { return nil }
func (nopStats) ForgetPair(context.Context, string, string) error { return nil }
