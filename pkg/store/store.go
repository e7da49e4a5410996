// Package store persists direct messages and the users they reference.
package store

import (
	"context"
	"errors"

	"github.com/mahaj/dupahar-dm/pkg/model"
)

// ErrUnknownDriver is returned by Open for an unsupported driver name.
var ErrUnknownDriver = errors.New("unknown store driver")

// Store is the message persistence contract. Messages are append-only; the only
// removal path is DeleteConversation, which is all-or-nothing.
type Store interface {
	SaveMessage(ctx context.Context, msg *model.Message) error
	// HasMessages reports whether any message, deleted or not, exists in the conversation.
	HasMessages(ctx context.Context, conversationID string) (bool, error)
	// ListMessages returns non-deleted messages oldest first.
	ListMessages(ctx context.Context, conversationID string, offset, limit int) ([]model.Message, error)
	// RecentConversations returns one summary per counterpart of userID, newest first.
	// Only With.ID is populated.
	RecentConversations(ctx context.Context, userID string) ([]model.ConversationSummary, error)
	DeleteConversation(ctx context.Context, conversationID string) error

	UpsertUser(ctx context.Context, user model.User) error
	GetUsers(ctx context.Context, ids []string) (map[string]model.User, error)

	Ping(ctx context.Context) error
	Close() error
}
