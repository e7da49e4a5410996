package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"
	"unicode"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/mahaj/dupahar-dm/pkg/auth"
	"github.com/mahaj/dupahar-dm/pkg/chat"
	"github.com/mahaj/dupahar-dm/pkg/model"
)

// Service is the slice of the message pipeline the REST surface exposes.
type Service interface {
	GetMessages(ctx context.Context, a, b string, offset, limit int) ([]model.Message, error)
	GetRecentConversations(ctx context.Context, userID string) ([]model.ConversationSummary, error)
	DeleteConversation(ctx context.Context, a, b string) error
	MarkRead(ctx context.Context, userID, peerID string) error
	Unread(ctx context.Context, userID string) (map[string]int64, error)
	UpsertUser(ctx context.Context, user model.User) error
}

type Presence interface {
	ConnectionsOf(ctx context.Context, userID string) ([]string, error)
}

// SendBudget reports how many more messages a user may send in the current window.
type SendBudget interface {
	Remaining(ctx context.Context, userID string) (int, error)
}

type Totals interface {
	Totals(ctx context.Context, userID string) (total, sent int64, err error)
}

// Pinger is a dependency probed by the health endpoint.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Deps are the collaborators of a Handler. Budget and Totals are optional.
type Deps struct {
	Service  Service
	Presence Presence
	Tokens   *auth.Tokens
	Budget   SendBudget
	Totals   Totals
	Checks   map[string]Pinger
	Logger   zerolog.Logger
}

// Handler contains shared dependencies for all HTTP handlers.
type Handler struct {
	svc      Service
	presence Presence
	tokens   *auth.Tokens
	budget   SendBudget
	totals   Totals
	checks   map[string]Pinger
	logger   zerolog.Logger
}

func NewHandler(d Deps) *Handler {
	return &Handler{
		svc:      d.Service,
		presence: d.Presence,
		tokens:   d.Tokens,
		budget:   d.Budget,
		totals:   d.Totals,
		checks:   d.Checks,
		logger:   d.Logger.With().Str("component", "httpapi").Logger(),
	}
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

// fail maps a pipeline error onto an HTTP status.
func (h *Handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	var ce *chat.Error
	if !errors.As(err, &ce) {
		h.logger.Error().Err(err).Str("path", r.URL.Path).Msg("request failed")
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	status := http.StatusInternalServerError
	switch ce.Code {
	case chat.CodePrecondition:
		status = http.StatusConflict
	case chat.CodeSelfMessage, chat.CodeInvalidPayload:
		status = http.StatusBadRequest
	case chat.CodeRateLimited:
		status = http.StatusTooManyRequests
	case chat.CodeStoreUnavailable:
		status = http.StatusServiceUnavailable
	}
	if status >= 500 {
		h.logger.Error().Err(err).Str("path", r.URL.Path).Msg("request failed")
	}
	writeJSON(w, status, map[string]string{"error": ce.Message, "code": string(ce.Code)})
}

func caller(r *http.Request) string {
	userID, _ := auth.UserFrom(r.Context())
	return userID
}

// sendBudget advertises the caller's remaining send allowance.
func (h *Handler) sendBudget(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if h.budget != nil {
			if n, err := h.budget.Remaining(r.Context(), caller(r)); err == nil {
				w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(n))
			}
		}
		next.ServeHTTP(w, r)
	})
}

type LoginRequest struct {
	UserID      string `json:"userId"`
	DisplayName string `json:"displayName"`
}

type LoginResponse struct {
	Token string `json:"token"`
}

// Login records the user and issues a token for it.
func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	var req LoginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	req.UserID = strings.TrimSpace(req.UserID)
	if req.UserID == "" {
		writeError(w, http.StatusBadRequest, "userId is required")
		return
	}
	name := sanitizeName(req.DisplayName)
	if name == "" {
		name = req.UserID
	}

	if err := h.svc.UpsertUser(r.Context(), model.User{ID: req.UserID, DisplayName: name}); err != nil {
		h.fail(w, r, err)
		return
	}
	token, err := h.tokens.Issue(req.UserID)
	if err != nil {
		h.logger.Error().Err(err).Msg("token signing failed")
		writeError(w, http.StatusInternalServerError, "failed to generate token")
		return
	}
	writeJSON(w, http.StatusOK, LoginResponse{Token: token})
}

// Messages returns a page of history with peer, oldest first.
func (h *Handler) Messages(w http.ResponseWriter, r *http.Request) {
	offset, err := queryInt(r, "offset", 0)
	if err != nil {
		writeError(w, http.StatusBadRequest, "offset must be an integer")
		return
	}
	limit, err := queryInt(r, "limit", chat.DefaultLimit)
	if err != nil {
		writeError(w, http.StatusBadRequest, "limit must be an integer")
		return
	}

	msgs, err := h.svc.GetMessages(r.Context(), caller(r), chi.URLParam(r, "peer"), offset, limit)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, msgs)
}

// ConversationResponse is one entry of the recent conversations list.
type ConversationResponse struct {
	With           model.User `json:"with"`
	ConversationID string     `json:"conversationId"`
	LastMessageAt  time.Time  `json:"lastMessageAt"`
	UnreadCount    int64      `json:"unreadCount"`
}

// Conversations lists the caller's conversations, most recent first.
func (h *Handler) Conversations(w http.ResponseWriter, r *http.Request) {
	userID := caller(r)
	list, err := h.svc.GetRecentConversations(r.Context(), userID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	unread, err := h.svc.Unread(r.Context(), userID)
	if err != nil {
		// Counts are decorative; the list itself is still correct.
		h.logger.Warn().Err(err).Str("user_id", userID).Msg("unread counts unavailable")
	}

	out := make([]ConversationResponse, 0, len(list))
	for _, c := range list {
		out = append(out, ConversationResponse{
			With:           c.With,
			ConversationID: c.ConversationID,
			LastMessageAt:  c.LastMessageAt,
			UnreadCount:    unread[c.With.ID],
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *Handler) DeleteConversation(w http.ResponseWriter, r *http.Request) {
	if err := h.svc.DeleteConversation(r.Context(), caller(r), chi.URLParam(r, "peer")); err != nil {
		h.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) MarkRead(w http.ResponseWriter, r *http.Request) {
	if err := h.svc.MarkRead(r.Context(), caller(r), chi.URLParam(r, "peer")); err != nil {
		h.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type PresenceResponse struct {
	UserID      string `json:"userId"`
	Online      bool   `json:"online"`
	Connections int    `json:"connections"`
}

func (h *Handler) Presence(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "user")
	conns, err := h.presence.ConnectionsOf(r.Context(), userID)
	if err != nil {
		h.logger.Error().Err(err).Str("user_id", userID).Msg("presence lookup failed")
		writeError(w, http.StatusServiceUnavailable, "presence unavailable")
		return
	}
	writeJSON(w, http.StatusOK, PresenceResponse{
		UserID:      userID,
		Online:      len(conns) > 0,
		Connections: len(conns),
	})
}

type StatsResponse struct {
	TotalMessages int64 `json:"totalMessages"`
	SentByYou     int64 `json:"sentByYou"`
}

func (h *Handler) Stats(w http.ResponseWriter, r *http.Request) {
	if h.totals == nil {
		writeError(w, http.StatusNotFound, "stats disabled")
		return
	}
	total, sent, err := h.totals.Totals(r.Context(), caller(r))
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, "stats unavailable")
		return
	}
	writeJSON(w, http.StatusOK, StatsResponse{TotalMessages: total, SentByYou: sent})
}

func queryInt(r *http.Request, key string, def int) (int, error) {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def, nil
	}
	return strconv.Atoi(v)
}

// sanitizeName trims and limits name to 100 characters, removing control characters.
func sanitizeName(name string) string {
	name = strings.Map(func(r rune) rune {
		if unicode.IsControl(r) {
			return -1
		}
		return r
	}, strings.TrimSpace(name))
	if runes := []rune(name); len(runes) > 100 {
		name = string(runes[:100])
	}
	return name
}
