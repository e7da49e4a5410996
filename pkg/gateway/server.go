package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/mahaj/dupahar-dm/pkg/auth"
	"github.com/mahaj/dupahar-dm/pkg/chat"
	"github.com/mahaj/dupahar-dm/pkg/conversation"
	"github.com/mahaj/dupahar-dm/pkg/model"
	"github.com/mahaj/dupahar-dm/pkg/presence"
	"github.com/mahaj/dupahar-dm/pkg/room"
)

// Presence is the part of the presence registry the gateway drives.
type Presence interface {
	Register(ctx context.Context, connID, userID string) error
	Refresh(ctx context.Context, connID string) error
	Unregister(ctx context.Context, connID string) error
}

// Sender runs the message pipeline.
type Sender interface {
	Send(ctx context.Context, senderConnID, recipientID, text string) (*model.Message, error)
}

type Config struct {
	// HeartbeatInterval is the period of heartbeat-ping frames. Must be less than PongWait.
	HeartbeatInterval time.Duration
	// Time allowed to read the next pong message from the peer.
	PongWait time.Duration
	// Time allowed to write a frame to the peer.
	WriteWait time.Duration
	// Maximum inbound frame size.
	MaxMessageSize int64
	SendBuffer     int
	// Timeout of one dispatched event, including the pipeline.
	EventTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 25 * time.Second
	}
	if c.PongWait <= c.HeartbeatInterval {
		c.PongWait = c.HeartbeatInterval * 2
	}
	if c.WriteWait <= 0 {
		c.WriteWait = 10 * time.Second
	}
	if c.MaxMessageSize <= 0 {
		c.MaxMessageSize = 16 << 10
	}
	if c.SendBuffer <= 0 {
		c.SendBuffer = 256
	}
	if c.EventTimeout <= 0 {
		c.EventTimeout = 10 * time.Second
	}
	return c
}

// Server upgrades HTTP requests to websockets and serves the event protocol.
type Server struct {
	hub      *Hub
	rooms    *room.Manager
	presence Presence
	chat     Sender
	tokens   *auth.Tokens // nil disables upgrade authentication
	cfg      Config
	logger   zerolog.Logger
	upgrader websocket.Upgrader
}

func NewServer(hub *Hub, rooms *room.Manager, p Presence, sender Sender, tokens *auth.Tokens, cfg Config, logger zerolog.Logger) *Server {
	return &Server{
		hub:      hub,
		rooms:    rooms,
		presence: p,
		chat:     sender,
		tokens:   tokens,
		cfg:      cfg.withDefaults(),
		logger:   logger.With().Str("component", "gateway").Logger(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
	}
}

// ServeHTTP handles websocket requests from the peer.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var authUser string
	if s.tokens != nil {
		userID, err := s.tokens.FromRequest(r)
		if err != nil {
			s.logger.Debug().Err(err).Str("remote_addr", r.RemoteAddr).Msg("unauthorized upgrade")
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		authUser = userID
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn().Err(err).Msg("upgrade failed")
		return
	}

	id := uuid.NewString()
	c := &Client{
		id:       id,
		server:   s,
		conn:     conn,
		send:     make(chan []byte, s.cfg.SendBuffer),
		authUser: authUser,
		logger:   s.logger.With().Str("conn_id", id).Logger(),
	}
	s.hub.add(c)
	c.logger.Info().Str("remote_addr", r.RemoteAddr).Msg("client connected")

	go c.writePump()
	go c.readPump()
}

// dispatch handles one inbound frame to completion. Failures are reported to
// the originating connection only.
func (s *Server) dispatch(c *Client, message []byte) {
	var env model.Envelope
	if err := json.Unmarshal(message, &env); err != nil {
		c.replyError(string(chat.CodeInvalidPayload), "malformed frame")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.EventTimeout)
	defer cancel()

	switch env.Event {
	case model.EventRegister:
		s.register(ctx, c, env)
	case model.EventJoinConversation:
		s.join(ctx, c, env)
	case model.EventLeaveConversation:
		s.leave(ctx, c, env)
	case model.EventSendMessage:
		s.sendMessage(ctx, c, env)
	default:
		c.replyError(string(chat.CodeInvalidPayload), "unknown event "+string(env.Event))
	}
}

func (s *Server) register(ctx context.Context, c *Client, env model.Envelope) {
	var p model.RegisterPayload
	if err := env.Decode(&p); err != nil {
		c.replyError(string(chat.CodeInvalidPayload), "malformed register payload")
		return
	}
	userID := p.UserID
	if userID == "" {
		userID = c.authUser
	}
	if c.authUser != "" && userID != c.authUser {
		c.replyError(string(chat.CodePrecondition), "user id does not match token")
		return
	}
	if err := conversation.ValidateUser(userID); err != nil {
		c.replyError(string(chat.CodeInvalidPayload), "invalid user id")
		return
	}

	if err := s.presence.Register(ctx, c.id, userID); err != nil {
		c.logger.Error().Err(err).Str("user_id", userID).Msg("registration failed")
		c.replyError(string(chat.CodeStoreUnavailable), "registration failed, retry")
		return
	}
	if prev := c.user(); prev != "" && prev != userID {
		// Rooms joined under the previous identity are not this user's.
		left := s.rooms.LeaveAll(c.id)
		c.logger.Info().Str("previous_user", prev).Strs("rooms", left).Msg("connection changed user")
	}
	c.userID.Store(userID)
	c.ready.Store(true)
	c.logger.Info().Str("user_id", userID).Msg("client registered")
	c.reply(model.EventReady, nil)
}

func (s *Server) join(ctx context.Context, c *Client, env model.Envelope) {
	var p model.PeerPayload
	if err := env.Decode(&p); err != nil {
		c.replyError(string(chat.CodeInvalidPayload), "malformed join payload")
		return
	}
	roomID, err := s.rooms.Join(ctx, c.id, p.PeerID)
	if err != nil {
		code, msg := roomError(err)
		c.replyError(code, msg)
		return
	}
	c.reply(model.EventJoinedConversation, model.JoinedPayload{ConversationID: roomID})
}

func (s *Server) leave(ctx context.Context, c *Client, env model.Envelope) {
	var p model.PeerPayload
	if err := env.Decode(&p); err != nil {
		c.replyError(string(chat.CodeInvalidPayload), "malformed leave payload")
		return
	}
	if _, err := s.rooms.Leave(ctx, c.id, p.PeerID); err != nil {
		code, msg := roomError(err)
		c.replyError(code, msg)
	}
}

func (s *Server) sendMessage(ctx context.Context, c *Client, env model.Envelope) {
	var p model.SendMessagePayload
	if err := env.Decode(&p); err != nil {
		c.replyError(string(chat.CodeInvalidPayload), "malformed message payload")
		return
	}
	if _, err := s.chat.Send(ctx, c.id, p.To, p.Text); err != nil {
		var ce *chat.Error
		if errors.As(err, &ce) {
			c.replyError(string(ce.Code), ce.Message)
			return
		}
		c.logger.Error().Err(err).Msg("send failed")
		c.replyError(string(chat.CodeInternal), "message could not be sent")
	}
}

func roomError(err error) (string, string) {
	switch {
	case errors.Is(err, presence.ErrNotRegistered):
		return string(chat.CodePrecondition), "register before joining a conversation"
	case errors.Is(err, conversation.ErrInvalidID):
		return string(chat.CodeInvalidPayload), "invalid peer id"
	default:
		return string(chat.CodeStoreUnavailable), "presence lookup failed"
	}
}
