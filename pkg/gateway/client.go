package gateway

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/mahaj/dupahar-dm/pkg/model"
	"github.com/mahaj/dupahar-dm/pkg/presence"
)

// Client is a middleman between one websocket connection and the hub.
type Client struct {
	id     string
	server *Server
	conn   *websocket.Conn

	// Buffered channel of outbound frames. Closed by the hub on removal.
	send chan []byte

	// authUser is the user proven by the upgrade token, empty when auth is off.
	authUser string
	userID   atomic.Value // string, set on successful register
	ready    atomic.Bool

	logger zerolog.Logger
}

func (c *Client) user() string {
	u, _ := c.userID.Load().(string)
	return u
}

// reply queues a frame for this connection only.
func (c *Client) reply(event model.EventName, data any) {
	frame, err := model.Encode(event, data)
	if err != nil {
		c.logger.Error().Err(err).Str("event", string(event)).Msg("encode reply")
		return
	}
	select {
	case c.send <- frame:
	default:
		c.logger.Warn().Str("event", string(event)).Msg("send queue full, reply dropped")
	}
}

func (c *Client) replyError(code, message string) {
	c.reply(model.EventError, model.ErrorPayload{Code: code, Message: message})
}

// readPump pumps frames from the websocket connection to the dispatcher. It
// owns disconnect cleanup.
func (c *Client) readPump() {
	cfg := c.server.cfg
	defer func() {
		c.server.hub.remove(c)
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := c.server.presence.Unregister(ctx, c.id); err != nil {
			c.logger.Warn().Err(err).Msg("presence cleanup failed")
		}
		cancel()
		c.conn.Close()
		c.logger.Info().Str("user_id", c.user()).Msg("client disconnected")
	}()

	c.conn.SetReadLimit(cfg.MaxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(cfg.PongWait))
	c.conn.SetPongHandler(func(string) error { c.conn.SetReadDeadline(time.Now().Add(cfg.PongWait)); return nil })
	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNormalClosure) {
				c.logger.Warn().Err(err).Msg("read failed")
			}
			return
		}
		c.server.dispatch(c, message)
	}
}

// writePump pumps frames from the hub to the websocket connection and emits
// the heartbeat. Each heartbeat also renews the connection's presence TTL.
func (c *Client) writePump() {
	cfg := c.server.cfg
	ticker := time.NewTicker(cfg.HeartbeatInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	ping, _ := model.Encode(model.EventHeartbeatPing, nil)
	for {
		select {
		case frame, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(cfg.WriteWait))
			if !ok {
				// The hub closed the channel.
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(cfg.WriteWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, ping); err != nil {
				return
			}
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
			c.refreshPresence()
		}
	}
}

func (c *Client) refreshPresence() {
	if !c.ready.Load() {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), c.server.cfg.WriteWait)
	defer cancel()

	err := c.server.presence.Refresh(ctx, c.id)
	if errors.Is(err, presence.ErrNotRegistered) {
		// The mapping expired under us; restore it.
		err = c.server.presence.Register(ctx, c.id, c.user())
	}
	if err != nil {
		c.logger.Warn().Err(err).Msg("presence refresh failed")
	}
}
