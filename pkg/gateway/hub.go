// Package gateway terminates client websockets: it owns the connections held by
// this process, dispatches their events and writes frames back to them.
package gateway

import (
	"sync"

	"github.com/rs/zerolog"

	"github.com/mahaj/dupahar-dm/pkg/metrics"
	"github.com/mahaj/dupahar-dm/pkg/room"
)

// Hub indexes the live connections of this process and delivers frames to them.
// Room membership itself lives in the room manager.
type Hub struct {
	rooms  *room.Manager
	logger zerolog.Logger

	mu      sync.RWMutex
	clients map[string]*Client // connection id -> client
}

func NewHub(rooms *room.Manager, logger zerolog.Logger) *Hub {
	return &Hub{
		rooms:   rooms,
		logger:  logger.With().Str("component", "hub").Logger(),
		clients: make(map[string]*Client),
	}
}

func (h *Hub) add(c *Client) {
	h.mu.Lock()
	h.clients[c.id] = c
	h.mu.Unlock()
	metrics.ActiveConnections.Inc()
}

// remove forgets c, closes its send queue and drops it from every room.
// Removing a client twice is a no-op.
func (h *Hub) remove(c *Client) {
	h.mu.Lock()
	if _, ok := h.clients[c.id]; !ok {
		h.mu.Unlock()
		return
	}
	delete(h.clients, c.id)
	close(c.send)
	h.mu.Unlock()

	left := h.rooms.LeaveAll(c.id)
	metrics.ActiveConnections.Dec()
	h.logger.Debug().Str("conn_id", c.id).Strs("rooms", left).Msg("connection removed")
}

// DeliverRoom writes frame to every local member of roomID.
func (h *Hub) DeliverRoom(roomID string, frame []byte) int {
	return h.Deliver(h.rooms.Members(roomID), frame)
}

// Deliver writes frame to the listed connections held by this process and
// ignores the others. A client whose queue is full misses the frame rather than
// stalling the sender.
func (h *Hub) Deliver(connIDs []string, frame []byte) int {
	h.mu.RLock()
	defer h.mu.RUnlock()

	delivered := 0
	for _, id := range connIDs {
		c, ok := h.clients[id]
		if !ok {
			continue
		}
		select {
		case c.send <- frame:
			delivered++
		default:
			metrics.DeliveriesDropped.Inc()
			h.logger.Warn().Str("conn_id", id).Msg("send queue full, frame dropped")
		}
	}
	return delivered
}

// Len returns the number of live local connections.
func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// CloseAll closes every local websocket. Each read pump then runs its normal
// disconnect cleanup.
func (h *Hub) CloseAll() {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, c := range h.clients {
		c.conn.Close()
	}
}
