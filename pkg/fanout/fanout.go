// Package fanout routes encoded frames to the gateway connections that should
// receive them: straight to the local hub, or through Kafka so every gateway
// instance delivers to the connections it holds.
package fanout

import "context"

// Deliverer writes frames to locally held connections and reports how many
// connections accepted the frame.
type Deliverer interface {
	DeliverRoom(roomID string, frame []byte) int
	Deliver(connIDs []string, frame []byte) int
}

// Local delivers within this process only.
type Local struct {
	hub Deliverer
}

func NewLocal(hub Deliverer) *Local {
	return &Local{hub: hub}
}

func (l *Local) ToRoom(_ context.Context, roomID string, frame []byte) error {
	l.hub.DeliverRoom(roomID, frame)
	return nil
}

func (l *Local) ToConnections(_ context.Context, connIDs []string, frame []byte) error {
	l.hub.Deliver(connIDs, frame)
	return nil
}

// Discard drops every frame. Used by processes that hold no connections and
// have no bus configured.
type Discard struct{}

func (Discard) ToRoom(context.Context, string, []byte) error { return nil }
func (Discard) ToConnections(context.Context, []string, []byte) error { return nil }
