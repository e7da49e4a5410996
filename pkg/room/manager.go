// Package room keeps the local index of which connections listen to which conversation.
package room

import (
	"context"
	"fmt"
	"sync"

	"github.com/mahaj/dupahar-dm/pkg/conversation"
)

// UserResolver resolves a connection to its owning user.
type UserResolver interface {
	LookupUser(ctx context.Context, connID string) (string, error)
}

// Manager is a bidirectional room<->connection index. It has no storage of its
// own; membership dies with the process, like the connections it indexes.
type Manager struct {
	presence UserResolver

	mu    sync.RWMutex
	rooms map[string]map[string]struct{} // room id -> connection ids
	conns map[string]map[string]struct{} // connection id -> room ids
}

func NewManager(presence UserResolver) *Manager {
	return &Manager{
		presence: presence,
		rooms:    make(map[string]map[string]struct{}),
		conns:    make(map[string]map[string]struct{}),
	}
}

// Join adds connID to the room it shares with peerID and returns the room id.
func (m *Manager) Join(ctx context.Context, connID, peerID string) (string, error) {
	userID, err := m.presence.LookupUser(ctx, connID)
	if err != nil {
		return "", fmt.Errorf("join %s: %w", connID, err)
	}
	roomID, err := conversation.ID(userID, peerID)
	if err != nil {
		return "", fmt.Errorf("join %s: %w", connID, err)
	}
	m.Add(roomID, connID)
	return roomID, nil
}

// Leave removes connID from the room it shares with peerID. Leaving a room the
// connection is not in is a no-op.
func (m *Manager) Leave(ctx context.Context, connID, peerID string) (string, error) {
	userID, err := m.presence.LookupUser(ctx, connID)
	if err != nil {
		return "", fmt.Errorf("leave %s: %w", connID, err)
	}
	roomID, err := conversation.ID(userID, peerID)
	if err != nil {
		return "", fmt.Errorf("leave %s: %w", connID, err)
	}
	m.Remove(roomID, connID)
	return roomID, nil
}

// Add indexes connID under roomID.
func (m *Manager) Add(roomID, connID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	members, ok := m.rooms[roomID]
	if !ok {
		members = make(map[string]struct{})
		m.rooms[roomID] = members
	}
	members[connID] = struct{}{}

	joined, ok := m.conns[connID]
	if !ok {
		joined = make(map[string]struct{})
		m.conns[connID] = joined
	}
	joined[roomID] = struct{}{}
}

// Remove drops connID from roomID, deleting emptied entries on both sides.
func (m *Manager) Remove(roomID, connID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.removeLocked(roomID, connID)
}

func (m *Manager) removeLocked(roomID, connID string) {
	if members, ok := m.rooms[roomID]; ok {
		delete(members, connID)
		if len(members) == 0 {
			delete(m.rooms, roomID)
		}
	}
	if joined, ok := m.conns[connID]; ok {
		delete(joined, roomID)
		if len(joined) == 0 {
			delete(m.conns, connID)
		}
	}
}

// LeaveAll removes connID from every room. Called when the transport closes.
func (m *Manager) LeaveAll(connID string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	joined := m.conns[connID]
	left := make([]string, 0, len(joined))
	for roomID := range joined {
		left = append(left, roomID)
	}
	for _, roomID := range left {
		m.removeLocked(roomID, connID)
	}
	return left
}

// IsMember reports whether connID is in roomID.
func (m *Manager) IsMember(roomID, connID string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.rooms[roomID][connID]
	return ok
}

// Members returns a snapshot of the connections in roomID.
func (m *Manager) Members(roomID string) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	members := m.rooms[roomID]
	out := make([]string, 0, len(members))
	for connID := range members {
		out = append(out, connID)
	}
	return out
}

// RoomsOf returns a snapshot of the rooms connID has joined.
func (m *Manager) RoomsOf(connID string) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	joined := m.conns[connID]
	out := make([]string, 0, len(joined))
	for roomID := range joined {
		out = append(out, roomID)
	}
	return out
}
