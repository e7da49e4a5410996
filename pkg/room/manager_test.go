package room

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"

	"github.com/mahaj/dupahar-dm/pkg/presence"
)

type fakeResolver map[string]string

func (f fakeResolver) LookupUser(_ context.Context, connID string) (string, error) {
	if u, ok := f[connID]; ok {
		return u, nil
	}
	return "", presence.ErrNotRegistered
}

func TestJoinComputesConversationID(t *testing.T) {
	m := NewManager(fakeResolver{"c1": "alice", "c2": "bob"})
	ctx := context.Background()

	r1, err := m.Join(ctx, "c1", "bob")
	if err != nil {
		t.Fatalf("Join failed: %v", err)
	}
	r2, err := m.Join(ctx, "c2", "alice")
	if err != nil {
		t.Fatalf("Join failed: %v", err)
	}
	if r1 != r2 || r1 != "dm:alice:bob" {
		t.Fatalf("expected both in dm:alice:bob, got %q and %q", r1, r2)
	}

	members := m.Members(r1)
	sort.Strings(members)
	if len(members) != 2 || members[0] != "c1" || members[1] != "c2" {
		t.Errorf("unexpected members %v", members)
	}
	if rooms := m.RoomsOf("c1"); len(rooms) != 1 || rooms[0] != r1 {
		t.Errorf("unexpected rooms for c1: %v", rooms)
	}
}

func TestJoinUnregisteredFails(t *testing.T) {
	m := NewManager(fakeResolver{})
	_, err := m.Join(context.Background(), "ghost", "bob")
	if !errors.Is(err, presence.ErrNotRegistered) {
		t.Errorf("expected ErrNotRegistered, got %v", err)
	}
	if len(m.rooms) != 0 || len(m.conns) != 0 {
		t.Error("failed join must not touch the index")
	}
}

func TestLeaveIsIdempotent(t *testing.T) {
	m := NewManager(fakeResolver{"c1": "alice"})
	ctx := context.Background()

	roomID, _ := m.Join(ctx, "c1", "bob")
	for i := 0; i < 2; i++ {
		if _, err := m.Leave(ctx, "c1", "bob"); err != nil {
			t.Fatalf("Leave #%d failed: %v", i, err)
		}
	}
	if m.IsMember(roomID, "c1") {
		t.Error("expected c1 to have left")
	}
	if len(m.rooms) != 0 || len(m.conns) != 0 {
		t.Errorf("expected empty index, got rooms=%v conns=%v", m.rooms, m.conns)
	}
}

func TestLeaveAll(t *testing.T) {
	m := NewManager(fakeResolver{"c1": "alice", "c2": "bob"})
	ctx := context.Background()

	m.Join(ctx, "c1", "bob")
	m.Join(ctx, "c1", "carol")
	m.Join(ctx, "c2", "alice")

	left := m.LeaveAll("c1")
	if len(left) != 2 {
		t.Errorf("expected to leave 2 rooms, left %v", left)
	}
	if members := m.Members("dm:alice:bob"); len(members) != 1 || members[0] != "c2" {
		t.Errorf("expected only c2 to remain, got %v", members)
	}
	if _, ok := m.rooms["dm:alice:carol"]; ok {
		t.Error("expected emptied room to be removed")
	}
}

func TestConcurrentJoinLeave(t *testing.T) {
	resolver := fakeResolver{}
	for i := 0; i < 50; i++ {
		resolver[string(rune('A'+i))] = "alice"
	}
	m := NewManager(resolver)
	ctx := context.Background()

	var wg sync.WaitGroup
	for connID := range resolver {
		wg.Add(1)
		go func(connID string) {
			defer wg.Done()
			m.Join(ctx, connID, "bob")
			m.Members("dm:alice:bob")
			m.Leave(ctx, connID, "bob")
		}(connID)
	}
	wg.Wait()

	if n := len(m.Members("dm:alice:bob")); n != 0 {
		t.Errorf("expected empty room, got %d members", n)
	}
}
