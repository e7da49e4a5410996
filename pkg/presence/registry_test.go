package presence

import (
	"context"
	"errors"
	"sort"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

func setupRegistry(t *testing.T) (*Registry, *miniredis.Miniredis) {
	t.Helper()
	s := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: s.Addr(), MaxRetries: -1, DialTimeout: 200 * time.Millisecond})
	t.Cleanup(func() { client.Close() })
	return NewRegistry(client, time.Minute, zerolog.Nop()), s
}

func TestRegisterAndLookup(t *testing.T) {
	reg, _ := setupRegistry(t)
	ctx := context.Background()

	if err := reg.Register(ctx, "c1", "u1"); err != nil {
		t.Fatalf("Register failed: %v", err)
	}

	user, err := reg.LookupUser(ctx, "c1")
	if err != nil {
		t.Fatalf("LookupUser failed: %v", err)
	}
	if user != "u1" {
		t.Errorf("expected u1, got %s", user)
	}

	conns, err := reg.ConnectionsOf(ctx, "u1")
	if err != nil {
		t.Fatalf("ConnectionsOf failed: %v", err)
	}
	if len(conns) != 1 || conns[0] != "c1" {
		t.Errorf("expected [c1], got %v", conns)
	}

	if err := reg.Unregister(ctx, "c1"); err != nil {
		t.Fatalf("Unregister failed: %v", err)
	}
	if _, err := reg.LookupUser(ctx, "c1"); !errors.Is(err, ErrNotRegistered) {
		t.Errorf("expected ErrNotRegistered after unregister, got %v", err)
	}
	conns, err = reg.ConnectionsOf(ctx, "u1")
	if err != nil {
		t.Fatalf("ConnectionsOf failed: %v", err)
	}
	if len(conns) != 0 {
		t.Errorf("expected no connections, got %v", conns)
	}
}

func TestRegisterIsIdempotent(t *testing.T) {
	reg, _ := setupRegistry(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if err := reg.Register(ctx, "c1", "u1"); err != nil {
			t.Fatalf("Register #%d failed: %v", i, err)
		}
	}
	conns, _ := reg.ConnectionsOf(ctx, "u1")
	if len(conns) != 1 {
		t.Errorf("expected one connection, got %v", conns)
	}
}

func TestMultipleDevices(t *testing.T) {
	reg, _ := setupRegistry(t)
	ctx := context.Background()

	for _, c := range []string{"phone", "laptop", "tablet"} {
		if err := reg.Register(ctx, c, "u1"); err != nil {
			t.Fatal(err)
		}
	}
	if err := reg.Unregister(ctx, "laptop"); err != nil {
		t.Fatal(err)
	}

	conns, err := reg.ConnectionsOf(ctx, "u1")
	if err != nil {
		t.Fatal(err)
	}
	sort.Strings(conns)
	if len(conns) != 2 || conns[0] != "phone" || conns[1] != "tablet" {
		t.Errorf("expected [phone tablet], got %v", conns)
	}
}

func TestConnectionMapsToOneUser(t *testing.T) {
	reg, _ := setupRegistry(t)
	ctx := context.Background()

	if err := reg.Register(ctx, "c1", "u1"); err != nil {
		t.Fatal(err)
	}
	if err := reg.Register(ctx, "c1", "u2"); err != nil {
		t.Fatal(err)
	}

	if user, _ := reg.LookupUser(ctx, "c1"); user != "u2" {
		t.Errorf("expected c1 to belong to u2, got %s", user)
	}
	if conns, _ := reg.ConnectionsOf(ctx, "u1"); len(conns) != 0 {
		t.Errorf("expected u1 to have no connections, got %v", conns)
	}
}

func TestEmptySetIsDeleted(t *testing.T) {
	reg, s := setupRegistry(t)
	ctx := context.Background()

	if err := reg.Register(ctx, "c1", "u1"); err != nil {
		t.Fatal(err)
	}
	if err := reg.Unregister(ctx, "c1"); err != nil {
		t.Fatal(err)
	}
	if s.Exists(userKey("u1")) {
		t.Error("expected emptied user set to be deleted")
	}
	if s.Exists(connKey("c1")) {
		t.Error("expected reverse mapping to be deleted")
	}
}

func TestExpiredConnectionsArePruned(t *testing.T) {
	reg, s := setupRegistry(t)
	ctx := context.Background()

	if err := reg.Register(ctx, "stale", "u1"); err != nil {
		t.Fatal(err)
	}
	s.FastForward(50 * time.Second)
	if err := reg.Register(ctx, "fresh", "u1"); err != nil {
		t.Fatal(err)
	}
	s.FastForward(20 * time.Second)

	conns, err := reg.ConnectionsOf(ctx, "u1")
	if err != nil {
		t.Fatal(err)
	}
	if len(conns) != 1 || conns[0] != "fresh" {
		t.Errorf("expected [fresh], got %v", conns)
	}
	if ok, _ := s.SIsMember(userKey("u1"), "stale"); ok {
		t.Error("expected stale member to be pruned from the set")
	}
}

func TestPruneSparesReRegisteredConnection(t *testing.T) {
	reg, s := setupRegistry(t)
	ctx := context.Background()

	if err := reg.Register(ctx, "c1", "u1"); err != nil {
		t.Fatal(err)
	}
	s.FastForward(2 * time.Minute)

	// c1 was read as stale, then came back before the prune ran.
	if err := reg.Register(ctx, "c1", "u1"); err != nil {
		t.Fatal(err)
	}
	s.SAdd(userKey("u1"), "gone")
	if err := reg.prune(ctx, "u1", []string{"c1", "gone"}); err != nil {
		t.Fatal(err)
	}

	if ok, _ := s.SIsMember(userKey("u1"), "c1"); !ok {
		t.Error("re-registered connection must stay in the set")
	}
	if ok, _ := s.SIsMember(userKey("u1"), "gone"); ok {
		t.Error("expected unowned member to be pruned")
	}
}

func TestRefreshExtendsTTL(t *testing.T) {
	reg, s := setupRegistry(t)
	ctx := context.Background()

	if err := reg.Register(ctx, "c1", "u1"); err != nil {
		t.Fatal(err)
	}
	s.FastForward(50 * time.Second)
	if err := reg.Refresh(ctx, "c1"); err != nil {
		t.Fatalf("Refresh failed: %v", err)
	}
	s.FastForward(50 * time.Second)

	if user, err := reg.LookupUser(ctx, "c1"); err != nil || user != "u1" {
		t.Errorf("expected refreshed connection to survive, got %q %v", user, err)
	}
	if err := reg.Refresh(ctx, "unknown"); !errors.Is(err, ErrNotRegistered) {
		t.Errorf("expected ErrNotRegistered refreshing unknown connection, got %v", err)
	}
}

func TestStoreUnavailableFailsLoudly(t *testing.T) {
	reg, s := setupRegistry(t)
	ctx := context.Background()

	s.Close()

	if err := reg.Register(ctx, "c1", "u1"); !errors.Is(err, ErrStoreUnavailable) {
		t.Errorf("expected ErrStoreUnavailable, got %v", err)
	}
	if _, err := reg.LookupUser(ctx, "c1"); !errors.Is(err, ErrStoreUnavailable) {
		t.Errorf("expected ErrStoreUnavailable on lookup, got %v", err)
	}
}

func TestUnregisterUnknownIsNoop(t *testing.T) {
	reg, _ := setupRegistry(t)
	if err := reg.Unregister(context.Background(), "nobody"); err != nil {
		t.Errorf("expected nil, got %v", err)
	}
}
