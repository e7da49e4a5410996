package cache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func setupCache(t *testing.T) (*RedisCache, *miniredis.Miniredis) {
	t.Helper()
	s := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: s.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewRedisCache(client, 30*time.Second), s
}

func TestSetGetAndExpiry(t *testing.T) {
	c, s := setupCache(t)
	ctx := context.Background()

	key := Key(HistoryScope("dm:a:b"), 0, 0, 10)
	if err := c.Set(ctx, key, []string{"x", "y"}); err != nil {
		t.Fatal(err)
	}

	var got []string
	hit, err := c.Get(ctx, key, &got)
	if err != nil || !hit {
		t.Fatalf("expected hit, got %v %v", hit, err)
	}
	if len(got) != 2 || got[1] != "y" {
		t.Errorf("unexpected value %v", got)
	}

	s.FastForward(31 * time.Second)
	if hit, _ := c.Get(ctx, key, &got); hit {
		t.Error("expected entry to expire")
	}
}

func TestBumpOrphansEntries(t *testing.T) {
	c, _ := setupCache(t)
	ctx := context.Background()
	scope := RecentScope("alice")

	v0, err := c.Version(ctx, scope)
	if err != nil || v0 != 0 {
		t.Fatalf("expected version 0, got %d %v", v0, err)
	}
	c.Set(ctx, Key(scope, v0), "stale")

	if err := c.Bump(ctx, scope, RecentScope("bob")); err != nil {
		t.Fatal(err)
	}
	v1, _ := c.Version(ctx, scope)
	if v1 != 1 {
		t.Fatalf("expected version 1, got %d", v1)
	}

	var got string
	if hit, _ := c.Get(ctx, Key(scope, v1), &got); hit {
		t.Error("expected miss under the new version")
	}
	if v, _ := c.Version(ctx, RecentScope("bob")); v != 1 {
		t.Errorf("expected bob's scope bumped too, got %d", v)
	}
}

func TestKeyFormat(t *testing.T) {
	if got := Key("history:dm:a:b", 3, 20, 10); got != "cache:history:dm:a:b:v3:20:10" {
		t.Errorf("unexpected key %q", got)
	}
}
