package snowflake

import (
	"testing"
	"time"
)

func TestNewNodeRange(t *testing.T) {
	if _, err := NewNode(-1); err == nil {
		t.Error("expected error for node -1")
	}
	if _, err := NewNode(1024); err == nil {
		t.Error("expected error for node 1024")
	}
	if _, err := NewNode(1023); err != nil {
		t.Errorf("unexpected error for node 1023: %v", err)
	}
}

func TestGenerateIsIncreasing(t *testing.T) {
	n, _ := NewNode(7)
	prev := n.Generate()
	for i := 0; i < 10000; i++ {
		id := n.Generate()
		if id <= prev {
			t.Fatalf("id %d not greater than %d", id, prev)
		}
		prev = id
	}
	if NodeOf(prev) != 7 {
		t.Errorf("expected node 7, got %d", NodeOf(prev))
	}
}

func TestClockBackwards(t *testing.T) {
	n, _ := NewNode(1)
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	n.now = func() time.Time { return base }
	first := n.Generate()

	n.now = func() time.Time { return base.Add(-time.Second) }
	second := n.Generate()
	if second <= first {
		t.Errorf("expected monotonic ids across clock skew: %d then %d", first, second)
	}
	if got := Time(second); !got.Equal(base) {
		t.Errorf("expected time %v, got %v", base, got)
	}
}
