package stats

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/mahaj/dupahar-dm/pkg/model"
)

func TestRecordAndMarkRead(t *testing.T) {
	s := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: s.Addr()})
	defer client.Close()
	st := NewRedisStats(client)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if err := st.RecordMessage(ctx, &model.Message{Sender: "a", Recipient: "b"}); err != nil {
			t.Fatal(err)
		}
	}
	st.RecordMessage(ctx, &model.Message{Sender: "c", Recipient: "b"})

	unread, err := st.Unread(ctx, "b")
	if err != nil {
		t.Fatal(err)
	}
	if unread["a"] != 3 || unread["c"] != 1 {
		t.Errorf("unexpected unread counts %v", unread)
	}

	total, sent, err := st.Totals(ctx, "a")
	if err != nil {
		t.Fatal(err)
	}
	if total != 4 || sent != 3 {
		t.Errorf("expected totals 4/3, got %d/%d", total, sent)
	}

	if err := st.MarkRead(ctx, "b", "a"); err != nil {
		t.Fatal(err)
	}
	unread, _ = st.Unread(ctx, "b")
	if _, ok := unread["a"]; ok {
		t.Errorf("expected a's unread reset, got %v", unread)
	}

	st.ForgetPair(ctx, "b", "c")
	unread, _ = st.Unread(ctx, "b")
	if len(unread) != 0 {
		t.Errorf("expected no unread left, got %v", unread)
	}
}
