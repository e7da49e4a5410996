package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/mahaj/dupahar-dm/pkg/auth"
	"github.com/mahaj/dupahar-dm/pkg/chat"
	"github.com/mahaj/dupahar-dm/pkg/fanout"
	"github.com/mahaj/dupahar-dm/pkg/model"
	"github.com/mahaj/dupahar-dm/pkg/presence"
	"github.com/mahaj/dupahar-dm/pkg/ratelimit"
	"github.com/mahaj/dupahar-dm/pkg/room"
	"github.com/mahaj/dupahar-dm/pkg/snowflake"
	"github.com/mahaj/dupahar-dm/pkg/stats"
	"github.com/mahaj/dupahar-dm/pkg/store"
)

type pingFunc func(ctx context.Context) error

func (f pingFunc) Ping(ctx context.Context) error { return f(ctx) }

type apiHarness struct {
	router   http.Handler
	svc      *chat.Service
	presence *presence.Registry
	store    *store.MemoryStore
	tokens   *auth.Tokens
}

func newAPIHarness(t *testing.T, checks map[string]Pinger) *apiHarness {
	t.Helper()
	s := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: s.Addr()})
	t.Cleanup(func() { client.Close() })

	logger := zerolog.Nop()
	reg := presence.NewRegistry(client, time.Minute, logger)
	limiter := ratelimit.NewLimiter(client, 30, 10*time.Second, logger)
	st := stats.NewRedisStats(client)
	mem := store.NewMemoryStore()
	ids, _ := snowflake.NewNode(2)
	clock := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	svc := chat.NewService(chat.Deps{
		Presence:    reg,
		Limiter:     limiter,
		Rooms:       room.NewManager(reg),
		Store:       mem,
		Stats:       st,
		Broadcaster: fanout.Discard{},
		IDs:         ids,
		Logger:      logger,
		Now: func() time.Time {
			clock = clock.Add(time.Second)
			return clock
		},
	})
	tokens := auth.NewTokens("test-secret", time.Hour)

	h := NewHandler(Deps{
		Service:  svc,
		Presence: reg,
		Tokens:   tokens,
		Budget:   limiter,
		Totals:   st,
		Checks:   checks,
		Logger:   logger,
	})
	return &apiHarness{
		router:   NewRouter(logger, h, tokens),
		svc:      svc,
		presence: reg,
		store:    mem,
		tokens:   tokens,
	}
}

func (a *apiHarness) do(t *testing.T, method, path, user, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if user != "" {
		tok, err := a.tokens.Issue(user)
		if err != nil {
			t.Fatal(err)
		}
		req.Header.Set("Authorization", "Bearer "+tok)
	}
	rec := httptest.NewRecorder()
	a.router.ServeHTTP(rec, req)
	return rec
}

// send pushes a message through the pipeline as if from a registered connection.
func (a *apiHarness) send(t *testing.T, from, to, text string) {
	t.Helper()
	ctx := context.Background()
	conn := "conn-" + from
	if err := a.presence.Register(ctx, conn, from); err != nil {
		t.Fatal(err)
	}
	if _, err := a.svc.Send(ctx, conn, to, text); err != nil {
		t.Fatalf("send %s->%s: %v", from, to, err)
	}
}

func TestLogin(t *testing.T) {
	a := newAPIHarness(t, nil)

	rec := a.do(t, http.MethodPost, "/login", "", `{"userId":"alice","displayName":"Alice"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body)
	}
	var resp LoginResponse
	json.NewDecoder(rec.Body).Decode(&resp)
	claims, err := a.tokens.Validate(resp.Token)
	if err != nil || claims.UserID != "alice" {
		t.Fatalf("expected a token for alice, got %v %v", claims, err)
	}
	users, _ := a.store.GetUsers(context.Background(), []string{"alice"})
	if users["alice"].DisplayName != "Alice" {
		t.Errorf("expected user to be recorded, got %+v", users)
	}

	for _, body := range []string{`{}`, `not json`, `{"userId":"a b"}`} {
		if rec := a.do(t, http.MethodPost, "/login", "", body); rec.Code != http.StatusBadRequest {
			t.Errorf("body %s: expected 400, got %d", body, rec.Code)
		}
	}
}

func TestAuthRequired(t *testing.T) {
	a := newAPIHarness(t, nil)
	for _, path := range []string{"/conversations", "/messages/bob", "/presence/bob"} {
		if rec := a.do(t, http.MethodGet, path, "", ""); rec.Code != http.StatusUnauthorized {
			t.Errorf("%s: expected 401, got %d", path, rec.Code)
		}
	}
}

func TestMessagesEndpoint(t *testing.T) {
	a := newAPIHarness(t, nil)
	a.send(t, "alice", "bob", "one")
	a.send(t, "bob", "alice", "two")
	a.send(t, "alice", "bob", "three")

	rec := a.do(t, http.MethodGet, "/messages/alice?offset=1&limit=5", "bob", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body)
	}
	var msgs []model.Message
	if err := json.NewDecoder(rec.Body).Decode(&msgs); err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 2 || msgs[0].Text != "two" || msgs[1].Text != "three" {
		t.Errorf("unexpected page %+v", msgs)
	}
	if rec.Header().Get("X-RateLimit-Remaining") == "" {
		t.Error("expected send budget header")
	}

	if rec := a.do(t, http.MethodGet, "/messages/alice?limit=x", "bob", ""); rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for bad limit, got %d", rec.Code)
	}
	if rec := a.do(t, http.MethodGet, "/messages/a:b", "bob", ""); rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for bad peer, got %d", rec.Code)
	}
}

func TestConversationsWithUnreadCounts(t *testing.T) {
	a := newAPIHarness(t, nil)
	a.do(t, http.MethodPost, "/login", "", `{"userId":"alice","displayName":"Alice"}`)
	a.send(t, "alice", "bob", "hi")
	a.send(t, "alice", "bob", "you there?")
	a.send(t, "carol", "bob", "hey")

	rec := a.do(t, http.MethodGet, "/conversations", "bob", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var list []ConversationResponse
	json.NewDecoder(rec.Body).Decode(&list)
	if len(list) != 2 {
		t.Fatalf("expected 2 conversations, got %+v", list)
	}
	if list[0].With.ID != "carol" || list[0].UnreadCount != 1 {
		t.Errorf("unexpected first entry %+v", list[0])
	}
	if list[1].With.DisplayName != "Alice" || list[1].UnreadCount != 2 || list[1].ConversationID != "dm:alice:bob" {
		t.Errorf("unexpected second entry %+v", list[1])
	}

	if rec := a.do(t, http.MethodPost, "/conversations/alice/read", "bob", ""); rec.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", rec.Code)
	}
	rec = a.do(t, http.MethodGet, "/conversations", "bob", "")
	json.NewDecoder(rec.Body).Decode(&list)
	if list[1].UnreadCount != 0 {
		t.Errorf("expected unread reset, got %+v", list[1])
	}
}

func TestDeleteConversationEndpoint(t *testing.T) {
	a := newAPIHarness(t, nil)
	a.send(t, "alice", "bob", "bye")

	if rec := a.do(t, http.MethodDelete, "/conversations/bob", "alice", ""); rec.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", rec.Code)
	}
	rec := a.do(t, http.MethodGet, "/messages/alice", "bob", "")
	var msgs []model.Message
	json.NewDecoder(rec.Body).Decode(&msgs)
	if len(msgs) != 0 {
		t.Errorf("expected empty history, got %+v", msgs)
	}

	a.send(t, "alice", "bob", "again")
	a.store.FailDeleteAfter(0)
	if rec := a.do(t, http.MethodDelete, "/conversations/bob", "alice", ""); rec.Code != http.StatusInternalServerError {
		t.Errorf("expected 500 on failed delete, got %d", rec.Code)
	}
}

func TestPresenceEndpoint(t *testing.T) {
	a := newAPIHarness(t, nil)
	ctx := context.Background()
	a.presence.Register(ctx, "p1", "bob")
	a.presence.Register(ctx, "p2", "bob")

	rec := a.do(t, http.MethodGet, "/presence/bob", "alice", "")
	var p PresenceResponse
	json.NewDecoder(rec.Body).Decode(&p)
	if !p.Online || p.Connections != 2 {
		t.Errorf("unexpected presence %+v", p)
	}

	rec = a.do(t, http.MethodGet, "/presence/carol", "alice", "")
	json.NewDecoder(rec.Body).Decode(&p)
	if p.Online {
		t.Errorf("expected carol offline, got %+v", p)
	}
}

func TestStatsEndpoint(t *testing.T) {
	a := newAPIHarness(t, nil)
	a.send(t, "alice", "bob", "1")
	a.send(t, "alice", "bob", "2")
	a.send(t, "bob", "alice", "3")

	rec := a.do(t, http.MethodGet, "/stats", "alice", "")
	var s StatsResponse
	json.NewDecoder(rec.Body).Decode(&s)
	if s.TotalMessages != 3 || s.SentByYou != 2 {
		t.Errorf("unexpected stats %+v", s)
	}
}

func TestHealth(t *testing.T) {
	ok := pingFunc(func(context.Context) error { return nil })
	down := pingFunc(func(context.Context) error { return errors.New("refused") })

	a := newAPIHarness(t, map[string]Pinger{"redis": ok, "store": ok})
	if rec := a.do(t, http.MethodGet, "/health", "", ""); rec.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rec.Code)
	}

	a = newAPIHarness(t, map[string]Pinger{"redis": ok, "store": down})
	rec := a.do(t, http.MethodGet, "/health", "", "")
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rec.Code)
	}
	var h HealthResponse
	json.NewDecoder(rec.Body).Decode(&h)
	if h.Status != "degraded" || h.Checks["store"].Status != "fail" || h.Checks["redis"].Status != "pass" {
		t.Errorf("unexpected health %+v", h)
	}
}
