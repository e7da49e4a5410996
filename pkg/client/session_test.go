package client

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/mahaj/dupahar-dm/pkg/model"
)

type fakeTimer struct {
	clock   *fakeClock
	at      time.Time
	f       func()
	stopped bool
	fired   bool
}

func (t *fakeTimer) Stop() bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	active := !t.stopped && !t.fired
	t.stopped = true
	return active
}

type fakeClock struct {
	mu     sync.Mutex
	now    time.Time
	timers []*fakeTimer
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) AfterFunc(d time.Duration, f func()) Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &fakeTimer{clock: c, at: c.now.Add(d), f: f}
	c.timers = append(c.timers, t)
	return t
}

// Advance moves time forward and fires every timer that came due, in order.
func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	var due []*fakeTimer
	for _, t := range c.timers {
		if !t.stopped && !t.fired && !t.at.After(c.now) {
			t.fired = true
			due = append(due, t)
		}
	}
	c.mu.Unlock()

	sort.Slice(due, func(i, j int) bool { return due[i].at.Before(due[j].at) })
	for _, t := range due {
		t.f()
	}
}

func (c *fakeClock) active() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, t := range c.timers {
		if !t.stopped && !t.fired {
			n++
		}
	}
	return n
}

type fakeConn struct {
	in        chan []byte // server -> client
	out       chan []byte // client -> server
	closed    chan struct{}
	closeOnce sync.Once
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		in:     make(chan []byte, 16),
		out:    make(chan []byte, 16),
		closed: make(chan struct{}),
	}
}

func (c *fakeConn) ReadFrame() ([]byte, error) {
	select {
	case f := <-c.in:
		return f, nil
	case <-c.closed:
		return nil, errors.New("connection closed")
	}
}

func (c *fakeConn) WriteFrame(frame []byte) error {
	select {
	case <-c.closed:
		return errors.New("connection closed")
	default:
	}
	c.out <- frame
	return nil
}

func (c *fakeConn) Close() error {
	c.closeOnce.Do(func() { close(c.closed) })
	return nil
}

func (c *fakeConn) push(t *testing.T, name model.EventName, data any) {
	t.Helper()
	frame, err := model.Encode(name, data)
	if err != nil {
		t.Fatal(err)
	}
	c.in <- frame
}

func (c *fakeConn) expect(t *testing.T, name model.EventName) model.Envelope {
	t.Helper()
	select {
	case frame := <-c.out:
		var env model.Envelope
		if err := json.Unmarshal(frame, &env); err != nil {
			t.Fatal(err)
		}
		if env.Event != name {
			t.Fatalf("expected %s, got %s", name, env.Event)
		}
		return env
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for %s", name)
	}
	return model.Envelope{}
}

type fakeTransport struct {
	mu       sync.Mutex
	dials    int
	failNext int
	hang     bool
	conns    chan *fakeConn
	dialing  chan struct{}
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		conns:   make(chan *fakeConn, 16),
		dialing: make(chan struct{}, 16),
	}
}

func (t *fakeTransport) Dial(ctx context.Context) (Conn, error) {
	t.mu.Lock()
	t.dials++
	fail := t.failNext > 0
	if fail {
		t.failNext--
	}
	hang := t.hang
	t.mu.Unlock()
	t.dialing <- struct{}{}

	if hang {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if fail {
		return nil, errors.New("connection refused")
	}
	c := newFakeConn()
	t.conns <- c
	return c, nil
}

func (t *fakeTransport) dialCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.dials
}

func (t *fakeTransport) accept(tb testing.TB) *fakeConn {
	tb.Helper()
	select {
	case c := <-t.conns:
		return c
	case <-time.After(2 * time.Second):
		tb.Fatal("timed out waiting for a dial")
	}
	return nil
}

type harness struct {
	session    *Session
	transport  *fakeTransport
	clock      *fakeClock
	reconnects chan time.Duration
	readies    chan struct{}
	events     chan model.Envelope
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		transport:  newFakeTransport(),
		clock:      newFakeClock(),
		reconnects: make(chan time.Duration, 16),
		readies:    make(chan struct{}, 16),
		events:     make(chan model.Envelope, 16),
	}
	h.session = NewSession(h.transport, Options{UserID: "alice", Clock: h.clock}, Handler{
		OnReady:     func() { h.readies <- struct{}{} },
		OnReconnect: func(_ int, d time.Duration) { h.reconnects <- d },
		OnEvent:     func(env model.Envelope) { h.events <- env },
	})
	t.Cleanup(func() { h.session.Close() })
	return h
}

// ready drives one successful handshake and returns the server side.
func (h *harness) ready(t *testing.T) *fakeConn {
	t.Helper()
	conn := h.transport.accept(t)
	var p model.RegisterPayload
	conn.expect(t, model.EventRegister).Decode(&p)
	if p.UserID != "alice" {
		t.Fatalf("expected register as alice, got %q", p.UserID)
	}
	conn.push(t, model.EventReady, nil)
	select {
	case <-h.readies:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for ready")
	}
	return conn
}

func (h *harness) nextDelay(t *testing.T) time.Duration {
	t.Helper()
	select {
	case d := <-h.reconnects:
		return d
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for a reconnect to be scheduled")
	}
	return 0
}

func waitUntil(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestBackoffDelay(t *testing.T) {
	b := DefaultBackoff
	cases := []struct {
		attempt int
		want    time.Duration
	}{
		{0, time.Second},
		{1, 1500 * time.Millisecond},
		{2, 2250 * time.Millisecond},
		{3, 3375 * time.Millisecond},
		{20, 30 * time.Second},
		{5000, 30 * time.Second},
	}
	for _, c := range cases {
		if got := b.Delay(c.attempt); got != c.want {
			t.Errorf("Delay(%d) = %v, want %v", c.attempt, got, c.want)
		}
	}
}

func TestSessionBecomesReady(t *testing.T) {
	h := newHarness(t)
	if h.session.State() != Idle {
		t.Fatalf("expected idle, got %s", h.session.State())
	}
	if err := h.session.Send(context.Background(), model.EventSendMessage, nil); !errors.Is(err, ErrNotReady) {
		t.Errorf("expected ErrNotReady before start, got %v", err)
	}

	h.session.Start()
	conn := h.ready(t)
	if h.session.State() != Ready {
		t.Fatalf("expected ready, got %s", h.session.State())
	}

	err := h.session.Send(context.Background(), model.EventSendMessage, model.SendMessagePayload{To: "bob", Text: "hi"})
	if err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	var p model.SendMessagePayload
	conn.expect(t, model.EventSendMessage).Decode(&p)
	if p.To != "bob" || p.Text != "hi" {
		t.Errorf("unexpected payload %+v", p)
	}
}

func TestInboundEventsReachHandler(t *testing.T) {
	h := newHarness(t)
	h.session.Start()
	conn := h.ready(t)

	conn.push(t, model.EventHeartbeatPing, nil)
	conn.push(t, model.EventRevalidateConversations, model.RevalidatePayload{With: "bob"})

	select {
	case env := <-h.events:
		if env.Event != model.EventRevalidateConversations {
			t.Errorf("expected heartbeat to be swallowed, got %s", env.Event)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
	}
}

func TestReconnectBackoffAndReset(t *testing.T) {
	h := newHarness(t)
	h.session.Start()
	conn := h.ready(t)

	h.transport.mu.Lock()
	h.transport.failNext = 2
	h.transport.mu.Unlock()

	conn.Close()
	want := []time.Duration{time.Second, 1500 * time.Millisecond, 2250 * time.Millisecond}
	for i, w := range want {
		d := h.nextDelay(t)
		if d != w {
			t.Fatalf("reconnect %d: delay %v, want %v", i, d, w)
		}
		if s := h.session.State(); s != Reconnecting {
			t.Fatalf("expected reconnecting, got %s", s)
		}
		h.clock.Advance(d)
	}

	h.ready(t)
	if a := h.session.Attempt(); a != 0 {
		t.Errorf("expected attempt counter reset, got %d", a)
	}
}

func TestDropAfterRecoveryStartsFromBase(t *testing.T) {
	h := newHarness(t)
	h.session.Start()
	conn := h.ready(t)

	conn.Close()
	h.clock.Advance(h.nextDelay(t))
	conn = h.ready(t)

	conn.Close()
	if d := h.nextDelay(t); d != time.Second {
		t.Errorf("expected base delay after recovery, got %v", d)
	}
}

func TestHandshakeTimeout(t *testing.T) {
	h := newHarness(t)
	h.transport.hang = true
	h.session.Start()

	<-h.transport.dialing
	h.clock.Advance(10 * time.Second)

	if d := h.nextDelay(t); d != time.Second {
		t.Errorf("expected base delay, got %v", d)
	}
	if s := h.session.State(); s != Reconnecting {
		t.Errorf("expected reconnecting, got %s", s)
	}
}

func TestRegistrationRejectedIsAConnectFailure(t *testing.T) {
	h := newHarness(t)
	h.session.Start()

	conn := h.transport.accept(t)
	conn.expect(t, model.EventRegister)
	conn.push(t, model.EventError, model.ErrorPayload{Code: "store_unavailable", Message: "registration failed, retry"})

	if d := h.nextDelay(t); d != time.Second {
		t.Errorf("expected base delay, got %v", d)
	}
}

func TestStaleConnectionForcesReconnect(t *testing.T) {
	h := newHarness(t)
	h.session.Start()
	conn := h.ready(t)

	// Traffic within the threshold keeps the session.
	h.clock.Advance(40 * time.Second)
	waitUntil(t, "monitor rearmed", func() bool { return h.clock.active() == 1 })
	conn.push(t, model.EventHeartbeatPing, nil)
	now := h.clock.Now()
	waitUntil(t, "heartbeat", func() bool { return h.session.LastSeen().Equal(now) })

	h.clock.Advance(40 * time.Second)
	waitUntil(t, "monitor rearmed", func() bool { return h.clock.active() == 1 })
	if s := h.session.State(); s != Ready {
		t.Fatalf("expected ready while heartbeats flow, got %s", s)
	}

	// Silence past the threshold is a dead connection.
	h.clock.Advance(50 * time.Second)
	if d := h.nextDelay(t); d != time.Second {
		t.Errorf("expected base delay, got %v", d)
	}
}

func TestVisibilityReconciliation(t *testing.T) {
	h := newHarness(t)
	h.session.Start()
	conn := h.ready(t)

	// Short absence, or a long one with fresh traffic, keeps the connection.
	h.session.NotifyVisible(10 * time.Second)
	h.session.NotifyVisible(5 * time.Minute)
	// Events are handled in order, so a completed send means both were processed.
	if err := h.session.Send(context.Background(), model.EventLeaveConversation, model.PeerPayload{PeerID: "bob"}); err != nil {
		t.Fatalf("expected session to stay ready, got %v", err)
	}
	conn.expect(t, model.EventLeaveConversation)
	if n := h.transport.dialCount(); n != 1 {
		t.Fatalf("expected no redial, got %d dials", n)
	}

	h.clock.Advance(35 * time.Second)
	waitUntil(t, "monitor rearmed", func() bool { return h.clock.active() == 1 })
	h.session.NotifyVisible(35 * time.Second)
	h.ready(t)
	if n := h.transport.dialCount(); n != 2 {
		t.Errorf("expected one redial, got %d dials", n)
	}
}

func TestOnlineSkipsBackoff(t *testing.T) {
	h := newHarness(t)
	h.session.Start()
	conn := h.ready(t)

	conn.Close()
	h.nextDelay(t)
	h.session.NotifyOnline()
	h.ready(t)
}

func TestCloseCancelsTimers(t *testing.T) {
	h := newHarness(t)
	h.session.Start()
	conn := h.ready(t)

	conn.Close()
	h.nextDelay(t)
	dials := h.transport.dialCount()

	h.session.Close()
	if s := h.session.State(); s != Closed {
		t.Fatalf("expected closed, got %s", s)
	}
	if n := h.clock.active(); n != 0 {
		t.Errorf("expected no pending timers after close, got %d", n)
	}
	h.clock.Advance(time.Hour)
	time.Sleep(20 * time.Millisecond)
	if n := h.transport.dialCount(); n != dials {
		t.Errorf("expected no dial after close, got %d (was %d)", n, dials)
	}
	if err := h.session.Send(context.Background(), model.EventSendMessage, nil); !errors.Is(err, ErrClosed) {
		t.Errorf("expected ErrClosed, got %v", err)
	}
}
