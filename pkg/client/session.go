// Package client implements the resilient client side of the gateway protocol:
// a connection state machine with backoff, liveness monitoring and
// reconciliation, and the per-conversation room state built on top of it.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/mahaj/dupahar-dm/pkg/model"
)

var (
	ErrNotReady         = errors.New("session not ready")
	ErrClosed           = errors.New("session closed")
	ErrHandshakeTimeout = errors.New("handshake timed out")
)

type State int32

const (
	Idle State = iota
	Connecting
	Connected // transport open, registration pending
	Ready
	Disconnected
	Reconnecting
	Closed
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Ready:
		return "ready"
	case Disconnected:
		return "disconnected"
	case Reconnecting:
		return "reconnecting"
	case Closed:
		return "closed"
	}
	return fmt.Sprintf("state(%d)", int32(s))
}

type Options struct {
	UserID           string
	Backoff          Backoff
	HandshakeTimeout time.Duration
	// HeartbeatCheck is how often liveness is checked while Ready.
	HeartbeatCheck time.Duration
	// StaleAfter is how long a Ready session may go without inbound traffic.
	StaleAfter time.Duration
	// HiddenThreshold is how long the app may be hidden before its
	// connection is distrusted.
	HiddenThreshold time.Duration
	Clock           Clock
	Logger          zerolog.Logger
}

func (o Options) withDefaults() Options {
	o.Backoff = o.Backoff.orDefault()
	if o.HandshakeTimeout <= 0 {
		o.HandshakeTimeout = 10 * time.Second
	}
	if o.HeartbeatCheck <= 0 {
		o.HeartbeatCheck = 5 * time.Second
	}
	if o.StaleAfter <= 0 {
		o.StaleAfter = 45 * time.Second
	}
	if o.HiddenThreshold <= 0 {
		o.HiddenThreshold = 30 * time.Second
	}
	if o.Clock == nil {
		o.Clock = realClock{}
	}
	return o
}

// Handler receives session callbacks. Callbacks run on the session loop and
// must not block on Session.Send.
type Handler struct {
	OnState     func(State)
	OnReady     func()
	OnReconnect func(attempt int, delay time.Duration)
	// OnEvent receives every inbound event except ready and heartbeat-ping.
	OnEvent func(model.Envelope)
}

type eventKind int

const (
	evStart eventKind = iota
	evDialed
	evFrame
	evClosed
	evTimer
	evVisible
	evOnline
	evSend
	evStop
)

type timerKind int

const (
	timerHandshake timerKind = iota
	timerRetry
	timerMonitor
)

type event struct {
	kind      eventKind
	conn      Conn
	frame     []byte
	err       error
	gen       uint64
	timer     timerKind
	hiddenFor time.Duration
	reply     chan error
}

// timerSlot holds at most one pending timer. gen is zero when nothing is armed,
// so an event from a stopped timer never matches.
type timerSlot struct {
	t   Timer
	gen uint64
}

// Session owns one logical connection to the gateway. All state is confined
// to a single loop goroutine; every input arrives as an event on one channel.
type Session struct {
	transport Transport
	opts      Options
	handler   Handler
	logger    zerolog.Logger

	events chan event
	done   chan struct{}

	// loop-owned
	state      State
	conn       Conn
	cancelDial context.CancelFunc
	dialGen    uint64
	timerGen   uint64
	attempt    int
	phase      timerSlot // handshake or retry
	monitor    timerSlot

	// readable from any goroutine
	stateVal   atomic.Int32
	attemptVal atomic.Int32
	lastSeen   atomic.Int64
}

// NewSession creates an idle session. Its loop runs until Close.
func NewSession(t Transport, opts Options, h Handler) *Session {
	opts = opts.withDefaults()
	s := &Session{
		transport: t,
		opts:      opts,
		handler:   h,
		logger:    opts.Logger.With().Str("component", "session").Logger(),
		events:    make(chan event, 64),
		done:      make(chan struct{}),
	}
	go s.run()
	return s
}

// Start begins connecting. Calling it more than once has no effect.
func (s *Session) Start() {
	s.post(event{kind: evStart})
}

// Close tears the session down. No timer fires and no callback runs after
// Close returns.
func (s *Session) Close() error {
	reply := make(chan error, 1)
	if s.post(event{kind: evStop, reply: reply}) {
		<-s.done
	}
	return nil
}

// Send writes an event to the gateway. It fails with ErrNotReady unless the
// session is Ready.
func (s *Session) Send(ctx context.Context, name model.EventName, data any) error {
	frame, err := model.Encode(name, data)
	if err != nil {
		return err
	}
	reply := make(chan error, 1)
	if !s.post(event{kind: evSend, frame: frame, reply: reply}) {
		return ErrClosed
	}
	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-s.done:
		return ErrClosed
	}
}

// NotifyVisible reports the app became visible after being hidden for hiddenFor.
func (s *Session) NotifyVisible(hiddenFor time.Duration) {
	s.post(event{kind: evVisible, hiddenFor: hiddenFor})
}

// NotifyOnline reports the network came back.
func (s *Session) NotifyOnline() {
	s.post(event{kind: evOnline})
}

func (s *Session) State() State {
	return State(s.stateVal.Load())
}

// Attempt is the number of consecutive failed connection attempts.
func (s *Session) Attempt() int {
	return int(s.attemptVal.Load())
}

// LastSeen is when the last inbound frame arrived.
func (s *Session) LastSeen() time.Time {
	return time.Unix(0, s.lastSeen.Load())
}

func (s *Session) post(ev event) bool {
	select {
	case s.events <- ev:
		return true
	case <-s.done:
		return false
	}
}

func (s *Session) run() {
	defer close(s.done)
	for ev := range s.events {
		if s.handle(ev) {
			return
		}
	}
}

// handle processes one event to completion and reports whether the loop should exit.
func (s *Session) handle(ev event) bool {
	switch ev.kind {
	case evStart:
		if s.state == Idle {
			s.connect()
		}
	case evDialed:
		s.onDialed(ev)
	case evFrame:
		if ev.conn == s.conn {
			s.onFrame(ev.frame)
		}
	case evClosed:
		if ev.conn == s.conn && s.conn != nil {
			s.fail(fmt.Errorf("transport closed: %w", ev.err))
		}
	case evTimer:
		s.onTimer(ev)
	case evVisible:
		if ev.hiddenFor > s.opts.HiddenThreshold {
			s.reconcile("visible")
		}
	case evOnline:
		s.reconcile("online")
	case evSend:
		if s.state != Ready {
			ev.reply <- ErrNotReady
			return false
		}
		if err := s.conn.WriteFrame(ev.frame); err != nil {
			ev.reply <- err
			s.fail(fmt.Errorf("write: %w", err))
			return false
		}
		ev.reply <- nil
	case evStop:
		s.dropConn()
		s.setState(Closed)
		ev.reply <- nil
		return true
	}
	return false
}

func (s *Session) connect() {
	s.dialGen++
	gen := s.dialGen
	ctx, cancel := context.WithCancel(context.Background())
	s.cancelDial = cancel

	s.setState(Connecting)
	s.arm(&s.phase, timerHandshake, s.opts.HandshakeTimeout)

	go func() {
		conn, err := s.transport.Dial(ctx)
		if !s.post(event{kind: evDialed, conn: conn, err: err, gen: gen}) && conn != nil {
			conn.Close()
		}
	}()
}

func (s *Session) onDialed(ev event) {
	if ev.gen != s.dialGen || s.state != Connecting {
		if ev.conn != nil {
			ev.conn.Close()
		}
		return
	}
	if ev.err != nil {
		s.fail(fmt.Errorf("dial: %w", ev.err))
		return
	}

	s.conn = ev.conn
	s.setState(Connected)
	go s.readLoop(ev.conn)

	frame, err := model.Encode(model.EventRegister, model.RegisterPayload{UserID: s.opts.UserID})
	if err == nil {
		err = s.conn.WriteFrame(frame)
	}
	if err != nil {
		s.fail(fmt.Errorf("register: %w", err))
	}
}

func (s *Session) readLoop(conn Conn) {
	for {
		frame, err := conn.ReadFrame()
		if err != nil {
			s.post(event{kind: evClosed, conn: conn, err: err})
			return
		}
		if !s.post(event{kind: evFrame, conn: conn, frame: frame}) {
			return
		}
	}
}

func (s *Session) onFrame(frame []byte) {
	var env model.Envelope
	if err := json.Unmarshal(frame, &env); err != nil {
		s.logger.Warn().Err(err).Msg("malformed frame")
		return
	}
	s.lastSeen.Store(s.opts.Clock.Now().UnixNano())

	switch env.Event {
	case model.EventReady:
		if s.state != Connected {
			return
		}
		s.disarm(&s.phase)
		s.attempt = 0
		s.attemptVal.Store(0)
		s.setState(Ready)
		s.arm(&s.monitor, timerMonitor, s.opts.HeartbeatCheck)
		if s.handler.OnReady != nil {
			s.handler.OnReady()
		}
		return
	case model.EventHeartbeatPing:
		return
	case model.EventError:
		if s.state == Connected {
			var p model.ErrorPayload
			env.Decode(&p)
			s.fail(fmt.Errorf("registration rejected: %s", p.Message))
			return
		}
	}
	if s.handler.OnEvent != nil {
		s.handler.OnEvent(env)
	}
}

func (s *Session) onTimer(ev event) {
	slot := &s.phase
	if ev.timer == timerMonitor {
		slot = &s.monitor
	}
	if ev.gen == 0 || ev.gen != slot.gen {
		return
	}
	slot.t, slot.gen = nil, 0

	switch ev.timer {
	case timerHandshake:
		if s.state == Connecting || s.state == Connected {
			s.fail(ErrHandshakeTimeout)
		}
	case timerRetry:
		if s.state == Reconnecting {
			s.connect()
		}
	case timerMonitor:
		if s.state != Ready {
			return
		}
		if since := s.opts.Clock.Now().Sub(s.LastSeen()); since > s.opts.StaleAfter {
			s.fail(fmt.Errorf("no traffic for %s", since))
			return
		}
		s.arm(&s.monitor, timerMonitor, s.opts.HeartbeatCheck)
	}
}

// reconcile reacts to an external hint that the connection may be dead. A
// Ready session is only distrusted when it has been silent for longer than
// the hidden threshold; a waiting session reconnects without waiting out its
// backoff.
func (s *Session) reconcile(reason string) {
	switch s.state {
	case Ready:
		since := s.opts.Clock.Now().Sub(s.LastSeen())
		if since <= s.opts.HiddenThreshold {
			return
		}
		s.logger.Info().Str("reason", reason).Dur("silent_for", since).Msg("reconnecting stale session")
		s.dropConn()
		s.setState(Disconnected)
		s.connect()
	case Disconnected, Reconnecting:
		s.logger.Info().Str("reason", reason).Msg("reconnecting early")
		s.disarm(&s.phase)
		s.connect()
	}
}

// fail drops the connection and schedules the next attempt.
func (s *Session) fail(err error) {
	s.logger.Warn().Err(err).Str("state", s.state.String()).Int("attempt", s.attempt).Msg("connection failed")
	s.dropConn()
	s.setState(Disconnected)

	delay := s.opts.Backoff.Delay(s.attempt)
	s.attempt++
	s.attemptVal.Store(int32(s.attempt))
	s.setState(Reconnecting)
	s.arm(&s.phase, timerRetry, delay)
	if s.handler.OnReconnect != nil {
		s.handler.OnReconnect(s.attempt, delay)
	}
}

// dropConn releases the transport and every timer.
func (s *Session) dropConn() {
	if s.cancelDial != nil {
		s.cancelDial()
		s.cancelDial = nil
	}
	if s.conn != nil {
		s.conn.Close()
		s.conn = nil
	}
	s.disarm(&s.phase)
	s.disarm(&s.monitor)
}

func (s *Session) arm(slot *timerSlot, kind timerKind, d time.Duration) {
	s.disarm(slot)
	s.timerGen++
	gen := s.timerGen
	slot.gen = gen
	slot.t = s.opts.Clock.AfterFunc(d, func() {
		s.post(event{kind: evTimer, timer: kind, gen: gen})
	})
}

func (s *Session) disarm(slot *timerSlot) {
	if slot.t != nil {
		slot.t.Stop()
	}
	slot.t, slot.gen = nil, 0
}

func (s *Session) setState(st State) {
	if s.state == st {
		return
	}
	s.state = st
	s.stateVal.Store(int32(st))
	s.logger.Debug().Str("state", st.String()).Msg("state changed")
	if s.handler.OnState != nil {
		s.handler.OnState(st)
	}
}
