package client

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/mahaj/dupahar-dm/pkg/model"
)

// ErrJoinExhausted is surfaced to the user when a join never found the session ready.
var ErrJoinExhausted = errors.New("could not join conversation, connection unavailable")

// Sender is the part of a Session the room state needs.
type Sender interface {
	Send(ctx context.Context, name model.EventName, data any) error
}

type RoomOptions struct {
	// JoinAttempts bounds how often Join tries before giving up.
	JoinAttempts int
	Backoff      Backoff
	// Sleep waits between join attempts; replaced in tests.
	Sleep  func(ctx context.Context, d time.Duration) error
	Logger zerolog.Logger
}

// Rooms holds the open conversation of one client and its de-duplicated
// message list.
type Rooms struct {
	sender   Sender
	attempts int
	backoff  Backoff
	sleep    func(ctx context.Context, d time.Duration) error
	logger   zerolog.Logger

	mu       sync.Mutex
	peer     string // last requested peer, re-joined after reconnect
	current  string // conversation id confirmed by the gateway
	messages []model.ReceivePayload
	seen     map[int64]struct{}
}

func NewRooms(sender Sender, opts RoomOptions) *Rooms {
	if opts.JoinAttempts <= 0 {
		opts.JoinAttempts = 5
	}
	if opts.Sleep == nil {
		opts.Sleep = sleep
	}
	return &Rooms{
		sender:   sender,
		attempts: opts.JoinAttempts,
		backoff:  opts.Backoff.orDefault(),
		sleep:    opts.Sleep,
		logger:   opts.Logger.With().Str("component", "rooms").Logger(),
		seen:     make(map[int64]struct{}),
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Join asks the gateway to open the conversation with peerID. While the
// session is not ready it retries with backoff, then fails with ErrJoinExhausted.
// The switch itself happens when joinedConversation arrives.
func (r *Rooms) Join(ctx context.Context, peerID string) error {
	r.mu.Lock()
	r.peer = peerID
	r.mu.Unlock()

	for attempt := 0; attempt < r.attempts; attempt++ {
		err := r.sender.Send(ctx, model.EventJoinConversation, model.PeerPayload{PeerID: peerID})
		if err == nil {
			return nil
		}
		if !errors.Is(err, ErrNotReady) {
			return fmt.Errorf("join %s: %w", peerID, err)
		}
		if attempt == r.attempts-1 {
			break
		}
		if err := r.sleep(ctx, r.backoff.Delay(attempt)); err != nil {
			return err
		}
	}
	r.logger.Warn().Str("peer_id", peerID).Int("attempts", r.attempts).Msg("join gave up")
	return fmt.Errorf("join %s: %w", peerID, ErrJoinExhausted)
}

// Leave closes the open conversation.
func (r *Rooms) Leave(ctx context.Context) error {
	r.mu.Lock()
	peer := r.peer
	r.peer, r.current = "", ""
	r.reset()
	r.mu.Unlock()

	if peer == "" {
		return nil
	}
	return r.sender.Send(ctx, model.EventLeaveConversation, model.PeerPayload{PeerID: peer})
}

// Rejoin re-opens the last requested conversation. It is meant to run after a
// reconnect reaches Ready, since the gateway forgets rooms with the transport.
func (r *Rooms) Rejoin(ctx context.Context) error {
	r.mu.Lock()
	peer := r.peer
	r.mu.Unlock()
	if peer == "" {
		return nil
	}
	return r.Join(ctx, peer)
}

// HandleEvent applies room-related inbound events and reports whether ev was one.
func (r *Rooms) HandleEvent(ev model.Envelope) bool {
	switch ev.Event {
	case model.EventJoinedConversation:
		var p model.JoinedPayload
		if err := ev.Decode(&p); err != nil {
			return true
		}
		r.switchTo(p.ConversationID)
		return true
	case model.EventReceiveMessage:
		var p model.ReceivePayload
		if err := ev.Decode(&p); err != nil {
			return true
		}
		r.Accept(p)
		return true
	}
	return false
}

func (r *Rooms) switchTo(conversationID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if conversationID == r.current {
		return
	}
	r.current = conversationID
	r.reset()
}

func (r *Rooms) reset() {
	r.messages = nil
	r.seen = make(map[int64]struct{})
}

// Accept appends msg if it belongs to the open conversation and was not seen
// before. Redelivery after a reconnect is therefore harmless.
func (r *Rooms) Accept(msg model.ReceivePayload) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.current == "" || msg.ConversationID != r.current {
		return false
	}
	if _, dup := r.seen[msg.ID]; dup {
		return false
	}
	r.seen[msg.ID] = struct{}{}
	r.messages = append(r.messages, msg)
	return true
}

// Messages returns a copy of the open conversation's messages in arrival order.
func (r *Rooms) Messages() []model.ReceivePayload {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]model.ReceivePayload(nil), r.messages...)
}

// Current returns the open conversation id, or "" when none is open.
func (r *Rooms) Current() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.current
}
