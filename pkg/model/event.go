package model

import (
	"encoding/json"
	"time"
)

// EventName identifies a websocket event in either direction.
type EventName string

// Client to server.
const (
	EventRegister          EventName = "register"
	EventJoinConversation  EventName = "joinConversation"
	EventSendMessage       EventName = "sendMessage"
	EventLeaveConversation EventName = "leaveConversation"
)

// Server to client.
const (
	EventReady                   EventName = "ready"
	EventJoinedConversation      EventName = "joinedConversation"
	EventReceiveMessage          EventName = "receiveMessage"
	EventError                   EventName = "error"
	EventHeartbeatPing           EventName = "heartbeat-ping"
	EventRevalidateConversations EventName = "revalidateConversations"
)

// Envelope is the JSON frame exchanged over the websocket.
type Envelope struct {
	Event EventName       `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

type RegisterPayload struct {
	UserID string `json:"userId"`
}

type PeerPayload struct {
	PeerID string `json:"peerId"`
}

type SendMessagePayload struct {
	To   string `json:"to"`
	Text string `json:"text"`
}

type JoinedPayload struct {
	ConversationID string `json:"conversationId"`
}

type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type RevalidatePayload struct {
	With string `json:"with"`
}

// ReceivePayload is the broadcast form of a Message.
type ReceivePayload struct {
	ID             int64     `json:"id,string"`
	Text           string    `json:"text"`
	Sender         string    `json:"sender"`
	Recipient      string    `json:"recipient"`
	ConversationID string    `json:"conversationId"`
	CreatedAt      time.Time `json:"createdAt"`
}

// ToReceive converts a persisted message into its wire payload.
func (m Message) ToReceive() ReceivePayload {
	return ReceivePayload{
		ID:             m.ID,
		Text:           m.Text,
		Sender:         m.Sender,
		Recipient:      m.Recipient,
		ConversationID: m.ConversationID,
		CreatedAt:      m.CreatedAt,
	}
}

// NewEnvelope marshals data into an envelope. A nil payload yields an empty object.
func NewEnvelope(event EventName, data any) (Envelope, error) {
	if data == nil {
		return Envelope{Event: event, Data: json.RawMessage(`{}`)}, nil
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return Envelope{}, err
	}
	return Envelope{Event: event, Data: raw}, nil
}

// Encode marshals an event straight to frame bytes.
func Encode(event EventName, data any) ([]byte, error) {
	env, err := NewEnvelope(event, data)
	if err != nil {
		return nil, err
	}
	return json.Marshal(env)
}

// Decode unmarshals the envelope payload into v.
func (e Envelope) Decode(v any) error {
	if len(e.Data) == 0 {
		return json.Unmarshal([]byte(`{}`), v)
	}
	return json.Unmarshal(e.Data, v)
}
