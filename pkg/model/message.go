package model

import "time"

// Message is a persisted direct message. Only Deleted ever changes after creation.
type Message struct {
	ID             int64     `json:"id,string" bson:"_id"`
	ConversationID string    `json:"conversationId" bson:"conversationId"`
	Sender         string    `json:"sender" bson:"sender"`
	Recipient      string    `json:"recipient" bson:"recipient"`
	Text           string    `json:"text" bson:"text"`
	CreatedAt      time.Time `json:"createdAt" bson:"createdAt"`
	Deleted        bool      `json:"deleted,omitempty" bson:"deleted"`
}

// User is the minimal identity the messaging core needs for counterparts.
type User struct {
	ID          string `json:"id" bson:"_id"`
	DisplayName string `json:"displayName,omitempty" bson:"displayName"`
}

// ConversationSummary is one entry of a user's recent conversation list.
type ConversationSummary struct {
	ConversationID string    `json:"conversationId"`
	With           User      `json:"with"`
	LastMessageAt  time.Time `json:"lastMessageAt"`
}
