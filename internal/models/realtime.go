package models

import (
	"encoding/json"
	"time"
)

// Inbound frame types.
const (
	InChatMessage     = "chat_message"
	InTyping          = "typing"
	InKeep            = "keep"
	InEndConversation = "end_conversation"
)

// Outbound frame types.
const (
	OutMatchFound        = "match_found"
	OutChatMessage       = "chat_message"
	OutTypingStatus      = "typing_status"
	OutKeepStatus        = "keep_status"
	OutConversationEnded = "conversation_ended"
	OutMessageFailed     = "message_failed"
	OutError             = "error"
)

// Envelope is the {type, data} frame used in both directions.
type Envelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// NewEnvelope marshals data into an outbound frame.
func NewEnvelope(typ string, data any) (Envelope, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return Envelope{}, err
	}
	return Envelope{Type: typ, Data: raw}, nil
}

// MustEnvelope is NewEnvelope for payload types that always marshal.
func MustEnvelope(typ string, data any) Envelope {
	env, err := NewEnvelope(typ, data)
	if err != nil {
		panic(err)
	}
	return env
}

// Inbound payloads.

type ChatMessageIn struct {
	ConversationID string      `json:"conversation_id"`
	Content        string      `json:"content"`
	MessageType    MessageType `json:"message_type"`
}

type TypingIn struct {
	ConversationID string `json:"conversation_id"`
	IsTyping       bool   `json:"is_typing"`
}

type KeepIn struct {
	ConversationID string `json:"conversation_id"`
	KeepStatus     bool   `json:"keep_status"`
}

type EndConversationIn struct {
	ConversationID string `json:"conversation_id"`
}

// Outbound payloads.

type MatchedUser struct {
	ID       string `json:"id"`
	Nickname string `json:"nickname"`
}

type MatchFound struct {
	ConversationID   string           `json:"conversation_id"`
	ConversationType ConversationType `json:"conversation_type"`
	ChatURL          string           `json:"chat_url"`
	MatchedUser      MatchedUser      `json:"matched_user"`
}

type ChatMessageOut struct {
	ID             string      `json:"id"`
	ConversationID string      `json:"conversation_id"`
	SenderID       string      `json:"sender_id"`
	Content        string      `json:"content"`
	MessageType    MessageType `json:"message_type"`
	CreatedAt      time.Time   `json:"created_at"`
}

// ChatMessageOutFrom converts a persisted message to its wire payload.
func ChatMessageOutFrom(m *Message) ChatMessageOut {
	return ChatMessageOut{
		ID:             m.ID,
		ConversationID: m.ConversationID,
		SenderID:       m.SenderID,
		Content:        m.Content,
		MessageType:    m.Type,
		CreatedAt:      m.CreatedAt,
	}
}

type TypingStatus struct {
	ConversationID string `json:"conversation_id"`
	UserID         string `json:"user_id"`
	IsTyping       bool   `json:"is_typing"`
}

type KeepStatus struct {
	ConversationID string `json:"conversation_id"`
	UserID         string `json:"user_id"`
	KeepStatus     bool   `json:"keep_status"`
	BothKept       bool   `json:"both_kept"`
}

type ConversationEnded struct {
	ConversationID    string `json:"conversation_id"`
	EndedBy           string `json:"ended_by,omitempty"`
	Reason            string `json:"reason"`
	RedirectToWaiting bool   `json:"redirect_to_waiting"`
}

type MessageFailed struct {
	ConversationID string `json:"conversation_id"`
	Content        string `json:"content"`
	Error          string `json:"error"`
}

type ErrorOut struct {
	Error string `json:"error"`
}
