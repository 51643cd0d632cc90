package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// MessageType tags message content.
type MessageType string

const (
	MessageText  MessageType = "text"
	MessageImage MessageType = "image"
	MessageGIF   MessageType = "gif"
)

func (t MessageType) Valid() bool {
	return t == MessageText || t == MessageImage || t == MessageGIF
}

// Message is an append-only chat message, ordered by CreatedAt within its
// conversation.
type Message struct {
	ID             string      `gorm:"primaryKey" json:"id"`
	ConversationID string      `gorm:"type:text;not null;index:idx_conv_created" json:"conversation_id"`
	SenderID       string      `gorm:"type:text;not null" json:"sender_id"`
	Content        string      `gorm:"type:text;not null" json:"content"`
	Type           MessageType `gorm:"type:text;not null;default:text" json:"message_type"`
	CreatedAt      time.Time   `gorm:"index:idx_conv_created" json:"created_at"`
}

func (m *Message) BeforeCreate(tx *gorm.DB) (err error) {
	if m.ID == "" {
		m.ID = uuid.New().String()
	}
	return
}
