package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// ConversationType is the medium requested when searching.
type ConversationType string

const (
	TypeChat  ConversationType = "chat"
	TypeVoice ConversationType = "voice"
)

// Valid reports whether t is a known session type.
func (t ConversationType) Valid() bool {
	return t == TypeChat || t == TypeVoice
}

// CountdownWindow is the decision period after a conversation starts.
const CountdownWindow = 300 * time.Second

// End reasons carried by conversation_ended events.
const (
	ReasonCountdownExpired = "countdown_expired"
	ReasonEndedByUser      = "ended_by_user"
	ReasonAdmin            = "admin"
)

// Conversation is a pairing between two users. It becomes terminal
// (IsActive=false) exactly once and is never reactivated.
type Conversation struct {
	ID             string           `gorm:"primaryKey" json:"id"`
	User1ID        string           `gorm:"type:text;not null;index" json:"user1_id"`
	User2ID        string           `gorm:"type:text;not null;index" json:"user2_id"`
	Type           ConversationType `gorm:"type:text;not null;default:chat" json:"conversation_type"`
	User1Keep      bool             `json:"user1_keep"`
	User2Keep      bool             `json:"user2_keep"`
	IsActive       bool             `gorm:"index" json:"is_active"`
	CountdownStart time.Time        `gorm:"not null" json:"countdown_start"`
	LastActivity   time.Time        `json:"last_activity"`
	CreatedAt      time.Time        `json:"created_at"`
	EndedAt        *time.Time       `json:"ended_at,omitempty"`
	EndReason      string           `json:"end_reason,omitempty"`
}

func (c *Conversation) BeforeCreate(tx *gorm.DB) (err error) {
	if c.ID == "" {
		c.ID = uuid.New().String()
	}
	return
}

// NewConversation opens a conversation between a and b with the countdown
// starting at now.
func NewConversation(a, b string, t ConversationType, now time.Time) *Conversation {
	return &Conversation{
		ID:             uuid.New().String(),
		User1ID:        a,
		User2ID:        b,
		Type:           t,
		IsActive:       true,
		CountdownStart: now,
		LastActivity:   now,
		CreatedAt:      now,
	}
}

// HasParticipant reports whether userID is one of the two users.
func (c *Conversation) HasParticipant(userID string) bool {
	return userID != "" && (userID == c.User1ID || userID == c.User2ID)
}

// Partner returns the other participant, or "" if userID is not in c.
func (c *Conversation) Partner(userID string) string {
	switch userID {
	case c.User1ID:
		return c.User2ID
	case c.User2ID:
		return c.User1ID
	}
	return ""
}

// Participants returns both user ids.
func (c *Conversation) Participants() []string {
	return []string{c.User1ID, c.User2ID}
}

// SetKeep sets the keep flag of whichever participant userID is. Unknown
// ids are ignored.
func (c *Conversation) SetKeep(userID string, keep bool) {
	switch userID {
	case c.User1ID:
		c.User1Keep = keep
	case c.User2ID:
		c.User2Keep = keep
	}
}

// Keep returns userID's keep flag.
func (c *Conversation) Keep(userID string) bool {
	switch userID {
	case c.User1ID:
		return c.User1Keep
	case c.User2ID:
		return c.User2Keep
	}
	return false
}

func (c *Conversation) BothKept() bool {
	return c.User1Keep && c.User2Keep
}

// TimeLeft is derived from CountdownStart; keeping does not stop it.
func (c *Conversation) TimeLeft(now time.Time) time.Duration {
	left := CountdownWindow - now.Sub(c.CountdownStart)
	if left < 0 {
		return 0
	}
	return left
}

func (c *Conversation) Expired(now time.Time) bool {
	return c.TimeLeft(now) == 0
}

// Countdown is the polling view of a conversation's deadline.
func (c *Conversation) Countdown(now time.Time) CountdownStatus {
	left := c.TimeLeft(now)
	return CountdownStatus{
		TimeLeft:  int(left / time.Second),
		Expired:   left == 0,
		BothKept:  c.BothKept(),
		StartTime: c.CountdownStart,
	}
}

// CountdownStatus is exposed to clients polling the deadline.
type CountdownStatus struct {
	TimeLeft  int       `json:"time_left"`
	Expired   bool      `json:"expired"`
	BothKept  bool      `json:"both_kept"`
	StartTime time.Time `json:"start_time"`
}
