package models

import (
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq" // Необхідний для pq.StringArray
	"gorm.io/gorm"
)

// PairingState is a user's coarse lifecycle stage in the matching flow.
type PairingState string

const (
	StateIdle      PairingState = "idle"
	StateSearching PairingState = "searching"
	StatePaired    PairingState = "paired"
)

// PreferenceAny matches every gender.
const PreferenceAny = "any"

// MaxInterests is the number of interest tags a profile may carry.
const MaxInterests = 5

var ErrTooManyInterests = errors.New("too many interests")

// User is an anonymous participant. The profile fields are owned by the
// profile subsystem; the matcher only reads them and moves PairingState.
type User struct {
	ID           string         `gorm:"primaryKey" json:"id"` // Анонімний UUID
	Nickname     string         `json:"nickname"`
	Gender       string         `json:"gender"`
	Preference   string         `json:"preference"`
	Goal         string         `json:"goal"`
	Interests    pq.StringArray `gorm:"type:text[]" json:"interests"`
	PairingState PairingState   `gorm:"type:text;not null;default:idle;index" json:"state"`
	CreatedAt    time.Time      `json:"created_at"`
	UpdatedAt    time.Time      `json:"updated_at"`
}

// BeforeCreate assigns a UUID and the idle state to new users.
func (u *User) BeforeCreate(tx *gorm.DB) (err error) {
	if u.ID == "" {
		u.ID = uuid.New().String()
	}
	if u.PairingState == "" {
		u.PairingState = StateIdle
	}
	return
}

// Validate checks the profile constraints the matcher relies on.
func (u *User) Validate() error {
	if len(u.Interests) > MaxInterests {
		return ErrTooManyInterests
	}
	return nil
}
