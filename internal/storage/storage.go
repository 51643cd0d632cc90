// Package storage persists users, conversations and messages. Service is
// the gorm/postgres implementation (with an optional Redis mirror of the
// search queue); MemoryStore keeps everything in process.
package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"mapmo/backend/internal/models"

	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"
)

var (
	// ErrNotFound is returned when a referenced user or conversation is absent.
	ErrNotFound = errors.New("not found")
	// ErrConflict is returned when a commit-time precondition no longer
	// holds, e.g. a pairing race was lost.
	ErrConflict = errors.New("conflict")
	// ErrInactive is returned when a write targets a conversation that has
	// already ended.
	ErrInactive = errors.New("conversation is not active")
)

// Storage is the persistence contract consumed by the matcher and the hub.
// Every method that changes more than one row commits atomically.
type Storage interface {
	GetUser(ctx context.Context, id string) (*models.User, error)
	SaveUser(ctx context.Context, user *models.User) error
	FindUsersByPairingState(ctx context.Context, state models.PairingState) ([]models.User, error)
	UpdatePairingState(ctx context.Context, id string, state models.PairingState) error
	// TransitionPairingState moves id from one state to another and fails
	// with ErrConflict if the user is not in from.
	TransitionPairingState(ctx context.Context, id string, from, to models.PairingState) error
	CountUsersByPairingState(ctx context.Context, state models.PairingState) (int64, error)
	// ReleaseStalePairing moves a paired user with no active conversation
	// back to idle in one conditional write. released is false when the
	// user is not paired or still has an active conversation.
	ReleaseStalePairing(ctx context.Context, id string) (released bool, err error)

	// CreateConversation re-checks that both users are searching and that
	// the pair has no active conversation, then inserts conv and marks both
	// users paired. Fails with ErrConflict if a precondition does not hold.
	CreateConversation(ctx context.Context, conv *models.Conversation) error
	GetConversation(ctx context.Context, id string) (*models.Conversation, error)
	GetActiveConversationForUser(ctx context.Context, userID string) (*models.Conversation, error)
	GetActiveConversationBetween(ctx context.Context, a, b string) (*models.Conversation, error)
	// ListExpiryCandidates returns active conversations that are not
	// mutually kept.
	ListExpiryCandidates(ctx context.Context) ([]models.Conversation, error)
	// SetKeep fails with ErrInactive once the conversation has ended.
	SetKeep(ctx context.Context, conversationID, userID string, keep bool) (*models.Conversation, error)
	// EndConversation marks the conversation terminal and returns both
	// participants to idle. ended is false when it was already terminal.
	EndConversation(ctx context.Context, conversationID, reason string) (conv *models.Conversation, ended bool, err error)

	// SaveMessages inserts msgs in order and bumps LastActivity in one
	// transaction. It fails with ErrInactive once the conversation has ended.
	SaveMessages(ctx context.Context, conversationID string, msgs []*models.Message) error
	GetMessages(ctx context.Context, conversationID string) ([]models.Message, error)
}

// Service is the gorm-backed Storage.
type Service struct {
	DB    *gorm.DB
	Redis *redis.Client
	Log   *slog.Logger
}

// NewStorageService Constructor. rdb may be nil.
func NewStorageService(db *gorm.DB, rdb *redis.Client) *Service {
	return &Service{
		DB:    db,
		Redis: rdb,
		Log:   slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
}

// Migrate creates the tables and the partial unique index that keeps at
// most one active conversation per unordered pair.
func (s *Service) Migrate(ctx context.Context) error {
	db := s.DB.WithContext(ctx)
	if err := db.AutoMigrate(&models.User{}, &models.Conversation{}, &models.Message{}); err != nil {
		return fmt.Errorf("automigrate: %w", err)
	}
	err := db.Exec(`CREATE UNIQUE INDEX IF NOT EXISTS idx_conversations_active_pair
		ON conversations (LEAST(user1_id, user2_id), GREATEST(user1_id, user2_id))
		WHERE is_active`).Error
	if err != nil {
		return fmt.Errorf("create active pair index: %w", err)
	}
	return nil
}

var _ Storage = (*Service)(nil)
var _ Storage = (*MemoryStore)(nil)
