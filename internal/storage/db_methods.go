package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"mapmo/backend/internal/models"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

func notFound(err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrNotFound
	}
	return err
}

// activePair scopes a conversation query to the active conversation
// between a and b in either order.
func activePair(a, b string) func(*gorm.DB) *gorm.DB {
	return func(db *gorm.DB) *gorm.DB {
		return db.Where("is_active = ?", true).
			Where("(user1_id = ? AND user2_id = ?) OR (user1_id = ? AND user2_id = ?)", a, b, b, a)
	}
}

func (s *Service) GetUser(ctx context.Context, id string) (*models.User, error) {
	var user models.User
	if err := s.DB.WithContext(ctx).Where("id = ?", id).First(&user).Error; err != nil {
		return nil, notFound(err)
	}
	return &user, nil
}

// SaveUser зберігає користувача в PostgreSQL
func (s *Service) SaveUser(ctx context.Context, user *models.User) error {
	if err := s.DB.WithContext(ctx).Save(user).Error; err != nil {
		return err
	}
	s.mirrorState(ctx, user.ID, user.PairingState)
	return nil
}

func (s *Service) FindUsersByPairingState(ctx context.Context, state models.PairingState) ([]models.User, error) {
	var users []models.User
	err := s.DB.WithContext(ctx).Where("pairing_state = ?", state).Order("updated_at asc").Find(&users).Error
	return users, err
}

func (s *Service) UpdatePairingState(ctx context.Context, id string, state models.PairingState) error {
	res := s.DB.WithContext(ctx).Model(&models.User{}).Where("id = ?", id).Update("pairing_state", state)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	s.mirrorState(ctx, id, state)
	return nil
}

func (s *Service) TransitionPairingState(ctx context.Context, id string, from, to models.PairingState) error {
	res := s.DB.WithContext(ctx).Model(&models.User{}).
		Where("id = ? AND pairing_state = ?", id, from).
		Update("pairing_state", to)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		if _, err := s.GetUser(ctx, id); err != nil {
			return err
		}
		return ErrConflict
	}
	s.mirrorState(ctx, id, to)
	return nil
}

// ReleaseStalePairing resets a paired user to idle only while no active
// conversation references them, so a pairing committed concurrently is
// never undone.
func (s *Service) ReleaseStalePairing(ctx context.Context, id string) (bool, error) {
	res := s.DB.WithContext(ctx).Model(&models.User{}).
		Where("id = ? AND pairing_state = ?", id, models.StatePaired).
		Where("NOT EXISTS (?)", s.DB.Model(&models.Conversation{}).Select("1").
			Where("is_active = ? AND (user1_id = users.id OR user2_id = users.id)", true)).
		Update("pairing_state", models.StateIdle)
	if res.Error != nil {
		return false, res.Error
	}
	if res.RowsAffected == 0 {
		if _, err := s.GetUser(ctx, id); err != nil {
			return false, err
		}
		return false, nil
	}
	s.mirrorState(ctx, id, models.StateIdle)
	return true, nil
}

func (s *Service) CountUsersByPairingState(ctx context.Context, state models.PairingState) (int64, error) {
	if state == models.StateSearching && s.Redis != nil {
		if n, err := s.searchQueueSize(ctx); err == nil {
			return n, nil
		}
	}
	var n int64
	err := s.DB.WithContext(ctx).Model(&models.User{}).Where("pairing_state = ?", state).Count(&n).Error
	return n, err
}

// CreateConversation commits the pairing. The conditional update only
// succeeds when both rows are still searching; a concurrent commit on
// either user blocks on the row lock and then affects fewer rows.
func (s *Service) CreateConversation(ctx context.Context, conv *models.Conversation) error {
	if conv.User1ID == conv.User2ID {
		return ErrConflict
	}
	err := s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&models.User{}).
			Where("id IN ? AND pairing_state = ?", []string{conv.User1ID, conv.User2ID}, models.StateSearching).
			Update("pairing_state", models.StatePaired)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected != 2 {
			return ErrConflict
		}

		var existing int64
		if err := tx.Model(&models.Conversation{}).Scopes(activePair(conv.User1ID, conv.User2ID)).Count(&existing).Error; err != nil {
			return err
		}
		if existing > 0 {
			return ErrConflict
		}
		return tx.Create(conv).Error
	})
	if err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return ErrConflict
		}
		return err
	}
	s.mirrorState(ctx, conv.User1ID, models.StatePaired)
	s.mirrorState(ctx, conv.User2ID, models.StatePaired)
	return nil
}

func (s *Service) GetConversation(ctx context.Context, id string) (*models.Conversation, error) {
	var conv models.Conversation
	if err := s.DB.WithContext(ctx).Where("id = ?", id).First(&conv).Error; err != nil {
		return nil, notFound(err)
	}
	return &conv, nil
}

// GetActiveConversationForUser знаходить активну розмову, в якій бере участь даний користувач.
func (s *Service) GetActiveConversationForUser(ctx context.Context, userID string) (*models.Conversation, error) {
	var conv models.Conversation
	err := s.DB.WithContext(ctx).Where("is_active = ?", true).
		Where("user1_id = ? OR user2_id = ?", userID, userID).
		Order("created_at desc").
		First(&conv).Error
	if err != nil {
		return nil, notFound(err)
	}
	return &conv, nil
}

func (s *Service) GetActiveConversationBetween(ctx context.Context, a, b string) (*models.Conversation, error) {
	var conv models.Conversation
	if err := s.DB.WithContext(ctx).Scopes(activePair(a, b)).First(&conv).Error; err != nil {
		return nil, notFound(err)
	}
	return &conv, nil
}

func (s *Service) ListExpiryCandidates(ctx context.Context) ([]models.Conversation, error) {
	var convs []models.Conversation
	err := s.DB.WithContext(ctx).
		Where("is_active = ?", true).
		Where("NOT (user1_keep AND user2_keep)").
		Order("countdown_start asc").
		Find(&convs).Error
	return convs, err
}

// SetKeep re-reads the row under a lock so a concurrent toggle by the
// partner is not overwritten.
func (s *Service) SetKeep(ctx context.Context, conversationID, userID string, keep bool) (*models.Conversation, error) {
	var conv models.Conversation
	err := s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).Where("id = ?", conversationID).First(&conv).Error; err != nil {
			return notFound(err)
		}
		if !conv.HasParticipant(userID) {
			return ErrNotFound
		}
		if !conv.IsActive {
			return ErrInactive
		}
		conv.SetKeep(userID, keep)
		conv.LastActivity = time.Now()
		return tx.Model(&conv).Updates(map[string]interface{}{
			"user1_keep":    conv.User1Keep,
			"user2_keep":    conv.User2Keep,
			"last_activity": conv.LastActivity,
		}).Error
	})
	if err != nil {
		return nil, err
	}
	return &conv, nil
}

// EndConversation закриває розмову, встановлюючи IsActive = false, та повертає обох учасників у idle.
func (s *Service) EndConversation(ctx context.Context, conversationID, reason string) (*models.Conversation, bool, error) {
	var conv models.Conversation
	ended := false
	err := s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).Where("id = ?", conversationID).First(&conv).Error; err != nil {
			return notFound(err)
		}
		if !conv.IsActive {
			return nil
		}
		now := time.Now()
		res := tx.Model(&models.Conversation{}).
			Where("id = ? AND is_active = ?", conversationID, true).
			Updates(map[string]interface{}{"is_active": false, "ended_at": now, "end_reason": reason})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return nil
		}
		if err := tx.Model(&models.User{}).
			Where("id IN ? AND pairing_state = ?", conv.Participants(), models.StatePaired).
			Update("pairing_state", models.StateIdle).Error; err != nil {
			return err
		}
		conv.IsActive = false
		conv.EndedAt = &now
		conv.EndReason = reason
		ended = true
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	if ended {
		s.mirrorState(ctx, conv.User1ID, models.StateIdle)
		s.mirrorState(ctx, conv.User2ID, models.StateIdle)
	}
	return &conv, ended, nil
}

// SaveMessages зберігає пакет повідомлень в PostgreSQL однією транзакцією.
// Розмова має бути активною на момент коміту.
func (s *Service) SaveMessages(ctx context.Context, conversationID string, msgs []*models.Message) error {
	if len(msgs) == 0 {
		return nil
	}
	return s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		// Lock the conversation row so a concurrent end either commits
		// first (and we see it) or waits for the batch.
		var conv models.Conversation
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).Where("id = ?", conversationID).First(&conv).Error; err != nil {
			return notFound(err)
		}
		if !conv.IsActive {
			return ErrInactive
		}
		if err := tx.Create(msgs).Error; err != nil {
			return fmt.Errorf("insert messages: %w", err)
		}
		last := msgs[len(msgs)-1].CreatedAt
		return tx.Model(&conv).Update("last_activity", last).Error
	})
}

// GetMessages отримує історію повідомлень для розмови
func (s *Service) GetMessages(ctx context.Context, conversationID string) ([]models.Message, error) {
	var history []models.Message
	err := s.DB.WithContext(ctx).
		Where("conversation_id = ?", conversationID).
		Order("created_at asc").
		Find(&history).Error
	return history, err
}
