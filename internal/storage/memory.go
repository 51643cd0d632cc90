package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"mapmo/backend/internal/models"

	"github.com/google/uuid"
)

// MemoryStore is a process-local Storage. Each method runs under one
// mutex, which gives the same commit-time atomicity as a transaction.
type MemoryStore struct {
	mu            sync.RWMutex
	users         map[string]*models.User
	conversations map[string]*models.Conversation
	messages      map[string][]models.Message // conversationID -> messages
	now           func() time.Time

	// FailSaveMessages, when set, runs at the start of SaveMessages and a
	// non-nil result is returned as the failure. It may block. Used to
	// exercise persistence failure and drain paths.
	FailSaveMessages func(conversationID string) error
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		users:         make(map[string]*models.User),
		conversations: make(map[string]*models.Conversation),
		messages:      make(map[string][]models.Message),
		now:           time.Now,
	}
}

// SetNow overrides the time source used for timestamps.
func (s *MemoryStore) SetNow(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

func (s *MemoryStore) GetUser(_ context.Context, id string) (*models.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.users[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *u
	return &cp, nil
}

func (s *MemoryStore) SaveUser(_ context.Context, user *models.User) error {
	if err := user.BeforeCreate(nil); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	if user.CreatedAt.IsZero() {
		user.CreatedAt = now
	}
	user.UpdatedAt = now
	cp := *user
	s.users[user.ID] = &cp
	return nil
}

func (s *MemoryStore) FindUsersByPairingState(_ context.Context, state models.PairingState) ([]models.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.User
	for _, u := range s.users {
		if u.PairingState == state {
			out = append(out, *u)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].UpdatedAt.Equal(out[j].UpdatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].UpdatedAt.Before(out[j].UpdatedAt)
	})
	return out, nil
}

func (s *MemoryStore) UpdatePairingState(_ context.Context, id string, state models.PairingState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[id]
	if !ok {
		return ErrNotFound
	}
	u.PairingState = state
	u.UpdatedAt = s.now()
	return nil
}

func (s *MemoryStore) TransitionPairingState(_ context.Context, id string, from, to models.PairingState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[id]
	if !ok {
		return ErrNotFound
	}
	if u.PairingState != from {
		return ErrConflict
	}
	u.PairingState = to
	u.UpdatedAt = s.now()
	return nil
}

func (s *MemoryStore) ReleaseStalePairing(_ context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[id]
	if !ok {
		return false, ErrNotFound
	}
	if u.PairingState != models.StatePaired {
		return false, nil
	}
	for _, c := range s.conversations {
		if c.IsActive && c.HasParticipant(id) {
			return false, nil
		}
	}
	u.PairingState = models.StateIdle
	u.UpdatedAt = s.now()
	return true, nil
}

func (s *MemoryStore) CountUsersByPairingState(_ context.Context, state models.PairingState) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var n int64
	for _, u := range s.users {
		if u.PairingState == state {
			n++
		}
	}
	return n, nil
}

func (s *MemoryStore) activeBetweenLocked(a, b string) *models.Conversation {
	for _, c := range s.conversations {
		if c.IsActive && c.HasParticipant(a) && c.HasParticipant(b) {
			return c
		}
	}
	return nil
}

func (s *MemoryStore) CreateConversation(_ context.Context, conv *models.Conversation) error {
	if conv.User1ID == conv.User2ID {
		return ErrConflict
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	u1, ok1 := s.users[conv.User1ID]
	u2, ok2 := s.users[conv.User2ID]
	if !ok1 || !ok2 {
		return ErrConflict
	}
	if u1.PairingState != models.StateSearching || u2.PairingState != models.StateSearching {
		return ErrConflict
	}
	if s.activeBetweenLocked(conv.User1ID, conv.User2ID) != nil {
		return ErrConflict
	}
	if conv.ID == "" {
		conv.ID = uuid.New().String()
	}
	conv.IsActive = true
	now := s.now()
	u1.PairingState, u1.UpdatedAt = models.StatePaired, now
	u2.PairingState, u2.UpdatedAt = models.StatePaired, now
	cp := *conv
	s.conversations[conv.ID] = &cp
	return nil
}

func (s *MemoryStore) GetConversation(_ context.Context, id string) (*models.Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.conversations[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *c
	return &cp, nil
}

func (s *MemoryStore) GetActiveConversationForUser(_ context.Context, userID string) (*models.Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var found *models.Conversation
	for _, c := range s.conversations {
		if c.IsActive && c.HasParticipant(userID) {
			if found == nil || c.CreatedAt.After(found.CreatedAt) {
				found = c
			}
		}
	}
	if found == nil {
		return nil, ErrNotFound
	}
	cp := *found
	return &cp, nil
}

func (s *MemoryStore) GetActiveConversationBetween(_ context.Context, a, b string) (*models.Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c := s.activeBetweenLocked(a, b)
	if c == nil {
		return nil, ErrNotFound
	}
	cp := *c
	return &cp, nil
}

func (s *MemoryStore) ListExpiryCandidates(_ context.Context) ([]models.Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.Conversation
	for _, c := range s.conversations {
		if c.IsActive && !c.BothKept() {
			out = append(out, *c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CountdownStart.Before(out[j].CountdownStart) })
	return out, nil
}

func (s *MemoryStore) SetKeep(_ context.Context, conversationID, userID string, keep bool) (*models.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.conversations[conversationID]
	if !ok || !c.HasParticipant(userID) {
		return nil, ErrNotFound
	}
	if !c.IsActive {
		return nil, ErrInactive
	}
	c.SetKeep(userID, keep)
	c.LastActivity = s.now()
	cp := *c
	return &cp, nil
}

func (s *MemoryStore) EndConversation(_ context.Context, conversationID, reason string) (*models.Conversation, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.conversations[conversationID]
	if !ok {
		return nil, false, ErrNotFound
	}
	if !c.IsActive {
		cp := *c
		return &cp, false, nil
	}
	now := s.now()
	c.IsActive = false
	c.EndedAt = &now
	c.EndReason = reason
	for _, id := range c.Participants() {
		if u, ok := s.users[id]; ok && u.PairingState == models.StatePaired {
			u.PairingState = models.StateIdle
			u.UpdatedAt = now
		}
	}
	cp := *c
	return &cp, true, nil
}

func (s *MemoryStore) SaveMessages(_ context.Context, conversationID string, msgs []*models.Message) error {
	if len(msgs) == 0 {
		return nil
	}
	// The hook runs outside the lock so it may block.
	if s.FailSaveMessages != nil {
		if err := s.FailSaveMessages(conversationID); err != nil {
			return err
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.conversations[conversationID]
	if !ok {
		return ErrNotFound
	}
	if !c.IsActive {
		return ErrInactive
	}
	for _, m := range msgs {
		if err := m.BeforeCreate(nil); err != nil {
			return err
		}
		s.messages[conversationID] = append(s.messages[conversationID], *m)
	}
	c.LastActivity = msgs[len(msgs)-1].CreatedAt
	return nil
}

func (s *MemoryStore) GetMessages(_ context.Context, conversationID string) ([]models.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.Message, len(s.messages[conversationID]))
	copy(out, s.messages[conversationID])
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}
