package storage

import (
	"context"

	"mapmo/backend/internal/models"
)

const searchQueueKey = "search_queue"

// mirrorState keeps the Redis search_queue set in step with pairing state
// after a committed change. Postgres stays authoritative; a failed mirror
// write only skews the searching count.
func (s *Service) mirrorState(ctx context.Context, userID string, state models.PairingState) {
	if s.Redis == nil {
		return
	}
	var err error
	if state == models.StateSearching {
		err = s.Redis.SAdd(ctx, searchQueueKey, userID).Err()
	} else {
		err = s.Redis.SRem(ctx, searchQueueKey, userID).Err()
	}
	if err != nil {
		s.Log.WarnContext(ctx, "search queue mirror failed", "user_id", userID, "state", state, "error", err)
	}
}

func (s *Service) searchQueueSize(ctx context.Context) (int64, error) {
	return s.Redis.SCard(ctx, searchQueueKey).Result()
}

// RebuildSearchQueue replaces the Redis set with the users postgres marks
// as searching. Called at startup.
func (s *Service) RebuildSearchQueue(ctx context.Context) error {
	if s.Redis == nil {
		return nil
	}
	users, err := s.FindUsersByPairingState(ctx, models.StateSearching)
	if err != nil {
		return err
	}
	pipe := s.Redis.TxPipeline()
	pipe.Del(ctx, searchQueueKey)
	for _, u := range users {
		pipe.SAdd(ctx, searchQueueKey, u.ID)
	}
	_, err = pipe.Exec(ctx)
	return err
}
