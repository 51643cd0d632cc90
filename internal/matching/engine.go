// Package matching selects partners from the searching pool and owns the
// per-user pairing state machine: idle → searching → paired → idle.
package matching

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand/v2"
	"slices"
	"sync"
	"time"

	"mapmo/backend/internal/config"
	"mapmo/backend/internal/models"
	"mapmo/backend/internal/storage"

	"github.com/jonboulle/clockwork"
)

var (
	// ErrInvalidState is returned when a transition is not allowed from
	// the user's current pairing state.
	ErrInvalidState       = errors.New("invalid pairing state")
	ErrSelfMatch          = errors.New("cannot pair a user with themselves")
	ErrInvalidSessionType = errors.New("invalid session type")
)

// Announcer receives pairing events so live sockets can follow them.
type Announcer interface {
	// JoinConversation adds the participants to the conversation's
	// fan-out set.
	JoinConversation(ctx context.Context, conv *models.Conversation)
	// AnnounceMatch tells both participants about a new conversation.
	AnnounceMatch(ctx context.Context, conv *models.Conversation, a, b *models.User)
}

// Engine finds partners and commits pairings.
type Engine struct {
	storage   storage.Storage
	scorer    *Scorer
	clock     clockwork.Clock
	log       *slog.Logger
	announcer Announcer
	pairs     *pairLocks

	rngMu sync.Mutex
	rng   *rand.Rand
}

type Option func(*Engine)

func WithClock(c clockwork.Clock) Option { return func(e *Engine) { e.clock = c } }

func WithLogger(l *slog.Logger) Option { return func(e *Engine) { e.log = l } }

// WithRand seeds the uniform pick among low-scoring candidates.
func WithRand(r *rand.Rand) Option { return func(e *Engine) { e.rng = r } }

func WithAnnouncer(a Announcer) Option { return func(e *Engine) { e.announcer = a } }

// NewEngine wires an Engine to its store and scorer.
func NewEngine(s storage.Storage, scorer *Scorer, opts ...Option) *Engine {
	e := &Engine{
		storage: s,
		scorer:  scorer,
		clock:   clockwork.NewRealClock(),
		log:     slog.New(slog.NewTextHandler(io.Discard, nil)),
		pairs:   newPairLocks(),
		rng:     rand.New(rand.NewPCG(uint64(time.Now().UnixNano()), 0x6d61706d6f)),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// SetAnnouncer attaches the realtime side after both are constructed.
func (e *Engine) SetAnnouncer(a Announcer) { e.announcer = a }

type candidate struct {
	user  *models.User
	score float64
}

// FindMatch picks a partner for a searching user without changing any
// state. It returns nil when nobody suitable is searching. sessionType is
// not a filter: the requester's type is applied when the conversation is
// created.
func (e *Engine) FindMatch(ctx context.Context, user *models.User, sessionType models.ConversationType) (*models.User, error) {
	if user.PairingState != models.StateSearching {
		return nil, fmt.Errorf("find match for %s in state %s: %w", user.ID, user.PairingState, ErrInvalidState)
	}

	pool, err := e.storage.FindUsersByPairingState(ctx, models.StateSearching)
	if err != nil {
		return nil, fmt.Errorf("load searching users: %w", err)
	}

	current, err := e.storage.GetUser(ctx, user.ID)
	if err != nil {
		return nil, fmt.Errorf("reload user %s: %w", user.ID, err)
	}
	if current.PairingState != models.StateSearching {
		return nil, nil
	}

	var best, good, other []candidate
	for i := range pool {
		id := pool[i].ID
		if id == user.ID {
			continue
		}

		_, err := e.storage.GetActiveConversationBetween(ctx, user.ID, id)
		if err == nil {
			continue
		}
		if !errors.Is(err, storage.ErrNotFound) {
			e.log.WarnContext(ctx, "skipping candidate", "user_id", user.ID, "candidate_id", id, "error", err)
			continue
		}

		// The candidate may have been claimed since the pool was read.
		fresh, err := e.storage.GetUser(ctx, id)
		if err != nil || fresh.PairingState != models.StateSearching {
			continue
		}

		c := candidate{user: fresh, score: e.scorer.Score(current, fresh)}
		switch {
		case c.score >= config.BestMatchThreshold:
			best = append(best, c)
		case c.score >= config.GoodMatchThreshold:
			good = append(good, c)
		default:
			other = append(other, c)
		}
	}

	e.log.DebugContext(ctx, "match candidates",
		"user_id", user.ID, "session_type", sessionType,
		"best", len(best), "good", len(good), "other", len(other))

	byScore := func(a, b candidate) int { return cmp.Compare(b.score, a.score) }
	switch {
	case len(best) > 0:
		slices.SortStableFunc(best, byScore)
		return best[0].user, nil
	case len(good) > 0:
		slices.SortStableFunc(good, byScore)
		return good[0].user, nil
	case len(other) > 0:
		e.rngMu.Lock()
		pick := other[e.rng.IntN(len(other))]
		e.rngMu.Unlock()
		return pick.user, nil
	}
	return nil, nil
}

// CreateConversation commits a pairing of a and b. The store re-checks
// that both are still searching and share no active conversation; a lost
// race surfaces as storage.ErrConflict.
func (e *Engine) CreateConversation(ctx context.Context, a, b *models.User, sessionType models.ConversationType) (*models.Conversation, error) {
	if a.ID == b.ID {
		return nil, ErrSelfMatch
	}
	if !sessionType.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidSessionType, sessionType)
	}

	unlock := e.pairs.lock(a.ID, b.ID)
	defer unlock()

	conv := models.NewConversation(a.ID, b.ID, sessionType, e.clock.Now())
	if err := e.storage.CreateConversation(ctx, conv); err != nil {
		return nil, fmt.Errorf("create conversation %s/%s: %w", a.ID, b.ID, err)
	}
	e.log.InfoContext(ctx, "conversation created",
		"conversation_id", conv.ID, "user1_id", a.ID, "user2_id", b.ID, "type", sessionType)
	return conv, nil
}

// EndConversation makes the conversation terminal and returns both users
// to idle. Ending a terminal conversation is a no-op; ended reports
// whether this call performed the transition.
func (e *Engine) EndConversation(ctx context.Context, conversationID, reason string) (conv *models.Conversation, ended bool, err error) {
	conv, ended, err = e.storage.EndConversation(ctx, conversationID, reason)
	if err != nil {
		return nil, false, fmt.Errorf("end conversation %s: %w", conversationID, err)
	}
	if ended {
		e.log.InfoContext(ctx, "conversation ended", "conversation_id", conversationID, "reason", reason)
	}
	return conv, ended, nil
}

// SearchResult is the outcome of Search. Conversation is nil while the
// user is still waiting for a partner.
type SearchResult struct {
	Conversation *models.Conversation
	Partner      *models.User
	// Existing is set when the user was already paired.
	Existing bool
}

// Matched reports whether the search produced a conversation.
func (r *SearchResult) Matched() bool { return r.Conversation != nil }

const maxSearchAttempts = 3

// Search runs one matching round for userID. A paired user gets their
// existing conversation back; a lost pairing race leaves the user
// searching rather than failing the request.
func (e *Engine) Search(ctx context.Context, userID string, sessionType models.ConversationType) (*SearchResult, error) {
	if !sessionType.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidSessionType, sessionType)
	}

	var user *models.User
	for attempt := 0; ; attempt++ {
		if attempt == maxSearchAttempts {
			return nil, fmt.Errorf("search for %s: pairing state kept changing: %w", userID, storage.ErrConflict)
		}
		u, err := e.storage.GetUser(ctx, userID)
		if err != nil {
			return nil, fmt.Errorf("load user %s: %w", userID, err)
		}

		switch u.PairingState {
		case models.StatePaired:
			res, err := e.existing(ctx, u)
			if err != nil || res != nil {
				return res, err
			}
			// Paired without an active conversation: recover to idle. The
			// store refuses if a conversation committed in the meantime,
			// and the next round returns it.
			released, err := e.storage.ReleaseStalePairing(ctx, userID)
			if err != nil {
				return nil, fmt.Errorf("reset user %s: %w", userID, err)
			}
			if released {
				e.log.WarnContext(ctx, "reset paired user without conversation", "user_id", userID)
			}
			continue
		case models.StateIdle:
			if err := e.storage.TransitionPairingState(ctx, userID, models.StateIdle, models.StateSearching); err != nil {
				if errors.Is(err, storage.ErrConflict) {
					continue
				}
				return nil, fmt.Errorf("start search for %s: %w", userID, err)
			}
			u.PairingState = models.StateSearching
		}
		user = u
		break
	}

	partner, err := e.FindMatch(ctx, user, sessionType)
	if err != nil {
		return nil, err
	}
	if partner == nil {
		return e.stillSearching(ctx, user)
	}

	conv, err := e.CreateConversation(ctx, user, partner, sessionType)
	if err != nil {
		if errors.Is(err, storage.ErrConflict) {
			e.log.DebugContext(ctx, "pairing race lost", "user_id", user.ID, "candidate_id", partner.ID)
			return e.stillSearching(ctx, user)
		}
		return nil, err
	}

	if e.announcer != nil {
		e.announcer.JoinConversation(ctx, conv)
		e.announcer.AnnounceMatch(ctx, conv, user, partner)
	}
	return &SearchResult{Conversation: conv, Partner: partner}, nil
}

// stillSearching covers the case where another user's search paired us
// while our own round was in flight.
func (e *Engine) stillSearching(ctx context.Context, user *models.User) (*SearchResult, error) {
	res, err := e.existing(ctx, user)
	if err != nil || res != nil {
		return res, err
	}
	return &SearchResult{}, nil
}

func (e *Engine) existing(ctx context.Context, user *models.User) (*SearchResult, error) {
	conv, err := e.storage.GetActiveConversationForUser(ctx, user.ID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load active conversation for %s: %w", user.ID, err)
	}
	partner, err := e.storage.GetUser(ctx, conv.Partner(user.ID))
	if err != nil {
		return nil, fmt.Errorf("load partner of %s: %w", user.ID, err)
	}
	if e.announcer != nil {
		e.announcer.JoinConversation(ctx, conv)
	}
	return &SearchResult{Conversation: conv, Partner: partner, Existing: true}, nil
}

// CancelSearch moves a searching user back to idle.
func (e *Engine) CancelSearch(ctx context.Context, userID string) error {
	err := e.storage.TransitionPairingState(ctx, userID, models.StateSearching, models.StateIdle)
	if errors.Is(err, storage.ErrConflict) {
		return fmt.Errorf("cancel search for %s: %w", userID, ErrInvalidState)
	}
	return err
}

// ReconcileStuckUsers returns users marked paired without an active
// conversation to idle. It reports how many were reset.
func (e *Engine) ReconcileStuckUsers(ctx context.Context) (int, error) {
	paired, err := e.storage.FindUsersByPairingState(ctx, models.StatePaired)
	if err != nil {
		return 0, fmt.Errorf("load paired users: %w", err)
	}
	reset := 0
	var errs []error
	for i := range paired {
		id := paired[i].ID
		released, err := e.storage.ReleaseStalePairing(ctx, id)
		switch {
		case err != nil && !errors.Is(err, storage.ErrNotFound):
			errs = append(errs, err)
		case released:
			reset++
			e.log.WarnContext(ctx, "reset stuck paired user", "user_id", id)
		}
	}
	return reset, errors.Join(errs...)
}
