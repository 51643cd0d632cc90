package chathub

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"mapmo/backend/internal/config"
	"mapmo/backend/internal/models"

	"github.com/jonboulle/clockwork"
)

// Reconciler returns users stuck in the paired state to idle.
type Reconciler interface {
	ReconcileStuckUsers(ctx context.Context) (int, error)
}

// Sweeper periodically ends conversations whose keep countdown ran out
// without a mutual keep.
type Sweeper struct {
	hub        *ManagerService
	reconciler Reconciler
	clock      clockwork.Clock
	interval   time.Duration
	log        *slog.Logger

	mu sync.Mutex
}

type SweeperOption func(*Sweeper)

func WithSweepInterval(d time.Duration) SweeperOption {
	return func(s *Sweeper) { s.interval = d }
}

func WithSweeperClock(c clockwork.Clock) SweeperOption {
	return func(s *Sweeper) { s.clock = c }
}

func WithSweeperLogger(l *slog.Logger) SweeperOption {
	return func(s *Sweeper) { s.log = l }
}

// NewSweeper ends expired conversations through hub. reconciler may be nil.
func NewSweeper(hub *ManagerService, reconciler Reconciler, opts ...SweeperOption) *Sweeper {
	s := &Sweeper{
		hub:        hub,
		reconciler: reconciler,
		clock:      hub.clock,
		interval:   config.SweepInterval,
		log:        slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Run sweeps on every tick until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := s.clock.NewTicker(s.interval)
	defer ticker.Stop()
	s.log.InfoContext(ctx, "expiry sweeper started", "interval", s.interval)
	for {
		select {
		case <-ctx.Done():
			s.log.InfoContext(ctx, "expiry sweeper stopped")
			return
		case <-ticker.Chan():
			if n, err := s.Sweep(ctx); err != nil {
				s.log.ErrorContext(ctx, "sweep", "ended", n, "error", err)
			} else if n > 0 {
				s.log.InfoContext(ctx, "sweep", "ended", n)
			}
		}
	}
}

// Sweep ends every expired, not mutually kept conversation and then
// reconciles stuck users. A failure on one conversation does not stop the
// others; all failures are joined into the returned error. Sweeps are
// serialized, and ending is idempotent, so a manual call may overlap the
// scheduled one.
func (s *Sweeper) Sweep(ctx context.Context) (ended int, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	candidates, err := s.hub.Storage.ListExpiryCandidates(ctx)
	if err != nil {
		return 0, fmt.Errorf("list expiry candidates: %w", err)
	}

	now := s.clock.Now()
	var errs []error
	for i := range candidates {
		conv := &candidates[i]
		if conv.BothKept() || !conv.Expired(now) {
			continue
		}
		ok, err := s.hub.EndConversation(ctx, conv.ID, "", models.ReasonCountdownExpired)
		if err != nil {
			errs = append(errs, fmt.Errorf("end %s: %w", conv.ID, err))
			continue
		}
		if ok {
			ended++
			s.log.InfoContext(ctx, "conversation expired", "conversation_id", conv.ID)
		}
	}

	if s.reconciler != nil {
		if n, err := s.reconciler.ReconcileStuckUsers(ctx); err != nil {
			errs = append(errs, fmt.Errorf("reconcile: %w", err))
		} else if n > 0 {
			s.log.InfoContext(ctx, "reset stuck users", "count", n)
		}
	}
	return ended, errors.Join(errs...)
}
