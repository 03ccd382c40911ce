// Package retention evicts sessions that have been inactive longer than
// the retention window.
package retention

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/ashureev/sam-relay/internal/domain"
	"github.com/ashureev/sam-relay/internal/store"
)

const day = 24 * time.Hour

// Result reports what a sweep did. Ran is false when the interval guard
// skipped it.
type Result struct {
	Ran             bool
	MessagesDeleted int64
	SessionsDeleted int64
}

// Sweeper deletes inactive sessions at most once per MinInterval across
// every caller sharing the database.
type Sweeper struct {
	store         store.SweepStore
	retentionDays int
	minInterval   time.Duration
	now           func() time.Time
	log           *slog.Logger
}

// Option configures a Sweeper.
type Option func(*Sweeper)

// WithClock sets the sweeper's time source.
func WithClock(now func() time.Time) Option {
	return func(s *Sweeper) {
		s.now = now
	}
}

// NewSweeper creates a sweeper keeping sessions active within retentionDays.
func NewSweeper(st store.SweepStore, retentionDays int, minInterval time.Duration, logger *slog.Logger, opts ...Option) *Sweeper {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Sweeper{
		store:         st,
		retentionDays: retentionDays,
		minInterval:   minInterval,
		now:           time.Now,
		log:           logger.With("component", "retention"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Sweep runs the configured retention policy if the interval has elapsed.
func (s *Sweeper) Sweep(ctx context.Context) (Result, error) {
	return s.SweepWithRetention(ctx, s.retentionDays)
}

// SweepWithRetention is Sweep with a one-off retention window in days.
// Values below 1 are raised to 1. The interval guard still applies.
func (s *Sweeper) SweepWithRetention(ctx context.Context, days int) (Result, error) {
	days = max(days, 1)
	now := s.now()

	// Claim first so concurrent triggers see the new marker immediately.
	claimed, err := s.store.ClaimSweep(ctx, now, s.minInterval)
	if err != nil {
		return Result{}, fmt.Errorf("%w: claim sweep: %v", domain.ErrPersistence, err)
	}
	if !claimed {
		return Result{}, nil
	}

	cutoff := now.Add(-time.Duration(days) * day)
	msgs, sessions, err := s.store.DeleteInactiveSessions(ctx, cutoff)
	if err != nil {
		return Result{Ran: true}, fmt.Errorf("%w: delete inactive sessions: %v", domain.ErrPersistence, err)
	}

	if sessions > 0 {
		s.log.Info("Retention sweep removed inactive sessions",
			"sessions", sessions,
			"messages", msgs,
			"retention_days", days)
	} else {
		s.log.Debug("Retention sweep found nothing to remove", "retention_days", days)
	}
	return Result{Ran: true, MessagesDeleted: msgs, SessionsDeleted: sessions}, nil
}

// StartTicker runs Sweep every interval until ctx is cancelled. The
// returned channel is closed when the goroutine exits.
func (s *Sweeper) StartTicker(ctx context.Context, interval time.Duration) <-chan struct{} {
	done := make(chan struct{})
	if interval <= 0 {
		close(done)
		return done
	}

	ticker := time.NewTicker(interval)
	go func() {
		defer close(done)
		defer ticker.Stop()
		s.log.Info("Retention ticker started", "interval", interval, "retention_days", s.retentionDays)

		for {
			select {
			case <-ticker.C:
				if _, err := s.Sweep(ctx); err != nil {
					s.log.Error("Retention sweep failed", "error", err)
				}
			case <-ctx.Done():
				s.log.Info("Retention ticker shutting down", "reason", ctx.Err())
				return
			}
		}
	}()
	return done
}
