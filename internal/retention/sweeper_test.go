package retention

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/ashureev/sam-relay/internal/domain"
	"github.com/ashureev/sam-relay/internal/store"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

func TestSweepDeletesStaleKeepsRecent(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2025, 6, 10, 12, 0, 0, 0, time.UTC)
	c := &clock{}

	repo, err := store.NewSQLite(filepath.Join(t.TempDir(), "relay.db"), store.WithClock(c.Now))
	if err != nil {
		t.Fatalf("NewSQLite failed: %v", err)
	}
	defer func() { _ = repo.Close() }()

	c.Set(now.Add(-8 * day))
	if err := repo.CreateSession(ctx, "old"); err != nil {
		t.Fatal(err)
	}
	if _, err := repo.AppendTurn(ctx, "old", "hi"); err != nil {
		t.Fatal(err)
	}
	c.Set(now.Add(-day))
	if err := repo.CreateSession(ctx, "recent"); err != nil {
		t.Fatal(err)
	}
	if _, err := repo.AppendTurn(ctx, "recent", "hi"); err != nil {
		t.Fatal(err)
	}
	c.Set(now)

	s := NewSweeper(repo, 7, day, nil, WithClock(c.Now))
	res, err := s.Sweep(ctx)
	if err != nil {
		t.Fatalf("Sweep failed: %v", err)
	}
	if !res.Ran || res.SessionsDeleted != 1 || res.MessagesDeleted != 2 {
		t.Fatalf("unexpected result: %+v", res)
	}
	if ok, _ := repo.SessionExists(ctx, "old"); ok {
		t.Fatal("8-day-old session survived")
	}
	if ok, _ := repo.SessionExists(ctx, "recent"); !ok {
		t.Fatal("yesterday's session was deleted")
	}

	// Within the interval the sweep is a no-op.
	c.Set(now.Add(time.Hour))
	res, err = s.SweepWithRetention(ctx, 0)
	if err != nil || res.Ran {
		t.Fatalf("second sweep = %+v, %v; want skipped", res, err)
	}

	// After the interval a one-day override removes yesterday's session.
	c.Set(now.Add(day + time.Hour))
	res, err = s.SweepWithRetention(ctx, 1)
	if err != nil || !res.Ran || res.SessionsDeleted != 1 {
		t.Fatalf("override sweep = %+v, %v", res, err)
	}
}

type fakeSweepStore struct {
	claim     bool
	claimErr  error
	deleteErr error
	cutoff    time.Time
	claims    int
}

func (f *fakeSweepStore) ClaimSweep(context.Context, time.Time, time.Duration) (bool, error) {
	f.claims++
	return f.claim, f.claimErr
}

func (f *fakeSweepStore) DeleteInactiveSessions(_ context.Context, cutoff time.Time) (int64, int64, error) {
	f.cutoff = cutoff
	return 0, 0, f.deleteErr
}

func TestSweepRetentionFloorAndErrors(t *testing.T) {
	now := time.Date(2025, 6, 10, 12, 0, 0, 0, time.UTC)
	f := &fakeSweepStore{claim: true}
	s := NewSweeper(f, 7, day, nil, WithClock(func() time.Time { return now }))

	if _, err := s.SweepWithRetention(context.Background(), -3); err != nil {
		t.Fatalf("Sweep failed: %v", err)
	}
	if want := now.Add(-day); !f.cutoff.Equal(want) {
		t.Fatalf("cutoff = %v, want %v", f.cutoff, want)
	}

	f.deleteErr = errors.New("disk full")
	if _, err := s.Sweep(context.Background()); !errors.Is(err, domain.ErrPersistence) {
		t.Fatalf("expected persistence error, got %v", err)
	}

	f.claimErr = errors.New("locked")
	if res, err := s.Sweep(context.Background()); !errors.Is(err, domain.ErrPersistence) || res.Ran {
		t.Fatalf("claim failure = %+v, %v", res, err)
	}
}

func TestStartTickerStopsOnCancel(t *testing.T) {
	f := &fakeSweepStore{}
	s := NewSweeper(f, 7, day, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := s.StartTicker(ctx, 5*time.Millisecond)
	time.Sleep(30 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("ticker did not stop")
	}
	if f.claims == 0 {
		t.Fatal("ticker never swept")
	}

	disabled := s.StartTicker(context.Background(), 0)
	select {
	case <-disabled:
	default:
		t.Fatal("zero interval should not start a ticker")
	}
}
