// Package dispatch hands submitted jobs to conversation workers in the
// background and triggers retention sweeps.
package dispatch

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/ashureev/sam-relay/internal/conversation"
	"github.com/ashureev/sam-relay/internal/retention"
	"github.com/ashureev/sam-relay/internal/shared"
)

// Runner executes one job.
type Runner interface {
	Run(ctx context.Context, jobID int64) (conversation.State, error)
}

// Sweeper runs a retention sweep.
type Sweeper interface {
	Sweep(ctx context.Context) (retention.Result, error)
}

// Pool runs jobs on background goroutines, at most concurrency at a time.
// Jobs run on the pool's base context, never on a request context.
type Pool struct {
	base     context.Context
	runner   Runner
	sweeper  Sweeper
	sem      *semaphore.Weighted
	wg       sync.WaitGroup
	sweeping atomic.Bool
	log      *slog.Logger

	// mu orders every wg.Add against Close, so Wait never races an Add.
	mu     sync.Mutex
	closed bool
}

// NewPool creates a pool. base should live as long as the server.
func NewPool(base context.Context, runner Runner, sweeper Sweeper, concurrency int, logger *slog.Logger) *Pool {
	if concurrency <= 0 {
		concurrency = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Pool{
		base:    base,
		runner:  runner,
		sweeper: sweeper,
		sem:     semaphore.NewWeighted(int64(concurrency)),
		log:     logger.With("component", "dispatch"),
	}
}

// Dispatch schedules a job and returns immediately. A job that cannot get
// a slot before shutdown is dropped and stays pending.
func (p *Pool) Dispatch(jobID int64) {
	if !p.track() {
		p.log.Warn("Dropping job dispatched after shutdown", "job_id", jobID)
		return
	}
	go func() {
		defer p.wg.Done()
		if err := p.sem.Acquire(p.base, 1); err != nil {
			p.log.Warn("Job not started before shutdown", "job_id", jobID, "error", err)
			return
		}
		defer p.sem.Release(1)
		p.run(jobID)
	}()
}

// runAcquired runs a job whose slot the caller already holds.
func (p *Pool) runAcquired(jobID int64) {
	if !p.track() {
		p.sem.Release(1)
		p.log.Warn("Dropping job received after shutdown", "job_id", jobID)
		return
	}
	go func() {
		defer p.wg.Done()
		defer p.sem.Release(1)
		p.run(jobID)
	}()
}

func (p *Pool) run(jobID int64) {
	runID := uuid.NewString()
	ctx := shared.WithRunID(p.base, runID)

	defer func() {
		if r := recover(); r != nil {
			p.log.Error("Job panicked", "job_id", jobID, "run_id", runID, "panic", r)
		}
	}()

	state, err := p.runner.Run(ctx, jobID)
	if err != nil {
		p.log.Error("Job failed", "job_id", jobID, "run_id", runID, "state", state, "error", err)
		return
	}
	p.log.Debug("Job finished", "job_id", jobID, "run_id", runID, "state", state)
}

// TriggerSweep starts a retention sweep in the background. Triggers that
// arrive while a sweep is running are dropped; the sweeper's own interval
// guard decides whether a sweep does any work.
func (p *Pool) TriggerSweep() {
	if p.sweeper == nil {
		return
	}
	if !p.sweeping.CompareAndSwap(false, true) {
		return
	}
	if !p.track() {
		p.sweeping.Store(false)
		return
	}
	go func() {
		defer p.wg.Done()
		defer p.sweeping.Store(false)
		if _, err := p.sweeper.Sweep(p.base); err != nil {
			p.log.Error("Retention sweep failed", "error", err)
		}
	}()
}

// Close stops accepting new jobs. Running and waiting jobs continue.
func (p *Pool) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
}

// track registers one unit of work unless the pool is closed.
func (p *Pool) track() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return false
	}
	p.wg.Add(1)
	return true
}

// Wait blocks until all dispatched work has finished or ctx is done.
func (p *Pool) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
