// Package poller resolves job handles to their current result.
package poller

import (
	"context"
	"fmt"

	"github.com/ashureev/sam-relay/internal/domain"
	"github.com/ashureev/sam-relay/internal/identity"
	"github.com/ashureev/sam-relay/internal/sanitize"
)

// Store is the read-only storage the poller needs.
type Store interface {
	SessionExists(ctx context.Context, sessionID string) (bool, error)
	GetAssistantMessage(ctx context.Context, id int64, sessionID string) (*domain.Message, error)
}

// Result is the state of a job as seen by the client.
type Result struct {
	Status domain.Status
	// Reply is set when Status is complete.
	Reply domain.FinalReply
	// Failed reports that the job ended with an error outcome.
	Failed bool
}

// Poller reads job results.
type Poller struct {
	store Store
}

// New creates a poller.
func New(st Store) *Poller {
	return &Poller{store: st}
}

// Poll returns the job's status and, once complete, its device-ready reply.
func (p *Poller) Poll(ctx context.Context, jobID int64, sessionID string) (Result, error) {
	if !identity.ValidSessionID(sessionID) {
		return Result{}, fmt.Errorf("%w: invalid session", domain.ErrAuth)
	}
	ok, err := p.store.SessionExists(ctx, sessionID)
	if err != nil {
		return Result{}, fmt.Errorf("%w: look up session: %v", domain.ErrPersistence, err)
	}
	if !ok {
		return Result{}, fmt.Errorf("%w: unknown session", domain.ErrAuth)
	}

	msg, err := p.store.GetAssistantMessage(ctx, jobID, sessionID)
	if err != nil {
		return Result{}, fmt.Errorf("%w: load job: %v", domain.ErrPersistence, err)
	}
	if msg == nil {
		return Result{}, fmt.Errorf("%w: job %d", domain.ErrNotFound, jobID)
	}

	if msg.Status == domain.StatusPending {
		return Result{Status: domain.StatusPending}, nil
	}

	reply := domain.FinalReply{TextDisplay: msg.Content, TextSAM: msg.Content}
	failed := false
	if out, ok := domain.DecodeOutcome(msg.Content); ok {
		reply = out.Reply
		failed = out.State == domain.OutcomeError
	}

	return Result{
		Status: domain.StatusComplete,
		Reply: domain.FinalReply{
			TextDisplay: sanitize.Truncate(sanitize.ForDevice(reply.TextDisplay), domain.MaxDisplayChars),
			TextSAM:     sanitize.ForDevice(reply.TextSAM),
		},
		Failed: failed,
	}, nil
}
