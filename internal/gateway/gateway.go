// Package gateway accepts submissions and issues sessions.
package gateway

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/ashureev/sam-relay/internal/domain"
	"github.com/ashureev/sam-relay/internal/identity"
	"github.com/ashureev/sam-relay/internal/sanitize"
	"github.com/ashureev/sam-relay/internal/store"
)

// Dispatcher starts background work for a stored job.
type Dispatcher interface {
	Dispatch(jobID int64)
	TriggerSweep()
}

// Sessions is the storage the gateway needs.
type Sessions interface {
	store.SessionStore
	AppendTurn(ctx context.Context, sessionID, text string) (int64, error)
}

// Submission is the handle returned for an accepted message.
type Submission struct {
	SessionID string `json:"session_id"`
	JobID     int64  `json:"job_id"`
	Status    string `json:"status"`
}

// Gateway validates and records submissions and bootstraps sessions.
type Gateway struct {
	store      Sessions
	dispatcher Dispatcher
	secret     string
	maxInput   int
	log        *slog.Logger
}

// New creates a gateway. maxInput caps cleaned submissions in characters.
func New(st Sessions, dispatcher Dispatcher, secret string, maxInput int, logger *slog.Logger) *Gateway {
	if maxInput <= 0 {
		maxInput = sanitize.DefaultMaxInput
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Gateway{
		store:      st,
		dispatcher: dispatcher,
		secret:     secret,
		maxInput:   maxInput,
		log:        logger.With("component", "gateway"),
	}
}

// Authorize checks that sessionID is well formed and known.
func (g *Gateway) Authorize(ctx context.Context, sessionID string) error {
	if !identity.ValidSessionID(sessionID) {
		return fmt.Errorf("%w: invalid session", domain.ErrAuth)
	}
	ok, err := g.store.SessionExists(ctx, sessionID)
	if err != nil {
		return fmt.Errorf("%w: look up session: %v", domain.ErrPersistence, err)
	}
	if !ok {
		return fmt.Errorf("%w: unknown session", domain.ErrAuth)
	}
	return nil
}

// Submit records text as a user turn plus a pending job and dispatches it.
// It never waits for the model.
func (g *Gateway) Submit(ctx context.Context, sessionID, text string) (Submission, error) {
	if err := g.Authorize(ctx, sessionID); err != nil {
		return Submission{}, err
	}

	cleaned := sanitize.CleanInput(text, g.maxInput)
	if cleaned == "" {
		return Submission{}, fmt.Errorf("%w: empty text", domain.ErrValidation)
	}

	jobID, err := g.store.AppendTurn(ctx, sessionID, cleaned)
	if err != nil {
		g.log.Error("Failed to record submission", "session_id", sessionID, "error", err)
		return Submission{}, fmt.Errorf("%w: record submission: %v", domain.ErrPersistence, err)
	}

	g.dispatcher.Dispatch(jobID)
	g.dispatcher.TriggerSweep()

	g.log.Info("Job submitted", "session_id", sessionID, "job_id", jobID, "text_len", len(cleaned))
	return Submission{SessionID: sessionID, JobID: jobID, Status: string(domain.StatusPending)}, nil
}

// Bootstrap mints a new session when secret matches. A well-formed previous
// session id is deleted first, so rotation invalidates it.
func (g *Gateway) Bootstrap(ctx context.Context, secret, oldSessionID string) (string, error) {
	if !identity.SecretMatches(secret, g.secret) {
		return "", fmt.Errorf("%w: invalid secret", domain.ErrAuth)
	}

	if oldSessionID != "" && oldSessionID != secret && identity.ValidSessionID(oldSessionID) {
		if err := g.store.DeleteSession(ctx, oldSessionID); err != nil {
			return "", fmt.Errorf("%w: delete previous session: %v", domain.ErrPersistence, err)
		}
		g.log.Info("Rotated out previous session", "session_id", oldSessionID)
	}

	id, err := identity.NewSessionID()
	if err != nil {
		return "", fmt.Errorf("%w: %v", domain.ErrPersistence, err)
	}
	if err := g.store.CreateSession(ctx, id); err != nil {
		return "", fmt.Errorf("%w: create session: %v", domain.ErrPersistence, err)
	}

	g.log.Info("Session issued", "session_id", id)
	return id, nil
}
