// Package store provides data persistence interfaces and implementations.
package store

import (
	"context"
	"time"

	"github.com/ashureev/sam-relay/internal/domain"
)

// SessionStore persists client sessions.
type SessionStore interface {
	// CreateSession inserts a new session row.
	CreateSession(ctx context.Context, sessionID string) error

	// SessionExists reports whether the session is known.
	SessionExists(ctx context.Context, sessionID string) (bool, error)

	// DeleteSession removes the session's messages and then the session row.
	DeleteSession(ctx context.Context, sessionID string) error
}

// MessageStore persists conversation turns and job rows. Every query orders
// by (created_at, id) ascending.
type MessageStore interface {
	// AppendTurn records a complete user message followed by a pending, empty
	// assistant placeholder in one transaction and returns the placeholder id.
	AppendTurn(ctx context.Context, sessionID, text string) (int64, error)

	// GetMessage returns a message by id, or nil if it does not exist.
	GetMessage(ctx context.Context, id int64) (*domain.Message, error)

	// GetAssistantMessage returns the assistant message with the given id that
	// belongs to sessionID, or nil if there is none.
	GetAssistantMessage(ctx context.Context, id int64, sessionID string) (*domain.Message, error)

	// RecentHistory returns up to limit of the newest messages of a session,
	// excluding excludeID, oldest first.
	RecentHistory(ctx context.Context, sessionID string, excludeID int64, limit int) ([]domain.Message, error)

	// CompleteJob stores content and marks the job complete. It only succeeds
	// for a pending row; otherwise ErrJobNotPending is returned.
	CompleteJob(ctx context.Context, id int64, content string) error

	// PruneSession deletes the oldest messages so at most keep remain.
	PruneSession(ctx context.Context, sessionID string, keep int) (int64, error)

	// CountMessages returns the number of stored messages for a session.
	CountMessages(ctx context.Context, sessionID string) (int, error)
}

// SweepStore backs the retention sweeper.
type SweepStore interface {
	// ClaimSweep atomically advances the persisted last-run marker to now if
	// at least minInterval has elapsed since the previous run. It returns
	// false when another run is too recent.
	ClaimSweep(ctx context.Context, now time.Time, minInterval time.Duration) (bool, error)

	// DeleteInactiveSessions removes messages and then sessions whose last
	// activity is older than cutoff.
	DeleteInactiveSessions(ctx context.Context, cutoff time.Time) (messagesDeleted int64, sessionsDeleted int64, err error)
}

// Repository is the full persistence surface used by the server.
type Repository interface {
	SessionStore
	MessageStore
	SweepStore

	// Ping verifies database connectivity and returns an error if the database is unreachable.
	Ping(ctx context.Context) error

	// Close closes the database connection.
	Close() error
}
