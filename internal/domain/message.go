package domain

import (
	"time"
)

// Role identifies who authored a stored message.
type Role string

const (
	// RoleUser marks a message submitted by the client.
	RoleUser Role = "user"
	// RoleAssistant marks a job placeholder or a completed reply.
	RoleAssistant Role = "assistant"
)

// Status is the lifecycle state of a stored message.
type Status string

const (
	// StatusPending marks an assistant placeholder whose worker has not finished.
	StatusPending Status = "pending"
	// StatusComplete marks a user message or a finished assistant reply.
	StatusComplete Status = "complete"
)

// Message is one stored conversation turn. Messages are always ordered by
// (CreatedAt, ID) ascending.
type Message struct {
	ID        int64
	SessionID string
	Role      Role
	Content   string
	Status    Status
	CreatedAt time.Time
}

// IsPendingJob reports whether the message is an assistant placeholder
// still waiting for its worker.
func (m *Message) IsPendingJob() bool {
	return m.Role == RoleAssistant && m.Status == StatusPending
}
