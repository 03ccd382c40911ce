// Package domain contains core domain types for the relay.
package domain

import (
	"time"
)

// Session is an opaque client credential identifying one conversation.
type Session struct {
	ID        string    `json:"session_id"`
	CreatedAt time.Time `json:"created_at"`
}
