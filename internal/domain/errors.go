package domain

import "errors"

// Error taxonomy shared across components. Callers wrap these with
// fmt.Errorf("%w: ...") and the HTTP layer maps them with errors.Is.
var (
	// ErrValidation marks malformed, empty or oversized input.
	ErrValidation = errors.New("validation error")
	// ErrAuth marks a missing, malformed or unknown session.
	ErrAuth = errors.New("auth error")
	// ErrNotFound marks a job handle that does not belong to the session.
	ErrNotFound = errors.New("not found")
	// ErrTransport marks a model call network or timeout failure.
	ErrTransport = errors.New("transport error")
	// ErrPersistence marks a storage failure.
	ErrPersistence = errors.New("persistence error")
)
