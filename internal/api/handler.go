// Package api provides HTTP handlers for the relay API.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/ashureev/sam-relay/internal/domain"
	"github.com/ashureev/sam-relay/internal/identity"
)

// DefaultMaxBody bounds request bodies when no limit is configured.
const DefaultMaxBody int64 = 16 << 10

// errBodyTooLarge marks a body that exceeded the configured limit.
var errBodyTooLarge = errors.New("request body too large")

// JSON writes a JSON response with the given status code.
func JSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"error": "failed to encode response"}`, http.StatusInternalServerError)
	}
}

// Error writes a JSON error response.
func Error(w http.ResponseWriter, status int, message string) {
	JSON(w, status, map[string]string{"error": message})
}

// SessionError writes a JSON error response that echoes a well-formed
// session id back to the client.
func SessionError(w http.ResponseWriter, status int, message, sessionID string) {
	if !identity.ValidSessionID(sessionID) {
		Error(w, status, message)
		return
	}
	JSON(w, status, map[string]string{"error": message, "session_id": sessionID})
}

// StatusFor maps a domain error to its HTTP status.
func StatusFor(err error) int {
	switch {
	case errors.Is(err, errBodyTooLarge):
		return http.StatusRequestEntityTooLarge
	case errors.Is(err, domain.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrAuth):
		return http.StatusForbidden
	case errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

// publicMessage hides storage detail from clients.
func publicMessage(err error) string {
	switch StatusFor(err) {
	case http.StatusInternalServerError:
		return "internal error"
	case http.StatusForbidden:
		return "forbidden"
	default:
		return err.Error()
	}
}

// decodeJSON reads a single JSON object of at most limit bytes into dst.
func decodeJSON(w http.ResponseWriter, r *http.Request, limit int64, dst interface{}) error {
	if limit <= 0 {
		limit = DefaultMaxBody
	}
	r.Body = http.MaxBytesReader(w, r.Body, limit)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return fmt.Errorf("%w: limit %d bytes", errBodyTooLarge, tooLarge.Limit)
		}
		return fmt.Errorf("%w: malformed JSON body", domain.ErrValidation)
	}
	return nil
}
