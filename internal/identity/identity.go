// Package identity provides session id and client identity primitives.
package identity

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"net"
	"net/http"
	"regexp"
)

// SessionIDLength is the length of a session id in hex characters.
const SessionIDLength = 32

var sessionIDPattern = regexp.MustCompile(`^[a-f0-9]{32}$`)

// NewSessionID returns a fresh 128-bit session id as lowercase hex.
func NewSessionID() (string, error) {
	buf := make([]byte, SessionIDLength/2)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate session id: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

// ValidSessionID reports whether id is 32 lowercase hex characters.
func ValidSessionID(id string) bool {
	return sessionIDPattern.MatchString(id)
}

// SecretMatches compares a presented secret to the configured one in
// constant time. An empty configured secret never matches.
func SecretMatches(presented, configured string) bool {
	if configured == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(presented), []byte(configured)) == 1
}

// IPFromRequest returns a normalized remote IP for rate limiting and logs.
func IPFromRequest(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
