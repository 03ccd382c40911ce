package middleware

import (
	"net/http"

	chiMiddleware "github.com/go-chi/chi/v5/middleware"
)

// ClientIP decides which address downstream handlers see as the client.
// With trustProxy, X-Forwarded-For and X-Real-IP replace RemoteAddr, which
// is only safe behind a proxy that overwrites them. Otherwise the TCP peer
// is kept so per-IP limits cannot be dodged by rotating headers.
func ClientIP(trustProxy bool) func(http.Handler) http.Handler {
	if trustProxy {
		return chiMiddleware.RealIP
	}
	return func(next http.Handler) http.Handler { return next }
}
