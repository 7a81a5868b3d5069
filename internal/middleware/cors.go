// Package middleware holds the HTTP middleware shared by every route:
// CORS, security headers and Prometheus request metrics.
package middleware

import (
	"net/http"

	"github.com/go-chi/cors"
)

// DefaultAllowedOrigins is used when no allowlist is configured.
var DefaultAllowedOrigins = []string{"https://vln.gg", "https://www.vln.gg"}

// CORS returns a strict allowlist CORS handler. Credentials are allowed so the
// portal can send the session cookie; origins not on the list get no CORS headers.
func CORS(allowedOrigins []string) func(next http.Handler) http.Handler {
	if len(allowedOrigins) == 0 {
		allowedOrigins = DefaultAllowedOrigins
	}
	return cors.Handler(cors.Options{
		AllowedOrigins:   allowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-ID"},
		ExposedHeaders:   []string{"X-Request-ID"},
		AllowCredentials: true,
		MaxAge:           86400,
	})
}
