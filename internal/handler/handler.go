// Package handler is the HTTP surface of vlnauth: JSON endpoints under /auth,
// the session cookie, the OAuth redirect round-trip and /health.
//
// handler.go -- Handler wiring, routes, and session token transport.
package handler

import (
	"context"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/vln-gg/vlnauth/internal/auth"
	"github.com/vln-gg/vlnauth/internal/oauth"
)

// HealthChecker is satisfied by *store.PostgresStore and *store.RedisStore.
type HealthChecker interface {
	CheckHealth(ctx context.Context) error
}

// Handler holds dependencies for every HTTP endpoint.
type Handler struct {
	Auth *auth.Service

	// OAuthProviders is keyed by the {provider} URL param. Missing entries 404.
	OAuthProviders map[string]oauth.Provider

	Postgres HealthChecker
	Redis    HealthChecker // nil reports "disabled"

	// SecureCookies sets Secure and the __Host- prefix on cookies.
	// Only false for local http development.
	SecureCookies bool
}

// Routes mounts every endpoint on r.
func (h *Handler) Routes(r chi.Router) {
	r.Get("/health", h.CheckHealth)

	r.Route("/auth", func(r chi.Router) {
		r.Post("/register", h.Register)
		r.Post("/login", h.Login)
		r.Post("/login/2fa", h.LoginTwoFactor)

		r.Post("/magic-link/send", h.SendMagicLink)
		r.Post("/magic-link/verify", h.VerifyMagicLink)

		r.Post("/verify-email", h.VerifyEmail)
		r.Post("/verify-email/resend", h.ResendVerification)

		r.Get("/session", h.GetSession)
		r.Post("/session", h.PostSession)

		r.Get("/oauth/{provider}", h.OAuthRedirect)
		r.Get("/oauth/{provider}/callback", h.OAuthCallback)

		r.Group(func(r chi.Router) {
			r.Use(h.RequireAuth)
			r.Post("/logout-all", h.LogoutAll)
			r.Post("/2fa/setup", h.SetupTwoFactor)
			r.Post("/2fa/activate", h.ActivateTwoFactor)
		})
	})
}

// withClient attaches the caller's IP and user agent for session rows and the audit log.
// RemoteAddr is already the real client IP once chi's RealIP has run.
func withClient(r *http.Request) context.Context {
	ip := r.RemoteAddr
	if host, _, err := net.SplitHostPort(ip); err == nil {
		ip = host
	}
	return auth.WithClientInfo(r.Context(), auth.ClientInfo{IP: ip, UserAgent: r.UserAgent()})
}

// --- Session token transport ---

func (h *Handler) sessionCookieName() string {
	if h.SecureCookies {
		return "__Host-session"
	}
	return "session"
}

// sessionToken reads the raw token from the Authorization header, then the cookie.
func (h *Handler) sessionToken(r *http.Request) string {
	if v := r.Header.Get("Authorization"); v != "" {
		scheme, token, ok := strings.Cut(v, " ")
		if ok && strings.EqualFold(scheme, "Bearer") {
			return strings.TrimSpace(token)
		}
		return ""
	}
	if c, err := r.Cookie(h.sessionCookieName()); err == nil {
		return c.Value
	}
	return ""
}

// setSessionCookie stores the raw session token in an HttpOnly cookie that expires with the session.
func (h *Handler) setSessionCookie(w http.ResponseWriter, token string, expiresAt time.Time) {
	http.SetCookie(w, &http.Cookie{
		Name:     h.sessionCookieName(),
		Value:    token,
		Path:     "/",
		Expires:  expiresAt,
		MaxAge:   int(time.Until(expiresAt).Seconds()),
		HttpOnly: true,
		Secure:   h.SecureCookies,
		SameSite: http.SameSiteLaxMode,
	})
}

func (h *Handler) clearSessionCookie(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     h.sessionCookieName(),
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   h.SecureCookies,
		SameSite: http.SameSiteLaxMode,
	})
}

// grantResponse is the body of every response that issues a session.
type grantResponse struct {
	Token     string          `json:"token"`
	ExpiresIn int64           `json:"expiresIn"`
	User      auth.PublicUser `json:"user"`
}

// writeGrant sets the session cookie and returns the token to the client.
func (h *Handler) writeGrant(w http.ResponseWriter, g *auth.SessionGrant) {
	h.setSessionCookie(w, g.Token, g.ExpiresAt)
	w.Header().Set("Cache-Control", "no-store")
	writeJSON(w, http.StatusOK, grantResponse{
		Token:     g.Token,
		ExpiresIn: int64(g.ExpiresAt.Sub(g.IssuedAt).Seconds()),
		User:      g.User,
	})
}

// --- Middleware ---

type sessionKey struct{}

// SessionFromContext returns the session RequireAuth resolved.
func SessionFromContext(ctx context.Context) (*auth.SessionInfo, bool) {
	info, ok := ctx.Value(sessionKey{}).(*auth.SessionInfo)
	return info, ok
}

// RequireAuth validates the session token and injects the session into the context.
func (h *Handler) RequireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := h.sessionToken(r)
		if token == "" {
			logWarn(r, "require auth failed", "reason", "missing_session_token")
			writeError(w, r, &auth.Error{Code: auth.CodeUnauthorized, Message: "unauthorized"})
			return
		}
		info, err := h.Auth.ValidateSession(r.Context(), token)
		if err != nil {
			if auth.CodeOf(err) == auth.CodeUnauthorized {
				logWarn(r, "require auth failed", "reason", "invalid_session")
			}
			writeError(w, r, err)
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), sessionKey{}, info)))
	})
}
