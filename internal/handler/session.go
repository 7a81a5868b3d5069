// session.go -- Session check, refresh and logout handlers.
package handler

import (
	"net/http"
	"time"

	"github.com/vln-gg/vlnauth/internal/auth"
)

type sessionResponse struct {
	User      auth.PublicUser `json:"user"`
	ExpiresAt time.Time       `json:"expiresAt"`
	IssuedAt  time.Time       `json:"issuedAt"`
}

type refreshResponse struct {
	Success   bool      `json:"success"`
	Message   string    `json:"message"`
	ExpiresAt time.Time `json:"expiresAt"`
}

func writeSession(w http.ResponseWriter, info *auth.SessionInfo) {
	w.Header().Set("Cache-Control", "no-store")
	writeJSON(w, http.StatusOK, sessionResponse{
		User:      info.User,
		ExpiresAt: info.ExpiresAt.UTC(),
		IssuedAt:  info.IssuedAt.UTC(),
	})
}

// GetSession handles GET /auth/session. Expired or unknown sessions get 401 and no user.
func (h *Handler) GetSession(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Cache-Control", "no-store")
	info, err := h.Auth.ValidateSession(r.Context(), h.sessionToken(r))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeSession(w, info)
}

// PostSession handles POST /auth/session with {"action": "refresh" | "logout"}.
// Refresh re-validates without extending expiry.
func (h *Handler) PostSession(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Cache-Control", "no-store")
	var in struct {
		Action string `json:"action"`
	}
	if err := decodeJSON(w, r, &in); err != nil {
		badRequestBody(w, r, err)
		return
	}
	token := h.sessionToken(r)

	switch in.Action {
	case "refresh":
		info, err := h.Auth.RefreshSession(r.Context(), token)
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, refreshResponse{
			Success:   true,
			Message:   "Session refreshed",
			ExpiresAt: info.ExpiresAt.UTC(),
		})
	case "logout":
		if err := h.Auth.Logout(withClient(r), token); err != nil {
			writeError(w, r, err)
			return
		}
		h.clearSessionCookie(w)
		logInfo(r, "user logged out")
		writeJSON(w, http.StatusOK, messageResponse{"logged out"})
	default:
		writeJSON(w, http.StatusUnprocessableEntity, errorBody{
			Error:   auth.CodeValidation,
			Message: "validation failed",
			Details: []string{`action must be "refresh" or "logout"`},
		})
	}
}

// LogoutAll handles POST /auth/logout-all. Requires RequireAuth.
func (h *Handler) LogoutAll(w http.ResponseWriter, r *http.Request) {
	info, ok := SessionFromContext(r.Context())
	if !ok {
		writeError(w, r, &auth.Error{Code: auth.CodeUnauthorized, Message: "unauthorized"})
		return
	}

	n, err := h.Auth.LogoutAll(withClient(r), info.User.ID)
	if err != nil {
		writeError(w, r, err)
		return
	}

	h.clearSessionCookie(w)
	logInfo(r, "user logged out everywhere", "user_id", info.User.ID, "sessions", n)
	writeJSON(w, http.StatusOK, struct {
		Message  string `json:"message"`
		Sessions int64  `json:"sessions"`
	}{"logged out everywhere", n})
}
