// magiclink.go -- Passwordless sign-in handlers.
package handler

import (
	"net/http"

	"github.com/vln-gg/vlnauth/internal/auth"
)

// SendMagicLink handles POST /auth/magic-link/send.
// Returns 200 for any valid email so callers can't probe which accounts exist.
func (h *Handler) SendMagicLink(w http.ResponseWriter, r *http.Request) {
	var in struct {
		Email string `json:"email"`
	}
	if err := decodeJSON(w, r, &in); err != nil {
		badRequestBody(w, r, err)
		return
	}

	if err := h.Auth.SendMagicLink(withClient(r), in.Email); err != nil {
		writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, struct {
		Message   string `json:"message"`
		ExpiresIn int64  `json:"expiresIn"`
	}{"sign-in link sent", int64(auth.MagicLinkTTL.Seconds())})
}

// VerifyMagicLink handles POST /auth/magic-link/verify.
// Returns 404 for an unknown token, 401 once it is used or expired.
func (h *Handler) VerifyMagicLink(w http.ResponseWriter, r *http.Request) {
	var in struct {
		Token string `json:"token"`
	}
	if err := decodeJSON(w, r, &in); err != nil {
		badRequestBody(w, r, err)
		return
	}

	grant, err := h.Auth.VerifyMagicLink(withClient(r), in.Token)
	if err != nil {
		writeError(w, r, err)
		return
	}

	logInfo(r, "magic link redeemed", "user_id", grant.User.ID)
	h.writeGrant(w, grant)
}
