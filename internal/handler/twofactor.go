// twofactor.go -- TOTP enrolment handlers. Both require RequireAuth.
package handler

import (
	"net/http"

	"github.com/vln-gg/vlnauth/internal/auth"
)

// SetupTwoFactor handles POST /auth/2fa/setup. The secret is returned once.
func (h *Handler) SetupTwoFactor(w http.ResponseWriter, r *http.Request) {
	info, ok := SessionFromContext(r.Context())
	if !ok {
		writeError(w, r, &auth.Error{Code: auth.CodeUnauthorized, Message: "unauthorized"})
		return
	}

	setup, err := h.Auth.SetupTwoFactor(withClient(r), info.User.ID)
	if err != nil {
		writeError(w, r, err)
		return
	}

	w.Header().Set("Cache-Control", "no-store")
	writeJSON(w, http.StatusOK, setup)
}

// ActivateTwoFactor handles POST /auth/2fa/activate with {"code": "123456"}.
func (h *Handler) ActivateTwoFactor(w http.ResponseWriter, r *http.Request) {
	info, ok := SessionFromContext(r.Context())
	if !ok {
		writeError(w, r, &auth.Error{Code: auth.CodeUnauthorized, Message: "unauthorized"})
		return
	}
	var in struct {
		Code string `json:"code"`
	}
	if err := decodeJSON(w, r, &in); err != nil {
		badRequestBody(w, r, err)
		return
	}

	if err := h.Auth.ActivateTwoFactor(withClient(r), info.User.ID, in.Code); err != nil {
		writeError(w, r, err)
		return
	}

	logInfo(r, "two-factor enabled", "user_id", info.User.ID)
	writeJSON(w, http.StatusOK, messageResponse{"two-factor enabled"})
}
