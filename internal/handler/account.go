// account.go -- Registration, credential login and email verification handlers.
package handler

import (
	"net/http"

	"github.com/vln-gg/vlnauth/internal/auth"
)

// Register handles POST /auth/register.
// Returns 201 with the public user, 422 for validation errors, 409 if the email is taken.
func (h *Handler) Register(w http.ResponseWriter, r *http.Request) {
	var in struct {
		Email    string `json:"email"`
		Password string `json:"password"`
		Name     string `json:"name"`
	}
	if err := decodeJSON(w, r, &in); err != nil {
		badRequestBody(w, r, err)
		return
	}

	user, err := h.Auth.Register(withClient(r), auth.RegisterInput{
		Email:    in.Email,
		Password: in.Password,
		Name:     in.Name,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}

	logInfo(r, "user registered", "user_id", user.ID)
	writeJSON(w, http.StatusCreated, user)
}

type challengeResponse struct {
	TwoFactorRequired bool   `json:"twoFactorRequired"`
	Challenge         string `json:"challenge"`
	ExpiresIn         int64  `json:"expiresIn"`
}

// Login handles POST /auth/login.
// Returns a session, or a two-factor challenge when the account has 2FA enabled.
func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	var in struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if err := decodeJSON(w, r, &in); err != nil {
		badRequestBody(w, r, err)
		return
	}

	res, err := h.Auth.Login(withClient(r), in.Email, in.Password)
	if err != nil {
		writeError(w, r, err)
		return
	}

	if res.TwoFactorRequired {
		w.Header().Set("Cache-Control", "no-store")
		writeJSON(w, http.StatusOK, challengeResponse{
			TwoFactorRequired: true,
			Challenge:         res.Challenge,
			ExpiresIn:         int64(auth.ChallengeTTL.Seconds()),
		})
		return
	}

	logInfo(r, "user logged in", "user_id", res.Session.User.ID)
	h.writeGrant(w, res.Session)
}

// LoginTwoFactor handles POST /auth/login/2fa, the second step of a 2FA login.
func (h *Handler) LoginTwoFactor(w http.ResponseWriter, r *http.Request) {
	var in struct {
		Challenge string `json:"challenge"`
		Code      string `json:"code"`
	}
	if err := decodeJSON(w, r, &in); err != nil {
		badRequestBody(w, r, err)
		return
	}

	grant, err := h.Auth.VerifyTwoFactor(withClient(r), in.Challenge, in.Code)
	if err != nil {
		writeError(w, r, err)
		return
	}

	logInfo(r, "user logged in", "user_id", grant.User.ID, "two_factor", true)
	h.writeGrant(w, grant)
}

// VerifyEmail handles POST /auth/verify-email.
func (h *Handler) VerifyEmail(w http.ResponseWriter, r *http.Request) {
	var in struct {
		Token string `json:"token"`
	}
	if err := decodeJSON(w, r, &in); err != nil {
		badRequestBody(w, r, err)
		return
	}

	user, err := h.Auth.VerifyEmail(withClient(r), in.Token)
	if err != nil {
		writeError(w, r, err)
		return
	}

	logInfo(r, "email verified", "user_id", user.ID)
	writeJSON(w, http.StatusOK, struct {
		Message string          `json:"message"`
		User    auth.PublicUser `json:"user"`
	}{"email verified", *user})
}

// ResendVerification handles POST /auth/verify-email/resend.
// The response is the same whether or not the account exists.
func (h *Handler) ResendVerification(w http.ResponseWriter, r *http.Request) {
	var in struct {
		Email string `json:"email"`
	}
	if err := decodeJSON(w, r, &in); err != nil {
		badRequestBody(w, r, err)
		return
	}

	if err := h.Auth.ResendVerification(withClient(r), in.Email); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, messageResponse{"if the account exists and is unverified, a new link has been sent"})
}

type messageResponse struct {
	Message string `json:"message"`
}
