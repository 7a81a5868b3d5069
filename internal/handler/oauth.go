// oauth.go -- Generic OAuth2 redirect and callback handlers.
// Provider-specific logic lives in internal/oauth; account linking in auth.OAuthSignIn.
package handler

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/vln-gg/vlnauth/internal/auth"
	"github.com/vln-gg/vlnauth/internal/oauth"
	"github.com/vln-gg/vlnauth/internal/store"
)

// oauthState is the payload stored in the state cookie during the OAuth round-trip.
type oauthState struct {
	State    string `json:"state"`
	Verifier string `json:"verifier"`
}

// OAuthRedirect handles GET /auth/oauth/{provider}. Generates state and a PKCE
// verifier, keeps them in a short-lived HttpOnly cookie, and redirects to the provider.
func (h *Handler) OAuthRedirect(w http.ResponseWriter, r *http.Request) {
	provider, ok := h.oauthProvider(w, r)
	if !ok {
		return
	}

	var stateBytes, verifierBytes [32]byte
	if _, err := rand.Read(stateBytes[:]); err != nil {
		writeError(w, r, err)
		return
	}
	if _, err := rand.Read(verifierBytes[:]); err != nil {
		writeError(w, r, err)
		return
	}

	state := base64.RawURLEncoding.EncodeToString(stateBytes[:])
	verifier := base64.RawURLEncoding.EncodeToString(verifierBytes[:])
	challenge := sha256.Sum256([]byte(verifier))

	h.setOAuthStateCookie(w, oauthState{State: state, Verifier: verifier})
	http.Redirect(w, r, provider.AuthCodeURL(state, base64.RawURLEncoding.EncodeToString(challenge[:])), http.StatusFound)
}

// OAuthCallback handles GET /auth/oauth/{provider}/callback. Verifies state,
// exchanges the code for identity claims, then links or creates the account and issues a session.
func (h *Handler) OAuthCallback(w http.ResponseWriter, r *http.Request) {
	provider, ok := h.oauthProvider(w, r)
	if !ok {
		return
	}

	// Read and immediately clear the state cookie so it can't be replayed
	c, err := r.Cookie(h.oauthStateCookieName())
	if err != nil {
		logWarn(r, "oauth callback: missing state cookie")
		oauthBadRequest(w, "missing oauth state")
		return
	}
	h.clearOAuthStateCookie(w)

	var sc oauthState
	raw, err := base64.RawURLEncoding.DecodeString(c.Value)
	if err == nil {
		err = json.Unmarshal(raw, &sc)
	}
	if err != nil {
		logWarn(r, "oauth callback: bad state cookie", "error", err)
		oauthBadRequest(w, "invalid oauth state")
		return
	}

	q := r.URL.Query()
	if subtle.ConstantTimeCompare([]byte(sc.State), []byte(q.Get("state"))) != 1 {
		logWarn(r, "oauth callback: state mismatch")
		writeError(w, r, &auth.Error{Code: auth.CodeUnauthorized, Message: "invalid oauth state"})
		return
	}
	if e := q.Get("error"); e != "" {
		logWarn(r, "oauth callback: provider returned error", "provider", provider.Name(), "oauth_error", e)
		writeError(w, r, &auth.Error{Code: auth.CodeUnauthorized, Message: "oauth authentication failed"})
		return
	}

	claims, err := provider.Exchange(r.Context(), q.Get("code"), sc.Verifier)
	if err != nil {
		logWarn(r, "oauth callback: exchange failed", "provider", provider.Name(), "error", err)
		writeError(w, r, &auth.Error{Code: auth.CodeUnauthorized, Message: "oauth authentication failed"})
		return
	}

	grant, err := h.Auth.OAuthSignIn(withClient(r), auth.OAuthIdentity{
		Provider:          store.Provider(strings.ToUpper(provider.Name())),
		ProviderAccountID: claims.Subject,
		Email:             claims.Email,
		EmailVerified:     claims.EmailVerified,
		Name:              claims.Name,
		AccessToken:       claims.AccessToken,
		RefreshToken:      claims.RefreshToken,
		TokenExpiry:       claims.Expiry,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}

	logInfo(r, "oauth user logged in", "user_id", grant.User.ID, "provider", provider.Name())
	h.writeGrant(w, grant)
}

// oauthProvider resolves the {provider} URL param, writing 404 if it isn't configured.
func (h *Handler) oauthProvider(w http.ResponseWriter, r *http.Request) (oauth.Provider, bool) {
	p, ok := h.OAuthProviders[chi.URLParam(r, "provider")]
	if !ok {
		writeJSON(w, http.StatusNotFound, errorBody{Error: auth.CodeNotFound, Message: "unknown oauth provider"})
		return nil, false
	}
	return p, true
}

func oauthBadRequest(w http.ResponseWriter, message string) {
	writeJSON(w, http.StatusBadRequest, errorBody{Error: auth.CodeValidation, Message: message})
}

func (h *Handler) oauthStateCookieName() string {
	if h.SecureCookies {
		return "__Host-oauth-state"
	}
	return "oauth-state"
}

// setOAuthStateCookie stores state + PKCE verifier for 10 minutes.
func (h *Handler) setOAuthStateCookie(w http.ResponseWriter, st oauthState) {
	payload, _ := json.Marshal(st)
	http.SetCookie(w, &http.Cookie{
		Name:     h.oauthStateCookieName(),
		Value:    base64.RawURLEncoding.EncodeToString(payload),
		Path:     "/",
		HttpOnly: true,
		Secure:   h.SecureCookies,
		SameSite: http.SameSiteLaxMode,
		MaxAge:   600,
	})
}

func (h *Handler) clearOAuthStateCookie(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     h.oauthStateCookieName(),
		Value:    "",
		Path:     "/",
		HttpOnly: true,
		Secure:   h.SecureCookies,
		SameSite: http.SameSiteLaxMode,
		MaxAge:   -1,
	})
}
