// provider.go -- OAuth provider interface and shared types.
package oauth

import (
	"context"
	"time"

	"golang.org/x/oauth2"
)

// Claims holds the normalized identity returned by a provider after a code exchange.
// All fields come from server-side calls; never trust client-supplied values.
type Claims struct {
	Subject       string // provider-specific stable user ID (Google "sub", GitHub numeric id)
	Email         string
	EmailVerified bool
	Name          string

	// Provider tokens, stored on the linked account.
	AccessToken  string
	RefreshToken string
	Expiry       time.Time
}

// Provider is an OAuth2 identity provider.
// PKCE (RFC 7636) is required: callers pass the code_challenge to AuthCodeURL and the
// matching code_verifier to Exchange.
type Provider interface {
	// Name returns the provider identifier used as the URL param ("google", "github").
	Name() string

	// AuthCodeURL returns the redirect URL with state and PKCE code_challenge embedded.
	AuthCodeURL(state, codeChallenge string) string

	// Exchange exchanges the authorization code for verified identity claims.
	Exchange(ctx context.Context, code, codeVerifier string) (*Claims, error)
}

// pkceChallenge returns the S256 auth URL params shared by every provider.
func pkceChallenge(codeChallenge string) []oauth2.AuthCodeOption {
	return []oauth2.AuthCodeOption{
		oauth2.SetAuthURLParam("code_challenge", codeChallenge),
		oauth2.SetAuthURLParam("code_challenge_method", "S256"),
	}
}
