// github.go -- GitHub OAuth2 provider. GitHub has no OIDC for apps, so identity
// comes from the REST API using the exchanged access token.
package oauth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/github"
)

const githubAPIBase = "https://api.github.com"

// GitHubProvider implements Provider with the OAuth2 web flow plus /user and /user/emails.
type GitHubProvider struct {
	config  *oauth2.Config
	apiBase string
}

// NewGitHubProvider returns a provider requesting read:user and user:email.
func NewGitHubProvider(clientID, clientSecret, redirectURL string) *GitHubProvider {
	return &GitHubProvider{
		config: &oauth2.Config{
			ClientID:     clientID,
			ClientSecret: clientSecret,
			RedirectURL:  redirectURL,
			Endpoint:     github.Endpoint,
			Scopes:       []string{"read:user", "user:email"},
		},
		apiBase: githubAPIBase,
	}
}

// Name returns "github".
func (p *GitHubProvider) Name() string { return "github" }

// AuthCodeURL builds the GitHub authorize URL with state and PKCE S256 challenge embedded.
func (p *GitHubProvider) AuthCodeURL(state, codeChallenge string) string {
	return p.config.AuthCodeURL(state, pkceChallenge(codeChallenge)...)
}

// Exchange trades the code for a token, then reads the profile and the primary email.
// EmailVerified reflects GitHub's own verification flag on that email.
func (p *GitHubProvider) Exchange(ctx context.Context, code, codeVerifier string) (*Claims, error) {
	token, err := p.config.Exchange(ctx, code, oauth2.VerifierOption(codeVerifier))
	if err != nil {
		return nil, fmt.Errorf("exchanging code: %w", err)
	}
	client := p.config.Client(ctx, token)

	var user struct {
		ID    int64  `json:"id"`
		Login string `json:"login"`
		Name  string `json:"name"`
	}
	if err := p.getJSON(ctx, client, "/user", &user); err != nil {
		return nil, err
	}
	if user.ID == 0 {
		return nil, errors.New("github user has no id")
	}

	var emails []struct {
		Email    string `json:"email"`
		Primary  bool   `json:"primary"`
		Verified bool   `json:"verified"`
	}
	if err := p.getJSON(ctx, client, "/user/emails", &emails); err != nil {
		return nil, err
	}

	c := &Claims{
		Subject:      strconv.FormatInt(user.ID, 10),
		Name:         user.Name,
		AccessToken:  token.AccessToken,
		RefreshToken: token.RefreshToken,
		Expiry:       token.Expiry,
	}
	if c.Name == "" {
		c.Name = user.Login
	}
	for _, e := range emails {
		if e.Primary {
			c.Email, c.EmailVerified = e.Email, e.Verified
			break
		}
	}
	if c.Email == "" {
		return nil, errors.New("github account has no primary email")
	}
	return c, nil
}

func (p *GitHubProvider) getJSON(ctx context.Context, client *http.Client, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.apiBase+path, nil)
	if err != nil {
		return fmt.Errorf("building github request: %w", err)
	}
	req.Header.Set("Accept", "application/vnd.github+json")

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("github %s: %w", path, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("github %s: unexpected status %d", path, resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding github %s: %w", path, err)
	}
	return nil
}
