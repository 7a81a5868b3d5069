// oauth.go

// Linking provider identities to local accounts.
package auth

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/vln-gg/vlnauth/internal/store"
)

// OAuthIdentity is what a provider callback proved about the user.
type OAuthIdentity struct {
	Provider          store.Provider
	ProviderAccountID string
	Email             string
	EmailVerified     bool
	Name              string
	AccessToken       string
	RefreshToken      string
	TokenExpiry       time.Time
}

// OAuthSignIn resolves the identity to a user and issues a session.
// Lookup order: existing link, then an account with the same email, then a new account.
// User, link and session commit together.
func (s *Service) OAuthSignIn(ctx context.Context, id OAuthIdentity) (grant *SessionGrant, err error) {
	defer func() { s.observe("oauth_sign_in", err) }()

	email := NormalizeEmail(id.Email)
	if strings.TrimSpace(id.ProviderAccountID) == "" {
		return nil, validationError("Provider account id is missing")
	}
	if msg := ValidateEmail(email); msg != "" {
		return nil, validationError(msg)
	}
	// Linking on an unproven address would hand the account to whoever typed it in
	if !id.EmailVerified {
		return nil, unauthorized("provider email is not verified")
	}

	now := s.now()
	var user *store.User
	var sess *store.Session
	var raw string
	var linked, created bool

	err = s.Store.WithTx(ctx, func(ctx context.Context) error {
		var err error
		user, err = s.Store.GetUserByOAuthAccount(ctx, id.Provider, id.ProviderAccountID)
		switch {
		case err == nil:
			// Returning user, just refresh the stored provider tokens
		case errors.Is(err, store.ErrNotFound):
			user, err = s.Store.GetUserByEmail(ctx, email)
			switch {
			case err == nil:
				linked = true
				if user.EmailVerifiedAt == nil {
					if err := s.Store.SetEmailVerified(ctx, user.ID, now); err != nil {
						return err
					}
					user.EmailVerifiedAt = &now
				}
			case errors.Is(err, store.ErrNotFound):
				if user, err = s.newOAuthUser(ctx, email, id.Name, now); err != nil {
					return err
				}
				created = true
			default:
				return err
			}
		default:
			return err
		}

		if err := s.upsertAccount(ctx, user.ID, id); err != nil {
			return err
		}
		sess, raw, err = s.newSession(ctx, user.ID, now)
		return err
	})
	switch {
	case errors.Is(err, store.ErrOAuthAccountTaken):
		return nil, conflict("provider account is linked to another user")
	case errors.Is(err, store.ErrDuplicateEmail):
		return nil, conflict("account was created concurrently, try again")
	case err != nil:
		return nil, asAuthError("oauth sign-in", err)
	}

	meta := map[string]any{"provider": string(id.Provider)}
	if created {
		s.recordActivity(ctx, &user.ID, ActivityRegister, map[string]any{"method": "oauth", "provider": string(id.Provider)})
	}
	if linked {
		s.recordActivity(ctx, &user.ID, ActivityOAuthLinked, meta)
	}
	return s.completeSignIn(ctx, user, sess, raw, ActivityOAuthLogin, meta), nil
}

func (s *Service) newOAuthUser(ctx context.Context, email, name string, now time.Time) (*store.User, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return nil, err
	}
	u := &store.User{
		ID:              id,
		Email:           email,
		Name:            optString(strings.TrimSpace(name)),
		Role:            store.RoleClient,
		EmailVerifiedAt: &now,
	}
	if err := s.Store.CreateUser(ctx, u); err != nil {
		return nil, err
	}
	return u, nil
}

func (s *Service) upsertAccount(ctx context.Context, userID uuid.UUID, id OAuthIdentity) error {
	acctID, err := uuid.NewV7()
	if err != nil {
		return err
	}
	acct := &store.OAuthAccount{
		ID:                acctID,
		UserID:            userID,
		Provider:          id.Provider,
		ProviderAccountID: id.ProviderAccountID,
		AccessToken:       optString(id.AccessToken),
		RefreshToken:      optString(id.RefreshToken),
	}
	if !id.TokenExpiry.IsZero() {
		acct.ExpiresAt = &id.TokenExpiry
	}
	return s.Store.UpsertOAuthAccount(ctx, acct)
}
