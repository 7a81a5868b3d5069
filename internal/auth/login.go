// login.go

// Credential login.
package auth

import (
	"context"
	"errors"
	"sync"

	"github.com/vln-gg/vlnauth/internal/store"
	"golang.org/x/crypto/bcrypt"
)

// dummyHash is compared against when the user doesn't exist, so unknown
// emails take as long as wrong passwords.
var dummyHash = sync.OnceValue(func() string {
	h, err := bcrypt.GenerateFromPassword([]byte("timing-equaliser-not-a-password"), MinBcryptCost)
	if err != nil {
		return ""
	}
	return string(h)
})

// LoginResult is either a session or a two-factor challenge, never both.
type LoginResult struct {
	Session           *SessionGrant
	TwoFactorRequired bool
	Challenge         string
}

// Login verifies email + password. Users with two-factor enabled get a
// challenge instead of a session and finish via VerifyTwoFactor.
func (s *Service) Login(ctx context.Context, email, password string) (res *LoginResult, err error) {
	defer func() { s.observe("login", err) }()

	email = NormalizeEmail(email)
	if email == "" || password == "" {
		return nil, unauthorized("invalid credentials")
	}
	if err := s.allow(ctx, "login:email:"+email, s.RateLimits.Login); err != nil {
		return nil, err
	}

	user, err := s.Store.GetUserByEmail(ctx, email)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return nil, serverError("fetching user", err)
	}
	if user == nil || user.PasswordHash == nil {
		VerifyPassword(password, dummyHash())
		return nil, unauthorized("invalid credentials")
	}

	ok, err := VerifyPassword(password, *user.PasswordHash)
	if err != nil {
		return nil, serverError("verifying password", err)
	}
	if !ok {
		return nil, unauthorized("invalid credentials")
	}

	// Only reachable with the right password, so it leaks nothing new
	if s.RequireEmailVerification && user.EmailVerifiedAt == nil {
		return nil, unauthorized("email not verified")
	}

	if user.TwoFactorEnabled {
		challenge, err := s.newChallenge(user.ID, s.now())
		if err != nil {
			return nil, err
		}
		return &LoginResult{TwoFactorRequired: true, Challenge: challenge}, nil
	}

	grant, err := s.signIn(ctx, user, ActivityLogin, map[string]any{"method": "password"})
	if err != nil {
		return nil, err
	}
	return &LoginResult{Session: grant}, nil
}
