// register.go

// Email + password registration.
package auth

import (
	"context"
	"errors"
	"strings"
	"unicode/utf8"

	"github.com/gofrs/uuid/v5"
	"github.com/vln-gg/vlnauth/internal/store"
)

const maxNameLength = 100

// RegisterInput is the caller-supplied registration data. Name is optional.
type RegisterInput struct {
	Email    string
	Password string
	Name     string
}

// Register creates a CLIENT user with a bcrypt-hashed password and an
// EMAIL_VERIFICATION token, committed together. The verification email is
// sent after commit and its failure does not fail registration.
func (s *Service) Register(ctx context.Context, in RegisterInput) (pu *PublicUser, err error) {
	defer func() { s.observe("register", err) }()

	email := NormalizeEmail(in.Email)
	name := strings.TrimSpace(in.Name)

	// Collect every failed rule so the client can fix them in one go
	var details []string
	if msg := ValidateEmail(email); msg != "" {
		details = append(details, msg)
	}
	details = append(details, s.policy().Validate(in.Password)...)
	if utf8.RuneCountInString(name) > maxNameLength {
		details = append(details, "Name must be at most 100 characters")
	}
	if len(details) > 0 {
		return nil, validationError(details...)
	}

	// Fast path, skips bcrypt for obvious duplicates. The UNIQUE constraint decides races.
	if _, err := s.Store.GetUserByEmail(ctx, email); err == nil {
		return nil, conflict("email already registered")
	} else if !errors.Is(err, store.ErrNotFound) {
		return nil, serverError("checking existing user", err)
	}

	hash, err := HashPassword(in.Password, s.BcryptCost)
	if err != nil {
		return nil, serverError("hashing password", err)
	}
	userID, err := uuid.NewV7()
	if err != nil {
		return nil, serverError("generating user id", err)
	}
	tokenID, err := uuid.NewV7()
	if err != nil {
		return nil, serverError("generating token id", err)
	}
	rawToken, tokenHash, err := GenerateToken()
	if err != nil {
		return nil, serverError("generating verification token", err)
	}

	user := &store.User{
		ID:           userID,
		Email:        email,
		Name:         optString(name),
		PasswordHash: &hash,
		Role:         store.RoleClient,
	}
	err = s.Store.WithTx(ctx, func(ctx context.Context) error {
		if err := s.Store.CreateUser(ctx, user); err != nil {
			return err
		}
		return s.Store.CreateVerificationToken(ctx, &store.VerificationToken{
			ID:        tokenID,
			UserID:    userID,
			TokenHash: tokenHash,
			Type:      store.TokenEmailVerification,
			ExpiresAt: s.now().Add(EmailVerificationTTL),
		})
	})
	if errors.Is(err, store.ErrDuplicateEmail) {
		return nil, conflict("email already registered")
	}
	if err != nil {
		return nil, serverError("creating user", err)
	}

	s.log().Info("user registered", "user_id", userID)
	s.recordActivity(ctx, &userID, ActivityRegister, map[string]any{"method": "password"})
	s.sendVerification(ctx, user, rawToken)

	out := toPublicUser(user)
	return &out, nil
}

// sendVerification dispatches the verification email. Best-effort.
func (s *Service) sendVerification(ctx context.Context, user *store.User, rawToken string) {
	if s.Mailer == nil {
		return
	}
	vars := map[string]string{}
	if user.Name != nil {
		vars["name"] = *user.Name
	}
	if err := s.Mailer.SendEmailVerification(ctx, user.Email, rawToken, EmailVerificationTTL, vars); err != nil {
		s.log().Warn("failed to send verification email", "user_id", user.ID, "error", err)
	}
}
