// magiclink.go

// Passwordless sign-in and email verification via single-use tokens.
//
// A token is ISSUED on creation and leaves that state exactly once: REDEEMED
// by the first successful verify, or EXPIRED when now passes expiresAt.
package auth

import (
	"context"
	"errors"
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/vln-gg/vlnauth/internal/store"
)

// SendMagicLink finds or creates the account for email and mails it a
// sign-in link. The outcome looks the same whether or not the account existed.
func (s *Service) SendMagicLink(ctx context.Context, email string) (err error) {
	defer func() { s.observe("magic_link_send", err) }()

	email = NormalizeEmail(email)
	if msg := ValidateEmail(email); msg != "" {
		return validationError(msg)
	}
	if err := s.allow(ctx, "magiclink:email:"+email, s.RateLimits.MagicLink); err != nil {
		return err
	}

	newUserID, err := uuid.NewV7()
	if err != nil {
		return serverError("generating user id", err)
	}
	tokenID, err := uuid.NewV7()
	if err != nil {
		return serverError("generating token id", err)
	}
	rawToken, tokenHash, err := GenerateToken()
	if err != nil {
		return serverError("generating magic link token", err)
	}

	var user *store.User
	var created bool
	err = s.Store.WithTx(ctx, func(ctx context.Context) error {
		var err error
		user, created, err = s.Store.FindOrCreateUserByEmail(ctx, newUserID, email, store.RoleClient)
		if err != nil {
			return err
		}
		return s.Store.CreateVerificationToken(ctx, &store.VerificationToken{
			ID:        tokenID,
			UserID:    user.ID,
			TokenHash: tokenHash,
			Type:      store.TokenMagicLink,
			ExpiresAt: s.now().Add(MagicLinkTTL),
		})
	})
	if err != nil {
		return serverError("issuing magic link", err)
	}

	if created {
		s.recordActivity(ctx, &user.ID, ActivityRegister, map[string]any{"method": "magic_link"})
	}
	if s.Mailer != nil {
		if err := s.Mailer.SendMagicLink(ctx, email, rawToken, MagicLinkTTL, nil); err != nil {
			s.log().Warn("failed to send magic link", "user_id", user.ID, "error", err)
		}
	}
	return nil
}

// VerifyMagicLink redeems a MAGIC_LINK token and signs its user in.
// Redemption, email verification and session creation commit together.
func (s *Service) VerifyMagicLink(ctx context.Context, token string) (grant *SessionGrant, err error) {
	defer func() { s.observe("magic_link_verify", err) }()

	hash, err := HashToken(token)
	if err != nil {
		return nil, validationError("Token is missing or malformed")
	}

	now := s.now()
	var user *store.User
	var sess *store.Session
	var raw string
	err = s.Store.WithTx(ctx, func(ctx context.Context) error {
		vt, err := s.redeem(ctx, hash, store.TokenMagicLink, now)
		if err != nil {
			return err
		}
		// Receiving the link proves control of the address
		if err := s.Store.SetEmailVerified(ctx, vt.UserID, now); err != nil {
			return err
		}
		if user, err = s.Store.GetUserByID(ctx, vt.UserID); err != nil {
			return err
		}
		sess, raw, err = s.newSession(ctx, user.ID, now)
		return err
	})
	if err != nil {
		return nil, asAuthError("verifying magic link", err)
	}

	return s.completeSignIn(ctx, user, sess, raw, ActivityMagicLinkLogin, nil), nil
}

// VerifyEmail redeems an EMAIL_VERIFICATION token and marks the address verified.
func (s *Service) VerifyEmail(ctx context.Context, token string) (pu *PublicUser, err error) {
	defer func() { s.observe("verify_email", err) }()

	hash, err := HashToken(token)
	if err != nil {
		return nil, validationError("Token is missing or malformed")
	}

	now := s.now()
	var user *store.User
	err = s.Store.WithTx(ctx, func(ctx context.Context) error {
		vt, err := s.redeem(ctx, hash, store.TokenEmailVerification, now)
		if err != nil {
			return err
		}
		if err := s.Store.SetEmailVerified(ctx, vt.UserID, now); err != nil {
			return err
		}
		user, err = s.Store.GetUserByID(ctx, vt.UserID)
		return err
	})
	if err != nil {
		return nil, asAuthError("verifying email", err)
	}

	s.recordActivity(ctx, &user.ID, ActivityEmailVerified, nil)
	out := toPublicUser(user)
	return &out, nil
}

// ResendVerification issues a fresh EMAIL_VERIFICATION token if the account
// exists and is unverified. Always succeeds from the caller's point of view.
func (s *Service) ResendVerification(ctx context.Context, email string) (err error) {
	defer func() { s.observe("verify_email_resend", err) }()

	email = NormalizeEmail(email)
	if msg := ValidateEmail(email); msg != "" {
		return validationError(msg)
	}
	if err := s.allow(ctx, "resend:email:"+email, s.RateLimits.Resend); err != nil {
		return err
	}

	user, err := s.Store.GetUserByEmail(ctx, email)
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		return serverError("fetching user", err)
	}
	if user.EmailVerifiedAt != nil {
		return nil
	}

	tokenID, err := uuid.NewV7()
	if err != nil {
		return serverError("generating token id", err)
	}
	rawToken, tokenHash, err := GenerateToken()
	if err != nil {
		return serverError("generating verification token", err)
	}
	err = s.Store.CreateVerificationToken(ctx, &store.VerificationToken{
		ID:        tokenID,
		UserID:    user.ID,
		TokenHash: tokenHash,
		Type:      store.TokenEmailVerification,
		ExpiresAt: s.now().Add(EmailVerificationTTL),
	})
	if err != nil {
		return serverError("creating verification token", err)
	}

	s.sendVerification(ctx, user, rawToken)
	return nil
}

// redeem consumes a token of type typ. When nothing was consumed it explains why:
// unknown or other-type tokens are NOT_FOUND; expiry is checked before used-ness.
func (s *Service) redeem(ctx context.Context, hash []byte, typ store.TokenType, now time.Time) (*store.VerificationToken, error) {
	vt, err := s.Store.RedeemVerificationToken(ctx, hash, typ, now)
	if err == nil {
		return vt, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, serverError("redeeming token", err)
	}

	existing, err := s.Store.GetVerificationToken(ctx, hash)
	if errors.Is(err, store.ErrNotFound) {
		return nil, notFound("invalid or expired token")
	}
	if err != nil {
		return nil, serverError("fetching token", err)
	}

	switch {
	case existing.Type != typ:
		return nil, notFound("invalid or expired token")
	case now.After(existing.ExpiresAt):
		return nil, unauthorized("token has expired")
	case existing.UsedAt != nil:
		return nil, unauthorized("token has already been used")
	default:
		// Row is live yet the update missed it, treat as a lost race
		return nil, unauthorized("token has already been used")
	}
}
