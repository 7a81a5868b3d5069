package auth

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vln-gg/vlnauth/internal/store"
)

// sendLink issues a magic link and returns the raw token the user would receive.
func sendLink(t *testing.T, f *fixture, email string) string {
	t.Helper()
	require.NoError(t, f.svc.SendMagicLink(context.Background(), email))
	mail, ok := f.mailer.Last("magic_link")
	require.True(t, ok, "no magic link mailed")
	return mail.Token
}

func TestSendMagicLink(t *testing.T) {
	ctx := context.Background()

	t.Run("creates account for a new address", func(t *testing.T) {
		f := newFixture(t)

		tok := sendLink(t, f, "new@x.com")
		assert.NotEmpty(t, tok)

		u := f.store.UserByEmail("new@x.com")
		require.NotNil(t, u)
		assert.Equal(t, store.RoleClient, u.Role)
		assert.Nil(t, u.PasswordHash)
		assert.Nil(t, u.EmailVerifiedAt)

		tokens := f.store.TokensFor(u.ID)
		require.Len(t, tokens, 1)
		assert.Equal(t, store.TokenMagicLink, tokens[0].Type)
		assert.Equal(t, f.clock().Add(MagicLinkTTL), tokens[0].ExpiresAt)
		mail, _ := f.mailer.Last("magic_link")
		assert.Equal(t, MagicLinkTTL, mail.ExpiresIn)
	})

	t.Run("reuses an existing account", func(t *testing.T) {
		u := verifiedUser(t, "existing@x.com")
		f := newFixture(t, u)

		sendLink(t, f, "Existing@x.com")
		assert.Equal(t, 1, f.store.UserCount())
		assert.Len(t, f.store.TokensFor(u.ID), 1)
	})

	t.Run("invalid email", func(t *testing.T) {
		f := newFixture(t)
		requireCode(t, f.svc.SendMagicLink(ctx, "bogus"), CodeValidation)
		assert.Equal(t, 0, f.store.UserCount())
	})

	t.Run("rate limited", func(t *testing.T) {
		f := newFixture(t)
		f.limiter.Blocked = map[string]bool{"magiclink:email:spam@x.com": true}
		requireCode(t, f.svc.SendMagicLink(ctx, "spam@x.com"), CodeRateLimited)
	})
}

func TestVerifyMagicLink(t *testing.T) {
	ctx := context.Background()

	t.Run("signs in once, verifies email, then rejects reuse", func(t *testing.T) {
		f := newFixture(t)
		tok := sendLink(t, f, "new@x.com")

		grant, err := f.svc.VerifyMagicLink(ctx, tok)
		require.NoError(t, err)
		assert.NotEmpty(t, grant.Token)
		assert.Equal(t, "new@x.com", grant.User.Email)
		assert.Equal(t, f.clock().Add(SessionTTL), grant.ExpiresAt)

		u := f.store.UserByEmail("new@x.com")
		require.NotNil(t, u.EmailVerifiedAt)
		assert.Len(t, f.store.SessionsFor(u.ID), 1)
		assert.Contains(t, f.store.ActionsFor(u.ID), ActivityMagicLinkLogin)

		_, err = f.svc.VerifyMagicLink(ctx, tok)
		requireCode(t, err, CodeUnauthorized)
		assert.Equal(t, "token has already been used", err.(*Error).Message)
		assert.Len(t, f.store.SessionsFor(u.ID), 1)
	})

	t.Run("concurrent double redemption yields one session", func(t *testing.T) {
		f := newFixture(t)
		tok := sendLink(t, f, "race@x.com")

		var wg sync.WaitGroup
		errs := make([]error, 8)
		for i := range errs {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				_, errs[i] = f.svc.VerifyMagicLink(ctx, tok)
			}(i)
		}
		wg.Wait()

		var ok int
		for _, err := range errs {
			if err == nil {
				ok++
				continue
			}
			assert.Equal(t, CodeUnauthorized, CodeOf(err))
		}
		assert.Equal(t, 1, ok)
		u := f.store.UserByEmail("race@x.com")
		assert.Len(t, f.store.SessionsFor(u.ID), 1)
	})

	t.Run("expired token rejected even though unused", func(t *testing.T) {
		f := newFixture(t)
		tok := sendLink(t, f, "late@x.com")
		f.advance(MagicLinkTTL + time.Second)

		_, err := f.svc.VerifyMagicLink(ctx, tok)
		requireCode(t, err, CodeUnauthorized)
		assert.Equal(t, "token has expired", err.(*Error).Message)

		u := f.store.UserByEmail("late@x.com")
		assert.Nil(t, u.EmailVerifiedAt)
		tokens := f.store.TokensFor(u.ID)
		require.Len(t, tokens, 1)
		assert.Nil(t, tokens[0].UsedAt, "expired token must stay unused")
	})

	t.Run("still valid at exactly expiresAt", func(t *testing.T) {
		f := newFixture(t)
		tok := sendLink(t, f, "edge@x.com")
		f.advance(MagicLinkTTL)

		_, err := f.svc.VerifyMagicLink(ctx, tok)
		assert.NoError(t, err)
	})

	t.Run("expiry reported before used-ness", func(t *testing.T) {
		f := newFixture(t)
		tok := sendLink(t, f, "both@x.com")
		_, err := f.svc.VerifyMagicLink(ctx, tok)
		require.NoError(t, err)
		f.advance(time.Hour)

		_, err = f.svc.VerifyMagicLink(ctx, tok)
		requireCode(t, err, CodeUnauthorized)
		assert.Equal(t, "token has expired", err.(*Error).Message)
	})

	t.Run("email verification token is not a magic link", func(t *testing.T) {
		f := newFixture(t)
		_, err := f.svc.Register(ctx, RegisterInput{Email: "cross@x.com", Password: testPassword})
		require.NoError(t, err)
		mail, _ := f.mailer.Last("email_verification")

		_, err = f.svc.VerifyMagicLink(ctx, mail.Token)
		requireCode(t, err, CodeNotFound)

		u := f.store.UserByEmail("cross@x.com")
		assert.Empty(t, f.store.SessionsFor(u.ID))
		assert.Nil(t, f.store.TokensFor(u.ID)[0].UsedAt)
	})

	t.Run("unknown token", func(t *testing.T) {
		f := newFixture(t)
		raw, _, err := GenerateToken()
		require.NoError(t, err)

		_, err = f.svc.VerifyMagicLink(ctx, raw)
		requireCode(t, err, CodeNotFound)
	})

	t.Run("malformed token", func(t *testing.T) {
		f := newFixture(t)
		_, err := f.svc.VerifyMagicLink(ctx, "")
		requireCode(t, err, CodeValidation)
		_, err = f.svc.VerifyMagicLink(ctx, "abc")
		requireCode(t, err, CodeValidation)
	})

	t.Run("session failure leaves token unused", func(t *testing.T) {
		f := newFixture(t)
		tok := sendLink(t, f, "rollback@x.com")
		f.store.CreateSessionErr = assert.AnError

		_, err := f.svc.VerifyMagicLink(ctx, tok)
		requireCode(t, err, CodeServer)

		u := f.store.UserByEmail("rollback@x.com")
		assert.Nil(t, u.EmailVerifiedAt)
		assert.Nil(t, f.store.TokensFor(u.ID)[0].UsedAt)

		f.store.CreateSessionErr = nil
		_, err = f.svc.VerifyMagicLink(ctx, tok)
		assert.NoError(t, err, "token should still be redeemable after rollback")
	})
}

func TestVerifyEmail(t *testing.T) {
	ctx := context.Background()

	t.Run("marks address verified once", func(t *testing.T) {
		f := newFixture(t)
		_, err := f.svc.Register(ctx, RegisterInput{Email: "verify@x.com", Password: testPassword})
		require.NoError(t, err)
		mail, _ := f.mailer.Last("email_verification")

		pu, err := f.svc.VerifyEmail(ctx, mail.Token)
		require.NoError(t, err)
		assert.Equal(t, "verify@x.com", pu.Email)
		u := f.store.UserByEmail("verify@x.com")
		assert.NotNil(t, u.EmailVerifiedAt)
		assert.Contains(t, f.store.ActionsFor(u.ID), ActivityEmailVerified)

		_, err = f.svc.VerifyEmail(ctx, mail.Token)
		requireCode(t, err, CodeUnauthorized)
	})

	t.Run("magic link token is not an email verification token", func(t *testing.T) {
		f := newFixture(t)
		tok := sendLink(t, f, "ml@x.com")

		_, err := f.svc.VerifyEmail(ctx, tok)
		requireCode(t, err, CodeNotFound)
	})

	t.Run("expires after 24h", func(t *testing.T) {
		f := newFixture(t)
		_, err := f.svc.Register(ctx, RegisterInput{Email: "slow@x.com", Password: testPassword})
		require.NoError(t, err)
		mail, _ := f.mailer.Last("email_verification")
		f.advance(EmailVerificationTTL + time.Minute)

		_, err = f.svc.VerifyEmail(ctx, mail.Token)
		requireCode(t, err, CodeUnauthorized)
	})
}

func TestResendVerification(t *testing.T) {
	ctx := context.Background()

	t.Run("unverified user gets a fresh token", func(t *testing.T) {
		u := verifiedUser(t, "resend@x.com")
		u.EmailVerifiedAt = nil
		f := newFixture(t, u)

		require.NoError(t, f.svc.ResendVerification(ctx, u.Email))
		_, ok := f.mailer.Last("email_verification")
		assert.True(t, ok)
		assert.Len(t, f.store.TokensFor(u.ID), 1)
	})

	t.Run("verified and unknown users are silently ignored", func(t *testing.T) {
		u := verifiedUser(t, "done@x.com")
		f := newFixture(t, u)

		require.NoError(t, f.svc.ResendVerification(ctx, u.Email))
		require.NoError(t, f.svc.ResendVerification(ctx, "ghost@x.com"))
		assert.Empty(t, f.mailer.Sent())
	})

	t.Run("invalid email", func(t *testing.T) {
		f := newFixture(t)
		requireCode(t, f.svc.ResendVerification(ctx, "x"), CodeValidation)
	})
}
