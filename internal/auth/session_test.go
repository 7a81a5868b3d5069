package auth

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vln-gg/vlnauth/internal/store"
)

// loginFixture seeds a verified user and returns the fixture with a fresh session token.
func loginFixture(t *testing.T) (*fixture, string) {
	t.Helper()
	u := verifiedUser(t, "session@x.com")
	f := newFixture(t, u)
	res, err := f.svc.Login(context.Background(), u.Email, testPassword)
	require.NoError(t, err)
	return f, res.Session.Token
}

func TestValidateSession(t *testing.T) {
	ctx := context.Background()

	t.Run("valid session from cache", func(t *testing.T) {
		f, tok := loginFixture(t)
		// Cache hit, the sessions table is never asked
		f.store.GetSessionErr = errors.New("should not be called")

		info, err := f.svc.ValidateSession(ctx, tok)
		require.NoError(t, err)
		assert.Equal(t, "session@x.com", info.User.Email)
		assert.Equal(t, f.clock().Add(SessionTTL), info.ExpiresAt)
		assert.Equal(t, f.clock(), info.IssuedAt)
	})

	t.Run("cache miss falls back to postgres and repopulates", func(t *testing.T) {
		f, tok := loginFixture(t)
		// Pretend Redis evicted it
		f.cache.Sessions = map[string]store.CachedSession{}

		info, err := f.svc.ValidateSession(ctx, tok)
		require.NoError(t, err)
		assert.Equal(t, "session@x.com", info.User.Email)
		assert.Equal(t, 1, f.cache.Len())
	})

	t.Run("cache outage falls back to postgres", func(t *testing.T) {
		f, tok := loginFixture(t)
		f.cache.GetErr = errors.New("redis down")

		_, err := f.svc.ValidateSession(ctx, tok)
		assert.NoError(t, err)
	})

	t.Run("expired session is unauthorized", func(t *testing.T) {
		f, tok := loginFixture(t)
		f.advance(SessionTTL + time.Second)

		info, err := f.svc.ValidateSession(ctx, tok)
		requireCode(t, err, CodeUnauthorized)
		assert.Nil(t, info)
	})

	t.Run("unknown and malformed tokens", func(t *testing.T) {
		f, _ := loginFixture(t)
		raw, _, _ := GenerateToken()

		_, err := f.svc.ValidateSession(ctx, raw)
		requireCode(t, err, CodeUnauthorized)
		_, err = f.svc.ValidateSession(ctx, "garbage")
		requireCode(t, err, CodeUnauthorized)
	})

	t.Run("deleted user invalidates the session", func(t *testing.T) {
		f, tok := loginFixture(t)
		u := f.store.UserByEmail("session@x.com")
		delete(f.store.Users, u.ID)

		_, err := f.svc.ValidateSession(ctx, tok)
		requireCode(t, err, CodeUnauthorized)
	})
}

func TestRefreshSession(t *testing.T) {
	f, tok := loginFixture(t)
	f.advance(24 * time.Hour)

	info, err := f.svc.RefreshSession(context.Background(), tok)
	require.NoError(t, err)
	// Absolute expiry, refresh does not slide it
	assert.Equal(t, info.IssuedAt.Add(SessionTTL), info.ExpiresAt)
}

func TestLogout(t *testing.T) {
	ctx := context.Background()

	t.Run("removes the session everywhere", func(t *testing.T) {
		f, tok := loginFixture(t)
		u := f.store.UserByEmail("session@x.com")

		require.NoError(t, f.svc.Logout(ctx, tok))
		assert.Empty(t, f.store.SessionsFor(u.ID))
		assert.Equal(t, 0, f.cache.Len())
		assert.Contains(t, f.store.ActionsFor(u.ID), ActivityLogout)

		_, err := f.svc.ValidateSession(ctx, tok)
		requireCode(t, err, CodeUnauthorized)
	})

	t.Run("cache failure aborts and keeps the session", func(t *testing.T) {
		f, tok := loginFixture(t)
		u := f.store.UserByEmail("session@x.com")
		f.cache.DeleteErr = errors.New("redis down")

		requireCode(t, f.svc.Logout(ctx, tok), CodeServer)
		assert.Len(t, f.store.SessionsFor(u.ID), 1)

		// Retry once Redis is back really revokes it
		f.cache.DeleteErr = nil
		require.NoError(t, f.svc.Logout(ctx, tok))
		_, err := f.svc.ValidateSession(ctx, tok)
		requireCode(t, err, CodeUnauthorized)
	})

	t.Run("logout all with cache failure", func(t *testing.T) {
		f, tok := loginFixture(t)
		u := f.store.UserByEmail("session@x.com")
		f.cache.DeleteErr = errors.New("redis down")

		n, err := f.svc.LogoutAll(ctx, u.ID)
		requireCode(t, err, CodeServer)
		assert.Zero(t, n)
		assert.Len(t, f.store.SessionsFor(u.ID), 1)

		f.cache.DeleteErr = nil
		_, err = f.svc.LogoutAll(ctx, u.ID)
		require.NoError(t, err)
		_, err = f.svc.ValidateSession(ctx, tok)
		requireCode(t, err, CodeUnauthorized)
	})

	t.Run("unknown session", func(t *testing.T) {
		f, _ := loginFixture(t)
		raw, _, _ := GenerateToken()
		requireCode(t, f.svc.Logout(ctx, raw), CodeUnauthorized)
	})

	t.Run("logout all ends every session", func(t *testing.T) {
		f, tok := loginFixture(t)
		u := f.store.UserByEmail("session@x.com")
		_, err := f.svc.Login(ctx, u.Email, testPassword)
		require.NoError(t, err)

		n, err := f.svc.LogoutAll(ctx, u.ID)
		require.NoError(t, err)
		assert.Equal(t, int64(2), n)
		assert.Equal(t, 0, f.cache.Len())

		_, err = f.svc.ValidateSession(ctx, tok)
		requireCode(t, err, CodeUnauthorized)
	})
}
