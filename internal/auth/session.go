// session.go

// Session validation, refresh and logout.
package auth

import (
	"context"
	"errors"
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/vln-gg/vlnauth/internal/store"
)

// SessionInfo describes a live session and its user.
type SessionInfo struct {
	SessionID uuid.UUID
	User      PublicUser
	ExpiresAt time.Time
	IssuedAt  time.Time
}

// ValidateSession resolves a raw session token, Redis first then Postgres.
// Unknown, malformed and expired tokens are all UNAUTHORIZED.
func (s *Service) ValidateSession(ctx context.Context, token string) (info *SessionInfo, err error) {
	hash, err := HashToken(token)
	if err != nil {
		return nil, unauthorized("invalid session")
	}

	cs, err := s.lookupSession(ctx, hash)
	if err != nil {
		return nil, err
	}
	// Cache TTL and cleanup both lag, the clock is what decides
	if s.now().After(cs.ExpiresAt) {
		return nil, unauthorized("session expired")
	}

	user, err := s.Store.GetUserByID(ctx, cs.UserID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, unauthorized("invalid session")
	}
	if err != nil {
		return nil, serverError("fetching session user", err)
	}

	return &SessionInfo{
		SessionID: cs.SessionID,
		User:      toPublicUser(user),
		ExpiresAt: cs.ExpiresAt,
		IssuedAt:  cs.IssuedAt,
	}, nil
}

// RefreshSession re-validates the session. Expiry stays absolute and is not extended.
func (s *Service) RefreshSession(ctx context.Context, token string) (info *SessionInfo, err error) {
	defer func() { s.observe("session_refresh", err) }()
	return s.ValidateSession(ctx, token)
}

// Logout deletes one session from Redis then Postgres. A cache hit is trusted by
// ValidateSession, so a failed cache delete aborts before the row is touched.
func (s *Service) Logout(ctx context.Context, token string) (err error) {
	defer func() { s.observe("logout", err) }()

	hash, err := HashToken(token)
	if err != nil {
		return unauthorized("invalid session")
	}
	sess, err := s.Store.GetSessionByTokenHash(ctx, hash)
	if errors.Is(err, store.ErrNotFound) {
		return unauthorized("invalid session")
	}
	if err != nil {
		return serverError("fetching session", err)
	}

	if s.Cache != nil {
		if err := s.Cache.DeleteSession(ctx, cacheKey(hash), sess.UserID); err != nil {
			return serverError("deleting cached session", err)
		}
	}
	if err := s.Store.DeleteSession(ctx, hash); err != nil {
		return serverError("deleting session", err)
	}

	s.recordActivity(ctx, &sess.UserID, ActivityLogout, nil)
	return nil
}

// LogoutAll ends every session the user has, returns how many were removed.
// Like Logout, it fails without touching Postgres if the cache cannot be cleared.
func (s *Service) LogoutAll(ctx context.Context, userID uuid.UUID) (n int64, err error) {
	defer func() { s.observe("logout_all", err) }()

	if s.Cache != nil {
		if err := s.Cache.DeleteAllUserSessions(ctx, userID); err != nil {
			return 0, serverError("deleting cached sessions", err)
		}
	}
	n, err = s.Store.DeleteAllUserSessions(ctx, userID)
	if err != nil {
		return 0, serverError("deleting sessions", err)
	}

	s.recordActivity(ctx, &userID, ActivityLogout, map[string]any{"all": true, "sessions": n})
	return n, nil
}

// lookupSession finds a session by hash, repopulating the cache on a miss.
func (s *Service) lookupSession(ctx context.Context, hash []byte) (*store.CachedSession, error) {
	key := cacheKey(hash)
	if s.Cache != nil {
		cs, err := s.Cache.GetSession(ctx, key)
		if err == nil {
			return cs, nil
		}
		if !errors.Is(err, store.ErrCacheMiss) {
			// Real Redis failure, Postgres is the fallback but this warrants attention
			s.log().Error("session cache lookup failed, falling back to postgres", "error", err)
		}
	}

	sess, err := s.Store.GetSessionByTokenHash(ctx, hash)
	if errors.Is(err, store.ErrNotFound) {
		return nil, unauthorized("invalid session")
	}
	if err != nil {
		return nil, serverError("fetching session", err)
	}

	cs := store.CachedSession{
		SessionID: sess.ID,
		UserID:    sess.UserID,
		ExpiresAt: sess.ExpiresAt,
		IssuedAt:  sess.CreatedAt,
	}
	s.cacheSession(ctx, key, cs)
	return &cs, nil
}
