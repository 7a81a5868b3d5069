// Package auth is the transport-independent core of the service: registration,
// credential and two-factor login, magic links, email verification, OAuth
// account linking and session lifecycle.
//
// service.go -- Service wiring, collaborator interfaces, and session issuance.
package auth

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/vln-gg/vlnauth/internal/metrics"
	"github.com/vln-gg/vlnauth/internal/store"
)

// Fixed lifetimes. Clients depend on these exact values.
const (
	SessionTTL           = 30 * 24 * time.Hour
	MagicLinkTTL         = 15 * time.Minute
	EmailVerificationTTL = 24 * time.Hour
	ChallengeTTL         = 5 * time.Minute
)

// Activity actions written to the audit log.
const (
	ActivityRegister         = "REGISTER"
	ActivityLogin            = "LOGIN"
	ActivityOAuthLogin       = "OAUTH_LOGIN"
	ActivityMagicLinkLogin   = "MAGIC_LINK_LOGIN"
	ActivityLogout           = "LOGOUT"
	ActivityEmailVerified    = "EMAIL_VERIFIED"
	ActivityTwoFactorEnabled = "TWO_FACTOR_ENABLED"
	ActivityOAuthLinked      = "OAUTH_LINKED"
)

// Store is the durable persistence the core needs.
// WithTx runs fn in one transaction; store calls made with the ctx passed to fn join it.
type Store interface {
	WithTx(ctx context.Context, fn func(ctx context.Context) error) error

	CreateUser(ctx context.Context, u *store.User) error
	GetUserByEmail(ctx context.Context, email string) (*store.User, error)
	GetUserByID(ctx context.Context, id uuid.UUID) (*store.User, error)
	FindOrCreateUserByEmail(ctx context.Context, id uuid.UUID, email string, role store.Role) (*store.User, bool, error)
	SetEmailVerified(ctx context.Context, userID uuid.UUID, at time.Time) error
	UpdateLastLogin(ctx context.Context, userID uuid.UUID, at time.Time) error
	SetTwoFactorSecret(ctx context.Context, userID uuid.UUID, encryptedSecret string) error
	EnableTwoFactor(ctx context.Context, userID uuid.UUID) error

	CreateVerificationToken(ctx context.Context, t *store.VerificationToken) error
	GetVerificationToken(ctx context.Context, tokenHash []byte) (*store.VerificationToken, error)
	RedeemVerificationToken(ctx context.Context, tokenHash []byte, typ store.TokenType, now time.Time) (*store.VerificationToken, error)

	CreateSession(ctx context.Context, sess *store.Session) error
	GetSessionByTokenHash(ctx context.Context, tokenHash []byte) (*store.Session, error)
	DeleteSession(ctx context.Context, tokenHash []byte) error
	DeleteAllUserSessions(ctx context.Context, userID uuid.UUID) (int64, error)

	GetUserByOAuthAccount(ctx context.Context, provider store.Provider, providerAccountID string) (*store.User, error)
	UpsertOAuthAccount(ctx context.Context, a *store.OAuthAccount) error

	RecordActivity(ctx context.Context, e store.ActivityEntry) error
}

// SessionCache is the fast path for session validation. Optional.
type SessionCache interface {
	SetSession(ctx context.Context, tokenKey string, sess store.CachedSession, ttl time.Duration) error
	GetSession(ctx context.Context, tokenKey string) (*store.CachedSession, error)
	DeleteSession(ctx context.Context, tokenKey string, userID uuid.UUID) error
	DeleteAllUserSessions(ctx context.Context, userID uuid.UUID) error
}

// RateLimiter counts attempts per key. Optional.
type RateLimiter interface {
	Allow(ctx context.Context, key string, policy store.RateLimit) error
}

// ReplayGuard hands out one-time claims. Required for two-factor login.
type ReplayGuard interface {
	Claim(ctx context.Context, key string, ttl time.Duration) error
}

// Mailer delivers verification and sign-in links. Optional.
type Mailer interface {
	SendEmailVerification(ctx context.Context, toEmail, token string, expiresIn time.Duration, vars map[string]string) error
	SendMagicLink(ctx context.Context, toEmail, token string, expiresIn time.Duration, vars map[string]string) error
}

// RateLimits holds per-action policies. Zero policies are not enforced.
type RateLimits struct {
	Login     store.RateLimit
	MagicLink store.RateLimit
	TwoFactor store.RateLimit
	Resend    store.RateLimit
}

// TwoFactorConfig holds the keys for TOTP secrets at rest and login challenges.
type TwoFactorConfig struct {
	EncryptionKey []byte // AES-256 key, 32 bytes
	SigningKey    []byte // HS256 key for challenge tokens
	Issuer        string // shown in authenticator apps
}

// Service implements every auth operation. Only Store is required.
type Service struct {
	Store   Store
	Cache   SessionCache
	Limiter RateLimiter
	Replay  ReplayGuard
	Mailer  Mailer
	Logger  *slog.Logger

	Policy                   PasswordPolicy
	BcryptCost               int
	RequireEmailVerification bool
	RateLimits               RateLimits
	TwoFactor                TwoFactorConfig

	// Now is the clock used for every expiry decision. Defaults to time.Now.
	Now func() time.Time
}

// PublicUser is the user shape exposed to clients.
type PublicUser struct {
	ID    uuid.UUID  `json:"id"`
	Email string     `json:"email"`
	Name  *string    `json:"name"`
	Role  store.Role `json:"role"`
}

// SessionGrant is a freshly issued session. Token is the only copy of the raw token.
type SessionGrant struct {
	Token     string
	ExpiresAt time.Time
	IssuedAt  time.Time
	User      PublicUser
}

// ClientInfo is request metadata stored with sessions and activity entries.
type ClientInfo struct {
	IP        string
	UserAgent string
}

type clientKey struct{}

// WithClientInfo attaches request metadata for the operations called with ctx.
func WithClientInfo(ctx context.Context, ci ClientInfo) context.Context {
	return context.WithValue(ctx, clientKey{}, ci)
}

func clientInfoFrom(ctx context.Context) ClientInfo {
	ci, _ := ctx.Value(clientKey{}).(ClientInfo)
	return ci
}

func (s *Service) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

func (s *Service) log() *slog.Logger {
	if s.Logger != nil {
		return s.Logger
	}
	return slog.Default()
}

func (s *Service) policy() PasswordPolicy {
	if s.Policy == (PasswordPolicy{}) {
		return DefaultPasswordPolicy
	}
	return s.Policy
}

// observe counts the outcome of a public operation.
func (s *Service) observe(op string, err error) {
	outcome := "success"
	if err != nil {
		outcome = strings.ToLower(string(CodeOf(err)))
	}
	metrics.AuthEvents.WithLabelValues(op, outcome).Inc()
}

// allow applies a rate limit policy. Limiter outages fail open with a warning.
func (s *Service) allow(ctx context.Context, key string, policy store.RateLimit) error {
	if s.Limiter == nil {
		return nil
	}
	err := s.Limiter.Allow(ctx, key, policy)
	if errors.Is(err, store.ErrRateLimitExceeded) {
		return rateLimited()
	}
	if err != nil {
		s.log().Warn("rate limiter unavailable, allowing request", "key", key, "error", err)
	}
	return nil
}

// asAuthError passes *Error through and wraps anything else as a server error.
func asAuthError(op string, err error) error {
	var ae *Error
	if errors.As(err, &ae) {
		return ae
	}
	return serverError(op, err)
}

func optString(v string) *string {
	if v == "" {
		return nil
	}
	return &v
}

func toPublicUser(u *store.User) PublicUser {
	return PublicUser{ID: u.ID, Email: u.Email, Name: u.Name, Role: u.Role}
}

// newSession inserts a session row for userID and returns it with the raw token.
// Called inside a transaction when the session must commit with other writes.
func (s *Service) newSession(ctx context.Context, userID uuid.UUID, now time.Time) (*store.Session, string, error) {
	raw, hash, err := GenerateToken()
	if err != nil {
		return nil, "", serverError("generating session token", err)
	}
	id, err := uuid.NewV7()
	if err != nil {
		return nil, "", serverError("generating session id", err)
	}

	ci := clientInfoFrom(ctx)
	sess := &store.Session{
		ID:        id,
		UserID:    userID,
		TokenHash: hash,
		ExpiresAt: now.Add(SessionTTL),
		IPAddress: optString(ci.IP),
		UserAgent: optString(ci.UserAgent),
		CreatedAt: now,
	}
	if err := s.Store.CreateSession(ctx, sess); err != nil {
		return nil, "", serverError("creating session", err)
	}
	return sess, raw, nil
}

// cacheSession writes a session to the cache. Non-fatal on failure.
// Skips if TTL <= 0, Redis SET with TTL=0 means no expiry, not immediate expiry.
func (s *Service) cacheSession(ctx context.Context, key string, cs store.CachedSession) {
	if s.Cache == nil {
		return
	}
	ttl := cs.ExpiresAt.Sub(s.now())
	if ttl <= 0 {
		return
	}
	if err := s.Cache.SetSession(ctx, key, cs, ttl); err != nil {
		s.log().Warn("failed to cache session", "user_id", cs.UserID, "error", err)
	}
}

// completeSignIn runs the post-commit side effects of a sign-in and builds the grant.
func (s *Service) completeSignIn(ctx context.Context, user *store.User, sess *store.Session, raw, action string, meta map[string]any) *SessionGrant {
	s.cacheSession(ctx, cacheKey(sess.TokenHash), store.CachedSession{
		SessionID: sess.ID,
		UserID:    sess.UserID,
		ExpiresAt: sess.ExpiresAt,
		IssuedAt:  sess.CreatedAt,
	})
	if err := s.Store.UpdateLastLogin(ctx, user.ID, sess.CreatedAt); err != nil {
		s.log().Warn("failed to update last login", "user_id", user.ID, "error", err)
	}
	s.recordActivity(ctx, &user.ID, action, meta)

	return &SessionGrant{
		Token:     raw,
		ExpiresAt: sess.ExpiresAt,
		IssuedAt:  sess.CreatedAt,
		User:      toPublicUser(user),
	}
}

// signIn issues a session outside any transaction.
func (s *Service) signIn(ctx context.Context, user *store.User, action string, meta map[string]any) (*SessionGrant, error) {
	sess, raw, err := s.newSession(ctx, user.ID, s.now())
	if err != nil {
		return nil, err
	}
	return s.completeSignIn(ctx, user, sess, raw, action, meta), nil
}

// recordActivity appends to the audit log. Best-effort.
func (s *Service) recordActivity(ctx context.Context, userID *uuid.UUID, action string, meta map[string]any) {
	ci := clientInfoFrom(ctx)
	entry := store.ActivityEntry{
		UserID:    userID,
		Action:    action,
		IPAddress: optString(ci.IP),
		UserAgent: optString(ci.UserAgent),
	}
	if len(meta) > 0 {
		if b, err := json.Marshal(meta); err == nil {
			entry.Metadata = b
		}
	}
	if err := s.Store.RecordActivity(ctx, entry); err != nil {
		s.log().Warn("failed to record activity", "action", action, "error", err)
	}
}
