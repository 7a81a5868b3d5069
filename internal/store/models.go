// models.go -- Shared domain types for the store package.
// Used by both Postgres (durable store) and Redis (cache layer).
package store

import (
	"errors"
	"time"

	"github.com/gofrs/uuid/v5"
)

// ErrNotFound is returned by lookups and conditional updates that matched no row.
// pgx.ErrNoRows never leaves this package; callers use errors.Is against this instead.
var ErrNotFound = errors.New("not found")

// ErrDuplicateEmail is returned by CreateUser when the UNIQUE(email) constraint rejects the insert.
var ErrDuplicateEmail = errors.New("email already registered")

// ErrOAuthAccountTaken is returned by UpsertOAuthAccount when (provider, provider_account_id)
// already belongs to a different user.
var ErrOAuthAccountTaken = errors.New("oauth account linked to another user")

// ErrRateLimitExceeded is returned by Allow when the caller is locked out.
// Callers use errors.Is to distinguish rate limit rejections from Redis failures.
var ErrRateLimitExceeded = errors.New("rate limit exceeded")

// ErrCacheMiss is returned by GetSession when the key is not in Redis.
// Callers use errors.Is to distinguish a true miss from a Redis infrastructure failure.
var ErrCacheMiss = errors.New("cache miss")

// ErrAlreadyClaimed is returned by Claim when the key was claimed earlier and has not expired.
var ErrAlreadyClaimed = errors.New("already claimed")

// Role is the privilege tier of a user. RoleClient is the least-privileged tier.
type Role string

const (
	RoleAdmin      Role = "ADMIN"
	RoleResearcher Role = "RESEARCHER"
	RoleManager    Role = "MANAGER"
	RoleClient     Role = "CLIENT"
	RoleGuest      Role = "GUEST"
)

// TokenType scopes a verification token to the flow that issued it.
// Tokens are never interchangeable across types.
type TokenType string

const (
	TokenEmailVerification TokenType = "EMAIL_VERIFICATION"
	TokenMagicLink         TokenType = "MAGIC_LINK"
)

// Provider identifies an OAuth identity provider.
type Provider string

const (
	ProviderGoogle Provider = "GOOGLE"
	ProviderGitHub Provider = "GITHUB"
)

// User represents a row in the users table.
// Nullable columns are pointers, nil means SQL NULL.
type User struct {
	ID               uuid.UUID
	Email            string
	Name             *string
	PasswordHash     *string
	Role             Role
	EmailVerifiedAt  *time.Time
	TwoFactorEnabled bool
	TwoFactorSecret  *string // AES-GCM ciphertext, hex encoded
	LastLoginAt      *time.Time
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// VerificationToken represents a row in the verification_tokens table.
// Only the SHA-256 hash of the raw token is stored.
// UsedAt is nil until consumed; set once on use to prevent replay.
type VerificationToken struct {
	ID        uuid.UUID
	UserID    uuid.UUID
	TokenHash []byte
	Type      TokenType
	ExpiresAt time.Time
	UsedAt    *time.Time
	CreatedAt time.Time
}

// Session represents a row in the sessions table.
// CreatedAt doubles as the session's issued-at time.
type Session struct {
	ID        uuid.UUID
	UserID    uuid.UUID
	TokenHash []byte
	ExpiresAt time.Time
	IPAddress *string
	UserAgent *string
	CreatedAt time.Time
}

// CachedSession is the JSON shape stored in Redis for cached sessions.
// Only the fields needed for fast session validation. Full metadata lives in Postgres.
type CachedSession struct {
	SessionID uuid.UUID `json:"session_id"`
	UserID    uuid.UUID `json:"user_id"`
	ExpiresAt time.Time `json:"expires_at"`
	IssuedAt  time.Time `json:"issued_at"`
}

// OAuthAccount represents a row in the oauth_accounts table.
// (Provider, ProviderAccountID) is unique.
type OAuthAccount struct {
	ID                uuid.UUID
	UserID            uuid.UUID
	Provider          Provider
	ProviderAccountID string
	AccessToken       *string
	RefreshToken      *string
	ExpiresAt         *time.Time
	CreatedAt         time.Time
}

// RateLimit defines the policy for a rate-limited action.
// All three fields required, zero values disable the respective behaviour.
type RateLimit struct {
	MaxAttempts int           // attempts allowed within Window before lockout
	Window      time.Duration // rolling window for attempt counting
	LockoutTTL  time.Duration // how long to block after MaxAttempts is hit
}

// ActivityEntry represents a row in the activity_logs table.
// UserID is nil for events where no user is identified.
// Metadata holds optional event context as a raw JSON blob.
type ActivityEntry struct {
	UserID    *uuid.UUID
	Action    string
	IPAddress *string
	UserAgent *string
	Metadata  []byte
}
