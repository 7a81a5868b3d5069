// Package store handles all database and cache interactions.
//
// postgres.go -- pgxpool connection setup and queries.
// Creates a connection pool at startup, shared across all handlers.
// All queries use parameterized statements (no string concatenation).
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// pgUniqueViolation is the SQLSTATE Postgres raises on a UNIQUE constraint hit.
const pgUniqueViolation = "23505"

// dbtx is the query surface shared by *pgxpool.Pool and pgx.Tx.
type dbtx interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// txKey marks an in-flight transaction on the context.
type txKey struct{}

// The store used by program to connect with Postgres db
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates and returns a verified connection pool
// to PostgreSQL wrapped in a store.
// Call once at startup from main.go...the returned store is safe for concurrent use.
func NewPostgresStore(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, err
	}

	// Ping db to make sure connection works
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	return &PostgresStore{pool: pool}, nil
}

// Close shuts down the connection pool and releases all resources.
func (s *PostgresStore) Close() {
	s.pool.Close()
}

// CheckHealth pings Postgres, used by the /health endpoint.
func (s *PostgresStore) CheckHealth(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// WithTx runs fn inside a single transaction. Every store call made with the
// ctx handed to fn joins that transaction. fn returning an error rolls back
// everything it wrote; a nil return commits.
// Nested calls reuse the outer transaction.
func (s *PostgresStore) WithTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if _, ok := ctx.Value(txKey{}).(pgx.Tx); ok {
		return fn(ctx)
	}
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		return fn(context.WithValue(ctx, txKey{}, tx))
	})
}

// conn returns the transaction bound to ctx, or the pool when there is none.
func (s *PostgresStore) conn(ctx context.Context) dbtx {
	if tx, ok := ctx.Value(txKey{}).(pgx.Tx); ok {
		return tx
	}
	return s.pool
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation
}

// --- Users ---

const userColumns = `id, email, name, password_hash, role, email_verified_at,
	two_factor_enabled, two_factor_secret, last_login_at, created_at, updated_at`

func scanUser(row pgx.Row) (*User, error) {
	var u User
	err := row.Scan(
		&u.ID, &u.Email, &u.Name, &u.PasswordHash, &u.Role, &u.EmailVerifiedAt,
		&u.TwoFactorEnabled, &u.TwoFactorSecret, &u.LastLoginAt, &u.CreatedAt, &u.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &u, nil
}

// CreateUser inserts a new user. The caller generates the UUID v7 and bcrypt hash.
// Fills in CreatedAt/UpdatedAt from the database defaults.
// Returns ErrDuplicateEmail when the email is already taken.
func (s *PostgresStore) CreateUser(ctx context.Context, u *User) error {
	err := s.conn(ctx).QueryRow(ctx, `
		INSERT INTO users (id, email, name, password_hash, role, email_verified_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING created_at, updated_at`,
		u.ID, u.Email, u.Name, u.PasswordHash, u.Role, u.EmailVerifiedAt,
	).Scan(&u.CreatedAt, &u.UpdatedAt)
	if isUniqueViolation(err) {
		return ErrDuplicateEmail
	}
	if err != nil {
		return fmt.Errorf("inserting user: %w", err)
	}
	return nil
}

// GetUserByEmail looks up a user by normalized email. Returns ErrNotFound if absent.
func (s *PostgresStore) GetUserByEmail(ctx context.Context, email string) (*User, error) {
	return scanUser(s.conn(ctx).QueryRow(ctx,
		"SELECT "+userColumns+" FROM users WHERE email = $1", email))
}

// GetUserByID looks up a user by primary key. Returns ErrNotFound if absent.
func (s *PostgresStore) GetUserByID(ctx context.Context, id uuid.UUID) (*User, error) {
	return scanUser(s.conn(ctx).QueryRow(ctx,
		"SELECT "+userColumns+" FROM users WHERE id = $1", id))
}

// FindOrCreateUserByEmail returns the user with this email, creating a
// passwordless one with the given id and role when none exists.
// created reports whether this call inserted the row.
// Concurrent callers for the same email converge on a single row.
func (s *PostgresStore) FindOrCreateUserByEmail(ctx context.Context, id uuid.UUID, email string, role Role) (*User, bool, error) {
	u, err := scanUser(s.conn(ctx).QueryRow(ctx, `
		INSERT INTO users (id, email, role) VALUES ($1, $2, $3)
		ON CONFLICT (email) DO NOTHING
		RETURNING `+userColumns,
		id, email, role))
	if err == nil {
		return u, true, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, false, fmt.Errorf("inserting user: %w", err)
	}

	// Lost the race (or user already existed), read the winner
	u, err = s.GetUserByEmail(ctx, email)
	if err != nil {
		return nil, false, err
	}
	return u, false, nil
}

// SetEmailVerified stamps email_verified_at if it is still NULL.
// Verifying an already-verified user is a no-op and not an error.
func (s *PostgresStore) SetEmailVerified(ctx context.Context, userID uuid.UUID, at time.Time) error {
	_, err := s.conn(ctx).Exec(ctx, `
		UPDATE users SET email_verified_at = $2, updated_at = now()
		WHERE id = $1 AND email_verified_at IS NULL`,
		userID, at)
	if err != nil {
		return fmt.Errorf("verifying email: %w", err)
	}
	return nil
}

// UpdateLastLogin records a successful sign-in.
func (s *PostgresStore) UpdateLastLogin(ctx context.Context, userID uuid.UUID, at time.Time) error {
	_, err := s.conn(ctx).Exec(ctx,
		"UPDATE users SET last_login_at = $2 WHERE id = $1", userID, at)
	if err != nil {
		return fmt.Errorf("updating last login: %w", err)
	}
	return nil
}

// SetTwoFactorSecret stores a pending (not yet enabled) encrypted TOTP secret.
// Re-running setup before activation overwrites the pending secret.
func (s *PostgresStore) SetTwoFactorSecret(ctx context.Context, userID uuid.UUID, encryptedSecret string) error {
	tag, err := s.conn(ctx).Exec(ctx, `
		UPDATE users SET two_factor_secret = $2, updated_at = now()
		WHERE id = $1 AND two_factor_enabled = false`,
		userID, encryptedSecret)
	if err != nil {
		return fmt.Errorf("storing two-factor secret: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// EnableTwoFactor flips two_factor_enabled once a secret is on file.
func (s *PostgresStore) EnableTwoFactor(ctx context.Context, userID uuid.UUID) error {
	tag, err := s.conn(ctx).Exec(ctx, `
		UPDATE users SET two_factor_enabled = true, updated_at = now()
		WHERE id = $1 AND two_factor_secret IS NOT NULL`,
		userID)
	if err != nil {
		return fmt.Errorf("enabling two-factor: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// --- Verification tokens ---

const tokenColumns = "id, user_id, token_hash, token_type, expires_at, used_at, created_at"

func scanToken(row pgx.Row) (*VerificationToken, error) {
	var t VerificationToken
	err := row.Scan(&t.ID, &t.UserID, &t.TokenHash, &t.Type, &t.ExpiresAt, &t.UsedAt, &t.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// CreateVerificationToken inserts a single-use token. Only the hash is stored.
func (s *PostgresStore) CreateVerificationToken(ctx context.Context, t *VerificationToken) error {
	err := s.conn(ctx).QueryRow(ctx, `
		INSERT INTO verification_tokens (id, user_id, token_hash, token_type, expires_at)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING created_at`,
		t.ID, t.UserID, t.TokenHash, t.Type, t.ExpiresAt,
	).Scan(&t.CreatedAt)
	if err != nil {
		return fmt.Errorf("inserting verification token: %w", err)
	}
	return nil
}

// GetVerificationToken fetches a token by hash regardless of state.
// Used to explain why a redemption failed.
func (s *PostgresStore) GetVerificationToken(ctx context.Context, tokenHash []byte) (*VerificationToken, error) {
	return scanToken(s.conn(ctx).QueryRow(ctx,
		"SELECT "+tokenColumns+" FROM verification_tokens WHERE token_hash = $1", tokenHash))
}

// RedeemVerificationToken atomically marks a token used. The row must match
// the hash and type, be unused, and not be past expiry at now.
// Of two concurrent redeemers exactly one gets the row, the other ErrNotFound.
func (s *PostgresStore) RedeemVerificationToken(ctx context.Context, tokenHash []byte, typ TokenType, now time.Time) (*VerificationToken, error) {
	t, err := scanToken(s.conn(ctx).QueryRow(ctx, `
		UPDATE verification_tokens SET used_at = $3
		WHERE token_hash = $1 AND token_type = $2
			AND used_at IS NULL AND expires_at >= $3
		RETURNING `+tokenColumns,
		tokenHash, typ, now))
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, fmt.Errorf("redeeming token: %w", err)
	}
	return t, err
}

// --- Sessions ---

const sessionColumns = "id, user_id, token_hash, expires_at, ip_address, user_agent, created_at"

// CreateSession inserts a new session row. CreatedAt must be set by the caller
// so the issued-at time matches the clock used for expiry.
func (s *PostgresStore) CreateSession(ctx context.Context, sess *Session) error {
	_, err := s.conn(ctx).Exec(ctx, `
		INSERT INTO sessions (id, user_id, token_hash, expires_at, ip_address, user_agent, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		sess.ID, sess.UserID, sess.TokenHash, sess.ExpiresAt, sess.IPAddress, sess.UserAgent, sess.CreatedAt)
	if err != nil {
		return fmt.Errorf("inserting session: %w", err)
	}
	return nil
}

// GetSessionByTokenHash returns the session row for a token hash, expired or not.
// Expiry is judged by the caller against its own clock.
func (s *PostgresStore) GetSessionByTokenHash(ctx context.Context, tokenHash []byte) (*Session, error) {
	var sess Session
	err := s.conn(ctx).QueryRow(ctx,
		"SELECT "+sessionColumns+" FROM sessions WHERE token_hash = $1", tokenHash,
	).Scan(&sess.ID, &sess.UserID, &sess.TokenHash, &sess.ExpiresAt, &sess.IPAddress, &sess.UserAgent, &sess.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("fetching session: %w", err)
	}
	return &sess, nil
}

// DeleteSession removes a single session. Deleting a missing session is not an error.
func (s *PostgresStore) DeleteSession(ctx context.Context, tokenHash []byte) error {
	_, err := s.conn(ctx).Exec(ctx, "DELETE FROM sessions WHERE token_hash = $1", tokenHash)
	if err != nil {
		return fmt.Errorf("deleting session: %w", err)
	}
	return nil
}

// DeleteAllUserSessions removes every session for a user, returns how many went.
func (s *PostgresStore) DeleteAllUserSessions(ctx context.Context, userID uuid.UUID) (int64, error) {
	tag, err := s.conn(ctx).Exec(ctx, "DELETE FROM sessions WHERE user_id = $1", userID)
	if err != nil {
		return 0, fmt.Errorf("deleting user sessions: %w", err)
	}
	return tag.RowsAffected(), nil
}

// CleanupExpired deletes sessions past expiry and verification tokens that
// expired more than retention ago. Returns the counts removed from each table.
func (s *PostgresStore) CleanupExpired(ctx context.Context, retention time.Duration) (sessions, tokens int64, err error) {
	tag, err := s.pool.Exec(ctx, "DELETE FROM sessions WHERE expires_at < now()")
	if err != nil {
		return 0, 0, fmt.Errorf("cleaning sessions: %w", err)
	}
	sessions = tag.RowsAffected()

	tag, err = s.pool.Exec(ctx,
		"DELETE FROM verification_tokens WHERE expires_at < $1",
		time.Now().Add(-retention))
	if err != nil {
		return sessions, 0, fmt.Errorf("cleaning verification tokens: %w", err)
	}
	return sessions, tag.RowsAffected(), nil
}

// --- OAuth accounts ---

// GetUserByOAuthAccount returns the user linked to (provider, providerAccountID).
func (s *PostgresStore) GetUserByOAuthAccount(ctx context.Context, provider Provider, providerAccountID string) (*User, error) {
	return scanUser(s.conn(ctx).QueryRow(ctx, `
		SELECT u.id, u.email, u.name, u.password_hash, u.role, u.email_verified_at,
			u.two_factor_enabled, u.two_factor_secret, u.last_login_at, u.created_at, u.updated_at
		FROM oauth_accounts a JOIN users u ON u.id = a.user_id
		WHERE a.provider = $1 AND a.provider_account_id = $2`,
		provider, providerAccountID))
}

// UpsertOAuthAccount links a provider identity to a user, refreshing stored
// provider tokens when the link already exists. A missing refresh token keeps
// the previous one. Returns ErrOAuthAccountTaken if the identity is linked to
// a different user.
func (s *PostgresStore) UpsertOAuthAccount(ctx context.Context, a *OAuthAccount) error {
	err := s.conn(ctx).QueryRow(ctx, `
		INSERT INTO oauth_accounts (id, user_id, provider, provider_account_id, access_token, refresh_token, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (provider, provider_account_id) DO UPDATE SET
			access_token = EXCLUDED.access_token,
			refresh_token = COALESCE(EXCLUDED.refresh_token, oauth_accounts.refresh_token),
			expires_at = EXCLUDED.expires_at
		WHERE oauth_accounts.user_id = EXCLUDED.user_id
		RETURNING id, created_at`,
		a.ID, a.UserID, a.Provider, a.ProviderAccountID, a.AccessToken, a.RefreshToken, a.ExpiresAt,
	).Scan(&a.ID, &a.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrOAuthAccountTaken
	}
	if err != nil {
		return fmt.Errorf("upserting oauth account: %w", err)
	}
	return nil
}

// --- Activity log ---

// RecordActivity appends an audit entry.
func (s *PostgresStore) RecordActivity(ctx context.Context, e ActivityEntry) error {
	_, err := s.conn(ctx).Exec(ctx, `
		INSERT INTO activity_logs (user_id, action, ip_address, user_agent, metadata)
		VALUES ($1, $2, $3, $4, $5)`,
		e.UserID, e.Action, e.IPAddress, e.UserAgent, e.Metadata)
	if err != nil {
		return fmt.Errorf("recording activity: %w", err)
	}
	return nil
}
