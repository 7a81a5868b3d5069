// stores.go
//
// Shared mock implementations of auth.Store and auth.SessionCache.
// Imported by test files across packages to avoid duplicate mock definitions.
package testutil

import (
	"context"
	"sync"
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/vln-gg/vlnauth/internal/store"
)

// MockStore implements auth.Store for tests.
//
// Always stateful, every table is a map like a real store.
// Use *Err fields to inject errors for specific operations.
// WithTx serializes transactions and snapshots state, restoring it when fn fails,
// so "all or nothing" behaviour can be asserted without Postgres.
type MockStore struct {
	// Error injection...zero value means no error
	CreateUserErr         error
	GetUserByEmailErr     error
	GetUserByIDErr        error
	SetEmailVerifiedErr   error
	UpdateLastLoginErr    error
	CreateTokenErr        error
	RedeemTokenErr        error
	CreateSessionErr      error
	GetSessionErr         error
	DeleteSessionErr      error
	DeleteAllSessionsErr  error
	UpsertOAuthAccountErr error
	RecordActivityErr     error
	HealthErr             error

	Users      map[uuid.UUID]*store.User
	Tokens     map[string]*store.VerificationToken // keyed by string(tokenHash)
	Sessions   map[string]*store.Session           // keyed by string(tokenHash)
	Accounts   map[string]*store.OAuthAccount      // keyed by provider|providerAccountID
	Activities []store.ActivityEntry

	mu   sync.Mutex
	txMu sync.Mutex
}

type mockTxKey struct{}

// NewMockStore returns a MockStore seeded with the given users.
func NewMockStore(users ...*store.User) *MockStore {
	ms := &MockStore{
		Users:    make(map[uuid.UUID]*store.User),
		Tokens:   make(map[string]*store.VerificationToken),
		Sessions: make(map[string]*store.Session),
		Accounts: make(map[string]*store.OAuthAccount),
	}
	for _, u := range users {
		c := *u
		ms.Users[u.ID] = &c
	}
	return ms
}

func accountKey(p store.Provider, id string) string { return string(p) + "|" + id }

// --- Transactions ---

type snapshot struct {
	users      map[uuid.UUID]*store.User
	tokens     map[string]*store.VerificationToken
	sessions   map[string]*store.Session
	accounts   map[string]*store.OAuthAccount
	activities []store.ActivityEntry
}

func (m *MockStore) snapshot() snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := snapshot{
		users:      make(map[uuid.UUID]*store.User, len(m.Users)),
		tokens:     make(map[string]*store.VerificationToken, len(m.Tokens)),
		sessions:   make(map[string]*store.Session, len(m.Sessions)),
		accounts:   make(map[string]*store.OAuthAccount, len(m.Accounts)),
		activities: append([]store.ActivityEntry(nil), m.Activities...),
	}
	for k, v := range m.Users {
		c := *v
		s.users[k] = &c
	}
	for k, v := range m.Tokens {
		c := *v
		s.tokens[k] = &c
	}
	for k, v := range m.Sessions {
		c := *v
		s.sessions[k] = &c
	}
	for k, v := range m.Accounts {
		c := *v
		s.accounts[k] = &c
	}
	return s
}

func (m *MockStore) restore(s snapshot) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Users, m.Tokens, m.Sessions, m.Accounts, m.Activities = s.users, s.tokens, s.sessions, s.accounts, s.activities
}

// WithTx runs fn as one unit; an error from fn rolls back every write it made.
// Nested calls join the outer transaction.
func (m *MockStore) WithTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if ctx.Value(mockTxKey{}) != nil {
		return fn(ctx)
	}
	m.txMu.Lock()
	defer m.txMu.Unlock()

	snap := m.snapshot()
	if err := fn(context.WithValue(ctx, mockTxKey{}, true)); err != nil {
		m.restore(snap)
		return err
	}
	return nil
}

// --- Users ---

func (m *MockStore) CreateUser(_ context.Context, u *store.User) error {
	if m.CreateUserErr != nil {
		return m.CreateUserErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.Users {
		if existing.Email == u.Email {
			return store.ErrDuplicateEmail
		}
	}
	now := time.Now()
	u.CreatedAt, u.UpdatedAt = now, now
	c := *u
	m.Users[u.ID] = &c
	return nil
}

func (m *MockStore) userByEmail(email string) *store.User {
	for _, u := range m.Users {
		if u.Email == email {
			return u
		}
	}
	return nil
}

func (m *MockStore) GetUserByEmail(_ context.Context, email string) (*store.User, error) {
	if m.GetUserByEmailErr != nil {
		return nil, m.GetUserByEmailErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	u := m.userByEmail(email)
	if u == nil {
		return nil, store.ErrNotFound
	}
	c := *u
	return &c, nil
}

func (m *MockStore) GetUserByID(_ context.Context, id uuid.UUID) (*store.User, error) {
	if m.GetUserByIDErr != nil {
		return nil, m.GetUserByIDErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.Users[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	c := *u
	return &c, nil
}

func (m *MockStore) FindOrCreateUserByEmail(_ context.Context, id uuid.UUID, email string, role store.Role) (*store.User, bool, error) {
	if m.CreateUserErr != nil {
		return nil, false, m.CreateUserErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if u := m.userByEmail(email); u != nil {
		c := *u
		return &c, false, nil
	}
	now := time.Now()
	u := &store.User{ID: id, Email: email, Role: role, CreatedAt: now, UpdatedAt: now}
	m.Users[id] = u
	c := *u
	return &c, true, nil
}

func (m *MockStore) SetEmailVerified(_ context.Context, userID uuid.UUID, at time.Time) error {
	if m.SetEmailVerifiedErr != nil {
		return m.SetEmailVerifiedErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if u, ok := m.Users[userID]; ok && u.EmailVerifiedAt == nil {
		u.EmailVerifiedAt = &at
	}
	return nil
}

func (m *MockStore) UpdateLastLogin(_ context.Context, userID uuid.UUID, at time.Time) error {
	if m.UpdateLastLoginErr != nil {
		return m.UpdateLastLoginErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if u, ok := m.Users[userID]; ok {
		u.LastLoginAt = &at
	}
	return nil
}

func (m *MockStore) SetTwoFactorSecret(_ context.Context, userID uuid.UUID, encryptedSecret string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.Users[userID]
	if !ok || u.TwoFactorEnabled {
		return store.ErrNotFound
	}
	u.TwoFactorSecret = &encryptedSecret
	return nil
}

func (m *MockStore) EnableTwoFactor(_ context.Context, userID uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.Users[userID]
	if !ok || u.TwoFactorSecret == nil {
		return store.ErrNotFound
	}
	u.TwoFactorEnabled = true
	return nil
}

// --- Verification tokens ---

func (m *MockStore) CreateVerificationToken(_ context.Context, t *store.VerificationToken) error {
	if m.CreateTokenErr != nil {
		return m.CreateTokenErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	t.CreatedAt = time.Now()
	c := *t
	m.Tokens[string(t.TokenHash)] = &c
	return nil
}

func (m *MockStore) GetVerificationToken(_ context.Context, tokenHash []byte) (*store.VerificationToken, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.Tokens[string(tokenHash)]
	if !ok {
		return nil, store.ErrNotFound
	}
	c := *t
	return &c, nil
}

// RedeemVerificationToken mirrors the conditional UPDATE: hash + type match,
// unused, and expires_at >= now.
func (m *MockStore) RedeemVerificationToken(_ context.Context, tokenHash []byte, typ store.TokenType, now time.Time) (*store.VerificationToken, error) {
	if m.RedeemTokenErr != nil {
		return nil, m.RedeemTokenErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.Tokens[string(tokenHash)]
	if !ok || t.Type != typ || t.UsedAt != nil || now.After(t.ExpiresAt) {
		return nil, store.ErrNotFound
	}
	t.UsedAt = &now
	c := *t
	return &c, nil
}

// TokensFor returns every token issued to a user, any type.
func (m *MockStore) TokensFor(userID uuid.UUID) []store.VerificationToken {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []store.VerificationToken
	for _, t := range m.Tokens {
		if t.UserID == userID {
			out = append(out, *t)
		}
	}
	return out
}

// --- Sessions ---

func (m *MockStore) CreateSession(_ context.Context, sess *store.Session) error {
	if m.CreateSessionErr != nil {
		return m.CreateSessionErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	c := *sess
	m.Sessions[string(sess.TokenHash)] = &c
	return nil
}

func (m *MockStore) GetSessionByTokenHash(_ context.Context, tokenHash []byte) (*store.Session, error) {
	if m.GetSessionErr != nil {
		return nil, m.GetSessionErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.Sessions[string(tokenHash)]
	if !ok {
		return nil, store.ErrNotFound
	}
	c := *s
	return &c, nil
}

func (m *MockStore) DeleteSession(_ context.Context, tokenHash []byte) error {
	if m.DeleteSessionErr != nil {
		return m.DeleteSessionErr
	}
	m.mu.Lock()
	delete(m.Sessions, string(tokenHash))
	m.mu.Unlock()
	return nil
}

func (m *MockStore) DeleteAllUserSessions(_ context.Context, userID uuid.UUID) (int64, error) {
	if m.DeleteAllSessionsErr != nil {
		return 0, m.DeleteAllSessionsErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for key, s := range m.Sessions {
		if s.UserID == userID {
			delete(m.Sessions, key)
			n++
		}
	}
	return n, nil
}

// SessionsFor returns every session row for a user.
func (m *MockStore) SessionsFor(userID uuid.UUID) []store.Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []store.Session
	for _, s := range m.Sessions {
		if s.UserID == userID {
			out = append(out, *s)
		}
	}
	return out
}

// --- OAuth accounts ---

func (m *MockStore) GetUserByOAuthAccount(_ context.Context, provider store.Provider, providerAccountID string) (*store.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.Accounts[accountKey(provider, providerAccountID)]
	if !ok {
		return nil, store.ErrNotFound
	}
	u, ok := m.Users[a.UserID]
	if !ok {
		return nil, store.ErrNotFound
	}
	c := *u
	return &c, nil
}

func (m *MockStore) UpsertOAuthAccount(_ context.Context, a *store.OAuthAccount) error {
	if m.UpsertOAuthAccountErr != nil {
		return m.UpsertOAuthAccountErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	key := accountKey(a.Provider, a.ProviderAccountID)
	if existing, ok := m.Accounts[key]; ok {
		if existing.UserID != a.UserID {
			return store.ErrOAuthAccountTaken
		}
		existing.AccessToken = a.AccessToken
		if a.RefreshToken != nil {
			existing.RefreshToken = a.RefreshToken
		}
		existing.ExpiresAt = a.ExpiresAt
		a.ID, a.CreatedAt = existing.ID, existing.CreatedAt
		return nil
	}
	a.CreatedAt = time.Now()
	c := *a
	m.Accounts[key] = &c
	return nil
}

// --- Activity ---

func (m *MockStore) RecordActivity(_ context.Context, e store.ActivityEntry) error {
	if m.RecordActivityErr != nil {
		return m.RecordActivityErr
	}
	m.mu.Lock()
	m.Activities = append(m.Activities, e)
	m.mu.Unlock()
	return nil
}

// ActionsFor lists recorded activity actions for a user, oldest first.
func (m *MockStore) ActionsFor(userID uuid.UUID) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	for _, e := range m.Activities {
		if e.UserID != nil && *e.UserID == userID {
			out = append(out, e.Action)
		}
	}
	return out
}

// UserByEmail is a test helper returning the stored user (not a copy) or nil.
func (m *MockStore) UserByEmail(email string) *store.User {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.userByEmail(email)
}

// UserCount reports how many users exist.
func (m *MockStore) UserCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.Users)
}

// --- Health ---

func (m *MockStore) CheckHealth(context.Context) error { return m.HealthErr }
