package auth

import (
	"sync"
	"testing"
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/stretchr/testify/require"
	"github.com/vln-gg/vlnauth/internal/store"
	"github.com/vln-gg/vlnauth/internal/testutil"
)

const testPassword = "Correct-Horse1!"

// testHash is computed once, bcrypt at cost 12 is slow enough to matter across many tests.
var testHash = sync.OnceValue(func() string {
	h, err := HashPassword(testPassword, MinBcryptCost)
	if err != nil {
		panic(err)
	}
	return h
})

type fixture struct {
	svc     *Service
	store   *testutil.MockStore
	cache   *testutil.MockCache
	mailer  *testutil.MockMailer
	limiter *testutil.MockLimiter
	replay  *testutil.MockReplay

	mu  sync.Mutex
	now time.Time
}

func newFixture(t *testing.T, users ...*store.User) *fixture {
	t.Helper()
	f := &fixture{
		store:   testutil.NewMockStore(users...),
		cache:   testutil.NewMockCache(),
		mailer:  &testutil.MockMailer{},
		limiter: &testutil.MockLimiter{},
		replay:  &testutil.MockReplay{},
		now:     time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
	f.svc = &Service{
		Store:                    f.store,
		Cache:                    f.cache,
		Limiter:                  f.limiter,
		Replay:                   f.replay,
		Mailer:                   f.mailer,
		RequireEmailVerification: true,
		TwoFactor: TwoFactorConfig{
			EncryptionKey: []byte("0123456789abcdef0123456789abcdef"),
			SigningKey:    []byte("test-signing-key"),
			Issuer:        "VLN",
		},
		Now: f.clock,
	}
	return f
}

func (f *fixture) clock() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *fixture) advance(d time.Duration) {
	f.mu.Lock()
	f.now = f.now.Add(d)
	f.mu.Unlock()
}

// verifiedUser returns a seeded user with the shared test password and a verified email.
func verifiedUser(t *testing.T, email string) *store.User {
	t.Helper()
	id, err := uuid.NewV7()
	require.NoError(t, err)
	hash := testHash()
	verified := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	return &store.User{
		ID:              id,
		Email:           email,
		PasswordHash:    &hash,
		Role:            store.RoleClient,
		EmailVerifiedAt: &verified,
	}
}

func requireCode(t *testing.T, err error, want Code) {
	t.Helper()
	require.Error(t, err)
	require.Equal(t, want, CodeOf(err), "error: %v", err)
}
