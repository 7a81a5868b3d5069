package store

import (
	"context"
	"crypto/sha256"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gofrs/uuid/v5"
)

// --- Users ---

func TestCreateUser(t *testing.T) {
	requirePostgres(t)
	ctx := context.Background()

	t.Run("stores values and schema defaults", func(t *testing.T) {
		u := mustCreateUser(t, ctx, "store_create@example.com")

		got, err := testStore.GetUserByID(ctx, u.ID)
		if err != nil {
			t.Fatalf("GetUserByID: %v", err)
		}
		if got.Email != u.Email {
			t.Errorf("email: expected %q, got %q", u.Email, got.Email)
		}
		if got.Role != RoleClient {
			t.Errorf("role: expected %q, got %q", RoleClient, got.Role)
		}
		if got.EmailVerifiedAt != nil {
			t.Error("email_verified_at should be NULL for a new registration")
		}
		if got.TwoFactorEnabled {
			t.Error("two_factor_enabled should default to false")
		}
		if got.CreatedAt.IsZero() || u.CreatedAt.IsZero() {
			t.Error("created_at was not set")
		}
	})

	t.Run("duplicate email returns ErrDuplicateEmail", func(t *testing.T) {
		u := mustCreateUser(t, ctx, "store_dup@example.com")

		id, _ := uuid.NewV7()
		err := testStore.CreateUser(ctx, &User{ID: id, Email: u.Email, Role: RoleClient})
		if !errors.Is(err, ErrDuplicateEmail) {
			t.Fatalf("expected ErrDuplicateEmail, got %v", err)
		}
	})

	t.Run("every role is accepted by the schema", func(t *testing.T) {
		for _, role := range []Role{RoleAdmin, RoleResearcher, RoleManager, RoleClient, RoleGuest} {
			email := "store_role_" + string(role) + "@example.com"
			id, _ := uuid.NewV7()
			if err := testStore.CreateUser(ctx, &User{ID: id, Email: email, Role: role}); err != nil {
				t.Fatalf("CreateUser(%s): %v", role, err)
			}
			t.Cleanup(func() { cleanupUsersByEmail(ctx, email) })

			got, err := testStore.GetUserByID(ctx, id)
			if err != nil {
				t.Fatalf("GetUserByID: %v", err)
			}
			if got.Role != role {
				t.Errorf("role: expected %q, got %q", role, got.Role)
			}
		}
	})

	t.Run("missing user returns ErrNotFound", func(t *testing.T) {
		_, err := testStore.GetUserByEmail(ctx, "nobody_here@example.com")
		if !errors.Is(err, ErrNotFound) {
			t.Fatalf("expected ErrNotFound, got %v", err)
		}
	})
}

func TestFindOrCreateUserByEmail(t *testing.T) {
	requirePostgres(t)
	ctx := context.Background()

	t.Run("creates then finds", func(t *testing.T) {
		email := "store_foc@example.com"
		t.Cleanup(func() { cleanupUsersByEmail(ctx, email) })

		id, _ := uuid.NewV7()
		u, created, err := testStore.FindOrCreateUserByEmail(ctx, id, email, RoleClient)
		if err != nil {
			t.Fatalf("first call: %v", err)
		}
		if !created || u.ID != id {
			t.Fatalf("expected created user %v, got created=%v id=%v", id, created, u.ID)
		}
		if u.PasswordHash != nil {
			t.Error("magic-link user should have no password")
		}

		other, _ := uuid.NewV7()
		again, created, err := testStore.FindOrCreateUserByEmail(ctx, other, email, RoleClient)
		if err != nil {
			t.Fatalf("second call: %v", err)
		}
		if created || again.ID != id {
			t.Errorf("expected existing user %v, got created=%v id=%v", id, created, again.ID)
		}
	})

	t.Run("concurrent callers converge on one row", func(t *testing.T) {
		email := "store_foc_race@example.com"
		t.Cleanup(func() { cleanupUsersByEmail(ctx, email) })

		var wg sync.WaitGroup
		var createdCount atomic.Int32
		ids := make([]uuid.UUID, 10)
		for i := range ids {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				id, _ := uuid.NewV7()
				u, created, err := testStore.FindOrCreateUserByEmail(ctx, id, email, RoleClient)
				if err != nil {
					t.Errorf("FindOrCreateUserByEmail: %v", err)
					return
				}
				if created {
					createdCount.Add(1)
				}
				ids[i] = u.ID
			}(i)
		}
		wg.Wait()

		if createdCount.Load() != 1 {
			t.Errorf("expected exactly one insert, got %d", createdCount.Load())
		}
		for _, id := range ids {
			if id != ids[0] {
				t.Fatalf("callers saw different users: %v vs %v", ids[0], id)
			}
		}
	})
}

func TestTwoFactorColumns(t *testing.T) {
	requirePostgres(t)
	ctx := context.Background()
	u := mustCreateUser(t, ctx, "store_2fa@example.com")

	if err := testStore.EnableTwoFactor(ctx, u.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("enable without secret: expected ErrNotFound, got %v", err)
	}
	if err := testStore.SetTwoFactorSecret(ctx, u.ID, "deadbeef"); err != nil {
		t.Fatalf("SetTwoFactorSecret: %v", err)
	}
	if err := testStore.EnableTwoFactor(ctx, u.ID); err != nil {
		t.Fatalf("EnableTwoFactor: %v", err)
	}
	if err := testStore.SetTwoFactorSecret(ctx, u.ID, "cafebabe"); !errors.Is(err, ErrNotFound) {
		t.Errorf("overwriting an enabled secret: expected ErrNotFound, got %v", err)
	}

	got, _ := testStore.GetUserByID(ctx, u.ID)
	if !got.TwoFactorEnabled || got.TwoFactorSecret == nil || *got.TwoFactorSecret != "deadbeef" {
		t.Errorf("unexpected 2fa state: enabled=%v secret=%v", got.TwoFactorEnabled, got.TwoFactorSecret)
	}
}

// --- Transactions ---

func TestWithTx(t *testing.T) {
	requirePostgres(t)
	ctx := context.Background()

	t.Run("error rolls back every write", func(t *testing.T) {
		email := "store_tx_rollback@example.com"
		t.Cleanup(func() { cleanupUsersByEmail(ctx, email) })
		boom := errors.New("boom")

		err := testStore.WithTx(ctx, func(ctx context.Context) error {
			id, _ := uuid.NewV7()
			if err := testStore.CreateUser(ctx, &User{ID: id, Email: email, Role: RoleClient}); err != nil {
				return err
			}
			return boom
		})
		if !errors.Is(err, boom) {
			t.Fatalf("expected boom, got %v", err)
		}
		if _, err := testStore.GetUserByEmail(ctx, email); !errors.Is(err, ErrNotFound) {
			t.Errorf("user should not exist after rollback, got %v", err)
		}
	})

	t.Run("nil commits", func(t *testing.T) {
		email := "store_tx_commit@example.com"
		t.Cleanup(func() { cleanupUsersByEmail(ctx, email) })

		err := testStore.WithTx(ctx, func(ctx context.Context) error {
			id, _ := uuid.NewV7()
			return testStore.CreateUser(ctx, &User{ID: id, Email: email, Role: RoleClient})
		})
		if err != nil {
			t.Fatalf("WithTx: %v", err)
		}
		if _, err := testStore.GetUserByEmail(ctx, email); err != nil {
			t.Errorf("user should exist after commit, got %v", err)
		}
	})
}

// --- Verification tokens ---

func TestRedeemVerificationToken(t *testing.T) {
	requirePostgres(t)
	ctx := context.Background()
	u := mustCreateUser(t, ctx, "store_redeem@example.com")
	now := time.Now()

	t.Run("redeems once", func(t *testing.T) {
		hash := mustCreateToken(t, ctx, u.ID, TokenMagicLink, "redeem-once", now.Add(15*time.Minute))

		tok, err := testStore.RedeemVerificationToken(ctx, hash, TokenMagicLink, now)
		if err != nil {
			t.Fatalf("first redeem: %v", err)
		}
		if tok.UserID != u.ID || tok.UsedAt == nil {
			t.Errorf("unexpected token: user=%v usedAt=%v", tok.UserID, tok.UsedAt)
		}

		if _, err := testStore.RedeemVerificationToken(ctx, hash, TokenMagicLink, now); !errors.Is(err, ErrNotFound) {
			t.Errorf("second redeem: expected ErrNotFound, got %v", err)
		}
	})

	t.Run("wrong type is not redeemable", func(t *testing.T) {
		hash := mustCreateToken(t, ctx, u.ID, TokenEmailVerification, "wrong-type", now.Add(time.Hour))
		if _, err := testStore.RedeemVerificationToken(ctx, hash, TokenMagicLink, now); !errors.Is(err, ErrNotFound) {
			t.Errorf("expected ErrNotFound, got %v", err)
		}
		tok, err := testStore.GetVerificationToken(ctx, hash)
		if err != nil {
			t.Fatalf("GetVerificationToken: %v", err)
		}
		if tok.UsedAt != nil {
			t.Error("token of another type must stay unused")
		}
	})

	t.Run("expired is not redeemable", func(t *testing.T) {
		hash := mustCreateToken(t, ctx, u.ID, TokenMagicLink, "expired", now.Add(-time.Second))
		if _, err := testStore.RedeemVerificationToken(ctx, hash, TokenMagicLink, now); !errors.Is(err, ErrNotFound) {
			t.Errorf("expected ErrNotFound, got %v", err)
		}
	})

	t.Run("concurrent redeemers get exactly one success", func(t *testing.T) {
		hash := mustCreateToken(t, ctx, u.ID, TokenMagicLink, "race", now.Add(15*time.Minute))

		var wg sync.WaitGroup
		var wins atomic.Int32
		for range 20 {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, err := testStore.RedeemVerificationToken(ctx, hash, TokenMagicLink, now)
				if err == nil {
					wins.Add(1)
				} else if !errors.Is(err, ErrNotFound) {
					t.Errorf("unexpected error: %v", err)
				}
			}()
		}
		wg.Wait()

		if wins.Load() != 1 {
			t.Errorf("expected exactly 1 successful redeem, got %d", wins.Load())
		}
	})
}

// --- Sessions ---

func TestSessions(t *testing.T) {
	requirePostgres(t)
	ctx := context.Background()
	u := mustCreateUser(t, ctx, "store_sessions@example.com")

	newSession := func(raw string, expiresAt time.Time) *Session {
		id, _ := uuid.NewV7()
		sum := sha256.Sum256([]byte(raw))
		s := &Session{ID: id, UserID: u.ID, TokenHash: sum[:], ExpiresAt: expiresAt, CreatedAt: time.Now()}
		if err := testStore.CreateSession(ctx, s); err != nil {
			t.Fatalf("CreateSession: %v", err)
		}
		return s
	}

	t.Run("get and delete", func(t *testing.T) {
		s := newSession("sess-a", time.Now().Add(time.Hour))

		got, err := testStore.GetSessionByTokenHash(ctx, s.TokenHash)
		if err != nil {
			t.Fatalf("GetSessionByTokenHash: %v", err)
		}
		if got.ID != s.ID || got.UserID != u.ID {
			t.Errorf("unexpected session %+v", got)
		}

		if err := testStore.DeleteSession(ctx, s.TokenHash); err != nil {
			t.Fatalf("DeleteSession: %v", err)
		}
		if _, err := testStore.GetSessionByTokenHash(ctx, s.TokenHash); !errors.Is(err, ErrNotFound) {
			t.Errorf("expected ErrNotFound after delete, got %v", err)
		}
	})

	t.Run("delete all for user", func(t *testing.T) {
		newSession("sess-b", time.Now().Add(time.Hour))
		newSession("sess-c", time.Now().Add(time.Hour))

		n, err := testStore.DeleteAllUserSessions(ctx, u.ID)
		if err != nil {
			t.Fatalf("DeleteAllUserSessions: %v", err)
		}
		if n != 2 {
			t.Errorf("expected 2 deleted, got %d", n)
		}
	})

	t.Run("cleanup drops expired only", func(t *testing.T) {
		old := newSession("sess-old", time.Now().Add(-time.Hour))
		live := newSession("sess-live", time.Now().Add(time.Hour))
		t.Cleanup(func() { testStore.DeleteSession(ctx, live.TokenHash) })

		if _, _, err := testStore.CleanupExpired(ctx, 24*time.Hour); err != nil {
			t.Fatalf("CleanupExpired: %v", err)
		}
		if _, err := testStore.GetSessionByTokenHash(ctx, old.TokenHash); !errors.Is(err, ErrNotFound) {
			t.Errorf("expired session should be gone, got %v", err)
		}
		if _, err := testStore.GetSessionByTokenHash(ctx, live.TokenHash); err != nil {
			t.Errorf("live session should survive, got %v", err)
		}
	})
}

// --- OAuth accounts ---

func TestOAuthAccounts(t *testing.T) {
	requirePostgres(t)
	ctx := context.Background()
	u := mustCreateUser(t, ctx, "store_oauth@example.com")
	other := mustCreateUser(t, ctx, "store_oauth_other@example.com")

	access, refresh := "at-1", "rt-1"
	id, _ := uuid.NewV7()
	acct := &OAuthAccount{ID: id, UserID: u.ID, Provider: ProviderGitHub, ProviderAccountID: "gh-42", AccessToken: &access, RefreshToken: &refresh}
	if err := testStore.UpsertOAuthAccount(ctx, acct); err != nil {
		t.Fatalf("UpsertOAuthAccount: %v", err)
	}

	t.Run("lookup by provider identity", func(t *testing.T) {
		got, err := testStore.GetUserByOAuthAccount(ctx, ProviderGitHub, "gh-42")
		if err != nil {
			t.Fatalf("GetUserByOAuthAccount: %v", err)
		}
		if got.ID != u.ID {
			t.Errorf("expected user %v, got %v", u.ID, got.ID)
		}
		if _, err := testStore.GetUserByOAuthAccount(ctx, ProviderGoogle, "gh-42"); !errors.Is(err, ErrNotFound) {
			t.Errorf("other provider: expected ErrNotFound, got %v", err)
		}
	})

	t.Run("re-link keeps refresh token when none supplied", func(t *testing.T) {
		newAccess := "at-2"
		id2, _ := uuid.NewV7()
		again := &OAuthAccount{ID: id2, UserID: u.ID, Provider: ProviderGitHub, ProviderAccountID: "gh-42", AccessToken: &newAccess}
		if err := testStore.UpsertOAuthAccount(ctx, again); err != nil {
			t.Fatalf("UpsertOAuthAccount: %v", err)
		}
		if again.ID != acct.ID {
			t.Errorf("expected existing row %v, got %v", acct.ID, again.ID)
		}

		var gotAccess, gotRefresh *string
		testStore.pool.QueryRow(ctx,
			"SELECT access_token, refresh_token FROM oauth_accounts WHERE id = $1", acct.ID,
		).Scan(&gotAccess, &gotRefresh)
		if gotAccess == nil || *gotAccess != "at-2" {
			t.Errorf("access token not refreshed: %v", gotAccess)
		}
		if gotRefresh == nil || *gotRefresh != "rt-1" {
			t.Errorf("refresh token lost: %v", gotRefresh)
		}
	})

	t.Run("identity owned by another user is rejected", func(t *testing.T) {
		id3, _ := uuid.NewV7()
		err := testStore.UpsertOAuthAccount(ctx, &OAuthAccount{ID: id3, UserID: other.ID, Provider: ProviderGitHub, ProviderAccountID: "gh-42"})
		if !errors.Is(err, ErrOAuthAccountTaken) {
			t.Errorf("expected ErrOAuthAccountTaken, got %v", err)
		}
	})
}

// --- Activity ---

func TestRecordActivity(t *testing.T) {
	requirePostgres(t)
	ctx := context.Background()
	u := mustCreateUser(t, ctx, "store_activity@example.com")
	ip := "203.0.113.9"

	err := testStore.RecordActivity(ctx, ActivityEntry{
		UserID:    &u.ID,
		Action:    "LOGIN",
		IPAddress: &ip,
		Metadata:  []byte(`{"method":"password"}`),
	})
	if err != nil {
		t.Fatalf("RecordActivity: %v", err)
	}

	var action string
	if err := testStore.pool.QueryRow(ctx,
		"SELECT action FROM activity_logs WHERE user_id = $1 ORDER BY id DESC LIMIT 1", u.ID,
	).Scan(&action); err != nil {
		t.Fatalf("reading activity: %v", err)
	}
	if action != "LOGIN" {
		t.Errorf("expected LOGIN, got %q", action)
	}
}
