package testutil

import (
	"context"
	"sync"
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/vln-gg/vlnauth/internal/store"
)

// MockCache implements auth.SessionCache with an in-memory map.
type MockCache struct {
	GetErr    error
	SetErr    error
	DeleteErr error

	Sessions map[string]store.CachedSession
	byUser   map[uuid.UUID]map[string]struct{}
	mu       sync.Mutex
}

func NewMockCache() *MockCache {
	return &MockCache{
		Sessions: make(map[string]store.CachedSession),
		byUser:   make(map[uuid.UUID]map[string]struct{}),
	}
}

func (c *MockCache) SetSession(_ context.Context, key string, sess store.CachedSession, _ time.Duration) error {
	if c.SetErr != nil {
		return c.SetErr
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Sessions[key] = sess
	if c.byUser[sess.UserID] == nil {
		c.byUser[sess.UserID] = make(map[string]struct{})
	}
	c.byUser[sess.UserID][key] = struct{}{}
	return nil
}

func (c *MockCache) GetSession(_ context.Context, key string) (*store.CachedSession, error) {
	if c.GetErr != nil {
		return nil, c.GetErr
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.Sessions[key]
	if !ok {
		return nil, store.ErrCacheMiss
	}
	return &s, nil
}

func (c *MockCache) DeleteSession(_ context.Context, key string, userID uuid.UUID) error {
	if c.DeleteErr != nil {
		return c.DeleteErr
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.Sessions, key)
	delete(c.byUser[userID], key)
	return nil
}

func (c *MockCache) DeleteAllUserSessions(_ context.Context, userID uuid.UUID) error {
	if c.DeleteErr != nil {
		return c.DeleteErr
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for key := range c.byUser[userID] {
		delete(c.Sessions, key)
	}
	delete(c.byUser, userID)
	return nil
}

// Len reports how many sessions are cached.
func (c *MockCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.Sessions)
}

func (c *MockCache) CheckHealth(context.Context) error { return c.GetErr }

// MockLimiter implements auth.RateLimiter. Keys in Blocked are rejected,
// AllowErr (if set) is returned for everything else.
type MockLimiter struct {
	AllowErr error
	Blocked  map[string]bool

	Keys []string
	mu   sync.Mutex
}

func (l *MockLimiter) Allow(_ context.Context, key string, _ store.RateLimit) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.Keys = append(l.Keys, key)
	if l.Blocked[key] {
		return store.ErrRateLimitExceeded
	}
	return l.AllowErr
}

// MockReplay implements auth.ReplayGuard with a set of claimed keys. TTLs are ignored.
type MockReplay struct {
	ClaimErr error

	claimed map[string]bool
	mu      sync.Mutex
}

func (r *MockReplay) Claim(_ context.Context, key string, _ time.Duration) error {
	if r.ClaimErr != nil {
		return r.ClaimErr
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.claimed == nil {
		r.claimed = make(map[string]bool)
	}
	if r.claimed[key] {
		return store.ErrAlreadyClaimed
	}
	r.claimed[key] = true
	return nil
}
