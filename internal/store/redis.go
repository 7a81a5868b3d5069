// redis.go -- go-redis client for session caching.
//
// Stores session data with TTL matching session expiry.
// Fast path for session validation (~0.1ms vs ~1-5ms for Postgres).
// If Redis is unavailable, callers fall back to Postgres.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/redis/go-redis/v9"
)

// RedisStore wraps a Redis client for session cache, rate limit, and
// single-use claim operations.
type RedisStore struct {
	rdb *redis.Client
}

// NewRedisStore connects to Redis and returns a ready-to-use cache store.
// It pings Redis to verify connectivity before returning.
func NewRedisStore(ctx context.Context, redisURL string) (*RedisStore, error) {
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, err
	}

	rdb := redis.NewClient(opt)
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, err
	}

	return &RedisStore{rdb: rdb}, nil
}

// Client exposes the underlying client so the mail queue can share the connection.
func (s *RedisStore) Client() *redis.Client {
	return s.rdb
}

// Close shuts down the Redis client and releases all resources.
func (s *RedisStore) Close() error {
	return s.rdb.Close()
}

// CheckHealth pings Redis, used by the /health endpoint.
func (s *RedisStore) CheckHealth(ctx context.Context) error {
	return s.rdb.Ping(ctx).Err()
}

func sessionKey(tokenKey string) string { return "session:" + tokenKey }

func userSessionsKey(userID uuid.UUID) string { return "user_sessions:" + userID.String() }

// SetSession caches a session in Redis with the given TTL.
// Also tracks the token key in a per-user Set for bulk deletion.
func (s *RedisStore) SetSession(ctx context.Context, tokenKey string, sess CachedSession, ttl time.Duration) error {
	cacheOut, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("marshaling session: %w", err)
	}

	pipe := s.rdb.TxPipeline()
	pipe.Set(ctx, sessionKey(tokenKey), cacheOut, ttl)
	pipe.SAdd(ctx, userSessionsKey(sess.UserID), tokenKey)

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("caching session: %w", err)
	}
	return nil
}

// GetSession retrieves a cached session by its token key.
// Returns ErrCacheMiss if the key is absent, wrapped errors otherwise.
func (s *RedisStore) GetSession(ctx context.Context, tokenKey string) (*CachedSession, error) {
	raw, err := s.rdb.Get(ctx, sessionKey(tokenKey)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrCacheMiss
	}
	if err != nil {
		return nil, fmt.Errorf("fetching session: %w", err)
	}

	var cached CachedSession
	if err := json.Unmarshal(raw, &cached); err != nil {
		return nil, fmt.Errorf("parsing session: %w", err)
	}
	return &cached, nil
}

// DeleteSession removes a single session from cache by its token key.
// Also removes the token key from the user's tracking Set.
func (s *RedisStore) DeleteSession(ctx context.Context, tokenKey string, userID uuid.UUID) error {
	pipe := s.rdb.TxPipeline()
	pipe.Del(ctx, sessionKey(tokenKey))
	pipe.SRem(ctx, userSessionsKey(userID), tokenKey)

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("deleting session: %w", err)
	}
	return nil
}

// DeleteAllUserSessions removes all cached sessions for given user.
func (s *RedisStore) DeleteAllUserSessions(ctx context.Context, userID uuid.UUID) error {
	setKey := userSessionsKey(userID)

	keys, err := s.rdb.SMembers(ctx, setKey).Result()
	if err != nil {
		return fmt.Errorf("fetching user sessions: %w", err)
	}

	pipe := s.rdb.TxPipeline()
	for _, k := range keys {
		pipe.Del(ctx, sessionKey(k))
	}
	pipe.Del(ctx, setKey)

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("deleting user sessions: %w", err)
	}
	return nil
}
