// ratelimit.go -- Redis-backed attempt limiting and single-use claims.
package store

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// allowScript counts an attempt and trips a lockout once the window's budget is spent.
// Returns 1 when the attempt is allowed, 0 when the caller is locked out.
// KEYS[1] = counter, KEYS[2] = lockout flag
// ARGV[1] = max attempts, ARGV[2] = window ms, ARGV[3] = lockout ms
var allowScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[2]) == 1 then
    return 0
end
local n = redis.call('INCR', KEYS[1])
if n == 1 then
    redis.call('PEXPIRE', KEYS[1], ARGV[2])
end
if n > tonumber(ARGV[1]) then
    redis.call('SET', KEYS[2], '1', 'PX', ARGV[3])
    redis.call('DEL', KEYS[1])
    return 0
end
return 1
`)

// Allow records one attempt against key under policy.
// Returns ErrRateLimitExceeded once MaxAttempts is used up within Window;
// the key then stays locked for LockoutTTL. A zero MaxAttempts disables the limit.
func (s *RedisStore) Allow(ctx context.Context, key string, policy RateLimit) error {
	if policy.MaxAttempts <= 0 || policy.Window <= 0 {
		return nil
	}
	lockout := policy.LockoutTTL
	if lockout <= 0 {
		lockout = policy.Window
	}

	ok, err := allowScript.Run(ctx, s.rdb,
		[]string{"ratelimit:" + key, "ratelimit:lock:" + key},
		policy.MaxAttempts, policy.Window.Milliseconds(), lockout.Milliseconds(),
	).Int64()
	if err != nil {
		return fmt.Errorf("checking rate limit: %w", err)
	}
	if ok == 0 {
		return ErrRateLimitExceeded
	}
	return nil
}

// Claim marks key as used for ttl. The first caller wins; any later caller
// before expiry gets ErrAlreadyClaimed. Used for one-time 2FA challenges and
// TOTP time steps.
func (s *RedisStore) Claim(ctx context.Context, key string, ttl time.Duration) error {
	ok, err := s.rdb.SetNX(ctx, "claim:"+key, 1, ttl).Result()
	if err != nil {
		return fmt.Errorf("claiming %s: %w", key, err)
	}
	if !ok {
		return ErrAlreadyClaimed
	}
	return nil
}
