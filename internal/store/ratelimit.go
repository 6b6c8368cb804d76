// ratelimit.go -- fixed-window rate limiter with lockout, backed by Redis.
package store

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisRateLimiter counts attempts per key in Redis. Safe for concurrent use
// across processes; the counting script runs atomically on the server.
type RedisRateLimiter struct {
	rdb *redis.Client
}

// NewRedisRateLimiter returns a limiter over the shared client.
func NewRedisRateLimiter(rdb *redis.Client) *RedisRateLimiter {
	return &RedisRateLimiter{rdb: rdb}
}

// allowScript returns 0 when the attempt is allowed, otherwise the lockout
// remaining in milliseconds.
// KEYS[1] = counter key, KEYS[2] = lockout key,
// ARGV[1] = max attempts, ARGV[2] = window ms, ARGV[3] = lockout ms.
var allowScript = redis.NewScript(`
local locked = redis.call('PTTL', KEYS[2])
if locked > 0 then
    return locked
end
local n = redis.call('INCR', KEYS[1])
if n == 1 then
    redis.call('PEXPIRE', KEYS[1], ARGV[2])
end
if n > tonumber(ARGV[1]) then
    redis.call('SET', KEYS[2], '1', 'PX', ARGV[3])
    redis.call('DEL', KEYS[1])
    return tonumber(ARGV[3])
end
return 0
`)

// Allow records an attempt for key under policy.
// Returns nil if allowed, *RateLimitedError if over the limit, or a wrapped Redis error.
func (l *RedisRateLimiter) Allow(ctx context.Context, key string, policy RateLimit) error {
	waitMs, err := allowScript.Run(ctx, l.rdb,
		[]string{"ratelimit:" + key, "ratelimit:lock:" + key},
		policy.MaxAttempts, policy.Window.Milliseconds(), policy.LockoutTTL.Milliseconds(),
	).Int64()
	if err != nil {
		return fmt.Errorf("checking rate limit: %w", err)
	}
	if waitMs > 0 {
		return &RateLimitedError{RetryAfter: time.Duration(waitMs) * time.Millisecond}
	}
	return nil
}
