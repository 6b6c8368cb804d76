// Package ratelimit provides the in-process limiter used when Redis is
// unreachable, and the failover wrapper that switches to it.
package ratelimit

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/MGallo-Code/agegate/internal/store"
)

// idleTTL is how long an untouched key is kept before being swept.
const idleTTL = 30 * time.Minute

type entry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// Local is a per-key token bucket limiter held in memory.
// The bucket refills MaxAttempts tokens per Window with a burst of MaxAttempts,
// so it approximates the Redis fixed window without the lockout.
type Local struct {
	mu      sync.Mutex
	entries map[string]*entry
	now     func() time.Time
}

// NewLocal returns an empty limiter. A nil now uses time.Now.
func NewLocal(now func() time.Time) *Local {
	if now == nil {
		now = time.Now
	}
	return &Local{entries: make(map[string]*entry), now: now}
}

// Allow consumes one token for key. Returns *store.RateLimitedError when the bucket is empty.
func (l *Local) Allow(_ context.Context, key string, policy store.RateLimit) error {
	now := l.now()
	lim := l.limiter(key, policy, now)

	r := lim.ReserveN(now, 1)
	if !r.OK() {
		return &store.RateLimitedError{RetryAfter: policy.Window}
	}
	if d := r.DelayFrom(now); d > 0 {
		r.CancelAt(now)
		return &store.RateLimitedError{RetryAfter: d}
	}
	return nil
}

func (l *Local) limiter(key string, policy store.RateLimit, now time.Time) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()

	if e, ok := l.entries[key]; ok {
		e.lastSeen = now
		return e.limiter
	}

	for k, e := range l.entries {
		if now.Sub(e.lastSeen) > idleTTL {
			delete(l.entries, k)
		}
	}
	every := policy.Window / time.Duration(max(policy.MaxAttempts, 1))
	lim := rate.NewLimiter(rate.Every(every), max(policy.MaxAttempts, 1))
	l.entries[key] = &entry{limiter: lim, lastSeen: now}
	return lim
}
