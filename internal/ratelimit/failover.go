package ratelimit

import (
	"context"
	"errors"
	"log/slog"

	"github.com/MGallo-Code/agegate/internal/store"
)

// Limiter is satisfied by store.RedisRateLimiter and Local.
type Limiter interface {
	Allow(ctx context.Context, key string, policy store.RateLimit) error
}

// Failover consults primary and, when primary errors for any reason other than
// a rate limit decision, answers from fallback instead of failing the request.
type Failover struct {
	primary  Limiter
	fallback Limiter
	onFail   func()
}

// NewFailover wires primary over fallback. onFail, if non-nil, runs on every failover.
func NewFailover(primary, fallback Limiter, onFail func()) *Failover {
	return &Failover{primary: primary, fallback: fallback, onFail: onFail}
}

// Allow returns nil or a *store.RateLimitedError. Infrastructure errors never escape.
func (f *Failover) Allow(ctx context.Context, key string, policy store.RateLimit) error {
	err := f.primary.Allow(ctx, key, policy)
	if err == nil || errors.Is(err, store.ErrRateLimitExceeded) {
		return err
	}

	slog.WarnContext(ctx, "rate limiter unavailable, using in-memory fallback", "key", key, "error", err)
	if f.onFail != nil {
		f.onFail()
	}
	return f.fallback.Allow(ctx, key, policy)
}
