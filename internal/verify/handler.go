// handler.go -- dependencies and settings shared by all /v1/age-verification/* handlers.
package verify

import (
	"context"
	"time"

	"github.com/gofrs/uuid/v5"

	"github.com/MGallo-Code/agegate/internal/metrics"
	"github.com/MGallo-Code/agegate/internal/oauth"
	"github.com/MGallo-Code/agegate/internal/store"
	"github.com/MGallo-Code/agegate/internal/vtoken"
)

// MessageType tags every message the popup posts to its opener.
const MessageType = "agegate:age-verification"

// FlowStore holds in-flight authorizations keyed by OAuth state.
// Satisfied by *store.RedisStore.
type FlowStore interface {
	// PutFlow stores fs under state for ttl. Returns store.ErrFlowExists on collision.
	PutFlow(ctx context.Context, state string, fs store.FlowState, ttl time.Duration) error

	// TakeFlow atomically reads and deletes the entry for state.
	// Returns store.ErrFlowNotFound if unknown, expired, or already taken.
	TakeFlow(ctx context.Context, state string) (*store.FlowState, error)
}

// Repository defines the durable reads and writes the handlers need.
// Satisfied by *store.PostgresStore.
type Repository interface {
	// GetWidget returns store.ErrWidgetNotFound for unknown ids.
	GetWidget(ctx context.Context, widgetID string) (*store.Widget, error)

	// UpsertVerificationSession writes one row per (widget, visitor), replacing earlier ones.
	UpsertVerificationSession(ctx context.Context, vs store.VerificationSession) error

	// GetVerificationSession returns store.ErrNotVerified if no unexpired row exists.
	GetVerificationSession(ctx context.Context, widgetID, visitorID string) (*store.VerificationSession, error)

	// UpsertAccountVerification records the latest result for an account.
	UpsertAccountVerification(ctx context.Context, av store.AccountVerification) error

	// GetAccountVerification returns store.ErrNotVerified if the account never verified.
	GetAccountVerification(ctx context.Context, accountID uuid.UUID) (*store.AccountVerification, error)

	// GetSessionByTokenHash fetches an unexpired platform session.
	// Returns pgx.ErrNoRows if not found or expired.
	GetSessionByTokenHash(ctx context.Context, tokenHash []byte) (*store.Session, error)

	CheckHealth(ctx context.Context) error
}

// SessionCache is the Redis fast path for platform session lookups.
// Satisfied by *store.RedisStore.
type SessionCache interface {
	GetSession(ctx context.Context, tokenHash string) (*store.CachedSession, error)
	SetSession(ctx context.Context, tokenHash string, sessionData store.Session, ttl int) error
	CheckHealth(ctx context.Context) error
}

// RateLimiter records an attempt for key and decides whether it is allowed.
// Satisfied by *ratelimit.Failover and *store.RedisRateLimiter.
type RateLimiter interface {
	// Allow returns nil if allowed, or an error matching store.ErrRateLimitExceeded
	// (usually *store.RateLimitedError) when over the limit.
	Allow(ctx context.Context, key string, policy store.RateLimit) error
}

// CaptchaVerifier checks a human-verification token. Satisfied by *captcha.TurnstileVerifier.
type CaptchaVerifier interface {
	Verify(ctx context.Context, token, remoteIP string) error
}

// Settings are the tunables handlers read from configuration.
type Settings struct {
	PublicBaseURL          string
	FlowStateTTL           time.Duration
	AccountAgeThreshold    int
	AccountValidityDays    int
	InitiatePolicy         store.RateLimit
	CompletePolicy         store.RateLimit
	StatusPolicy           store.RateLimit
	PopupCloseDelay        time.Duration
	OpenerTimeout          time.Duration
	RequireCompletionToken bool
}

// Handler holds dependencies for all age verification handlers and middleware.
type Handler struct {
	FS      FlowStore
	PS      Repository
	RS      SessionCache
	RL      RateLimiter
	Captcha CaptchaVerifier // nil disables the CAPTCHA gate
	IdP     oauth.Provider
	Signer  *vtoken.Signer
	Metrics *metrics.Metrics
	Cfg     Settings

	// Now defaults to time.Now.
	Now func() time.Time
}

func (h *Handler) now() time.Time {
	if h.Now != nil {
		return h.Now()
	}
	return time.Now()
}
