// models.go -- Shared domain types for the store package.
// Used by both Postgres (durable store) and Redis (flow state, cache, rate limits).
package store

import (
	"errors"
	"fmt"
	"time"

	"github.com/gofrs/uuid/v5"
)

// ErrFlowNotFound is returned by TakeFlow when the state is unknown, expired, or already consumed.
// The three cases are deliberately indistinguishable.
var ErrFlowNotFound = errors.New("flow state not found")

// ErrFlowExists is returned by PutFlow if the state key is already taken.
var ErrFlowExists = errors.New("flow state already exists")

// ErrWidgetNotFound is returned by GetWidget when no widget has the given id.
var ErrWidgetNotFound = errors.New("widget not found")

// ErrNotVerified is returned when no verification row exists for the lookup key.
var ErrNotVerified = errors.New("no verification on file")

// ErrTokenReused is returned when a verification token is already recorded for another visitor.
var ErrTokenReused = errors.New("verification token already used")

// ErrInvalidVerification is returned when a verification row violates a table CHECK constraint.
var ErrInvalidVerification = errors.New("invalid verification session")

// ErrRateLimitExceeded is matched by errors.Is on *RateLimitedError.
// Callers use errors.Is to distinguish rate limit rejections from Redis failures.
var ErrRateLimitExceeded = errors.New("rate limit exceeded")

// ErrCacheMiss is returned by GetSession when the key is not in Redis.
// Callers use errors.Is to distinguish a true miss from a Redis infrastructure failure.
var ErrCacheMiss = errors.New("cache miss")

// RateLimitedError carries how long the caller should wait before retrying.
type RateLimitedError struct {
	RetryAfter time.Duration
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("rate limit exceeded, retry after %s", e.RetryAfter)
}

// Is makes errors.Is(err, ErrRateLimitExceeded) true.
func (e *RateLimitedError) Is(target error) bool {
	return target == ErrRateLimitExceeded
}

// Flow kinds recorded in FlowState.
const (
	FlowWidget  = "widget"
	FlowAccount = "account"
)

// FlowState is the server-side half of one in-flight authorization.
// Keyed by the OAuth state value; consumed exactly once by the callback.
type FlowState struct {
	Verifier string `json:"verifier"`
	Kind     string `json:"kind"`

	// Widget flows.
	WidgetID string `json:"widget_id,omitempty"`

	// Account flows.
	AccountID uuid.UUID `json:"account_id"`

	AgeThreshold int `json:"age_threshold"`
	ValidityDays int `json:"validity_days"`

	// OpenerOrigin is the postMessage target for the popup result.
	OpenerOrigin string    `json:"opener_origin"`
	CreatedAt    time.Time `json:"created_at"`
}

// Widget is the slice of consent widget configuration this service reads.
// Owned by the consent platform; never written here.
type Widget struct {
	ID                     string
	AgeVerificationEnabled bool
	AgeThreshold           int
	ValidityDays           int
	AllowedOrigins         []string // empty means any origin
}

// VerificationSession represents a row in the verification_sessions table.
// Nullable columns are pointers; nil means SQL NULL.
type VerificationSession struct {
	ID          uuid.UUID
	WidgetID    string
	VisitorID   string
	Status      string
	Outcome     string
	VerifiedAge *int
	TokenDigest *string // SHA-256 of the bearer token, never the token itself
	VerifiedAt  time.Time
	ExpiresAt   time.Time
}

// AccountVerification represents a row in the account_age_verifications table.
type AccountVerification struct {
	AccountID    uuid.UUID
	IsAdult      bool
	AgeThreshold int
	VerifiedAt   time.Time
	ExpiresAt    time.Time
}

// Session represents a row in the platform's sessions table.
// Read-only here; the dashboard owns login and logout.
type Session struct {
	ID        uuid.UUID
	UserID    uuid.UUID
	TokenHash []byte
	CSRFToken []byte
	ExpiresAt time.Time
}

// CachedSession is the JSON shape stored in Redis for cached sessions.
type CachedSession struct {
	UserID    uuid.UUID `json:"user_id"`
	CSRFToken []byte    `json:"csrf_token"`
	ExpiresAt time.Time `json:"expires_at"`
}

// RateLimit defines the policy for a rate-limited action.
type RateLimit struct {
	MaxAttempts int           // attempts allowed within Window before lockout
	Window      time.Duration // window for attempt counting
	LockoutTTL  time.Duration // how long to block after MaxAttempts is exceeded
}
