// middleware.go -- session auth, CSRF, CORS and method guards.
package verify

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"math"
	"net"
	"net/http"
	"strconv"

	"github.com/gofrs/uuid/v5"
	"github.com/jackc/pgx/v5"

	"github.com/MGallo-Code/agegate/internal/store"
)

// SessionCookieName is the platform's login cookie, shared with the dashboard.
const SessionCookieName = "__Host-session"

// contextKey is unexported to prevent collisions with other packages using the same context.
type contextKey string

const userIDKey contextKey = "user_id"
const csrfTokenKey contextKey = "csrf_token"

// UserIDFromContext retrieves the authenticated account id.
// Returns zero UUID and false if RequireAuth hasn't run.
func UserIDFromContext(ctx context.Context) (uuid.UUID, bool) {
	id, ok := ctx.Value(userIDKey).(uuid.UUID)
	return id, ok
}

// CSRFTokenFromContext retrieves the session CSRF token.
// Returns nil and false if RequireAuth hasn't run.
func CSRFTokenFromContext(ctx context.Context) ([]byte, bool) {
	token, ok := ctx.Value(csrfTokenKey).([]byte)
	return token, ok
}

// RequireAuth validates the platform session cookie, checking Redis then Postgres as fallback.
// Injects user_id and csrf_token into context on success; returns 401 on failure.
func (h *Handler) RequireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		cookie, err := r.Cookie(SessionCookieName)
		if err != nil || cookie.Value == "" {
			logWarn(r, "require auth failed", "reason", "missing_session_cookie")
			Unauthorized(w)
			return
		}
		raw, err := base64.RawURLEncoding.DecodeString(cookie.Value)
		if err != nil {
			logWarn(r, "require auth failed", "reason", "invalid_cookie_encoding")
			Unauthorized(w)
			return
		}
		tokenHash := sha256.Sum256(raw)
		cacheKey := base64.RawURLEncoding.EncodeToString(tokenHash[:])

		var userID uuid.UUID
		var csrfToken []byte
		cached, err := h.RS.GetSession(r.Context(), cacheKey)
		switch {
		case err == nil:
			userID, csrfToken = cached.UserID, cached.CSRFToken
		default:
			if !errors.Is(err, store.ErrCacheMiss) {
				logError(r, "redis session lookup failed, falling back to postgres", "error", err)
			}
			sess, err := h.PS.GetSessionByTokenHash(r.Context(), tokenHash[:])
			if err != nil {
				if errors.Is(err, pgx.ErrNoRows) {
					logWarn(r, "require auth failed", "reason", "session_not_found")
				} else {
					logError(r, "require auth failed fetching session from db", "error", err)
				}
				Unauthorized(w)
				return
			}
			// SET with TTL 0 means no expiry in Redis, so skip rather than cache forever.
			if ttl := int(sess.ExpiresAt.Sub(h.now()).Seconds()); ttl > 0 {
				if err := h.RS.SetSession(r.Context(), cacheKey, *sess, ttl); err != nil {
					logWarn(r, "failed to repopulate session cache", "error", err)
				}
			}
			userID, csrfToken = sess.UserID, sess.CSRFToken
		}

		ctx := context.WithValue(r.Context(), userIDKey, userID)
		ctx = context.WithValue(ctx, csrfTokenKey, csrfToken)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// CSRFMiddleware rejects state-changing requests whose X-CSRF-Token header does not
// match the session's token. Must run after RequireAuth.
func CSRFMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet, http.MethodHead, http.MethodOptions:
			next.ServeHTTP(w, r)
			return
		}

		stored, ok := CSRFTokenFromContext(r.Context())
		if !ok || len(stored) == 0 {
			logError(r, "csrf check ran without session context")
			Forbidden(w, CodeForbidden, "forbidden")
			return
		}
		provided, err := base64.RawURLEncoding.DecodeString(r.Header.Get("X-CSRF-Token"))
		if err != nil || subtle.ConstantTimeCompare(provided, stored) != 1 {
			logWarn(r, "csrf validation failed")
			Forbidden(w, CodeForbidden, "forbidden")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// PublicCORS allows any origin to call the public endpoints without credentials.
// Preflight requests are answered with 204 and never reach the handler.
func PublicCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hdr := w.Header()
		hdr.Set("Access-Control-Allow-Origin", "*")
		hdr.Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		hdr.Set("Access-Control-Allow-Headers", "Content-Type")
		hdr.Set("Access-Control-Max-Age", "600")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// AllowMethods rejects anything other than OPTIONS, GET and POST with 405.
func AllowMethods(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodOptions, http.MethodGet, http.MethodPost:
			next.ServeHTTP(w, r)
		default:
			w.Header().Set("Allow", "GET, POST, OPTIONS")
			MethodNotAllowed(w, r)
		}
	})
}

// clientIP strips the port from RemoteAddr. chi's RealIP has already applied proxy headers.
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// allow applies policy to key and writes 429 with Retry-After when over the limit.
// Returns false if the response has been written and the handler must stop.
func (h *Handler) allow(w http.ResponseWriter, r *http.Request, action, key string, policy store.RateLimit) bool {
	err := h.RL.Allow(r.Context(), key, policy)
	if err == nil {
		return true
	}
	if !errors.Is(err, store.ErrRateLimitExceeded) {
		// Limiters that can fail are wrapped in ratelimit.Failover; anything reaching here fails closed.
		InternalServerError(w, r, err)
		return false
	}

	retry := policy.LockoutTTL
	var rl *store.RateLimitedError
	if errors.As(err, &rl) && rl.RetryAfter > 0 {
		retry = rl.RetryAfter
	}
	h.Metrics.RateLimited(action)
	logInfo(r, "rate limited", "action", action, "retry_after", retry)
	w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(retry.Seconds()))))
	writeError(w, http.StatusTooManyRequests, CodeRateLimited, "too many requests")
	return false
}
