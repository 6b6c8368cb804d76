// stores.go
//
// Stateful in-memory fakes for the verify handler interfaces. Each is safe for
// concurrent use and records enough to assert on in tests.
package testutil

import (
	"context"
	"sync"
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/jackc/pgx/v5"

	"github.com/MGallo-Code/agegate/internal/store"
)

// MemoryRepository fakes the Postgres store.
type MemoryRepository struct {
	mu       sync.Mutex
	widgets  map[string]store.Widget
	sessions map[[2]string]store.VerificationSession
	accounts map[uuid.UUID]store.AccountVerification
	platform map[string]store.Session // keyed by string(tokenHash)

	// Injected failures.
	GetWidgetErr error
	UpsertErr    error
	HealthErr    error

	// Now is used for read-time expiry checks; defaults to time.Now.
	Now func() time.Time
}

// NewMemoryRepository returns an empty repository.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		widgets:  make(map[string]store.Widget),
		sessions: make(map[[2]string]store.VerificationSession),
		accounts: make(map[uuid.UUID]store.AccountVerification),
		platform: make(map[string]store.Session),
	}
}

func (m *MemoryRepository) now() time.Time {
	if m.Now != nil {
		return m.Now()
	}
	return time.Now()
}

// AddWidget registers a widget.
func (m *MemoryRepository) AddWidget(w store.Widget) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.widgets[w.ID] = w
}

// AddPlatformSession registers a login session under tokenHash.
func (m *MemoryRepository) AddPlatformSession(s store.Session) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.platform[string(s.TokenHash)] = s
}

// SessionCount returns the number of verification session rows.
func (m *MemoryRepository) SessionCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// StoredSession returns the row for (widgetID, visitorID) regardless of expiry.
func (m *MemoryRepository) StoredSession(widgetID, visitorID string) (store.VerificationSession, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	vs, ok := m.sessions[[2]string{widgetID, visitorID}]
	return vs, ok
}

// StoredAccount returns the account verification row, if any.
func (m *MemoryRepository) StoredAccount(id uuid.UUID) (store.AccountVerification, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	av, ok := m.accounts[id]
	return av, ok
}

func (m *MemoryRepository) GetWidget(_ context.Context, widgetID string) (*store.Widget, error) {
	if m.GetWidgetErr != nil {
		return nil, m.GetWidgetErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	w, ok := m.widgets[widgetID]
	if !ok {
		return nil, store.ErrWidgetNotFound
	}
	return &w, nil
}

// UpsertVerificationSession keeps the first row id on conflict, as the SQL does, and
// rejects a token digest already held by another (widget, visitor) row.
func (m *MemoryRepository) UpsertVerificationSession(_ context.Context, vs store.VerificationSession) error {
	if m.UpsertErr != nil {
		return m.UpsertErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	key := [2]string{vs.WidgetID, vs.VisitorID}
	if vs.TokenDigest != nil {
		for k, row := range m.sessions {
			if k != key && row.TokenDigest != nil && *row.TokenDigest == *vs.TokenDigest {
				return store.ErrTokenReused
			}
		}
	}
	if prev, ok := m.sessions[key]; ok {
		vs.ID = prev.ID
	}
	m.sessions[key] = vs
	return nil
}

func (m *MemoryRepository) GetVerificationSession(_ context.Context, widgetID, visitorID string) (*store.VerificationSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	vs, ok := m.sessions[[2]string{widgetID, visitorID}]
	if !ok || !m.now().Before(vs.ExpiresAt) {
		return nil, store.ErrNotVerified
	}
	return &vs, nil
}

func (m *MemoryRepository) UpsertAccountVerification(_ context.Context, av store.AccountVerification) error {
	if m.UpsertErr != nil {
		return m.UpsertErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.accounts[av.AccountID] = av
	return nil
}

func (m *MemoryRepository) GetAccountVerification(_ context.Context, accountID uuid.UUID) (*store.AccountVerification, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	av, ok := m.accounts[accountID]
	if !ok {
		return nil, store.ErrNotVerified
	}
	return &av, nil
}

func (m *MemoryRepository) GetSessionByTokenHash(_ context.Context, tokenHash []byte) (*store.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.platform[string(tokenHash)]
	if !ok || !m.now().Before(s.ExpiresAt) {
		return nil, pgx.ErrNoRows
	}
	return &s, nil
}

func (m *MemoryRepository) CheckHealth(context.Context) error { return m.HealthErr }

// MockCache fakes the Redis session cache.
type MockCache struct {
	mu       sync.Mutex
	sessions map[string]store.CachedSession
	sets     int

	GetErr    error // returned by GetSession instead of a lookup
	HealthErr error
}

// NewMockCache returns an empty cache.
func NewMockCache() *MockCache {
	return &MockCache{sessions: make(map[string]store.CachedSession)}
}

func (c *MockCache) GetSession(_ context.Context, tokenHash string) (*store.CachedSession, error) {
	if c.GetErr != nil {
		return nil, c.GetErr
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.sessions[tokenHash]
	if !ok {
		return nil, store.ErrCacheMiss
	}
	return &s, nil
}

func (c *MockCache) SetSession(_ context.Context, tokenHash string, s store.Session, _ int) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sets++
	c.sessions[tokenHash] = store.CachedSession{UserID: s.UserID, CSRFToken: s.CSRFToken, ExpiresAt: s.ExpiresAt}
	return nil
}

// Sets returns how many times SetSession was called.
func (c *MockCache) Sets() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sets
}

func (c *MockCache) CheckHealth(context.Context) error { return c.HealthErr }

// MockRateLimiter allows everything unless Deny or Err is set, and records keys.
type MockRateLimiter struct {
	mu   sync.Mutex
	keys []string

	Deny       bool
	RetryAfter time.Duration
	Err        error
}

func (l *MockRateLimiter) Allow(_ context.Context, key string, _ store.RateLimit) error {
	l.mu.Lock()
	l.keys = append(l.keys, key)
	l.mu.Unlock()
	if l.Err != nil {
		return l.Err
	}
	if l.Deny {
		return &store.RateLimitedError{RetryAfter: l.RetryAfter}
	}
	return nil
}

// Keys returns every key checked so far.
func (l *MockRateLimiter) Keys() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.keys...)
}

// MockCaptcha returns Err for every token.
type MockCaptcha struct {
	Err error
}

func (c *MockCaptcha) Verify(context.Context, string, string) error { return c.Err }

// FailingFlowStore returns Err from every call, standing in for an unreachable Redis.
type FailingFlowStore struct {
	Err error
}

func (f FailingFlowStore) PutFlow(context.Context, string, store.FlowState, time.Duration) error {
	return f.Err
}

func (f FailingFlowStore) TakeFlow(context.Context, string) (*store.FlowState, error) {
	return nil, f.Err
}
