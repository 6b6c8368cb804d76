// flowstore.go
//
// In-process flow state store with the same contract as store.RedisStore:
// TTL enforced on read, one successful take per state.
package testutil

import (
	"context"
	"sync"
	"time"

	"github.com/MGallo-Code/agegate/internal/store"
)

type memoryEntry struct {
	state     store.FlowState
	expiresAt time.Time
}

// MemoryFlowStore holds flow state in a mutex-guarded map.
type MemoryFlowStore struct {
	mu      sync.Mutex
	entries map[string]memoryEntry
	now     func() time.Time
}

// NewMemoryFlowStore returns an empty store. A nil now uses time.Now.
func NewMemoryFlowStore(now func() time.Time) *MemoryFlowStore {
	if now == nil {
		now = time.Now
	}
	return &MemoryFlowStore{entries: make(map[string]memoryEntry), now: now}
}

// PutFlow stores fs under state until ttl elapses. Expired entries are swept on write.
func (m *MemoryFlowStore) PutFlow(_ context.Context, state string, fs store.FlowState, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	for k, e := range m.entries {
		if !now.Before(e.expiresAt) {
			delete(m.entries, k)
		}
	}
	if _, ok := m.entries[state]; ok {
		return store.ErrFlowExists
	}
	m.entries[state] = memoryEntry{state: fs, expiresAt: now.Add(ttl)}
	return nil
}

// TakeFlow removes and returns the entry for state, or store.ErrFlowNotFound if absent or expired.
func (m *MemoryFlowStore) TakeFlow(_ context.Context, state string) (*store.FlowState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entries[state]
	if !ok {
		return nil, store.ErrFlowNotFound
	}
	delete(m.entries, state)
	if !m.now().Before(e.expiresAt) {
		return nil, store.ErrFlowNotFound
	}
	fs := e.state
	return &fs, nil
}

// Len returns the number of entries held, expired or not.
func (m *MemoryFlowStore) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}
