package ehr

import (
	"context"
	"sync"
	"time"

	"github.com/ehr/ehrlink/internal/platform/smart"
)

// MemoryStore is a process-local Store for development and tests.
type MemoryStore struct {
	mu       sync.Mutex
	settings map[string]Settings
	launches map[string]smart.LaunchContext
	tokens   map[ConnectionKey]TokenState
	now      func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		settings: make(map[string]Settings),
		launches: make(map[string]smart.LaunchContext),
		tokens:   make(map[ConnectionKey]TokenState),
		now:      time.Now,
	}
}

func (m *MemoryStore) GetSettings(_ context.Context, tenantID string) (*Settings, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.settings[tenantID]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneSettings(s), nil
}

func (m *MemoryStore) SaveSettings(_ context.Context, s *Settings) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s.UpdatedAt = m.now()
	m.settings[s.TenantID] = *cloneSettings(*s)
	return nil
}

func (m *MemoryStore) SaveLaunch(_ context.Context, lc *smart.LaunchContext) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.launches[lc.State] = *lc
	return nil
}

func (m *MemoryStore) ConsumeLaunch(_ context.Context, state string, now time.Time) (*smart.LaunchContext, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	lc, ok := m.launches[state]
	if !ok {
		return nil, ErrNotFound
	}
	delete(m.launches, state)
	if lc.Expired(now) {
		return nil, ErrLaunchExpired
	}
	return &lc, nil
}

func (m *MemoryStore) DeleteLaunch(_ context.Context, state string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.launches, state)
	return nil
}

func (m *MemoryStore) GetToken(_ context.Context, key ConnectionKey) (*TokenState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tokens[key]
	if !ok {
		return nil, ErrNotFound
	}
	return &t, nil
}

func (m *MemoryStore) PutToken(_ context.Context, t *TokenState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t.Version = m.tokens[t.Key()].Version + 1
	t.UpdatedAt = m.now()
	m.tokens[t.Key()] = *t
	return nil
}

func (m *MemoryStore) CompareAndSwapToken(_ context.Context, t *TokenState, expected int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.tokens[t.Key()]
	if !ok {
		return ErrNotFound
	}
	if cur.Version != expected {
		return ErrVersionConflict
	}
	t.Version = expected + 1
	t.UpdatedAt = m.now()
	m.tokens[t.Key()] = *t
	return nil
}

func (m *MemoryStore) DeleteToken(_ context.Context, key ConnectionKey) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.tokens, key)
	return nil
}

func (m *MemoryStore) MarkStatus(_ context.Context, key ConnectionKey, status ConnectionStatus, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tokens[key]
	if !ok {
		return ErrNotFound
	}
	t.Status = status
	t.LastError = reason
	t.Version++
	t.UpdatedAt = m.now()
	m.tokens[key] = t
	return nil
}

func cloneSettings(s Settings) *Settings {
	out := s
	out.EnabledProviders = append([]ProviderID(nil), s.EnabledProviders...)
	out.Providers = make(map[ProviderID]ProviderConfig, len(s.Providers))
	for k, v := range s.Providers {
		out.Providers[k] = v
	}
	return &out
}
