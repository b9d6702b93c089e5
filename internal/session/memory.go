package session

import (
	"context"
	"sync"
	"time"

	"github.com/ocx/gateway/internal/core"
)

// Memory is the in-memory store used in development and tests.
type Memory struct {
	mu       sync.RWMutex
	sessions map[string]*core.Session
	locks    map[string]*sync.Mutex

	now func() time.Time
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		sessions: make(map[string]*core.Session),
		locks:    make(map[string]*sync.Mutex),
		now:      time.Now,
	}
}

func (m *Memory) Create(_ context.Context, s *core.Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.sessions[s.SessionID]; ok {
		return core.E(core.KindConflict, "session already exists "+s.SessionID)
	}
	copied := *s
	m.sessions[s.SessionID] = &copied
	m.locks[s.SessionID] = &sync.Mutex{}
	return nil
}

func (m *Memory) Get(_ context.Context, sessionID string) (*core.Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s, ok := m.sessions[sessionID]
	if !ok {
		return nil, errNotFound(sessionID)
	}
	copied := *s
	return &copied, nil
}

func (m *Memory) Update(_ context.Context, sessionID string, fn func(*core.Session) error) error {
	m.mu.RLock()
	lock, ok := m.locks[sessionID]
	m.mu.RUnlock()
	if !ok {
		return errNotFound(sessionID)
	}

	if !lock.TryLock() {
		return errWriteConflict(sessionID)
	}
	defer lock.Unlock()

	m.mu.RLock()
	current, ok := m.sessions[sessionID]
	m.mu.RUnlock()
	if !ok {
		return errNotFound(sessionID)
	}

	updated := *current
	if err := fn(&updated); err != nil {
		return err
	}

	m.mu.Lock()
	m.sessions[sessionID] = &updated
	m.mu.Unlock()
	return nil
}

func (m *Memory) Delete(_ context.Context, sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.sessions, sessionID)
	delete(m.locks, sessionID)
	return nil
}

func (m *Memory) SweepIdle(_ context.Context, idleTimeout time.Duration) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cutoff := m.now().Add(-idleTimeout)
	swept := 0
	for id, s := range m.sessions {
		if s.LastActivityAt.Before(cutoff) {
			delete(m.sessions, id)
			delete(m.locks, id)
			swept++
		}
	}
	return swept, nil
}

func (m *Memory) Close() error { return nil }
