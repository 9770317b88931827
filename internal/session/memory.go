package session

import (
	"context"
	"sync"
)

type memoryStore struct {
	mu       sync.Mutex
	sessions map[string]Session
}

// NewMemoryStore returns a Store backed by a mutex guarded map.
func NewMemoryStore() Store {
	return &memoryStore{sessions: make(map[string]Session)}
}

func (m *memoryStore) Set(_ context.Context, key string, s Session) error {
	m.mu.Lock()
	m.sessions[key] = s
	m.mu.Unlock()
	return nil
}

func (m *memoryStore) Del(_ context.Context, key string) error {
	m.mu.Lock()
	delete(m.sessions, key)
	m.mu.Unlock()
	return nil
}

func (m *memoryStore) List(_ context.Context) ([]Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s)
	}
	return out, nil
}
