package session

import (
	"context"
	"sync"
)

// TokenStore persists resume tokens by identity so conversations survive a
// daemon restart.
type TokenStore interface {
	// Load returns the stored token, or "" when none exists.
	Load(ctx context.Context, identity string) (string, error)
	Save(ctx context.Context, identity, token string) error
	Delete(ctx context.Context, identity string) error
	Close() error
}

// MemoryTokenStore keeps tokens in process memory.
type MemoryTokenStore struct {
	mu     sync.RWMutex
	tokens map[string]string
}

// NewMemoryTokenStore creates an empty in-memory store.
func NewMemoryTokenStore() *MemoryTokenStore {
	return &MemoryTokenStore{tokens: make(map[string]string)}
}

func (m *MemoryTokenStore) Load(_ context.Context, identity string) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.tokens[identity], nil
}

func (m *MemoryTokenStore) Save(_ context.Context, identity, token string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tokens[identity] = token
	return nil
}

func (m *MemoryTokenStore) Delete(_ context.Context, identity string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.tokens, identity)
	return nil
}

func (m *MemoryTokenStore) Close() error {
	return nil
}
