package tokenstore

import (
	"context"
	"errors"
	"sync"
)

// MemoryStore keeps token sets in process memory.
type MemoryStore struct {
	mu     sync.RWMutex
	tokens map[string]Tokens // ownerID -> Tokens
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{tokens: make(map[string]Tokens)}
}

// Get returns a copy of the owner's tokens.
func (s *MemoryStore) Get(_ context.Context, ownerID string) (*Tokens, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	t, ok := s.tokens[ownerID]
	if !ok {
		return nil, ErrNotFound
	}
	return &t, nil
}

// Set replaces the owner's tokens wholesale.
func (s *MemoryStore) Set(_ context.Context, ownerID string, tokens Tokens) error {
	if !tokens.Complete() {
		return errors.New("refusing to store incomplete token set")
	}

	s.mu.Lock()
	s.tokens[ownerID] = tokens
	s.mu.Unlock()
	return nil
}

// Delete removes the owner's tokens. Unknown owners are ignored.
func (s *MemoryStore) Delete(_ context.Context, ownerID string) error {
	s.mu.Lock()
	delete(s.tokens, ownerID)
	s.mu.Unlock()
	return nil
}
