package pkce

import (
	"context"

	"github.com/jellydator/ttlcache/v3"
)

// MemoryStore keeps entries in process memory.
// Only valid when every request of a flow reaches the same instance.
type MemoryStore struct {
	opts  options
	cache *ttlcache.Cache[string, Entry]
}

// NewMemoryStore creates an in-memory store. The cache evicts entries in the
// background once their TTL has passed; Get also checks ExpiresAt against the
// store clock.
func NewMemoryStore(opts ...Option) *MemoryStore {
	o := newOptions(opts)
	cache := ttlcache.New(
		ttlcache.WithTTL[string, Entry](o.ttl),
		ttlcache.WithDisableTouchOnHit[string, Entry](),
	)

	// Start the cleanup process
	go cache.Start()

	return &MemoryStore{opts: o, cache: cache}
}

// Put stores an entry, replacing any entry under the same state.
func (s *MemoryStore) Put(_ context.Context, state, ownerID, codeVerifier string) error {
	s.cache.Set(state, *s.opts.newEntry(ownerID, codeVerifier), ttlcache.DefaultTTL)
	return nil
}

// Get returns a copy of the entry for state.
func (s *MemoryStore) Get(_ context.Context, state string) (*Entry, error) {
	item := s.cache.Get(state)
	if item == nil {
		return nil, ErrNotFound
	}

	entry := item.Value()
	if s.opts.expired(&entry) {
		s.cache.Delete(state)
		return nil, ErrNotFound
	}

	return &entry, nil
}

// Clear removes the entry for state. Unknown states are ignored.
func (s *MemoryStore) Clear(_ context.Context, state string) error {
	s.cache.Delete(state)
	return nil
}

// Len returns the number of entries, including expired ones not yet evicted.
func (s *MemoryStore) Len() int {
	return s.cache.Len()
}

// Close stops the cleanup goroutine.
func (s *MemoryStore) Close() error {
	s.cache.Stop()
	return nil
}
