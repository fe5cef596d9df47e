package session

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Manager manages sessions in-memory with TTL-based cleanup.
// It is thread-safe and supports concurrent access.
type Manager struct {
	mu            sync.RWMutex
	sessions      map[string]*Session // sessionID -> Session
	maxAge        time.Duration
	now           func() time.Time
	onExpire      func(sessionID string)
	cleanupTicker *time.Ticker
	stopCleanup   chan struct{}
	stopOnce      sync.Once
}

// NewManager creates a new session manager with the specified lifetime.
// It automatically starts a background cleanup goroutine that runs every minute.
func NewManager(maxAge time.Duration) *Manager {
	m := &Manager{
		sessions:      make(map[string]*Session),
		maxAge:        maxAge,
		now:           time.Now,
		cleanupTicker: time.NewTicker(1 * time.Minute),
		stopCleanup:   make(chan struct{}),
	}

	// Start cleanup goroutine
	go m.cleanupLoop()

	return m
}

// Stop stops the session manager's cleanup goroutine.
// Call this when shutting down the daemon.
func (m *Manager) Stop() {
	m.stopOnce.Do(func() {
		m.cleanupTicker.Stop()
		close(m.stopCleanup)
	})
}

// OnExpire registers a hook called with the id of every session removed by
// the cleanup loop. The daemon uses it to drop the tokens the session owned.
func (m *Manager) OnExpire(fn func(sessionID string)) {
	m.mu.Lock()
	m.onExpire = fn
	m.mu.Unlock()
}

// Create creates a new session.
// The session ID is generated using crypto/rand (64 hex characters).
func (m *Manager) Create(_ context.Context) (*Session, error) {
	sessionID, err := generateSessionID()
	if err != nil {
		return nil, fmt.Errorf("failed to generate session ID: %w", err)
	}

	now := m.now()
	session := &Session{
		ID:        sessionID,
		CreatedAt: now,
		ExpiresAt: now.Add(m.maxAge),
	}

	m.mu.Lock()
	m.sessions[sessionID] = session
	m.mu.Unlock()

	copied := *session
	return &copied, nil
}

// Get retrieves a session by its ID.
// Returns ErrNotFound if the session is not found or has expired.
func (m *Manager) Get(_ context.Context, sessionID string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	session, ok := m.sessions[sessionID]
	if !ok {
		return nil, ErrNotFound
	}

	// Check expiry
	if m.now().After(session.ExpiresAt) {
		return nil, ErrNotFound
	}

	copied := *session
	return &copied, nil
}

// Delete removes a session from the manager. Unknown ids are ignored.
func (m *Manager) Delete(_ context.Context, sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.sessions, sessionID)
	return nil
}

// Count returns the current number of stored sessions.
// Useful for monitoring and testing.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}
