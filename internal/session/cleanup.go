package session

import (
	"log/slog"

	"github.com/al-bashkir/sonar-oauth-gateway/internal/logsanitize"
)

// cleanupLoop runs in a background goroutine and periodically cleans up expired sessions.
// It runs every minute (configured by cleanupTicker) and stops when the stopCleanup channel is closed.
func (m *Manager) cleanupLoop() {
	for {
		select {
		case <-m.cleanupTicker.C:
			m.cleanup()
		case <-m.stopCleanup:
			return
		}
	}
}

// cleanup removes all expired sessions from the manager and reports each
// removed id to the OnExpire hook, outside the lock.
// This method is called periodically by cleanupLoop.
func (m *Manager) cleanup() {
	m.mu.Lock()
	now := m.now()
	var expired []string
	for sessionID, session := range m.sessions {
		if now.After(session.ExpiresAt) {
			delete(m.sessions, sessionID)
			expired = append(expired, sessionID)
		}
	}
	onExpire := m.onExpire
	m.mu.Unlock()

	if len(expired) == 0 {
		return
	}

	slog.Info("cleaned up expired sessions", "count", len(expired))

	if onExpire == nil {
		return
	}
	for _, sessionID := range expired {
		slog.Debug("releasing resources of expired session",
			"session", logsanitize.Fingerprint(sessionID),
		)
		onExpire(sessionID)
	}
}
