// Package session provides the anonymous browser sessions that own PKCE
// entries and Sonar tokens.
package session

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"time"
)

// ErrNotFound is returned when a session id is unknown or expired.
var ErrNotFound = errors.New("session not found")

// Session represents an issued browser session.
// The ID is the owner id under which PKCE entries and tokens are stored.
type Session struct {
	// ID is a unique identifier for this session (64-char hex string)
	ID string `json:"id"`

	// CreatedAt is when this session was created
	CreatedAt time.Time `json:"created_at"`

	// ExpiresAt is when this session will expire
	ExpiresAt time.Time `json:"expires_at"`
}

// Store issues, resolves and destroys sessions.
type Store interface {
	Create(ctx context.Context) (*Session, error)
	Get(ctx context.Context, id string) (*Session, error)
	Delete(ctx context.Context, id string) error
}

// generateSessionID generates a cryptographically secure random session ID.
// The ID is 64 hex characters (32 random bytes).
func generateSessionID() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
