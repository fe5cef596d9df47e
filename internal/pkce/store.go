package pkce

import (
	"context"
	"errors"
	"time"
)

// DefaultTTL is how long an authorization attempt may take.
const DefaultTTL = 10 * time.Minute

// ErrNotFound is returned when a state is unknown or its entry has expired.
var ErrNotFound = errors.New("pkce entry not found")

// Entry is the server-side half of an authorization attempt.
type Entry struct {
	OwnerID      string    `json:"owner_id"`
	CodeVerifier string    `json:"code_verifier"`
	ExpiresAt    time.Time `json:"expires_at"`
}

// Store maps a state to its Entry.
//
// Get does not consume the entry; callers Clear it once the code exchange
// succeeded. An expired entry reads as ErrNotFound and is removed.
type Store interface {
	Put(ctx context.Context, state, ownerID, codeVerifier string) error
	Get(ctx context.Context, state string) (*Entry, error)
	Clear(ctx context.Context, state string) error
}

// Option configures a Store.
type Option func(*options)

type options struct {
	ttl time.Duration
	now func() time.Time
}

// WithTTL overrides DefaultTTL.
func WithTTL(ttl time.Duration) Option {
	return func(o *options) {
		if ttl > 0 {
			o.ttl = ttl
		}
	}
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		if now != nil {
			o.now = now
		}
	}
}

func newOptions(opts []Option) options {
	o := options{ttl: DefaultTTL, now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

func (o options) newEntry(ownerID, codeVerifier string) *Entry {
	return &Entry{
		OwnerID:      ownerID,
		CodeVerifier: codeVerifier,
		ExpiresAt:    o.now().Add(o.ttl),
	}
}

func (o options) expired(e *Entry) bool {
	return !o.now().Before(e.ExpiresAt)
}
