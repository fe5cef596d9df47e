// Package tokenstore keeps the Sonar token set of each owner.
//
// Expiry is data interpreted by callers; no store evicts tokens on its own.
package tokenstore

import (
	"context"
	"errors"
	"time"
)

// DefaultExpiresIn is assumed when the provider omits expires_in.
const DefaultExpiresIn = 3600

// ErrNotFound is returned when an owner has no tokens.
var ErrNotFound = errors.New("tokens not found")

// Tokens is the complete token set of one owner.
type Tokens struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	// ExpiresAt is the access token expiry in unix seconds.
	ExpiresAt int64 `json:"expires_at"`
}

// FromGrant builds a token set from a token endpoint response received at now.
func FromGrant(accessToken, refreshToken string, expiresIn int64, now time.Time) Tokens {
	if expiresIn <= 0 {
		expiresIn = DefaultExpiresIn
	}
	return Tokens{
		AccessToken:  accessToken,
		RefreshToken: refreshToken,
		ExpiresAt:    now.Unix() + expiresIn,
	}
}

// ExpiresWithin reports whether the access token expires less than margin after now.
func (t Tokens) ExpiresWithin(now time.Time, margin time.Duration) bool {
	return t.ExpiresAt-now.Unix() < int64(margin/time.Second)
}

// Complete reports whether both tokens are present.
func (t Tokens) Complete() bool {
	return t.AccessToken != "" && t.RefreshToken != ""
}

// Store maps an owner id to its token set.
type Store interface {
	Get(ctx context.Context, ownerID string) (*Tokens, error)
	Set(ctx context.Context, ownerID string, tokens Tokens) error
	Delete(ctx context.Context, ownerID string) error
}
