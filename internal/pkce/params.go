// Package pkce generates PKCE parameters and keeps the short-lived state
// entries that tie an authorization redirect to the verifier and session
// that started it.
package pkce

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"regexp"

	"golang.org/x/oauth2"
)

// Params contains the values generated for one authorization attempt.
type Params struct {
	// State is the OAuth state parameter, the key of the stored Entry
	State string

	// CodeVerifier is the PKCE code verifier (must be stored for token exchange)
	CodeVerifier string

	// CodeChallenge is BASE64URL(SHA256(verifier)), sent with the authorization request
	CodeChallenge string
}

// Generator produces Params. Tests substitute a deterministic one.
type Generator func() (*Params, error)

// NewParams creates a verifier/challenge pair and an independent state.
// The verifier is 32 random bytes encoded as base64url (43 characters).
func NewParams() (*Params, error) {
	state, err := GenerateState()
	if err != nil {
		return nil, fmt.Errorf("failed to generate state: %w", err)
	}

	verifier := oauth2.GenerateVerifier()

	return &Params{
		State:         state,
		CodeVerifier:  verifier,
		CodeChallenge: oauth2.S256ChallengeFromVerifier(verifier),
	}, nil
}

// GenerateState creates a random state parameter for CSRF protection.
// The state is 32 random bytes encoded as base64url (43 characters).
func GenerateState() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

var stateRe = regexp.MustCompile(`^[A-Za-z0-9_-]{1,128}$`)

// ValidState reports whether s has the shape of a state this package issues.
func ValidState(s string) bool {
	return stateRe.MatchString(s)
}
