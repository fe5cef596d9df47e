package pkce

import (
	"crypto/sha256"
	"encoding/base64"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewParams(t *testing.T) {
	seen := make(map[string]bool)

	for i := 0; i < 100; i++ {
		p, err := NewParams()
		require.NoError(t, err)

		// RFC 7636: 43-128 characters
		assert.GreaterOrEqual(t, len(p.CodeVerifier), 43)
		assert.LessOrEqual(t, len(p.CodeVerifier), 128)
		_, err = base64.RawURLEncoding.DecodeString(p.CodeVerifier)
		assert.NoError(t, err, "verifier is not valid base64url")

		sum := sha256.Sum256([]byte(p.CodeVerifier))
		assert.Equal(t, base64.RawURLEncoding.EncodeToString(sum[:]), p.CodeChallenge)

		assert.NotEqual(t, p.State, p.CodeVerifier)
		assert.True(t, ValidState(p.State))

		assert.False(t, seen[p.State], "duplicate state generated")
		assert.False(t, seen[p.CodeVerifier], "duplicate verifier generated")
		seen[p.State] = true
		seen[p.CodeVerifier] = true
	}
}

func TestGenerateStateEntropy(t *testing.T) {
	state, err := GenerateState()
	require.NoError(t, err)

	raw, err := base64.RawURLEncoding.DecodeString(state)
	require.NoError(t, err)
	assert.Len(t, raw, 32)
}

func TestValidState(t *testing.T) {
	assert.True(t, ValidState("abc123"))
	assert.True(t, ValidState("A-z_09"))
	assert.False(t, ValidState(""))
	assert.False(t, ValidState("has space"))
	assert.False(t, ValidState("semi;colon"))
	assert.False(t, ValidState("new\nline"))
}
