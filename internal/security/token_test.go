package security_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"swiftchat/internal/security"
)

func TestAuthenticateRoundTrip(t *testing.T) {
	svc := security.NewTokenService("test-secret", time.Hour)

	raw, err := svc.CreateForUser(42, "alice", "Alice")
	require.NoError(t, err)

	id, err := svc.Authenticate(raw)
	require.NoError(t, err)
	assert.Equal(t, int64(42), id.UserID)
	assert.Equal(t, "alice", id.Username)
	assert.Equal(t, "Alice", id.DisplayName)
	assert.True(t, id.ExpiresAt.After(time.Now()))
}

func TestAuthenticateExpired(t *testing.T) {
	svc := security.NewTokenService("test-secret", -time.Minute)

	raw, err := svc.CreateForUser(1, "bob", "Bob")
	require.NoError(t, err)

	_, err = svc.Authenticate(raw)
	assert.ErrorIs(t, err, security.ErrTokenExpired)
}

func TestAuthenticateWrongSecret(t *testing.T) {
	issuer := security.NewTokenService("secret-a", time.Hour)
	verifier := security.NewTokenService("secret-b", time.Hour)

	raw, err := issuer.CreateForUser(1, "bob", "Bob")
	require.NoError(t, err)

	_, err = verifier.Authenticate(raw)
	assert.ErrorIs(t, err, security.ErrTokenSignature)
}

func TestAuthenticateMalformed(t *testing.T) {
	svc := security.NewTokenService("test-secret", time.Hour)

	for _, raw := range []string{"", "not-a-token", "a.b.c"} {
		_, err := svc.Authenticate(raw)
		assert.ErrorIs(t, err, security.ErrTokenMalformed, "input %q", raw)
	}
}
