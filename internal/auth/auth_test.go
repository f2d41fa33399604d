package auth

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIssueAndVerify(t *testing.T) {
	issuer, err := NewIssuer("short-secret", time.Hour)
	require.NoError(t, err)

	tok, err := issuer.Issue("s1")
	require.NoError(t, err)

	parsed, err := issuer.Parse(tok)
	require.NoError(t, err)
	assert.Equal(t, "s1", parsed.SessionID)
	assert.Greater(t, parsed.ExpiresAt, parsed.IssuedAt)

	assert.NoError(t, issuer.Verify(tok, "s1"))
	assert.Error(t, issuer.Verify(tok, "s2"))
}

func TestRejectsTamperedAndExpired(t *testing.T) {
	issuer, err := NewIssuer("secret", time.Minute)
	require.NoError(t, err)
	tok, err := issuer.Issue("s1")
	require.NoError(t, err)

	other, err := NewIssuer("another-secret", time.Minute)
	require.NoError(t, err)
	_, err = other.Parse(tok)
	assert.Error(t, err)

	_, err = issuer.Parse("garbage")
	assert.Error(t, err)

	issuer.now = func() time.Time { return time.Now().Add(2 * time.Minute) }
	_, err = issuer.Parse(tok)
	assert.ErrorContains(t, err, "expired")
}

func TestIssuerValidation(t *testing.T) {
	_, err := NewIssuer("", time.Hour)
	assert.Error(t, err)

	issuer, err := NewIssuer("secret", 0)
	require.NoError(t, err)
	_, err = issuer.Issue("  ")
	assert.Error(t, err)

	_, err = issuer.Parse("")
	assert.Error(t, err)

	key, err := GenerateSecureKey(0)
	require.NoError(t, err)
	assert.NotEmpty(t, key)
}
