package auth

import (
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTokenRoundTrip(t *testing.T) {
	a := New("test-secret", "service-key")

	token, err := a.IssueToken("alice", "user")
	require.NoError(t, err)

	id, err := a.ParseToken(token)
	require.NoError(t, err)
	assert.Equal(t, "alice", id.Username)
	assert.Equal(t, "user", id.Role)
	assert.False(t, id.Privileged)
}

func TestAdminTokenIsPrivileged(t *testing.T) {
	a := New("test-secret", "service-key")

	token, err := a.IssueToken("root", "admin")
	require.NoError(t, err)

	id, err := a.ParseToken(token)
	require.NoError(t, err)
	assert.True(t, id.Privileged)
}

func TestParseTokenRejectsWrongSecret(t *testing.T) {
	token, err := New("secret-a", "").IssueToken("alice", "user")
	require.NoError(t, err)

	_, err = New("secret-b", "").ParseToken(token)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestParseTokenRejectsGarbage(t *testing.T) {
	_, err := New("secret", "").ParseToken("not.a.token")
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestIdentifyWithAPIKey(t *testing.T) {
	a := New("secret", "service-key")

	r := httptest.NewRequest("GET", "/api/sessions", nil)
	r.Header.Set("X-API-Key", "service-key")

	id, err := a.Identify(r)
	require.NoError(t, err)
	assert.True(t, id.Privileged)
	assert.Equal(t, "service", id.Role)

	r.Header.Set("X-API-Key", "wrong-key")
	_, err = a.Identify(r)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestIdentifyWithBearerToken(t *testing.T) {
	a := New("secret", "service-key")
	token, err := a.IssueToken("alice", "user")
	require.NoError(t, err)

	r := httptest.NewRequest("GET", "/api/sessions", nil)
	r.Header.Set("Authorization", "Bearer "+token)

	id, err := a.Identify(r)
	require.NoError(t, err)
	assert.Equal(t, "alice", id.Username)
}

func TestIdentifyWithQueryToken(t *testing.T) {
	a := New("secret", "service-key")
	token, err := a.IssueToken("alice", "user")
	require.NoError(t, err)

	r := httptest.NewRequest("GET", "/ws/abc?token="+token, nil)
	id, err := a.Identify(r)
	require.NoError(t, err)
	assert.Equal(t, "alice", id.Username)
}

func TestIdentifyMissingCredentials(t *testing.T) {
	a := New("secret", "service-key")
	r := httptest.NewRequest("GET", "/api/sessions", nil)
	_, err := a.Identify(r)
	assert.ErrorIs(t, err, ErrMissingCredentials)
}
