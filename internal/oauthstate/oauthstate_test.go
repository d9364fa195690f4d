package oauthstate

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIssuer_IssueAndVerify(t *testing.T) {
	iss := New("super-secret-signing-key", time.Minute)

	token, err := iss.Issue("u@example.com")
	require.NoError(t, err)
	require.NotEmpty(t, token)

	account, err := iss.Verify(token)
	require.NoError(t, err)
	assert.Equal(t, "u@example.com", account)
}

func TestIssuer_RejectsExpired(t *testing.T) {
	iss := New("super-secret-signing-key", time.Millisecond)
	token, err := iss.Issue("u@example.com")
	require.NoError(t, err)

	time.Sleep(10 * time.Millisecond)
	_, err = iss.Verify(token)
	assert.ErrorIs(t, err, ErrInvalidState)
}

func TestIssuer_RejectsWrongKey(t *testing.T) {
	iss := New("signing-key-one", time.Minute)
	token, err := iss.Issue("u@example.com")
	require.NoError(t, err)

	other := New("signing-key-two", time.Minute)
	_, err = other.Verify(token)
	assert.ErrorIs(t, err, ErrInvalidState)
}

func TestIssuer_RejectsGarbage(t *testing.T) {
	iss := New("super-secret-signing-key", time.Minute)
	_, err := iss.Verify("not-a-token")
	assert.ErrorIs(t, err, ErrInvalidState)
}
