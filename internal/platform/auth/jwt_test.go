package auth

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fixedManager(now time.Time, ttl time.Duration) Manager {
	m := NewManager("secret", ttl)
	m.Now = func() time.Time { return now }
	return m
}

func TestManager_SignAndParse(t *testing.T) {
	now := time.Date(2026, 2, 10, 0, 0, 0, 0, time.UTC)
	m := fixedManager(now, time.Hour)

	tok, err := m.Sign("u1", "Alice", "alice@example.com", RoleAdmin)
	require.NoError(t, err)

	claims, err := m.Parse(tok)
	require.NoError(t, err)
	assert.Equal(t, "u1", claims.UserID())
	assert.Equal(t, "Alice", claims.Name)
	assert.Equal(t, "alice@example.com", claims.Email)
	assert.True(t, claims.IsAdmin())
}

func TestManager_ParseExpired(t *testing.T) {
	now := time.Date(2026, 2, 10, 0, 0, 0, 0, time.UTC)
	m := fixedManager(now, time.Second)
	tok, err := m.Sign("u1", "Alice", "", "")
	require.NoError(t, err)

	m.Now = func() time.Time { return now.Add(2 * time.Second) }
	_, err = m.Parse(tok)
	assert.ErrorIs(t, err, ErrExpiredToken)
}

func TestManager_ParseWrongSecret(t *testing.T) {
	now := time.Date(2026, 2, 10, 0, 0, 0, 0, time.UTC)
	tok, err := fixedManager(now, time.Hour).Sign("u1", "Alice", "", "")
	require.NoError(t, err)

	other := NewManager("other", time.Hour)
	other.Now = func() time.Time { return now }
	_, err = other.Parse(tok)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestBearerToken(t *testing.T) {
	assert.Equal(t, "abc", BearerToken("Bearer abc"))
	assert.Equal(t, "abc", BearerToken("bearer  abc "))
	assert.Empty(t, BearerToken("Basic abc"))
	assert.Empty(t, BearerToken(""))
}
