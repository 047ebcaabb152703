package driver

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/meetloop/meetloop/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTokenRoundTrip(t *testing.T) {
	issuer := NewTokenIssuer(&config.DriverConfig{
		CallbackSecret: "test-secret",
		CallbackTTL:    time.Hour,
	})

	botID := uuid.New()
	token, err := issuer.Mint(botID)
	require.NoError(t, err)

	got, err := issuer.Verify(token)
	require.NoError(t, err)
	assert.Equal(t, botID, got)
}

func TestTokenWrongSecret(t *testing.T) {
	issuer := NewTokenIssuer(&config.DriverConfig{CallbackSecret: "secret-a", CallbackTTL: time.Hour})
	other := NewTokenIssuer(&config.DriverConfig{CallbackSecret: "secret-b", CallbackTTL: time.Hour})

	token, err := issuer.Mint(uuid.New())
	require.NoError(t, err)

	_, err = other.Verify(token)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestTokenExpired(t *testing.T) {
	issuer := NewTokenIssuer(&config.DriverConfig{CallbackSecret: "secret", CallbackTTL: -time.Minute})

	token, err := issuer.Mint(uuid.New())
	require.NoError(t, err)

	_, err = issuer.Verify(token)
	assert.ErrorIs(t, err, ErrTokenExpired)
}

func TestTokenGarbage(t *testing.T) {
	issuer := NewTokenIssuer(&config.DriverConfig{CallbackSecret: "secret", CallbackTTL: time.Hour})
	_, err := issuer.Verify("not-a-token")
	assert.ErrorIs(t, err, ErrInvalidToken)
}
