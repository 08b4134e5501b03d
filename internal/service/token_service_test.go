package service

import (
	"testing"
	"time"

	"payment-orchestrator/config"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func authConfig() config.AuthConfig {
	return config.AuthConfig{
		JWTSecret: "test-secret-key-for-tests",
		JWTExpiry: time.Hour,
		Issuer:    "payment-orchestrator",
	}
}

func TestJWTTokenService_GenerateAndValidate(t *testing.T) {
	svc := NewJWTTokenService(authConfig())

	token, err := svc.Generate("merch_1")
	require.NoError(t, err)
	require.NotEmpty(t, token)

	merchantID, err := svc.Validate(token)
	require.NoError(t, err)
	assert.Equal(t, "merch_1", merchantID)
}

func TestJWTTokenService_ExpiredToken(t *testing.T) {
	cfg := authConfig()
	cfg.JWTExpiry = -time.Minute
	svc := NewJWTTokenService(cfg)

	token, err := svc.Generate("merch_1")
	require.NoError(t, err)

	_, err = svc.Validate(token)
	assert.Error(t, err)
}

func TestJWTTokenService_InvalidSignature(t *testing.T) {
	svc := NewJWTTokenService(authConfig())
	token, err := svc.Generate("merch_1")
	require.NoError(t, err)

	other := authConfig()
	other.JWTSecret = "a-completely-different-secret"
	_, err = NewJWTTokenService(other).Validate(token)
	assert.Error(t, err)
}

func TestJWTTokenService_InvalidTokenString(t *testing.T) {
	svc := NewJWTTokenService(authConfig())

	_, err := svc.Validate("not.a.token")
	assert.Error(t, err)
}

func TestJWTTokenService_EmptyToken(t *testing.T) {
	svc := NewJWTTokenService(authConfig())

	_, err := svc.Validate("")
	assert.Error(t, err)
}
