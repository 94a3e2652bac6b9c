package ingest

import (
	"testing"
	"time"

	"fieldsync/internal/config"
	contextutils "fieldsync/internal/utils"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newAuthority(t *testing.T, at time.Time) *TokenAuthority {
	t.Helper()
	a, err := NewTokenAuthority(config.AuthConfig{TokenSecret: "s3cret", TokenTTL: time.Hour})
	require.NoError(t, err)
	a.now = func() time.Time { return at }
	return a
}

func TestTokenAuthority_RoundTrip(t *testing.T) {
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	a := newAuthority(t, now)

	token, expiresAt, err := a.Mint("device-42")
	require.NoError(t, err)
	assert.Equal(t, now.Add(time.Hour), expiresAt)

	deviceID, err := a.Verify(token)
	require.NoError(t, err)
	assert.Equal(t, "device-42", deviceID)

	_, _, err = a.Mint("")
	assert.Equal(t, contextutils.ErrorCodeInvalidInput, contextutils.GetErrorCode(err))
}

func TestTokenAuthority_Expired(t *testing.T) {
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	a := newAuthority(t, now)
	token, _, err := a.Mint("device-42")
	require.NoError(t, err)

	a.now = func() time.Time { return now.Add(2 * time.Hour) }
	_, err = a.Verify(token)
	assert.True(t, contextutils.IsError(err, contextutils.ErrSessionExpired))
	assert.True(t, contextutils.IsRetryable(err))
}

func TestTokenAuthority_Rejects(t *testing.T) {
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	a := newAuthority(t, now)

	other, err := NewTokenAuthority(config.AuthConfig{TokenSecret: "different"})
	require.NoError(t, err)
	other.now = a.now
	forged, _, err := other.Mint("device-42")
	require.NoError(t, err)

	none, err := jwt.NewWithClaims(jwt.SigningMethodNone, jwt.RegisteredClaims{
		Issuer:    config.DefaultTokenIssuer,
		Subject:   "device-42",
		ExpiresAt: jwt.NewNumericDate(now.Add(time.Hour)),
	}).SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)

	noExpiry, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Issuer:  config.DefaultTokenIssuer,
		Subject: "device-42",
	}).SignedString([]byte("s3cret"))
	require.NoError(t, err)

	for name, token := range map[string]string{
		"wrong secret": forged,
		"alg none":     none,
		"no expiry":    noExpiry,
		"garbage":      "not.a.token",
	} {
		_, err := a.Verify(token)
		assert.True(t, contextutils.IsError(err, contextutils.ErrUnauthorized), name)
	}

	_, err = NewTokenAuthority(config.AuthConfig{})
	assert.Error(t, err)
}
