package ingest

import (
	"errors"
	"time"

	"fieldsync/internal/config"
	contextutils "fieldsync/internal/utils"

	"github.com/golang-jwt/jwt/v5"
)

// TokenAuthority mints and verifies HS256 device tokens
type TokenAuthority struct {
	secret []byte
	issuer string
	ttl    time.Duration
	now    func() time.Time
}

// NewTokenAuthority creates a token authority from the auth config
func NewTokenAuthority(cfg config.AuthConfig) (*TokenAuthority, error) {
	if cfg.TokenSecret == "" {
		return nil, contextutils.WrapError(contextutils.ErrInvalidInput, "token secret is required")
	}
	issuer := cfg.TokenIssuer
	if issuer == "" {
		issuer = config.DefaultTokenIssuer
	}
	ttl := cfg.TokenTTL
	if ttl <= 0 {
		ttl = config.DefaultTokenTTL
	}
	return &TokenAuthority{
		secret: []byte(cfg.TokenSecret),
		issuer: issuer,
		ttl:    ttl,
		now:    time.Now,
	}, nil
}

// Mint issues a token for deviceID and returns it with its expiry
func (a *TokenAuthority) Mint(deviceID string) (string, time.Time, error) {
	if deviceID == "" {
		return "", time.Time{}, contextutils.WrapError(contextutils.ErrInvalidInput, "device id is required")
	}
	now := a.now()
	expiresAt := now.Add(a.ttl)
	claims := jwt.RegisteredClaims{
		Issuer:    a.issuer,
		Subject:   deviceID,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(expiresAt),
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
	if err != nil {
		return "", time.Time{}, contextutils.WrapError(err, "failed to sign device token")
	}
	return signed, expiresAt, nil
}

// Verify returns the device id a token was issued to. Expired tokens yield
// SESSION_EXPIRED so the device re-authenticates; anything else is UNAUTHORIZED.
func (a *TokenAuthority) Verify(token string) (string, error) {
	var claims jwt.RegisteredClaims
	_, err := jwt.ParseWithClaims(token, &claims, func(*jwt.Token) (interface{}, error) {
		return a.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(a.issuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(a.now),
	)
	switch {
	case errors.Is(err, jwt.ErrTokenExpired):
		return "", contextutils.WrapError(contextutils.ErrSessionExpired, "device token expired")
	case err != nil:
		return "", contextutils.NewAppErrorWithCause(contextutils.ErrorCodeUnauthorized, contextutils.SeverityWarn,
			"Invalid device token", err.Error(), err)
	case claims.Subject == "":
		return "", contextutils.WrapError(contextutils.ErrUnauthorized, "device token has no subject")
	}
	return claims.Subject, nil
}
