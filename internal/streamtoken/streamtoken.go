// Package streamtoken mints and checks the short-lived token that proves a
// media stream connection came from our own voice webhook.
package streamtoken

import (
	"errors"
	"time"

	"receptionist-platform/internal/config"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const tokenType = "stream"

// Claims is the only supported claims shape for stream tokens. The call
// SID binds the token to one specific call.
type Claims struct {
	jwt.RegisteredClaims

	CallSID   string `json:"call_sid"`
	TokenType string `json:"token_type"`
}

type Manager struct {
	secret []byte
	ttl    time.Duration
}

func NewManager(cfg config.StreamConfig) (*Manager, error) {
	if cfg.TokenSecret == "" {
		return nil, errors.New("STREAM_TOKEN_SECRET is required")
	}
	return &Manager{
		secret: []byte(cfg.TokenSecret),
		ttl:    cfg.TokenTTL,
	}, nil
}

// Issue signs a token for one call. The TTL only needs to cover the gap
// between the webhook response and the stream connecting.
func (m *Manager) Issue(callSID string, now time.Time) (string, error) {
	if callSID == "" {
		return "", errors.New("call sid required")
	}
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(m.ttl)),
			ID:        uuid.NewString(),
		},
		CallSID:   callSID,
		TokenType: tokenType,
	}
	t := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return t.SignedString(m.secret)
}

// Verify checks the token and returns the call SID it was issued for.
func (m *Manager) Verify(tokenString string, now time.Time) (string, error) {
	var claims Claims

	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		// Claim validation happens below with the injected clock; the parse
		// stage only checks the signature.
		jwt.WithoutClaimsValidation(),
	)
	_, err := parser.ParseWithClaims(tokenString, &claims, func(token *jwt.Token) (any, error) {
		return m.secret, nil
	})
	if err != nil {
		return "", err
	}

	validator := jwt.NewValidator(
		jwt.WithTimeFunc(func() time.Time { return now }),
		jwt.WithLeeway(30*time.Second), // clock skew tolerance
		jwt.WithIssuedAt(),
		jwt.WithExpirationRequired(),
	)
	if err := validator.Validate(claims.RegisteredClaims); err != nil {
		return "", err
	}

	if claims.TokenType != tokenType {
		return "", errors.New("token_type mismatch")
	}
	if claims.CallSID == "" {
		return "", errors.New("call_sid missing")
	}
	return claims.CallSID, nil
}
