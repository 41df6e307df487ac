package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/vannguyen-14/client-matino/internal/state"
)

// JWT verifies HS256 tokens whose subject is the decimal user id.
type JWT struct {
	secret []byte
	issuer string
	leeway time.Duration
}

// JWTOption configures a JWT verifier.
type JWTOption func(*JWT)

// WithIssuer requires the iss claim to equal issuer.
func WithIssuer(issuer string) JWTOption {
	return func(j *JWT) { j.issuer = issuer }
}

// WithLeeway allows clock skew when checking exp and nbf.
func WithLeeway(d time.Duration) JWTOption {
	return func(j *JWT) { j.leeway = d }
}

// NewJWT creates a verifier for tokens signed with secret.
func NewJWT(secret []byte, opts ...JWTOption) (*JWT, error) {
	if len(secret) < 32 {
		return nil, fmt.Errorf("jwt secret must be at least 32 bytes, got %d", len(secret))
	}
	j := &JWT{secret: secret}
	for _, opt := range opts {
		opt(j)
	}
	return j, nil
}

func (j *JWT) Verify(_ context.Context, id state.UserID, token string) error {
	if token == "" {
		return state.NewNotAuthorized(id, "missing token")
	}

	parserOpts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithSubject(id.String()),
		jwt.WithLeeway(j.leeway),
	}
	if j.issuer != "" {
		parserOpts = append(parserOpts, jwt.WithIssuer(j.issuer))
	}

	var claims jwt.RegisteredClaims
	_, err := jwt.ParseWithClaims(token, &claims, func(*jwt.Token) (any, error) {
		return j.secret, nil
	}, parserOpts...)
	if err == nil {
		return nil
	}

	reason := "invalid token"
	switch {
	case errors.Is(err, jwt.ErrTokenExpired):
		reason = "token expired"
	case errors.Is(err, jwt.ErrTokenInvalidSubject):
		reason = "token issued for another user"
	case errors.Is(err, jwt.ErrTokenSignatureInvalid):
		reason = "token signature invalid"
	}
	return &state.Error{Code: state.ErrCodeNotAuthorized, Message: reason, UserID: id, Err: err}
}

// Sign issues a token for id valid for ttl. The service never calls it; it
// exists for tooling and tests that need a token the verifier accepts.
func (j *JWT) Sign(id state.UserID, ttl time.Duration, now time.Time) (string, error) {
	claims := jwt.RegisteredClaims{
		Subject:   id.String(),
		Issuer:    j.issuer,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(j.secret)
}
