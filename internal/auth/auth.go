// Package auth verifies that a request's token belongs to the user it names.
// Token issuance happens elsewhere; this package only checks.
package auth

import (
	"context"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"github.com/vannguyen-14/client-matino/internal/state"
	"github.com/vannguyen-14/client-matino/internal/store"
)

// Verifier checks a (user, token) pair. It returns nil on success, a
// NOT_AUTHORIZED *state.Error on mismatch, and STORE_UNAVAILABLE when the
// check itself could not run.
type Verifier interface {
	Verify(ctx context.Context, id state.UserID, token string) error
}

// VerifierFunc adapts a function to Verifier.
type VerifierFunc func(ctx context.Context, id state.UserID, token string) error

func (f VerifierFunc) Verify(ctx context.Context, id state.UserID, token string) error {
	return f(ctx, id, token)
}

// AllowAll accepts every pair. Used for the admin path and tests.
var AllowAll Verifier = VerifierFunc(func(context.Context, state.UserID, string) error { return nil })

// TokenSource reads stored api tokens. *store.Store implements it.
type TokenSource interface {
	UserToken(ctx context.Context, id state.UserID) (token string, ok bool, err error)
}

// TokenTable verifies tokens against the users table.
type TokenTable struct {
	Source TokenSource
}

// NewTokenTable creates a TokenTable reading from src.
func NewTokenTable(src TokenSource) *TokenTable {
	return &TokenTable{Source: src}
}

func (v *TokenTable) Verify(ctx context.Context, id state.UserID, token string) error {
	if token == "" {
		return state.NewNotAuthorized(id, "missing token")
	}
	want, ok, err := v.Source.UserToken(ctx, id)
	if err != nil {
		return state.NewStoreUnavailable(id, "token lookup", err)
	}
	if !ok {
		return state.NewNotAuthorized(id, "invalid user or token")
	}
	if subtle.ConstantTimeCompare([]byte(want), []byte(token)) != 1 {
		return state.NewNotAuthorized(id, "invalid user or token")
	}
	return nil
}

// UserLookup resolves a phone number to a user. *store.Store implements it.
type UserLookup interface {
	UserByMSISDN(ctx context.Context, msisdn string) (store.User, error)
}

// ErrMalformedAuth is returned by DecodeBasic for strings that are not
// base64url("msisdn:token").
var ErrMalformedAuth = errors.New("invalid auth format")

// DecodeBasic splits the compact auth form base64url("msisdn:token").
// Padded and unpadded encodings are both accepted.
func DecodeBasic(auth string) (msisdn, token string, err error) {
	if auth == "" {
		return "", "", ErrMalformedAuth
	}
	raw, err := base64.URLEncoding.DecodeString(auth)
	if err != nil {
		raw, err = base64.RawURLEncoding.DecodeString(auth)
		if err != nil {
			return "", "", ErrMalformedAuth
		}
	}
	msisdn, token, ok := strings.Cut(string(raw), ":")
	if !ok || msisdn == "" || token == "" {
		return "", "", ErrMalformedAuth
	}
	return msisdn, token, nil
}

// EncodeBasic is the inverse of DecodeBasic.
func EncodeBasic(msisdn, token string) string {
	return base64.URLEncoding.EncodeToString([]byte(msisdn + ":" + token))
}

// ResolveBasic turns the compact auth form into an AuthContext by looking
// the phone number up. The token is not checked here; pass the result to a
// Verifier.
func ResolveBasic(ctx context.Context, users UserLookup, auth string) (state.AuthContext, error) {
	msisdn, token, err := DecodeBasic(auth)
	if err != nil {
		return state.AuthContext{}, state.NewNotAuthorized(0, err.Error())
	}
	u, err := users.UserByMSISDN(ctx, msisdn)
	if errors.Is(err, store.ErrNotFound) {
		return state.AuthContext{}, state.NewNotAuthorized(0, "user not found")
	}
	if err != nil {
		return state.AuthContext{}, state.NewStoreUnavailable(0, "user lookup", fmt.Errorf("msisdn lookup: %w", err))
	}
	return state.AuthContext{UserID: u.ID, Token: token}, nil
}
