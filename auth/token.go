// Copyright 2026 The Harmonium Authors
// SPDX-License-Identifier: Apache-2.0

package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Token provider errors.
var (
	// ErrNoToken means no credential is available at all. The caller
	// must surface this to the user; retrying cannot help.
	ErrNoToken = errors.New("auth: no token available")

	// ErrTokenExpired means the held JWT's exp claim has passed.
	// Dialing with it would be a guaranteed rejection, so the
	// provider fails fast instead.
	ErrTokenExpired = errors.New("auth: token expired")
)

// TokenProvider hands out the bearer token for the signaling
// handshake.
type TokenProvider interface {
	Token() (string, error)
}

// Static returns a provider that hands out token verbatim. An empty
// token fails with ErrNoToken.
func Static(token string) TokenProvider {
	return staticProvider{token: token}
}

type staticProvider struct{ token string }

func (p staticProvider) Token() (string, error) {
	if p.token == "" {
		return "", ErrNoToken
	}
	return p.token, nil
}

// JWT returns a provider that additionally checks the token's exp
// claim before handing it out. The signature is not verified; that
// is the server's job; the client only wants to avoid a dial that is
// certain to be rejected.
func JWT(token string) TokenProvider {
	return jwtProvider{token: token, now: time.Now}
}

type jwtProvider struct {
	token string
	now   func() time.Time
}

func (p jwtProvider) Token() (string, error) {
	if p.token == "" {
		return "", ErrNoToken
	}

	parser := jwt.NewParser()
	parsed, _, err := parser.ParseUnverified(p.token, jwt.MapClaims{})
	if err != nil {
		return "", fmt.Errorf("auth: parsing token: %w", err)
	}

	expiry, err := parsed.Claims.GetExpirationTime()
	if err != nil {
		return "", fmt.Errorf("auth: reading exp claim: %w", err)
	}
	if expiry != nil && p.now().After(expiry.Time) {
		return "", ErrTokenExpired
	}
	return p.token, nil
}
