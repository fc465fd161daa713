// Rallypoint - Group Meetup Presence and Beacon Service
// Copyright 2026 Rallypoint contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/rallypoint-app/rallypoint

// Package auth verifies the client tokens attached to inbound gateway
// messages. Tokens are HMAC-signed JWTs carrying the user id; expiry is
// always enforced.
package auth

import (
	"errors"
	"fmt"

	"github.com/golang-jwt/jwt/v5"
)

var (
	// ErrInvalidToken covers malformed tokens, bad signatures, and
	// tokens missing a usable subject.
	ErrInvalidToken = errors.New("invalid token")

	// ErrExpiredToken marks a structurally valid token past its expiry.
	ErrExpiredToken = errors.New("expired token")
)

// Verifier validates a raw token and resolves it to a user id.
type Verifier interface {
	Verify(token string) (userID string, err error)
}

// userMetadata carries the nested subject written by the mobile client's
// identity provider. Older tokens put the user id here instead of the
// standard "sub" claim.
type userMetadata struct {
	Sub string `json:"sub"`
}

type claims struct {
	jwt.RegisteredClaims
	UserMetadata userMetadata `json:"user_metadata,omitempty"`
}

// JWTVerifier verifies HS256-signed tokens with a shared secret.
type JWTVerifier struct {
	secret []byte
	parser *jwt.Parser
}

// NewJWTVerifier creates a verifier for the given signing secret.
func NewJWTVerifier(secret string) *JWTVerifier {
	return &JWTVerifier{
		secret: []byte(secret),
		parser: jwt.NewParser(
			jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
			jwt.WithExpirationRequired(),
		),
	}
}

// Verify parses and validates the token, returning the user id from the
// standard "sub" claim, falling back to "user_metadata.sub".
func (v *JWTVerifier) Verify(token string) (string, error) {
	var c claims
	_, err := v.parser.ParseWithClaims(token, &c, func(_ *jwt.Token) (interface{}, error) {
		return v.secret, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return "", ErrExpiredToken
		}
		return "", fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	if c.Subject != "" {
		return c.Subject, nil
	}
	if c.UserMetadata.Sub != "" {
		return c.UserMetadata.Sub, nil
	}
	return "", fmt.Errorf("%w: no subject claim", ErrInvalidToken)
}
