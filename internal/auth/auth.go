// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package auth resolves the signed-in user of a request.
//
// Sign-up, sign-in and OTP flows live with the identity provider. This
// package only verifies the session token that provider issues: an HS256 JWT
// whose subject is the user id, carried in the session cookie or an
// "Authorization: Bearer" header.
package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v4"
	"github.com/google/uuid"
)

// =============================================================================
// ERRORS
// =============================================================================

var (
	// ErrUnauthenticated is returned when a request carries no session.
	ErrUnauthenticated = errors.New("unauthenticated")

	// ErrTokenExpired is returned for an expired session token.
	ErrTokenExpired = errors.New("session expired")

	// ErrInvalidToken is returned when the token fails verification.
	ErrInvalidToken = errors.New("invalid session token")
)

// MinSecretLength is the shortest HMAC secret accepted.
const MinSecretLength = 32

// =============================================================================
// TYPES
// =============================================================================

// User is an authenticated caller.
type User struct {
	ID    string `json:"id"`
	Email string `json:"email,omitempty"`
}

// Authenticator resolves the user behind a request.
type Authenticator interface {
	Authenticate(r *http.Request) (*User, error)
}

// Claims are the session token claims.
type Claims struct {
	jwt.RegisteredClaims
	Email string `json:"email,omitempty"`
}

// =============================================================================
// JWT AUTHENTICATOR
// =============================================================================

// JWTAuthenticator verifies HS256 session tokens.
type JWTAuthenticator struct {
	secret []byte
	cookie string
	issuer string
}

// NewJWTAuthenticator creates an authenticator. An empty issuer disables the
// issuer check; an empty cookie name disables cookie lookup.
func NewJWTAuthenticator(secret, cookie, issuer string) (*JWTAuthenticator, error) {
	if len(secret) < MinSecretLength {
		return nil, fmt.Errorf("session secret must be at least %d characters", MinSecretLength)
	}
	return &JWTAuthenticator{secret: []byte(secret), cookie: cookie, issuer: issuer}, nil
}

// Authenticate implements Authenticator. The bearer header wins over the
// cookie when both are present.
func (a *JWTAuthenticator) Authenticate(r *http.Request) (*User, error) {
	token := bearerToken(r)
	if token == "" && a.cookie != "" {
		if c, err := r.Cookie(a.cookie); err == nil {
			token = c.Value
		}
	}
	if token == "" {
		return nil, ErrUnauthenticated
	}
	return a.Verify(token)
}

// Verify parses and validates a raw token.
func (a *JWTAuthenticator) Verify(raw string) (*User, error) {
	token, err := jwt.ParseWithClaims(raw, &Claims{}, func(t *jwt.Token) (interface{}, error) {
		return a.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrTokenExpired
		}
		return nil, ErrInvalidToken
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid || claims.Subject == "" {
		return nil, ErrInvalidToken
	}
	if a.issuer != "" && !claims.VerifyIssuer(a.issuer, true) {
		return nil, ErrInvalidToken
	}
	return &User{ID: claims.Subject, Email: claims.Email}, nil
}

// Issue signs a session token for u, valid for ttl.
func (a *JWTAuthenticator) Issue(u User, ttl time.Duration) (string, error) {
	if u.ID == "" {
		return "", errors.New("user id is required")
	}
	now := time.Now()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   u.ID,
			Issuer:    a.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			ID:        uuid.NewString(),
		},
		Email: u.Email,
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
}

func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if len(h) < 7 || !strings.EqualFold(h[:7], "bearer ") {
		return ""
	}
	return strings.TrimSpace(h[7:])
}

// =============================================================================
// CONTEXT AND MIDDLEWARE
// =============================================================================

type contextKey struct{}

// WithUser returns a copy of ctx carrying u.
func WithUser(ctx context.Context, u *User) context.Context {
	return context.WithValue(ctx, contextKey{}, u)
}

// UserFromContext returns the user stored by Middleware.
func UserFromContext(ctx context.Context) (*User, bool) {
	u, ok := ctx.Value(contextKey{}).(*User)
	return u, ok && u != nil
}

// Middleware authenticates every request. Failures go to deny; successes
// continue with the user on the request context.
func Middleware(a Authenticator, deny func(w http.ResponseWriter, r *http.Request, err error)) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			u, err := a.Authenticate(r)
			if err != nil {
				deny(w, r, err)
				return
			}
			next.ServeHTTP(w, r.WithContext(WithUser(r.Context(), u)))
		})
	}
}
