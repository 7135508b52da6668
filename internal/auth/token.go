// Package auth verifies the bearer tokens that identify API callers.
package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"neighborly/api/internal/util"
)

var (
	ErrInvalidToken = errors.New("invalid token")
	ErrExpiredToken = errors.New("expired token")
	ErrRevokedToken = errors.New("revoked token")
)

// Claims identify the caller of one request.
type Claims struct {
	Name string `json:"name"`
	Role string `json:"role"`
	jwt.RegisteredClaims
}

func (c Claims) UserID() string {
	return c.Subject
}

func (c Claims) ExpiresAtTime() time.Time {
	if c.ExpiresAt == nil {
		return time.Time{}
	}
	return c.ExpiresAt.Time
}

// Denylist reports tokens revoked before their expiry.
type Denylist interface {
	IsRevoked(ctx context.Context, jti string) (bool, error)
}

// Verifier checks HS256 tokens. It is built once at startup and shared.
type Verifier struct {
	secret   []byte
	ttl      time.Duration
	denylist Denylist
	now      func() time.Time
}

func NewVerifier(secret []byte, ttl time.Duration, denylist Denylist) *Verifier {
	return &Verifier{secret: secret, ttl: ttl, denylist: denylist, now: time.Now}
}

// Issue mints a token for userID. The API never calls it; the dev CLI and
// tests do.
func (v *Verifier) Issue(userID, name, role string) (string, Claims, error) {
	now := v.now()
	claims := Claims{
		Name: name,
		Role: role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			ID:        util.NewID("jti"),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(v.ttl)),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(v.secret)
	if err != nil {
		return "", Claims{}, fmt.Errorf("sign token: %w", err)
	}
	return token, claims, nil
}

func (v *Verifier) Verify(ctx context.Context, raw string) (Claims, error) {
	var claims Claims
	_, err := jwt.ParseWithClaims(raw, &claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", token.Header["alg"])
		}
		return v.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(v.now),
	)
	switch {
	case errors.Is(err, jwt.ErrTokenExpired):
		return Claims{}, ErrExpiredToken
	case err != nil:
		return Claims{}, ErrInvalidToken
	}
	if claims.Subject == "" || claims.Name == "" || claims.ID == "" {
		return Claims{}, ErrInvalidToken
	}

	if v.denylist != nil {
		revoked, err := v.denylist.IsRevoked(ctx, claims.ID)
		if err != nil {
			return Claims{}, fmt.Errorf("check denylist: %w", err)
		}
		if revoked {
			return Claims{}, ErrRevokedToken
		}
	}
	return claims, nil
}
