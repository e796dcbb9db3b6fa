package token

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ErrInvalidToken covers every verification failure: bad signature,
// structural corruption, expiry, wrong purpose. Callers get no detail
// about which one it was.
var ErrInvalidToken = errors.New("invalid token")

type Claims struct {
	UserID      string
	Email       string
	Username    string
	IsAdmin     bool
	Permissions map[string]any
}

type Codec struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

func NewCodec(secret string, ttl time.Duration) *Codec {
	return &Codec{
		secret: []byte(secret),
		ttl:    ttl,
		now:    time.Now,
	}
}

func (c *Codec) WithClock(now func() time.Time) {
	if now != nil {
		c.now = now
	}
}

func (c *Codec) TTL() time.Duration {
	return c.ttl
}

func (c *Codec) ExpiresIn() int64 {
	return int64(c.ttl.Seconds())
}

func (c *Codec) Mint(claims Claims) (string, error) {
	now := c.now().UTC()
	mapClaims := jwt.MapClaims{
		"sub":         claims.UserID,
		"email":       claims.Email,
		"username":    claims.Username,
		"is_admin":    claims.IsAdmin,
		"permissions": claims.Permissions,
		"typ":         "access",
		"iat":         now.Unix(),
		"exp":         now.Add(c.ttl).Unix(),
	}

	encoded, err := jwt.NewWithClaims(jwt.SigningMethodHS256, mapClaims).SignedString(c.secret)
	if err != nil {
		return "", fmt.Errorf("sign access token: %w", err)
	}

	return encoded, nil
}

func (c *Codec) Verify(raw string) (Claims, error) {
	mapClaims := jwt.MapClaims{}
	parsed, err := jwt.ParseWithClaims(raw, mapClaims, func(*jwt.Token) (any, error) {
		return c.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(c.now),
	)
	if err != nil || !parsed.Valid {
		return Claims{}, ErrInvalidToken
	}

	if purpose, _ := mapClaims["typ"].(string); purpose != "access" {
		return Claims{}, ErrInvalidToken
	}

	sub, _ := mapClaims["sub"].(string)
	if sub == "" {
		return Claims{}, ErrInvalidToken
	}

	claims := Claims{UserID: sub}
	claims.Email, _ = mapClaims["email"].(string)
	claims.Username, _ = mapClaims["username"].(string)
	claims.IsAdmin, _ = mapClaims["is_admin"].(bool)
	if permissions, ok := mapClaims["permissions"].(map[string]any); ok {
		claims.Permissions = permissions
	}

	return claims, nil
}
