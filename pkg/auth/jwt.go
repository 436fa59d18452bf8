package auth

import (
	"fmt"

	"github.com/golang-jwt/jwt/v5"
)

// Claims are the JWT claims expected by the governance API.
type Claims struct {
	jwt.RegisteredClaims
	ActorType string   `json:"actor_type"`
	ProjectID string   `json:"project_id"`
	Roles     []string `json:"roles"`
}

// JWTValidator parses and validates bearer tokens with a shared HMAC secret.
type JWTValidator struct {
	secret []byte
}

// NewJWTValidator builds a validator. An empty secret yields nil, which the
// middleware treats as fail-closed.
func NewJWTValidator(secret string) *JWTValidator {
	if secret == "" {
		return nil
	}
	return &JWTValidator{secret: []byte(secret)}
}

// Validate parses one token string.
func (v *JWTValidator) Validate(tokenStr string) (*Claims, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenStr, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return v.secret, nil
	})
	if err != nil {
		return nil, fmt.Errorf("token validation failed: %w", err)
	}
	if !token.Valid {
		return nil, fmt.Errorf("invalid token")
	}
	return claims, nil
}
