// Package middleware provides the HTTP middleware of the SQL Lab API:
// bearer-token authentication, request ids and per-client rate limiting.
package middleware

import (
	"context"
	"fmt"
	"strconv"

	"github.com/golang-jwt/jwt/v5"
)

// JWTClaims holds the parsed claims from a validated JWT.
type JWTClaims struct {
	Subject  string
	Issuer   string
	Audience []string
	Email    *string
	Name     *string
	Raw      map[string]interface{}
}

// UserID returns the numeric user id carried by the token: the "user_id"
// claim when present, otherwise a numeric subject.
func (c *JWTClaims) UserID() (int64, error) {
	switch v := c.Raw["user_id"].(type) {
	case float64:
		return int64(v), nil
	case string:
		if id, err := strconv.ParseInt(v, 10, 64); err == nil {
			return id, nil
		}
	}
	id, err := strconv.ParseInt(c.Subject, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("token carries no numeric user id")
	}
	return id, nil
}

// IsAdmin reports whether the token grants the admin role, either through
// an "admin" boolean claim or "admin" in the "roles" claim.
func (c *JWTClaims) IsAdmin() bool {
	if v, ok := c.Raw["admin"].(bool); ok && v {
		return true
	}
	roles, _ := c.Raw["roles"].([]interface{})
	for _, r := range roles {
		if s, ok := r.(string); ok && s == "admin" {
			return true
		}
	}
	return false
}

// JWTValidator validates a JWT token and returns the parsed claims.
type JWTValidator interface {
	Validate(ctx context.Context, tokenString string) (*JWTClaims, error)
}

// SharedSecretValidator validates JWTs signed with a shared HS256 secret.
type SharedSecretValidator struct {
	secret   []byte
	issuer   string
	audience string
}

// NewSharedSecretValidator creates a validator for HS256 tokens.
func NewSharedSecretValidator(secret string) *SharedSecretValidator {
	return &SharedSecretValidator{secret: []byte(secret)}
}

// WithIssuer requires the "iss" claim to equal issuer.
func (v *SharedSecretValidator) WithIssuer(issuer string) *SharedSecretValidator {
	v.issuer = issuer
	return v
}

// WithAudience requires audience in the "aud" claim.
func (v *SharedSecretValidator) WithAudience(audience string) *SharedSecretValidator {
	v.audience = audience
	return v
}

// Validate verifies a JWT signed with HS256 and extracts claims.
func (v *SharedSecretValidator) Validate(_ context.Context, tokenString string) (*JWTClaims, error) {
	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()})}
	if v.issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.issuer))
	}
	if v.audience != "" {
		opts = append(opts, jwt.WithAudience(v.audience))
	}

	tok, err := jwt.Parse(tokenString, func(*jwt.Token) (interface{}, error) {
		return v.secret, nil
	}, opts...)
	if err != nil {
		return nil, fmt.Errorf("jwt parse: %w", err)
	}

	raw, ok := tok.Claims.(jwt.MapClaims)
	if !ok {
		return nil, fmt.Errorf("jwt parse: unsupported claim type %T", tok.Claims)
	}

	claims := &JWTClaims{Raw: map[string]interface{}(raw)}
	if sub, ok := raw["sub"].(string); ok {
		claims.Subject = sub
	}
	if iss, ok := raw["iss"].(string); ok {
		claims.Issuer = iss
	}
	if email, ok := raw["email"].(string); ok {
		claims.Email = &email
	}
	if name, ok := raw["name"].(string); ok {
		claims.Name = &name
	}

	switch aud := raw["aud"].(type) {
	case string:
		claims.Audience = []string{aud}
	case []interface{}:
		for _, a := range aud {
			if s, ok := a.(string); ok {
				claims.Audience = append(claims.Audience, s)
			}
		}
	}

	return claims, nil
}
