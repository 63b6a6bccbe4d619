package auth

import (
	"fmt"
	"time"

	gojwt "github.com/golang-jwt/jwt/v5"
)

// Claims are the access token fields the agent reads.
type Claims struct {
	Subject   string
	Role      string
	ExpiresAt time.Time
}

// ParseClaims reads the claims of a token without verifying its signature.
// The token was just handed out by the auth server over TLS.
func ParseClaims(token string) (Claims, error) {
	parsed, _, err := gojwt.NewParser().ParseUnverified(token, gojwt.MapClaims{})
	if err != nil {
		return Claims{}, fmt.Errorf("parse access token: %w", err)
	}
	mapClaims := parsed.Claims.(gojwt.MapClaims)

	var claims Claims
	claims.Subject, _ = mapClaims.GetSubject()
	if role, ok := mapClaims["role"].(string); ok {
		claims.Role = role
	}
	if exp, err := mapClaims.GetExpirationTime(); err == nil && exp != nil {
		claims.ExpiresAt = exp.Time
	}
	return claims, nil
}
