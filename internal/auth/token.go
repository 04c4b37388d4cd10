package auth

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

type idTokenClaims struct {
	Email  string `json:"email"`
	UserID string `json:"user_id"`
	jwt.RegisteredClaims
}

// expiryFromJWT reads the exp claim without verifying the signature.
// The server verifies tokens; the client only needs the deadline.
func expiryFromJWT(token string) (time.Time, bool) {
	var claims jwt.RegisteredClaims
	if _, _, err := jwt.NewParser().ParseUnverified(token, &claims); err != nil {
		return time.Time{}, false
	}
	if claims.ExpiresAt == nil {
		return time.Time{}, false
	}
	return claims.ExpiresAt.Time, true
}

// identityFromIDToken extracts the user identity from an OpenID id_token.
func identityFromIDToken(raw string) (Identity, error) {
	var claims idTokenClaims
	if _, _, err := jwt.NewParser().ParseUnverified(raw, &claims); err != nil {
		return Identity{}, fmt.Errorf("parse id_token: %w", err)
	}
	if claims.Subject == "" {
		return Identity{}, fmt.Errorf("id_token has no subject")
	}
	return Identity{
		UserID:   claims.UserID,
		GoogleID: claims.Subject,
		Email:    claims.Email,
	}, nil
}

// withExpiry fills a missing expiry from the access token itself.
func withExpiry(p TokenPair) TokenPair {
	if p.Expiry.IsZero() {
		if exp, ok := expiryFromJWT(p.AccessToken); ok {
			p.Expiry = exp
		}
	}
	return p
}
