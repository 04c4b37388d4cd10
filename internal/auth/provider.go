// Package auth owns the signed-in identity and its token material.
package auth

import (
	"context"
	"time"
)

// TokenPair is the bearer credential used by the API pipeline.
type TokenPair struct {
	AccessToken  string
	RefreshToken string
	Expiry       time.Time
}

// Identity is the signed-in user.
type Identity struct {
	UserID   string
	GoogleID string
	Email    string
}

// Credentials is what an identity provider hands back after sign-in.
type Credentials struct {
	Tokens   TokenPair
	Identity Identity
}

// Provider is the external identity provider.
type Provider interface {
	// SignIn runs an interactive sign-in.
	SignIn(ctx context.Context) (*Credentials, error)
	// RestoreSession returns credentials the provider still holds, or nil.
	RestoreSession(ctx context.Context) (*Credentials, error)
	// RefreshToken exchanges a refresh token for a new pair.
	RefreshToken(ctx context.Context, refreshToken string) (TokenPair, error)
	SignOut(ctx context.Context) error
}

// CredentialStore is an opaque key/value store for credential entries.
type CredentialStore interface {
	Get(key string) (string, bool, error)
	Save(key, value string) error
	Delete(key string) error
}

// batchStore is implemented by stores that can write or clear several keys atomically.
type batchStore interface {
	SaveAll(entries map[string]string) error
	DeleteKeys(keys ...string) error
}

// Credential store keys.
const (
	KeyAccessToken  = "access_token"
	KeyRefreshToken = "refresh_token"
	KeyTokenExpiry  = "token_expiry"
	KeyUserID       = "user_id"
	KeyGoogleID     = "google_id"
	KeyEmail        = "email"
)

var allKeys = []string{KeyAccessToken, KeyRefreshToken, KeyTokenExpiry, KeyUserID, KeyGoogleID, KeyEmail}
