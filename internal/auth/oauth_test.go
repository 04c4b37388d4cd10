package auth

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/golang-jwt/jwt/v5"
	"github.com/matheus3301/souk/internal/config"
)

func TestOAuthRefreshToken(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			t.Error(err)
		}
		if r.Form.Get("grant_type") != "refresh_token" || r.Form.Get("refresh_token") != "r1" {
			w.WriteHeader(http.StatusBadRequest)
			fmt.Fprint(w, `{"error":"invalid_grant"}`)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"access_token":"a2","token_type":"Bearer","refresh_token":"r2","expires_in":3600}`)
	}))
	defer srv.Close()

	p := NewOAuthProvider(config.OAuthConfig{ClientID: "cid", TokenURL: srv.URL}, srv.Client(), nil)

	pair, err := p.RefreshToken(context.Background(), "r1")
	if err != nil {
		t.Fatal(err)
	}
	if pair.AccessToken != "a2" || pair.RefreshToken != "r2" || pair.Expiry.IsZero() {
		t.Errorf("pair = %+v", pair)
	}

	if _, err := p.RefreshToken(context.Background(), "revoked"); err == nil {
		t.Error("expected error for rejected refresh token")
	}
}

func TestOAuthDeviceSignIn(t *testing.T) {
	idToken := func() string {
		s, _ := jwt.NewWithClaims(jwt.SigningMethodHS256, idTokenClaims{
			Email:            "d@example.com",
			RegisteredClaims: jwt.RegisteredClaims{Subject: "g-dev"},
		}).SignedString([]byte("k"))
		return s
	}()

	mux := http.NewServeMux()
	mux.HandleFunc("/device", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"device_code":"dc","user_code":"ABCD","verification_uri":"https://example.com/device","expires_in":60,"interval":1}`)
	})
	mux.HandleFunc("/token", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"access_token":"a1","token_type":"Bearer","refresh_token":"r1","expires_in":3600,"id_token":%q}`, idToken)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	var shown DeviceCode
	p := NewOAuthProvider(config.OAuthConfig{
		ClientID:      "cid",
		TokenURL:      srv.URL + "/token",
		DeviceAuthURL: srv.URL + "/device",
	}, srv.Client(), func(c DeviceCode) { shown = c })

	creds, err := p.SignIn(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if shown.UserCode != "ABCD" || shown.VerificationURI != "https://example.com/device" {
		t.Errorf("prompt = %+v", shown)
	}
	if creds.Tokens.AccessToken != "a1" || creds.Identity.GoogleID != "g-dev" || creds.Identity.Email != "d@example.com" {
		t.Errorf("creds = %+v", creds)
	}
}

func TestOAuthSignInRequiresDeviceURL(t *testing.T) {
	p := NewOAuthProvider(config.OAuthConfig{TokenURL: "http://127.0.0.1:1"}, nil, nil)
	if _, err := p.SignIn(context.Background()); err == nil {
		t.Error("expected error without device_auth_url")
	}
}
