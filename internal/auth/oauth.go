package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/matheus3301/souk/internal/config"
	"golang.org/x/oauth2"
)

// DeviceCode is shown to the user while a device sign-in is pending.
type DeviceCode struct {
	VerificationURI string
	UserCode        string
}

// OAuthProvider signs in with the OAuth device flow and refreshes with the
// refresh-token grant.
type OAuthProvider struct {
	cfg    *oauth2.Config
	client *http.Client
	prompt func(DeviceCode)
}

// NewOAuthProvider builds a provider from config. prompt receives the code the
// user must enter; it may be nil.
func NewOAuthProvider(c config.OAuthConfig, client *http.Client, prompt func(DeviceCode)) *OAuthProvider {
	if client == nil {
		client = http.DefaultClient
	}
	if prompt == nil {
		prompt = func(DeviceCode) {}
	}
	return &OAuthProvider{
		cfg: &oauth2.Config{
			ClientID:     c.ClientID,
			ClientSecret: c.ClientSecret,
			Scopes:       c.Scopes,
			Endpoint: oauth2.Endpoint{
				TokenURL:      c.TokenURL,
				DeviceAuthURL: c.DeviceAuthURL,
			},
		},
		client: client,
		prompt: prompt,
	}
}

func (p *OAuthProvider) ctx(ctx context.Context) context.Context {
	return context.WithValue(ctx, oauth2.HTTPClient, p.client)
}

// SignIn runs the device authorization grant and blocks until the user approves.
func (p *OAuthProvider) SignIn(ctx context.Context) (*Credentials, error) {
	if p.cfg.Endpoint.DeviceAuthURL == "" {
		return nil, errors.New("oauth: device_auth_url not configured")
	}
	ctx = p.ctx(ctx)
	da, err := p.cfg.DeviceAuth(ctx)
	if err != nil {
		return nil, fmt.Errorf("device auth: %w", err)
	}
	uri := da.VerificationURIComplete
	if uri == "" {
		uri = da.VerificationURI
	}
	p.prompt(DeviceCode{VerificationURI: uri, UserCode: da.UserCode})

	tok, err := p.cfg.DeviceAccessToken(ctx, da)
	if err != nil {
		return nil, fmt.Errorf("device token: %w", err)
	}
	return credentialsFromToken(tok)
}

// RestoreSession always reports no session: the provider keeps no state of its
// own and persisted credentials live in the credential store.
func (p *OAuthProvider) RestoreSession(context.Context) (*Credentials, error) {
	return nil, nil
}

// RefreshToken exchanges refreshToken for a new pair.
func (p *OAuthProvider) RefreshToken(ctx context.Context, refreshToken string) (TokenPair, error) {
	src := p.cfg.TokenSource(p.ctx(ctx), &oauth2.Token{RefreshToken: refreshToken})
	tok, err := src.Token()
	if err != nil {
		return TokenPair{}, err
	}
	return TokenPair{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		Expiry:       tok.Expiry,
	}, nil
}

// SignOut is a no-op; tokens expire server side.
func (p *OAuthProvider) SignOut(context.Context) error {
	return nil
}

func credentialsFromToken(tok *oauth2.Token) (*Credentials, error) {
	c := &Credentials{
		Tokens: withExpiry(TokenPair{
			AccessToken:  tok.AccessToken,
			RefreshToken: tok.RefreshToken,
			Expiry:       tok.Expiry,
		}),
	}
	if raw, ok := tok.Extra("id_token").(string); ok && raw != "" {
		id, err := identityFromIDToken(raw)
		if err != nil {
			return nil, err
		}
		c.Identity = id
	}
	return c, nil
}
