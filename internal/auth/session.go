package auth

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/matheus3301/souk/internal/bus"
	"github.com/matheus3301/souk/internal/metrics"
	"github.com/matheus3301/souk/internal/status"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

var (
	// ErrRefreshFailed is returned when the provider rejects a refresh.
	ErrRefreshFailed = errors.New("token refresh failed")
	// ErrNotSignedIn is returned by operations that need a session.
	ErrNotSignedIn = errors.New("not signed in")
)

// Logout reasons used by the API pipeline.
const (
	ReasonMaxRetries    = "max retries exceeded"
	ReasonRefreshFailed = "Failed to refresh authentication token"
)

// freshWindow is how long a completed refresh satisfies later callers.
// Requests that failed with the old token while the refresh was running
// retry with the new one instead of refreshing again.
const freshWindow = 15 * time.Second

// refreshTimeout bounds the shared provider call. It runs detached from the
// caller that started it, so one caller giving up does not fail the others.
const refreshTimeout = 30 * time.Second

// LoggedOut is the payload of bus.KindSessionLoggedOut.
type LoggedOut struct {
	Reason string
}

// Session is the single source of truth for the current identity and tokens.
type Session struct {
	store    CredentialStore
	provider Provider
	machine  *status.Machine
	bus      *bus.Bus
	log      *zap.Logger
	now      func() time.Time

	mu          sync.RWMutex
	tokens      TokenPair
	identity    Identity
	refreshedAt time.Time
	epoch       uint64 // bumped on logout; stale refreshes are discarded

	refreshes singleflight.Group
	logoutMu  sync.Mutex
}

// NewSession creates a signed-out session. Call Restore to load persisted credentials.
func NewSession(store CredentialStore, provider Provider, machine *status.Machine, b *bus.Bus, log *zap.Logger) *Session {
	if log == nil {
		log = zap.NewNop()
	}
	return &Session{
		store:    store,
		provider: provider,
		machine:  machine,
		bus:      b,
		log:      log,
		now:      time.Now,
	}
}

// CurrentAccessToken returns the bearer token, or "" when signed out.
func (s *Session) CurrentAccessToken() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.tokens.AccessToken
}

// Identity returns the signed-in user.
func (s *Session) Identity() Identity {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.identity
}

// Expiry returns the access token expiry, zero when unknown.
func (s *Session) Expiry() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.tokens.Expiry
}

// State returns the observable session state.
func (s *Session) State() status.State {
	return s.machine.Current()
}

// Restore loads credentials from the store, falling back to the provider.
// It reports whether a session is now active.
func (s *Session) Restore(ctx context.Context) (bool, error) {
	creds, err := s.load()
	if err != nil {
		return false, fmt.Errorf("load credentials: %w", err)
	}
	if creds == nil {
		creds, err = s.provider.RestoreSession(ctx)
		if err != nil {
			s.log.Warn("provider restore failed", zap.Error(err))
			return false, nil
		}
		if creds == nil {
			return false, nil
		}
		if err := s.persist(creds); err != nil {
			return false, err
		}
	}

	if err := s.machine.Transition(status.SigningIn); err != nil {
		return false, err
	}
	s.adopt(creds)
	if err := s.machine.Transition(status.SignedIn); err != nil {
		return false, err
	}
	s.log.Info("session restored", zap.String("email", creds.Identity.Email))
	return true, nil
}

// SignIn runs the provider's interactive sign-in and persists the result.
func (s *Session) SignIn(ctx context.Context) (Identity, error) {
	if err := s.machine.Transition(status.SigningIn); err != nil {
		return Identity{}, err
	}
	creds, err := s.provider.SignIn(ctx)
	if err == nil && creds == nil {
		err = errors.New("provider returned no credentials")
	}
	if err == nil {
		creds.Tokens = withExpiry(creds.Tokens)
		err = s.persist(creds)
	}
	if err != nil {
		s.machine.Ensure(status.SignedOut)
		return Identity{}, fmt.Errorf("sign in: %w", err)
	}

	s.adopt(creds)
	if err := s.machine.Transition(status.SignedIn); err != nil {
		return Identity{}, err
	}
	s.log.Info("signed in", zap.String("email", creds.Identity.Email))
	return creds.Identity, nil
}

// SetUserID records the marketplace user id once the API reports it. It is
// ignored when the session was logged out meanwhile.
func (s *Session) SetUserID(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.tokens == (TokenPair{}) {
		return ErrNotSignedIn
	}
	s.identity.UserID = id
	return s.store.Save(KeyUserID, id)
}

// RefreshIfNeeded refreshes the token pair unless a refresh completed within
// the freshness window. Concurrent callers share a single provider call.
// A caller whose ctx ends stops waiting and gets ctx.Err(); the shared call
// carries on for the others.
func (s *Session) RefreshIfNeeded(ctx context.Context) error {
	if s.fresh() {
		metrics.AuthRefreshes.WithLabelValues("fresh").Inc()
		return nil
	}

	ch := s.refreshes.DoChan("refresh", func() (any, error) {
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), refreshTimeout)
		defer cancel()

		if s.fresh() {
			return nil, nil
		}
		s.mu.RLock()
		rt, epoch := s.tokens.RefreshToken, s.epoch
		s.mu.RUnlock()
		if rt == "" {
			return nil, fmt.Errorf("%w: %w", ErrRefreshFailed, ErrNotSignedIn)
		}

		pair, err := s.provider.RefreshToken(ctx, rt)
		if err != nil {
			metrics.AuthRefreshes.WithLabelValues("failed").Inc()
			s.log.Warn("token refresh rejected", zap.Error(err))
			return nil, fmt.Errorf("%w: %w", ErrRefreshFailed, err)
		}
		if pair.RefreshToken == "" {
			pair.RefreshToken = rt
		}
		pair = withExpiry(pair)

		s.mu.Lock()
		if s.epoch != epoch {
			s.mu.Unlock()
			return nil, fmt.Errorf("%w: %w", ErrRefreshFailed, ErrNotSignedIn)
		}
		s.tokens = pair
		s.refreshedAt = s.now()
		s.mu.Unlock()

		if err := s.saveTokens(pair); err != nil {
			s.log.Error("persist refreshed tokens", zap.Error(err))
		}
		metrics.AuthRefreshes.WithLabelValues("refreshed").Inc()
		s.bus.Publish(bus.NewEvent(bus.KindSessionRefreshed, nil))
		s.log.Debug("token refreshed", zap.Time("expiry", pair.Expiry))
		return nil, nil
	})
	select {
	case res := <-ch:
		return res.Err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ForceLogout tears the session down: tokens, identity and every persisted
// credential entry are cleared and the state becomes SignedOut before it
// returns. Repeated or concurrent calls are safe.
func (s *Session) ForceLogout(ctx context.Context, reason string) {
	s.logoutMu.Lock()
	defer s.logoutMu.Unlock()

	s.mu.Lock()
	active := s.tokens != (TokenPair{}) || s.identity != (Identity{})
	s.tokens = TokenPair{}
	s.identity = Identity{}
	s.refreshedAt = time.Time{}
	s.epoch++
	s.mu.Unlock()

	if err := s.clearStore(); err != nil {
		s.log.Error("clear credentials", zap.Error(err))
	}

	if active {
		if err := s.provider.SignOut(ctx); err != nil {
			s.log.Warn("provider sign out failed", zap.Error(err))
		}
	}

	changed := s.machine.Ensure(status.SignedOut)
	if !active && !changed {
		return
	}
	metrics.ForcedLogouts.WithLabelValues(reason).Inc()
	s.log.Warn("forced logout", zap.String("reason", reason))
	s.bus.Publish(bus.NewEvent(bus.KindSessionLoggedOut, LoggedOut{Reason: reason}))
}

// Logout is a user-initiated sign out.
func (s *Session) Logout(ctx context.Context) {
	s.ForceLogout(ctx, "user logout")
}

func (s *Session) fresh() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return !s.refreshedAt.IsZero() && s.now().Sub(s.refreshedAt) < freshWindow
}

func (s *Session) adopt(c *Credentials) {
	s.mu.Lock()
	s.tokens = c.Tokens
	s.identity = c.Identity
	s.refreshedAt = time.Time{}
	s.mu.Unlock()
}

func (s *Session) load() (*Credentials, error) {
	vals := make(map[string]string, len(allKeys))
	for _, k := range allKeys {
		v, ok, err := s.store.Get(k)
		if err != nil {
			return nil, err
		}
		if ok {
			vals[k] = v
		}
	}
	if vals[KeyAccessToken] == "" {
		return nil, nil
	}

	c := &Credentials{
		Tokens: TokenPair{
			AccessToken:  vals[KeyAccessToken],
			RefreshToken: vals[KeyRefreshToken],
		},
		Identity: Identity{
			UserID:   vals[KeyUserID],
			GoogleID: vals[KeyGoogleID],
			Email:    vals[KeyEmail],
		},
	}
	if raw := vals[KeyTokenExpiry]; raw != "" {
		if t, err := time.Parse(time.RFC3339Nano, raw); err == nil {
			c.Tokens.Expiry = t
		}
	}
	return c, nil
}

func (s *Session) persist(c *Credentials) error {
	entries := tokenEntries(c.Tokens)
	entries[KeyUserID] = c.Identity.UserID
	entries[KeyGoogleID] = c.Identity.GoogleID
	entries[KeyEmail] = c.Identity.Email
	return s.saveEntries(entries)
}

func (s *Session) saveTokens(p TokenPair) error {
	return s.saveEntries(tokenEntries(p))
}

func (s *Session) saveEntries(entries map[string]string) error {
	if b, ok := s.store.(batchStore); ok {
		return b.SaveAll(entries)
	}
	for k, v := range entries {
		if err := s.store.Save(k, v); err != nil {
			return fmt.Errorf("save %s: %w", k, err)
		}
	}
	return nil
}

func (s *Session) clearStore() error {
	if b, ok := s.store.(batchStore); ok {
		return b.DeleteKeys(allKeys...)
	}
	var errs []error
	for _, k := range allKeys {
		if err := s.store.Delete(k); err != nil {
			errs = append(errs, fmt.Errorf("delete %s: %w", k, err))
		}
	}
	return errors.Join(errs...)
}

func tokenEntries(p TokenPair) map[string]string {
	m := map[string]string{
		KeyAccessToken:  p.AccessToken,
		KeyRefreshToken: p.RefreshToken,
		KeyTokenExpiry:  "",
	}
	if !p.Expiry.IsZero() {
		m[KeyTokenExpiry] = p.Expiry.UTC().Format(time.RFC3339Nano)
	}
	return m
}
