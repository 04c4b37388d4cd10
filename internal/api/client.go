// Package api is the authenticated HTTP client for the marketplace REST API.
package api

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/matheus3301/souk/internal/auth"
	"github.com/matheus3301/souk/internal/metrics"
	gobreaker "github.com/sony/gobreaker/v2"
	"go.uber.org/zap"
)

// MaxAttempts bounds the sends of one logical request, the first included.
const MaxAttempts = 2

// maxBodySize caps response bodies read into memory.
const maxBodySize = 8 << 20

// Authenticator is the session the client borrows tokens from.
type Authenticator interface {
	CurrentAccessToken() string
	RefreshIfNeeded(ctx context.Context) error
	ForceLogout(ctx context.Context, reason string)
}

// Client executes requests with bearer auth and 401 recovery.
type Client struct {
	baseURL string
	http    *http.Client
	auth    Authenticator
	breaker *gobreaker.CircuitBreaker[*rawResponse]
	timeout time.Duration
	log     *zap.Logger
}

// Option customizes a Client.
type Option func(*Client)

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// WithTimeout bounds each attempt.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.timeout = d }
}

// WithBreaker replaces the default breaker settings.
func WithBreaker(s BreakerSettings) Option {
	return func(c *Client) { c.breaker = newBreaker(s, c.log) }
}

// NewClient creates a client rooted at baseURL.
func NewClient(baseURL string, authn Authenticator, log *zap.Logger, opts ...Option) *Client {
	if log == nil {
		log = zap.NewNop()
	}
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    http.DefaultClient,
		auth:    authn,
		log:     log,
	}
	c.breaker = newBreaker(DefaultBreakerSettings(), log)
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type rawResponse struct {
	status int
	body   []byte
}

// Do executes a request and decodes the 200 body into a new Resp.
func Do[Resp any](ctx context.Context, c *Client, method, path string, body any) (Resp, error) {
	var out Resp
	err := c.Execute(ctx, method, path, body, &out)
	return out, err
}

// Execute runs one logical request to completion. A 401 triggers one token
// refresh and one resend; any failure on the last attempt logs the session out.
// out may be nil when the response body is not needed.
func (c *Client) Execute(ctx context.Context, method, path string, body, out any) error {
	var payload []byte
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode %s %s: %w", method, path, err)
		}
		payload = b
	}

	for attempt := 1; ; attempt++ {
		resp, err := c.send(ctx, method, path, payload)
		if err != nil {
			metrics.APIOutcomes.WithLabelValues("transport").Inc()
			c.log.Warn("request failed", zap.String("method", method), zap.String("path", path), zap.Error(err))
			return err
		}

		if resp.status == http.StatusOK {
			if out == nil {
				metrics.APIOutcomes.WithLabelValues("ok").Inc()
				return nil
			}
			if err := json.Unmarshal(resp.body, out); err != nil {
				metrics.APIOutcomes.WithLabelValues("decode").Inc()
				c.log.Warn("undecodable response", zap.String("path", path), zap.Error(err))
				return &DecodeError{Path: path, Err: err}
			}
			metrics.APIOutcomes.WithLabelValues("ok").Inc()
			return nil
		}

		serr := classify(resp)

		if attempt >= MaxAttempts {
			metrics.APIOutcomes.WithLabelValues("max_retries").Inc()
			c.log.Warn("giving up after retries",
				zap.String("path", path), zap.Int("attempt", attempt), zap.Int("http_code", serr.HTTPCode))
			c.auth.ForceLogout(context.WithoutCancel(ctx), auth.ReasonMaxRetries)
			return fmt.Errorf("%s %s: %w: %w", method, path, ErrMaxRetriesExceeded, serr)
		}

		if serr.HTTPCode != http.StatusUnauthorized {
			metrics.APIOutcomes.WithLabelValues("server").Inc()
			c.log.Debug("server error", zap.String("path", path), zap.Int("http_code", serr.HTTPCode))
			return serr
		}

		if err := c.auth.RefreshIfNeeded(ctx); err != nil {
			if ctx.Err() != nil {
				// The caller gave up; that is not a rejected refresh.
				metrics.APIOutcomes.WithLabelValues("canceled").Inc()
				return ctx.Err()
			}
			metrics.APIOutcomes.WithLabelValues("refresh_failed").Inc()
			c.auth.ForceLogout(context.WithoutCancel(ctx), auth.ReasonRefreshFailed)
			return err
		}
		c.log.Debug("retrying after refresh", zap.String("path", path), zap.Int("attempt", attempt+1))
	}
}

func (c *Client) send(ctx context.Context, method, path string, payload []byte) (*rawResponse, error) {
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	var rdr io.Reader
	if payload != nil {
		rdr = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, rdr)
	if err != nil {
		return nil, &TransportError{Method: method, Path: path, Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if tok := c.auth.CurrentAccessToken(); tok != "" {
		req.Header.Set("Authorization", "Bearer "+tok)
	}

	start := time.Now()
	resp, err := c.breaker.Execute(func() (*rawResponse, error) {
		r, err := c.http.Do(req)
		if err != nil {
			return nil, err
		}
		defer func() { _ = r.Body.Close() }()
		body, err := io.ReadAll(io.LimitReader(r.Body, maxBodySize))
		if err != nil {
			return nil, fmt.Errorf("read body: %w", err)
		}
		return &rawResponse{status: r.StatusCode, body: body}, nil
	})
	if err != nil {
		metrics.RecordAPIAttempt(method, routeLabel(path), 0, time.Since(start))
		return nil, &TransportError{Method: method, Path: path, Err: err}
	}
	metrics.RecordAPIAttempt(method, routeLabel(path), resp.status, time.Since(start))
	return resp, nil
}

// classify turns a non-200 response into a ServerError, preferring the
// server's error envelope.
func classify(resp *rawResponse) *ServerError {
	var env ServerError
	if err := json.Unmarshal(resp.body, &env); err != nil || env.HTTPCode == 0 {
		msg := env.Message
		if err != nil || msg == "" {
			msg = http.StatusText(resp.status)
		}
		return &ServerError{HTTPCode: resp.status, Message: msg}
	}
	return &env
}

// routeLabel keeps metric cardinality bounded: "/chat/123/message" -> "/chat".
func routeLabel(path string) string {
	path, _, _ = strings.Cut(path, "?")
	seg := strings.TrimPrefix(path, "/")
	seg, _, _ = strings.Cut(seg, "/")
	return "/" + seg
}

// IsBreakerOpen reports whether err came from a tripped transport breaker.
func IsBreakerOpen(err error) bool {
	return errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests)
}
