// Package ws streams conversation messages over a websocket.
package ws

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"
	"github.com/matheus3301/souk/internal/chat"
	"go.uber.org/zap"
)

// frame is one server push: the full ordered message set.
type frame struct {
	Messages []chat.Record `json:"messages"`
}

// Feed implements chat.Feed. Each subscription holds one connection and
// reconnects with exponential backoff until its context ends.
type Feed struct {
	url    string
	token  func() string
	dialer *websocket.Dialer
	log    *zap.Logger

	newBackOff func() backoff.BackOff
}

// New creates a feed for the websocket endpoint at rawURL. token supplies
// the bearer token for each dial.
func New(rawURL string, token func() string, log *zap.Logger) *Feed {
	if log == nil {
		log = zap.NewNop()
	}
	return &Feed{
		url:   rawURL,
		token: token,
		dialer: &websocket.Dialer{
			HandshakeTimeout:  10 * time.Second,
			EnableCompression: true,
		},
		log: log,
		newBackOff: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = time.Second
			b.MaxInterval = 30 * time.Second
			b.MaxElapsedTime = 0
			return b
		},
	}
}

func (f *Feed) endpoint(info chat.ChatInfo) (string, error) {
	if f.url == "" {
		return "", errors.New("websocket feed url not configured")
	}
	u, err := url.Parse(f.url)
	if err != nil {
		return "", fmt.Errorf("parse feed url: %w", err)
	}
	q := u.Query()
	q.Set("chatId", info.ID)
	q.Set("buyerId", info.BuyerID)
	q.Set("sellerId", info.SellerID)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// Subscribe dials the feed and forwards every frame until ctx ends.
func (f *Feed) Subscribe(ctx context.Context, info chat.ChatInfo) (<-chan []chat.Record, error) {
	endpoint, err := f.endpoint(info)
	if err != nil {
		return nil, err
	}
	out := make(chan []chat.Record)
	go f.loop(ctx, endpoint, info.ID, out)
	return out, nil
}

func (f *Feed) loop(ctx context.Context, endpoint, chatID string, out chan<- []chat.Record) {
	defer close(out)
	bo := backoff.WithContext(f.newBackOff(), ctx)

	for {
		conn, err := f.dial(ctx, endpoint)
		if err == nil {
			bo.Reset()
			err = f.read(ctx, conn, out)
		}
		if ctx.Err() != nil {
			return
		}

		wait := bo.NextBackOff()
		if wait == backoff.Stop {
			return
		}
		f.log.Warn("chat feed disconnected, reconnecting",
			zap.String("chat_id", chatID), zap.Duration("in", wait), zap.Error(err))
		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return
		}
	}
}

func (f *Feed) dial(ctx context.Context, endpoint string) (*websocket.Conn, error) {
	h := http.Header{}
	if f.token != nil {
		if tok := f.token(); tok != "" {
			h.Set("Authorization", "Bearer "+tok)
		}
	}
	conn, resp, err := f.dialer.DialContext(ctx, endpoint, h)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("websocket dial failed (HTTP %d): %w", resp.StatusCode, err)
		}
		return nil, fmt.Errorf("websocket dial: %w", err)
	}
	return conn, nil
}

func (f *Feed) read(ctx context.Context, conn *websocket.Conn, out chan<- []chat.Record) error {
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()
	defer func() { _ = conn.Close() }()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		var fr frame
		if err := json.Unmarshal(data, &fr); err != nil {
			f.log.Warn("skipping undecodable feed frame", zap.Error(err))
			continue
		}
		select {
		case out <- fr.Messages:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
