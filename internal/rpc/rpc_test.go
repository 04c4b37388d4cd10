package rpc

import (
	"context"
	"errors"
	"fmt"
	"net"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/matheus3301/souk/internal/api"
	"github.com/matheus3301/souk/internal/auth"
	"github.com/matheus3301/souk/internal/bus"
	"github.com/matheus3301/souk/internal/chat"
	"github.com/matheus3301/souk/internal/compose"
	"github.com/matheus3301/souk/internal/outbox"
	"github.com/matheus3301/souk/internal/status"
	"github.com/matheus3301/souk/internal/store"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	grpcstatus "google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
)

func testDB(t *testing.T) *store.DB {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "souk.db"))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.Migrate(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

// devicePrompter signs in after announcing a device code, the way the OAuth
// provider does through its prompt hook.
type devicePrompter struct {
	bus *bus.Bus
}

func (p *devicePrompter) SignIn(context.Context) (*auth.Credentials, error) {
	p.bus.Publish(bus.NewEvent(bus.KindSessionDeviceCode, auth.DeviceCode{
		VerificationURI: "https://example.test/device",
		UserCode:        "ABCD-EFGH",
	}))
	return &auth.Credentials{
		Tokens:   auth.TokenPair{AccessToken: "at", RefreshToken: "rt"},
		Identity: auth.Identity{Email: "ana@example.test"},
	}, nil
}

func (p *devicePrompter) RestoreSession(context.Context) (*auth.Credentials, error) { return nil, nil }

func (p *devicePrompter) RefreshToken(context.Context, string) (auth.TokenPair, error) {
	return auth.TokenPair{}, errors.New("not used")
}

func (p *devicePrompter) SignOut(context.Context) error { return nil }

type fakeUsers struct{}

func (fakeUsers) CurrentUser(context.Context) (api.User, error) {
	return api.User{ID: "u-1", Email: "ana@example.test"}, nil
}

type fakeConversation struct {
	mu       sync.Mutex
	info     chat.ChatInfo
	open     bool
	clusters []chat.Cluster
}

func (c *fakeConversation) Subscribe(_ context.Context, info chat.ChatInfo) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.info, c.open = info, true
	return nil
}

func (c *fakeConversation) Unsubscribe() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.info, c.open = chat.ChatInfo{}, false
}

func (c *fakeConversation) Info() (chat.ChatInfo, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.info, c.open
}

func (c *fakeConversation) Clusters() []chat.Cluster {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.clusters
}

type fakeSender struct {
	mu    sync.Mutex
	texts []string
	err   error
}

func (s *fakeSender) ResolveChatID(_ context.Context, listingID, buyerID, sellerID string) (string, error) {
	return fmt.Sprintf("%s:%s:%s", listingID, buyerID, sellerID), nil
}

func (s *fakeSender) SendText(_ context.Context, info chat.ChatInfo, text string, _ []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.texts = append(s.texts, info.ID+"/"+text)
	return s.err
}

func (s *fakeSender) SendAvailability(context.Context, chat.ChatInfo, []chat.AvailabilityBlock) error {
	return s.err
}

func (s *fakeSender) SendProposal(_ context.Context, _ chat.ChatInfo, start, end time.Time, _ *bool) error {
	if end.Before(start) {
		return compose.ErrInvalidRange
	}
	return s.err
}

// fakePoster records messages posted by the outbox sender.
type fakePoster struct {
	mu   sync.Mutex
	sent []api.OutgoingMessage
}

func (p *fakePoster) SendMessage(_ context.Context, _ string, msg api.OutgoingMessage) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sent = append(p.sent, msg)
	return nil
}

type harness struct {
	bus     *bus.Bus
	session *auth.Session
	conv    *fakeConversation
	sender  *fakeSender
	poster  *fakePoster
	db      *store.DB
	client  *Client
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	b := bus.New()
	db := testDB(t)
	h := &harness{
		bus:     b,
		session: auth.NewSession(db, &devicePrompter{bus: b}, status.NewMachine(b), b, nil),
		conv:    &fakeConversation{},
		sender:  &fakeSender{},
		poster:  &fakePoster{},
		db:      db,
	}

	lis := bufconn.Listen(1 << 20)
	srv := grpc.NewServer()
	RegisterSessionServer(srv, NewSessionService("test", h.session, fakeUsers{}, b, nil))
	RegisterChatServer(srv, NewChatService(h.conv, h.sender, db, outbox.NewSender(db, h.poster, b, nil), b, nil))
	healthpb.RegisterHealthServer(srv, health.NewServer())
	go func() { _ = srv.Serve(lis) }()
	t.Cleanup(srv.Stop)

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		t.Fatal(err)
	}
	h.client = &Client{
		conn:    conn,
		Session: &SessionClient{cc: conn},
		Chat:    &ChatClient{cc: conn},
		health:  healthpb.NewHealthClient(conn),
	}
	t.Cleanup(func() { _ = h.client.Close() })
	return h
}

func testCtx(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func wantCode(t *testing.T, err error, want codes.Code) {
	t.Helper()
	if got := grpcstatus.Code(err); got != want {
		t.Fatalf("code = %v (%v), want %v", got, err, want)
	}
}

func TestPing(t *testing.T) {
	h := newHarness(t)
	if err := h.client.Ping(testCtx(t)); err != nil {
		t.Fatalf("Ping() error = %v", err)
	}
}

func TestGetStatusSignedOut(t *testing.T) {
	h := newHarness(t)
	resp, err := h.client.Session.GetStatus(testCtx(t))
	if err != nil {
		t.Fatalf("GetStatus() error = %v", err)
	}
	if resp.Profile != "test" {
		t.Errorf("profile = %q, want test", resp.Profile)
	}
	if resp.State != string(status.SignedOut) {
		t.Errorf("state = %q, want SIGNED_OUT", resp.State)
	}
}

func TestSignInStreamsDeviceCodeThenAccount(t *testing.T) {
	h := newHarness(t)
	ctx := testCtx(t)

	st, err := h.client.Session.SignIn(ctx)
	if err != nil {
		t.Fatal(err)
	}
	var events []*SessionEvent
	for {
		evt, err := st.Recv()
		if err != nil {
			break
		}
		events = append(events, evt)
	}
	if len(events) != 2 {
		t.Fatalf("got %d events, want 2: %+v", len(events), events)
	}
	if events[0].Kind != EventDeviceCode || events[0].UserCode != "ABCD-EFGH" {
		t.Errorf("first event = %+v, want device code", events[0])
	}
	last := events[1]
	if last.Kind != EventSignedIn || last.UserID != "u-1" || last.Email != "ana@example.test" {
		t.Errorf("last event = %+v", last)
	}
	if got := h.session.Identity().UserID; got != "u-1" {
		t.Errorf("session user id = %q, want u-1", got)
	}

	resp, err := h.client.Session.GetStatus(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if resp.State != string(status.SignedIn) || resp.UserID != "u-1" {
		t.Errorf("status = %+v", resp)
	}
}

func TestSignInWhileSignedInFails(t *testing.T) {
	h := newHarness(t)
	ctx := testCtx(t)
	if _, err := h.session.SignIn(ctx); err != nil {
		t.Fatal(err)
	}

	st, err := h.client.Session.SignIn(ctx)
	if err != nil {
		t.Fatal(err)
	}
	_, err = st.Recv()
	wantCode(t, err, codes.FailedPrecondition)
}

func TestWatchReportsLogout(t *testing.T) {
	h := newHarness(t)
	ctx := testCtx(t)
	if _, err := h.session.SignIn(ctx); err != nil {
		t.Fatal(err)
	}

	st, err := h.client.Session.Watch(ctx)
	if err != nil {
		t.Fatal(err)
	}
	first, err := st.Recv()
	if err != nil {
		t.Fatal(err)
	}
	if first.Kind != EventStatus || first.State != string(status.SignedIn) {
		t.Fatalf("first event = %+v", first)
	}

	if err := h.client.Session.Logout(ctx); err != nil {
		t.Fatalf("Logout() error = %v", err)
	}

	changed, err := st.Recv()
	if err != nil {
		t.Fatal(err)
	}
	if changed.Kind != EventStatus || changed.State != string(status.SignedOut) {
		t.Errorf("status event = %+v", changed)
	}
	out, err := st.Recv()
	if err != nil {
		t.Fatal(err)
	}
	if out.Kind != EventLoggedOut || out.Reason != "user logout" {
		t.Errorf("logout event = %+v", out)
	}
	if tok := h.session.CurrentAccessToken(); tok != "" {
		t.Errorf("token after logout = %q", tok)
	}
}

func TestOpenSubscribesResolvedChat(t *testing.T) {
	h := newHarness(t)
	info, err := h.client.Chat.Open(testCtx(t), ChatRef{ListingID: "l1", BuyerID: "b1", SellerID: "s1"})
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	if info.ChatID != "l1:b1:s1" {
		t.Errorf("chat id = %q", info.ChatID)
	}
	got, ok := h.conv.Info()
	if !ok || got.ID != "l1:b1:s1" || got.SellerID != "s1" {
		t.Errorf("subscribed = %+v, %v", got, ok)
	}
}

func TestResolveRequiresAllIDs(t *testing.T) {
	h := newHarness(t)
	_, err := h.client.Chat.Resolve(testCtx(t), ChatRef{ListingID: "l1", BuyerID: "b1"})
	wantCode(t, err, codes.InvalidArgument)
}

func TestSendWithoutOpenChat(t *testing.T) {
	h := newHarness(t)
	err := h.client.Chat.SendText(testCtx(t), SendTextRequest{Text: "hi"})
	wantCode(t, err, codes.FailedPrecondition)
}

func TestSendTextToOpenChat(t *testing.T) {
	h := newHarness(t)
	ctx := testCtx(t)
	if _, err := h.client.Chat.Open(ctx, ChatRef{ListingID: "l1", BuyerID: "b1", SellerID: "s1"}); err != nil {
		t.Fatal(err)
	}
	if err := h.client.Chat.SendText(ctx, SendTextRequest{Text: "hello"}); err != nil {
		t.Fatalf("SendText() error = %v", err)
	}
	if len(h.sender.texts) != 1 || h.sender.texts[0] != "l1:b1:s1/hello" {
		t.Errorf("sent = %v", h.sender.texts)
	}
}

func TestSendProposalInvalidRange(t *testing.T) {
	h := newHarness(t)
	ctx := testCtx(t)
	if _, err := h.client.Chat.Open(ctx, ChatRef{ListingID: "l1", BuyerID: "b1", SellerID: "s1"}); err != nil {
		t.Fatal(err)
	}
	now := time.Now()
	err := h.client.Chat.SendProposal(ctx, SendProposalRequest{Start: now, End: now.Add(-time.Hour)})
	wantCode(t, err, codes.InvalidArgument)
}

func TestSendFailureMapsToUnauthenticated(t *testing.T) {
	h := newHarness(t)
	ctx := testCtx(t)
	h.sender.err = fmt.Errorf("send chat message: %w", api.ErrMaxRetriesExceeded)
	if _, err := h.client.Chat.Open(ctx, ChatRef{ListingID: "l1", BuyerID: "b1", SellerID: "s1"}); err != nil {
		t.Fatal(err)
	}
	err := h.client.Chat.SendAvailability(ctx, SendAvailabilityRequest{Blocks: []chat.AvailabilityBlock{{}}})
	wantCode(t, err, codes.Unauthenticated)
}

func TestWatchSendsSnapshotThenUpdates(t *testing.T) {
	h := newHarness(t)
	ctx := testCtx(t)
	day := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	h.conv.clusters = []chat.Cluster{{
		Location: chat.Left,
		Messages: []chat.Message{&chat.ChatMessage{Base: chat.Base{ID: "m1", Timestamp: day}, Text: "hi"}},
	}}
	if _, err := h.client.Chat.Open(ctx, ChatRef{ListingID: "l1", BuyerID: "b1", SellerID: "s1"}); err != nil {
		t.Fatal(err)
	}

	st, err := h.client.Chat.Watch(ctx)
	if err != nil {
		t.Fatal(err)
	}
	first, err := st.Recv()
	if err != nil {
		t.Fatal(err)
	}
	if len(first.Clusters) != 1 || first.Clusters[0].Messages[0].Text != "hi" {
		t.Fatalf("snapshot = %+v", first)
	}

	start, end := day, day.Add(24*time.Hour)
	h.bus.Publish(bus.NewEvent(bus.KindChatClustersUpdated, chat.ClustersUpdated{
		ChatID: "l1:b1:s1",
		Clusters: []chat.Cluster{{
			Location: chat.Right,
			Messages: []chat.Message{&chat.ProposalMessage{
				Base:      chat.Base{ID: "m2", Timestamp: day, Mine: true, Status: chat.StatusPending},
				StartDate: start,
				EndDate:   end,
			}},
		}},
	}))
	upd, err := st.Recv()
	if err != nil {
		t.Fatal(err)
	}
	m := upd.Clusters[0].Messages[0]
	if upd.Clusters[0].Location != "right" || m.Kind != chat.TypeProposal || m.Status != "pending" {
		t.Errorf("update = %+v", upd)
	}
	if m.StartDate == nil || !m.StartDate.Equal(start) {
		t.Errorf("start date = %v, want %v", m.StartDate, start)
	}
}

func TestWatchEndsWhenFeedCloses(t *testing.T) {
	h := newHarness(t)
	ctx := testCtx(t)
	if _, err := h.client.Chat.Open(ctx, ChatRef{ListingID: "l1", BuyerID: "b1", SellerID: "s1"}); err != nil {
		t.Fatal(err)
	}
	st, err := h.client.Chat.Watch(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := st.Recv(); err != nil {
		t.Fatal(err)
	}

	h.bus.Publish(bus.NewEvent(bus.KindChatFeedClosed, chat.FeedClosed{ChatID: "l1:b1:s1"}))
	_, err = st.Recv()
	wantCode(t, err, codes.Unavailable)
}

func TestListOutbox(t *testing.T) {
	h := newHarness(t)
	ctx := testCtx(t)
	if err := h.db.QueueOutbox("c1", "chat-1", chat.TypeChat, "{}"); err != nil {
		t.Fatal(err)
	}
	if err := h.db.QueueOutbox("c2", "chat-1", chat.TypeChat, "{}"); err != nil {
		t.Fatal(err)
	}
	if err := h.db.MarkOutboxFailed("c2", "boom"); err != nil {
		t.Fatal(err)
	}

	all, err := h.client.Chat.ListOutbox(ctx, ListOutboxRequest{})
	if err != nil {
		t.Fatal(err)
	}
	if len(all.Entries) != 2 {
		t.Fatalf("entries = %d, want 2", len(all.Entries))
	}

	failed, err := h.client.Chat.ListOutbox(ctx, ListOutboxRequest{Status: "failed"})
	if err != nil {
		t.Fatal(err)
	}
	if len(failed.Entries) != 1 || failed.Entries[0].ClientMsgID != "c2" || failed.Entries[0].Error != "boom" {
		t.Errorf("failed = %+v", failed.Entries)
	}

	_, err = h.client.Chat.ListOutbox(ctx, ListOutboxRequest{Status: "lost"})
	wantCode(t, err, codes.InvalidArgument)
}

func TestResend(t *testing.T) {
	h := newHarness(t)
	ctx := testCtx(t)
	if err := h.db.QueueOutbox("c1", "chat-1", chat.TypeChat, `{"id":"c1","type":"chat","text":"hi"}`); err != nil {
		t.Fatal(err)
	}

	// Still sending: nothing to resend yet.
	wantCode(t, h.client.Chat.Resend(ctx, "c1"), codes.FailedPrecondition)

	if err := h.db.MarkOutboxFailed("c1", "boom"); err != nil {
		t.Fatal(err)
	}
	if err := h.client.Chat.Resend(ctx, "c1"); err != nil {
		t.Fatalf("Resend() error = %v", err)
	}
	if len(h.poster.sent) != 1 || h.poster.sent[0].Text != "hi" {
		t.Errorf("posted = %+v", h.poster.sent)
	}

	wantCode(t, h.client.Chat.Resend(ctx, "missing"), codes.NotFound)
	wantCode(t, h.client.Chat.Resend(ctx, ""), codes.InvalidArgument)
}

func TestToStatus(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want codes.Code
	}{
		{"max retries", fmt.Errorf("x: %w", api.ErrMaxRetriesExceeded), codes.Unauthenticated},
		{"refresh failed", auth.ErrRefreshFailed, codes.Unauthenticated},
		{"not subscribed", chat.ErrNotSubscribed, codes.FailedPrecondition},
		{"not resendable", fmt.Errorf("%w: sent", outbox.ErrNotResendable), codes.FailedPrecondition},
		{"transport", &api.TransportError{Method: "GET", Path: "/user", Err: errors.New("refused")}, codes.Unavailable},
		{"decode", &api.DecodeError{Path: "/user", Err: errors.New("bad")}, codes.DataLoss},
		{"not found", &api.ServerError{HTTPCode: 404}, codes.NotFound},
		{"forbidden", &api.ServerError{HTTPCode: 403}, codes.PermissionDenied},
		{"teapot", &api.ServerError{HTTPCode: 418}, codes.Unknown},
		{"canceled", context.Canceled, codes.Canceled},
		{"other", errors.New("boom"), codes.Internal},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := grpcstatus.Code(toStatus("op", tt.err)); got != tt.want {
				t.Errorf("code = %v, want %v", got, tt.want)
			}
		})
	}
	if toStatus("op", nil) != nil {
		t.Error("nil error should map to nil")
	}
}
