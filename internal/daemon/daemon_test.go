package daemon

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/matheus3301/souk/internal/apitest"
	"github.com/matheus3301/souk/internal/auth"
	"github.com/matheus3301/souk/internal/bus"
	"github.com/matheus3301/souk/internal/chat"
	"github.com/matheus3301/souk/internal/config"
	"github.com/matheus3301/souk/internal/profile"
	"github.com/matheus3301/souk/internal/rpc"
	"github.com/matheus3301/souk/internal/status"
	"github.com/matheus3301/souk/internal/store"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"google.golang.org/grpc/codes"
	grpcstatus "google.golang.org/grpc/status"
)

// soukHome points the profile tree at a short temp dir. Unix socket paths
// are limited to ~104 chars on macOS.
func soukHome(t *testing.T) {
	t.Helper()
	dir, err := os.MkdirTemp("/tmp", "souk-test-*")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = os.RemoveAll(dir) })
	t.Setenv("SOUK_HOME", dir)
}

func seedCredentials(t *testing.T, name string, entries map[string]string) {
	t.Helper()
	if err := profile.EnsureDir(name); err != nil {
		t.Fatal(err)
	}
	db, err := store.Open(profile.DBPath(name))
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = db.Close() }()
	if _, err := db.Migrate(); err != nil {
		t.Fatal(err)
	}
	if err := db.SaveAll(entries); err != nil {
		t.Fatal(err)
	}
}

func testConfig(baseURL string) *config.Config {
	cfg := config.Default()
	cfg.API.BaseURL = baseURL
	cfg.LogLevel = "error"
	return cfg
}

func TestModuleGraphIsComplete(t *testing.T) {
	err := fx.ValidateApp(
		Module(Params{Profile: "test", Config: config.Default()}),
		fx.NopLogger,
	)
	if err != nil {
		t.Fatalf("ValidateApp() error = %v", err)
	}
}

func TestDaemonLifecycle(t *testing.T) {
	soukHome(t)
	const name = "test"

	srv := apitest.New("tok")
	defer srv.Close()
	srv.SetChat("l1", "b1", "s1", "chat-9")

	seedCredentials(t, name, map[string]string{
		auth.KeyAccessToken:  "tok",
		auth.KeyRefreshToken: "rt",
		auth.KeyEmail:        "u1@example.com",
	})

	app := fx.New(
		Module(Params{Profile: name, Config: testConfig(srv.URL)}),
		fx.NopLogger,
	)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := app.Start(ctx); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer func() {
		if err := app.Stop(context.Background()); err != nil {
			t.Errorf("Stop() error = %v", err)
		}
		if _, err := os.Stat(profile.SocketPath(name)); !os.IsNotExist(err) {
			t.Errorf("socket left behind: %v", err)
		}
	}()

	c, err := rpc.Dial(profile.SocketPath(name))
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = c.Close() }()

	if err := c.Ping(ctx); err != nil {
		t.Fatalf("Ping() error = %v", err)
	}

	// The restored session has no user id yet; the daemon fetches it.
	var st *rpc.StatusResponse
	deadline := time.Now().Add(5 * time.Second)
	for {
		st, err = c.Session.GetStatus(ctx)
		if err != nil {
			t.Fatalf("GetStatus() error = %v", err)
		}
		if st.UserID != "" || time.Now().After(deadline) {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	if st.State != string(status.SignedIn) {
		t.Errorf("state = %q, want SIGNED_IN", st.State)
	}
	if st.UserID != "u1" || st.Email != "u1@example.com" {
		t.Errorf("status = %+v", st)
	}

	info, err := c.Chat.Resolve(ctx, rpc.ChatRef{ListingID: "l1", BuyerID: "b1", SellerID: "s1"})
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if info.ChatID != "chat-9" {
		t.Errorf("chat id = %q, want chat-9", info.ChatID)
	}

	err = c.Chat.SendText(ctx, rpc.SendTextRequest{Text: "hi"})
	if got := grpcstatus.Code(err); got != codes.FailedPrecondition {
		t.Errorf("SendText without open chat: code = %v, want FailedPrecondition", got)
	}

	out, err := c.Chat.ListOutbox(ctx, rpc.ListOutboxRequest{})
	if err != nil {
		t.Fatalf("ListOutbox() error = %v", err)
	}
	if len(out.Entries) != 0 {
		t.Errorf("outbox = %+v, want empty", out.Entries)
	}
}

func TestDaemonStartsSignedOut(t *testing.T) {
	soukHome(t)
	const name = "fresh"

	srv := apitest.New("tok")
	defer srv.Close()

	app := fx.New(
		Module(Params{Profile: name, Config: testConfig(srv.URL)}),
		fx.NopLogger,
	)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := app.Start(ctx); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer func() { _ = app.Stop(context.Background()) }()

	c, err := rpc.Dial(profile.SocketPath(name))
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = c.Close() }()

	st, err := c.Session.GetStatus(ctx)
	if err != nil {
		t.Fatalf("GetStatus() error = %v", err)
	}
	if st.State != string(status.SignedOut) {
		t.Errorf("state = %q, want SIGNED_OUT", st.State)
	}
}

func TestSecondDaemonOnProfileFails(t *testing.T) {
	soukHome(t)
	const name = "locked"

	srv := apitest.New("tok")
	defer srv.Close()

	first := fx.New(Module(Params{Profile: name, Config: testConfig(srv.URL)}), fx.NopLogger)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := first.Start(ctx); err != nil {
		t.Fatal(err)
	}
	defer func() { _ = first.Stop(context.Background()) }()

	second := fx.New(
		Module(Params{Profile: name, SocketPath: profile.Dir(name) + "/other.sock", Config: testConfig(srv.URL)}),
		fx.NopLogger,
	)
	if second.Err() == nil {
		_ = second.Stop(context.Background())
		t.Fatal("expected second daemon to fail on the profile lock")
	}
}

type idleFeed struct{}

func (idleFeed) Subscribe(ctx context.Context, _ chat.ChatInfo) (<-chan []chat.Record, error) {
	ch := make(chan []chat.Record)
	go func() {
		<-ctx.Done()
		close(ch)
	}()
	return ch, nil
}

type noopMarker struct{}

func (noopMarker) MarkRead(context.Context, string, string) error { return nil }

func TestLogoutClosesOpenChat(t *testing.T) {
	b := bus.New()
	stream := chat.NewStream(idleFeed{}, noopMarker{}, func() string { return "me" }, b, nil)
	if err := stream.Subscribe(context.Background(), chat.ChatInfo{ID: "c1"}); err != nil {
		t.Fatal(err)
	}

	stop := closeChatOnLogout(stream, b, zap.NewNop())
	defer stop()

	b.Publish(bus.NewEvent(bus.KindSessionLoggedOut, auth.LoggedOut{Reason: "max retries exceeded"}))

	deadline := time.Now().Add(2 * time.Second)
	for {
		if _, open := stream.Info(); !open {
			return
		}
		if time.Now().After(deadline) {
			t.Fatal("chat still open after logout")
		}
		time.Sleep(10 * time.Millisecond)
	}
}
