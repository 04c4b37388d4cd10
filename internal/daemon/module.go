package daemon

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/matheus3301/souk/internal/api"
	"github.com/matheus3301/souk/internal/auth"
	"github.com/matheus3301/souk/internal/bus"
	"github.com/matheus3301/souk/internal/chat"
	"github.com/matheus3301/souk/internal/compose"
	"github.com/matheus3301/souk/internal/config"
	"github.com/matheus3301/souk/internal/feed/firestore"
	"github.com/matheus3301/souk/internal/feed/ws"
	"github.com/matheus3301/souk/internal/lock"
	"github.com/matheus3301/souk/internal/logging"
	"github.com/matheus3301/souk/internal/outbox"
	"github.com/matheus3301/souk/internal/profile"
	"github.com/matheus3301/souk/internal/rpc"
	"github.com/matheus3301/souk/internal/status"
	"github.com/matheus3301/souk/internal/store"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"google.golang.org/api/option"
)

// Params holds the resolved profile configuration passed to the fx module.
type Params struct {
	Profile    string
	SocketPath string         // optional override for testing; empty = use default
	Config     *config.Config // optional; nil = read the global config file
}

// Module returns the fx module for the daemon, composing all providers and lifecycle hooks.
func Module(p Params) fx.Option {
	return fx.Module("daemon",
		fx.Supply(p),
		fx.Provide(
			provideConfig,
			provideLogger,
			provideBus,
			provideStateMachine,
			provideLock,
			provideStore,
			provideIdentityProvider,
			provideSession,
			provideAPIClient,
			provideFeed,
			provideStream,
			provideComposer,
			provideOutbox,
			provideSessionService,
			provideChatService,
			NewServer,
		),
		fx.Invoke(registerLifecycle),
	)
}

func provideConfig(p Params) (*config.Config, error) {
	if p.Config != nil {
		return p.Config, nil
	}
	return profile.LoadConfig()
}

func provideLogger(p Params, cfg *config.Config) (*zap.Logger, error) {
	if err := profile.EnsureDir(p.Profile); err != nil {
		return nil, err
	}
	return logging.New(profile.LogPath(p.Profile), p.Profile, cfg.LogLevel)
}

func provideBus() *bus.Bus {
	return bus.New()
}

func provideStateMachine(b *bus.Bus) *status.Machine {
	return status.NewMachine(b)
}

func provideLock(p Params, logger *zap.Logger) (*lock.Lock, error) {
	logger.Info("acquiring profile lock", zap.String("profile", p.Profile))
	l, err := lock.Acquire(profile.Dir(p.Profile))
	if err != nil {
		return nil, err
	}
	logger.Info("profile lock acquired")
	return l, nil
}

// provideStore opens the database only once the profile lock is held, so a
// second daemon fails before touching the store or the socket.
func provideStore(p Params, _ *lock.Lock, logger *zap.Logger) (*store.DB, error) {
	dbPath := profile.DBPath(p.Profile)
	db, err := store.Open(dbPath)
	if err != nil {
		return nil, err
	}
	result, err := db.Migrate()
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	if result.Changed {
		logger.Info("migrations applied", zap.Uint("version", result.Version))
	} else {
		logger.Info("migrations up to date", zap.Uint("version", result.Version))
	}
	logger.Info("store initialized", zap.String("path", dbPath))
	return db, nil
}

// provideIdentityProvider announces device codes on the bus so the SignIn RPC
// can show them to the user.
func provideIdentityProvider(cfg *config.Config, b *bus.Bus) auth.Provider {
	hc := &http.Client{Timeout: cfg.API.Timeout.Duration}
	return auth.NewOAuthProvider(cfg.OAuth, hc, func(dc auth.DeviceCode) {
		b.Publish(bus.NewEvent(bus.KindSessionDeviceCode, dc))
	})
}

func provideSession(db *store.DB, provider auth.Provider, m *status.Machine, b *bus.Bus, logger *zap.Logger) *auth.Session {
	return auth.NewSession(db, provider, m, b, logger.Named("auth"))
}

func provideAPIClient(cfg *config.Config, sess *auth.Session, logger *zap.Logger) *api.Client {
	return api.NewClient(cfg.API.BaseURL, sess, logger.Named("api"), api.WithTimeout(cfg.API.Timeout.Duration))
}

// provideFeed prefers Firestore when a project is configured.
func provideFeed(lc fx.Lifecycle, cfg *config.Config, sess *auth.Session, logger *zap.Logger) (chat.Feed, error) {
	log := logger.Named("feed")
	if project := cfg.Feed.FirestoreProject; project != "" {
		var opts []option.ClientOption
		if creds := cfg.Feed.FirestoreCredentials; creds != "" {
			opts = append(opts, option.WithCredentialsFile(creds))
		}
		f, err := firestore.New(context.Background(), project, log, opts...)
		if err != nil {
			return nil, err
		}
		lc.Append(fx.StopHook(f.Close))
		log.Info("using firestore feed", zap.String("project", project))
		return f, nil
	}
	log.Info("using websocket feed", zap.String("url", cfg.Feed.WebsocketURL))
	return ws.New(cfg.Feed.WebsocketURL, sess.CurrentAccessToken, log), nil
}

func provideStream(feed chat.Feed, client *api.Client, sess *auth.Session, cfg *config.Config, b *bus.Bus, logger *zap.Logger) *chat.Stream {
	self := func() string { return sess.Identity().UserID }
	return chat.NewStream(feed, client, self, b, logger.Named("chat"), chat.WithMarkReadRate(cfg.Feed.MarkReadPerSec))
}

func provideComposer(client *api.Client, stream *chat.Stream, db *store.DB, sess *auth.Session, b *bus.Bus, logger *zap.Logger) *compose.Composer {
	self := func() chat.UserRef { return chat.UserRef{ID: sess.Identity().UserID} }
	return compose.New(client, stream, db, self, b, logger.Named("compose"))
}

func provideOutbox(client *api.Client, db *store.DB, b *bus.Bus, logger *zap.Logger) *outbox.Sender {
	return outbox.NewSender(db, client, b, logger.Named("outbox"))
}

func provideSessionService(p Params, sess *auth.Session, client *api.Client, b *bus.Bus, logger *zap.Logger) *rpc.SessionService {
	return rpc.NewSessionService(p.Profile, sess, client, b, logger.Named("rpc"))
}

func provideChatService(stream *chat.Stream, composer *compose.Composer, db *store.DB, resender *outbox.Sender, b *bus.Bus, logger *zap.Logger) *rpc.ChatService {
	return rpc.NewChatService(stream, composer, db, resender, b, logger.Named("rpc"))
}

func registerLifecycle(lc fx.Lifecycle, cfg *config.Config, srv *Server, lk *lock.Lock, db *store.DB, sess *auth.Session, client *api.Client, stream *chat.Stream, resender *outbox.Sender, b *bus.Bus, logger *zap.Logger) {
	var (
		metricsSrv *http.Server
		stopWatch  func()
	)
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			if err := resender.Recover(); err != nil {
				return err
			}
			restored, err := sess.Restore(ctx)
			if err != nil {
				return err
			}
			if restored {
				if sess.Identity().UserID == "" {
					go fetchUserID(sess, client, logger)
				}
			} else {
				logger.Info("no credentials found, sign-in required")
			}

			stopWatch = closeChatOnLogout(stream, b, logger)

			// Start gRPC server in background.
			go func() {
				if err := srv.Start(); err != nil {
					logger.Error("gRPC server error", zap.Error(err))
				}
			}()

			if cfg.MetricsAddr != "" {
				mux := http.NewServeMux()
				mux.Handle("/metrics", promhttp.Handler())
				metricsSrv = &http.Server{Addr: cfg.MetricsAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
				go func() {
					if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
						logger.Error("metrics server error", zap.Error(err))
					}
				}()
				logger.Info("metrics server starting", zap.String("addr", cfg.MetricsAddr))
			}
			return nil
		},
		OnStop: func(ctx context.Context) error {
			stream.Unsubscribe()
			if stopWatch != nil {
				stopWatch()
			}
			srv.Stop(ctx)
			if metricsSrv != nil {
				_ = metricsSrv.Shutdown(ctx)
			}
			stream.Wait()
			if err := db.Close(); err != nil {
				logger.Warn("error closing store", zap.Error(err))
			}
			if err := lk.Release(); err != nil {
				logger.Warn("error releasing lock", zap.Error(err))
			}
			logger.Info("daemon stopped")
			_ = logger.Sync()
			return nil
		},
	})
}

// fetchUserID fills in the marketplace user id for a session restored without one.
func fetchUserID(sess *auth.Session, client *api.Client, logger *zap.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	u, err := client.CurrentUser(ctx)
	if err != nil {
		logger.Warn("fetch current user", zap.Error(err))
		return
	}
	if err := sess.SetUserID(u.ID); err != nil {
		logger.Warn("persist user id", zap.Error(err))
	}
}

// closeChatOnLogout drops the open conversation when the session ends. The
// returned func stops watching.
func closeChatOnLogout(stream *chat.Stream, b *bus.Bus, logger *zap.Logger) func() {
	ch, unsub := b.Subscribe(bus.KindSessionLoggedOut, 4)
	done := make(chan struct{})
	go func() {
		for {
			select {
			case <-ch:
				logger.Info("session ended, closing chat")
				stream.Unsubscribe()
			case <-done:
				return
			}
		}
	}()
	return func() {
		unsub()
		close(done)
	}
}
