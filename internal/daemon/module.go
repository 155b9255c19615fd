package daemon

import (
	"context"

	"github.com/matheus3301/imclient/internal/api"
	"github.com/matheus3301/imclient/internal/auth"
	"github.com/matheus3301/imclient/internal/bus"
	"github.com/matheus3301/imclient/internal/clock"
	"github.com/matheus3301/imclient/internal/config"
	"github.com/matheus3301/imclient/internal/conn"
	"github.com/matheus3301/imclient/internal/httpapi"
	"github.com/matheus3301/imclient/internal/lock"
	"github.com/matheus3301/imclient/internal/logging"
	"github.com/matheus3301/imclient/internal/messages"
	"github.com/matheus3301/imclient/internal/names"
	"github.com/matheus3301/imclient/internal/outbox"
	"github.com/matheus3301/imclient/internal/roster"
	"github.com/matheus3301/imclient/internal/router"
	"github.com/matheus3301/imclient/internal/session"
	"github.com/matheus3301/imclient/internal/status"
	"github.com/matheus3301/imclient/internal/store"
	intsync "github.com/matheus3301/imclient/internal/sync"
	"github.com/matheus3301/imclient/internal/transport"
	"go.uber.org/fx"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// Params holds the resolved session configuration passed to the fx module.
type Params struct {
	SessionName string
	SocketPath  string         // optional override for testing; empty = use default
	Config      *config.Config // optional; nil = load ~/.imclient/config.toml
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
			provideClock,
			provideLock,
			provideStore,
			provideAuth,
			provideRoster,
			provideHTTPAPI,
			provideRouter,
			provideMessageStore,
			provideManager,
			provideSyncEngine,
			provideSender,
			fx.Annotate(provideControl, fx.As(new(api.ControlServer))),
			NewServer,
		),
		fx.Invoke(registerLifecycle),
	)
}

func provideConfig(p Params) (*config.Config, error) {
	if p.Config != nil {
		return p.Config, nil
	}
	return config.LoadOrDefault(session.ConfigPath())
}

func provideLogger(p Params) (*zap.Logger, error) {
	return logging.New(session.LogPath(p.SessionName), p.SessionName)
}

func provideBus() *bus.Bus {
	return bus.New()
}

func provideStateMachine(b *bus.Bus) *status.Machine {
	return status.NewMachine(b)
}

func provideClock() clock.Clock {
	return clock.Real()
}

func provideLock(p Params, logger *zap.Logger) (*lock.Lock, error) {
	if err := session.EnsureDir(p.SessionName); err != nil {
		return nil, err
	}
	logger.Info("acquiring session lock", zap.String("session", p.SessionName))
	l, err := lock.Acquire(session.Dir(p.SessionName))
	if err != nil {
		return nil, err
	}
	logger.Info("session lock acquired")
	return l, nil
}

// provideStore opens and migrates the session database. Sends still pending
// from a previous run cannot be confirmed any more and are failed here.
func provideStore(p Params, _ *lock.Lock, logger *zap.Logger) (*store.DB, error) {
	dbPath := session.DBPath(p.SessionName)
	db, err := store.Open(dbPath)
	if err != nil {
		return nil, err
	}
	schema, err := db.Migrate()
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	if schema.Changed() {
		logger.Info("migrations applied", zap.Uint("from", schema.From), zap.Uint("version", schema.To))
	} else {
		logger.Info("migrations up to date", zap.Uint("version", schema.To))
	}
	n, err := db.FailStaleOutbox("daemon restarted")
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	if n > 0 {
		logger.Warn("failed stale sends", zap.Int64("count", n))
	}
	logger.Info("store initialized", zap.String("path", dbPath))
	return db, nil
}

func provideAuth(db *store.DB, logger *zap.Logger) *auth.Store {
	return auth.New(db, logger)
}

func provideRoster(db *store.DB, logger *zap.Logger) (*roster.Cache, error) {
	rc := roster.New(db)
	if err := rc.Load(); err != nil {
		return nil, err
	}
	friends, members := rc.Counts()
	logger.Info("roster loaded", zap.Int("friends", friends), zap.Int("members", members))
	return rc, nil
}

func provideHTTPAPI(cfg *config.Config, creds *auth.Store, logger *zap.Logger) (*httpapi.Client, error) {
	return httpapi.New(cfg.Server.APIURL, creds, nil, logger)
}

func provideRouter(logger *zap.Logger) *router.Router {
	return router.New(logger)
}

func provideMessageStore(cfg *config.Config, client *httpapi.Client, rc *roster.Cache, clk clock.Clock, b *bus.Bus, logger *zap.Logger) *messages.Store {
	resolver := names.NewResolver(rc, rc, rc)
	return messages.NewStore(client, resolver, rc, b, logger, messages.Options{
		PageSize: cfg.Messages.PageSize,
		Clock:    clk,
	})
}

func provideManager(cfg *config.Config, creds *auth.Store, r *router.Router, m *status.Machine, clk clock.Clock, b *bus.Bus, logger *zap.Logger) *conn.Manager {
	return conn.NewManager(conn.ConfigFrom(cfg.Server, cfg.Connection), transport.NewWebSocketDialer(), creds, r, m, clk, b, logger)
}

func provideSyncEngine(mgr *conn.Manager, msgs *messages.Store, rc *roster.Cache, client *httpapi.Client, creds *auth.Store,
	db *store.DB, r *router.Router, b *bus.Bus, logger *zap.Logger) *intsync.Engine {
	return intsync.NewEngine(mgr, msgs, rc, client, creds, db, r, b, logger)
}

func provideSender(cfg *config.Config, msgs *messages.Store, mgr *conn.Manager, db *store.DB, clk clock.Clock, b *bus.Bus, logger *zap.Logger) *outbox.Sender {
	return outbox.NewSender(msgs, mgr, db, b, logger, outbox.Options{
		Interval:   cfg.Messages.SweepInterval.Duration,
		AckTimeout: cfg.Messages.AckTimeout.Duration,
		MaxRetries: cfg.Messages.MaxSendRetries,
		Clock:      clk,
	})
}

func provideControl(p Params, mgr *conn.Manager, engine *intsync.Engine, msgs *messages.Store, creds *auth.Store,
	rc *roster.Cache, r *router.Router, b *bus.Bus, logger *zap.Logger) *api.Control {
	return api.NewControl(p.SessionName, api.Deps{
		Conn:     mgr,
		Engine:   engine,
		Messages: msgs,
		Creds:    creds,
		Identity: rc,
		Router:   r,
		Bus:      b,
		Logger:   logger,
	})
}

func registerLifecycle(lc fx.Lifecycle, cfg *config.Config, srv *Server, lk *lock.Lock, db *store.DB, creds *auth.Store,
	mgr *conn.Manager, engine *intsync.Engine, sender *outbox.Sender, logger *zap.Logger) {
	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			engine.Start(context.Background())
			sender.Start(context.Background())

			go func() {
				if err := srv.Start(); err != nil {
					logger.Error("gRPC server error", zap.Error(err))
				}
			}()

			if !cfg.Connection.AutoConnect {
				logger.Info("auto-connect disabled")
				return nil
			}
			if _, ok := creds.Credential(); !ok {
				logger.Info("no credential found, waiting for login")
				return nil
			}
			go func() {
				if err := mgr.Connect(context.Background()); err != nil {
					logger.Warn("auto-connect failed", zap.Error(err))
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			err := srv.Stop(ctx)
			mgr.Disconnect()
			sender.Stop()
			engine.Stop()
			err = multierr.Combine(err, db.Close(), lk.Release())
			if err != nil {
				logger.Warn("shutdown finished with errors", zap.Error(err))
			}
			logger.Info("daemon stopped")
			return err
		},
	})
}
