package daemon

import (
	"context"

	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/matheus3301/chatd/internal/bus"
	"github.com/matheus3301/chatd/internal/client"
	"github.com/matheus3301/chatd/internal/config"
	"github.com/matheus3301/chatd/internal/conn"
	"github.com/matheus3301/chatd/internal/convo"
	"github.com/matheus3301/chatd/internal/delivery"
	"github.com/matheus3301/chatd/internal/lock"
	"github.com/matheus3301/chatd/internal/logging"
	"github.com/matheus3301/chatd/internal/outbox"
	"github.com/matheus3301/chatd/internal/session"
	"github.com/matheus3301/chatd/internal/store"
	"github.com/matheus3301/chatd/internal/transport"
	"github.com/matheus3301/chatd/internal/typing"
)

// Params holds the resolved session configuration passed to the fx module.
type Params struct {
	SessionName string
	ServerURL   string // optional override of the configured server URL
}

// Module returns the fx module for the daemon, composing all providers and lifecycle hooks.
func Module(p Params) fx.Option {
	return fx.Module("daemon",
		fx.Supply(p),
		fx.Provide(
			provideLogger,
			provideBus,
			provideConfig,
			provideLock,
			provideStore,
			provideTransport,
			provideIdentity,
			provideStateMachine,
			provideManager,
			provideQueue,
			provideDelivery,
			provideSynchronizer,
			provideSignaler,
			provideClient,
		),
		fx.Invoke(registerLifecycle),
	)
}

func provideLogger(p Params) (*zap.Logger, error) {
	return logging.New(session.LogPath(p.SessionName), p.SessionName)
}

func provideBus() *bus.Bus {
	return bus.New()
}

func provideConfig(p Params, logger *zap.Logger) (*config.Config, error) {
	path := session.ConfigPath(p.SessionName)
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	if p.ServerURL != "" {
		cfg.ServerURL = p.ServerURL
	}
	logger.Info("config loaded",
		zap.String("path", path),
		zap.String("server_url", cfg.ServerURL),
		zap.String("user_id", cfg.UserID))
	return cfg, nil
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

func provideStore(p Params, logger *zap.Logger) (*store.DB, error) {
	dbPath := session.DBPath(p.SessionName)
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

func provideTransport() transport.Transport {
	return transport.NewWebSocket()
}

func provideIdentity(p Params, cfg *config.Config, logger *zap.Logger) conn.Identity {
	return newFileIdentity(session.ConfigPath(p.SessionName), cfg, logger)
}

func provideStateMachine(b *bus.Bus) *conn.Machine {
	return conn.NewMachine(b)
}

func provideManager(cfg *config.Config, t transport.Transport, id conn.Identity, machine *conn.Machine, logger *zap.Logger) *conn.Manager {
	return conn.NewManager(conn.Config{
		URL:              cfg.ServerURL,
		BackoffBase:      cfg.Connection.BackoffBase.Duration,
		BackoffCap:       cfg.Connection.BackoffCap.Duration,
		MaxAttempts:      cfg.Connection.MaxAttempts,
		HeartbeatEvery:   cfg.Connection.HeartbeatEvery.Duration,
		MissedHeartbeats: cfg.Connection.MissedHeartbeats,
	}, t, id, machine, logger)
}

func provideQueue(db *store.DB, m *conn.Manager, b *bus.Bus, cfg *config.Config, logger *zap.Logger) *outbox.Queue {
	return outbox.NewQueue(db, m, b, logger, cfg.UserID, outbox.Config{
		SendAttempts: cfg.Outbox.SendAttempts,
		RetryBackoff: cfg.Outbox.RetryBackoff.Duration,
		AckTimeout:   cfg.Outbox.AckTimeout.Duration,
	})
}

func provideDelivery(db *store.DB, b *bus.Bus, cfg *config.Config, logger *zap.Logger) *delivery.Machine {
	return delivery.NewMachine(db, b, logger, cfg.UserID)
}

func provideSynchronizer(db *store.DB, b *bus.Bus, cfg *config.Config, logger *zap.Logger) *convo.Synchronizer {
	return convo.NewSynchronizer(db, b, logger, cfg.UserID)
}

func provideSignaler(m *conn.Manager, b *bus.Bus, cfg *config.Config, logger *zap.Logger) *typing.Signaler {
	return typing.NewSignaler(m, b, logger, cfg.UserID, typing.Config{
		ResendInterval: cfg.Typing.ResendInterval.Duration,
		IdleTimeout:    cfg.Typing.IdleTimeout.Duration,
		ExpireAfter:    cfg.Typing.ExpireAfter.Duration,
	})
}

func provideClient(
	m *conn.Manager,
	machine *conn.Machine,
	q *outbox.Queue,
	dm *delivery.Machine,
	sync *convo.Synchronizer,
	sig *typing.Signaler,
	db *store.DB,
	b *bus.Bus,
	cfg *config.Config,
	logger *zap.Logger,
) *client.Client {
	return client.New(m, machine, q, dm, sync, sig, db, b, logger, cfg.UserID)
}

func registerLifecycle(lc fx.Lifecycle, c *client.Client, q *outbox.Queue, lk *lock.Lock, db *store.DB, logger *zap.Logger) {
	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			// The queue starts first so messages enqueued before the
			// connection is up replay as soon as it comes.
			q.Start(context.Background())
			if err := c.Connect(context.Background()); err != nil {
				return err
			}
			logger.Info("daemon started")
			return nil
		},
		OnStop: func(context.Context) error {
			c.Close()
			if err := db.Close(); err != nil {
				logger.Warn("error closing store", zap.Error(err))
			}
			if err := lk.Release(); err != nil {
				logger.Warn("error releasing lock", zap.Error(err))
			}
			logger.Info("daemon stopped")
			return nil
		},
	})
}
