package daemon

import (
	"context"
	"errors"
	"io/fs"

	"go.uber.org/fx"
	"go.uber.org/zap"

	"courier/internal/api"
	"courier/internal/bus"
	"courier/internal/config"
	"courier/internal/dispatch"
	"courier/internal/lock"
	"courier/internal/logging"
	"courier/internal/netmon"
	"courier/internal/profile"
	"courier/internal/queue"
	"courier/internal/receipts"
	"courier/internal/recovery"
	"courier/internal/remote"
	"courier/internal/retry"
	"courier/internal/store"
	intsync "courier/internal/sync"
)

// Params holds the resolved profile configuration passed to the fx module.
type Params struct {
	ProfileName string
}

// Module returns the fx module for the daemon, composing all providers and
// lifecycle hooks.
func Module(p Params) fx.Option {
	return fx.Module("daemon",
		fx.Supply(p),
		fx.Provide(
			provideLogger,
			provideConfig,
			provideBus,
			provideLock,
			provideStore,
			providePolicy,
			provideMonitor,
			provideProber,
			provideRemoteStore,
			provideSyncClient,
			provideListener,
			provideQueue,
			provideDispatcher,
			provideScanner,
			provideReconciler,
			provideSyncEngine,
			provideService,
		),
		fx.Invoke(registerLifecycle),
	)
}

func provideLogger(p Params) (*zap.Logger, error) {
	return logging.New(profile.LogPath(p.ProfileName), p.ProfileName)
}

func provideConfig(logger *zap.Logger) (*config.Config, error) {
	cfg, err := config.Load(profile.ConfigPath())
	if errors.Is(err, fs.ErrNotExist) {
		logger.Info("no config file, using defaults", zap.String("path", profile.ConfigPath()))
		return config.Defaults(), nil
	}
	if err != nil {
		return nil, err
	}
	return cfg, nil
}

func provideBus() *bus.Bus {
	return bus.New()
}

func provideLock(p Params, logger *zap.Logger) (*lock.Lock, error) {
	if err := profile.EnsureDir(p.ProfileName); err != nil {
		return nil, err
	}
	logger.Info("acquiring profile lock", zap.String("profile", p.ProfileName))
	l, err := lock.Acquire(profile.Dir(p.ProfileName))
	if err != nil {
		return nil, err
	}
	logger.Info("profile lock acquired")
	return l, nil
}

func provideStore(p Params, _ *lock.Lock, logger *zap.Logger) (*store.DB, error) {
	dbPath := profile.DBPath(p.ProfileName)
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

func providePolicy(cfg *config.Config) retry.Policy {
	return retry.Policy{
		MaxRetries: cfg.Delivery.MaxRetries,
		BaseDelay:  cfg.Delivery.BaseDelay.Duration(),
		MaxDelay:   cfg.Delivery.MaxDelay.Duration(),
	}
}

func provideMonitor(b *bus.Bus, logger *zap.Logger) *netmon.Monitor {
	return netmon.New(b, logger)
}

func provideProber(m *netmon.Monitor, logger *zap.Logger) *netmon.Prober {
	return netmon.NewProber(m, "", 0, logger)
}

func provideRemoteStore(cfg *config.Config) (remote.Store, error) {
	return remote.NewFirestoreStore(context.Background(), cfg.Remote)
}

func provideSyncClient(r remote.Store, policy retry.Policy, m *netmon.Monitor, cfg *config.Config, logger *zap.Logger) *remote.SyncClient {
	return remote.NewSyncClient(r, policy, m, cfg.Delivery.SendTimeout.Duration(), logger)
}

func provideListener(r remote.Store, b *bus.Bus, policy retry.Policy, logger *zap.Logger) *remote.Listener {
	return remote.NewListener(r, b, policy, logger)
}

func provideQueue(db *store.DB, client *remote.SyncClient, policy retry.Policy, m *netmon.Monitor, b *bus.Bus, cfg *config.Config, logger *zap.Logger) *queue.Manager {
	return queue.New(db, client, policy, m, b, cfg.Delivery.DrainInterval.Duration(), logger)
}

func provideDispatcher(db *store.DB, q *queue.Manager, client *remote.SyncClient, m *netmon.Monitor, b *bus.Bus, logger *zap.Logger) *dispatch.Dispatcher {
	return dispatch.New(db, q, client, m, b, logger)
}

func provideScanner(db *store.DB, cfg *config.Config, logger *zap.Logger) *recovery.Scanner {
	return recovery.New(db, cfg.Delivery.StaleThreshold.Duration(), logger)
}

func provideReconciler(db *store.DB, client *remote.SyncClient, b *bus.Bus, logger *zap.Logger) *receipts.Reconciler {
	return receipts.New(db, client, b, logger)
}

func provideSyncEngine(db *store.DB, client *remote.SyncClient, b *bus.Bus, cfg *config.Config, logger *zap.Logger) *intsync.Engine {
	return intsync.New(db, client, client, b, cfg.UserID, logger)
}

func provideService(db *store.DB, d *dispatch.Dispatcher, q *queue.Manager, r *receipts.Reconciler, e *intsync.Engine, b *bus.Bus, cfg *config.Config) *api.Service {
	return api.NewService(db, d, q, r, e, b, cfg.UserID)
}

func registerLifecycle(
	lc fx.Lifecycle,
	lk *lock.Lock,
	_ *api.Service,
	db *store.DB,
	r remote.Store,
	monitor *netmon.Monitor,
	prober *netmon.Prober,
	listener *remote.Listener,
	q *queue.Manager,
	d *dispatch.Dispatcher,
	scanner *recovery.Scanner,
	engine *intsync.Engine,
	logger *zap.Logger,
) {
	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			// Repair queue state from any prior crash before anything can
			// race the scan: the dispatcher stays closed until it finishes.
			requeued, err := scanner.Recover()
			if err != nil {
				return err
			}
			if requeued > 0 {
				logger.Info("crash recovery re-queued messages", zap.Int("count", requeued))
			}

			monitor.Start(context.Background())
			prober.Start(context.Background())
			q.Start(context.Background())
			engine.Start(context.Background())
			listener.Start(context.Background())
			d.Start()

			logger.Info("daemon started")
			return nil
		},
		OnStop: func(_ context.Context) error {
			listener.Stop()
			engine.Stop()
			q.Stop()
			prober.Stop()
			monitor.Stop()
			if err := r.Close(); err != nil {
				logger.Warn("error closing remote store", zap.Error(err))
			}
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
