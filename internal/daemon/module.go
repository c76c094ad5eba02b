// Package daemon composes the tgidxd process: dependency providers,
// lifecycle hooks, and the control socket.
package daemon

import (
	"context"

	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/tgidx/tgidx/internal/backend"
	"github.com/tgidx/tgidx/internal/bus"
	"github.com/tgidx/tgidx/internal/chatid"
	"github.com/tgidx/tgidx/internal/config"
	"github.com/tgidx/tgidx/internal/cursor"
	"github.com/tgidx/tgidx/internal/index"
	"github.com/tgidx/tgidx/internal/lock"
	"github.com/tgidx/tgidx/internal/logging"
	"github.com/tgidx/tgidx/internal/store"
	intsync "github.com/tgidx/tgidx/internal/sync"
	"github.com/tgidx/tgidx/internal/telegram"
)

// Module returns the fx module for the daemon, composing all providers
// and lifecycle hooks.
func Module(cfg *config.Config) fx.Option {
	return fx.Module("daemon",
		fx.Supply(cfg),
		fx.Provide(
			provideLogger,
			provideBus,
			provideLock,
			provideStore,
			provideIndex,
			provideClient,
			provideGateway,
			provideResolver,
			provideSyncEngine,
			provideCursorStore,
			provideCursorManager,
			provideBackend,
			NewServer,
		),
		fx.Invoke(registerLifecycle),
	)
}

func provideLogger(cfg *config.Config) (*zap.Logger, error) {
	if err := cfg.EnsureDirs(); err != nil {
		return nil, err
	}
	return logging.New(cfg.LogPath(), cfg.Name)
}

func provideBus() *bus.Bus {
	return bus.New()
}

func provideLock(cfg *config.Config, logger *zap.Logger) (*lock.Lock, error) {
	logger.Info("acquiring runtime lock", zap.String("instance", cfg.Name))
	l, err := lock.Acquire(cfg.Dir())
	if err != nil {
		return nil, err
	}
	logger.Info("runtime lock acquired")
	return l, nil
}

func provideStore(cfg *config.Config, logger *zap.Logger) (*store.DB, error) {
	db, err := store.Open(cfg.DBPath())
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
	logger.Info("store initialized", zap.String("path", cfg.DBPath()))
	return db, nil
}

func provideIndex(cfg *config.Config, logger *zap.Logger) (*index.Engine, error) {
	idx, err := index.New(cfg.IndexDir())
	if err != nil {
		return nil, err
	}
	count, err := idx.Count()
	if err != nil {
		_ = idx.Close()
		return nil, err
	}
	logger.Info("index opened", zap.String("path", cfg.IndexDir()), zap.Uint64("documents", count))
	return idx, nil
}

func provideClient(cfg *config.Config, b *bus.Bus, logger *zap.Logger) (*telegram.Client, error) {
	return telegram.NewClient(cfg.Telegram.APIID, cfg.Telegram.APIHash, cfg.SessionPath(), b, logger)
}

func provideGateway(client *telegram.Client) telegram.Gateway {
	return client
}

func provideResolver(gw telegram.Gateway, db *store.DB, logger *zap.Logger) (*chatid.Resolver, error) {
	return chatid.NewResolver(gw, db, logger)
}

func provideSyncEngine(cfg *config.Config, idx *index.Engine, db *store.DB, gw telegram.Gateway, resolver *chatid.Resolver, b *bus.Bus, logger *zap.Logger) *intsync.Engine {
	return intsync.NewEngine(idx, db, gw, resolver, b, logger, intsync.Options{
		MonitorAll:       cfg.Backend.MonitorAll,
		Excluded:         cfg.Backend.ExcludeChats,
		RestoreFromIndex: cfg.Backend.RestoreFromIndex,
	})
}

func provideCursorStore(cfg *config.Config) *cursor.MemoryStore {
	return cursor.NewMemoryStore(cfg.CursorTTL())
}

func provideCursorManager(store *cursor.MemoryStore) *cursor.Manager {
	return cursor.NewManager(store)
}

func provideBackend(cfg *config.Config, idx *index.Engine, engine *intsync.Engine, resolver *chatid.Resolver, cursors *cursor.Manager, logger *zap.Logger) *backend.Backend {
	return backend.New(idx, engine, resolver, cursors, logger, cfg.Frontend.PageLen)
}

func registerLifecycle(lc fx.Lifecycle, srv *Server, lk *lock.Lock, client *telegram.Client, engine *intsync.Engine, bk *backend.Backend, idx *index.Engine, db *store.DB, cursors *cursor.MemoryStore, logger *zap.Logger) {
	runCtx, cancelRun := context.WithCancel(context.Background())
	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			if err := engine.Restore(runCtx); err != nil {
				return err
			}
			if stats, err := bk.Stats(); err == nil {
				logger.Info("instance restored",
					zap.Uint64("documents", stats.Documents),
					zap.Int("monitored_chats", len(stats.Monitored)))
			}

			// Start sync engine (subscribes to tg.* bus events).
			engine.Start(runCtx)

			// Run the Telegram update loop until shutdown.
			go func() {
				if err := client.Run(runCtx); err != nil && runCtx.Err() == nil {
					logger.Error("telegram client stopped", zap.Error(err))
				}
			}()

			// Start gRPC control server in background.
			go func() {
				if err := srv.Start(); err != nil {
					logger.Error("gRPC server error", zap.Error(err))
				}
			}()

			return nil
		},
		OnStop: func(ctx context.Context) error {
			cancelRun()
			srv.Stop(ctx)
			engine.Stop()
			cursors.Stop()
			if err := idx.Close(); err != nil {
				logger.Warn("error closing index", zap.Error(err))
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
