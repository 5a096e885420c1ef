package daemon

import (
	"context"
	"time"

	"github.com/matheus3301/chatsync/internal/api"
	"github.com/matheus3301/chatsync/internal/bus"
	"github.com/matheus3301/chatsync/internal/config"
	"github.com/matheus3301/chatsync/internal/lock"
	"github.com/matheus3301/chatsync/internal/logging"
	"github.com/matheus3301/chatsync/internal/profile"
	"github.com/matheus3301/chatsync/internal/store"
	intsync "github.com/matheus3301/chatsync/internal/sync"
	"github.com/matheus3301/chatsync/internal/transport"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Params holds the resolved profile configuration passed to the fx module.
type Params struct {
	ProfileName string
	SocketPath  string // optional override for testing; empty = use default
	Debug       bool
}

// Module returns the fx module for the daemon, composing all providers and lifecycle hooks.
func Module(p Params) fx.Option {
	return fx.Module("daemon",
		fx.Supply(p),
		fx.Provide(
			provideProfile,
			provideLogger,
			provideBus,
			provideLock,
			provideStore,
			provideClient,
			provideBridge,
			provideEngine,
			provideSupervisor,
			provideMetricsServer,
			provideControlService,
			NewServer,
		),
		fx.Invoke(registerLifecycle),
	)
}

func provideProfile(p Params) (*config.Profile, error) {
	prof, err := profile.Load(p.ProfileName)
	if err != nil {
		return nil, err
	}
	if err := prof.Validate(); err != nil {
		return nil, err
	}
	return prof, nil
}

func provideLogger(p Params) (*zap.Logger, error) {
	return logging.New(profile.LogPath(p.ProfileName), p.ProfileName, p.Debug)
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

// provideStore depends on the lock so the index is never opened by two
// daemons.
func provideStore(p Params, _ *lock.Lock, logger *zap.Logger) (*store.DB, error) {
	dbPath := profile.IndexPath(p.ProfileName)
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
	logger.Info("search index initialized", zap.String("path", dbPath))
	return db, nil
}

func provideClient(prof *config.Profile, logger *zap.Logger) *transport.Client {
	return transport.NewClient(transport.ClientOptions{
		BaseURL: prof.ServerURL,
		Token:   prof.Token,
		UserID:  prof.UserID,
		OrgID:   prof.OrgID,
	}, logger.Named("rest"))
}

func provideBridge(prof *config.Profile, logger *zap.Logger) *transport.Bridge {
	return transport.NewBridge(transport.BridgeOptions{
		URL:       prof.SocketURL,
		Namespace: prof.Namespace,
		Token:     prof.Token,
	}, logger.Named("bridge"))
}

func provideEngine(prof *config.Profile, bridge *transport.Bridge, client *transport.Client, db *store.DB, b *bus.Bus, logger *zap.Logger) *intsync.Engine {
	return intsync.NewEngine(bridge, client, db, b, logger.Named("engine"), intsync.Options{
		UserID:          prof.UserID,
		OrgID:           prof.OrgID,
		PageSize:        prof.PageSize,
		MutationTimeout: prof.MutationTimeout.Duration,
	})
}

func provideSupervisor(prof *config.Profile, engine *intsync.Engine, logger *zap.Logger) *Supervisor {
	return NewSupervisor(engine, prof.ReconnectMin.Duration, prof.ReconnectMax.Duration, logger.Named("supervisor"))
}

func provideMetricsServer(prof *config.Profile, logger *zap.Logger) *MetricsServer {
	return NewMetricsServer(prof.MetricsAddr, logger)
}

func provideControlService(p Params, engine *intsync.Engine, b *bus.Bus, logger *zap.Logger) *api.ControlService {
	return api.NewControlService(p.ProfileName, engine, b, logger.Named("api"))
}

type lifecycleParams struct {
	fx.In

	Server     *Server
	Lock       *lock.Lock
	Store      *store.DB
	Engine     *intsync.Engine
	Supervisor *Supervisor
	Metrics    *MetricsServer
	Logger     *zap.Logger
}

func registerLifecycle(lc fx.Lifecycle, p lifecycleParams) {
	logger := p.Logger
	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			if _, err := p.Metrics.Start(); err != nil {
				return err
			}

			// Start the search indexer before the first connect so the
			// bootstrap is mirrored.
			p.Engine.Start()

			go func() {
				if err := p.Server.Start(); err != nil {
					logger.Error("gRPC server error", zap.Error(err))
				}
			}()

			p.Supervisor.Start()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			p.Supervisor.Stop()
			if err := p.Engine.Close(); err != nil {
				logger.Warn("error closing engine", zap.Error(err))
			}
			stopCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			defer cancel()
			p.Server.Stop(stopCtx)
			if err := p.Metrics.Stop(stopCtx); err != nil {
				logger.Warn("error stopping metrics server", zap.Error(err))
			}
			if err := p.Store.Close(); err != nil {
				logger.Warn("error closing search index", zap.Error(err))
			}
			if err := p.Lock.Release(); err != nil {
				logger.Warn("error releasing lock", zap.Error(err))
			}
			logger.Info("daemon stopped")
			_ = logger.Sync()
			return nil
		},
	})
}
