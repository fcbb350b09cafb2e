package daemon

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/fx"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/matheus3301/chatsync/internal/bus"
	"github.com/matheus3301/chatsync/internal/config"
	"github.com/matheus3301/chatsync/internal/conversation"
	"github.com/matheus3301/chatsync/internal/gateway"
	"github.com/matheus3301/chatsync/internal/lock"
	"github.com/matheus3301/chatsync/internal/logging"
	"github.com/matheus3301/chatsync/internal/presence"
	"github.com/matheus3301/chatsync/internal/profile"
	"github.com/matheus3301/chatsync/internal/relay"
	"github.com/matheus3301/chatsync/internal/store"
	"github.com/matheus3301/chatsync/internal/transport"
)

// identityKey records which user a profile database belongs to.
const identityKey = "profile.self_id"

// Params holds the resolved profile configuration passed to the fx module.
type Params struct {
	Profile    string
	ConfigPath string // optional override; empty = ~/.chatsync/config.toml
	SelfID     string // optional override of config self_id
	SocketPath string // optional override for testing; empty = use default
	// RPCSocketPath overrides the gRPC socket; empty = use default.
	RPCSocketPath string
	LogLevel   zapcore.Level
	// Link replaces the NATS connection, for tests. It must reach a relay.
	Link transport.Link
}

// Module returns the fx module for the daemon, composing all providers and lifecycle hooks.
func Module(p Params) fx.Option {
	return fx.Module("daemon",
		fx.Supply(p),
		fx.Provide(
			provideConfig,
			provideLogger,
			provideBus,
			provideLock,
			provideStore,
			provideTransport,
			provideRelay,
			provideViewerMirror,
			provideEngine,
			provideGateway,
			provideRPCServer,
		),
		fx.Invoke(registerLifecycle),
	)
}

func provideConfig(p Params) (*config.Config, error) {
	path := p.ConfigPath
	if path == "" {
		path = profile.ConfigPath()
	}
	cfg, err := config.LoadOrDefault(path)
	if err != nil {
		return nil, fmt.Errorf("load config %s: %w", path, err)
	}
	if p.SelfID != "" {
		cfg.SelfID = p.SelfID
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

func provideLogger(p Params) (*zap.Logger, error) {
	return logging.New(profile.LogPath(p.Profile), p.Profile, p.LogLevel)
}

func provideBus() *bus.Bus {
	return bus.New()
}

func provideLock(lc fx.Lifecycle, p Params, logger *zap.Logger) (*lock.Lock, error) {
	if err := profile.EnsureDir(p.Profile); err != nil {
		return nil, err
	}
	logger.Info("acquiring profile lock", zap.String("profile", p.Profile))
	l, err := lock.Acquire(profile.Dir(p.Profile))
	if err != nil {
		return nil, err
	}
	logger.Info("profile lock acquired")
	lc.Append(fx.Hook{
		OnStop: func(_ context.Context) error {
			if err := l.Release(); err != nil {
				logger.Warn("error releasing lock", zap.Error(err))
			}
			return nil
		},
	})
	return l, nil
}

// provideStore takes the lock so the database is only opened by its owner.
// The profile database holds the outbox journal and checkpoints; messages
// live in the relay's store.
func provideStore(lc fx.Lifecycle, p Params, cfg *config.Config, _ *lock.Lock, logger *zap.Logger) (*store.DB, error) {
	db, err := openStore(profile.DBPath(p.Profile), logger)
	if err != nil {
		return nil, err
	}
	if err := bindIdentity(db, cfg.SelfID); err != nil {
		_ = db.Close()
		return nil, err
	}
	lc.Append(fx.Hook{
		OnStop: func(_ context.Context) error {
			return db.Close()
		},
	})
	return db, nil
}

// bindIdentity ties the database to selfID on first start. Journaled sends
// belong to that user, so another identity must use another profile.
func bindIdentity(db *store.DB, selfID string) error {
	owner, ok, err := db.Checkpoint(identityKey)
	if err != nil {
		return fmt.Errorf("read profile identity: %w", err)
	}
	if ok && owner != selfID {
		return fmt.Errorf("profile database belongs to %q, not %q", owner, selfID)
	}
	if !ok {
		if err := db.SetCheckpoint(identityKey, selfID); err != nil {
			return fmt.Errorf("record profile identity: %w", err)
		}
	}
	return nil
}

func provideTransport(lc fx.Lifecycle, p Params, cfg *config.Config, logger *zap.Logger) (transport.Link, error) {
	if p.Link != nil {
		return p.Link, nil
	}
	return connectNATS(lc, cfg, cfg.NATS.Name, logger)
}

// provideRelay reaches the shared store over the same link as the feed.
func provideRelay(link transport.Link, cfg *config.Config) conversation.Backend {
	return relay.NewClient(link, cfg.Relay.RequestTimeout.Duration)
}

// provideViewerMirror returns nil when no redis address is configured.
func provideViewerMirror(lc fx.Lifecycle, cfg *config.Config, logger *zap.Logger) (presence.ViewerMirror, error) {
	if cfg.Redis.Addr == "" {
		return nil, nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	rv, err := presence.NewRedisViewers(ctx, presence.RedisConfig{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err != nil {
		return nil, err
	}
	logger.Info("viewing mirror enabled", zap.String("addr", cfg.Redis.Addr))
	lc.Append(fx.Hook{
		OnStop: func(_ context.Context) error {
			return rv.Close()
		},
	})
	return rv, nil
}

func provideEngine(cfg *config.Config, backend conversation.Backend, link transport.Link, db *store.DB, b *bus.Bus, mirror presence.ViewerMirror, logger *zap.Logger) *conversation.Engine {
	opts := []conversation.Option{
		conversation.WithBus(b),
		conversation.WithLogger(logger),
		conversation.WithJournal(db),
	}
	if mirror != nil {
		opts = append(opts, conversation.WithViewerMirror(mirror))
	}
	return conversation.NewEngine(backend, link, cfg.EngineConfig(), opts...)
}

func provideGateway(p Params, engine *conversation.Engine, logger *zap.Logger) (*gateway.Server, error) {
	socketPath := p.SocketPath
	if socketPath == "" {
		socketPath = profile.SocketPath(p.Profile)
	}
	return gateway.NewServer(engine, p.Profile, socketPath, logger)
}

func provideRPCServer(p Params, engine *conversation.Engine, logger *zap.Logger) (*gateway.RPCServer, error) {
	socketPath := p.RPCSocketPath
	if socketPath == "" {
		socketPath = profile.RPCSocketPath(p.Profile)
	}
	return gateway.NewRPCServer(engine, p.Profile, socketPath, logger)
}

func registerLifecycle(lc fx.Lifecycle, srv *gateway.Server, rpcSrv *gateway.RPCServer, engine *conversation.Engine, cfg *config.Config, logger *zap.Logger) {
	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			go func() {
				if err := srv.Start(); err != nil {
					logger.Error("gateway error", zap.Error(err))
				}
			}()
			go func() {
				if err := rpcSrv.Start(); err != nil {
					logger.Error("gRPC server error", zap.Error(err))
				}
			}()
			logger.Info("daemon started", zap.String("self_id", cfg.SelfID))
			return nil
		},
		OnStop: func(ctx context.Context) error {
			rpcSrv.Stop(ctx)
			srv.Stop(ctx)
			engine.Close()
			logger.Info("daemon stopped")
			_ = logger.Sync()
			return nil
		},
	})
}
