package daemon

import (
	"context"
	"fmt"
	"path/filepath"

	"go.uber.org/fx"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/matheus3301/chatsync/internal/config"
	"github.com/matheus3301/chatsync/internal/lock"
	"github.com/matheus3301/chatsync/internal/logging"
	"github.com/matheus3301/chatsync/internal/profile"
	"github.com/matheus3301/chatsync/internal/relay"
	"github.com/matheus3301/chatsync/internal/store"
	"github.com/matheus3301/chatsync/internal/transport"
	"github.com/matheus3301/chatsync/internal/transport/natstransport"
)

// RelayParams configures the relay process.
type RelayParams struct {
	ConfigPath string // optional override; empty = ~/.chatsync/config.toml
	DBPath     string // optional override of relay.db_path
	LogLevel   zapcore.Level
	// Link replaces the NATS connection, for tests.
	Link transport.Link
}

// relayDB is the shared store, kept apart from a profile's journal.
type relayDB struct{ *store.DB }

// RelayModule returns the fx module for the relay process: one shared store
// answering every daemon's requests and publishing the change feed.
func RelayModule(p RelayParams) fx.Option {
	return fx.Module("relay",
		fx.Supply(p),
		fx.Provide(
			provideRelayConfig,
			provideRelayLogger,
			provideRelayStore,
			provideRelayLink,
			provideRelayServer,
		),
		fx.Invoke(registerRelayLifecycle),
	)
}

func provideRelayConfig(p RelayParams) (*config.Config, error) {
	path := p.ConfigPath
	if path == "" {
		path = profile.ConfigPath()
	}
	cfg, err := config.LoadOrDefault(path)
	if err != nil {
		return nil, fmt.Errorf("load config %s: %w", path, err)
	}
	if p.DBPath != "" {
		cfg.Relay.DBPath = p.DBPath
	}
	if cfg.Relay.DBPath == "" {
		cfg.Relay.DBPath = profile.RelayDBPath()
	}
	if err := cfg.ValidateRelay(); err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

func provideRelayLogger(p RelayParams) (*zap.Logger, error) {
	return logging.New(profile.RelayLogPath(), "relay", p.LogLevel)
}

// provideRelayStore locks the database directory so one relay owns the file.
func provideRelayStore(lc fx.Lifecycle, cfg *config.Config, logger *zap.Logger) (relayDB, error) {
	dir := filepath.Dir(cfg.Relay.DBPath)
	l, err := lock.Acquire(dir)
	if err != nil {
		return relayDB{}, err
	}
	db, err := openStore(cfg.Relay.DBPath, logger)
	if err != nil {
		_ = l.Release()
		return relayDB{}, err
	}
	lc.Append(fx.Hook{
		OnStop: func(_ context.Context) error {
			err := db.Close()
			if relErr := l.Release(); relErr != nil {
				logger.Warn("error releasing lock", zap.Error(relErr))
			}
			return err
		},
	})
	return relayDB{db}, nil
}

func provideRelayLink(lc fx.Lifecycle, p RelayParams, cfg *config.Config, logger *zap.Logger) (transport.Link, error) {
	if p.Link != nil {
		return p.Link, nil
	}
	return connectNATS(lc, cfg, "chatrelayd", logger)
}

func provideRelayServer(db relayDB, link transport.Link, cfg *config.Config, logger *zap.Logger) *relay.Server {
	backend := relay.New(db.DB, link, logger)
	return relay.NewServer(backend, link, cfg.Relay.RequestTimeout.Duration, logger)
}

func registerRelayLifecycle(lc fx.Lifecycle, srv *relay.Server, cfg *config.Config, logger *zap.Logger) {
	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			if err := srv.Start(); err != nil {
				return err
			}
			logger.Info("relay started", zap.String("db", cfg.Relay.DBPath))
			return nil
		},
		OnStop: func(_ context.Context) error {
			err := srv.Stop()
			logger.Info("relay stopped")
			_ = logger.Sync()
			return err
		},
	})
}

// openStore opens and migrates a database.
func openStore(path string, logger *zap.Logger) (*store.DB, error) {
	db, err := store.Open(path)
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
	logger.Info("store initialized", zap.String("path", path))
	return db, nil
}

func connectNATS(lc fx.Lifecycle, cfg *config.Config, name string, logger *zap.Logger) (transport.Link, error) {
	t, err := natstransport.Connect(natstransport.Config{URL: cfg.NATS.URL, Name: name}, logger.Named("nats"))
	if err != nil {
		return nil, fmt.Errorf("connect nats %s: %w", cfg.NATS.URL, err)
	}
	logger.Info("nats connected", zap.String("url", cfg.NATS.URL))
	lc.Append(fx.Hook{
		OnStop: func(_ context.Context) error {
			return t.Close()
		},
	})
	return t, nil
}

// MigrateTo moves the database at dbPath to an explicit schema version. It
// takes the lock in dir, so it refuses a database a running process holds.
func MigrateTo(dir, dbPath string, version uint) (*store.MigrateResult, error) {
	l, err := lock.Acquire(dir)
	if err != nil {
		return nil, err
	}
	defer func() { _ = l.Release() }()

	db, err := store.Open(dbPath)
	if err != nil {
		return nil, err
	}
	defer func() { _ = db.Close() }()
	return db.MigrateTo(version)
}
