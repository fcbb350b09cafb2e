package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"go.uber.org/fx"

	"github.com/matheus3301/chatsync/internal/config"
	"github.com/matheus3301/chatsync/internal/daemon"
	"github.com/matheus3301/chatsync/internal/logging"
	"github.com/matheus3301/chatsync/internal/profile"
)

type options struct {
	configPath    string
	dbPath        string
	logLevel      string
	schemaVersion uint
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	opts := &options{}
	cmd := &cobra.Command{
		Use:           "chatrelayd",
		Short:         "Shared message store serving every chatsyncd over NATS",
		SilenceUsage:  true,
		SilenceErrors: true,
		Args:          cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if cmd.Flags().Changed("schema-version") {
				return migrateTo(opts, opts.schemaVersion)
			}
			level, err := logging.ParseLevel(opts.logLevel)
			if err != nil {
				return err
			}
			app := fx.New(
				daemon.RelayModule(daemon.RelayParams{
					ConfigPath: opts.configPath,
					DBPath:     opts.dbPath,
					LogLevel:   level,
				}),
				fx.NopLogger,
			)
			if err := app.Err(); err != nil {
				return err
			}
			app.Run()
			return nil
		},
	}
	cmd.Flags().StringVar(&opts.configPath, "config", "", "config file (default ~/.chatsync/config.toml)")
	cmd.Flags().StringVar(&opts.dbPath, "db", "", "relay database (overrides config relay.db_path)")
	cmd.Flags().StringVar(&opts.logLevel, "log-level", "info", "log level (debug|info|warn|error)")
	cmd.Flags().UintVar(&opts.schemaVersion, "schema-version", 0, "migrate the relay database to this version and exit")
	return cmd
}

// dbPath resolves the relay database the same way the running relay does.
func dbPath(opts *options) (string, error) {
	if opts.dbPath != "" {
		return opts.dbPath, nil
	}
	path := opts.configPath
	if path == "" {
		path = profile.ConfigPath()
	}
	cfg, err := config.LoadOrDefault(path)
	if err != nil {
		return "", fmt.Errorf("load config %s: %w", path, err)
	}
	if cfg.Relay.DBPath != "" {
		return cfg.Relay.DBPath, nil
	}
	return profile.RelayDBPath(), nil
}

func migrateTo(opts *options, version uint) error {
	path, err := dbPath(opts)
	if err != nil {
		return err
	}
	result, err := daemon.MigrateTo(filepath.Dir(path), path, version)
	if err != nil {
		return err
	}
	if result.Changed {
		fmt.Printf("relay store %s migrated to schema version %d\n", path, result.Version)
	} else {
		fmt.Printf("relay store %s already at schema version %d\n", path, result.Version)
	}
	return nil
}
