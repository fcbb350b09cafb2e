package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/fx"

	"github.com/matheus3301/chatsync/internal/daemon"
	"github.com/matheus3301/chatsync/internal/logging"
	"github.com/matheus3301/chatsync/internal/profile"
)

type options struct {
	profile       string
	configPath    string
	selfID        string
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
		Use:           "chatsyncd",
		Short:         "Conversation sync daemon for one profile",
		SilenceUsage:  true,
		SilenceErrors: true,
		Args:          cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			name, err := profile.Select(opts.profile)
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("schema-version") {
				return migrateTo(name, opts.schemaVersion)
			}
			level, err := logging.ParseLevel(opts.logLevel)
			if err != nil {
				return err
			}
			app := fx.New(
				daemon.Module(daemon.Params{
					Profile:    name,
					ConfigPath: opts.configPath,
					SelfID:     opts.selfID,
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
	cmd.Flags().StringVar(&opts.profile, "profile", "", "profile name (overrides config default)")
	cmd.Flags().StringVar(&opts.configPath, "config", "", "config file (default ~/.chatsync/config.toml)")
	cmd.Flags().StringVar(&opts.selfID, "self", "", "local user id (overrides config self_id)")
	cmd.Flags().StringVar(&opts.logLevel, "log-level", "info", "log level (debug|info|warn|error)")
	cmd.Flags().UintVar(&opts.schemaVersion, "schema-version", 0, "migrate the profile database to this version and exit")
	return cmd
}

// migrateTo moves the profile database to an explicit schema version. It
// refuses to touch a database a running daemon holds.
func migrateTo(name string, version uint) error {
	if err := profile.EnsureDir(name); err != nil {
		return err
	}
	result, err := daemon.MigrateTo(profile.Dir(name), profile.DBPath(name), version)
	if err != nil {
		return err
	}
	if result.Changed {
		fmt.Printf("profile %s migrated to schema version %d\n", name, result.Version)
	} else {
		fmt.Printf("profile %s already at schema version %d\n", name, result.Version)
	}
	return nil
}
