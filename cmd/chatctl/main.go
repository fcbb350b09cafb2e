package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/matheus3301/chatsync/internal/gateway"
	"github.com/matheus3301/chatsync/internal/lock"
	"github.com/matheus3301/chatsync/internal/profile"
)

const dialTimeout = 5 * time.Second

// rootOptions holds global flags for all commands.
type rootOptions struct {
	profile string
	json    bool
	timeout time.Duration
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{}
	cmd := &cobra.Command{
		Use:           "chatctl",
		Short:         "Inspect and drive a running chatsyncd",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVar(&opts.profile, "profile", "", "profile name (overrides config default)")
	cmd.PersistentFlags().BoolVar(&opts.json, "json", false, "output in JSON format")
	cmd.PersistentFlags().DurationVar(&opts.timeout, "timeout", 10*time.Second, "command timeout")

	cmd.AddCommand(
		newConversationsCommand(opts),
		newCreateCommand(opts),
		newJoinCommand(opts, true),
		newJoinCommand(opts, false),
		newTailCommand(opts),
		newWatchCommand(opts),
		newSendCommand(opts),
		newEditCommand(opts),
		newDeleteCommand(opts),
		newHistoryCommand(opts),
		newTypingCommand(opts),
		newReadCommand(opts),
	)
	return cmd
}

// connect dials the daemon of the selected profile.
func connect(opts *rootOptions) (*gateway.Client, error) {
	name, err := profile.Select(opts.profile)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(context.Background(), dialTimeout)
	defer cancel()
	c, err := gateway.Dial(ctx, profile.SocketPath(name))
	if err != nil {
		if lock.Holder(profile.Dir(name)) == 0 {
			return nil, fmt.Errorf("daemon not running for profile %q (start chatsyncd --profile %s)", name, name)
		}
		return nil, fmt.Errorf("cannot connect to daemon for profile %q: %w", name, err)
	}
	return c, nil
}

// connectRPC returns a gRPC client for the daemon of the selected profile.
func connectRPC(opts *rootOptions) (*gateway.RPCClient, error) {
	name, err := profile.Select(opts.profile)
	if err != nil {
		return nil, err
	}
	if lock.Holder(profile.Dir(name)) == 0 {
		return nil, fmt.Errorf("daemon not running for profile %q (start chatsyncd --profile %s)", name, name)
	}
	return gateway.DialRPC(profile.RPCSocketPath(name))
}

func outputJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		fmt.Fprintf(os.Stderr, "json encode error: %v\n", err)
	}
}
