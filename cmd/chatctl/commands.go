package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/matheus3301/chatsync/internal/bus"
	"github.com/matheus3301/chatsync/internal/gateway"
)

// withConversation connects, opens id and runs fn with a command-scoped context.
func withConversation(opts *rootOptions, id string, fn func(ctx context.Context, c *gateway.Client, open gateway.OpenResult) error) error {
	c, err := connect(opts)
	if err != nil {
		return err
	}
	defer func() { _ = c.Close() }()
	ctx, cancel := context.WithTimeout(context.Background(), opts.timeout)
	defer cancel()
	open, err := c.Open(ctx, id)
	if err != nil {
		return err
	}
	return fn(ctx, c, open)
}

// waitEvent returns the first event of kind matching match.
func waitEvent(ctx context.Context, c *gateway.Client, kinds []string, match func(gateway.Event) bool) (gateway.Event, error) {
	for {
		select {
		case evt, ok := <-c.Events():
			if !ok {
				return gateway.Event{}, gateway.ErrClientClosed
			}
			for _, k := range kinds {
				if evt.Kind == k && match(evt) {
					return evt, nil
				}
			}
		case <-ctx.Done():
			return gateway.Event{}, ctx.Err()
		}
	}
}

func dataField(evt gateway.Event, key string) any {
	m, _ := evt.Data.(map[string]any)
	return m[key]
}

func newConversationsCommand(opts *rootOptions) *cobra.Command {
	var limit, offset int
	cmd := &cobra.Command{
		Use:   "conversations",
		Short: "List conversations, most recent first",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			c, err := connect(opts)
			if err != nil {
				return err
			}
			defer func() { _ = c.Close() }()
			ctx, cancel := context.WithTimeout(context.Background(), opts.timeout)
			defer cancel()
			convs, err := c.Conversations(ctx, limit, offset)
			if err != nil {
				return err
			}
			if opts.json {
				outputJSON(convs)
				return nil
			}
			if len(convs) == 0 {
				fmt.Println("No conversations.")
				return nil
			}
			for _, cv := range convs {
				title := cv.Title
				if title == "" {
					title = cv.ID
				}
				fmt.Printf("%-24s %3d unread  %s  %s\n", title, cv.UnreadCount, cv.LastMessageAt.Local().Format("2006-01-02 15:04"), cv.LastMessagePreview)
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum conversations")
	cmd.Flags().IntVar(&offset, "offset", 0, "conversations to skip")
	return cmd
}

func newCreateCommand(opts *rootOptions) *cobra.Command {
	var title string
	var public bool
	cmd := &cobra.Command{
		Use:   "create <conversation-id>",
		Short: "Create a conversation and join it",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			c, err := connect(opts)
			if err != nil {
				return err
			}
			defer func() { _ = c.Close() }()
			ctx, cancel := context.WithTimeout(context.Background(), opts.timeout)
			defer cancel()
			var summary gateway.ConversationSummary
			req := gateway.CreateRequest{ConversationID: args[0], Title: title, IsPublic: public}
			if err := c.Call(ctx, gateway.CmdCreate, req, &summary); err != nil {
				return err
			}
			if opts.json {
				outputJSON(summary)
				return nil
			}
			fmt.Printf("Created %s\n", summary.ID)
			return nil
		},
	}
	cmd.Flags().StringVar(&title, "title", "", "conversation title")
	cmd.Flags().BoolVar(&public, "public", false, "visible to non-members")
	return cmd
}

func newJoinCommand(opts *rootOptions, join bool) *cobra.Command {
	use, short, command := "join", "Join a conversation", gateway.CmdJoin
	if !join {
		use, short, command = "leave", "Leave a conversation", gateway.CmdLeave
	}
	return &cobra.Command{
		Use:   use + " <conversation-id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			return withConversation(opts, args[0], func(ctx context.Context, c *gateway.Client, _ gateway.OpenResult) error {
				return c.Call(ctx, command, gateway.ConversationRequest{ConversationID: args[0]}, nil)
			})
		},
	}
}

func newTailCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "tail <conversation-id>",
		Short: "Print the loaded window, then stream events until interrupted",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			c, err := connect(opts)
			if err != nil {
				return err
			}
			defer func() { _ = c.Close() }()

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
			defer stop()
			openCtx, cancel := context.WithTimeout(ctx, opts.timeout)
			open, err := c.Open(openCtx, args[0])
			cancel()
			if err != nil {
				return err
			}
			if opts.json {
				outputJSON(open)
			} else {
				printMessages(open.Messages)
				fmt.Printf("-- %s (%s, %d unread)\n", open.ConversationID, open.Status, open.Unread)
			}

			for {
				select {
				case evt, ok := <-c.Events():
					if !ok {
						return fmt.Errorf("daemon connection closed")
					}
					if opts.json {
						outputJSON(evt)
					} else {
						printEvent(evt)
					}
				case <-ctx.Done():
					return nil
				}
			}
		},
	}
}

func newWatchCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "watch <conversation-id>",
		Short: "Stream a conversation's events over gRPC until interrupted",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			rpc, err := connectRPC(opts)
			if err != nil {
				return err
			}
			defer func() { _ = rpc.Close() }()

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
			defer stop()
			w, err := rpc.Watch(ctx, args[0])
			if err != nil {
				return err
			}
			defer w.Close()

			for {
				evt, err := w.Recv()
				if err != nil {
					if ctx.Err() != nil {
						return nil
					}
					return err
				}
				switch {
				case opts.json:
					outputJSON(evt)
				case evt.Kind == gateway.EventSnapshot:
					printSnapshot(evt)
				default:
					printEvent(evt)
				}
			}
		},
	}
}

// printSnapshot prints the first event of a watch.
func printSnapshot(evt gateway.Event) {
	msgs, _ := dataField(evt, "messages").([]any)
	for _, raw := range msgs {
		m, _ := raw.(map[string]any)
		fmt.Printf("%v  %-12v %v  [%v]\n", m["createdAt"], m["senderId"], m["content"], m["status"])
	}
	fmt.Printf("-- %s (%v, %v unread)\n", evt.ConversationID, dataField(evt, "status"), dataField(evt, "unread"))
}

func newSendCommand(opts *rootOptions) *cobra.Command {
	var replyTo, media string
	cmd := &cobra.Command{
		Use:   "send <conversation-id> <text...>",
		Short: "Send a message and wait for the server acknowledgement",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(_ *cobra.Command, args []string) error {
			return withConversation(opts, args[0], func(ctx context.Context, c *gateway.Client, _ gateway.OpenResult) error {
				tempID, err := c.Send(ctx, gateway.SendRequest{
					ConversationID: args[0],
					Content:        strings.Join(args[1:], " "),
					MediaRef:       media,
					ReplyToID:      replyTo,
				})
				if err != nil {
					return err
				}
				// Closing the connection releases the conversation, so stay
				// until the send settles.
				evt, err := waitEvent(ctx, c, []string{bus.KindMessageSendAck, bus.KindMessageSendFailed}, func(e gateway.Event) bool {
					return dataField(e, "tempId") == tempID
				})
				if err != nil {
					return fmt.Errorf("waiting for ack of %s: %w", tempID, err)
				}
				if opts.json {
					outputJSON(evt)
				}
				if evt.Kind == bus.KindMessageSendFailed {
					return fmt.Errorf("send failed: %v", dataField(evt, "error"))
				}
				if !opts.json {
					fmt.Printf("Sent %v\n", dataField(evt, "id"))
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&replyTo, "reply-to", "", "id of the message being replied to")
	cmd.Flags().StringVar(&media, "media", "", "media reference")
	return cmd
}

func newEditCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "edit <conversation-id> <message-id> <text...>",
		Short: "Edit one of your messages",
		Args:  cobra.MinimumNArgs(3),
		RunE: func(_ *cobra.Command, args []string) error {
			return withConversation(opts, args[0], func(ctx context.Context, c *gateway.Client, _ gateway.OpenResult) error {
				req := gateway.EditRequest{ConversationID: args[0], ID: args[1], Content: strings.Join(args[2:], " ")}
				return c.Call(ctx, gateway.CmdEdit, req, nil)
			})
		},
	}
}

func newDeleteCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <conversation-id> <message-id>",
		Short: "Delete a message",
		Args:  cobra.ExactArgs(2),
		RunE: func(_ *cobra.Command, args []string) error {
			return withConversation(opts, args[0], func(ctx context.Context, c *gateway.Client, _ gateway.OpenResult) error {
				return c.Call(ctx, gateway.CmdDelete, gateway.DeleteRequest{ConversationID: args[0], ID: args[1]}, nil)
			})
		},
	}
}

func newHistoryCommand(opts *rootOptions) *cobra.Command {
	var pages int
	cmd := &cobra.Command{
		Use:   "history <conversation-id>",
		Short: "Print recent messages, loading older pages on request",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			return withConversation(opts, args[0], func(ctx context.Context, c *gateway.Client, open gateway.OpenResult) error {
				res := gateway.HistoryResult{Messages: open.Messages, HasMoreOlder: open.HasMoreOlder}
				for i := 0; i < pages && res.HasMoreOlder; i++ {
					var err error
					if res, err = c.Older(ctx, args[0]); err != nil {
						return err
					}
				}
				if opts.json {
					outputJSON(res)
					return nil
				}
				printMessages(res.Messages)
				if res.HasMoreOlder {
					fmt.Println("-- older messages available (--pages)")
				}
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&pages, "pages", 0, "older pages to load beyond the first")
	return cmd
}

func newTypingCommand(opts *rootOptions) *cobra.Command {
	var hold time.Duration
	cmd := &cobra.Command{
		Use:   "typing <conversation-id>",
		Short: "Show yourself typing for a while",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			return withConversation(opts, args[0], func(ctx context.Context, c *gateway.Client, _ gateway.OpenResult) error {
				if err := c.SetTyping(ctx, args[0], true); err != nil {
					return err
				}
				select {
				case <-time.After(hold):
				case <-ctx.Done():
					return ctx.Err()
				}
				return c.SetTyping(ctx, args[0], false)
			})
		},
	}
	cmd.Flags().DurationVar(&hold, "for", 3*time.Second, "how long to stay typing")
	return cmd
}

func newReadCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "read <conversation-id>",
		Short: "Mark a conversation read",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			return withConversation(opts, args[0], func(ctx context.Context, c *gateway.Client, open gateway.OpenResult) error {
				if open.Unread == 0 {
					return nil
				}
				if err := c.MarkRead(ctx, args[0]); err != nil {
					return err
				}
				// Read marks are debounced; wait for them to land.
				_, err := waitEvent(ctx, c, []string{bus.KindReceiptsUnread}, func(e gateway.Event) bool {
					return dataField(e, "unread") == float64(0)
				})
				return err
			})
		},
	}
}

func printMessages(msgs []gateway.Message) {
	for _, m := range msgs {
		id := m.ID
		if id == "" {
			id = m.TempID
		}
		content := m.Content
		if m.MediaRef != "" {
			content = strings.TrimSpace(content + " [" + m.MediaRef + "]")
		}
		edited := ""
		if m.EditedAt != nil {
			edited = " (edited)"
		}
		fmt.Printf("%s  %-12s %s%s  [%s %s]\n", m.CreatedAt.Local().Format("15:04:05"), m.SenderID, content, edited, m.Status, id)
	}
}

func printEvent(evt gateway.Event) {
	at := time.UnixMilli(evt.OccurredAtUnixMs).Local().Format("15:04:05")
	switch evt.Kind {
	case bus.KindMessageAppended, bus.KindMessageUpdated, bus.KindMessageRemoved:
		msgs, _ := dataField(evt, "messages").([]any)
		for _, raw := range msgs {
			m, _ := raw.(map[string]any)
			fmt.Printf("%s  %-24s %v: %v [%v]\n", at, evt.Kind, m["senderId"], m["content"], m["status"])
		}
	case bus.KindPresenceTyping, bus.KindPresenceViewing:
		users, _ := dataField(evt, "users").([]any)
		names := make([]string, 0, len(users))
		for _, raw := range users {
			u, _ := raw.(map[string]any)
			names = append(names, fmt.Sprint(u["userId"]))
		}
		fmt.Printf("%s  %-24s %s\n", at, evt.Kind, strings.Join(names, ", "))
	case bus.KindChannelStatus:
		fmt.Printf("%s  %-24s %v -> %v\n", at, evt.Kind, dataField(evt, "from"), dataField(evt, "to"))
	default:
		fmt.Printf("%s  %-24s %v\n", at, evt.Kind, evt.Data)
	}
}
