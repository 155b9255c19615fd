package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"slices"
	"strconv"
	"strings"

	"github.com/matheus3301/imclient/internal/api"
	"github.com/matheus3301/imclient/internal/lock"
	"github.com/matheus3301/imclient/internal/session"
	"github.com/spf13/cobra"
)

// NewStatusCommand creates the status command.
func NewStatusCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show connection, conversation and identity state",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return opts.withClient(cmd, func(ctx context.Context, c *api.Client) error {
				st, err := c.Status(ctx)
				if err != nil {
					return rpcError("status", err)
				}
				return opts.formatter(cmd).Print(st, func(w io.Writer) error {
					return writeFields(w, st)
				})
			})
		},
	}
}

// NewConnectCommand creates the connect command.
func NewConnectCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "connect",
		Short: "Open the real-time connection",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return opts.withClient(cmd, func(ctx context.Context, c *api.Client) error {
				out, err := c.Connect(ctx)
				if err != nil {
					return rpcError("connect", err)
				}
				return printState(opts, cmd, out)
			})
		},
	}
}

// NewDisconnectCommand creates the disconnect command.
func NewDisconnectCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "disconnect",
		Short: "Close the real-time connection and stop reconnecting",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return opts.withClient(cmd, func(ctx context.Context, c *api.Client) error {
				out, err := c.Disconnect(ctx)
				if err != nil {
					return rpcError("disconnect", err)
				}
				return printState(opts, cmd, out)
			})
		},
	}
}

func printState(opts *RootOptions, cmd *cobra.Command, out map[string]any) error {
	return opts.formatter(cmd).Print(out, func(w io.Writer) error {
		_, err := fmt.Fprintf(w, "State: %s\n", formatValue(out["state"]))
		return err
	})
}

// LoginOptions holds flags for the login command.
type LoginOptions struct {
	*RootOptions
	Token    string
	UserID   int64
	Nickname string
}

// NewLoginCommand creates the login command.
func NewLoginCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &LoginOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "login",
		Short: "Store the session token and identity",
		Long: `Store the session token the daemon presents to the chat server.

The user id and nickname are optional; the server reports the user id on
connect, and the nickname names your own messages.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if strings.TrimSpace(opts.Token) == "" {
				return NewExitError(ExitCommandError, "--token is required")
			}
			return opts.withClient(cmd, func(ctx context.Context, c *api.Client) error {
				if err := c.SetCredential(ctx, opts.Token, opts.UserID, opts.Nickname); err != nil {
					return rpcError("login", err)
				}
				return printDone(opts.RootOptions, cmd, "Credential saved.")
			})
		},
	}

	cmd.Flags().StringVar(&opts.Token, "token", "", "session token")
	cmd.Flags().Int64Var(&opts.UserID, "user-id", 0, "your user id")
	cmd.Flags().StringVar(&opts.Nickname, "nickname", "", "your profile nickname")

	return cmd
}

// NewLogoutCommand creates the logout command.
func NewLogoutCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Disconnect and forget the stored credential",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return opts.withClient(cmd, func(ctx context.Context, c *api.Client) error {
				if err := c.Logout(ctx); err != nil {
					return rpcError("logout", err)
				}
				return printDone(opts, cmd, "Signed out.")
			})
		},
	}
}

// NewOpenCommand creates the open command.
func NewOpenCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "open <convId>",
		Short: "Open a conversation and load its newest history page",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			convID, err := parseID("convId", args[0])
			if err != nil {
				return err
			}
			return opts.withClient(cmd, func(ctx context.Context, c *api.Client) error {
				out, err := c.OpenConversation(ctx, convID)
				if err != nil {
					return rpcError("open", err)
				}
				return opts.formatter(cmd).Print(out, func(w io.Writer) error {
					_, err := fmt.Fprintf(w, "Opened conversation %s: %s messages loaded, more: %s\n",
						formatValue(out["conv_id"]), formatValue(out["count"]), formatValue(out["has_more"]))
					return err
				})
			})
		},
	}
}

// MessagesOptions holds flags for the messages command.
type MessagesOptions struct {
	*RootOptions
	Limit int
}

// NewMessagesCommand creates the messages command.
func NewMessagesCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &MessagesOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "messages",
		Short: "List messages of the open conversation",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if opts.Limit < 0 {
				return NewExitError(ExitCommandError, "--limit must not be negative")
			}
			return opts.withClient(cmd, func(ctx context.Context, c *api.Client) error {
				out, err := c.ListMessages(ctx, opts.Limit)
				if err != nil {
					return rpcError("messages", err)
				}
				return opts.formatter(cmd).Print(out, func(w io.Writer) error {
					list, _ := out["messages"].([]any)
					return writeMessages(w, list)
				})
			})
		},
	}

	cmd.Flags().IntVarP(&opts.Limit, "limit", "n", 0, "show only the newest N messages (0 = all)")

	return cmd
}

// NewOlderCommand creates the older command.
func NewOlderCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "older",
		Short: "Load the next older history page",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return opts.withClient(cmd, func(ctx context.Context, c *api.Client) error {
				out, err := c.LoadOlder(ctx)
				if err != nil {
					return rpcError("older", err)
				}
				return opts.formatter(cmd).Print(out, func(w io.Writer) error {
					_, err := fmt.Fprintf(w, "Loaded %s older messages, more: %s\n",
						formatValue(out["added"]), formatValue(out["has_more"]))
					return err
				})
			})
		},
	}
}

// SendOptions holds flags for the send command.
type SendOptions struct {
	*RootOptions
	ReplyTo int64
	At      []int64
}

// NewSendCommand creates the send command.
func NewSendCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &SendOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "send <convId> <text...>",
		Short: "Send a text message to the open conversation",
		Example: `  imctl send 42 see you at noon
  imctl send 42 --reply-to 1001 --at 7,8 agreed`,
		Args: cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			convID, err := parseID("convId", args[0])
			if err != nil {
				return err
			}
			if opts.ReplyTo < 0 {
				return NewExitError(ExitCommandError, "--reply-to must be a message id")
			}
			for _, id := range opts.At {
				if id <= 0 {
					return NewExitError(ExitCommandError, fmt.Sprintf("--at must list user ids, got %d", id))
				}
			}
			text := strings.Join(args[1:], " ")
			send := api.SendOptions{ReplyToMessageID: opts.ReplyTo, AtUserIDs: opts.At}
			return opts.withClient(cmd, func(ctx context.Context, c *api.Client) error {
				out, err := c.SendText(ctx, convID, text, send)
				if err != nil {
					return rpcError("send", err)
				}
				return opts.formatter(cmd).Print(out, func(w io.Writer) error {
					_, err := fmt.Fprintf(w, "Sent (local id %s)\n", formatValue(out["local_id"]))
					return err
				})
			})
		},
	}

	cmd.Flags().Int64Var(&opts.ReplyTo, "reply-to", 0, "quote this message id")
	cmd.Flags().Int64SliceVar(&opts.At, "at", nil, "mention these user ids (comma separated)")

	return cmd
}

// NewReadCommand creates the read command.
func NewReadCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "read <messageId>",
		Short: "Mark a message of the open conversation read",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID("messageId", args[0])
			if err != nil {
				return err
			}
			return opts.withClient(cmd, func(ctx context.Context, c *api.Client) error {
				if err := c.MarkRead(ctx, id); err != nil {
					return rpcError("read", err)
				}
				return printDone(opts, cmd, "Marked read.")
			})
		},
	}
}

// NewRecallCommand creates the recall command.
func NewRecallCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "recall <messageId>",
		Short: "Recall one of your messages",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID("messageId", args[0])
			if err != nil {
				return err
			}
			return opts.withClient(cmd, func(ctx context.Context, c *api.Client) error {
				if err := c.Recall(ctx, id); err != nil {
					return rpcError("recall", err)
				}
				return printDone(opts, cmd, "Recall requested.")
			})
		},
	}
}

// WatchOptions holds flags for the watch command.
type WatchOptions struct {
	*RootOptions
	Prefix string
}

// NewWatchCommand creates the watch command.
func NewWatchCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &WatchOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Stream daemon events until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			// A stream has no deadline of its own.
			opts.Timeout = 0
			return opts.withClient(cmd, func(ctx context.Context, c *api.Client) error {
				stream, err := c.WatchEvents(ctx, opts.Prefix)
				if err != nil {
					return rpcError("watch", err)
				}
				f := opts.formatter(cmd)
				for {
					env, err := stream.Recv()
					if errors.Is(err, io.EOF) || errors.Is(ctx.Err(), context.Canceled) {
						return nil
					}
					if err != nil {
						return rpcError("watch", err)
					}
					evt := env.AsMap()
					if err := f.Print(evt, func(w io.Writer) error {
						return writeEvent(w, evt)
					}); err != nil {
						return err
					}
				}
			})
		},
	}

	cmd.Flags().StringVar(&opts.Prefix, "prefix", "", "only events whose kind starts with prefix (e.g. message.)")

	return cmd
}

func writeEvent(w io.Writer, evt map[string]any) error {
	var parts []string
	if payload, ok := evt["payload"].(map[string]any); ok {
		keys := make([]string, 0, len(payload))
		for k := range payload {
			keys = append(keys, k)
		}
		slices.Sort(keys)
		for _, k := range keys {
			parts = append(parts, k+"="+formatValue(payload[k]))
		}
	}
	_, err := fmt.Fprintf(w, "%s %s\n", formatValue(evt["kind"]), strings.Join(parts, " "))
	return err
}

// NewSessionsCommand creates the sessions command. It reads the local session
// directories and needs no daemon.
func NewSessionsCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "sessions",
		Short: "List local sessions and whether their daemon runs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			names, err := session.List()
			if err != nil {
				return WrapExitError(ExitCommandError, "list sessions", err)
			}
			type row struct {
				Name    string `json:"name" yaml:"name"`
				Path    string `json:"path" yaml:"path"`
				Running bool   `json:"running" yaml:"running"`
				PID     int    `json:"pid,omitempty" yaml:"pid,omitempty"`
			}
			rows := make([]row, 0, len(names))
			for _, name := range names {
				r := row{Name: name, Path: session.Dir(name)}
				lk, err := lock.Acquire(session.Dir(name))
				var held *lock.LockHeldError
				switch {
				case errors.As(err, &held):
					r.Running, r.PID = true, held.PID
				case err == nil:
					_ = lk.Release()
				}
				rows = append(rows, r)
			}
			return opts.formatter(cmd).Print(rows, func(w io.Writer) error {
				if len(rows) == 0 {
					_, err := fmt.Fprintln(w, "No sessions found.")
					return err
				}
				for _, r := range rows {
					state := "stopped"
					if r.Running {
						state = fmt.Sprintf("running, pid %d", r.PID)
					}
					if _, err := fmt.Fprintf(w, "%-20s %s (%s)\n", r.Name, r.Path, state); err != nil {
						return err
					}
				}
				return nil
			})
		},
	}
}

func printDone(opts *RootOptions, cmd *cobra.Command, msg string) error {
	out := map[string]any{"ok": true}
	return opts.formatter(cmd).Print(out, func(w io.Writer) error {
		_, err := fmt.Fprintln(w, msg)
		return err
	})
}

func parseID(name, arg string) (int64, error) {
	id, err := strconv.ParseInt(arg, 10, 64)
	if err != nil || id <= 0 {
		return 0, NewExitError(ExitCommandError, fmt.Sprintf("%s must be a positive integer, got %q", name, arg))
	}
	return id, nil
}
