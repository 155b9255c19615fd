// Package cli implements imctl, the control CLI for a running imclientd.
package cli

import (
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/matheus3301/imclient/internal/api"
	"github.com/matheus3301/imclient/internal/session"
	"github.com/spf13/cobra"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	Session string
	Format  string // "text" | "json" | "yaml"
	Timeout time.Duration

	// Dial opens the daemon client for a socket path. Tests replace it.
	Dial func(socketPath string) (*api.Client, error)
}

// ValidFormats defines the allowed output formats.
var ValidFormats = []string{"text", "json", "yaml"}

// NewRootCommand creates the root command for imctl.
func NewRootCommand() *cobra.Command {
	return newRootCommand(&RootOptions{Dial: api.Dial})
}

func newRootCommand(opts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "imctl",
		Short: "Control a running imclientd session",
		Long: `imctl talks to the imclientd daemon of a session over its local socket.

It opens conversations, sends messages and shows the connection and
message state the daemon holds.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !slices.Contains(ValidFormats, opts.Format) {
				return NewExitError(ExitCommandError, fmt.Sprintf("invalid format %q: must be one of %v", opts.Format, ValidFormats))
			}
			return nil
		},
	}

	cmd.PersistentFlags().StringVar(&opts.Session, "session", "", "session name (overrides config default)")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (text|json|yaml)")
	cmd.PersistentFlags().DurationVar(&opts.Timeout, "timeout", 10*time.Second, "request timeout")

	cmd.AddCommand(NewStatusCommand(opts))
	cmd.AddCommand(NewConnectCommand(opts))
	cmd.AddCommand(NewDisconnectCommand(opts))
	cmd.AddCommand(NewLoginCommand(opts))
	cmd.AddCommand(NewLogoutCommand(opts))
	cmd.AddCommand(NewOpenCommand(opts))
	cmd.AddCommand(NewMessagesCommand(opts))
	cmd.AddCommand(NewOlderCommand(opts))
	cmd.AddCommand(NewSendCommand(opts))
	cmd.AddCommand(NewReadCommand(opts))
	cmd.AddCommand(NewRecallCommand(opts))
	cmd.AddCommand(NewWatchCommand(opts))
	cmd.AddCommand(NewSessionsCommand(opts))

	return cmd
}

// sessionName resolves and validates the target session.
func (o *RootOptions) sessionName() (string, error) {
	name := session.Resolve(o.Session)
	if err := session.ValidateName(name); err != nil {
		return "", NewExitError(ExitCommandError, err.Error())
	}
	return name, nil
}

// withClient dials the session daemon and runs fn with a request context.
func (o *RootOptions) withClient(cmd *cobra.Command, fn func(ctx context.Context, c *api.Client) error) error {
	name, err := o.sessionName()
	if err != nil {
		return err
	}
	c, err := o.Dial(session.SocketPath(name))
	if err != nil {
		return WrapExitError(ExitCommandError, fmt.Sprintf("cannot connect to daemon for session %q", name), err)
	}
	defer func() { _ = c.Close() }()

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	if o.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.Timeout)
		defer cancel()
	}
	return fn(ctx, c)
}

func (o *RootOptions) formatter(cmd *cobra.Command) *OutputFormatter {
	return &OutputFormatter{Format: o.Format, Writer: cmd.OutOrStdout()}
}
