// Package cli implements the pairchat command line client.
package cli

import (
	"fmt"
	"io"
	"os"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/zhouzirui/pairchat/internal/config"
	"github.com/zhouzirui/pairchat/internal/observability"
	"github.com/zhouzirui/pairchat/internal/service/session"
	"github.com/zhouzirui/pairchat/internal/transport"
	"github.com/zhouzirui/pairchat/internal/transport/ws"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	Relay     string
	Verbose   bool
	LogFormat string

	logger  zerolog.Logger
	session session.Config
	dialer  transport.Dialer
}

// NewRootCommand creates the root command for the pairchat CLI.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:   "pairchat",
		Short: "Anonymous chat paired by scanning a QR code",
		Long: `pairchat opens a short-lived anonymous conversation between two devices.

One side offers a pairing token and shows it as a QR code, the other side
joins with the scanned token text. Nothing is stored once the session ends.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return opts.setup(cmd.ErrOrStderr())
		},
	}

	relay := os.Getenv("PAIRCHAT_RELAY")
	if relay == "" {
		relay = "http://localhost:8080"
	}
	cmd.PersistentFlags().StringVar(&opts.Relay, "relay", relay, "relay base url")
	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "verbose output")
	cmd.PersistentFlags().StringVar(&opts.LogFormat, "log-format", "console", "log format (console|json)")

	cmd.AddCommand(NewOfferCommand(opts))
	cmd.AddCommand(NewJoinCommand(opts))
	cmd.AddCommand(NewStatusCommand(opts))

	return cmd
}

func (o *RootOptions) setup(stderr io.Writer) error {
	if o.LogFormat != "console" && o.LogFormat != "json" {
		return fmt.Errorf("invalid log format %q: must be console or json", o.LogFormat)
	}
	level := "warn"
	if o.Verbose {
		level = "debug"
	}
	o.logger = observability.NewLogger(stderr, "pairchat", level, o.LogFormat)

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	o.session = cfg.Session.SessionOptions()

	o.dialer = ws.NewDialer(ws.DefaultOptions(), o.logger)
	return nil
}
