package cli

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/zhouzirui/pairchat/internal/client"
	"github.com/zhouzirui/pairchat/internal/service/session"
	"github.com/zhouzirui/pairchat/internal/service/token"
)

// NewJoinCommand creates the join command.
func NewJoinCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "join <token>",
		Short: "Join a pairing with the scanned token text",
		Long: `Claim a scanned pairing token and connect to the peer that offered it.
The token is claimed on the relay it names unless --relay is given.

Example:
  pairchat join AQGq0x...`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runJoin(cmd, rootOpts, strings.TrimSpace(args[0]))
		},
	}
	return cmd
}

func runJoin(cmd *cobra.Command, opts *RootOptions, text string) error {
	ctx := cmd.Context()
	tok, err := token.DecodeText(text, time.Now())
	if err != nil {
		return err
	}

	relay := tok.IssuerEndpoint
	if cmd.Flags().Changed("relay") {
		relay = opts.Relay
	}
	api := client.New(relay, nil)

	mgr := session.NewManager(opts.session, opts.dialer, api, opts.logger)
	defer mgr.Shutdown()

	s, err := mgr.Join(ctx, tok)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "joined %s, connecting...\n", s.ID()[:8])
	if err := s.WaitActive(ctx); err != nil {
		return err
	}
	return runChat(ctx, s, cmd.InOrStdin(), cmd.OutOrStdout())
}
