package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/zhouzirui/pairchat/internal/client"
	"github.com/zhouzirui/pairchat/internal/model/pairing"
	"github.com/zhouzirui/pairchat/internal/service/session"
	"github.com/zhouzirui/pairchat/internal/service/token"
)

// OfferOptions holds flags for the offer command.
type OfferOptions struct {
	*RootOptions
	Validity time.Duration
	QROut    string
	QRSize   int
	NoQR     bool
}

// NewOfferCommand creates the offer command.
func NewOfferCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &OfferOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "offer",
		Short: "Issue a pairing token and wait for someone to scan it",
		Long: `Issue a one-time pairing token on the relay, show it as a QR code and
wait until a peer joins. The token can be claimed exactly once.

Example:
  pairchat offer --validity 90s
  pairchat offer --qr-out pair.png`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runOffer(cmd, opts)
		},
	}

	cmd.Flags().DurationVar(&opts.Validity, "validity", 0, "token validity (relay default when zero)")
	cmd.Flags().StringVar(&opts.QROut, "qr-out", "", "write the QR code to this PNG file instead of the terminal")
	cmd.Flags().IntVar(&opts.QRSize, "qr-size", token.DefaultQRSize, "PNG edge length in pixels")
	cmd.Flags().BoolVar(&opts.NoQR, "no-qr", false, "only print the token text")

	return cmd
}

func runOffer(cmd *cobra.Command, opts *OfferOptions) error {
	ctx := cmd.Context()
	out := cmd.OutOrStdout()
	api := client.New(opts.Relay, nil)

	issued, err := api.IssueToken(ctx, pairing.IssueRequest{ValiditySeconds: int(opts.Validity / time.Second)})
	if err != nil {
		return err
	}
	tok, err := token.DecodeText(issued.Token, time.Now())
	if err != nil {
		return fmt.Errorf("relay returned an unusable token: %w", err)
	}

	fmt.Fprintf(out, "token: %s\n", issued.Token)
	switch {
	case opts.NoQR:
	case opts.QROut != "":
		if err := token.WriteQRCode(tok, opts.QRSize, opts.QROut); err != nil {
			return err
		}
		fmt.Fprintf(out, "qr code written to %s\n", opts.QROut)
	default:
		block, err := token.QRCodeTerminal(tok)
		if err != nil {
			return err
		}
		fmt.Fprint(out, block)
	}
	fmt.Fprintf(out, "waiting for a peer until %s\n", formatTime(tok.ExpiresAt))

	mgr := session.NewManager(opts.session, opts.dialer, nil, opts.logger)
	defer mgr.Shutdown()

	s, err := mgr.Offer(ctx, tok, issued.Issuer)
	if err != nil {
		return err
	}
	if err := s.WaitActive(ctx); err != nil {
		revokeCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		if revokeErr := api.Revoke(revokeCtx, tok.ID, issued.Issuer); revokeErr != nil {
			opts.logger.Debug().Err(revokeErr).Msg("revoke after failed offer")
		}
		return err
	}
	return runChat(ctx, s, cmd.InOrStdin(), out)
}
