package cli

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/zhouzirui/pairchat/internal/client"
	"github.com/zhouzirui/pairchat/internal/model/pairing"
)

// NewStatusCommand creates the status command.
func NewStatusCommand(rootOpts *RootOptions) *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "status <token-id>",
		Short: "Show whether a token is still open",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := pairing.ParseTokenID(args[0])
			if err != nil {
				return err
			}
			st, err := client.New(rootOpts.Relay, nil).Status(cmd.Context(), id)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if asJSON {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(st)
			}
			fmt.Fprintf(out, "%s %s (expires %s)\n", st.ID, st.State, formatTime(st.ExpiresAt))
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the raw status")
	return cmd
}
