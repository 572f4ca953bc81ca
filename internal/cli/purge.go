package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

// PurgeOptions holds flags for the purge command.
type PurgeOptions struct {
	*RootOptions
	Yes bool
}

// NewPurgeCommand creates the purge command.
func NewPurgeCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &PurgeOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "purge <quote-id>",
		Short: "Delete the approval record and history of a deleted quote",
		Long: `Delete every trace of a quote: its approval record, channel bindings,
history and idempotency keys. This cannot be undone.

Examples:
  approvalctl purge Q-1001 --yes`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if !opts.Yes {
				return WrapExitError(ExitCommandError, "refusing to purge without --yes", nil)
			}
			if err := opts.Client().Purge(cmd.Context(), args[0]); err != nil {
				return requestError("purge failed", err)
			}
			p := opts.printer(cmd)
			if done, err := p.JSON(map[string]interface{}{"quote_id": args[0], "purged": true}); done {
				return err
			}
			fmt.Fprintf(p.w, "Purged %s\n", args[0])
			return nil
		},
	}

	cmd.Flags().BoolVar(&opts.Yes, "yes", false, "confirm the purge")

	return cmd
}
