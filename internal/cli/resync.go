package cli

import (
	"strconv"

	"github.com/spf13/cobra"
)

// NewResyncCommand creates the resync command.
func NewResyncCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "resync <quote-id>",
		Short: "Push a quote's current status to every channel again",
		Long: `Reset the sync state of every channel binding of a quote and push the
current status again. Use it after fixing the cause of a conflict.

Examples:
  approvalctl resync Q-1001`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runResync(rootOpts, cmd, args[0])
		},
	}
}

func runResync(opts *RootOptions, cmd *cobra.Command, quoteID string) error {
	res, err := opts.Client().Resync(cmd.Context(), quoteID)
	if err != nil {
		return requestError("resync failed", err)
	}

	p := opts.printer(cmd)
	if done, err := p.JSON(res); done {
		return err
	}
	return p.Table([][]string{
		{"Quote:", res.Record.QuoteID},
		{"Status:", string(res.Record.Status)},
		{"Version:", strconv.FormatInt(res.Record.Version, 10)},
		{"Sync:", string(res.SyncState)},
	})
}
