package cli

import (
	"fmt"
	"os"
	"strconv"

	"github.com/spf13/cobra"
)

// HistoryOptions holds flags for the history command.
type HistoryOptions struct {
	*RootOptions
	XLSX string // write the spreadsheet export here instead of printing
}

// NewHistoryCommand creates the history command.
func NewHistoryCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &HistoryOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "history <quote-id>",
		Short: "List the operations recorded for a quote",
		Long: `List every operation recorded for a quote in commit order.

Examples:
  approvalctl history Q-1001
  approvalctl history Q-1001 --xlsx Q-1001-history.xlsx`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runHistory(opts, cmd, args[0])
		},
	}

	cmd.Flags().StringVar(&opts.XLSX, "xlsx", "", "save the history as a spreadsheet at this path")

	return cmd
}

func runHistory(opts *HistoryOptions, cmd *cobra.Command, quoteID string) error {
	if opts.XLSX != "" {
		return saveHistory(opts, cmd, quoteID)
	}

	ops, err := opts.Client().History(cmd.Context(), quoteID)
	if err != nil {
		return requestError("failed to get history", err)
	}

	p := opts.printer(cmd)
	if done, err := p.JSON(ops); done {
		return err
	}
	if len(ops) == 0 {
		fmt.Fprintf(p.w, "No operations recorded for quote: %s\n", quoteID)
		return nil
	}

	rows := [][]string{{"SEQ", "TIME", "CYCLE", "ACTION", "ACTOR", "CHANNEL", "FROM", "TO", "COMMENTS"}}
	for _, op := range ops {
		rows = append(rows, []string{
			strconv.FormatInt(op.Sequence, 10),
			op.CreatedAt.Format("2006-01-02 15:04:05"),
			strconv.Itoa(op.CycleCount),
			string(op.Action),
			orDash(deref(op.ActorID)),
			string(op.Channel),
			string(op.PreviousStatus),
			string(op.ResultingStatus),
			op.Comments,
		})
	}
	return p.Table(rows)
}

func saveHistory(opts *HistoryOptions, cmd *cobra.Command, quoteID string) error {
	f, err := os.Create(opts.XLSX)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to create output file", err)
	}

	if err := opts.Client().HistoryXLSX(cmd.Context(), quoteID, f); err != nil {
		_ = f.Close()
		_ = os.Remove(opts.XLSX)
		return requestError("failed to export history", err)
	}
	if err := f.Close(); err != nil {
		return WrapExitError(ExitCommandError, "failed to write output file", err)
	}

	fmt.Fprintf(cmd.OutOrStdout(), "History of %s written to %s\n", quoteID, opts.XLSX)
	return nil
}
