package cli

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/garyjia/quote-approval/internal/application/service"
)

// StatusOptions holds flags for the status command.
type StatusOptions struct {
	*RootOptions
	Verify bool
}

// NewStatusCommand creates the status command.
func NewStatusCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &StatusOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "status <quote-id>",
		Short: "Show the approval status of a quote",
		Long: `Show the authoritative approval record of a quote, its channel sync state
and the actions the --actor may take.

Examples:
  approvalctl status Q-1001
  approvalctl status Q-1001 --actor bob --verify
  approvalctl status Q-1001 --format json`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStatus(opts, cmd, args[0])
		},
	}

	cmd.Flags().BoolVar(&opts.Verify, "verify", false, "replay the history and compare it with the record")

	return cmd
}

func runStatus(opts *StatusOptions, cmd *cobra.Command, quoteID string) error {
	view, err := opts.Client().Status(cmd.Context(), quoteID, opts.Verify)
	if err != nil {
		return requestError("failed to get status", err)
	}

	p := opts.printer(cmd)
	if done, err := p.JSON(view); done {
		return err
	}
	return printStatus(p, view)
}

func printStatus(p printer, view *service.StatusView) error {
	rec := view.Record
	actions := make([]string, 0, len(view.Permissions))
	for _, a := range view.Permissions {
		actions = append(actions, string(a))
	}

	rows := [][]string{
		{"Quote:", rec.QuoteID},
		{"Status:", string(rec.Status)},
		{"Approver:", orDash(rec.Approver())},
		{"Submitted by:", orDash(rec.SubmittedBy)},
		{"Cycle:", strconv.Itoa(rec.CycleCount)},
		{"Version:", strconv.FormatInt(rec.Version, 10)},
		{"Sync:", string(view.SyncState)},
		{"Actions:", orDash(strings.Join(actions, ", "))},
	}
	if rec.PendingInputDeadline != nil {
		rows = append(rows, []string{"Input due:", rec.PendingInputDeadline.Format("2006-01-02 15:04 MST")})
	}
	if err := p.Table(rows); err != nil {
		return err
	}

	fmt.Fprintln(p.w)
	channels := [][]string{{"CHANNEL", "SYNC", "ACKNOWLEDGED", "REFERENCE", "ATTEMPTS", "ERROR"}}
	for _, ch := range view.Channels {
		channels = append(channels, []string{
			string(ch.Channel),
			string(ch.SyncState),
			string(ch.LastSyncedStatus),
			orDash(ch.ExternalReferenceID),
			strconv.Itoa(ch.AttemptCount),
			orDash(ch.LastError),
		})
	}
	if err := p.Table(channels); err != nil {
		return err
	}

	for _, d := range view.Discrepancies {
		fmt.Fprintf(p.w, "! %s shows %s, record is %s (%s)\n", d.Channel, d.Acknowledged, d.Internal, d.SyncState)
	}

	if v := view.Verification; v != nil {
		if v.Consistent {
			fmt.Fprintf(p.w, "History replay: consistent (%s)\n", v.ReplayedStatus)
		} else {
			fmt.Fprintf(p.w, "History replay: INCONSISTENT record=%s replayed=%s %s\n",
				v.RecordStatus, orDash(string(v.ReplayedStatus)), v.Error)
		}
	}
	return nil
}
