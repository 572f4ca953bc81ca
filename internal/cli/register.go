package cli

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"
)

// RegisterOptions holds flags for the register command.
type RegisterOptions struct {
	*RootOptions
	Owner string
}

// NewRegisterCommand creates the register command.
func NewRegisterCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &RegisterOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "register <quote-id>",
		Short: "Create the draft approval record of a quote",
		Long: `Create the draft approval record of a newly created quote. Registering a
quote that already has a record returns the existing record.

Examples:
  approvalctl register Q-1001 --owner alice`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRegister(opts, cmd, args[0])
		},
	}

	cmd.Flags().StringVar(&opts.Owner, "owner", "", "owner of the quote (required)")
	_ = cmd.MarkFlagRequired("owner")

	return cmd
}

func runRegister(opts *RegisterOptions, cmd *cobra.Command, quoteID string) error {
	rec, err := opts.Client().Register(cmd.Context(), quoteID, opts.Owner)
	if err != nil {
		return requestError("register failed", err)
	}

	p := opts.printer(cmd)
	if done, err := p.JSON(rec); done {
		return err
	}
	return p.Table([][]string{
		{"Quote:", rec.QuoteID},
		{"Status:", string(rec.Status)},
		{"Owner:", rec.SubmittedBy},
		{"Version:", strconv.FormatInt(rec.Version, 10)},
		{"Channels:", fmt.Sprint(rec.Channels())},
	})
}
