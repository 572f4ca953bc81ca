package cli

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/garyjia/quote-approval/internal/domain/workflow"
	httpapi "github.com/garyjia/quote-approval/internal/interfaces/http"
)

// OperateOptions holds flags for the operate command.
type OperateOptions struct {
	*RootOptions
	Channel         string
	Comments        string
	Reason          string
	ChangeSummary   string
	ModifiedData    string
	ForwardTo       string
	ForwardReason   string
	DelegateTo      string
	Deadline        string
	Key             string
	ExpectedVersion int64
	ExternalRef     string
}

// NewOperateCommand creates the operate command.
func NewOperateCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &OperateOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "operate <quote-id> <action>",
		Short: "Apply an approval action to a quote",
		Long: `Apply an approval action to a quote as the --actor.

Actions: ` + actionList() + `

A random idempotency key is generated unless --key is given. Reuse the
same key to retry a request safely.

--deadline accepts an RFC 3339 time or a duration from now (48h).

Examples:
  approvalctl operate Q-1001 submit --actor alice
  approvalctl operate Q-1001 approve --actor bob --comments "within budget"
  approvalctl operate Q-1001 request_input --actor bob --reason "need freight cost" --deadline 48h
  approvalctl operate Q-1001 forward --actor bob --forward-to carol --expected-version 3`,
		Args:          cobra.ExactArgs(2),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runOperate(opts, cmd, args[0], args[1])
		},
	}

	cmd.Flags().StringVar(&opts.Channel, "channel", "internal", "channel the action originates from")
	cmd.Flags().StringVar(&opts.Comments, "comments", "", "free text comments")
	cmd.Flags().StringVar(&opts.Reason, "reason", "", "reason for reject, return_for_revision or request_input")
	cmd.Flags().StringVar(&opts.ChangeSummary, "change-summary", "", "summary of changes for approve_with_changes or a resubmission")
	cmd.Flags().StringVar(&opts.ModifiedData, "modified-data", "", "JSON object of modified quote fields")
	cmd.Flags().StringVar(&opts.ForwardTo, "forward-to", "", "approver to forward to")
	cmd.Flags().StringVar(&opts.ForwardReason, "forward-reason", "", "reason for forwarding")
	cmd.Flags().StringVar(&opts.DelegateTo, "delegate-to", "", "approver to delegate to")
	cmd.Flags().StringVar(&opts.Deadline, "deadline", "", "input deadline for request_input")
	cmd.Flags().StringVar(&opts.Key, "key", "", "idempotency key")
	cmd.Flags().Int64Var(&opts.ExpectedVersion, "expected-version", 0, "fail unless the record has this version")
	cmd.Flags().StringVar(&opts.ExternalRef, "external-ref", "", "external reference id")

	return cmd
}

// buildOperateRequest turns the flags into the API request body
func buildOperateRequest(opts *OperateOptions, action string, now time.Time) (httpapi.OperateRequest, error) {
	if opts.ActorID == "" {
		return httpapi.OperateRequest{}, fmt.Errorf("--actor is required")
	}

	req := httpapi.OperateRequest{
		Action:              strings.TrimSpace(action),
		Actor:               httpapi.ActorPayload{ID: opts.ActorID, Roles: opts.Roles},
		Channel:             opts.Channel,
		Comments:            opts.Comments,
		Reason:              opts.Reason,
		ChangeSummary:       opts.ChangeSummary,
		ForwardedToID:       opts.ForwardTo,
		ForwardReason:       opts.ForwardReason,
		DelegateTo:          opts.DelegateTo,
		IdempotencyKey:      opts.Key,
		ExternalReferenceID: opts.ExternalRef,
	}
	if req.IdempotencyKey == "" {
		req.IdempotencyKey = uuid.NewString()
	}
	if opts.ExpectedVersion > 0 {
		v := opts.ExpectedVersion
		req.ExpectedVersion = &v
	}

	if opts.ModifiedData != "" {
		if err := json.Unmarshal([]byte(opts.ModifiedData), &req.ModifiedData); err != nil {
			return req, fmt.Errorf("--modified-data must be a JSON object: %w", err)
		}
	}

	if opts.Deadline != "" {
		deadline, err := parseDeadline(opts.Deadline, now)
		if err != nil {
			return req, err
		}
		req.InputDeadline = &deadline
	}
	return req, nil
}

func actionList() string {
	names := make([]string, 0, len(workflow.ActorActions))
	for _, a := range workflow.ActorActions {
		names = append(names, string(a))
	}
	return strings.Join(names, ", ")
}

func parseDeadline(raw string, now time.Time) (time.Time, error) {
	if d, err := time.ParseDuration(raw); err == nil {
		return now.Add(d).UTC(), nil
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("--deadline must be an RFC 3339 time or a duration: %q", raw)
	}
	return t.UTC(), nil
}

func runOperate(opts *OperateOptions, cmd *cobra.Command, quoteID, action string) error {
	req, err := buildOperateRequest(opts, action, time.Now())
	if err != nil {
		return WrapExitError(ExitCommandError, "invalid operate request", err)
	}

	resp, err := opts.Client().Operate(cmd.Context(), quoteID, req)
	if err != nil {
		return requestError(action+" failed", err)
	}

	p := opts.printer(cmd)
	if done, err := p.JSON(resp); done {
		return err
	}

	if resp.Duplicate {
		fmt.Fprintf(p.w, "Already applied (idempotency key %s)\n", req.IdempotencyKey)
	}
	actions := make([]string, 0, len(resp.Permissions))
	for _, a := range resp.Permissions {
		actions = append(actions, string(a))
	}
	return p.Table([][]string{
		{"Quote:", resp.QuoteID},
		{"Status:", string(resp.Status)},
		{"Approver:", orDash(deref(resp.CurrentApprover))},
		{"Version:", strconv.FormatInt(resp.Version, 10)},
		{"Sync:", string(resp.SyncState)},
		{"Operation:", orDash(resp.OperationID)},
		{"Next actions:", orDash(strings.Join(actions, ", "))},
	})
}
