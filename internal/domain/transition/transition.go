// Package transition applies approval actions to records without side effects.
package transition

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/garyjia/quote-approval/internal/domain/entity"
	"github.com/garyjia/quote-approval/internal/domain/workflow"
)

// Request describes one action against a record
type Request struct {
	Action  workflow.Action
	Actor   *entity.Actor // nil for system operations
	Channel entity.Channel
	Payload entity.Payload

	// FirstApprover is the approver resolved for a submit
	FirstApprover string

	// ExternalReferenceID is recorded when the action arrived from an external channel
	ExternalReferenceID string

	Now time.Time
}

// Outcome is the next record plus the ledger entry describing the change.
// Version, operation id and sequence are assigned at commit time.
type Outcome struct {
	Record    *entity.ApprovalRecord
	Operation *entity.ApprovalOperation

	// ResetBindings is set when every channel must be re-synchronized
	ResetBindings bool
}

// Apply validates req against current and computes the next state.
func Apply(ctx context.Context, current *entity.ApprovalRecord, req Request) (*Outcome, error) {
	if current == nil {
		return nil, fmt.Errorf("%w: record is required", workflow.ErrValidation)
	}
	if !req.Action.IsValid() {
		return nil, fmt.Errorf("%w: unknown action %q", workflow.ErrValidation, req.Action)
	}
	if req.Action.IsSystem() != (req.Actor == nil) {
		return nil, fmt.Errorf("%w: %s must be issued by %s", workflow.ErrValidation, req.Action, issuer(req.Action))
	}

	now := req.Now.UTC()
	machine := workflow.NewApprovalMachine(current.Status, deadlineElapsed(current, now))
	if err := machine.Fire(ctx, req.Action); err != nil {
		return nil, err
	}
	target := machine.State()

	next := current.Clone()
	op := &entity.ApprovalOperation{
		QuoteID:        current.QuoteID,
		Action:         req.Action,
		Channel:        req.Channel,
		Comments:       strings.TrimSpace(req.Payload.Comments),
		PreviousStatus: current.Status,
		CreatedAt:      now,
		Metadata: entity.OperationMetadata{
			ExternalReferenceID: req.ExternalReferenceID,
		},
	}
	if req.Actor != nil {
		op.ActorID = entity.StringPtr(req.Actor.ID)
	}

	var err error
	reset := false
	switch req.Action {
	case workflow.ActionSubmit:
		reset = current.Status != workflow.StateDraft
		err = submit(next, req, now)
	case workflow.ActionApprove:
		next.CurrentApproverID = nil
	case workflow.ActionReject:
		err = reject(next, op, req.Payload)
	case workflow.ActionApproveWithChanges:
		err = approveWithChanges(next, op, req.Payload)
	case workflow.ActionReturnForRevision:
		err = returnForRevision(next, op)
	case workflow.ActionForward:
		err = forward(next, op, req.Payload)
	case workflow.ActionRequestInput:
		err = requestInput(next, op, req.Payload, now)
	case workflow.ActionWithdraw:
		next.CurrentApproverID = nil
	case workflow.ActionDelegate:
		err = delegate(next, op, req.Payload)
	case workflow.ActionExpireInput:
		op.Metadata.InputDeadline = current.PendingInputDeadline
	default:
		return nil, fmt.Errorf("%w: no handler for action %q", workflow.ErrInvalidTransition, req.Action)
	}
	if err != nil {
		return nil, err
	}

	next.Status = target
	if target != workflow.StateAwaitingInput {
		next.PendingInputDeadline = nil
	}
	next.LastTransitionAt = now
	next.UpdatedAt = now

	op.CycleCount = next.CycleCount
	op.ResultingStatus = next.Status

	return &Outcome{
		Record:        next,
		Operation:     op,
		ResetBindings: reset,
	}, nil
}

func submit(next *entity.ApprovalRecord, req Request, now time.Time) error {
	approver := strings.TrimSpace(req.FirstApprover)
	if approver == "" {
		return fmt.Errorf("%w: no approver could be resolved for quote %s", workflow.ErrValidation, next.QuoteID)
	}

	if next.Status == workflow.StateDraft {
		next.CycleCount = 1
	} else {
		next.CycleCount++
	}
	if next.SubmittedBy == "" {
		next.SubmittedBy = req.Actor.ID
	}
	if next.SubmittedAt == nil {
		next.SubmittedAt = &now
	}
	next.CurrentApproverID = &approver
	return nil
}

func reject(next *entity.ApprovalRecord, op *entity.ApprovalOperation, p entity.Payload) error {
	reason := strings.TrimSpace(p.Reason)
	if reason == "" {
		return fmt.Errorf("%w: reject requires a reason", workflow.ErrValidation)
	}
	op.Metadata.Reason = reason
	next.CurrentApproverID = nil
	return nil
}

func approveWithChanges(next *entity.ApprovalRecord, op *entity.ApprovalOperation, p entity.Payload) error {
	if len(p.ModifiedData) == 0 {
		return fmt.Errorf("%w: approve_with_changes requires modified_data", workflow.ErrValidation)
	}

	summary := strings.TrimSpace(p.ChangeSummary)
	if summary == "" {
		summary = summarizeChanges(p.ModifiedData)
	}

	op.Metadata.ModifiedData = p.ModifiedData
	op.Metadata.ChangeSummary = summary
	next.CurrentApproverID = nil
	return nil
}

func returnForRevision(next *entity.ApprovalRecord, op *entity.ApprovalOperation) error {
	if op.Comments == "" {
		return fmt.Errorf("%w: return_for_revision requires comments", workflow.ErrValidation)
	}
	next.CurrentApproverID = nil
	return nil
}

func forward(next *entity.ApprovalRecord, op *entity.ApprovalOperation, p entity.Payload) error {
	to := strings.TrimSpace(p.ForwardedToID)
	if to == "" {
		return fmt.Errorf("%w: forward requires forwarded_to_id", workflow.ErrValidation)
	}
	reason := strings.TrimSpace(p.ForwardReason)
	if reason == "" {
		return fmt.Errorf("%w: forward requires forward_reason", workflow.ErrValidation)
	}
	if to == next.Approver() {
		return fmt.Errorf("%w: %s is already the current approver", workflow.ErrValidation, to)
	}

	op.Metadata.ForwardedToID = to
	op.Metadata.ForwardReason = reason
	op.Metadata.PreviousApproverID = next.Approver()
	next.CurrentApproverID = &to
	return nil
}

func requestInput(next *entity.ApprovalRecord, op *entity.ApprovalOperation, p entity.Payload, now time.Time) error {
	if p.InputDeadline == nil {
		return nil
	}

	deadline := p.InputDeadline.UTC()
	if !deadline.After(now) {
		return fmt.Errorf("%w: input_deadline must be in the future", workflow.ErrValidation)
	}
	next.PendingInputDeadline = &deadline
	op.Metadata.InputDeadline = &deadline
	return nil
}

func delegate(next *entity.ApprovalRecord, op *entity.ApprovalOperation, p entity.Payload) error {
	to := strings.TrimSpace(p.DelegateTo)
	if to == "" {
		return fmt.Errorf("%w: delegate requires delegate_to", workflow.ErrValidation)
	}
	if to == next.Approver() {
		return fmt.Errorf("%w: %s is already the current approver", workflow.ErrValidation, to)
	}

	op.Metadata.DelegatedTo = to
	op.Metadata.PreviousApproverID = next.Approver()
	next.CurrentApproverID = &to
	return nil
}

// deadlineElapsed guards the system expiry transition
func deadlineElapsed(rec *entity.ApprovalRecord, now time.Time) workflow.GuardFunc {
	return func(context.Context) bool {
		return rec.PendingInputDeadline != nil && !rec.PendingInputDeadline.After(now)
	}
}

func summarizeChanges(data map[string]interface{}) string {
	keys := make([]string, 0, len(data))
	for k := range data {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return "modified: " + strings.Join(keys, ", ")
}

func issuer(action workflow.Action) string {
	if action.IsSystem() {
		return "the engine"
	}
	return "an actor"
}
