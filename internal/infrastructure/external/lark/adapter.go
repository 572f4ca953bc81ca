package lark

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"github.com/garyjia/quote-approval/internal/application/port"
	"github.com/garyjia/quote-approval/internal/domain/entity"
	"github.com/garyjia/quote-approval/internal/domain/workflow"
)

// instanceNamespace scopes the deterministic instance uuids
var instanceNamespace = uuid.MustParse("0f4c9a52-8d7e-4e0b-9a55-3f1c2b7d6e10")

// ChannelAdapter mirrors approval records into Lark approval instances
type ChannelAdapter struct {
	gateway Gateway
	widgets FormWidgets
	logger  *zap.Logger
}

// NewChannelAdapter creates the external channel adapter
func NewChannelAdapter(gateway Gateway, widgets FormWidgets, logger *zap.Logger) *ChannelAdapter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ChannelAdapter{
		gateway: gateway,
		widgets: widgets,
		logger:  logger,
	}
}

func (a *ChannelAdapter) Channel() entity.Channel {
	return entity.ChannelExternal
}

// Project maps internal statuses onto what a Lark instance can show.
// Lark has no input-request or returned state.
func (a *ChannelAdapter) Project(status workflow.State) workflow.State {
	switch status {
	case workflow.StateAwaitingInput:
		return workflow.StatePending
	case workflow.StateReturnedForRevision:
		return workflow.StateRejected
	default:
		return status
	}
}

// Translate maps a Lark instance status, in any letter case
func (a *ChannelAdapter) Translate(raw string) (workflow.State, bool) {
	switch cases.Upper(language.Und).String(strings.TrimSpace(raw)) {
	case InstancePending:
		return workflow.StatePending, true
	case InstanceApproved:
		return workflow.StateApproved, true
	case InstanceRejected:
		return workflow.StateRejected, true
	case InstanceCanceled, InstanceDeleted:
		return workflow.StateWithdrawn, true
	default:
		return "", false
	}
}

// Push brings the Lark instance of rec in line with the record. A record
// without an instance gets one; a resubmitted record gets a fresh instance
// because closed Lark instances cannot be reopened.
func (a *ChannelAdapter) Push(ctx context.Context, rec *entity.ApprovalRecord) (string, error) {
	target := a.Project(rec.Status)
	ref := rec.Binding(entity.ChannelExternal).Reference()

	if ref == "" {
		if target == workflow.StateDraft {
			return "", nil
		}
		code, err := a.create(ctx, rec)
		if err != nil {
			return "", err
		}
		ref = code
	}

	inst, err := a.gateway.GetInstance(ctx, ref)
	if err != nil {
		return "", err
	}

	if target == workflow.StatePending && inst.Status != InstancePending {
		code, err := a.create(ctx, rec)
		if err != nil {
			return "", err
		}
		if code == ref {
			return "", fmt.Errorf("%w: instance %s is %s while the record is pending", workflow.ErrChannelConflict, ref, inst.Status)
		}
		if inst, err = a.gateway.GetInstance(ctx, code); err != nil {
			return "", err
		}
		ref = code
	}

	if err := a.apply(ctx, rec, inst, target); err != nil {
		return "", err
	}
	return ref, nil
}

func (a *ChannelAdapter) Pull(ctx context.Context, ref string) (*port.ExternalSnapshot, error) {
	inst, err := a.gateway.GetInstance(ctx, ref)
	if err != nil {
		return nil, err
	}

	status, _ := a.Translate(inst.Status)
	return &port.ExternalSnapshot{
		ExternalReferenceID: ref,
		Status:              status,
		RawStatus:           inst.Status,
		UpdatedAt:           inst.UpdatedAt(),
	}, nil
}

func (a *ChannelAdapter) create(ctx context.Context, rec *entity.ApprovalRecord) (string, error) {
	form, err := BuildForm(a.widgets, rec)
	if err != nil {
		return "", err
	}
	return a.gateway.CreateInstance(ctx, CreateInstanceInput{
		UUID:   InstanceUUID(rec.QuoteID, rec.CycleCount),
		UserID: rec.SubmittedBy,
		Form:   form,
	})
}

// apply performs the one Lark action that moves inst to target
func (a *ChannelAdapter) apply(ctx context.Context, rec *entity.ApprovalRecord, inst *Instance, target workflow.State) error {
	current, _ := a.Translate(inst.Status)
	if current == target {
		if target == workflow.StatePending {
			return a.reassign(ctx, rec, inst)
		}
		return nil
	}
	if inst.Status != InstancePending {
		return fmt.Errorf("%w: instance %s is %s, record is %s", workflow.ErrChannelConflict, inst.Code, inst.Status, rec.Status)
	}

	if target == workflow.StateWithdrawn {
		return a.gateway.CancelInstance(ctx, inst.Code, rec.SubmittedBy)
	}

	task := inst.PendingTask()
	if task == nil {
		return fmt.Errorf("instance %s has no pending task", inst.Code)
	}
	action := TaskAction{
		InstanceCode: inst.Code,
		TaskID:       task.ID,
		UserID:       task.UserID,
		Comment:      fmt.Sprintf("%s in approval engine", rec.Status),
	}

	a.logger.Info("Applying engine decision to Lark task",
		zap.String("quote_id", rec.QuoteID),
		zap.String("instance_code", inst.Code),
		zap.String("task_id", task.ID),
		zap.String("status", string(rec.Status)))

	switch target {
	case workflow.StateApproved:
		return a.gateway.ApproveTask(ctx, action)
	case workflow.StateRejected:
		return a.gateway.RejectTask(ctx, action)
	default:
		return fmt.Errorf("%w: no Lark action reaches %s", workflow.ErrChannelConflict, target)
	}
}

// reassign moves the pending task to the record's current approver
func (a *ChannelAdapter) reassign(ctx context.Context, rec *entity.ApprovalRecord, inst *Instance) error {
	approver := rec.Approver()
	task := inst.PendingTask()
	if approver == "" || task == nil || task.UserID == approver {
		return nil
	}

	a.logger.Info("Transferring Lark task",
		zap.String("quote_id", rec.QuoteID),
		zap.String("instance_code", inst.Code),
		zap.String("from", task.UserID),
		zap.String("to", approver))

	return a.gateway.TransferTask(ctx, TaskAction{
		InstanceCode: inst.Code,
		TaskID:       task.ID,
		UserID:       task.UserID,
		Comment:      "reassigned in approval engine",
	}, approver)
}

// InstanceUUID is the creation key of a quote's instance for one cycle.
// Lark returns the existing instance when a key is reused.
func InstanceUUID(quoteID string, cycle int) string {
	return uuid.NewSHA1(instanceNamespace, []byte(fmt.Sprintf("%s#%d", quoteID, cycle))).String()
}

var _ port.ChannelAdapter = (*ChannelAdapter)(nil)
