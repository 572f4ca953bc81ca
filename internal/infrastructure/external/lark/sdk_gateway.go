package lark

import (
	"context"
	"fmt"
	"strconv"
	"time"

	lark "github.com/larksuite/oapi-sdk-go/v3"
	larkcore "github.com/larksuite/oapi-sdk-go/v3/core"
	larkApproval "github.com/larksuite/oapi-sdk-go/v3/service/approval/v4"
	"go.uber.org/zap"
)

// Config holds Lark client configuration
type Config struct {
	AppID        string
	AppSecret    string
	ApprovalCode string // Unique approval definition code
}

// SDKGateway implements Gateway with the Lark SDK
type SDKGateway struct {
	client       *lark.Client
	approvalCode string
	logger       *zap.Logger
}

// NewSDKGateway creates a new Lark SDK client
func NewSDKGateway(cfg Config, logger *zap.Logger) *SDKGateway {
	client := lark.NewClient(cfg.AppID, cfg.AppSecret,
		lark.WithLogLevel(larkcore.LogLevelInfo),
		lark.WithEnableTokenCache(true),
	)

	return &SDKGateway{
		client:       client,
		approvalCode: cfg.ApprovalCode,
		logger:       logger,
	}
}

// Client returns the underlying Lark SDK client
func (g *SDKGateway) Client() *lark.Client {
	return g.client
}

// CreateInstance starts an approval instance. Lark deduplicates on UUID, so
// a retried create returns the instance of the first call.
func (g *SDKGateway) CreateInstance(ctx context.Context, in CreateInstanceInput) (string, error) {
	req := larkApproval.NewCreateInstanceReqBuilder().
		InstanceCreate(larkApproval.NewInstanceCreateBuilder().
			ApprovalCode(g.approvalCode).
			UserId(in.UserID).
			Form(in.Form).
			Uuid(in.UUID).
			Build()).
		Build()

	resp, err := g.client.Approval.Instance.Create(ctx, req)
	if err != nil {
		g.logger.Error("Failed to create instance", zap.String("uuid", in.UUID), zap.Error(err))
		return "", fmt.Errorf("failed to create instance: %w", err)
	}
	if !resp.Success() {
		g.logger.Error("API returned failure",
			zap.String("uuid", in.UUID),
			zap.Int("code", resp.Code),
			zap.String("msg", resp.Msg))
		return "", fmt.Errorf("API error: code=%d, msg=%s", resp.Code, resp.Msg)
	}
	if resp.Data == nil || resp.Data.InstanceCode == nil {
		return "", fmt.Errorf("API returned no instance code")
	}

	g.logger.Info("Approval instance created",
		zap.String("instance_code", *resp.Data.InstanceCode),
		zap.String("uuid", in.UUID))
	return *resp.Data.InstanceCode, nil
}

// GetInstance retrieves the status and task list of an approval instance
func (g *SDKGateway) GetInstance(ctx context.Context, instanceCode string) (*Instance, error) {
	req := larkApproval.NewGetInstanceReqBuilder().
		InstanceId(instanceCode).
		Build()

	resp, err := g.client.Approval.Instance.Get(ctx, req)
	if err != nil {
		g.logger.Error("Failed to get instance detail",
			zap.String("instance_code", instanceCode),
			zap.Error(err))
		return nil, fmt.Errorf("failed to get instance: %w", err)
	}

	if !resp.Success() {
		g.logger.Error("API returned failure",
			zap.String("instance_code", instanceCode),
			zap.Int("code", resp.Code),
			zap.String("msg", resp.Msg))
		return nil, fmt.Errorf("API error: code=%d, msg=%s", resp.Code, resp.Msg)
	}
	if resp.Data == nil {
		return nil, fmt.Errorf("instance not found: %s", instanceCode)
	}

	detail := resp.Data
	inst := &Instance{
		Code:      instanceCode,
		Status:    derefString(detail.Status),
		StartTime: parseMillis(detail.StartTime),
		EndTime:   parseMillis(detail.EndTime),
	}
	for _, task := range detail.TaskList {
		if task == nil {
			continue
		}
		inst.Tasks = append(inst.Tasks, Task{
			ID:     derefString(task.Id),
			UserID: derefString(task.UserId),
			Status: derefString(task.Status),
		})
	}
	return inst, nil
}

func (g *SDKGateway) ApproveTask(ctx context.Context, action TaskAction) error {
	req := larkApproval.NewApproveTaskReqBuilder().
		UserIdType("user_id").
		TaskApprove(g.taskApprove(action)).
		Build()

	resp, err := g.client.Approval.Task.Approve(ctx, req)
	if err != nil {
		return fmt.Errorf("failed to approve task: %w", err)
	}
	if !resp.Success() {
		return fmt.Errorf("API error: code=%d, msg=%s", resp.Code, resp.Msg)
	}
	return nil
}

func (g *SDKGateway) RejectTask(ctx context.Context, action TaskAction) error {
	req := larkApproval.NewRejectTaskReqBuilder().
		UserIdType("user_id").
		TaskApprove(g.taskApprove(action)).
		Build()

	resp, err := g.client.Approval.Task.Reject(ctx, req)
	if err != nil {
		return fmt.Errorf("failed to reject task: %w", err)
	}
	if !resp.Success() {
		return fmt.Errorf("API error: code=%d, msg=%s", resp.Code, resp.Msg)
	}
	return nil
}

func (g *SDKGateway) TransferTask(ctx context.Context, action TaskAction, toUserID string) error {
	req := larkApproval.NewTransferTaskReqBuilder().
		UserIdType("user_id").
		TaskTransfer(larkApproval.NewTaskTransferBuilder().
			ApprovalCode(g.approvalCode).
			InstanceCode(action.InstanceCode).
			UserId(action.UserID).
			TaskId(action.TaskID).
			Comment(action.Comment).
			TransferUserId(toUserID).
			Build()).
		Build()

	resp, err := g.client.Approval.Task.Transfer(ctx, req)
	if err != nil {
		return fmt.Errorf("failed to transfer task: %w", err)
	}
	if !resp.Success() {
		return fmt.Errorf("API error: code=%d, msg=%s", resp.Code, resp.Msg)
	}
	return nil
}

func (g *SDKGateway) CancelInstance(ctx context.Context, instanceCode, userID string) error {
	req := larkApproval.NewCancelInstanceReqBuilder().
		UserIdType("user_id").
		InstanceCancel(larkApproval.NewInstanceCancelBuilder().
			ApprovalCode(g.approvalCode).
			InstanceCode(instanceCode).
			UserId(userID).
			Build()).
		Build()

	resp, err := g.client.Approval.Instance.Cancel(ctx, req)
	if err != nil {
		return fmt.Errorf("failed to cancel instance: %w", err)
	}
	if !resp.Success() {
		return fmt.Errorf("API error: code=%d, msg=%s", resp.Code, resp.Msg)
	}
	return nil
}

// SubscribeApprovalEvent enables event delivery for the approval definition.
// Lark answers 1390007 when the subscription already exists.
func (g *SDKGateway) SubscribeApprovalEvent(ctx context.Context) error {
	if g.approvalCode == "" {
		return fmt.Errorf("approval code cannot be empty")
	}

	req := larkApproval.NewSubscribeApprovalReqBuilder().
		ApprovalCode(g.approvalCode).
		Build()

	resp, err := g.client.Approval.Approval.Subscribe(ctx, req)
	if err != nil {
		g.logger.Error("Failed to subscribe to approval events",
			zap.String("approval_code", g.approvalCode),
			zap.Error(err))
		return fmt.Errorf("failed to subscribe: %w", err)
	}

	if !resp.Success() {
		if resp.Code == 1390007 {
			g.logger.Info("Approval already subscribed", zap.String("approval_code", g.approvalCode))
			return nil
		}
		return fmt.Errorf("subscription failed: code=%d, msg=%s", resp.Code, resp.Msg)
	}

	g.logger.Info("Successfully subscribed to approval events",
		zap.String("approval_code", g.approvalCode))
	return nil
}

func (g *SDKGateway) taskApprove(action TaskAction) *larkApproval.TaskApprove {
	return larkApproval.NewTaskApproveBuilder().
		ApprovalCode(g.approvalCode).
		InstanceCode(action.InstanceCode).
		UserId(action.UserID).
		TaskId(action.TaskID).
		Comment(action.Comment).
		Build()
}

// parseMillis converts Lark's millisecond timestamp strings
func parseMillis(s *string) time.Time {
	if s == nil || *s == "" || *s == "0" {
		return time.Time{}
	}
	ms, err := strconv.ParseInt(*s, 10, 64)
	if err != nil {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}

// derefString safely dereferences a string pointer
func derefString(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

var _ Gateway = (*SDKGateway)(nil)
