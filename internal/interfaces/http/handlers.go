package http

import (
	"bytes"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/garyjia/quote-approval/internal/application/service"
	"github.com/garyjia/quote-approval/internal/domain/entity"
	"github.com/garyjia/quote-approval/internal/domain/workflow"
)

const (
	headerActorID    = "X-Actor-Id"
	headerActorRoles = "X-Actor-Roles"

	xlsxContentType = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
)

// Handlers contains all HTTP request handlers
type Handlers struct {
	services Services
	version  string
	logger   Logger
}

// NewHandlers creates a new Handlers instance
func NewHandlers(services Services, version string, logger Logger) *Handlers {
	if version == "" {
		version = "dev"
	}
	return &Handlers{services: services, version: version, logger: logger}
}

// Response represents a standard JSON response
type Response struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
}

// HealthResponse represents the health check response
type HealthResponse struct {
	Status    string `json:"status"`
	Timestamp string `json:"timestamp"`
	Version   string `json:"version"`
}

// ActorPayload identifies the caller of an operate request
type ActorPayload struct {
	ID    string   `json:"id"`
	Roles []string `json:"roles"`
}

// OperateRequest is the body of POST /approvals/:quoteId/operate
type OperateRequest struct {
	Action              string                 `json:"action" binding:"required"`
	Actor               ActorPayload           `json:"actor"`
	Channel             string                 `json:"channel"`
	Comments            string                 `json:"comments"`
	Reason              string                 `json:"reason"`
	ModifiedData        map[string]interface{} `json:"modified_data"`
	ChangeSummary       string                 `json:"change_summary"`
	ForwardedToID       string                 `json:"forwarded_to_id"`
	ForwardReason       string                 `json:"forward_reason"`
	InputDeadline       *time.Time             `json:"input_deadline"`
	DelegateTo          string                 `json:"delegate_to"`
	IdempotencyKey      string                 `json:"idempotency_key"`
	ExpectedVersion     *int64                 `json:"expected_version"`
	ExternalReferenceID string                 `json:"external_reference_id"`
}

// OperateResponse is the result of an operate request
type OperateResponse struct {
	QuoteID         string            `json:"quote_id"`
	Status          workflow.State    `json:"status"`
	CurrentApprover *string           `json:"current_approver"`
	Version         int64             `json:"version"`
	SyncState       entity.SyncState  `json:"sync_state"`
	Permissions     []workflow.Action `json:"permissions"`
	Duplicate       bool              `json:"duplicate"`
	OperationID     string            `json:"operation_id,omitempty"`
}

// RegisterRequest is the body of POST /approvals/:quoteId/register
type RegisterRequest struct {
	OwnerID string `json:"owner_id" binding:"required"`
}

// HealthCheck handles GET /health
func (h *Handlers) HealthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, Response{
		Success: true,
		Data: HealthResponse{
			Status:    "healthy",
			Timestamp: time.Now().UTC().Format(time.RFC3339),
			Version:   h.version,
		},
	})
}

// Operate handles POST /approvals/:quoteId/operate
func (h *Handlers) Operate(c *gin.Context) {
	var req OperateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, Response{Success: false, Error: "invalid request body: " + err.Error()})
		return
	}

	channel := entity.ChannelInternal
	if raw := strings.TrimSpace(req.Channel); raw != "" {
		parsed, err := entity.ParseChannel(raw)
		if err != nil {
			h.fail(c, "operation failed", err)
			return
		}
		channel = parsed
	}

	result, err := h.services.Executor.Execute(c.Request.Context(), service.OperateRequest{
		QuoteID: c.Param("quoteId"),
		Action:  workflow.Action(strings.TrimSpace(req.Action)),
		Actor:   entity.Actor{ID: req.Actor.ID, Roles: req.Actor.Roles},
		Channel: channel,
		Payload: entity.Payload{
			Comments:      req.Comments,
			Reason:        req.Reason,
			ModifiedData:  req.ModifiedData,
			ChangeSummary: req.ChangeSummary,
			ForwardedToID: req.ForwardedToID,
			ForwardReason: req.ForwardReason,
			InputDeadline: req.InputDeadline,
			DelegateTo:    req.DelegateTo,
		},
		IdempotencyKey:      req.IdempotencyKey,
		ExternalReferenceID: req.ExternalReferenceID,
		ExpectedVersion:     req.ExpectedVersion,
	})
	if err != nil {
		h.fail(c, "operation failed", err)
		return
	}

	resp := OperateResponse{
		QuoteID:         result.Record.QuoteID,
		Status:          result.Record.Status,
		CurrentApprover: result.Record.CurrentApproverID,
		Version:         result.Record.Version,
		SyncState:       result.Record.SyncSummary(),
		Permissions:     result.Permissions,
		Duplicate:       result.Duplicate,
	}
	if result.Operation != nil {
		resp.OperationID = result.Operation.ID
	}
	c.JSON(http.StatusOK, Response{Success: true, Data: resp})
}

// GetStatus handles GET /approvals/:quoteId/status
func (h *Handlers) GetStatus(c *gin.Context) {
	view, err := h.services.Status.GetStatus(c.Request.Context(), c.Param("quoteId"), actorFromHeaders(c), c.Query("verify") == "true")
	if err != nil {
		h.fail(c, "failed to load status", err)
		return
	}
	c.JSON(http.StatusOK, Response{Success: true, Data: view})
}

// History handles GET /approvals/:quoteId/history. ?format=xlsx returns a
// spreadsheet instead of JSON.
func (h *Handlers) History(c *gin.Context) {
	quoteID := c.Param("quoteId")
	ops, err := h.services.Status.History(c.Request.Context(), quoteID)
	if err != nil {
		h.fail(c, "failed to load history", err)
		return
	}

	if c.Query("format") == "xlsx" {
		var buf bytes.Buffer
		if err := h.services.Exporter.WriteXLSX(&buf, quoteID, ops); err != nil {
			h.fail(c, "failed to export history", err)
			return
		}
		c.Header("Content-Disposition", fmt.Sprintf(`attachment; filename="%s-history.xlsx"`, quoteID))
		c.Data(http.StatusOK, xlsxContentType, buf.Bytes())
		return
	}

	entries := make([]*entity.ApprovalOperation, 0)
	for op, err := range ops {
		if err != nil {
			h.fail(c, "failed to read history", err)
			return
		}
		entries = append(entries, op)
	}
	c.JSON(http.StatusOK, Response{Success: true, Data: entries})
}

// Resync handles POST /approvals/:quoteId/resync
func (h *Handlers) Resync(c *gin.Context) {
	quoteID := c.Param("quoteId")
	rec, err := h.services.Sync.Resync(c.Request.Context(), quoteID)
	if err != nil {
		h.fail(c, "resync failed", err)
		return
	}

	h.logger.Info("Resync requested", "quote_id", quoteID, "sync_state", rec.SyncSummary())
	c.JSON(http.StatusOK, Response{Success: true, Data: gin.H{
		"record":     rec,
		"sync_state": rec.SyncSummary(),
	}})
}

// Register handles POST /approvals/:quoteId/register
func (h *Handlers) Register(c *gin.Context) {
	var req RegisterRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, Response{Success: false, Error: "owner_id is required"})
		return
	}

	rec, err := h.services.Executor.Register(c.Request.Context(), c.Param("quoteId"), req.OwnerID)
	if err != nil {
		h.fail(c, "register failed", err)
		return
	}
	c.JSON(http.StatusOK, Response{Success: true, Data: rec})
}

// Purge handles DELETE /approvals/:quoteId
func (h *Handlers) Purge(c *gin.Context) {
	quoteID := c.Param("quoteId")
	if err := h.services.Executor.Purge(c.Request.Context(), quoteID); err != nil {
		h.fail(c, "purge failed", err)
		return
	}
	c.JSON(http.StatusOK, Response{Success: true, Data: gin.H{"quote_id": quoteID, "purged": true}})
}

// actorFromHeaders reads the caller of a status query. Roles are comma separated.
func actorFromHeaders(c *gin.Context) *entity.Actor {
	id := strings.TrimSpace(c.GetHeader(headerActorID))
	if id == "" {
		return nil
	}

	actor := &entity.Actor{ID: id}
	for _, role := range strings.Split(c.GetHeader(headerActorRoles), ",") {
		if role = strings.TrimSpace(role); role != "" {
			actor.Roles = append(actor.Roles, role)
		}
	}
	return actor
}
