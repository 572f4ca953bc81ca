package lark

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	larkevent "github.com/larksuite/oapi-sdk-go/v3/event"
	"github.com/larksuite/oapi-sdk-go/v3/event/dispatcher"
	"go.uber.org/zap"

	"github.com/garyjia/quote-approval/internal/application/service"
)

// approvalInstanceEvent is the event key Lark uses for instance status changes
const approvalInstanceEvent = "approval_instance"

// InboundHandler receives external status notifications
type InboundHandler interface {
	Handle(ctx context.Context, evt service.ExternalEvent) (*service.InboundResult, error)
}

// ApprovalEvent represents a Lark approval event payload in either the v1
// (type inside event) or v2 (header.event_type) envelope.
type ApprovalEvent struct {
	Header EventHeader            `json:"header"`
	Event  map[string]interface{} `json:"event"`
}

// EventHeader contains event metadata.
type EventHeader struct {
	EventType  string `json:"event_type"`
	CreateTime string `json:"create_time"`
}

// EventProcessor turns approval_instance events into inbound notifications
type EventProcessor struct {
	approvalCode string
	handler      InboundHandler
	logger       *zap.Logger
}

// NewEventProcessor creates a new EventProcessor.
func NewEventProcessor(approvalCode string, handler InboundHandler, logger *zap.Logger) *EventProcessor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &EventProcessor{
		approvalCode: approvalCode,
		handler:      handler,
		logger:       logger,
	}
}

// HandleCustomizedEvent adapts the SDK event payload for processing.
func (p *EventProcessor) HandleCustomizedEvent(ctx context.Context, event *larkevent.EventReq) error {
	_, err := p.ProcessEvent(ctx, event.Body)
	return err
}

// ProcessEvent parses one approval event and hands it to the inbound path.
// Events of other approval definitions or without a status return (nil, nil).
func (p *EventProcessor) ProcessEvent(ctx context.Context, payload []byte) (*service.InboundResult, error) {
	var event ApprovalEvent
	if err := json.Unmarshal(payload, &event); err != nil {
		return nil, fmt.Errorf("failed to parse approval event payload: %w", err)
	}

	if event.Event == nil {
		p.logger.Warn("Approval event payload missing event data")
		return nil, nil
	}

	eventType := event.Header.EventType
	if eventType == "" {
		eventType, _ = event.Event["type"].(string)
	}
	if eventType != "" && eventType != approvalInstanceEvent {
		p.logger.Info("Unhandled approval event type", zap.String("event_type", eventType))
		return nil, nil
	}

	approvalCode, _ := event.Event["approval_code"].(string)
	if p.approvalCode != "" && approvalCode != "" && approvalCode != p.approvalCode {
		p.logger.Info("Ignoring approval event for different approval code",
			zap.String("approval_code", approvalCode))
		return nil, nil
	}

	instanceCode, _ := event.Event["instance_code"].(string)
	status, _ := event.Event["status"].(string)
	if instanceCode == "" || status == "" {
		p.logger.Warn("Instance code or status not found in approval event",
			zap.String("instance_code", instanceCode))
		return nil, nil
	}

	evt := service.ExternalEvent{
		ExternalReferenceID: instanceCode,
		ExternalStatus:      status,
		Timestamp:           eventTime(event),
	}
	if userID, ok := event.Event["user_id"].(string); ok {
		evt.ActorID = "lark:" + userID
	}

	result, err := p.handler.Handle(ctx, evt)
	if err != nil {
		p.logger.Error("Failed to handle approval event",
			zap.String("instance_code", instanceCode),
			zap.String("status", status),
			zap.Error(err))
		return nil, err
	}

	p.logger.Info("Approval event handled",
		zap.String("instance_code", instanceCode),
		zap.String("status", status),
		zap.String("outcome", string(result.Outcome)))
	return result, nil
}

// eventTime prefers the operate time of the instance over the envelope time
func eventTime(event ApprovalEvent) time.Time {
	raw, _ := event.Event["operate_time"].(string)
	if raw == "" {
		raw = event.Header.CreateTime
	}
	ms, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || ms <= 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}

// NewEventDispatcher registers the processor for approval_instance events
// delivered over the long connection, which needs no token or encrypt key.
func NewEventDispatcher(p *EventProcessor) *dispatcher.EventDispatcher {
	d := dispatcher.NewEventDispatcher("", "")
	d.OnCustomizedEvent(approvalInstanceEvent, p.HandleCustomizedEvent)
	return d
}
