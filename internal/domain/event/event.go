package event

import (
	"time"

	"github.com/google/uuid"

	"github.com/garyjia/quote-approval/internal/domain/entity"
)

// Payload keys shared by publishers and subscribers
const (
	KeyStatus         = "status"
	KeyPreviousStatus = "previous_status"
	KeyAction         = "action"
	KeyActorID        = "actor_id"
	KeyChannel        = "channel"
	KeyVersion        = "version"
	KeyCycle          = "cycle_count"
	KeyApproverID     = "current_approver_id"
	KeyOperationID    = "operation_id"
	KeyError          = "error"
	KeyReference      = "external_reference_id"
)

// Event represents a domain event
type Event struct {
	ID            string                 `json:"id"`
	Type          Type                   `json:"type"`
	QuoteID       string                 `json:"quote_id"`
	Payload       map[string]interface{} `json:"payload"`
	Timestamp     time.Time              `json:"timestamp"`
	CorrelationID string                 `json:"correlation_id"`
}

// NewEvent creates a new domain event with auto-generated ID and timestamp
func NewEvent(eventType Type, quoteID string, payload map[string]interface{}) *Event {
	id := generateID()
	return &Event{
		ID:            id,
		Type:          eventType,
		QuoteID:       quoteID,
		Payload:       payload,
		Timestamp:     time.Now().UTC(),
		CorrelationID: id,
	}
}

// NewEventWithCorrelation creates an event linked to a correlation chain
func NewEventWithCorrelation(eventType Type, quoteID string, payload map[string]interface{}, correlationID string) *Event {
	e := NewEvent(eventType, quoteID, payload)
	e.CorrelationID = correlationID
	return e
}

// NewCommitted describes a committed operation and the record it produced.
// The operation id is used as correlation id so sync events can be traced back.
func NewCommitted(rec *entity.ApprovalRecord, op *entity.ApprovalOperation) *Event {
	payload := map[string]interface{}{
		KeyStatus:         string(rec.Status),
		KeyPreviousStatus: string(op.PreviousStatus),
		KeyAction:         string(op.Action),
		KeyChannel:        string(op.Channel),
		KeyVersion:        rec.Version,
		KeyCycle:          rec.CycleCount,
		KeyApproverID:     rec.Approver(),
		KeyOperationID:    op.ID,
	}
	if op.ActorID != nil {
		payload[KeyActorID] = *op.ActorID
	}

	eventType := TypeApprovalCommitted
	if op.IsSystem() {
		eventType = TypeInputExpired
	}
	return NewEventWithCorrelation(eventType, rec.QuoteID, payload, op.ID)
}

// WithPayload returns a new Event with an added payload key-value pair (immutable operation)
func (e *Event) WithPayload(key string, value interface{}) *Event {
	newPayload := make(map[string]interface{}, len(e.Payload)+1)
	for k, v := range e.Payload {
		newPayload[k] = v
	}
	newPayload[key] = value

	return &Event{
		ID:            e.ID,
		Type:          e.Type,
		QuoteID:       e.QuoteID,
		Payload:       newPayload,
		Timestamp:     e.Timestamp,
		CorrelationID: e.CorrelationID,
	}
}

// GetPayloadString retrieves a string value from the payload
func (e *Event) GetPayloadString(key string) string {
	if val, ok := e.Payload[key]; ok {
		if str, ok := val.(string); ok {
			return str
		}
	}
	return ""
}

// GetPayloadInt retrieves an int64 value from the payload
func (e *Event) GetPayloadInt(key string) int64 {
	if val, ok := e.Payload[key]; ok {
		switch v := val.(type) {
		case int64:
			return v
		case int:
			return int64(v)
		case float64:
			return int64(v)
		}
	}
	return 0
}

// GetPayloadBool retrieves a bool value from the payload
func (e *Event) GetPayloadBool(key string) bool {
	if val, ok := e.Payload[key]; ok {
		if b, ok := val.(bool); ok {
			return b
		}
	}
	return false
}

func generateID() string {
	return uuid.NewString()
}
