package entity

import (
	"time"

	"github.com/garyjia/quote-approval/internal/domain/workflow"
)

// ApprovalOperation is one accepted entry of the history ledger. It is never mutated.
type ApprovalOperation struct {
	ID              string            `json:"id"`
	Sequence        int64             `json:"sequence"`
	QuoteID         string            `json:"quote_id"`
	CycleCount      int               `json:"cycle_count"`
	Action          workflow.Action   `json:"action"`
	ActorID         *string           `json:"actor_id"`
	Channel         Channel           `json:"channel"`
	Comments        string            `json:"comments,omitempty"`
	PreviousStatus  workflow.State    `json:"previous_status"`
	ResultingStatus workflow.State    `json:"resulting_status"`
	Metadata        OperationMetadata `json:"metadata"`
	CreatedAt       time.Time         `json:"created_at"`
}

// OperationMetadata holds the action-specific payload of an operation
type OperationMetadata struct {
	Reason              string                 `json:"reason,omitempty"`
	ModifiedData        map[string]interface{} `json:"modified_data,omitempty"`
	ChangeSummary       string                 `json:"change_summary,omitempty"`
	ForwardedToID       string                 `json:"forwarded_to_id,omitempty"`
	ForwardReason       string                 `json:"forward_reason,omitempty"`
	DelegatedTo         string                 `json:"delegated_to,omitempty"`
	PreviousApproverID  string                 `json:"previous_approver_id,omitempty"`
	InputDeadline       *time.Time             `json:"input_deadline,omitempty"`
	ExternalReferenceID string                 `json:"external_reference_id,omitempty"`
}

// IsSystem reports whether the operation was engine-originated
func (o *ApprovalOperation) IsSystem() bool {
	return o.ActorID == nil
}

// Clone returns a copy that shares no mutable state with o
func (o *ApprovalOperation) Clone() *ApprovalOperation {
	if o == nil {
		return nil
	}
	c := *o
	c.ActorID = cloneString(o.ActorID)
	c.Metadata.InputDeadline = cloneTime(o.Metadata.InputDeadline)
	if o.Metadata.ModifiedData != nil {
		c.Metadata.ModifiedData = make(map[string]interface{}, len(o.Metadata.ModifiedData))
		for k, v := range o.Metadata.ModifiedData {
			c.Metadata.ModifiedData[k] = v
		}
	}
	return &c
}
