package entity

import "time"

// Payload carries the optional, action-specific fields of an operate request
type Payload struct {
	Comments      string                 `json:"comments,omitempty"`
	Reason        string                 `json:"reason,omitempty"`
	ModifiedData  map[string]interface{} `json:"modified_data,omitempty"`
	ChangeSummary string                 `json:"change_summary,omitempty"`
	ForwardedToID string                 `json:"forwarded_to_id,omitempty"`
	ForwardReason string                 `json:"forward_reason,omitempty"`
	InputDeadline *time.Time             `json:"input_deadline,omitempty"`
	DelegateTo    string                 `json:"delegate_to,omitempty"`
}
