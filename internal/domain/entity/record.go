package entity

import (
	"time"

	"github.com/garyjia/quote-approval/internal/domain/workflow"
)

// ApprovalRecord is the authoritative approval state of one quote
type ApprovalRecord struct {
	QuoteID              string                      `json:"quote_id"`
	Status               workflow.State              `json:"status"`
	CurrentApproverID    *string                     `json:"current_approver_id"`
	SubmittedBy          string                      `json:"submitted_by"`
	SubmittedAt          *time.Time                  `json:"submitted_at,omitempty"`
	CycleCount           int                         `json:"cycle_count"`
	ChannelBindings      map[Channel]*ChannelBinding `json:"channel_bindings"`
	Version              int64                       `json:"version"`
	PendingInputDeadline *time.Time                  `json:"pending_input_deadline,omitempty"`
	LastTransitionAt     time.Time                   `json:"last_transition_at"`
	CreatedAt            time.Time                   `json:"created_at"`
	UpdatedAt            time.Time                   `json:"updated_at"`
}

// ChannelBinding tracks what one channel has acknowledged
type ChannelBinding struct {
	ExternalReferenceID *string        `json:"external_reference_id"`
	LastSyncedStatus    workflow.State `json:"last_synced_status"`
	SyncState           SyncState      `json:"sync_state"`
	LastAttemptAt       *time.Time     `json:"last_attempt_at,omitempty"`
	AttemptCount        int            `json:"attempt_count"`
	LastError           string         `json:"last_error,omitempty"`
}

// NewDraftRecord creates the draft record for a quote with a binding per channel
func NewDraftRecord(quoteID, owner string, channels []Channel, now time.Time) *ApprovalRecord {
	bindings := make(map[Channel]*ChannelBinding, len(channels))
	for _, ch := range channels {
		bindings[ch] = &ChannelBinding{
			LastSyncedStatus: workflow.StateDraft,
			SyncState:        SyncStateSynced,
		}
	}

	return &ApprovalRecord{
		QuoteID:          quoteID,
		Status:           workflow.StateDraft,
		SubmittedBy:      owner,
		ChannelBindings:  bindings,
		LastTransitionAt: now,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
}

// Approver returns the current approver id or "" when none is assigned
func (r *ApprovalRecord) Approver() string {
	if r.CurrentApproverID == nil {
		return ""
	}
	return *r.CurrentApproverID
}

// Binding returns the binding for a channel, or nil
func (r *ApprovalRecord) Binding(ch Channel) *ChannelBinding {
	if r.ChannelBindings == nil {
		return nil
	}
	return r.ChannelBindings[ch]
}

// Channels returns the bound channels in a stable order
func (r *ApprovalRecord) Channels() []Channel {
	out := make([]Channel, 0, len(r.ChannelBindings))
	for _, ch := range []Channel{ChannelInternal, ChannelExternal} {
		if _, ok := r.ChannelBindings[ch]; ok {
			out = append(out, ch)
		}
	}
	return out
}

// Clone returns a deep copy of the record
func (r *ApprovalRecord) Clone() *ApprovalRecord {
	if r == nil {
		return nil
	}

	c := *r
	c.CurrentApproverID = cloneString(r.CurrentApproverID)
	c.SubmittedAt = cloneTime(r.SubmittedAt)
	c.PendingInputDeadline = cloneTime(r.PendingInputDeadline)
	if r.ChannelBindings != nil {
		c.ChannelBindings = make(map[Channel]*ChannelBinding, len(r.ChannelBindings))
		for ch, b := range r.ChannelBindings {
			c.ChannelBindings[ch] = b.Clone()
		}
	}
	return &c
}

// Clone returns a deep copy of the binding
func (b *ChannelBinding) Clone() *ChannelBinding {
	if b == nil {
		return nil
	}
	c := *b
	c.ExternalReferenceID = cloneString(b.ExternalReferenceID)
	c.LastAttemptAt = cloneTime(b.LastAttemptAt)
	return &c
}

// Reference returns the external reference id or ""
func (b *ChannelBinding) Reference() string {
	if b == nil || b.ExternalReferenceID == nil {
		return ""
	}
	return *b.ExternalReferenceID
}

// StringPtr returns a pointer to s, or nil when s is empty
func StringPtr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func cloneString(s *string) *string {
	if s == nil {
		return nil
	}
	v := *s
	return &v
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

// SyncSummary folds the binding states into one: conflict wins over pending,
// pending over synced.
func (r *ApprovalRecord) SyncSummary() SyncState {
	summary := SyncStateSynced
	for _, b := range r.ChannelBindings {
		switch b.SyncState {
		case SyncStateConflict:
			return SyncStateConflict
		case SyncStatePending:
			summary = SyncStatePending
		}
	}
	return summary
}
