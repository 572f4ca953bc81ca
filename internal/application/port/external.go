package port

import (
	"context"
	"time"

	"github.com/garyjia/quote-approval/internal/domain/entity"
	"github.com/garyjia/quote-approval/internal/domain/workflow"
)

// ExternalSnapshot is the status a channel reports for a reference
type ExternalSnapshot struct {
	ExternalReferenceID string
	Status              workflow.State
	RawStatus           string
	UpdatedAt           time.Time
}

// ChannelAdapter mirrors approval records into one channel
type ChannelAdapter interface {
	Channel() entity.Channel

	// Push brings the channel in line with rec and returns its reference.
	// Pushing a record that is already mirrored must be harmless.
	Push(ctx context.Context, rec *entity.ApprovalRecord) (string, error)

	// Pull reads the channel's current view of a reference
	Pull(ctx context.Context, ref string) (*ExternalSnapshot, error)

	// Project maps an internal status to the status the channel can represent
	Project(status workflow.State) workflow.State

	// Translate maps a raw channel status to an internal one
	Translate(raw string) (workflow.State, bool)
}

// ApproverDirectory resolves approvers
type ApproverDirectory interface {
	IsApprover(id string) bool

	// FirstApprover returns the approver for a submitter, or "" if none is configured
	FirstApprover(ctx context.Context, quoteID, submitterID string) (string, error)
}

// Alert severities
const (
	SeverityWarning  = "warning"
	SeverityCritical = "critical"
)

// Alert is an operability notification
type Alert struct {
	Severity string
	Source   string
	QuoteID  string
	Message  string
	Err      error
}

// Alerter notifies whoever operates the engine
type Alerter interface {
	Alert(ctx context.Context, alert Alert)
}

// SyncScheduler accepts channel sync work from the executor
type SyncScheduler interface {
	Enqueue(quoteID string, channel entity.Channel)
}
