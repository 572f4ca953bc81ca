// Package channel holds the in-application channel adapter.
package channel

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/garyjia/quote-approval/internal/application/port"
	"github.com/garyjia/quote-approval/internal/domain/entity"
	"github.com/garyjia/quote-approval/internal/domain/workflow"
)

// InternalAdapter is the channel of the application's own UI. The UI reads
// the authoritative record directly, so a push only acknowledges the record
// and the quote id serves as the reference.
type InternalAdapter struct {
	records port.RecordRepository
	logger  *zap.Logger
}

// NewInternalAdapter creates the internal channel adapter
func NewInternalAdapter(records port.RecordRepository, logger *zap.Logger) *InternalAdapter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &InternalAdapter{records: records, logger: logger}
}

func (a *InternalAdapter) Channel() entity.Channel {
	return entity.ChannelInternal
}

func (a *InternalAdapter) Push(_ context.Context, rec *entity.ApprovalRecord) (string, error) {
	a.logger.Debug("Internal channel acknowledged record",
		zap.String("quote_id", rec.QuoteID),
		zap.String("status", string(rec.Status)),
		zap.Int64("version", rec.Version))
	return rec.QuoteID, nil
}

func (a *InternalAdapter) Pull(ctx context.Context, ref string) (*port.ExternalSnapshot, error) {
	rec, err := a.records.Get(ctx, ref)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, fmt.Errorf("%w: no approval record for quote %s", workflow.ErrNotFound, ref)
	}
	return &port.ExternalSnapshot{
		ExternalReferenceID: ref,
		Status:              rec.Status,
		RawStatus:           string(rec.Status),
		UpdatedAt:           rec.LastTransitionAt,
	}, nil
}

// Project is the identity: the UI shows every resting state
func (a *InternalAdapter) Project(status workflow.State) workflow.State {
	return status
}

func (a *InternalAdapter) Translate(raw string) (workflow.State, bool) {
	s, err := workflow.ParseState(raw)
	return s, err == nil
}

var _ port.ChannelAdapter = (*InternalAdapter)(nil)
