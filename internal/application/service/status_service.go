package service

import (
	"context"
	"errors"
	"fmt"
	"iter"

	"github.com/garyjia/quote-approval/internal/application/port"
	"github.com/garyjia/quote-approval/internal/domain/entity"
	"github.com/garyjia/quote-approval/internal/domain/permission"
	"github.com/garyjia/quote-approval/internal/domain/transition"
	"github.com/garyjia/quote-approval/internal/domain/workflow"
)

// ChannelStatus is the sync view of one binding
type ChannelStatus struct {
	Channel             entity.Channel   `json:"channel"`
	SyncState           entity.SyncState `json:"sync_state"`
	LastSyncedStatus    workflow.State   `json:"last_synced_status"`
	ExternalReferenceID string           `json:"external_reference_id,omitempty"`
	AttemptCount        int              `json:"attempt_count"`
	LastError           string           `json:"last_error,omitempty"`
}

// Discrepancy reports a channel whose acknowledged status differs from the record
type Discrepancy struct {
	Channel      entity.Channel   `json:"channel"`
	Internal     workflow.State   `json:"internal_status"`
	Acknowledged workflow.State   `json:"acknowledged_status"`
	SyncState    entity.SyncState `json:"sync_state"`
}

// Verification is the outcome of replaying the ledger of the current cycle
type Verification struct {
	RecordStatus   workflow.State `json:"record_status"`
	ReplayedStatus workflow.State `json:"replayed_status,omitempty"`
	Consistent     bool           `json:"consistent"`
	Error          string         `json:"error,omitempty"`
}

// StatusView is the read model served to pollers
type StatusView struct {
	Record        *entity.ApprovalRecord `json:"record"`
	Permissions   []workflow.Action      `json:"permissions"`
	SyncState     entity.SyncState       `json:"sync_state"`
	Channels      []ChannelStatus        `json:"channels"`
	Discrepancies []Discrepancy          `json:"discrepancies"`
	Verification  *Verification          `json:"verification,omitempty"`
}

// StatusService answers read-only queries. It takes no locks and may observe
// a slightly stale version.
type StatusService interface {
	GetStatus(ctx context.Context, quoteID string, actor *entity.Actor, verify bool) (*StatusView, error)
	History(ctx context.Context, quoteID string) (iter.Seq2[*entity.ApprovalOperation, error], error)
	Verify(ctx context.Context, quoteID string) (*Verification, error)
}

type statusServiceImpl struct {
	records  port.RecordRepository
	history  port.HistoryRepository
	resolver *permission.Resolver
	logger   Logger
}

// NewStatusService creates a new StatusService
func NewStatusService(
	records port.RecordRepository,
	history port.HistoryRepository,
	resolver *permission.Resolver,
	logger Logger,
) StatusService {
	if logger == nil {
		logger = nopLogger{}
	}
	return &statusServiceImpl{
		records:  records,
		history:  history,
		resolver: resolver,
		logger:   logger,
	}
}

func (s *statusServiceImpl) GetStatus(ctx context.Context, quoteID string, actor *entity.Actor, verify bool) (*StatusView, error) {
	rec, err := s.get(ctx, quoteID)
	if err != nil {
		return nil, err
	}

	view := &StatusView{
		Record:        rec,
		Permissions:   []workflow.Action{},
		SyncState:     rec.SyncSummary(),
		Channels:      make([]ChannelStatus, 0, len(rec.ChannelBindings)),
		Discrepancies: []Discrepancy{},
	}
	if actor != nil && actor.ID != "" {
		canonical := *actor
		canonical.ID = entity.CanonicalID(actor.ID)
		view.Permissions = s.resolver.Permitted(rec, &canonical)
	}

	for _, ch := range rec.Channels() {
		b := rec.Binding(ch)
		view.Channels = append(view.Channels, ChannelStatus{
			Channel:             ch,
			SyncState:           b.SyncState,
			LastSyncedStatus:    b.LastSyncedStatus,
			ExternalReferenceID: b.Reference(),
			AttemptCount:        b.AttemptCount,
			LastError:           b.LastError,
		})
		if b.LastSyncedStatus != rec.Status || b.SyncState != entity.SyncStateSynced {
			view.Discrepancies = append(view.Discrepancies, Discrepancy{
				Channel:      ch,
				Internal:     rec.Status,
				Acknowledged: b.LastSyncedStatus,
				SyncState:    b.SyncState,
			})
		}
	}

	if verify {
		view.Verification = s.verify(ctx, rec)
	}
	return view, nil
}

func (s *statusServiceImpl) History(ctx context.Context, quoteID string) (iter.Seq2[*entity.ApprovalOperation, error], error) {
	if _, err := s.get(ctx, quoteID); err != nil {
		return nil, err
	}
	return s.history.List(ctx, quoteID), nil
}

func (s *statusServiceImpl) Verify(ctx context.Context, quoteID string) (*Verification, error) {
	rec, err := s.get(ctx, quoteID)
	if err != nil {
		return nil, err
	}
	return s.verify(ctx, rec), nil
}

func (s *statusServiceImpl) verify(ctx context.Context, rec *entity.ApprovalRecord) *Verification {
	v := &Verification{RecordStatus: rec.Status}

	replayed, err := transition.Replay(s.history.List(ctx, rec.QuoteID), rec.CycleCount)
	if err != nil {
		v.Error = err.Error()
		if errors.Is(err, transition.ErrLedgerInconsistent) {
			s.logger.Error("History ledger inconsistent", "quote_id", rec.QuoteID, "error", err)
		}
		return v
	}

	v.ReplayedStatus = replayed
	v.Consistent = replayed == rec.Status
	if !v.Consistent {
		s.logger.Error("Record status does not match history",
			"quote_id", rec.QuoteID,
			"record_status", rec.Status,
			"replayed_status", replayed,
		)
	}
	return v
}

func (s *statusServiceImpl) get(ctx context.Context, quoteID string) (*entity.ApprovalRecord, error) {
	rec, err := s.records.Get(ctx, quoteID)
	if err != nil {
		s.logger.Error("Failed to load record", "quote_id", quoteID, "error", err)
		return nil, fmt.Errorf("%w: %v", workflow.ErrStoreUnavailable, err)
	}
	if rec == nil {
		return nil, fmt.Errorf("%w: no approval record for quote %s", workflow.ErrNotFound, quoteID)
	}
	return rec, nil
}
