package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/garyjia/quote-approval/internal/application/port"
	"github.com/garyjia/quote-approval/internal/domain/entity"
	"github.com/garyjia/quote-approval/internal/domain/workflow"
)

// ExternalEvent is a verified status notification from an external channel
type ExternalEvent struct {
	ExternalReferenceID string
	ExternalStatus      string
	Timestamp           time.Time
	ActorID             string
	Comment             string
}

// InboundOutcome describes how an external event was handled
type InboundOutcome string

const (
	InboundApplied      InboundOutcome = "applied"
	InboundDuplicate    InboundOutcome = "duplicate"
	InboundAcknowledged InboundOutcome = "acknowledged"
	InboundConflict     InboundOutcome = "conflict"
)

// InboundResult is returned for every handled external event
type InboundResult struct {
	Outcome InboundOutcome         `json:"outcome"`
	Action  workflow.Action        `json:"action,omitempty"`
	Record  *entity.ApprovalRecord `json:"record"`
}

// InboundService turns external channel notifications into engine operations
type InboundService interface {
	Handle(ctx context.Context, evt ExternalEvent) (*InboundResult, error)
}

type inboundServiceImpl struct {
	records  port.RecordRepository
	executor Executor
	sync     SyncService
	adapter  port.ChannelAdapter
	role     string
	logger   Logger
}

// NewInboundService creates an InboundService for the adapter's channel.
// Actors of external events carry externalRole.
func NewInboundService(
	records port.RecordRepository,
	executor Executor,
	sync SyncService,
	adapter port.ChannelAdapter,
	externalRole string,
	logger Logger,
) InboundService {
	if logger == nil {
		logger = nopLogger{}
	}
	return &inboundServiceImpl{
		records:  records,
		executor: executor,
		sync:     sync,
		adapter:  adapter,
		role:     externalRole,
		logger:   logger,
	}
}

func (s *inboundServiceImpl) Handle(ctx context.Context, evt ExternalEvent) (result *InboundResult, err error) {
	ctx, span := startSpan(ctx, "inbound.Handle", trace.WithAttributes(
		attribute.String("external_reference_id", evt.ExternalReferenceID),
		attribute.String("external_status", evt.ExternalStatus),
	))
	defer func() { endSpan(span, err) }()

	channel := s.adapter.Channel()
	ref := strings.TrimSpace(evt.ExternalReferenceID)
	if ref == "" {
		return nil, fmt.Errorf("%w: externalReferenceId is required", workflow.ErrValidation)
	}

	status, ok := s.adapter.Translate(evt.ExternalStatus)
	if !ok {
		return nil, fmt.Errorf("%w: unsupported external status %q", workflow.ErrValidation, evt.ExternalStatus)
	}

	rec, err := s.records.GetByExternalReference(ctx, channel, ref)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", workflow.ErrStoreUnavailable, err)
	}
	if rec == nil {
		return nil, fmt.Errorf("%w: no record bound to %s reference %s", workflow.ErrNotFound, channel, ref)
	}

	if status == s.adapter.Project(rec.Status) {
		if err := s.sync.Acknowledge(ctx, rec.QuoteID, channel, rec.Version); err != nil {
			return nil, err
		}
		s.logger.Info("External event acknowledged", "quote_id", rec.QuoteID, "status", status)
		return &InboundResult{Outcome: InboundAcknowledged, Record: rec}, nil
	}

	action, payload, ok := s.actionFor(status, evt)
	if !ok || (!evt.Timestamp.IsZero() && evt.Timestamp.Before(rec.LastTransitionAt)) {
		return s.conflict(ctx, rec, fmt.Sprintf("external status %s at %s disagrees with %s",
			evt.ExternalStatus, formatTime(evt.Timestamp), rec.Status))
	}

	actorID := strings.TrimSpace(evt.ActorID)
	if actorID == "" {
		actorID = "external:" + ref
	}

	res, err := s.executor.Execute(ctx, OperateRequest{
		QuoteID:             rec.QuoteID,
		Action:              action,
		Actor:               entity.Actor{ID: actorID, Roles: []string{s.role}},
		Channel:             channel,
		Payload:             payload,
		ExternalReferenceID: ref,
	})
	if errors.Is(err, workflow.ErrInvalidTransition) {
		return s.conflict(ctx, rec, fmt.Sprintf("external %s cannot be applied: %v", action, err))
	}
	if err != nil {
		return nil, err
	}

	outcome := InboundApplied
	if res.Duplicate {
		outcome = InboundDuplicate
	}
	return &InboundResult{Outcome: outcome, Action: action, Record: res.Record}, nil
}

func (s *inboundServiceImpl) actionFor(status workflow.State, evt ExternalEvent) (workflow.Action, entity.Payload, bool) {
	comment := strings.TrimSpace(evt.Comment)

	switch status {
	case workflow.StateApproved:
		return workflow.ActionApprove, entity.Payload{Comments: comment}, true
	case workflow.StateRejected:
		reason := comment
		if reason == "" {
			reason = "rejected in " + s.adapter.Channel().String() + " channel"
		}
		return workflow.ActionReject, entity.Payload{Reason: reason, Comments: comment}, true
	case workflow.StateReturnedForRevision:
		if comment == "" {
			comment = "returned in " + s.adapter.Channel().String() + " channel"
		}
		return workflow.ActionReturnForRevision, entity.Payload{Comments: comment}, true
	case workflow.StateWithdrawn:
		return workflow.ActionWithdraw, entity.Payload{Comments: comment}, true
	default:
		return "", entity.Payload{}, false
	}
}

func (s *inboundServiceImpl) conflict(ctx context.Context, rec *entity.ApprovalRecord, reason string) (*InboundResult, error) {
	if err := s.sync.MarkConflict(ctx, rec.QuoteID, s.adapter.Channel(), reason); err != nil {
		return nil, err
	}
	fresh, err := s.records.Get(ctx, rec.QuoteID)
	if err != nil || fresh == nil {
		fresh = rec
	}
	return &InboundResult{Outcome: InboundConflict, Record: fresh}, nil
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "unknown time"
	}
	return t.UTC().Format(time.RFC3339)
}
