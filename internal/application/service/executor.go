package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/garyjia/quote-approval/internal/application/dispatcher"
	"github.com/garyjia/quote-approval/internal/application/keylock"
	"github.com/garyjia/quote-approval/internal/application/port"
	"github.com/garyjia/quote-approval/internal/domain/entity"
	"github.com/garyjia/quote-approval/internal/domain/event"
	"github.com/garyjia/quote-approval/internal/domain/permission"
	"github.com/garyjia/quote-approval/internal/domain/transition"
	"github.com/garyjia/quote-approval/internal/domain/workflow"
)

// OperateRequest is one actor-issued action against a quote
type OperateRequest struct {
	QuoteID string
	Action  workflow.Action
	Actor   entity.Actor
	Channel entity.Channel
	Payload entity.Payload

	// IdempotencyKey is the client request id for internal calls
	IdempotencyKey string

	// ExternalReferenceID identifies the external instance for external calls.
	// Defaults to the record's external binding.
	ExternalReferenceID string

	// ExpectedVersion, when set, must equal the stored version
	ExpectedVersion *int64
}

// OperationResult is returned by Execute and replayed verbatim for duplicates
type OperationResult struct {
	Record      *entity.ApprovalRecord    `json:"record"`
	Operation   *entity.ApprovalOperation `json:"operation"`
	Permissions []workflow.Action         `json:"permissions"`
	Duplicate   bool                      `json:"duplicate"`
}

// Executor applies approval operations
type Executor interface {
	// Execute runs one operation through permission, transition and commit
	Execute(ctx context.Context, req OperateRequest) (*OperationResult, error)

	// ExpireInput reverts an awaiting_input record whose deadline has passed.
	// Returns (nil, nil) when the record is no longer eligible.
	ExpireInput(ctx context.Context, quoteID string) (*entity.ApprovalRecord, error)

	// Register creates the draft record for a quote, or returns the existing one
	Register(ctx context.Context, quoteID, ownerID string) (*entity.ApprovalRecord, error)

	// Purge deletes every trace of a quote
	Purge(ctx context.Context, quoteID string) error
}

// ExecutorDeps groups the collaborators of the executor
type ExecutorDeps struct {
	Records     port.RecordRepository
	History     port.HistoryRepository
	Idempotency port.IdempotencyRepository
	TxManager   port.TransactionManager
	Resolver    *permission.Resolver
	Directory   port.ApproverDirectory
	Locks       *keylock.Locker
	Scheduler   port.SyncScheduler
	Dispatcher  dispatcher.Dispatcher
	Channels    []entity.Channel
	Clock       Clock
	Logger      Logger
}

type executorImpl struct {
	ExecutorDeps
}

// NewExecutor creates an Executor. Channels lists the bindings every new
// record receives; the internal channel is always included.
func NewExecutor(deps ExecutorDeps) Executor {
	if deps.Clock == nil {
		deps.Clock = systemClock
	}
	if deps.Logger == nil {
		deps.Logger = nopLogger{}
	}
	if deps.Locks == nil {
		deps.Locks = keylock.New()
	}

	channels := []entity.Channel{entity.ChannelInternal}
	for _, ch := range deps.Channels {
		if ch != entity.ChannelInternal && ch.IsValid() {
			channels = append(channels, ch)
		}
	}
	deps.Channels = channels

	return &executorImpl{ExecutorDeps: deps}
}

func (e *executorImpl) Execute(ctx context.Context, req OperateRequest) (result *OperationResult, err error) {
	ctx, span := startSpan(ctx, "executor.Execute", trace.WithAttributes(
		attribute.String("quote_id", req.QuoteID),
		attribute.String("action", req.Action.String()),
		attribute.String("channel", req.Channel.String()),
	))
	defer func() { endSpan(span, err) }()

	if err := validateRequest(&req); err != nil {
		return nil, err
	}

	// Internal callers that omit the version act on the record as it was
	// before they queued for the lock, so a racing loser sees a stale version.
	if req.ExpectedVersion == nil && req.Channel == entity.ChannelInternal {
		observed, err := e.observedVersion(ctx, req.QuoteID)
		if err != nil {
			return nil, err
		}
		req.ExpectedVersion = &observed
	}

	unlock, err := e.Locks.Lock(ctx, keylock.QuoteKey(req.QuoteID))
	if err != nil {
		return nil, fmt.Errorf("failed to lock quote %s: %w", req.QuoteID, err)
	}
	defer unlock()

	var committed *commit
	err = e.TxManager.WithTransaction(ctx, func(txCtx context.Context) error {
		res, c, err := e.apply(txCtx, req)
		if err != nil {
			return err
		}
		result, committed = res, c
		return nil
	})
	if err != nil {
		if errors.Is(err, workflow.ErrDuplicateOperation) {
			// another process committed the same key first
			return e.replay(ctx, req)
		}
		e.Logger.Error("Operation rejected",
			"quote_id", req.QuoteID,
			"action", req.Action,
			"actor_id", req.Actor.ID,
			"channel", req.Channel,
			"error", err,
		)
		return nil, err
	}

	if result.Duplicate {
		e.Logger.Info("Duplicate operation replayed",
			"quote_id", req.QuoteID,
			"action", req.Action,
			"version", result.Record.Version,
		)
		return result, nil
	}

	e.afterCommit(ctx, committed)
	e.Logger.Info("Operation committed",
		"quote_id", req.QuoteID,
		"action", req.Action,
		"actor_id", req.Actor.ID,
		"status", result.Record.Status,
		"version", result.Record.Version,
		"cycle", result.Record.CycleCount,
	)
	return result, nil
}

// commit carries what must happen once a transaction is durable
type commit struct {
	record    *entity.ApprovalRecord
	operation *entity.ApprovalOperation
	enqueue   []entity.Channel
}

func (e *executorImpl) apply(ctx context.Context, req OperateRequest) (*OperationResult, *commit, error) {
	rec, isNew, err := e.load(ctx, req)
	if err != nil {
		return nil, nil, err
	}

	key, err := idempotencyKey(rec, req)
	if err != nil {
		return nil, nil, err
	}
	if prior, err := e.lookup(ctx, req.QuoteID, key); err != nil || prior != nil {
		return prior, nil, err
	}

	if req.ExpectedVersion != nil && *req.ExpectedVersion != rec.Version {
		return nil, nil, fmt.Errorf("%w: quote %s is at version %d, caller read %d",
			workflow.ErrVersionConflict, req.QuoteID, rec.Version, *req.ExpectedVersion)
	}

	if !workflow.CanApply(rec.Status, req.Action) {
		return nil, nil, fmt.Errorf("%w: cannot %s a quote in %s", workflow.ErrInvalidTransition, req.Action, rec.Status)
	}

	if err := e.Resolver.Check(rec, &req.Actor, req.Action, req.Payload.DelegateTo).Err(); err != nil {
		return nil, nil, err
	}

	treq := transition.Request{
		Action:              req.Action,
		Actor:               &req.Actor,
		Channel:             req.Channel,
		Payload:             req.Payload,
		ExternalReferenceID: req.ExternalReferenceID,
		Now:                 e.Clock(),
	}
	if err := e.resolveTargets(ctx, rec, req, &treq); err != nil {
		return nil, nil, err
	}

	out, err := transition.Apply(ctx, rec, treq)
	if err != nil {
		return nil, nil, err
	}

	next, op := out.Record, out.Operation
	next.Version = rec.Version + 1
	op.ID = uuid.NewString()
	enqueue := markBindings(next, req.Channel, out.ResetBindings)

	result := &OperationResult{
		Record:      next,
		Operation:   op,
		Permissions: e.Resolver.Permitted(next, &req.Actor),
	}

	if isNew {
		err = e.Records.Create(ctx, next)
	} else {
		err = e.Records.Update(ctx, next, rec.Version)
	}
	if err != nil {
		return nil, nil, err
	}
	if err := e.History.Append(ctx, op); err != nil {
		return nil, nil, fmt.Errorf("failed to append history: %w", err)
	}
	if err := e.remember(ctx, req.QuoteID, key, result); err != nil {
		return nil, nil, err
	}

	return result, &commit{record: next, operation: op, enqueue: enqueue}, nil
}

// observedVersion reads the stored version without the quote lock; 0 when
// the quote has no record yet.
func (e *executorImpl) observedVersion(ctx context.Context, quoteID string) (int64, error) {
	rec, err := e.Records.Get(ctx, quoteID)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", workflow.ErrStoreUnavailable, err)
	}
	if rec == nil {
		return 0, nil
	}
	return rec.Version, nil
}

// load reads the record, materializing a virtual draft for a first submit
func (e *executorImpl) load(ctx context.Context, req OperateRequest) (*entity.ApprovalRecord, bool, error) {
	rec, err := e.Records.Get(ctx, req.QuoteID)
	if err != nil {
		return nil, false, fmt.Errorf("%w: %v", workflow.ErrStoreUnavailable, err)
	}
	if rec != nil {
		return rec, false, nil
	}
	if req.Action != workflow.ActionSubmit {
		return nil, false, fmt.Errorf("%w: no approval record for quote %s", workflow.ErrNotFound, req.QuoteID)
	}

	// version 0 commits as version 1
	return entity.NewDraftRecord(req.QuoteID, req.Actor.ID, e.Channels, e.Clock()), true, nil
}

func (e *executorImpl) resolveTargets(ctx context.Context, rec *entity.ApprovalRecord, req OperateRequest, treq *transition.Request) error {
	switch req.Action {
	case workflow.ActionSubmit:
		if e.Directory == nil {
			return nil
		}
		submitter := rec.SubmittedBy
		if submitter == "" {
			submitter = req.Actor.ID
		}
		first, err := e.Directory.FirstApprover(ctx, req.QuoteID, submitter)
		if err != nil {
			return fmt.Errorf("failed to resolve first approver: %w", err)
		}
		treq.FirstApprover = first

	case workflow.ActionForward:
		to := strings.TrimSpace(req.Payload.ForwardedToID)
		if to != "" && e.Directory != nil && !e.Directory.IsApprover(entity.CanonicalID(to)) {
			return fmt.Errorf("%w: %s is not a known approver", workflow.ErrValidation, to)
		}
	}
	return nil
}

func (e *executorImpl) lookup(ctx context.Context, quoteID, key string) (*OperationResult, error) {
	entry, err := e.Idempotency.Get(ctx, quoteID, key)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", workflow.ErrStoreUnavailable, err)
	}
	if entry == nil {
		return nil, nil
	}

	var prior OperationResult
	if err := json.Unmarshal(entry.Result, &prior); err != nil {
		return nil, fmt.Errorf("failed to decode stored result for key %s: %w", key, err)
	}
	prior.Duplicate = true
	return &prior, nil
}

func (e *executorImpl) remember(ctx context.Context, quoteID, key string, result *OperationResult) error {
	body, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("failed to encode result: %w", err)
	}
	return e.Idempotency.Put(ctx, &entity.IdempotencyEntry{
		QuoteID:   quoteID,
		Key:       key,
		Result:    body,
		CreatedAt: e.Clock(),
	})
}

func (e *executorImpl) replay(ctx context.Context, req OperateRequest) (*OperationResult, error) {
	rec, err := e.Records.Get(ctx, req.QuoteID)
	if err != nil || rec == nil {
		return nil, fmt.Errorf("%w: quote %s", workflow.ErrDuplicateOperation, req.QuoteID)
	}
	key, err := idempotencyKey(rec, req)
	if err != nil {
		return nil, err
	}
	prior, err := e.lookup(ctx, req.QuoteID, key)
	if err != nil {
		return nil, err
	}
	if prior == nil {
		return nil, fmt.Errorf("%w: quote %s", workflow.ErrDuplicateOperation, req.QuoteID)
	}
	return prior, nil
}

func (e *executorImpl) afterCommit(ctx context.Context, c *commit) {
	if e.Scheduler != nil {
		for _, ch := range c.enqueue {
			e.Scheduler.Enqueue(c.record.QuoteID, ch)
		}
	}
	if e.Dispatcher != nil {
		e.Dispatcher.DispatchAsync(context.WithoutCancel(ctx), event.NewCommitted(c.record, c.operation))
	}
}

func (e *executorImpl) ExpireInput(ctx context.Context, quoteID string) (expired *entity.ApprovalRecord, err error) {
	ctx, span := startSpan(ctx, "executor.ExpireInput", trace.WithAttributes(attribute.String("quote_id", quoteID)))
	defer func() { endSpan(span, err) }()

	unlock, err := e.Locks.Lock(ctx, keylock.QuoteKey(quoteID))
	if err != nil {
		return nil, fmt.Errorf("failed to lock quote %s: %w", quoteID, err)
	}
	defer unlock()

	var committed *commit
	err = e.TxManager.WithTransaction(ctx, func(txCtx context.Context) error {
		rec, err := e.Records.Get(txCtx, quoteID)
		if err != nil {
			return fmt.Errorf("%w: %v", workflow.ErrStoreUnavailable, err)
		}
		now := e.Clock()
		if rec == nil || rec.Status != workflow.StateAwaitingInput ||
			rec.PendingInputDeadline == nil || rec.PendingInputDeadline.After(now) {
			return nil
		}

		out, err := transition.Apply(txCtx, rec, transition.Request{
			Action:  workflow.ActionExpireInput,
			Channel: entity.ChannelInternal,
			Now:     now,
		})
		if err != nil {
			return err
		}

		next, op := out.Record, out.Operation
		next.Version = rec.Version + 1
		op.ID = uuid.NewString()
		enqueue := markBindings(next, entity.ChannelInternal, false)

		if err := e.Records.Update(txCtx, next, rec.Version); err != nil {
			return err
		}
		if err := e.History.Append(txCtx, op); err != nil {
			return fmt.Errorf("failed to append history: %w", err)
		}
		committed = &commit{record: next, operation: op, enqueue: enqueue}
		return nil
	})
	if err != nil {
		e.Logger.Error("Failed to expire input deadline", "quote_id", quoteID, "error", err)
		return nil, err
	}
	if committed == nil {
		return nil, nil
	}

	e.afterCommit(ctx, committed)
	e.Logger.Info("Input deadline expired", "quote_id", quoteID, "version", committed.record.Version)
	return committed.record, nil
}

func (e *executorImpl) Register(ctx context.Context, quoteID, ownerID string) (*entity.ApprovalRecord, error) {
	quoteID = strings.TrimSpace(quoteID)
	ownerID = entity.CanonicalID(strings.TrimSpace(ownerID))
	if quoteID == "" || ownerID == "" {
		return nil, fmt.Errorf("%w: quote id and owner id are required", workflow.ErrValidation)
	}

	unlock, err := e.Locks.Lock(ctx, keylock.QuoteKey(quoteID))
	if err != nil {
		return nil, fmt.Errorf("failed to lock quote %s: %w", quoteID, err)
	}
	defer unlock()

	existing, err := e.Records.Get(ctx, quoteID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", workflow.ErrStoreUnavailable, err)
	}
	if existing != nil {
		return existing, nil
	}

	rec := entity.NewDraftRecord(quoteID, ownerID, e.Channels, e.Clock())
	rec.Version = 1
	if err := e.Records.Create(ctx, rec); err != nil {
		e.Logger.Error("Failed to register quote", "quote_id", quoteID, "error", err)
		return nil, err
	}

	if e.Dispatcher != nil {
		e.Dispatcher.DispatchAsync(context.WithoutCancel(ctx), event.NewEvent(event.TypeApprovalRegistered, quoteID,
			map[string]interface{}{event.KeyStatus: string(rec.Status), event.KeyVersion: rec.Version}))
	}
	e.Logger.Info("Quote registered", "quote_id", quoteID, "owner_id", ownerID)
	return rec, nil
}

func (e *executorImpl) Purge(ctx context.Context, quoteID string) error {
	unlock, err := e.Locks.Lock(ctx, keylock.QuoteKey(quoteID))
	if err != nil {
		return fmt.Errorf("failed to lock quote %s: %w", quoteID, err)
	}
	defer unlock()

	rec, err := e.Records.Get(ctx, quoteID)
	if err != nil {
		return fmt.Errorf("%w: %v", workflow.ErrStoreUnavailable, err)
	}
	if rec == nil {
		return fmt.Errorf("%w: no approval record for quote %s", workflow.ErrNotFound, quoteID)
	}

	err = e.TxManager.WithTransaction(ctx, func(txCtx context.Context) error {
		if err := e.Idempotency.DeleteByQuote(txCtx, quoteID); err != nil {
			return fmt.Errorf("failed to delete idempotency keys: %w", err)
		}
		if err := e.History.DeleteByQuote(txCtx, quoteID); err != nil {
			return fmt.Errorf("failed to delete history: %w", err)
		}
		return e.Records.Delete(txCtx, quoteID)
	})
	if err != nil {
		e.Logger.Error("Failed to purge quote", "quote_id", quoteID, "error", err)
		return err
	}

	if e.Dispatcher != nil {
		e.Dispatcher.DispatchAsync(context.WithoutCancel(ctx), event.NewEvent(event.TypeApprovalPurged, quoteID, nil))
	}
	e.Logger.Info("Quote purged", "quote_id", quoteID)
	return nil
}

// markBindings updates binding sync states after a transition and returns the
// channels that need a push. The origin channel already reflects the change.
// Conflicted bindings keep waiting for a manual resync unless a new cycle starts.
func markBindings(rec *entity.ApprovalRecord, origin entity.Channel, reset bool) []entity.Channel {
	var enqueue []entity.Channel
	for _, ch := range rec.Channels() {
		b := rec.Binding(ch)
		switch {
		case reset:
			b.SyncState = entity.SyncStatePending
		case b.SyncState == entity.SyncStateConflict && ch != origin:
			continue
		case ch == origin:
			b.SyncState = entity.SyncStateSynced
			b.LastSyncedStatus = rec.Status
			b.LastError = ""
		default:
			b.SyncState = entity.SyncStatePending
		}
		b.AttemptCount = 0

		if b.SyncState == entity.SyncStatePending {
			enqueue = append(enqueue, ch)
		}
	}
	return enqueue
}

func validateRequest(req *OperateRequest) error {
	req.QuoteID = strings.TrimSpace(req.QuoteID)
	req.Actor.ID = entity.CanonicalID(strings.TrimSpace(req.Actor.ID))
	req.IdempotencyKey = strings.TrimSpace(req.IdempotencyKey)
	req.ExternalReferenceID = strings.TrimSpace(req.ExternalReferenceID)

	switch {
	case req.QuoteID == "":
		return fmt.Errorf("%w: quote id is required", workflow.ErrValidation)
	case !req.Action.IsValid() || req.Action.IsSystem():
		return fmt.Errorf("%w: unknown action %q", workflow.ErrValidation, req.Action)
	case req.Actor.ID == "":
		return fmt.Errorf("%w: actor id is required", workflow.ErrValidation)
	case !req.Channel.IsValid():
		return fmt.Errorf("%w: unknown channel %q", workflow.ErrValidation, req.Channel)
	case req.Channel == entity.ChannelInternal && req.IdempotencyKey == "":
		return fmt.Errorf("%w: idempotency_key is required", workflow.ErrValidation)
	}
	return nil
}

// idempotencyKey derives the dedupe key. External deliveries are keyed by what
// they describe so redelivered webhooks collapse; internal calls use the
// client's request id.
func idempotencyKey(rec *entity.ApprovalRecord, req OperateRequest) (string, error) {
	if req.Channel == entity.ChannelInternal {
		return entity.CanonicalID(req.IdempotencyKey), nil
	}

	ref := req.ExternalReferenceID
	if ref == "" {
		ref = rec.Binding(entity.ChannelExternal).Reference()
	}
	if ref == "" {
		return "", fmt.Errorf("%w: external operations need an external reference id", workflow.ErrValidation)
	}
	return entity.CanonicalID(strings.Join([]string{
		rec.QuoteID,
		strconv.Itoa(rec.CycleCount),
		req.Action.String(),
		ref,
	}, ":")), nil
}
