package service

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/garyjia/quote-approval/internal/application/dispatcher"
	"github.com/garyjia/quote-approval/internal/application/keylock"
	"github.com/garyjia/quote-approval/internal/application/port"
	"github.com/garyjia/quote-approval/internal/domain/entity"
	"github.com/garyjia/quote-approval/internal/domain/event"
	"github.com/garyjia/quote-approval/internal/domain/workflow"
)

// SyncConfig bounds the sync worker pool and its retry policy
type SyncConfig struct {
	Workers     int
	QueueSize   int
	MaxAttempts int
	BackoffBase time.Duration
	BackoffMax  time.Duration
}

func (c SyncConfig) withDefaults() SyncConfig {
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 256
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 5
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = time.Second
	}
	if c.BackoffMax <= 0 {
		c.BackoffMax = time.Minute
	}
	return c
}

// Backoff returns the wait before retry number attempt (1-based)
func (c SyncConfig) Backoff(attempt int) time.Duration {
	d := c.BackoffBase
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= c.BackoffMax {
			return c.BackoffMax
		}
	}
	if d > c.BackoffMax {
		return c.BackoffMax
	}
	return d
}

// Sleeper waits for d or until ctx is done
type Sleeper func(ctx context.Context, d time.Duration) error

func timerSleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ReconcileOutcome describes what a pull comparison decided
type ReconcileOutcome string

const (
	ReconcileInSync    ReconcileOutcome = "in_sync"
	ReconcilePushed    ReconcileOutcome = "push_scheduled"
	ReconcileConflict  ReconcileOutcome = "conflict"
	ReconcileUnbound   ReconcileOutcome = "unbound"
	ReconcileUnchanged ReconcileOutcome = "unchanged"
)

// SyncService propagates committed records to channels
type SyncService interface {
	port.SyncScheduler

	// Start launches the worker pool
	Start(ctx context.Context)

	// Stop stops accepting work and waits for in-flight tasks
	Stop()

	// SyncNow runs one sync task for a binding on the caller's goroutine
	SyncNow(ctx context.Context, quoteID string, channel entity.Channel) error

	// Resync makes one immediate push attempt for every conflicted or pending
	// binding. Bindings that still fail go back to the retry queue.
	Resync(ctx context.Context, quoteID string) (*entity.ApprovalRecord, error)

	// Reconcile pulls the channel's view of a record and compares it
	Reconcile(ctx context.Context, quoteID string, channel entity.Channel) (ReconcileOutcome, error)

	// Acknowledge marks a binding synced if the record is still at version
	Acknowledge(ctx context.Context, quoteID string, channel entity.Channel, version int64) error

	// MarkConflict flags a binding for manual reconciliation
	MarkConflict(ctx context.Context, quoteID string, channel entity.Channel, reason string) error

	// RecoverPending re-enqueues bindings left pending by a previous process
	RecoverPending(ctx context.Context) (int, error)
}

type taskState int

const (
	taskQueued taskState = iota
	taskRunning
	taskDirty
)

type syncServiceImpl struct {
	records    port.RecordRepository
	adapters   map[entity.Channel]port.ChannelAdapter
	locks      *keylock.Locker
	alerter    port.Alerter
	dispatcher dispatcher.Dispatcher
	cfg        SyncConfig
	sleep      Sleeper
	clock      Clock
	logger     Logger

	queue   chan port.SyncTarget
	mu      sync.Mutex
	tasks   map[port.SyncTarget]taskState
	stopped bool
	wg      sync.WaitGroup
}

// SyncOption configures the sync service
type SyncOption func(*syncServiceImpl)

// WithSleeper replaces the timer used between retries
func WithSleeper(sleep Sleeper) SyncOption {
	return func(s *syncServiceImpl) {
		s.sleep = sleep
	}
}

// WithSyncClock replaces the clock used for attempt timestamps
func WithSyncClock(clock Clock) SyncOption {
	return func(s *syncServiceImpl) {
		s.clock = clock
	}
}

// WithSyncDispatcher publishes sync outcomes as events
func WithSyncDispatcher(d dispatcher.Dispatcher) SyncOption {
	return func(s *syncServiceImpl) {
		s.dispatcher = d
	}
}

// NewSyncService creates a SyncService. locks must be the locker the executor
// uses so binding writes serialize with operations on the same quote.
func NewSyncService(
	records port.RecordRepository,
	adapters []port.ChannelAdapter,
	locks *keylock.Locker,
	alerter port.Alerter,
	cfg SyncConfig,
	logger Logger,
	opts ...SyncOption,
) SyncService {
	cfg = cfg.withDefaults()
	if logger == nil {
		logger = nopLogger{}
	}

	s := &syncServiceImpl{
		records:  records,
		adapters: make(map[entity.Channel]port.ChannelAdapter, len(adapters)),
		locks:    locks,
		alerter:  alerter,
		cfg:      cfg,
		sleep:    timerSleep,
		clock:    systemClock,
		logger:   logger,
		queue:    make(chan port.SyncTarget, cfg.QueueSize),
		tasks:    make(map[port.SyncTarget]taskState),
	}
	for _, a := range adapters {
		s.adapters[a.Channel()] = a
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Enqueue schedules a push. Repeated requests for a binding that is already
// queued coalesce; a request for a running binding reruns it once afterwards.
func (s *syncServiceImpl) Enqueue(quoteID string, channel entity.Channel) {
	target := port.SyncTarget{QuoteID: quoteID, Channel: channel}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped {
		return
	}
	state, known := s.tasks[target]
	if known {
		if state == taskRunning {
			s.tasks[target] = taskDirty
		}
		return
	}

	select {
	case s.queue <- target:
		s.tasks[target] = taskQueued
	default:
		// the binding stays pending in the store and is picked up by recovery
		s.logger.Error("Sync queue full, deferring", "quote_id", quoteID, "channel", channel)
	}
}

func (s *syncServiceImpl) Start(ctx context.Context) {
	base := context.WithoutCancel(ctx)
	for i := 0; i < s.cfg.Workers; i++ {
		s.wg.Add(1)
		go s.worker(base, i)
	}
	s.logger.Info("Sync workers started", "workers", s.cfg.Workers, "queue_size", s.cfg.QueueSize)
}

func (s *syncServiceImpl) Stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	close(s.queue)
	s.mu.Unlock()

	s.wg.Wait()
	s.logger.Info("Sync workers stopped")
}

func (s *syncServiceImpl) worker(ctx context.Context, id int) {
	defer s.wg.Done()

	for target := range s.queue {
		s.mu.Lock()
		s.tasks[target] = taskRunning
		s.mu.Unlock()

		if err := s.SyncNow(ctx, target.QuoteID, target.Channel); err != nil {
			s.logger.Error("Sync task failed",
				"worker", id,
				"quote_id", target.QuoteID,
				"channel", target.Channel,
				"error", err,
			)
		}

		s.mu.Lock()
		rerun := s.tasks[target] == taskDirty
		delete(s.tasks, target)
		s.mu.Unlock()

		if rerun {
			s.Enqueue(target.QuoteID, target.Channel)
		}
	}
}

func (s *syncServiceImpl) SyncNow(ctx context.Context, quoteID string, channel entity.Channel) (err error) {
	ctx, span := startSpan(ctx, "sync.Push", trace.WithAttributes(
		attribute.String("quote_id", quoteID),
		attribute.String("channel", channel.String()),
	))
	defer func() { endSpan(span, err) }()

	adapter, ok := s.adapters[channel]
	if !ok {
		return fmt.Errorf("no adapter for channel %s", channel)
	}

	unlock, err := s.locks.Lock(ctx, keylock.SyncKey(quoteID, channel.String()))
	if err != nil {
		return err
	}
	defer unlock()

	var lastErr error
	for attempt := 1; attempt <= s.cfg.MaxAttempts; attempt++ {
		rec, err := s.records.Get(ctx, quoteID)
		if err != nil {
			return fmt.Errorf("%w: %v", workflow.ErrStoreUnavailable, err)
		}
		if rec == nil || rec.Binding(channel) == nil || rec.Binding(channel).SyncState != entity.SyncStatePending {
			return nil
		}

		ref, pushErr := adapter.Push(ctx, rec)
		if pushErr == nil {
			return s.markSynced(ctx, rec, channel, ref)
		}

		lastErr = pushErr
		if err := s.recordAttempt(ctx, quoteID, channel, attempt, pushErr); err != nil {
			return err
		}
		s.logger.Error("Channel push failed",
			"quote_id", quoteID,
			"channel", channel,
			"attempt", attempt,
			"max_attempts", s.cfg.MaxAttempts,
			"error", pushErr,
		)

		if attempt < s.cfg.MaxAttempts {
			if err := s.sleep(ctx, s.cfg.Backoff(attempt)); err != nil {
				return err
			}
		}
	}

	return s.exhausted(ctx, quoteID, channel, lastErr)
}

func (s *syncServiceImpl) Resync(ctx context.Context, quoteID string) (*entity.ApprovalRecord, error) {
	rec, err := s.records.Get(ctx, quoteID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", workflow.ErrStoreUnavailable, err)
	}
	if rec == nil {
		return nil, fmt.Errorf("%w: no approval record for quote %s", workflow.ErrNotFound, quoteID)
	}

	for _, ch := range rec.Channels() {
		if rec.Binding(ch).SyncState == entity.SyncStateSynced {
			continue
		}
		if err := s.resyncOne(ctx, quoteID, ch); err != nil {
			s.logger.Error("Resync attempt failed", "quote_id", quoteID, "channel", ch, "error", err)
		}
	}

	return s.records.Get(ctx, quoteID)
}

func (s *syncServiceImpl) resyncOne(ctx context.Context, quoteID string, channel entity.Channel) error {
	adapter, ok := s.adapters[channel]
	if !ok {
		return fmt.Errorf("no adapter for channel %s", channel)
	}

	unlock, err := s.locks.Lock(ctx, keylock.SyncKey(quoteID, channel.String()))
	if err != nil {
		return err
	}
	defer unlock()

	rec, err := s.records.Get(ctx, quoteID)
	if err != nil || rec == nil || rec.Binding(channel) == nil {
		return err
	}
	if rec.Binding(channel).SyncState == entity.SyncStateSynced {
		return nil
	}

	ref, pushErr := adapter.Push(ctx, rec)
	if pushErr == nil {
		return s.markSynced(ctx, rec, channel, ref)
	}

	err = s.updateBinding(ctx, quoteID, channel, func(_ *entity.ApprovalRecord, b *entity.ChannelBinding) bool {
		now := s.clock()
		b.SyncState = entity.SyncStatePending
		b.AttemptCount = 0
		b.LastAttemptAt = &now
		b.LastError = pushErr.Error()
		return true
	})
	if err != nil {
		return err
	}

	s.Enqueue(quoteID, channel)
	return fmt.Errorf("%w: %v", workflow.ErrChannelSyncFailure, pushErr)
}

func (s *syncServiceImpl) Reconcile(ctx context.Context, quoteID string, channel entity.Channel) (outcome ReconcileOutcome, err error) {
	ctx, span := startSpan(ctx, "sync.Reconcile", trace.WithAttributes(
		attribute.String("quote_id", quoteID),
		attribute.String("channel", channel.String()),
	))
	defer func() { endSpan(span, err) }()

	adapter, ok := s.adapters[channel]
	if !ok {
		return "", fmt.Errorf("no adapter for channel %s", channel)
	}

	rec, err := s.records.Get(ctx, quoteID)
	if err != nil {
		return "", fmt.Errorf("%w: %v", workflow.ErrStoreUnavailable, err)
	}
	if rec == nil {
		return "", fmt.Errorf("%w: no approval record for quote %s", workflow.ErrNotFound, quoteID)
	}
	b := rec.Binding(channel)
	if b.Reference() == "" {
		return ReconcileUnbound, nil
	}

	snap, err := adapter.Pull(ctx, b.Reference())
	if err != nil {
		return "", fmt.Errorf("%w: pull %s: %v", workflow.ErrChannelSyncFailure, b.Reference(), err)
	}

	if snap.Status == adapter.Project(rec.Status) {
		if b.SyncState == entity.SyncStateSynced && b.LastSyncedStatus == rec.Status {
			return ReconcileUnchanged, nil
		}
		return ReconcileInSync, s.Acknowledge(ctx, quoteID, channel, rec.Version)
	}

	if snap.UpdatedAt.After(rec.LastTransitionAt) {
		reason := fmt.Sprintf("channel reports %s (%s) at %s, engine has %s since %s",
			snap.Status, snap.RawStatus, snap.UpdatedAt.Format(time.RFC3339),
			rec.Status, rec.LastTransitionAt.Format(time.RFC3339))
		return ReconcileConflict, s.MarkConflict(ctx, quoteID, channel, reason)
	}

	if b.SyncState == entity.SyncStateConflict {
		return ReconcileUnchanged, nil
	}
	err = s.updateBinding(ctx, quoteID, channel, func(_ *entity.ApprovalRecord, b *entity.ChannelBinding) bool {
		if b.SyncState == entity.SyncStatePending {
			return false
		}
		b.SyncState = entity.SyncStatePending
		b.AttemptCount = 0
		return true
	})
	if err != nil {
		return "", err
	}
	s.Enqueue(quoteID, channel)
	return ReconcilePushed, nil
}

func (s *syncServiceImpl) Acknowledge(ctx context.Context, quoteID string, channel entity.Channel, version int64) error {
	acked := false
	err := s.updateBinding(ctx, quoteID, channel, func(rec *entity.ApprovalRecord, b *entity.ChannelBinding) bool {
		if rec.Version != version {
			return false
		}
		b.SyncState = entity.SyncStateSynced
		b.LastSyncedStatus = rec.Status
		b.AttemptCount = 0
		b.LastError = ""
		acked = true
		return true
	})
	if err == nil && acked {
		s.publish(ctx, event.TypeSyncCompleted, quoteID, channel, nil)
	}
	return err
}

func (s *syncServiceImpl) MarkConflict(ctx context.Context, quoteID string, channel entity.Channel, reason string) error {
	err := s.updateBinding(ctx, quoteID, channel, func(_ *entity.ApprovalRecord, b *entity.ChannelBinding) bool {
		b.SyncState = entity.SyncStateConflict
		b.LastError = reason
		return true
	})
	if err != nil {
		return err
	}

	s.alert(ctx, quoteID, channel, reason, nil)
	s.publish(ctx, event.TypeSyncConflict, quoteID, channel, map[string]interface{}{event.KeyError: reason})
	return nil
}

func (s *syncServiceImpl) RecoverPending(ctx context.Context) (int, error) {
	targets, err := s.records.ListPendingSyncs(ctx, 0)
	if err != nil {
		return 0, fmt.Errorf("failed to list pending syncs: %w", err)
	}
	for _, t := range targets {
		s.Enqueue(t.QuoteID, t.Channel)
	}
	if len(targets) > 0 {
		s.logger.Info("Recovered pending syncs", "count", len(targets))
	}
	return len(targets), nil
}

// markSynced stores the reference and acknowledges the pushed version. A
// record that moved on during the push stays pending for another round.
func (s *syncServiceImpl) markSynced(ctx context.Context, pushed *entity.ApprovalRecord, channel entity.Channel, ref string) error {
	synced := false
	err := s.updateBinding(ctx, pushed.QuoteID, channel, func(rec *entity.ApprovalRecord, b *entity.ChannelBinding) bool {
		if ref != "" {
			b.ExternalReferenceID = entity.StringPtr(ref)
		}
		b.LastError = ""
		b.AttemptCount = 0
		if rec.Version == pushed.Version {
			b.SyncState = entity.SyncStateSynced
			b.LastSyncedStatus = rec.Status
			synced = true
		}
		return true
	})
	if err != nil {
		return err
	}

	if !synced {
		s.Enqueue(pushed.QuoteID, channel)
		return nil
	}
	s.logger.Info("Channel synced",
		"quote_id", pushed.QuoteID,
		"channel", channel,
		"status", pushed.Status,
		"version", pushed.Version,
	)
	s.publish(ctx, event.TypeSyncCompleted, pushed.QuoteID, channel, map[string]interface{}{event.KeyReference: ref})
	return nil
}

func (s *syncServiceImpl) recordAttempt(ctx context.Context, quoteID string, channel entity.Channel, attempt int, pushErr error) error {
	return s.updateBinding(ctx, quoteID, channel, func(_ *entity.ApprovalRecord, b *entity.ChannelBinding) bool {
		now := s.clock()
		b.AttemptCount = attempt
		b.LastAttemptAt = &now
		b.LastError = pushErr.Error()
		return true
	})
}

func (s *syncServiceImpl) exhausted(ctx context.Context, quoteID string, channel entity.Channel, lastErr error) error {
	reason := fmt.Sprintf("push failed after %d attempts: %v", s.cfg.MaxAttempts, lastErr)
	if err := s.MarkConflict(ctx, quoteID, channel, reason); err != nil {
		return err
	}
	return fmt.Errorf("%w: %s", workflow.ErrChannelConflict, reason)
}

// updateBinding edits one binding under the quote lock. mutate returns false
// to skip the write.
func (s *syncServiceImpl) updateBinding(ctx context.Context, quoteID string, channel entity.Channel, mutate func(rec *entity.ApprovalRecord, b *entity.ChannelBinding) bool) error {
	unlock, err := s.locks.Lock(ctx, keylock.QuoteKey(quoteID))
	if err != nil {
		return err
	}
	defer unlock()

	rec, err := s.records.Get(ctx, quoteID)
	if err != nil {
		return fmt.Errorf("%w: %v", workflow.ErrStoreUnavailable, err)
	}
	if rec == nil {
		return nil
	}
	b := rec.Binding(channel)
	if b == nil {
		return nil
	}
	if !mutate(rec, b) {
		return nil
	}
	return s.records.UpdateBinding(ctx, quoteID, channel, b)
}

func (s *syncServiceImpl) alert(ctx context.Context, quoteID string, channel entity.Channel, reason string, err error) {
	s.logger.Error("Channel conflict", "quote_id", quoteID, "channel", channel, "reason", reason)
	if s.alerter == nil {
		return
	}
	s.alerter.Alert(ctx, port.Alert{
		Severity: port.SeverityWarning,
		Source:   "sync",
		QuoteID:  quoteID,
		Message:  fmt.Sprintf("%s channel needs reconciliation: %s", channel, reason),
		Err:      err,
	})
}

func (s *syncServiceImpl) publish(ctx context.Context, t event.Type, quoteID string, channel entity.Channel, extra map[string]interface{}) {
	if s.dispatcher == nil {
		return
	}
	payload := map[string]interface{}{event.KeyChannel: string(channel)}
	for k, v := range extra {
		payload[k] = v
	}
	s.dispatcher.DispatchAsync(context.WithoutCancel(ctx), event.NewEvent(t, quoteID, payload))
}
