package service

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/garyjia/quote-approval/internal/application/keylock"
	"github.com/garyjia/quote-approval/internal/application/port"
	"github.com/garyjia/quote-approval/internal/domain/entity"
	"github.com/garyjia/quote-approval/internal/domain/permission"
	"github.com/garyjia/quote-approval/internal/domain/workflow"
	"github.com/garyjia/quote-approval/internal/infrastructure/persistence/memory"
)

var errUnavailable = errors.New("channel unavailable")

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// fakeAdapter records pushes and fails the first `failures` of them
type fakeAdapter struct {
	mu       sync.Mutex
	channel  entity.Channel
	ref      string
	failures int
	pushes   []*entity.ApprovalRecord
	snapshot *port.ExternalSnapshot
}

func (a *fakeAdapter) Channel() entity.Channel { return a.channel }

func (a *fakeAdapter) Push(ctx context.Context, rec *entity.ApprovalRecord) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.pushes = append(a.pushes, rec.Clone())
	if a.failures > 0 {
		a.failures--
		return "", errUnavailable
	}
	return a.ref, nil
}

func (a *fakeAdapter) Pull(ctx context.Context, ref string) (*port.ExternalSnapshot, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.snapshot == nil {
		return nil, errUnavailable
	}
	snap := *a.snapshot
	return &snap, nil
}

func (a *fakeAdapter) Project(status workflow.State) workflow.State {
	switch status {
	case workflow.StateAwaitingInput:
		return workflow.StatePending
	case workflow.StateReturnedForRevision:
		return workflow.StateRejected
	default:
		return status
	}
}

func (a *fakeAdapter) Translate(raw string) (workflow.State, bool) {
	switch strings.ToUpper(raw) {
	case "PENDING":
		return workflow.StatePending, true
	case "APPROVED":
		return workflow.StateApproved, true
	case "REJECTED":
		return workflow.StateRejected, true
	case "RETURNED":
		return workflow.StateReturnedForRevision, true
	case "CANCELED", "DELETED":
		return workflow.StateWithdrawn, true
	}
	return "", false
}

func (a *fakeAdapter) setFailures(n int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.failures = n
}

func (a *fakeAdapter) pushCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.pushes)
}

type fakeDirectory struct {
	approvers map[string]bool
	first     string
}

func (d *fakeDirectory) IsApprover(id string) bool { return d.approvers[id] }

func (d *fakeDirectory) FirstApprover(ctx context.Context, quoteID, submitterID string) (string, error) {
	return d.first, nil
}

type fakeAlerter struct {
	mu     sync.Mutex
	alerts []port.Alert
}

func (f *fakeAlerter) Alert(ctx context.Context, alert port.Alert) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.alerts = append(f.alerts, alert)
}

func (f *fakeAlerter) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.alerts)
}

// gatedRecords holds the first n reads until all n have been made, so
// concurrent callers observe the same stored record.
type gatedRecords struct {
	port.RecordRepository

	mu      sync.Mutex
	waiting int
	release chan struct{}
}

func newGatedRecords(records port.RecordRepository, n int) *gatedRecords {
	return &gatedRecords{RecordRepository: records, waiting: n, release: make(chan struct{})}
}

func (g *gatedRecords) Get(ctx context.Context, quoteID string) (*entity.ApprovalRecord, error) {
	rec, err := g.RecordRepository.Get(ctx, quoteID)

	g.mu.Lock()
	if g.waiting == 0 {
		g.mu.Unlock()
		return rec, err
	}
	g.waiting--
	if g.waiting == 0 {
		close(g.release)
	}
	g.mu.Unlock()

	<-g.release
	return rec, err
}

type harness struct {
	store    *memory.Store
	records  port.RecordRepository
	exec     Executor
	deps     ExecutorDeps
	sync     SyncService
	status   StatusService
	inbound  InboundService
	internal *fakeAdapter
	external *fakeAdapter
	clock    *fakeClock
	alerts   *fakeAlerter
	sleeps   []time.Duration
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	h := &harness{
		store:    memory.NewStore(),
		internal: &fakeAdapter{channel: entity.ChannelInternal},
		external: &fakeAdapter{channel: entity.ChannelExternal, ref: "ext-1"},
		clock:    newFakeClock(),
		alerts:   &fakeAlerter{},
	}
	h.records = h.store.Records()

	dir := &fakeDirectory{
		approvers: map[string]bool{"bob": true, "carol": true, "dave": true},
		first:     "bob",
	}
	resolver := permission.NewResolver([]string{"admin", "external_approver"}, dir)
	locks := keylock.New()

	h.sync = NewSyncService(
		h.records,
		[]port.ChannelAdapter{h.internal, h.external},
		locks,
		h.alerts,
		SyncConfig{Workers: 2, QueueSize: 64, MaxAttempts: 5, BackoffBase: time.Second, BackoffMax: 8 * time.Second},
		nil,
		WithSyncClock(h.clock.Now),
		WithSleeper(func(ctx context.Context, d time.Duration) error {
			h.sleeps = append(h.sleeps, d)
			return nil
		}),
	)

	h.deps = ExecutorDeps{
		Records:     h.records,
		History:     h.store.History(),
		Idempotency: h.store.Idempotency(),
		TxManager:   h.store,
		Resolver:    resolver,
		Directory:   dir,
		Locks:       locks,
		Scheduler:   h.sync,
		Channels:    []entity.Channel{entity.ChannelExternal},
		Clock:       h.clock.Now,
	}
	h.exec = NewExecutor(h.deps)
	h.status = NewStatusService(h.records, h.store.History(), resolver, nil)
	h.inbound = NewInboundService(h.records, h.exec, h.sync, h.external, "external_approver", nil)
	return h
}

func (h *harness) do(t *testing.T, quoteID string, action workflow.Action, actor string, payload entity.Payload) *OperationResult {
	t.Helper()
	res, err := h.try(quoteID, action, actor, payload)
	require.NoError(t, err)
	return res
}

func (h *harness) try(quoteID string, action workflow.Action, actor string, payload entity.Payload) (*OperationResult, error) {
	return h.exec.Execute(context.Background(), OperateRequest{
		QuoteID:        quoteID,
		Action:         action,
		Actor:          entity.Actor{ID: actor},
		Channel:        entity.ChannelInternal,
		Payload:        payload,
		IdempotencyKey: uuid.NewString(),
	})
}

func (h *harness) get(t *testing.T, quoteID string) *entity.ApprovalRecord {
	t.Helper()
	rec, err := h.records.Get(context.Background(), quoteID)
	require.NoError(t, err)
	require.NotNil(t, rec)
	return rec
}

func (h *harness) historyOf(t *testing.T, quoteID string) []*entity.ApprovalOperation {
	t.Helper()
	seq, err := h.status.History(context.Background(), quoteID)
	require.NoError(t, err)

	var ops []*entity.ApprovalOperation
	for op, err := range seq {
		require.NoError(t, err)
		ops = append(ops, op)
	}
	return ops
}
