package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/garyjia/quote-approval/internal/application/port"
	"github.com/garyjia/quote-approval/internal/application/service"
	"github.com/garyjia/quote-approval/internal/domain/entity"
	"github.com/garyjia/quote-approval/internal/domain/workflow"
)

// mockRecords serves the two listing queries the workers use
type mockRecords struct {
	port.RecordRepository

	mu       sync.Mutex
	expired  []string
	bound    []*entity.ApprovalRecord
	listErr  error
	listings int
}

func (m *mockRecords) ListExpiredInputs(_ context.Context, _ time.Time, _ int) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listings++
	if m.listErr != nil {
		return nil, m.listErr
	}
	return m.expired, nil
}

func (m *mockRecords) ListBound(_ context.Context, _ entity.Channel, _ int) ([]*entity.ApprovalRecord, error) {
	if m.listErr != nil {
		return nil, m.listErr
	}
	return m.bound, nil
}

type mockExpirer struct {
	mu     sync.Mutex
	calls  []string
	errFor map[string]error
	stale  map[string]bool
}

func (m *mockExpirer) ExpireInput(_ context.Context, quoteID string) (*entity.ApprovalRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, quoteID)
	if err := m.errFor[quoteID]; err != nil {
		return nil, err
	}
	if m.stale[quoteID] {
		return nil, nil
	}
	return &entity.ApprovalRecord{QuoteID: quoteID, Status: workflow.StatePending}, nil
}

func (m *mockExpirer) callCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.calls)
}

type mockAlerter struct {
	mu     sync.Mutex
	alerts []port.Alert
}

func (m *mockAlerter) Alert(_ context.Context, a port.Alert) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.alerts = append(m.alerts, a)
}

func newScanner(records *mockRecords, expirer *mockExpirer, alerter *mockAlerter) *DeadlineScanner {
	return NewDeadlineScanner(
		DeadlineScannerConfig{Interval: time.Second, BatchSize: 10, MaxBackoff: 5 * time.Second},
		records, expirer, alerter, nil, zap.NewNop(),
	)
}

func TestDeadlineScanner_Scan(t *testing.T) {
	records := &mockRecords{expired: []string{"Q-1", "Q-2", "Q-3"}}
	expirer := &mockExpirer{
		errFor: map[string]error{"Q-2": fmt.Errorf("%w: stale", workflow.ErrVersionConflict)},
		stale:  map[string]bool{"Q-3": true},
	}
	s := newScanner(records, expirer, &mockAlerter{})

	n, err := s.Scan(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, []string{"Q-1", "Q-2", "Q-3"}, expirer.calls, "one failure does not stop the batch")
}

func TestDeadlineScanner_BacksOffWhileStoreIsDown(t *testing.T) {
	records := &mockRecords{listErr: errors.New("connection refused")}
	alerter := &mockAlerter{}
	s := newScanner(records, &mockExpirer{}, alerter)
	ctx := context.Background()

	assert.Equal(t, time.Second, s.Delay())
	var delays []time.Duration
	for i := 0; i < 4; i++ {
		_, err := s.Scan(ctx)
		require.Error(t, err)
		delays = append(delays, s.Delay())
	}
	assert.Equal(t, []time.Duration{2 * time.Second, 4 * time.Second, 5 * time.Second, 5 * time.Second}, delays)

	require.Len(t, alerter.alerts, 1, "one alert per outage")
	assert.Equal(t, port.SeverityCritical, alerter.alerts[0].Severity)
	assert.Equal(t, "deadline", alerter.alerts[0].Source)

	records.listErr = nil
	_, err := s.Scan(ctx)
	require.NoError(t, err)
	assert.Equal(t, time.Second, s.Delay())

	records.listErr = errors.New("connection refused")
	_, err = s.Scan(ctx)
	require.Error(t, err)
	assert.Len(t, alerter.alerts, 2, "a new outage alerts again")
}

func TestDeadlineScanner_StoreFailureDuringExpiry(t *testing.T) {
	records := &mockRecords{expired: []string{"Q-1", "Q-2"}}
	expirer := &mockExpirer{errFor: map[string]error{"Q-1": fmt.Errorf("%w: timeout", workflow.ErrStoreUnavailable)}}
	alerter := &mockAlerter{}
	s := newScanner(records, expirer, alerter)

	_, err := s.Scan(context.Background())
	assert.ErrorIs(t, err, workflow.ErrStoreUnavailable)
	assert.Equal(t, []string{"Q-1"}, expirer.calls)
	assert.Len(t, alerter.alerts, 1)
	assert.Equal(t, 2*time.Second, s.Delay())
}

func TestDeadlineScanner_StartStop(t *testing.T) {
	records := &mockRecords{expired: []string{"Q-1"}}
	expirer := &mockExpirer{}
	s := NewDeadlineScanner(
		DeadlineScannerConfig{Interval: 10 * time.Millisecond},
		records, expirer, nil, nil, zap.NewNop(),
	)

	require.NoError(t, s.Start(context.Background()))
	assert.Error(t, s.Start(context.Background()))
	assert.Eventually(t, func() bool { return expirer.callCount() >= 2 }, time.Second, 5*time.Millisecond)
	require.NoError(t, s.Stop())

	after := expirer.callCount()
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, after, expirer.callCount(), "no scans after Stop")
	require.NoError(t, s.Stop())
}

type mockReconciler struct {
	outcomes map[string]service.ReconcileOutcome
	errs     map[string]error
}

func (m *mockReconciler) Reconcile(_ context.Context, quoteID string, _ entity.Channel) (service.ReconcileOutcome, error) {
	if err := m.errs[quoteID]; err != nil {
		return "", err
	}
	return m.outcomes[quoteID], nil
}

func TestStatusPoller_Poll(t *testing.T) {
	records := &mockRecords{bound: []*entity.ApprovalRecord{
		{QuoteID: "Q-1"}, {QuoteID: "Q-2"}, {QuoteID: "Q-3"}, {QuoteID: "Q-4"},
	}}
	reconciler := &mockReconciler{
		outcomes: map[string]service.ReconcileOutcome{
			"Q-1": service.ReconcileUnchanged,
			"Q-2": service.ReconcileConflict,
			"Q-3": service.ReconcilePushed,
		},
		errs: map[string]error{"Q-4": errors.New("lark timeout")},
	}
	p := NewStatusPoller(StatusPollerConfig{}, entity.ChannelExternal, records, reconciler, zap.NewNop())

	counts, err := p.Poll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, map[service.ReconcileOutcome]int{
		service.ReconcileUnchanged: 1,
		service.ReconcileConflict:  1,
		service.ReconcilePushed:    1,
	}, counts)

	records.listErr = errors.New("store down")
	_, err = p.Poll(context.Background())
	assert.Error(t, err)
}

type fakeWorker struct {
	name string
	log  *[]string
	fail bool
}

func (w *fakeWorker) Name() string { return w.name }

func (w *fakeWorker) Start(context.Context) error {
	*w.log = append(*w.log, "start "+w.name)
	if w.fail {
		return errors.New("boom")
	}
	return nil
}

func (w *fakeWorker) Stop() error {
	*w.log = append(*w.log, "stop "+w.name)
	return nil
}

func TestWorkerManager_Lifecycle(t *testing.T) {
	var log []string
	m := NewWorkerManager(zap.NewNop())
	m.Register(&fakeWorker{name: "a", log: &log})
	m.Register(&fakeWorker{name: "b", log: &log, fail: true})
	m.Register(&fakeWorker{name: "c", log: &log})
	assert.Equal(t, 3, m.GetWorkerCount())

	require.NoError(t, m.StartAll(context.Background()))
	assert.True(t, m.IsRunning())
	assert.Equal(t, []string{"b"}, m.Failed())
	assert.Error(t, m.StartAll(context.Background()))

	require.NoError(t, m.StopAll())
	assert.False(t, m.IsRunning())
	assert.Equal(t, []string{"start a", "start b", "start c", "stop c", "stop a"}, log)
	assert.NoError(t, m.StopAll())
}
