package lark

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/sebdah/goldie/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/garyjia/quote-approval/internal/domain/entity"
	"github.com/garyjia/quote-approval/internal/domain/workflow"
)

var now = time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)

// fakeGateway keeps instances in memory and records every call
type fakeGateway struct {
	instances map[string]*Instance
	byUUID    map[string]string
	calls     []string
	failGet   error
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{instances: map[string]*Instance{}, byUUID: map[string]string{}}
}

func (g *fakeGateway) CreateInstance(_ context.Context, in CreateInstanceInput) (string, error) {
	g.calls = append(g.calls, "create")
	if code, ok := g.byUUID[in.UUID]; ok {
		return code, nil
	}
	code := "inst-" + in.UUID[:8]
	g.byUUID[in.UUID] = code
	g.instances[code] = &Instance{
		Code:      code,
		Status:    InstancePending,
		StartTime: now,
		Tasks:     []Task{{ID: "task-1", UserID: "bob", Status: InstancePending}},
	}
	return code, nil
}

func (g *fakeGateway) GetInstance(_ context.Context, code string) (*Instance, error) {
	if g.failGet != nil {
		return nil, g.failGet
	}
	inst, ok := g.instances[code]
	if !ok {
		return nil, errors.New("instance not found")
	}
	c := *inst
	c.Tasks = append([]Task(nil), inst.Tasks...)
	return &c, nil
}

func (g *fakeGateway) ApproveTask(_ context.Context, a TaskAction) error {
	g.calls = append(g.calls, "approve:"+a.TaskID+":"+a.UserID)
	g.close(a.InstanceCode, InstanceApproved)
	return nil
}

func (g *fakeGateway) RejectTask(_ context.Context, a TaskAction) error {
	g.calls = append(g.calls, "reject:"+a.TaskID+":"+a.UserID)
	g.close(a.InstanceCode, InstanceRejected)
	return nil
}

func (g *fakeGateway) TransferTask(_ context.Context, a TaskAction, to string) error {
	g.calls = append(g.calls, "transfer:"+a.UserID+"->"+to)
	g.instances[a.InstanceCode].Tasks[0].UserID = to
	return nil
}

func (g *fakeGateway) CancelInstance(_ context.Context, code, userID string) error {
	g.calls = append(g.calls, "cancel:"+userID)
	g.close(code, InstanceCanceled)
	return nil
}

func (g *fakeGateway) close(code, status string) {
	inst := g.instances[code]
	inst.Status = status
	inst.EndTime = now.Add(time.Hour)
	inst.Tasks[0].Status = status
}

func pendingRecord(cycle int, approver string) *entity.ApprovalRecord {
	rec := entity.NewDraftRecord("Q-1001", "alice", []entity.Channel{entity.ChannelInternal, entity.ChannelExternal}, now)
	rec.Status = workflow.StatePending
	rec.CycleCount = cycle
	rec.CurrentApproverID = entity.StringPtr(approver)
	return rec
}

func bind(rec *entity.ApprovalRecord, ref string) {
	rec.Binding(entity.ChannelExternal).ExternalReferenceID = entity.StringPtr(ref)
}

func TestChannelAdapter_TranslateAndProject(t *testing.T) {
	a := NewChannelAdapter(newFakeGateway(), DefaultFormWidgets(), nil)

	cases := map[string]workflow.State{
		"PENDING":   workflow.StatePending,
		"approved":  workflow.StateApproved,
		" Rejected": workflow.StateRejected,
		"CANCELED":  workflow.StateWithdrawn,
		"deleted":   workflow.StateWithdrawn,
	}
	for raw, want := range cases {
		got, ok := a.Translate(raw)
		assert.True(t, ok, raw)
		assert.Equal(t, want, got, raw)
	}
	_, ok := a.Translate("TRANSFERRED")
	assert.False(t, ok)

	assert.Equal(t, workflow.StatePending, a.Project(workflow.StateAwaitingInput))
	assert.Equal(t, workflow.StateRejected, a.Project(workflow.StateReturnedForRevision))
	assert.Equal(t, workflow.StateApproved, a.Project(workflow.StateApproved))
}

func TestChannelAdapter_PushCreatesInstanceOnce(t *testing.T) {
	gw := newFakeGateway()
	a := NewChannelAdapter(gw, DefaultFormWidgets(), nil)
	ctx := context.Background()

	draft := entity.NewDraftRecord("Q-1001", "alice", []entity.Channel{entity.ChannelExternal}, now)
	ref, err := a.Push(ctx, draft)
	require.NoError(t, err)
	assert.Empty(t, ref, "drafts are not mirrored")

	rec := pendingRecord(1, "bob")
	ref, err = a.Push(ctx, rec)
	require.NoError(t, err)
	require.NotEmpty(t, ref)

	again, err := a.Push(ctx, rec)
	require.NoError(t, err)
	assert.Equal(t, ref, again, "the instance uuid makes creation repeatable")
	assert.Len(t, gw.instances, 1)
}

func TestChannelAdapter_PushAppliesDecisions(t *testing.T) {
	ctx := context.Background()

	t.Run("approve acts as the task owner", func(t *testing.T) {
		gw := newFakeGateway()
		a := NewChannelAdapter(gw, DefaultFormWidgets(), nil)
		rec := pendingRecord(1, "bob")
		ref, err := a.Push(ctx, rec)
		require.NoError(t, err)

		bind(rec, ref)
		rec.Status = workflow.StateApproved
		rec.CurrentApproverID = nil
		_, err = a.Push(ctx, rec)
		require.NoError(t, err)
		assert.Contains(t, gw.calls, "approve:task-1:bob")

		// already approved: nothing more to do
		gw.calls = nil
		_, err = a.Push(ctx, rec)
		require.NoError(t, err)
		assert.Empty(t, gw.calls)
	})

	t.Run("returned for revision rejects", func(t *testing.T) {
		gw := newFakeGateway()
		a := NewChannelAdapter(gw, DefaultFormWidgets(), nil)
		rec := pendingRecord(1, "bob")
		ref, err := a.Push(ctx, rec)
		require.NoError(t, err)

		bind(rec, ref)
		rec.Status = workflow.StateReturnedForRevision
		_, err = a.Push(ctx, rec)
		require.NoError(t, err)
		assert.Equal(t, InstanceRejected, gw.instances[ref].Status)
	})

	t.Run("withdraw cancels as submitter", func(t *testing.T) {
		gw := newFakeGateway()
		a := NewChannelAdapter(gw, DefaultFormWidgets(), nil)
		rec := pendingRecord(1, "bob")
		ref, err := a.Push(ctx, rec)
		require.NoError(t, err)

		bind(rec, ref)
		rec.Status = workflow.StateWithdrawn
		_, err = a.Push(ctx, rec)
		require.NoError(t, err)
		assert.Contains(t, gw.calls, "cancel:alice")
	})

	t.Run("forwarded approver gets the task", func(t *testing.T) {
		gw := newFakeGateway()
		a := NewChannelAdapter(gw, DefaultFormWidgets(), nil)
		rec := pendingRecord(1, "bob")
		ref, err := a.Push(ctx, rec)
		require.NoError(t, err)

		bind(rec, ref)
		rec.CurrentApproverID = entity.StringPtr("carol")
		_, err = a.Push(ctx, rec)
		require.NoError(t, err)
		assert.Contains(t, gw.calls, "transfer:bob->carol")
		assert.Equal(t, "carol", gw.instances[ref].Tasks[0].UserID)
	})
}

func TestChannelAdapter_ResubmitStartsNewInstance(t *testing.T) {
	gw := newFakeGateway()
	a := NewChannelAdapter(gw, DefaultFormWidgets(), nil)
	ctx := context.Background()

	rec := pendingRecord(1, "bob")
	first, err := a.Push(ctx, rec)
	require.NoError(t, err)
	bind(rec, first)
	rec.Status = workflow.StateRejected
	_, err = a.Push(ctx, rec)
	require.NoError(t, err)

	rec.Status = workflow.StatePending
	rec.CycleCount = 2
	second, err := a.Push(ctx, rec)
	require.NoError(t, err)
	assert.NotEqual(t, first, second)
	assert.Equal(t, InstancePending, gw.instances[second].Status)
}

func TestChannelAdapter_PushIntoClosedInstanceConflicts(t *testing.T) {
	gw := newFakeGateway()
	a := NewChannelAdapter(gw, DefaultFormWidgets(), nil)
	ctx := context.Background()

	rec := pendingRecord(1, "bob")
	ref, err := a.Push(ctx, rec)
	require.NoError(t, err)
	bind(rec, ref)
	gw.close(ref, InstanceApproved)

	// same cycle, so Lark hands back the closed instance
	_, err = a.Push(ctx, rec)
	assert.ErrorIs(t, err, workflow.ErrChannelConflict)

	rec.Status = workflow.StateRejected
	_, err = a.Push(ctx, rec)
	assert.ErrorIs(t, err, workflow.ErrChannelConflict)
}

func TestChannelAdapter_Pull(t *testing.T) {
	gw := newFakeGateway()
	a := NewChannelAdapter(gw, DefaultFormWidgets(), nil)
	ctx := context.Background()

	ref, err := a.Push(ctx, pendingRecord(1, "bob"))
	require.NoError(t, err)
	gw.close(ref, InstanceRejected)

	snap, err := a.Pull(ctx, ref)
	require.NoError(t, err)
	assert.Equal(t, workflow.StateRejected, snap.Status)
	assert.Equal(t, InstanceRejected, snap.RawStatus)
	assert.Equal(t, now.Add(time.Hour), snap.UpdatedAt)

	gw.failGet = errors.New("timeout")
	_, err = a.Pull(ctx, ref)
	assert.Error(t, err)
}

func TestBuildForm(t *testing.T) {
	form, err := BuildForm(DefaultFormWidgets(), pendingRecord(1, "bob"))
	require.NoError(t, err)

	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
	g.Assert(t, "form_pending", []byte(form))

	sparse, err := BuildForm(FormWidgets{QuoteID: "q"}, pendingRecord(1, "bob"))
	require.NoError(t, err)
	assert.JSONEq(t, `[{"id":"q","type":"input","value":"Q-1001"}]`, sparse)
}

func TestInstanceUUID(t *testing.T) {
	assert.Equal(t, InstanceUUID("Q-1", 1), InstanceUUID("Q-1", 1))
	assert.NotEqual(t, InstanceUUID("Q-1", 1), InstanceUUID("Q-1", 2))
	assert.NotEqual(t, InstanceUUID("Q-1", 1), InstanceUUID("Q-2", 1))
}
