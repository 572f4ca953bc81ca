package service

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/garyjia/quote-approval/internal/domain/entity"
	"github.com/garyjia/quote-approval/internal/domain/workflow"
)

func TestGetStatus_PermissionsPerActor(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.do(t, "Q-1", workflow.ActionSubmit, "alice", entity.Payload{})

	cases := []struct {
		name  string
		actor *entity.Actor
		want  []workflow.Action
	}{
		{"anonymous", nil, []workflow.Action{}},
		{"submitter", &entity.Actor{ID: "alice"}, []workflow.Action{workflow.ActionWithdraw}},
		{"stranger", &entity.Actor{ID: "mallory"}, []workflow.Action{}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			view, err := h.status.GetStatus(ctx, "Q-1", tc.actor, false)
			require.NoError(t, err)
			assert.Equal(t, tc.want, view.Permissions)
			assert.Nil(t, view.Verification)
		})
	}

	view, err := h.status.GetStatus(ctx, "Q-1", &entity.Actor{ID: "bob"}, false)
	require.NoError(t, err)
	assert.Contains(t, view.Permissions, workflow.ActionApprove)
	assert.Contains(t, view.Permissions, workflow.ActionForward)
	assert.NotContains(t, view.Permissions, workflow.ActionWithdraw)
}

func TestGetStatus_ChannelsAndDiscrepancies(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.do(t, "Q-1", workflow.ActionSubmit, "alice", entity.Payload{})

	view, err := h.status.GetStatus(ctx, "Q-1", nil, true)
	require.NoError(t, err)
	assert.Equal(t, entity.SyncStatePending, view.SyncState)
	assert.Len(t, view.Channels, 2)
	require.Len(t, view.Discrepancies, 1)
	assert.Equal(t, entity.ChannelExternal, view.Discrepancies[0].Channel)
	assert.Equal(t, workflow.StatePending, view.Discrepancies[0].Internal)

	require.NotNil(t, view.Verification)
	assert.True(t, view.Verification.Consistent)
	assert.Equal(t, workflow.StatePending, view.Verification.ReplayedStatus)

	require.NoError(t, h.sync.SyncNow(ctx, "Q-1", entity.ChannelExternal))
	view, err = h.status.GetStatus(ctx, "Q-1", nil, false)
	require.NoError(t, err)
	assert.Equal(t, entity.SyncStateSynced, view.SyncState)
	assert.Empty(t, view.Discrepancies)
	for _, ch := range view.Channels {
		assert.Equal(t, workflow.StatePending, ch.LastSyncedStatus)
	}
}

func TestStatus_UnknownQuote(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.status.GetStatus(ctx, "Q-404", nil, false)
	assert.ErrorIs(t, err, workflow.ErrNotFound)

	_, err = h.status.Verify(ctx, "Q-404")
	assert.ErrorIs(t, err, workflow.ErrNotFound)
}
