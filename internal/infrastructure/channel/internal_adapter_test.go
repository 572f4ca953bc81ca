package channel

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/garyjia/quote-approval/internal/domain/entity"
	"github.com/garyjia/quote-approval/internal/domain/workflow"
	"github.com/garyjia/quote-approval/internal/infrastructure/persistence/memory"
)

func TestInternalAdapter_PushAndPull(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore()
	adapter := NewInternalAdapter(store.Records(), nil)

	now := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)
	rec := entity.NewDraftRecord("Q-7", "alice", []entity.Channel{entity.ChannelInternal}, now)
	rec.Version = 1
	require.NoError(t, store.Records().Create(ctx, rec))

	ref, err := adapter.Push(ctx, rec)
	require.NoError(t, err)
	assert.Equal(t, "Q-7", ref)

	snap, err := adapter.Pull(ctx, ref)
	require.NoError(t, err)
	assert.Equal(t, workflow.StateDraft, snap.Status)
	assert.Equal(t, "draft", snap.RawStatus)
	assert.Equal(t, now, snap.UpdatedAt)

	_, err = adapter.Pull(ctx, "Q-missing")
	assert.ErrorIs(t, err, workflow.ErrNotFound)
}

func TestInternalAdapter_ProjectAndTranslate(t *testing.T) {
	adapter := NewInternalAdapter(memory.NewStore().Records(), nil)

	assert.Equal(t, entity.ChannelInternal, adapter.Channel())
	assert.Equal(t, workflow.StateAwaitingInput, adapter.Project(workflow.StateAwaitingInput))

	s, ok := adapter.Translate("returned_for_revision")
	assert.True(t, ok)
	assert.Equal(t, workflow.StateReturnedForRevision, s)

	_, ok = adapter.Translate("on_hold")
	assert.False(t, ok)
}
