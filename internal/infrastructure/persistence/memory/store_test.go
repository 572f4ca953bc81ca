package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/garyjia/quote-approval/internal/domain/entity"
	"github.com/garyjia/quote-approval/internal/domain/workflow"
)

var now = time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)

func draft(quoteID string) *entity.ApprovalRecord {
	rec := entity.NewDraftRecord(quoteID, "alice", []entity.Channel{entity.ChannelInternal, entity.ChannelExternal}, now)
	rec.Version = 1
	return rec
}

func TestRecordRepository_CreateAndUpdate(t *testing.T) {
	ctx := context.Background()
	repo := NewStore().Records()

	got, err := repo.Get(ctx, "Q-1")
	require.NoError(t, err)
	assert.Nil(t, got)

	rec := draft("Q-1")
	require.NoError(t, repo.Create(ctx, rec))
	assert.ErrorIs(t, repo.Create(ctx, rec), workflow.ErrVersionConflict)

	next := rec.Clone()
	next.Status = workflow.StatePending
	next.Version = 2
	require.NoError(t, repo.Update(ctx, next, 1))

	stale := rec.Clone()
	stale.Version = 2
	assert.ErrorIs(t, repo.Update(ctx, stale, 1), workflow.ErrVersionConflict)

	got, err = repo.Get(ctx, "Q-1")
	require.NoError(t, err)
	assert.Equal(t, workflow.StatePending, got.Status)
	assert.Equal(t, int64(2), got.Version)

	// returned records are copies
	got.Status = workflow.StateApproved
	again, _ := repo.Get(ctx, "Q-1")
	assert.Equal(t, workflow.StatePending, again.Status)
}

func TestStore_TransactionRollsBackTogether(t *testing.T) {
	ctx := context.Background()
	store := NewStore()
	records, history, keys := store.Records(), store.History(), store.Idempotency()

	rec := draft("Q-1")
	require.NoError(t, records.Create(ctx, rec))
	require.NoError(t, keys.Put(ctx, &entity.IdempotencyEntry{QuoteID: "Q-1", Key: "k1"}))

	next := rec.Clone()
	next.Version = 2
	err := store.WithTransaction(ctx, func(ctx context.Context) error {
		if err := records.Update(ctx, next, 1); err != nil {
			return err
		}
		if err := history.Append(ctx, &entity.ApprovalOperation{ID: "op-1", QuoteID: "Q-1"}); err != nil {
			return err
		}
		return keys.Put(ctx, &entity.IdempotencyEntry{QuoteID: "Q-1", Key: "k1"})
	})
	assert.ErrorIs(t, err, workflow.ErrDuplicateOperation)

	got, _ := records.Get(ctx, "Q-1")
	assert.Equal(t, int64(1), got.Version, "record update rolled back")

	count := 0
	for _, err := range history.List(ctx, "Q-1") {
		require.NoError(t, err)
		count++
	}
	assert.Zero(t, count, "history append rolled back")
}

func TestStore_TransactionAbortsOnCallbackError(t *testing.T) {
	ctx := context.Background()
	store := NewStore()
	boom := errors.New("boom")

	err := store.WithTransaction(ctx, func(ctx context.Context) error {
		require.NoError(t, store.Records().Create(ctx, draft("Q-1")))
		return boom
	})
	assert.ErrorIs(t, err, boom)

	got, _ := store.Records().Get(ctx, "Q-1")
	assert.Nil(t, got)
}

func TestHistoryRepository_ListIsOrderedAndRestartable(t *testing.T) {
	ctx := context.Background()
	history := NewStore().History()

	for _, id := range []string{"a", "b", "c"} {
		require.NoError(t, history.Append(ctx, &entity.ApprovalOperation{ID: id, QuoteID: "Q-1"}))
	}
	require.NoError(t, history.Append(ctx, &entity.ApprovalOperation{ID: "x", QuoteID: "Q-2"}))

	seq := history.List(ctx, "Q-1")
	for pass := 0; pass < 2; pass++ {
		var ids []string
		var last int64
		for op, err := range seq {
			require.NoError(t, err)
			assert.Greater(t, op.Sequence, last)
			last = op.Sequence
			ids = append(ids, op.ID)
		}
		assert.Equal(t, []string{"a", "b", "c"}, ids)
	}

	// early break
	for op := range seq {
		assert.Equal(t, "a", op.ID)
		break
	}
}

func TestRecordRepository_Queries(t *testing.T) {
	ctx := context.Background()
	repo := NewStore().Records()

	expired := draft("Q-1")
	expired.Status = workflow.StateAwaitingInput
	past := now.Add(-time.Minute)
	expired.PendingInputDeadline = &past
	require.NoError(t, repo.Create(ctx, expired))

	waiting := draft("Q-2")
	waiting.Status = workflow.StateAwaitingInput
	future := now.Add(time.Hour)
	waiting.PendingInputDeadline = &future
	waiting.ChannelBindings[entity.ChannelExternal].SyncState = entity.SyncStatePending
	waiting.ChannelBindings[entity.ChannelExternal].ExternalReferenceID = entity.StringPtr("ext-2")
	require.NoError(t, repo.Create(ctx, waiting))

	ids, err := repo.ListExpiredInputs(ctx, now, 10)
	require.NoError(t, err)
	assert.Equal(t, []string{"Q-1"}, ids)

	targets, err := repo.ListPendingSyncs(ctx, 10)
	require.NoError(t, err)
	require.Len(t, targets, 1)
	assert.Equal(t, "Q-2", targets[0].QuoteID)
	assert.Equal(t, entity.ChannelExternal, targets[0].Channel)

	bound, err := repo.ListBound(ctx, entity.ChannelExternal, 10)
	require.NoError(t, err)
	require.Len(t, bound, 1)
	assert.Equal(t, "Q-2", bound[0].QuoteID)

	byRef, err := repo.GetByExternalReference(ctx, entity.ChannelExternal, "ext-2")
	require.NoError(t, err)
	require.NotNil(t, byRef)
	assert.Equal(t, "Q-2", byRef.QuoteID)

	synced := byRef.Binding(entity.ChannelExternal).Clone()
	synced.SyncState = entity.SyncStateSynced
	require.NoError(t, repo.UpdateBinding(ctx, "Q-2", entity.ChannelExternal, synced))
	targets, _ = repo.ListPendingSyncs(ctx, 10)
	assert.Empty(t, targets)

	after, _ := repo.Get(ctx, "Q-2")
	assert.Equal(t, byRef.Version, after.Version, "binding updates keep the version")

	require.NoError(t, repo.Delete(ctx, "Q-2"))
	gone, _ := repo.Get(ctx, "Q-2")
	assert.Nil(t, gone)
}
