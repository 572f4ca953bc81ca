package postgres

import (
	"context"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/garyjia/quote-approval/internal/domain/entity"
	"github.com/garyjia/quote-approval/internal/domain/workflow"
)

var now = time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)

// openTestDB connects to APPROVAL_TEST_POSTGRES_DSN and starts from empty tables
func openTestDB(t *testing.T) *DB {
	t.Helper()
	dsn := os.Getenv("APPROVAL_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("APPROVAL_TEST_POSTGRES_DSN not set")
	}

	ctx := context.Background()
	db, err := Open(ctx, dsn, 8, nil)
	require.NoError(t, err)
	t.Cleanup(db.Close)

	require.NoError(t, db.EnsureSchema(ctx))
	_, err = db.pool.Exec(ctx, `TRUNCATE approval_operations, idempotency_keys, channel_bindings, approval_records`)
	require.NoError(t, err)
	return db
}

func draft(quoteID string) *entity.ApprovalRecord {
	rec := entity.NewDraftRecord(quoteID, "alice", []entity.Channel{entity.ChannelInternal, entity.ChannelExternal}, now)
	rec.Version = 1
	return rec
}

func TestRecordRepository_RoundTrip(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	repo := db.Records()

	require.NoError(t, repo.Create(ctx, draft("Q-1")))
	assert.ErrorIs(t, repo.Create(ctx, draft("Q-1")), workflow.ErrVersionConflict)

	next := draft("Q-1")
	next.Status = workflow.StatePending
	next.CurrentApproverID = entity.StringPtr("bob")
	next.SubmittedAt = &now
	next.CycleCount = 1
	next.Version = 2
	next.Binding(entity.ChannelExternal).SyncState = entity.SyncStatePending
	require.NoError(t, repo.Update(ctx, next, 1))
	assert.ErrorIs(t, repo.Update(ctx, next, 1), workflow.ErrVersionConflict)

	got, err := repo.Get(ctx, "Q-1")
	require.NoError(t, err)
	assert.Equal(t, next, got)

	pending, err := repo.ListPendingSyncs(ctx, 0)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, entity.ChannelExternal, pending[0].Channel)
}

func TestDB_RowLockSerializesWriters(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	repo := db.Records()
	require.NoError(t, repo.Create(ctx, draft("Q-1")))

	var wg sync.WaitGroup
	errs := make([]error, 4)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = db.WithTransaction(ctx, func(ctx context.Context) error {
				rec, err := repo.Get(ctx, "Q-1")
				if err != nil {
					return err
				}
				expected := rec.Version
				rec.Version++
				return repo.Update(ctx, rec, expected)
			})
		}(i)
	}
	wg.Wait()

	for _, err := range errs {
		assert.NoError(t, err)
	}
	got, err := repo.Get(ctx, "Q-1")
	require.NoError(t, err)
	assert.Equal(t, int64(5), got.Version, "every writer saw the previous commit")
}

func TestHistoryAndIdempotency(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	history, keys := db.History(), db.Idempotency()

	op := &entity.ApprovalOperation{
		ID:              "op-1",
		QuoteID:         "Q-1",
		CycleCount:      1,
		Action:          workflow.ActionReject,
		ActorID:         entity.StringPtr("bob"),
		Channel:         entity.ChannelExternal,
		PreviousStatus:  workflow.StatePending,
		ResultingStatus: workflow.StateRejected,
		Metadata:        entity.OperationMetadata{Reason: "price too low"},
		CreatedAt:       now,
	}
	require.NoError(t, history.Append(ctx, op))
	assert.Positive(t, op.Sequence)

	var ops []*entity.ApprovalOperation
	for got, err := range history.List(ctx, "Q-1") {
		require.NoError(t, err)
		ops = append(ops, got)
	}
	require.Len(t, ops, 1)
	assert.Equal(t, op, ops[0])

	_, err := db.pool.Exec(ctx, `UPDATE approval_operations SET comments = 'edited'`)
	assert.Error(t, err)

	entry := &entity.IdempotencyEntry{QuoteID: "Q-1", Key: "k1", Result: []byte(`{"duplicate":false}`), CreatedAt: now}
	require.NoError(t, keys.Put(ctx, entry))
	assert.ErrorIs(t, keys.Put(ctx, entry), workflow.ErrDuplicateOperation)

	got, err := keys.Get(ctx, "Q-1", "k1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.JSONEq(t, `{"duplicate":false}`, string(got.Result))
}
