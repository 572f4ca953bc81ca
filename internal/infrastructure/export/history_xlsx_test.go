package export

import (
	"bytes"
	"errors"
	"iter"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"

	"github.com/garyjia/quote-approval/internal/domain/entity"
	"github.com/garyjia/quote-approval/internal/domain/workflow"
)

func seq(ops []*entity.ApprovalOperation, err error) iter.Seq2[*entity.ApprovalOperation, error] {
	return func(yield func(*entity.ApprovalOperation, error) bool) {
		for _, op := range ops {
			if !yield(op, nil) {
				return
			}
		}
		if err != nil {
			yield(nil, err)
		}
	}
}

func TestHistoryExporter_WriteXLSX(t *testing.T) {
	at := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	ops := []*entity.ApprovalOperation{
		{
			Sequence: 1, QuoteID: "Q-1", CycleCount: 1, Action: workflow.ActionSubmit,
			ActorID: entity.StringPtr("alice"), Channel: entity.ChannelInternal,
			PreviousStatus: workflow.StateDraft, ResultingStatus: workflow.StatePending, CreatedAt: at,
		},
		{
			Sequence: 2, QuoteID: "Q-1", CycleCount: 1, Action: workflow.ActionReject,
			ActorID: entity.StringPtr("bob"), Channel: entity.ChannelExternal,
			PreviousStatus: workflow.StatePending, ResultingStatus: workflow.StateRejected,
			Metadata: entity.OperationMetadata{Reason: "margin too thin"}, CreatedAt: at.Add(time.Hour),
		},
		{
			Sequence: 3, QuoteID: "Q-1", CycleCount: 1, Action: workflow.ActionExpireInput,
			Channel: entity.ChannelInternal, CreatedAt: at.Add(2 * time.Hour),
		},
	}

	var buf bytes.Buffer
	require.NoError(t, NewHistoryExporter(nil).WriteXLSX(&buf, "Q-1", seq(ops, nil)))

	f, err := excelize.OpenReader(&buf)
	require.NoError(t, err)
	defer f.Close()

	rows, err := f.GetRows(historySheet)
	require.NoError(t, err)
	require.Len(t, rows, 4)
	assert.Equal(t, "Sequence", rows[0][0])
	assert.Equal(t, []string{"1", "2026-05-01T12:00:00Z", "1", "submit", "alice", "internal", "draft", "pending"}, rows[1][:8])
	assert.Equal(t, "margin too thin", rows[2][9])
	assert.Equal(t, "system", rows[3][4])
}

func TestHistoryExporter_PropagatesReadErrors(t *testing.T) {
	var buf bytes.Buffer
	err := NewHistoryExporter(nil).WriteXLSX(&buf, "Q-1", seq(nil, errors.New("store down")))
	assert.EqualError(t, err, "store down")
	assert.Zero(t, buf.Len())
}
