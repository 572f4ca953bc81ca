package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"iter"

	"go.uber.org/zap"

	"github.com/garyjia/quote-approval/internal/application/port"
	"github.com/garyjia/quote-approval/internal/domain/entity"
	"github.com/garyjia/quote-approval/internal/domain/workflow"
)

// HistoryRepository implements port.HistoryRepository
type HistoryRepository struct {
	db *DB
}

// NewHistoryRepository creates a new history repository
func NewHistoryRepository(db *DB) *HistoryRepository {
	return &HistoryRepository{db: db}
}

// Append stores op and assigns its sequence
func (r *HistoryRepository) Append(ctx context.Context, op *entity.ApprovalOperation) error {
	metadata, err := json.Marshal(op.Metadata)
	if err != nil {
		return fmt.Errorf("failed to encode operation metadata: %w", err)
	}

	result, err := r.db.getExecutor(ctx).ExecContext(ctx, `
		INSERT INTO approval_operations (
			id, quote_id, cycle_count, action, actor_id, channel, comments,
			previous_status, resulting_status, metadata, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		op.ID,
		op.QuoteID,
		op.CycleCount,
		string(op.Action),
		nullString(op.ActorID),
		string(op.Channel),
		op.Comments,
		string(op.PreviousStatus),
		string(op.ResultingStatus),
		string(metadata),
		formatTime(op.CreatedAt),
	)
	if err != nil {
		r.db.logger.Error("Failed to append operation",
			zap.String("quote_id", op.QuoteID),
			zap.String("action", string(op.Action)),
			zap.Error(err))
		return fmt.Errorf("failed to append operation: %w", err)
	}

	seq, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get last insert id: %w", err)
	}
	op.Sequence = seq
	return nil
}

// List yields the operations of a quote in commit order. The rows are read
// in full before the first yield so no cursor is held while the caller works.
func (r *HistoryRepository) List(ctx context.Context, quoteID string) iter.Seq2[*entity.ApprovalOperation, error] {
	return func(yield func(*entity.ApprovalOperation, error) bool) {
		ops, err := r.load(ctx, quoteID)
		if err != nil {
			yield(nil, err)
			return
		}
		for _, op := range ops {
			if !yield(op, nil) {
				return
			}
		}
	}
}

// DeleteByQuote removes the ledger of a quote
func (r *HistoryRepository) DeleteByQuote(ctx context.Context, quoteID string) error {
	if _, err := r.db.getExecutor(ctx).ExecContext(ctx, `DELETE FROM approval_operations WHERE quote_id = ?`, quoteID); err != nil {
		return fmt.Errorf("failed to delete history: %w", err)
	}
	return nil
}

func (r *HistoryRepository) load(ctx context.Context, quoteID string) ([]*entity.ApprovalOperation, error) {
	rows, err := r.db.getExecutor(ctx).QueryContext(ctx, `
		SELECT sequence, id, quote_id, cycle_count, action, actor_id, channel, comments,
			previous_status, resulting_status, metadata, created_at
		FROM approval_operations
		WHERE quote_id = ?
		ORDER BY sequence ASC
	`, quoteID)
	if err != nil {
		r.db.logger.Error("Failed to list history", zap.String("quote_id", quoteID), zap.Error(err))
		return nil, fmt.Errorf("failed to list history: %w", err)
	}
	defer rows.Close()

	var ops []*entity.ApprovalOperation
	for rows.Next() {
		var (
			op                                         entity.ApprovalOperation
			action, channel, prev, next, meta, created string
			actor                                      sql.NullString
		)
		err := rows.Scan(
			&op.Sequence,
			&op.ID,
			&op.QuoteID,
			&op.CycleCount,
			&action,
			&actor,
			&channel,
			&op.Comments,
			&prev,
			&next,
			&meta,
			&created,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan operation: %w", err)
		}

		op.Action = workflow.Action(action)
		op.ActorID = stringPtr(actor)
		op.Channel = entity.Channel(channel)
		op.PreviousStatus = workflow.State(prev)
		op.ResultingStatus = workflow.State(next)
		if err := json.Unmarshal([]byte(meta), &op.Metadata); err != nil {
			return nil, fmt.Errorf("failed to decode metadata of operation %s: %w", op.ID, err)
		}
		if op.CreatedAt, err = parseTime(created); err != nil {
			return nil, err
		}
		ops = append(ops, &op)
	}
	return ops, rows.Err()
}

var _ port.HistoryRepository = (*HistoryRepository)(nil)
