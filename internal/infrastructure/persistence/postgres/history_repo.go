package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"iter"

	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"github.com/garyjia/quote-approval/internal/application/port"
	"github.com/garyjia/quote-approval/internal/domain/entity"
	"github.com/garyjia/quote-approval/internal/domain/workflow"
)

// HistoryRepository implements port.HistoryRepository
type HistoryRepository struct {
	db *DB
}

func (r *HistoryRepository) Append(ctx context.Context, op *entity.ApprovalOperation) error {
	q, _ := r.db.querier(ctx)

	metadata, err := json.Marshal(op.Metadata)
	if err != nil {
		return fmt.Errorf("failed to encode operation metadata: %w", err)
	}

	err = q.QueryRow(ctx, `
		INSERT INTO approval_operations (
			id, quote_id, cycle_count, action, actor_id, channel, comments,
			previous_status, resulting_status, metadata, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		RETURNING sequence
	`,
		op.ID,
		op.QuoteID,
		op.CycleCount,
		string(op.Action),
		op.ActorID,
		string(op.Channel),
		op.Comments,
		string(op.PreviousStatus),
		string(op.ResultingStatus),
		string(metadata),
		op.CreatedAt.UTC(),
	).Scan(&op.Sequence)
	if err != nil {
		r.db.logger.Error("Failed to append operation",
			zap.String("quote_id", op.QuoteID),
			zap.String("action", string(op.Action)),
			zap.Error(err))
		return fmt.Errorf("failed to append operation: %w", err)
	}
	return nil
}

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

func (r *HistoryRepository) DeleteByQuote(ctx context.Context, quoteID string) error {
	q, _ := r.db.querier(ctx)
	if _, err := q.Exec(ctx, `DELETE FROM approval_operations WHERE quote_id = $1`, quoteID); err != nil {
		return fmt.Errorf("failed to delete history: %w", err)
	}
	return nil
}

func (r *HistoryRepository) load(ctx context.Context, quoteID string) ([]*entity.ApprovalOperation, error) {
	q, _ := r.db.querier(ctx)

	rows, err := q.Query(ctx, `
		SELECT sequence, id, quote_id, cycle_count, action, actor_id, channel, comments,
			previous_status, resulting_status, metadata, created_at
		FROM approval_operations
		WHERE quote_id = $1
		ORDER BY sequence ASC
	`, quoteID)
	if err != nil {
		r.db.logger.Error("Failed to list history", zap.String("quote_id", quoteID), zap.Error(err))
		return nil, fmt.Errorf("failed to list history: %w", err)
	}

	ops, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (*entity.ApprovalOperation, error) {
		var (
			op                          entity.ApprovalOperation
			action, channel, prev, next string
			meta                        []byte
		)
		err := row.Scan(
			&op.Sequence,
			&op.ID,
			&op.QuoteID,
			&op.CycleCount,
			&action,
			&op.ActorID,
			&channel,
			&op.Comments,
			&prev,
			&next,
			&meta,
			&op.CreatedAt,
		)
		if err != nil {
			return nil, err
		}
		op.Action = workflow.Action(action)
		op.Channel = entity.Channel(channel)
		op.PreviousStatus = workflow.State(prev)
		op.ResultingStatus = workflow.State(next)
		op.CreatedAt = op.CreatedAt.UTC()
		if err := json.Unmarshal(meta, &op.Metadata); err != nil {
			return nil, fmt.Errorf("failed to decode metadata of operation %s: %w", op.ID, err)
		}
		return &op, nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to scan history: %w", err)
	}
	return ops, nil
}

var _ port.HistoryRepository = (*HistoryRepository)(nil)
