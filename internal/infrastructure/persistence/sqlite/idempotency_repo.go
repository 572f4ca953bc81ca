package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/garyjia/quote-approval/internal/application/port"
	"github.com/garyjia/quote-approval/internal/domain/entity"
	"github.com/garyjia/quote-approval/internal/domain/workflow"
)

// IdempotencyRepository implements port.IdempotencyRepository
type IdempotencyRepository struct {
	db *DB
}

// NewIdempotencyRepository creates a new idempotency repository
func NewIdempotencyRepository(db *DB) *IdempotencyRepository {
	return &IdempotencyRepository{db: db}
}

func (r *IdempotencyRepository) Get(ctx context.Context, quoteID, key string) (*entity.IdempotencyEntry, error) {
	var (
		e       entity.IdempotencyEntry
		result  string
		created string
	)
	err := r.db.getExecutor(ctx).QueryRowContext(ctx, `
		SELECT quote_id, key, result, created_at FROM idempotency_keys
		WHERE quote_id = ? AND key = ?
	`, quoteID, key).Scan(&e.QuoteID, &e.Key, &result, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get idempotency key: %w", err)
	}

	e.Result = []byte(result)
	if e.CreatedAt, err = parseTime(created); err != nil {
		return nil, err
	}
	return &e, nil
}

func (r *IdempotencyRepository) Put(ctx context.Context, entry *entity.IdempotencyEntry) error {
	_, err := r.db.getExecutor(ctx).ExecContext(ctx, `
		INSERT INTO idempotency_keys (quote_id, key, result, created_at)
		VALUES (?, ?, ?, ?)
	`, entry.QuoteID, entry.Key, string(entry.Result), formatTime(entry.CreatedAt))
	if isConstraint(err) {
		return fmt.Errorf("%w: key %s", workflow.ErrDuplicateOperation, entry.Key)
	}
	if err != nil {
		return fmt.Errorf("failed to store idempotency key: %w", err)
	}
	return nil
}

func (r *IdempotencyRepository) DeleteByQuote(ctx context.Context, quoteID string) error {
	if _, err := r.db.getExecutor(ctx).ExecContext(ctx, `DELETE FROM idempotency_keys WHERE quote_id = ?`, quoteID); err != nil {
		return fmt.Errorf("failed to delete idempotency keys: %w", err)
	}
	return nil
}

var _ port.IdempotencyRepository = (*IdempotencyRepository)(nil)
