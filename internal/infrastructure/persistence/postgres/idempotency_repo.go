package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/garyjia/quote-approval/internal/application/port"
	"github.com/garyjia/quote-approval/internal/domain/entity"
	"github.com/garyjia/quote-approval/internal/domain/workflow"
)

// IdempotencyRepository implements port.IdempotencyRepository
type IdempotencyRepository struct {
	db *DB
}

func (r *IdempotencyRepository) Get(ctx context.Context, quoteID, key string) (*entity.IdempotencyEntry, error) {
	q, _ := r.db.querier(ctx)

	var e entity.IdempotencyEntry
	err := q.QueryRow(ctx, `
		SELECT quote_id, idem_key, result, created_at FROM idempotency_keys
		WHERE quote_id = $1 AND idem_key = $2
	`, quoteID, key).Scan(&e.QuoteID, &e.Key, &e.Result, &e.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get idempotency key: %w", err)
	}
	e.CreatedAt = e.CreatedAt.UTC()
	return &e, nil
}

func (r *IdempotencyRepository) Put(ctx context.Context, entry *entity.IdempotencyEntry) error {
	q, _ := r.db.querier(ctx)

	result := string(entry.Result)
	if result == "" {
		result = "null"
	}
	_, err := q.Exec(ctx, `
		INSERT INTO idempotency_keys (quote_id, idem_key, result, created_at)
		VALUES ($1, $2, $3, $4)
	`, entry.QuoteID, entry.Key, result, entry.CreatedAt.UTC())
	if isUniqueViolation(err) {
		return fmt.Errorf("%w: key %s", workflow.ErrDuplicateOperation, entry.Key)
	}
	if err != nil {
		return fmt.Errorf("failed to store idempotency key: %w", err)
	}
	return nil
}

func (r *IdempotencyRepository) DeleteByQuote(ctx context.Context, quoteID string) error {
	q, _ := r.db.querier(ctx)
	if _, err := q.Exec(ctx, `DELETE FROM idempotency_keys WHERE quote_id = $1`, quoteID); err != nil {
		return fmt.Errorf("failed to delete idempotency keys: %w", err)
	}
	return nil
}

var _ port.IdempotencyRepository = (*IdempotencyRepository)(nil)
