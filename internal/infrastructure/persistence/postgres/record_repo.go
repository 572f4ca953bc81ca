package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"github.com/garyjia/quote-approval/internal/application/port"
	"github.com/garyjia/quote-approval/internal/domain/entity"
	"github.com/garyjia/quote-approval/internal/domain/workflow"
)

// RecordRepository implements port.RecordRepository
type RecordRepository struct {
	db *DB
}

const recordColumns = `quote_id, status, current_approver_id, submitted_by, submitted_at,
	cycle_count, version, pending_input_deadline, last_transition_at, created_at, updated_at`

// Get loads a record and its bindings. Inside a transaction the row stays
// locked until commit.
func (r *RecordRepository) Get(ctx context.Context, quoteID string) (*entity.ApprovalRecord, error) {
	q, inTx := r.db.querier(ctx)

	query := `SELECT ` + recordColumns + ` FROM approval_records WHERE quote_id = $1`
	if inTx {
		query += ` FOR UPDATE`
	}

	rec, err := scanRecord(q.QueryRow(ctx, query, quoteID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		r.db.logger.Error("Failed to get approval record", zap.String("quote_id", quoteID), zap.Error(err))
		return nil, fmt.Errorf("failed to get record: %w", err)
	}

	if err := loadBindings(ctx, q, rec); err != nil {
		return nil, err
	}
	return rec, nil
}

func (r *RecordRepository) GetByExternalReference(ctx context.Context, channel entity.Channel, ref string) (*entity.ApprovalRecord, error) {
	q, _ := r.db.querier(ctx)

	var quoteID string
	err := q.QueryRow(ctx, `
		SELECT quote_id FROM channel_bindings
		WHERE channel = $1 AND external_reference_id = $2
		ORDER BY quote_id LIMIT 1
	`, string(channel), ref).Scan(&quoteID)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to look up reference: %w", err)
	}
	return r.Get(ctx, quoteID)
}

func (r *RecordRepository) Create(ctx context.Context, rec *entity.ApprovalRecord) error {
	q, _ := r.db.querier(ctx)

	_, err := q.Exec(ctx, `
		INSERT INTO approval_records (`+recordColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`,
		rec.QuoteID,
		string(rec.Status),
		rec.CurrentApproverID,
		rec.SubmittedBy,
		utcPtr(rec.SubmittedAt),
		rec.CycleCount,
		rec.Version,
		utcPtr(rec.PendingInputDeadline),
		rec.LastTransitionAt.UTC(),
		rec.CreatedAt.UTC(),
		rec.UpdatedAt.UTC(),
	)
	if isUniqueViolation(err) {
		return fmt.Errorf("%w: record for quote %s already exists", workflow.ErrVersionConflict, rec.QuoteID)
	}
	if err != nil {
		r.db.logger.Error("Failed to create approval record", zap.String("quote_id", rec.QuoteID), zap.Error(err))
		return fmt.Errorf("failed to create record: %w", err)
	}
	return writeBindings(ctx, q, rec)
}

func (r *RecordRepository) Update(ctx context.Context, rec *entity.ApprovalRecord, expectedVersion int64) error {
	q, _ := r.db.querier(ctx)

	tag, err := q.Exec(ctx, `
		UPDATE approval_records SET
			status = $1, current_approver_id = $2, submitted_by = $3, submitted_at = $4,
			cycle_count = $5, version = $6, pending_input_deadline = $7,
			last_transition_at = $8, updated_at = $9
		WHERE quote_id = $10 AND version = $11
	`,
		string(rec.Status),
		rec.CurrentApproverID,
		rec.SubmittedBy,
		utcPtr(rec.SubmittedAt),
		rec.CycleCount,
		rec.Version,
		utcPtr(rec.PendingInputDeadline),
		rec.LastTransitionAt.UTC(),
		rec.UpdatedAt.UTC(),
		rec.QuoteID,
		expectedVersion,
	)
	if err != nil {
		r.db.logger.Error("Failed to update approval record", zap.String("quote_id", rec.QuoteID), zap.Error(err))
		return fmt.Errorf("failed to update record: %w", err)
	}

	if tag.RowsAffected() == 0 {
		var current int64
		err := q.QueryRow(ctx, `SELECT version FROM approval_records WHERE quote_id = $1`, rec.QuoteID).Scan(&current)
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("%w: quote %s", workflow.ErrNotFound, rec.QuoteID)
		}
		if err != nil {
			return fmt.Errorf("failed to read version: %w", err)
		}
		return fmt.Errorf("%w: quote %s is at version %d, expected %d",
			workflow.ErrVersionConflict, rec.QuoteID, current, expectedVersion)
	}
	return writeBindings(ctx, q, rec)
}

func (r *RecordRepository) UpdateBinding(ctx context.Context, quoteID string, channel entity.Channel, binding *entity.ChannelBinding) error {
	q, _ := r.db.querier(ctx)

	var exists bool
	err := q.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM approval_records WHERE quote_id = $1)`, quoteID).Scan(&exists)
	if err != nil {
		return fmt.Errorf("failed to check record: %w", err)
	}
	if !exists {
		return fmt.Errorf("%w: quote %s", workflow.ErrNotFound, quoteID)
	}
	return upsertBinding(ctx, q, quoteID, channel, binding)
}

func (r *RecordRepository) ListExpiredInputs(ctx context.Context, now time.Time, limit int) ([]string, error) {
	q, _ := r.db.querier(ctx)

	query := `
		SELECT quote_id FROM approval_records
		WHERE status = $1 AND pending_input_deadline IS NOT NULL AND pending_input_deadline <= $2
		ORDER BY pending_input_deadline, quote_id`
	args := []any{string(workflow.StateAwaitingInput), now.UTC()}
	if limit > 0 {
		query += ` LIMIT $3`
		args = append(args, limit)
	}

	rows, err := q.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list expired inputs: %w", err)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("failed to scan quote ids: %w", err)
	}
	return ids, nil
}

func (r *RecordRepository) ListPendingSyncs(ctx context.Context, limit int) ([]port.SyncTarget, error) {
	q, _ := r.db.querier(ctx)

	query := `
		SELECT quote_id, channel FROM channel_bindings
		WHERE sync_state = $1
		ORDER BY quote_id, channel`
	args := []any{string(entity.SyncStatePending)}
	if limit > 0 {
		query += ` LIMIT $2`
		args = append(args, limit)
	}

	rows, err := q.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list pending syncs: %w", err)
	}
	targets, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (port.SyncTarget, error) {
		var quoteID, ch string
		err := row.Scan(&quoteID, &ch)
		return port.SyncTarget{QuoteID: quoteID, Channel: entity.Channel(ch)}, err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to scan sync targets: %w", err)
	}
	return targets, nil
}

func (r *RecordRepository) ListBound(ctx context.Context, channel entity.Channel, limit int) ([]*entity.ApprovalRecord, error) {
	q, _ := r.db.querier(ctx)

	query := `
		SELECT b.quote_id FROM channel_bindings b
		JOIN approval_records r ON r.quote_id = b.quote_id
		WHERE b.channel = $1
		  AND b.external_reference_id IS NOT NULL AND b.external_reference_id <> ''
		  AND r.status <> ALL($2)
		ORDER BY b.quote_id`
	args := []any{string(channel), terminalStates()}
	if limit > 0 {
		query += ` LIMIT $3`
		args = append(args, limit)
	}

	rows, err := q.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list bound records: %w", err)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("failed to scan quote ids: %w", err)
	}

	out := make([]*entity.ApprovalRecord, 0, len(ids))
	for _, id := range ids {
		rec, err := r.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if rec != nil {
			out = append(out, rec)
		}
	}
	return out, nil
}

func (r *RecordRepository) Delete(ctx context.Context, quoteID string) error {
	q, _ := r.db.querier(ctx)

	if _, err := q.Exec(ctx, `DELETE FROM channel_bindings WHERE quote_id = $1`, quoteID); err != nil {
		return fmt.Errorf("failed to delete bindings: %w", err)
	}
	if _, err := q.Exec(ctx, `DELETE FROM approval_records WHERE quote_id = $1`, quoteID); err != nil {
		return fmt.Errorf("failed to delete record: %w", err)
	}
	return nil
}

func terminalStates() []string {
	var out []string
	for _, s := range workflow.AllStates() {
		if s.IsTerminal() {
			out = append(out, string(s))
		}
	}
	return out
}

func writeBindings(ctx context.Context, q querier, rec *entity.ApprovalRecord) error {
	for _, ch := range rec.Channels() {
		if err := upsertBinding(ctx, q, rec.QuoteID, ch, rec.Binding(ch)); err != nil {
			return err
		}
	}
	return nil
}

func upsertBinding(ctx context.Context, q querier, quoteID string, ch entity.Channel, b *entity.ChannelBinding) error {
	_, err := q.Exec(ctx, `
		INSERT INTO channel_bindings (
			quote_id, channel, external_reference_id, last_synced_status, sync_state,
			last_attempt_at, attempt_count, last_error
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (quote_id, channel) DO UPDATE SET
			external_reference_id = EXCLUDED.external_reference_id,
			last_synced_status = EXCLUDED.last_synced_status,
			sync_state = EXCLUDED.sync_state,
			last_attempt_at = EXCLUDED.last_attempt_at,
			attempt_count = EXCLUDED.attempt_count,
			last_error = EXCLUDED.last_error
	`,
		quoteID,
		string(ch),
		b.ExternalReferenceID,
		string(b.LastSyncedStatus),
		string(b.SyncState),
		utcPtr(b.LastAttemptAt),
		b.AttemptCount,
		b.LastError,
	)
	if err != nil {
		return fmt.Errorf("failed to write %s binding of %s: %w", ch, quoteID, err)
	}
	return nil
}

func loadBindings(ctx context.Context, q querier, rec *entity.ApprovalRecord) error {
	rows, err := q.Query(ctx, `
		SELECT channel, external_reference_id, last_synced_status, sync_state,
			last_attempt_at, attempt_count, last_error
		FROM channel_bindings
		WHERE quote_id = $1
	`, rec.QuoteID)
	if err != nil {
		return fmt.Errorf("failed to load bindings: %w", err)
	}
	defer rows.Close()

	rec.ChannelBindings = make(map[entity.Channel]*entity.ChannelBinding)
	for rows.Next() {
		var (
			ch, lastSynced, state string
			b                     entity.ChannelBinding
		)
		if err := rows.Scan(&ch, &b.ExternalReferenceID, &lastSynced, &state, &b.LastAttemptAt, &b.AttemptCount, &b.LastError); err != nil {
			return fmt.Errorf("failed to scan binding: %w", err)
		}
		b.LastSyncedStatus = workflow.State(lastSynced)
		b.SyncState = entity.SyncState(state)
		b.LastAttemptAt = utcPtr(b.LastAttemptAt)
		rec.ChannelBindings[entity.Channel(ch)] = &b
	}
	return rows.Err()
}

func scanRecord(row pgx.Row) (*entity.ApprovalRecord, error) {
	var (
		rec    entity.ApprovalRecord
		status string
	)
	err := row.Scan(
		&rec.QuoteID,
		&status,
		&rec.CurrentApproverID,
		&rec.SubmittedBy,
		&rec.SubmittedAt,
		&rec.CycleCount,
		&rec.Version,
		&rec.PendingInputDeadline,
		&rec.LastTransitionAt,
		&rec.CreatedAt,
		&rec.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	rec.Status = workflow.State(status)
	rec.SubmittedAt = utcPtr(rec.SubmittedAt)
	rec.PendingInputDeadline = utcPtr(rec.PendingInputDeadline)
	rec.LastTransitionAt = rec.LastTransitionAt.UTC()
	rec.CreatedAt = rec.CreatedAt.UTC()
	rec.UpdatedAt = rec.UpdatedAt.UTC()
	return &rec, nil
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := t.UTC()
	return &v
}

var _ port.RecordRepository = (*RecordRepository)(nil)
