package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/garyjia/quote-approval/internal/application/port"
	"github.com/garyjia/quote-approval/internal/domain/entity"
	"github.com/garyjia/quote-approval/internal/domain/workflow"
)

// RecordRepository implements port.RecordRepository
type RecordRepository struct {
	db *DB
}

// NewRecordRepository creates a new record repository
func NewRecordRepository(db *DB) *RecordRepository {
	return &RecordRepository{db: db}
}

const recordColumns = `quote_id, status, current_approver_id, submitted_by, submitted_at,
	cycle_count, version, pending_input_deadline, last_transition_at, created_at, updated_at`

// Get retrieves a record with its bindings
func (r *RecordRepository) Get(ctx context.Context, quoteID string) (*entity.ApprovalRecord, error) {
	exec := r.db.getExecutor(ctx)

	row := exec.QueryRowContext(ctx, `SELECT `+recordColumns+` FROM approval_records WHERE quote_id = ?`, quoteID)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		r.db.logger.Error("Failed to get approval record", zap.String("quote_id", quoteID), zap.Error(err))
		return nil, fmt.Errorf("failed to get record: %w", err)
	}

	if err := r.loadBindings(ctx, exec, rec); err != nil {
		return nil, err
	}
	return rec, nil
}

// GetByExternalReference finds the record whose binding on channel carries ref
func (r *RecordRepository) GetByExternalReference(ctx context.Context, channel entity.Channel, ref string) (*entity.ApprovalRecord, error) {
	var quoteID string
	err := r.db.getExecutor(ctx).QueryRowContext(ctx, `
		SELECT quote_id FROM channel_bindings
		WHERE channel = ? AND external_reference_id = ?
		ORDER BY quote_id LIMIT 1
	`, string(channel), ref).Scan(&quoteID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to look up reference: %w", err)
	}
	return r.Get(ctx, quoteID)
}

// Create inserts a record and its bindings
func (r *RecordRepository) Create(ctx context.Context, rec *entity.ApprovalRecord) error {
	exec := r.db.getExecutor(ctx)

	_, err := exec.ExecContext(ctx, `
		INSERT INTO approval_records (`+recordColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		rec.QuoteID,
		string(rec.Status),
		nullString(rec.CurrentApproverID),
		rec.SubmittedBy,
		formatTimePtr(rec.SubmittedAt),
		rec.CycleCount,
		rec.Version,
		formatTimePtr(rec.PendingInputDeadline),
		formatTime(rec.LastTransitionAt),
		formatTime(rec.CreatedAt),
		formatTime(rec.UpdatedAt),
	)
	if isConstraint(err) {
		return fmt.Errorf("%w: record for quote %s already exists", workflow.ErrVersionConflict, rec.QuoteID)
	}
	if err != nil {
		r.db.logger.Error("Failed to create approval record", zap.String("quote_id", rec.QuoteID), zap.Error(err))
		return fmt.Errorf("failed to create record: %w", err)
	}

	for _, ch := range rec.Channels() {
		if err := upsertBinding(ctx, exec, rec.QuoteID, ch, rec.Binding(ch)); err != nil {
			return err
		}
	}
	return nil
}

// Update writes rec if the stored version equals expectedVersion
func (r *RecordRepository) Update(ctx context.Context, rec *entity.ApprovalRecord, expectedVersion int64) error {
	exec := r.db.getExecutor(ctx)

	result, err := exec.ExecContext(ctx, `
		UPDATE approval_records SET
			status = ?, current_approver_id = ?, submitted_by = ?, submitted_at = ?,
			cycle_count = ?, version = ?, pending_input_deadline = ?,
			last_transition_at = ?, updated_at = ?
		WHERE quote_id = ? AND version = ?
	`,
		string(rec.Status),
		nullString(rec.CurrentApproverID),
		rec.SubmittedBy,
		formatTimePtr(rec.SubmittedAt),
		rec.CycleCount,
		rec.Version,
		formatTimePtr(rec.PendingInputDeadline),
		formatTime(rec.LastTransitionAt),
		formatTime(rec.UpdatedAt),
		rec.QuoteID,
		expectedVersion,
	)
	if err != nil {
		r.db.logger.Error("Failed to update approval record", zap.String("quote_id", rec.QuoteID), zap.Error(err))
		return fmt.Errorf("failed to update record: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get affected rows: %w", err)
	}
	if affected == 0 {
		return r.missOrConflict(ctx, exec, rec.QuoteID, expectedVersion)
	}

	for _, ch := range rec.Channels() {
		if err := upsertBinding(ctx, exec, rec.QuoteID, ch, rec.Binding(ch)); err != nil {
			return err
		}
	}
	return nil
}

// UpdateBinding replaces one binding without touching the record version
func (r *RecordRepository) UpdateBinding(ctx context.Context, quoteID string, channel entity.Channel, binding *entity.ChannelBinding) error {
	exec := r.db.getExecutor(ctx)

	var exists int
	err := exec.QueryRowContext(ctx, `SELECT 1 FROM approval_records WHERE quote_id = ?`, quoteID).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: quote %s", workflow.ErrNotFound, quoteID)
	}
	if err != nil {
		return fmt.Errorf("failed to check record: %w", err)
	}

	return upsertBinding(ctx, exec, quoteID, channel, binding)
}

// ListExpiredInputs returns quotes in awaiting_input whose deadline has passed
func (r *RecordRepository) ListExpiredInputs(ctx context.Context, now time.Time, limit int) ([]string, error) {
	query := `
		SELECT quote_id FROM approval_records
		WHERE status = ? AND pending_input_deadline IS NOT NULL AND pending_input_deadline <= ?
		ORDER BY pending_input_deadline, quote_id`
	args := []interface{}{string(workflow.StateAwaitingInput), formatTime(now)}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := r.db.getExecutor(ctx).QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list expired inputs: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan quote id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// ListPendingSyncs returns bindings waiting for a push
func (r *RecordRepository) ListPendingSyncs(ctx context.Context, limit int) ([]port.SyncTarget, error) {
	query := `
		SELECT quote_id, channel FROM channel_bindings
		WHERE sync_state = ?
		ORDER BY quote_id, channel`
	args := []interface{}{string(entity.SyncStatePending)}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := r.db.getExecutor(ctx).QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list pending syncs: %w", err)
	}
	defer rows.Close()

	var targets []port.SyncTarget
	for rows.Next() {
		var t port.SyncTarget
		var ch string
		if err := rows.Scan(&t.QuoteID, &ch); err != nil {
			return nil, fmt.Errorf("failed to scan sync target: %w", err)
		}
		t.Channel = entity.Channel(ch)
		targets = append(targets, t)
	}
	return targets, rows.Err()
}

// ListBound returns non-terminal records carrying a reference on channel
func (r *RecordRepository) ListBound(ctx context.Context, channel entity.Channel, limit int) ([]*entity.ApprovalRecord, error) {
	rows, err := r.db.getExecutor(ctx).QueryContext(ctx, `
		SELECT quote_id FROM channel_bindings
		WHERE channel = ? AND external_reference_id IS NOT NULL AND external_reference_id != ''
		ORDER BY quote_id
	`, string(channel))
	if err != nil {
		return nil, fmt.Errorf("failed to list bound records: %w", err)
	}

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan quote id: %w", err)
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	var out []*entity.ApprovalRecord
	for _, id := range ids {
		rec, err := r.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if rec == nil || rec.Status.IsTerminal() {
			continue
		}
		out = append(out, rec)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

// Delete removes the record and its bindings
func (r *RecordRepository) Delete(ctx context.Context, quoteID string) error {
	exec := r.db.getExecutor(ctx)

	if _, err := exec.ExecContext(ctx, `DELETE FROM channel_bindings WHERE quote_id = ?`, quoteID); err != nil {
		return fmt.Errorf("failed to delete bindings: %w", err)
	}
	if _, err := exec.ExecContext(ctx, `DELETE FROM approval_records WHERE quote_id = ?`, quoteID); err != nil {
		return fmt.Errorf("failed to delete record: %w", err)
	}
	return nil
}

func (r *RecordRepository) missOrConflict(ctx context.Context, exec executor, quoteID string, expected int64) error {
	var current int64
	err := exec.QueryRowContext(ctx, `SELECT version FROM approval_records WHERE quote_id = ?`, quoteID).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: quote %s", workflow.ErrNotFound, quoteID)
	}
	if err != nil {
		return fmt.Errorf("failed to read version: %w", err)
	}
	return fmt.Errorf("%w: quote %s is at version %d, expected %d",
		workflow.ErrVersionConflict, quoteID, current, expected)
}

func (r *RecordRepository) loadBindings(ctx context.Context, exec executor, rec *entity.ApprovalRecord) error {
	rows, err := exec.QueryContext(ctx, `
		SELECT channel, external_reference_id, last_synced_status, sync_state,
			last_attempt_at, attempt_count, last_error
		FROM channel_bindings
		WHERE quote_id = ?
	`, rec.QuoteID)
	if err != nil {
		return fmt.Errorf("failed to load bindings: %w", err)
	}
	defer rows.Close()

	rec.ChannelBindings = make(map[entity.Channel]*entity.ChannelBinding)
	for rows.Next() {
		var (
			ch, lastSynced, state string
			ref, lastAttempt      sql.NullString
			b                     entity.ChannelBinding
		)
		if err := rows.Scan(&ch, &ref, &lastSynced, &state, &lastAttempt, &b.AttemptCount, &b.LastError); err != nil {
			return fmt.Errorf("failed to scan binding: %w", err)
		}
		b.ExternalReferenceID = stringPtr(ref)
		b.LastSyncedStatus = workflow.State(lastSynced)
		b.SyncState = entity.SyncState(state)
		if b.LastAttemptAt, err = parseTimePtr(lastAttempt); err != nil {
			return err
		}
		rec.ChannelBindings[entity.Channel(ch)] = &b
	}
	return rows.Err()
}

func upsertBinding(ctx context.Context, exec executor, quoteID string, ch entity.Channel, b *entity.ChannelBinding) error {
	_, err := exec.ExecContext(ctx, `
		INSERT INTO channel_bindings (
			quote_id, channel, external_reference_id, last_synced_status, sync_state,
			last_attempt_at, attempt_count, last_error
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (quote_id, channel) DO UPDATE SET
			external_reference_id = excluded.external_reference_id,
			last_synced_status = excluded.last_synced_status,
			sync_state = excluded.sync_state,
			last_attempt_at = excluded.last_attempt_at,
			attempt_count = excluded.attempt_count,
			last_error = excluded.last_error
	`,
		quoteID,
		string(ch),
		nullString(b.ExternalReferenceID),
		string(b.LastSyncedStatus),
		string(b.SyncState),
		formatTimePtr(b.LastAttemptAt),
		b.AttemptCount,
		b.LastError,
	)
	if err != nil {
		return fmt.Errorf("failed to write %s binding of %s: %w", ch, quoteID, err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanRecord(row rowScanner) (*entity.ApprovalRecord, error) {
	var (
		rec                                  entity.ApprovalRecord
		status                               string
		approver, submittedAt, deadline      sql.NullString
		lastTransition, createdAt, updatedAt string
	)
	err := row.Scan(
		&rec.QuoteID,
		&status,
		&approver,
		&rec.SubmittedBy,
		&submittedAt,
		&rec.CycleCount,
		&rec.Version,
		&deadline,
		&lastTransition,
		&createdAt,
		&updatedAt,
	)
	if err != nil {
		return nil, err
	}

	rec.Status = workflow.State(status)
	rec.CurrentApproverID = stringPtr(approver)
	if rec.SubmittedAt, err = parseTimePtr(submittedAt); err != nil {
		return nil, err
	}
	if rec.PendingInputDeadline, err = parseTimePtr(deadline); err != nil {
		return nil, err
	}
	if rec.LastTransitionAt, err = parseTime(lastTransition); err != nil {
		return nil, err
	}
	if rec.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if rec.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, err
	}
	return &rec, nil
}

var _ port.RecordRepository = (*RecordRepository)(nil)
