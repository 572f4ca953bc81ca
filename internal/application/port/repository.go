package port

import (
	"context"
	"iter"
	"time"

	"github.com/garyjia/quote-approval/internal/domain/entity"
)

// RecordRepository defines persistence operations for ApprovalRecord.
// Get-style lookups return (nil, nil) when nothing matches.
type RecordRepository interface {
	Get(ctx context.Context, quoteID string) (*entity.ApprovalRecord, error)
	GetByExternalReference(ctx context.Context, channel entity.Channel, ref string) (*entity.ApprovalRecord, error)

	// Create inserts a new record with its bindings. Fails with
	// ErrVersionConflict if the quote already has a record.
	Create(ctx context.Context, rec *entity.ApprovalRecord) error

	// Update replaces the record if the stored version equals expectedVersion,
	// otherwise fails with ErrVersionConflict. Bindings are written as well.
	Update(ctx context.Context, rec *entity.ApprovalRecord, expectedVersion int64) error

	// UpdateBinding replaces one channel binding without touching the version
	UpdateBinding(ctx context.Context, quoteID string, channel entity.Channel, binding *entity.ChannelBinding) error

	// ListExpiredInputs returns quotes in awaiting_input whose deadline is at or before now
	ListExpiredInputs(ctx context.Context, now time.Time, limit int) ([]string, error)

	// ListPendingSyncs returns bindings in pending sync state
	ListPendingSyncs(ctx context.Context, limit int) ([]SyncTarget, error)

	// ListBound returns non-terminal records that carry a reference on the channel
	ListBound(ctx context.Context, channel entity.Channel, limit int) ([]*entity.ApprovalRecord, error)

	// Delete removes the record and its bindings
	Delete(ctx context.Context, quoteID string) error
}

// SyncTarget identifies one binding awaiting synchronization
type SyncTarget struct {
	QuoteID string
	Channel entity.Channel
}

// HistoryRepository defines the append-only operation ledger
type HistoryRepository interface {
	// Append stores op and assigns its Sequence. Existing entries are never changed.
	Append(ctx context.Context, op *entity.ApprovalOperation) error

	// List yields a quote's operations in commit order. Each range re-reads the
	// ledger, so the sequence can be consumed more than once.
	List(ctx context.Context, quoteID string) iter.Seq2[*entity.ApprovalOperation, error]

	// DeleteByQuote removes the ledger of a purged quote
	DeleteByQuote(ctx context.Context, quoteID string) error
}

// IdempotencyRepository stores the result of every processed operation key
type IdempotencyRepository interface {
	Get(ctx context.Context, quoteID, key string) (*entity.IdempotencyEntry, error)

	// Put fails with ErrDuplicateOperation when the key was already stored
	Put(ctx context.Context, entry *entity.IdempotencyEntry) error

	DeleteByQuote(ctx context.Context, quoteID string) error
}

// TransactionManager handles database transactions
type TransactionManager interface {
	WithTransaction(ctx context.Context, fn func(ctx context.Context) error) error
}
