package memory

import (
	"context"
	"iter"

	"github.com/garyjia/quote-approval/internal/application/port"
	"github.com/garyjia/quote-approval/internal/domain/entity"
)

// HistoryRepository implements port.HistoryRepository
type HistoryRepository struct {
	store *Store
}

// Append assigns the sequence number immediately. A rolled back append leaves
// a gap, like a database sequence would.
func (r *HistoryRepository) Append(ctx context.Context, op *entity.ApprovalOperation) error {
	r.store.mu.Lock()
	r.store.seq++
	op.Sequence = r.store.seq
	r.store.mu.Unlock()

	stored := op.Clone()
	return r.store.write(ctx, func(s *Store) (func(), error) {
		s.history[stored.QuoteID] = append(s.history[stored.QuoteID], stored)
		return func() {
			ops := s.history[stored.QuoteID]
			s.history[stored.QuoteID] = ops[:len(ops)-1]
		}, nil
	})
}

func (r *HistoryRepository) List(ctx context.Context, quoteID string) iter.Seq2[*entity.ApprovalOperation, error] {
	return func(yield func(*entity.ApprovalOperation, error) bool) {
		r.store.mu.RLock()
		ops := r.store.history[quoteID]
		snapshot := make([]*entity.ApprovalOperation, len(ops))
		copy(snapshot, ops)
		r.store.mu.RUnlock()

		for _, op := range snapshot {
			if err := ctx.Err(); err != nil {
				yield(nil, err)
				return
			}
			if !yield(op.Clone(), nil) {
				return
			}
		}
	}
}

func (r *HistoryRepository) DeleteByQuote(ctx context.Context, quoteID string) error {
	return r.store.write(ctx, func(s *Store) (func(), error) {
		prev, ok := s.history[quoteID]
		delete(s.history, quoteID)
		return func() {
			if ok {
				s.history[quoteID] = prev
			}
		}, nil
	})
}

var _ port.HistoryRepository = (*HistoryRepository)(nil)
