package memory

import (
	"context"
	"fmt"

	"github.com/garyjia/quote-approval/internal/application/port"
	"github.com/garyjia/quote-approval/internal/domain/entity"
	"github.com/garyjia/quote-approval/internal/domain/workflow"
)

// IdempotencyRepository implements port.IdempotencyRepository
type IdempotencyRepository struct {
	store *Store
}

func (r *IdempotencyRepository) Get(ctx context.Context, quoteID, key string) (*entity.IdempotencyEntry, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()

	e, ok := r.store.keys[quoteID][key]
	if !ok {
		return nil, nil
	}
	c := *e
	c.Result = append([]byte(nil), e.Result...)
	return &c, nil
}

func (r *IdempotencyRepository) Put(ctx context.Context, entry *entity.IdempotencyEntry) error {
	stored := *entry
	stored.Result = append([]byte(nil), entry.Result...)

	return r.store.write(ctx, func(s *Store) (func(), error) {
		byKey := s.keys[stored.QuoteID]
		if byKey == nil {
			byKey = make(map[string]*entity.IdempotencyEntry)
			s.keys[stored.QuoteID] = byKey
		}
		if _, exists := byKey[stored.Key]; exists {
			return nil, fmt.Errorf("%w: key %s", workflow.ErrDuplicateOperation, stored.Key)
		}
		byKey[stored.Key] = &stored
		return func() { delete(byKey, stored.Key) }, nil
	})
}

func (r *IdempotencyRepository) DeleteByQuote(ctx context.Context, quoteID string) error {
	return r.store.write(ctx, func(s *Store) (func(), error) {
		prev, ok := s.keys[quoteID]
		delete(s.keys, quoteID)
		return func() {
			if ok {
				s.keys[quoteID] = prev
			}
		}, nil
	})
}

var _ port.IdempotencyRepository = (*IdempotencyRepository)(nil)
