// Package memory keeps approval state in process memory. It backs tests and
// single-process deployments that do not need durability.
package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/garyjia/quote-approval/internal/application/port"
	"github.com/garyjia/quote-approval/internal/domain/entity"
)

// mutation applies one write and returns how to undo it
type mutation func(s *Store) (undo func(), err error)

type journal struct {
	mutations []mutation
}

type txKey struct{}

// Store holds records, history and idempotency keys behind a single lock.
// Writes made inside WithTransaction are applied together at commit and
// rolled back together if any of them fails.
type Store struct {
	mu      sync.RWMutex
	records map[string]*entity.ApprovalRecord
	history map[string][]*entity.ApprovalOperation
	keys    map[string]map[string]*entity.IdempotencyEntry
	seq     int64
}

// NewStore creates an empty store
func NewStore() *Store {
	return &Store{
		records: make(map[string]*entity.ApprovalRecord),
		history: make(map[string][]*entity.ApprovalOperation),
		keys:    make(map[string]map[string]*entity.IdempotencyEntry),
	}
}

// Records returns the record repository view of the store
func (s *Store) Records() *RecordRepository {
	return &RecordRepository{store: s}
}

// History returns the ledger view of the store
func (s *Store) History() *HistoryRepository {
	return &HistoryRepository{store: s}
}

// Idempotency returns the idempotency key view of the store
func (s *Store) Idempotency() *IdempotencyRepository {
	return &IdempotencyRepository{store: s}
}

// WithTransaction implements port.TransactionManager
func (s *Store) WithTransaction(ctx context.Context, fn func(ctx context.Context) error) error {
	if _, ok := ctx.Value(txKey{}).(*journal); ok {
		return fn(ctx)
	}

	j := &journal{}
	if err := fn(context.WithValue(ctx, txKey{}, j)); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	undos := make([]func(), 0, len(j.mutations))
	for _, m := range j.mutations {
		undo, err := m(s)
		if err != nil {
			for i := len(undos) - 1; i >= 0; i-- {
				undos[i]()
			}
			return err
		}
		undos = append(undos, undo)
	}
	return nil
}

// write applies m now, or queues it when ctx carries a transaction
func (s *Store) write(ctx context.Context, m mutation) error {
	if j, ok := ctx.Value(txKey{}).(*journal); ok {
		j.mutations = append(j.mutations, m)
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := m(s)
	return err
}

// sortedQuotes returns record keys in a stable order for list queries
func (s *Store) sortedQuotes() []string {
	ids := make([]string, 0, len(s.records))
	for id := range s.records {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

var _ port.TransactionManager = (*Store)(nil)
