package memory

import (
	"context"
	"fmt"
	"time"

	"github.com/garyjia/quote-approval/internal/application/port"
	"github.com/garyjia/quote-approval/internal/domain/entity"
	"github.com/garyjia/quote-approval/internal/domain/workflow"
)

// RecordRepository implements port.RecordRepository
type RecordRepository struct {
	store *Store
}

func (r *RecordRepository) Get(ctx context.Context, quoteID string) (*entity.ApprovalRecord, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()
	return r.store.records[quoteID].Clone(), nil
}

func (r *RecordRepository) GetByExternalReference(ctx context.Context, channel entity.Channel, ref string) (*entity.ApprovalRecord, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()

	for _, id := range r.store.sortedQuotes() {
		rec := r.store.records[id]
		if b := rec.Binding(channel); b != nil && b.Reference() == ref {
			return rec.Clone(), nil
		}
	}
	return nil, nil
}

func (r *RecordRepository) Create(ctx context.Context, rec *entity.ApprovalRecord) error {
	stored := rec.Clone()
	return r.store.write(ctx, func(s *Store) (func(), error) {
		if _, exists := s.records[stored.QuoteID]; exists {
			return nil, fmt.Errorf("%w: record for quote %s already exists", workflow.ErrVersionConflict, stored.QuoteID)
		}
		s.records[stored.QuoteID] = stored
		return func() { delete(s.records, stored.QuoteID) }, nil
	})
}

func (r *RecordRepository) Update(ctx context.Context, rec *entity.ApprovalRecord, expectedVersion int64) error {
	stored := rec.Clone()
	return r.store.write(ctx, func(s *Store) (func(), error) {
		prev, ok := s.records[stored.QuoteID]
		if !ok {
			return nil, fmt.Errorf("%w: quote %s", workflow.ErrNotFound, stored.QuoteID)
		}
		if prev.Version != expectedVersion {
			return nil, fmt.Errorf("%w: quote %s is at version %d, expected %d",
				workflow.ErrVersionConflict, stored.QuoteID, prev.Version, expectedVersion)
		}
		s.records[stored.QuoteID] = stored
		return func() { s.records[stored.QuoteID] = prev }, nil
	})
}

func (r *RecordRepository) UpdateBinding(ctx context.Context, quoteID string, channel entity.Channel, binding *entity.ChannelBinding) error {
	stored := binding.Clone()
	return r.store.write(ctx, func(s *Store) (func(), error) {
		rec, ok := s.records[quoteID]
		if !ok {
			return nil, fmt.Errorf("%w: quote %s", workflow.ErrNotFound, quoteID)
		}
		if rec.ChannelBindings == nil {
			rec.ChannelBindings = make(map[entity.Channel]*entity.ChannelBinding)
		}
		prev, had := rec.ChannelBindings[channel]
		rec.ChannelBindings[channel] = stored
		return func() {
			if had {
				rec.ChannelBindings[channel] = prev
			} else {
				delete(rec.ChannelBindings, channel)
			}
		}, nil
	})
}

func (r *RecordRepository) ListExpiredInputs(ctx context.Context, now time.Time, limit int) ([]string, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()

	var out []string
	for _, id := range r.store.sortedQuotes() {
		rec := r.store.records[id]
		if rec.Status != workflow.StateAwaitingInput || rec.PendingInputDeadline == nil {
			continue
		}
		if rec.PendingInputDeadline.After(now) {
			continue
		}
		out = append(out, id)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (r *RecordRepository) ListPendingSyncs(ctx context.Context, limit int) ([]port.SyncTarget, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()

	var out []port.SyncTarget
	for _, id := range r.store.sortedQuotes() {
		rec := r.store.records[id]
		for _, ch := range rec.Channels() {
			if rec.Binding(ch).SyncState != entity.SyncStatePending {
				continue
			}
			out = append(out, port.SyncTarget{QuoteID: id, Channel: ch})
			if limit > 0 && len(out) >= limit {
				return out, nil
			}
		}
	}
	return out, nil
}

func (r *RecordRepository) ListBound(ctx context.Context, channel entity.Channel, limit int) ([]*entity.ApprovalRecord, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()

	var out []*entity.ApprovalRecord
	for _, id := range r.store.sortedQuotes() {
		rec := r.store.records[id]
		if rec.Status.IsTerminal() || rec.Binding(channel).Reference() == "" {
			continue
		}
		out = append(out, rec.Clone())
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (r *RecordRepository) Delete(ctx context.Context, quoteID string) error {
	return r.store.write(ctx, func(s *Store) (func(), error) {
		prev, ok := s.records[quoteID]
		if !ok {
			return func() {}, nil
		}
		delete(s.records, quoteID)
		return func() { s.records[quoteID] = prev }, nil
	})
}

var _ port.RecordRepository = (*RecordRepository)(nil)
