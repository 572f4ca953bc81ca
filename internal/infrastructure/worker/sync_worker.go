package worker

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/garyjia/quote-approval/internal/application/service"
)

// SyncWorker runs the channel sync pool under the worker manager. It
// re-queues pending bindings at start, left over by a previous process, and
// again every sweep interval for bindings the full queue had to defer.
type SyncWorker struct {
	sync   service.SyncService
	sweep  time.Duration
	logger *zap.Logger

	loop loop
}

// NewSyncWorker wraps a sync service. A non-positive sweep disables the
// periodic re-queue.
func NewSyncWorker(sync service.SyncService, sweep time.Duration, logger *zap.Logger) *SyncWorker {
	return &SyncWorker{sync: sync, sweep: sweep, logger: logger}
}

// Name returns the worker name for identification
func (w *SyncWorker) Name() string {
	return "SyncWorker"
}

func (w *SyncWorker) Start(ctx context.Context) error {
	w.sync.Start(ctx)
	w.recover(ctx)

	if w.sweep <= 0 {
		return nil
	}
	return w.loop.start(ctx, w.Name(), func(ctx context.Context) {
		ticker := time.NewTicker(w.sweep)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				w.recover(ctx)
			}
		}
	})
}

// Stop ends the sweep and waits for in-flight pushes
func (w *SyncWorker) Stop() error {
	w.loop.stop()
	w.sync.Stop()
	return nil
}

func (w *SyncWorker) recover(ctx context.Context) {
	n, err := w.sync.RecoverPending(ctx)
	if err != nil {
		w.logger.Error("Failed to re-queue pending syncs", zap.Error(err))
		return
	}
	if n > 0 {
		w.logger.Info("Pending syncs re-queued", zap.Int("count", n))
	}
}
