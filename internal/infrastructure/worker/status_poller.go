package worker

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/garyjia/quote-approval/internal/application/port"
	"github.com/garyjia/quote-approval/internal/application/service"
	"github.com/garyjia/quote-approval/internal/domain/entity"
)

// StatusPollerConfig holds configuration for the status poller
type StatusPollerConfig struct {
	Interval  time.Duration
	BatchSize int
}

// Reconciler compares a channel's view of a record with the record
type Reconciler interface {
	Reconcile(ctx context.Context, quoteID string, channel entity.Channel) (service.ReconcileOutcome, error)
}

// StatusPoller pulls the external view of bound, unfinished records so
// missed webhooks are eventually noticed
type StatusPoller struct {
	config     StatusPollerConfig
	channel    entity.Channel
	records    port.RecordRepository
	reconciler Reconciler
	logger     *zap.Logger

	loop loop
}

// NewStatusPoller creates a poller for one channel
func NewStatusPoller(
	config StatusPollerConfig,
	channel entity.Channel,
	records port.RecordRepository,
	reconciler Reconciler,
	logger *zap.Logger,
) *StatusPoller {
	if config.Interval <= 0 {
		config.Interval = 5 * time.Minute
	}
	if config.BatchSize <= 0 {
		config.BatchSize = 200
	}
	return &StatusPoller{
		config:     config,
		channel:    channel,
		records:    records,
		reconciler: reconciler,
		logger:     logger,
	}
}

// Name returns the worker name for identification
func (p *StatusPoller) Name() string {
	return "StatusPoller"
}

func (p *StatusPoller) Start(ctx context.Context) error {
	p.logger.Info("StatusPoller started",
		zap.String("channel", p.channel.String()),
		zap.Duration("interval", p.config.Interval))
	return p.loop.start(ctx, p.Name(), p.run)
}

func (p *StatusPoller) Stop() error {
	p.loop.stop()
	return nil
}

func (p *StatusPoller) run(ctx context.Context) {
	ticker := time.NewTicker(p.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := p.Poll(ctx); err != nil && ctx.Err() == nil {
				p.logger.Error("Status poll failed", zap.Error(err))
			}
		}
	}
}

// Poll reconciles one batch and counts the outcomes. Records whose pull
// fails are skipped until the next poll.
func (p *StatusPoller) Poll(ctx context.Context) (map[service.ReconcileOutcome]int, error) {
	recs, err := p.records.ListBound(ctx, p.channel, p.config.BatchSize)
	if err != nil {
		return nil, err
	}

	counts := make(map[service.ReconcileOutcome]int)
	for _, rec := range recs {
		if ctx.Err() != nil {
			return counts, ctx.Err()
		}
		outcome, err := p.reconciler.Reconcile(ctx, rec.QuoteID, p.channel)
		if err != nil {
			p.logger.Warn("Failed to reconcile record",
				zap.String("quote_id", rec.QuoteID),
				zap.String("channel", p.channel.String()),
				zap.Error(err))
			continue
		}
		counts[outcome]++
	}

	if counts[service.ReconcileConflict] > 0 || counts[service.ReconcilePushed] > 0 {
		p.logger.Info("Status poll found drift",
			zap.Int("conflicts", counts[service.ReconcileConflict]),
			zap.Int("pushes", counts[service.ReconcilePushed]),
			zap.Int("checked", len(recs)))
	}
	return counts, nil
}
