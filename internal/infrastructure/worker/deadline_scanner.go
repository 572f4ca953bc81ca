package worker

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/garyjia/quote-approval/internal/application/port"
	"github.com/garyjia/quote-approval/internal/domain/entity"
	"github.com/garyjia/quote-approval/internal/domain/workflow"
)

// DeadlineScannerConfig holds configuration for the deadline scanner
type DeadlineScannerConfig struct {
	Interval   time.Duration
	BatchSize  int
	MaxBackoff time.Duration
}

// DefaultDeadlineScannerConfig returns default configuration
func DefaultDeadlineScannerConfig() DeadlineScannerConfig {
	return DeadlineScannerConfig{
		Interval:   30 * time.Second,
		BatchSize:  100,
		MaxBackoff: 10 * time.Minute,
	}
}

// InputExpirer reverts an awaiting_input record whose deadline passed
type InputExpirer interface {
	ExpireInput(ctx context.Context, quoteID string) (*entity.ApprovalRecord, error)
}

// DeadlineScanner periodically expires elapsed input deadlines. While the
// store is unreachable it backs off exponentially and raises one alert per
// outage.
type DeadlineScanner struct {
	config  DeadlineScannerConfig
	records port.RecordRepository
	expirer InputExpirer
	alerter port.Alerter
	clock   func() time.Time
	logger  *zap.Logger

	loop     loop
	mu       sync.Mutex
	failures int
}

// NewDeadlineScanner creates a new deadline scanner
func NewDeadlineScanner(
	config DeadlineScannerConfig,
	records port.RecordRepository,
	expirer InputExpirer,
	alerter port.Alerter,
	clock func() time.Time,
	logger *zap.Logger,
) *DeadlineScanner {
	defaults := DefaultDeadlineScannerConfig()
	if config.Interval <= 0 {
		config.Interval = defaults.Interval
	}
	if config.BatchSize <= 0 {
		config.BatchSize = defaults.BatchSize
	}
	if config.MaxBackoff < config.Interval {
		config.MaxBackoff = config.Interval
	}
	if clock == nil {
		clock = func() time.Time { return time.Now().UTC() }
	}

	return &DeadlineScanner{
		config:  config,
		records: records,
		expirer: expirer,
		alerter: alerter,
		clock:   clock,
		logger:  logger,
	}
}

// Name returns the worker name for identification
func (s *DeadlineScanner) Name() string {
	return "DeadlineScanner"
}

// Start begins scanning; the first scan runs immediately
func (s *DeadlineScanner) Start(ctx context.Context) error {
	s.logger.Info("DeadlineScanner started",
		zap.Duration("interval", s.config.Interval),
		zap.Int("batch_size", s.config.BatchSize))
	return s.loop.start(ctx, s.Name(), s.run)
}

// Stop waits for the running scan to finish
func (s *DeadlineScanner) Stop() error {
	s.loop.stop()
	return nil
}

func (s *DeadlineScanner) run(ctx context.Context) {
	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
			if _, err := s.Scan(ctx); err != nil && ctx.Err() == nil {
				s.logger.Error("Deadline scan failed", zap.Error(err))
			}
			timer.Reset(s.Delay())
		}
	}
}

// Scan expires every elapsed deadline in one batch and returns how many
// records moved back to pending. Single expiries that fail are logged and
// retried on the next scan.
func (s *DeadlineScanner) Scan(ctx context.Context) (int, error) {
	ids, err := s.records.ListExpiredInputs(ctx, s.clock(), s.config.BatchSize)
	if err != nil {
		s.storeFailed(ctx, err)
		return 0, err
	}
	s.storeRecovered()

	expired := 0
	for _, id := range ids {
		rec, err := s.expirer.ExpireInput(ctx, id)
		if err != nil {
			if errors.Is(err, workflow.ErrStoreUnavailable) {
				s.storeFailed(ctx, err)
				return expired, err
			}
			s.logger.Error("Failed to expire input deadline",
				zap.String("quote_id", id),
				zap.Error(err))
			continue
		}
		if rec != nil {
			expired++
		}
	}

	if expired > 0 {
		s.logger.Info("Input deadlines expired", zap.Int("count", expired))
	}
	return expired, nil
}

// Delay is the wait before the next scan: the interval, doubled for every
// consecutive store failure up to MaxBackoff
func (s *DeadlineScanner) Delay() time.Duration {
	s.mu.Lock()
	failures := s.failures
	s.mu.Unlock()

	d := s.config.Interval
	for i := 0; i < failures && d < s.config.MaxBackoff; i++ {
		d *= 2
	}
	if d > s.config.MaxBackoff {
		d = s.config.MaxBackoff
	}
	return d
}

func (s *DeadlineScanner) storeFailed(ctx context.Context, err error) {
	s.mu.Lock()
	s.failures++
	first := s.failures == 1
	s.mu.Unlock()

	if !first || s.alerter == nil {
		return
	}
	s.alerter.Alert(ctx, port.Alert{
		Severity: port.SeverityCritical,
		Source:   "deadline",
		Message:  "approval store unavailable, deadline scanning is backing off",
		Err:      err,
	})
}

func (s *DeadlineScanner) storeRecovered() {
	s.mu.Lock()
	failures := s.failures
	s.failures = 0
	s.mu.Unlock()

	if failures > 0 {
		s.logger.Info("Approval store reachable again", zap.Int("failed_scans", failures))
	}
}
