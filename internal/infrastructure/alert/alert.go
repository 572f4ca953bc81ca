// Package alert delivers operability alerts.
package alert

import (
	"context"

	"go.uber.org/zap"

	"github.com/garyjia/quote-approval/internal/application/port"
)

// LogAlerter writes alerts to the service log
type LogAlerter struct {
	logger *zap.Logger
}

// NewLogAlerter creates a LogAlerter
func NewLogAlerter(logger *zap.Logger) *LogAlerter {
	return &LogAlerter{logger: logger.Named("alert")}
}

func (a *LogAlerter) Alert(_ context.Context, alert port.Alert) {
	fields := []zap.Field{
		zap.String("severity", alert.Severity),
		zap.String("source", alert.Source),
	}
	if alert.QuoteID != "" {
		fields = append(fields, zap.String("quote_id", alert.QuoteID))
	}
	if alert.Err != nil {
		fields = append(fields, zap.Error(alert.Err))
	}

	if alert.Severity == port.SeverityCritical {
		a.logger.Error(alert.Message, fields...)
		return
	}
	a.logger.Warn(alert.Message, fields...)
}

// Fanout sends every alert to each of its alerters in order
type Fanout []port.Alerter

func (f Fanout) Alert(ctx context.Context, alert port.Alert) {
	for _, a := range f {
		if a != nil {
			a.Alert(ctx, alert)
		}
	}
}

var (
	_ port.Alerter = (*LogAlerter)(nil)
	_ port.Alerter = Fanout(nil)
)
