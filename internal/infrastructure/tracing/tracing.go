// Package tracing installs the OpenTelemetry tracer provider used by the
// service spans. Spans are exported to stdout or a file.
package tracing

import (
	"context"
	"io"
	"os"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

// Config controls span export
type Config struct {
	Enabled        bool
	ServiceName    string
	ServiceVersion string
	Output         string // file path; empty writes to stdout
}

// Shutdown flushes pending spans and releases the exporter
type Shutdown func(ctx context.Context) error

var (
	providerOnce sync.Once
	shutdown     Shutdown
	providerErr  error
)

// Init registers the global tracer provider. Only the first call has an
// effect; later calls return the first result. A disabled config leaves the
// no-op provider in place.
func Init(cfg Config) (Shutdown, error) {
	if !cfg.Enabled {
		return func(context.Context) error { return nil }, nil
	}

	providerOnce.Do(func() {
		var w io.Writer = os.Stdout
		var file *os.File
		if cfg.Output != "" {
			f, err := os.OpenFile(cfg.Output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
			if err != nil {
				providerErr = err
				return
			}
			w, file = f, f
		}

		exporter, err := stdouttrace.New(stdouttrace.WithWriter(w))
		if err != nil {
			providerErr = err
			return
		}
		tp, err := newProvider(cfg, exporter)
		if err != nil {
			providerErr = err
			return
		}
		otel.SetTracerProvider(tp)

		shutdown = func(ctx context.Context) error {
			err := tp.Shutdown(ctx)
			if file != nil {
				file.Close()
			}
			return err
		}
	})

	return shutdown, providerErr
}

// newProvider builds a provider that exports every span synchronously
func newProvider(cfg Config, exporter sdktrace.SpanExporter) (*sdktrace.TracerProvider, error) {
	res, err := resource.New(context.Background(),
		resource.WithAttributes(
			attribute.String("service.name", cfg.ServiceName),
			attribute.String("service.version", cfg.ServiceVersion),
		),
	)
	if err != nil {
		return nil, err
	}

	return sdktrace.NewTracerProvider(
		sdktrace.WithSpanProcessor(sdktrace.NewSimpleSpanProcessor(exporter)),
		sdktrace.WithResource(res),
	), nil
}
