// Package telemetry exports the client's metrics and trace spans for one CLI run.
package telemetry

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/resource"
	tracesdk "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// Tracing owns a tracer provider that appends finished spans to a file.
type Tracing struct {
	tp *tracesdk.TracerProvider
	f  *os.File
}

// NewTracing opens path for appending and installs a synchronous span exporter on
// it. An empty path yields a Tracing whose tracer records nothing.
func NewTracing(path, service string) (*Tracing, error) {
	if path == "" {
		return &Tracing{}, nil
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return nil, fmt.Errorf("open trace file: %w", err)
	}
	exp, err := stdouttrace.New(stdouttrace.WithWriter(f))
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("trace exporter: %w", err)
	}
	tp := tracesdk.NewTracerProvider(
		tracesdk.WithSampler(tracesdk.AlwaysSample()),
		tracesdk.WithSyncer(exp),
		tracesdk.WithResource(resource.NewSchemaless(
			attribute.String("service.name", service),
		)),
	)
	return &Tracing{tp: tp, f: f}, nil
}

// Tracer returns the named tracer.
func (t *Tracing) Tracer(name string) trace.Tracer {
	if t.tp == nil {
		return noop.NewTracerProvider().Tracer(name)
	}
	return t.tp.Tracer(name)
}

// Shutdown flushes pending spans and closes the file.
func (t *Tracing) Shutdown(ctx context.Context) error {
	if t.tp == nil {
		return nil
	}
	return errors.Join(t.tp.Shutdown(ctx), t.f.Close())
}

// WriteMetrics writes every metric in g to path in the Prometheus text format,
// replacing the file atomically. An empty path is a no-op.
func WriteMetrics(path string, g prometheus.Gatherer) error {
	if path == "" {
		return nil
	}
	if err := prometheus.WriteToTextfile(path, g); err != nil {
		return fmt.Errorf("write metrics: %w", err)
	}
	return nil
}
