// Package observability provides OpenTelemetry tracing for notesync runs.
// Each run stage gets one span; spans are exported to a file with the
// stdout exporter when tracing is enabled, otherwise a no-op provider is used.
package observability

import (
	"context"
	"fmt"
	"io"
	"os"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/ajitpratap0/notesync/pkg/config"
)

const instrumentationName = "github.com/ajitpratap0/notesync"

// Tracing owns the tracer provider of one process.
type Tracing struct {
	provider trace.TracerProvider
	shutdown func(context.Context) error
	out      io.Closer
}

// Setup installs the global tracer provider described by cfg.
func Setup(cfg config.ObservabilityConfig, version string) (*Tracing, error) {
	if !cfg.EnableTracing {
		t := &Tracing{provider: noop.NewTracerProvider()}
		otel.SetTracerProvider(t.provider)
		return t, nil
	}

	var (
		w   io.Writer = os.Stdout
		out io.Closer
	)
	if cfg.TraceFile != "" {
		f, err := os.OpenFile(cfg.TraceFile, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644) //nolint:gosec
		if err != nil {
			return nil, fmt.Errorf("failed to open trace file: %w", err)
		}
		w, out = f, f
	}

	exporter, err := stdouttrace.New(stdouttrace.WithWriter(w))
	if err != nil {
		return nil, fmt.Errorf("failed to create stdout exporter: %w", err)
	}

	res := resource.NewSchemaless(
		attribute.String("service.name", "notesync"),
		attribute.String("service.version", version),
	)
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
		sdktrace.WithBatcher(exporter),
	)
	otel.SetTracerProvider(tp)

	return &Tracing{provider: tp, shutdown: tp.Shutdown, out: out}, nil
}

// Shutdown flushes pending spans and closes the trace file.
func (t *Tracing) Shutdown(ctx context.Context) error {
	if t == nil {
		return nil
	}
	var err error
	if t.shutdown != nil {
		err = t.shutdown(ctx)
	}
	if t.out != nil {
		if cerr := t.out.Close(); err == nil {
			err = cerr
		}
	}
	return err
}

// Tracer returns the notesync tracer from the global provider.
func Tracer() trace.Tracer {
	return otel.Tracer(instrumentationName)
}

// StartSpan starts a span named name.
func StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return Tracer().Start(ctx, name, trace.WithAttributes(attrs...))
}

// EndSpan records err on span, if any, and ends it.
func EndSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}
