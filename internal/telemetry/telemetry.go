// Package telemetry builds the logger, tracer provider and metrics registry of one
// CLI invocation.
package telemetry

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

const serviceName = "specforge"

type Options struct {
	Verbose bool
	// LogFile receives JSON records in addition to the text output.
	LogFile string
	// TraceFile receives one JSON document per span. Empty disables tracing.
	TraceFile string
	// MetricsFile is written in the node-exporter textfile format on Close.
	MetricsFile string
	// Stderr is the text log destination. Nil means os.Stderr.
	Stderr io.Writer
}

type Telemetry struct {
	Logger   *slog.Logger
	Tracer   trace.TracerProvider
	Registry *prometheus.Registry

	metricsFile string
	closers     []func(context.Context) error
}

func Setup(opts Options) (*Telemetry, error) {
	t := &Telemetry{Registry: prometheus.NewRegistry(), metricsFile: opts.MetricsFile}

	level := slog.LevelInfo
	if opts.Verbose {
		level = slog.LevelDebug
	}
	stderr := opts.Stderr
	if stderr == nil {
		stderr = os.Stderr
	}
	handlers := []slog.Handler{slog.NewTextHandler(stderr, &slog.HandlerOptions{Level: level})}
	if opts.LogFile != "" {
		f, err := os.OpenFile(opts.LogFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, fmt.Errorf("open log file: %w", err)
		}
		t.closers = append(t.closers, func(context.Context) error { return f.Close() })
		handlers = append(handlers, slog.NewJSONHandler(f, &slog.HandlerOptions{Level: slog.LevelDebug}))
	}
	t.Logger = slog.New(fanout(handlers))

	if opts.TraceFile == "" {
		t.Tracer = noop.NewTracerProvider()
		return t, nil
	}
	f, err := os.OpenFile(opts.TraceFile, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		_ = t.Close(context.Background())
		return nil, fmt.Errorf("open trace file: %w", err)
	}
	exporter, err := stdouttrace.New(stdouttrace.WithWriter(f))
	if err != nil {
		_ = f.Close()
		_ = t.Close(context.Background())
		return nil, fmt.Errorf("create exporter: %w", err)
	}
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(resource.NewSchemaless(attribute.String("service.name", serviceName))),
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
	)
	// Flush spans before the file is closed.
	t.closers = append([]func(context.Context) error{tp.Shutdown, func(context.Context) error { return f.Close() }}, t.closers...)
	t.Tracer = tp
	return t, nil
}

// Close flushes spans, writes the metrics textfile and releases open files.
func (t *Telemetry) Close(ctx context.Context) error {
	var errs []error
	if t.metricsFile != "" {
		if err := prometheus.WriteToTextfile(t.metricsFile, t.Registry); err != nil {
			errs = append(errs, fmt.Errorf("write metrics: %w", err))
		}
	}
	for _, c := range t.closers {
		errs = append(errs, c(ctx))
	}
	t.closers = nil
	return errors.Join(errs...)
}

// fanoutHandler sends each record to every handler that accepts its level.
type fanoutHandler []slog.Handler

func fanout(hs []slog.Handler) slog.Handler {
	if len(hs) == 1 {
		return hs[0]
	}
	return fanoutHandler(hs)
}

func (f fanoutHandler) Enabled(ctx context.Context, level slog.Level) bool {
	for _, h := range f {
		if h.Enabled(ctx, level) {
			return true
		}
	}
	return false
}

func (f fanoutHandler) Handle(ctx context.Context, r slog.Record) error {
	var errs []error
	for _, h := range f {
		if h.Enabled(ctx, r.Level) {
			errs = append(errs, h.Handle(ctx, r.Clone()))
		}
	}
	return errors.Join(errs...)
}

func (f fanoutHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	out := make(fanoutHandler, len(f))
	for i, h := range f {
		out[i] = h.WithAttrs(attrs)
	}
	return out
}

func (f fanoutHandler) WithGroup(name string) slog.Handler {
	out := make(fanoutHandler, len(f))
	for i, h := range f {
		out[i] = h.WithGroup(name)
	}
	return out
}
