// Package telemetry sets up OpenTelemetry tracing.
package telemetry

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/fitrun/fitrun/pkg/config"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

const batchTimeout = 5 * time.Second

// ShutdownFunc flushes and stops a tracer provider.
type ShutdownFunc func(ctx context.Context) error

// NewTracerProvider returns the tracer provider described by cfg. When
// tracing is disabled it returns a no-op provider. An enabled provider is
// also installed as the global provider together with the W3C trace
// context propagator.
func NewTracerProvider(
	ctx context.Context,
	log logrus.FieldLogger,
	cfg *config.TracingConfig,
) (trace.TracerProvider, ShutdownFunc, error) {
	if !cfg.Enabled {
		return noop.NewTracerProvider(), func(context.Context) error { return nil }, nil
	}

	exporter, err := newExporter(ctx, cfg, os.Stdout)
	if err != nil {
		return nil, nil, err
	}

	tp, err := newProvider(ctx, cfg, sdktrace.WithBatcher(
		exporter, sdktrace.WithBatchTimeout(batchTimeout),
	))
	if err != nil {
		_ = exporter.Shutdown(ctx)

		return nil, nil, err
	}

	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	log.WithField("component", "telemetry").
		WithField("exporter", cfg.Exporter).
		WithField("endpoint", cfg.Endpoint).
		WithField("sample_ratio", cfg.SampleRatio).
		Info("Tracing enabled")

	return tp, tp.Shutdown, nil
}

func newProvider(
	ctx context.Context,
	cfg *config.TracingConfig,
	processor sdktrace.TracerProviderOption,
) (*sdktrace.TracerProvider, error) {
	res, err := resource.New(ctx, resource.WithAttributes(
		attribute.String("service.name", cfg.ServiceName),
	))
	if err != nil {
		return nil, fmt.Errorf("building trace resource: %w", err)
	}

	return sdktrace.NewTracerProvider(
		processor,
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(
			sdktrace.TraceIDRatioBased(cfg.SampleRatio),
		)),
	), nil
}

// newExporter builds the configured span exporter. Stdout spans go to w.
func newExporter(
	ctx context.Context,
	cfg *config.TracingConfig,
	w io.Writer,
) (sdktrace.SpanExporter, error) {
	switch cfg.Exporter {
	case config.TracingExporterStdout:
		exp, err := stdouttrace.New(stdouttrace.WithWriter(w))
		if err != nil {
			return nil, fmt.Errorf("creating stdout exporter: %w", err)
		}

		return exp, nil
	case config.TracingExporterOTLP:
		endpoint := otlptracehttp.WithEndpoint(cfg.Endpoint)
		if strings.Contains(cfg.Endpoint, "://") {
			endpoint = otlptracehttp.WithEndpointURL(cfg.Endpoint)
		}

		opts := []otlptracehttp.Option{endpoint}

		if cfg.Insecure {
			opts = append(opts, otlptracehttp.WithInsecure())
		}

		if len(cfg.Headers) > 0 {
			opts = append(opts, otlptracehttp.WithHeaders(cfg.Headers))
		}

		exp, err := otlptracehttp.New(ctx, opts...)
		if err != nil {
			return nil, fmt.Errorf("creating otlp exporter: %w", err)
		}

		return exp, nil
	default:
		return nil, fmt.Errorf("unknown trace exporter %q", cfg.Exporter)
	}
}
