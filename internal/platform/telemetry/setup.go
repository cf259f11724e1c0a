package telemetry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

// DefaultMetricInterval is how often metrics are pushed to the collector.
const DefaultMetricInterval = 30 * time.Second

// Config describes the process being instrumented. The OTLP endpoint,
// headers and TLS settings come from the standard OTEL_EXPORTER_OTLP_*
// environment variables.
type Config struct {
	ServiceName    string
	ServiceVersion string
	MetricInterval time.Duration
}

// Providers are the SDK pieces Install wires into the global providers.
type Providers struct {
	Resource      *resource.Resource
	SpanProcessor sdktrace.SpanProcessor
	Reader        sdkmetric.Reader
}

// Setup exports traces and metrics over OTLP/gRPC and installs the SDK
// providers globally. The returned function flushes and stops both.
func Setup(ctx context.Context, cfg Config) (func(context.Context) error, error) {
	if cfg.MetricInterval <= 0 {
		cfg.MetricInterval = DefaultMetricInterval
	}
	res, err := resource.Merge(resource.Default(), resource.NewSchemaless(
		attribute.String("service.name", cfg.ServiceName),
		attribute.String("service.version", cfg.ServiceVersion),
	))
	if err != nil {
		return nil, fmt.Errorf("telemetry resource: %w", err)
	}

	spans, err := otlptracegrpc.New(ctx)
	if err != nil {
		return nil, fmt.Errorf("otlp trace exporter: %w", err)
	}
	metrics, err := otlpmetricgrpc.New(ctx)
	if err != nil {
		_ = spans.Shutdown(ctx)
		return nil, fmt.Errorf("otlp metric exporter: %w", err)
	}

	return Install(Providers{
		Resource:      res,
		SpanProcessor: sdktrace.NewBatchSpanProcessor(spans),
		Reader:        sdkmetric.NewPeriodicReader(metrics, sdkmetric.WithInterval(cfg.MetricInterval)),
	}), nil
}

// Install sets SDK tracer and meter providers built from p as the global
// providers and re-resolves the instruments against them.
func Install(p Providers) func(context.Context) error {
	var (
		traceOpts []sdktrace.TracerProviderOption
		meterOpts []sdkmetric.Option
	)
	if p.Resource != nil {
		traceOpts = append(traceOpts, sdktrace.WithResource(p.Resource))
		meterOpts = append(meterOpts, sdkmetric.WithResource(p.Resource))
	}
	if p.SpanProcessor != nil {
		traceOpts = append(traceOpts, sdktrace.WithSpanProcessor(p.SpanProcessor))
	}
	if p.Reader != nil {
		meterOpts = append(meterOpts, sdkmetric.WithReader(p.Reader))
	}

	tp := sdktrace.NewTracerProvider(traceOpts...)
	mp := sdkmetric.NewMeterProvider(meterOpts...)
	otel.SetTracerProvider(tp)
	otel.SetMeterProvider(mp)
	Init()

	return func(ctx context.Context) error {
		return errors.Join(tp.Shutdown(ctx), mp.Shutdown(ctx))
	}
}
