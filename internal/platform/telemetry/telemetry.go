// Package telemetry exposes the OpenTelemetry tracer and metric instruments
// used by the EHR access layer. Instruments are resolved from the global
// providers; Setup installs SDK providers that export over OTLP.
package telemetry

import (
	"context"
	"sync"
	"sync/atomic"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const (
	// InstrumentationName is used for both the tracer and the meter.
	InstrumentationName = "github.com/ehr/ehrlink"
)

// instruments is one resolution of the tracer, meter and instruments
// against the global providers.
type instruments struct {
	tracer trace.Tracer
	meter  metric.Meter

	outboundRequests metric.Int64Counter
	outboundDuration metric.Float64Histogram
	tokenRefreshes   metric.Int64Counter
	writesBlocked    metric.Int64Counter
}

var (
	initMu  sync.Mutex
	current atomic.Pointer[instruments]
)

// Init resolves the tracer, meter and instruments from the current global
// providers. Call it again after replacing a provider; the record helpers
// call it lazily when nothing has been resolved yet.
func Init() {
	initMu.Lock()
	defer initMu.Unlock()

	in := &instruments{
		tracer: otel.GetTracerProvider().Tracer(InstrumentationName),
		meter:  otel.GetMeterProvider().Meter(InstrumentationName),
	}
	// Instrument creation only fails on invalid names; a nil instrument
	// is tolerated by the record helpers below.
	in.outboundRequests, _ = in.meter.Int64Counter("ehr.outbound.requests",
		metric.WithDescription("Outbound requests to EHR authorization and FHIR endpoints"),
		metric.WithUnit("1"))
	in.outboundDuration, _ = in.meter.Float64Histogram("ehr.outbound.duration",
		metric.WithDescription("Duration of outbound EHR requests"),
		metric.WithUnit("ms"))
	in.tokenRefreshes, _ = in.meter.Int64Counter("ehr.token.refreshes",
		metric.WithDescription("Access token refresh attempts by outcome"),
		metric.WithUnit("1"))
	in.writesBlocked, _ = in.meter.Int64Counter("ehr.write.blocked",
		metric.WithDescription("Writes refused because the server does not declare the interaction"),
		metric.WithUnit("1"))
	current.Store(in)
}

func load() *instruments {
	if in := current.Load(); in != nil {
		return in
	}
	Init()
	return current.Load()
}

// StartOutboundSpan starts a client span for one outbound HTTP call.
func StartOutboundSpan(ctx context.Context, op, method, host string) (context.Context, trace.Span) {
	return load().tracer.Start(ctx, "ehr."+op,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("http.request.method", method),
			attribute.String("server.address", host),
		))
}

// RecordOutbound records the outcome of one outbound call.
func RecordOutbound(ctx context.Context, op string, status int, outcome string, ms float64) {
	in := load()
	attrs := metric.WithAttributes(
		attribute.String("ehr.op", op),
		attribute.Int("http.response.status_code", status),
		attribute.String("ehr.outcome", outcome),
	)
	if in.outboundRequests != nil {
		in.outboundRequests.Add(ctx, 1, attrs)
	}
	if in.outboundDuration != nil {
		in.outboundDuration.Record(ctx, ms, attrs)
	}
}

// RecordRefresh counts a token refresh attempt.
func RecordRefresh(ctx context.Context, provider, outcome string) {
	in := load()
	if in.tokenRefreshes == nil {
		return
	}
	in.tokenRefreshes.Add(ctx, 1, metric.WithAttributes(
		attribute.String("ehr.provider", provider),
		attribute.String("ehr.outcome", outcome),
	))
}

// RecordWriteBlocked counts a write refused by the capability gate.
func RecordWriteBlocked(ctx context.Context, resourceType, interaction string) {
	in := load()
	if in.writesBlocked == nil {
		return
	}
	in.writesBlocked.Add(ctx, 1, metric.WithAttributes(
		attribute.String("fhir.resource_type", resourceType),
		attribute.String("fhir.interaction", interaction),
	))
}
