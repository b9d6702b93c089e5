// Package tracing wires the OpenTelemetry tracer used across the request
// path. Spans cover admission, planning, per-tool dispatch and streaming;
// the W3C traceparent header propagates to upstream tool calls.
package tracing

import (
	"context"
	"net/http"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/ocx/gateway"

// Setup installs the global tracer provider and W3C propagator. The
// returned shutdown func flushes pending spans.
func Setup(serviceName string) (func(context.Context) error, error) {
	res, err := resource.Merge(resource.Default(), resource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceName(serviceName),
	))
	if err != nil {
		return nil, err
	}

	tp := sdktrace.NewTracerProvider(sdktrace.WithResource(res))
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	return tp.Shutdown, nil
}

// Tracer returns the gateway tracer.
func Tracer() trace.Tracer {
	return otel.Tracer(tracerName)
}

// StartSpan starts a named span with the common request attributes.
func StartSpan(ctx context.Context, name, requestID, tenantID string) (context.Context, trace.Span) {
	return Tracer().Start(ctx, name, trace.WithAttributes(
		attribute.String("gateway.request_id", requestID),
		attribute.String("gateway.tenant_id", tenantID),
	))
}

// StartDispatchSpan starts the per-tool dispatch span.
func StartDispatchSpan(ctx context.Context, toolID string) (context.Context, trace.Span) {
	return Tracer().Start(ctx, "dispatch", trace.WithAttributes(
		attribute.String("gateway.tool_id", toolID),
	))
}

// TraceID returns the current span's trace id, empty when unsampled.
func TraceID(ctx context.Context) string {
	sc := trace.SpanContextFromContext(ctx)
	if !sc.HasTraceID() {
		return ""
	}
	return sc.TraceID().String()
}

// Extract pulls the inbound trace context from request headers.
func Extract(ctx context.Context, r *http.Request) context.Context {
	return otel.GetTextMapPropagator().Extract(ctx, propagation.HeaderCarrier(r.Header))
}

// Inject writes the current trace context onto outbound headers.
func Inject(ctx context.Context, headers http.Header) {
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(headers))
}
