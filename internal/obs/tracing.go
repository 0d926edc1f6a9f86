// Copyright 2025 James Ross
package obs

import (
	"context"
	"fmt"
	"os"

	"github.com/exiv-ai/kernel/internal/config"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.opentelemetry.io/otel/trace"
)

// MaybeInitTracing optionally initializes a global tracer provider.
// Every dispatched event already carries its own TraceID (spec §3); a
// span is attached to that same causal chain via the WithAttributes
// call in StartDispatchSpan rather than via span-context propagation,
// since the bus has no wire format to carry a W3C traceparent header.
func MaybeInitTracing(cfg *config.Config) (*sdktrace.TracerProvider, error) {
	if !cfg.Observability.Tracing.Enabled || cfg.Observability.Tracing.Endpoint == "" {
		return nil, nil
	}

	exporter, err := otlptrace.New(context.Background(), otlptracehttp.NewClient(
		otlptracehttp.WithEndpoint(cfg.Observability.Tracing.Endpoint),
		otlptracehttp.WithInsecure(),
	))
	if err != nil {
		return nil, err
	}

	hostname, _ := os.Hostname()

	res := resource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceNameKey.String("exiv-kernel"),
		semconv.ServiceVersionKey.String("0.1.0"),
		semconv.HostNameKey.String(hostname),
		attribute.String("environment", cfg.Observability.Tracing.Environment),
	)

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
	)

	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	return tp, nil
}

// StartDispatchSpan opens a span for one registry dispatch_event call,
// tagging it with the envelope's trace id so spans for the same
// cascade correlate in the backend even without wire-level W3C
// propagation.
func StartDispatchSpan(ctx context.Context, traceID string, depth uint8, eventKind string) (context.Context, trace.Span) {
	tracer := otel.Tracer("registry")
	return tracer.Start(ctx, "registry.dispatch_event",
		trace.WithAttributes(
			attribute.String("kernel.trace_id", traceID),
			attribute.Int("kernel.cascade_depth", int(depth)),
			attribute.String("kernel.event_kind", eventKind),
		),
	)
}

// StartPluginCallbackSpan opens a span for one plugin's on_event
// invocation within a dispatch fan-out.
func StartPluginCallbackSpan(ctx context.Context, pluginID string) (context.Context, trace.Span) {
	tracer := otel.Tracer("registry")
	return tracer.Start(ctx, "plugin.on_event",
		trace.WithAttributes(attribute.String("kernel.plugin_id", pluginID)),
	)
}

// StartEvolutionSpan opens a span for one evolution engine evaluation.
func StartEvolutionSpan(ctx context.Context, agentID string) (context.Context, trace.Span) {
	tracer := otel.Tracer("evolution")
	return tracer.Start(ctx, "evolution.evaluate",
		trace.WithAttributes(attribute.String("kernel.agent_id", agentID)),
	)
}

// RecordError records an error on the span if one exists in the context.
func RecordError(ctx context.Context, err error) {
	span := trace.SpanFromContext(ctx)
	if span.IsRecording() && err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
}

// SetSpanSuccess marks the span as successful.
func SetSpanSuccess(ctx context.Context) {
	span := trace.SpanFromContext(ctx)
	if span.IsRecording() {
		span.SetStatus(codes.Ok, "success")
	}
}

// AddEvent adds an event to the current span.
func AddEvent(ctx context.Context, name string, attrs ...attribute.KeyValue) {
	span := trace.SpanFromContext(ctx)
	if span.IsRecording() {
		span.AddEvent(name, trace.WithAttributes(attrs...))
	}
}

// AddSpanAttributes adds attributes to the current span.
func AddSpanAttributes(ctx context.Context, attrs ...attribute.KeyValue) {
	span := trace.SpanFromContext(ctx)
	if span.IsRecording() {
		span.SetAttributes(attrs...)
	}
}

// TracerShutdown gracefully shuts down the tracer provider.
func TracerShutdown(ctx context.Context, tp *sdktrace.TracerProvider) error {
	if tp == nil {
		return nil
	}
	return tp.Shutdown(ctx)
}

// KeyValue creates an attribute key-value pair for use in spans and events.
func KeyValue(key string, value interface{}) attribute.KeyValue {
	switch v := value.(type) {
	case string:
		return attribute.String(key, v)
	case int:
		return attribute.Int(key, v)
	case int64:
		return attribute.Int64(key, v)
	case float64:
		return attribute.Float64(key, v)
	case bool:
		return attribute.Bool(key, v)
	default:
		return attribute.String(key, fmt.Sprintf("%v", v))
	}
}
