package observability

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Tracer is the distckpt tracer instance.
// Uses the global OTel tracer provider.
var tracer = otel.Tracer("distckpt")

// SpanManager handles trace span lifecycle.
// Use NewSpanManager() for OTel tracing or NoopSpanManager{} when disabled.
type SpanManager interface {
	// StartSaveSpan starts a span for a checkpoint save.
	// Returns the context with span and the span itself.
	StartSaveSpan(ctx context.Context, dir, saveID string) (context.Context, trace.Span)

	// StartLoadSpan starts a span for a checkpoint load.
	StartLoadSpan(ctx context.Context, dir string) (context.Context, trace.Span)

	// StartFinalizeSpan starts a span for one async request finalization.
	// The finalize span should be a child of the save span when the caller
	// still holds its context.
	StartFinalizeSpan(ctx context.Context, requestID string) (context.Context, trace.Span)

	// EndSpanWithError completes a span, optionally recording an error.
	EndSpanWithError(span trace.Span, err error)

	// AddSpanEvent adds an event to the current span in context.
	AddSpanEvent(ctx context.Context, name string, attrs ...attribute.KeyValue)
}

// otelSpanManager implements SpanManager using OpenTelemetry.
type otelSpanManager struct{}

// NewSpanManager returns a SpanManager that uses OpenTelemetry.
//
// The span manager uses the global OTel tracer provider. Configure the provider
// before calling this function:
//
//	import "go.opentelemetry.io/otel"
//	otel.SetTracerProvider(yourProvider)
func NewSpanManager() SpanManager {
	return &otelSpanManager{}
}

// StartSaveSpan starts a span for a checkpoint save.
func (m *otelSpanManager) StartSaveSpan(ctx context.Context, dir, saveID string) (context.Context, trace.Span) {
	return tracer.Start(ctx, "distckpt.save",
		trace.WithAttributes(
			attribute.String("checkpoint.dir", dir),
			attribute.String("save.id", saveID),
		),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

// StartLoadSpan starts a span for a checkpoint load.
func (m *otelSpanManager) StartLoadSpan(ctx context.Context, dir string) (context.Context, trace.Span) {
	return tracer.Start(ctx, "distckpt.load",
		trace.WithAttributes(
			attribute.String("checkpoint.dir", dir),
		),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

// StartFinalizeSpan starts a span for one async request finalization.
func (m *otelSpanManager) StartFinalizeSpan(ctx context.Context, requestID string) (context.Context, trace.Span) {
	return tracer.Start(ctx, "distckpt.finalize",
		trace.WithAttributes(
			attribute.String("request.id", requestID),
		),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

// EndSpanWithError completes a span, optionally recording an error.
func (m *otelSpanManager) EndSpanWithError(span trace.Span, err error) {
	if span == nil {
		return
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}

// AddSpanEvent adds an event to the current span.
func (m *otelSpanManager) AddSpanEvent(ctx context.Context, name string, attrs ...attribute.KeyValue) {
	span := trace.SpanFromContext(ctx)
	if span == nil || !span.IsRecording() {
		return
	}
	span.AddEvent(name, trace.WithAttributes(attrs...))
}

// Convenience functions that operate on the global tracer.
// These are useful for simple cases where you don't need the interface.

// StartSaveSpan starts a span for a checkpoint save.
// Uses the global OTel tracer.
func StartSaveSpan(ctx context.Context, dir, saveID string) (context.Context, trace.Span) {
	return tracer.Start(ctx, "distckpt.save",
		trace.WithAttributes(
			attribute.String("checkpoint.dir", dir),
			attribute.String("save.id", saveID),
		),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

// StartLoadSpan starts a span for a checkpoint load.
// Uses the global OTel tracer.
func StartLoadSpan(ctx context.Context, dir string) (context.Context, trace.Span) {
	return tracer.Start(ctx, "distckpt.load",
		trace.WithAttributes(
			attribute.String("checkpoint.dir", dir),
		),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

// EndSpanWithError completes a span, optionally recording an error.
func EndSpanWithError(span trace.Span, err error) {
	if span == nil {
		return
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}

// AddSpanEvent adds an event to the current span in context.
func AddSpanEvent(ctx context.Context, name string, attrs ...attribute.KeyValue) {
	span := trace.SpanFromContext(ctx)
	if span == nil || !span.IsRecording() {
		return
	}
	span.AddEvent(name, trace.WithAttributes(attrs...))
}
