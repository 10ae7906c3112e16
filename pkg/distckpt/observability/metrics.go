package observability

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// MetricsRecorder records checkpoint metrics.
// Use NewMetricsRecorder() for OTel metrics or NoopMetrics{} when disabled.
type MetricsRecorder interface {
	// RecordSave records a save operation with its payload size, duration,
	// and error status.
	RecordSave(ctx context.Context, backend string, sizeBytes int64, duration time.Duration, err error)

	// RecordLoad records a load operation with its duration and error status.
	RecordLoad(ctx context.Context, backend string, duration time.Duration, err error)

	// RecordAsyncFinalize records one finalized (or failed) async request.
	RecordAsyncFinalize(ctx context.Context, success bool, duration time.Duration)

	// RecordQueueDepth records the number of requests pending on the queue.
	RecordQueueDepth(ctx context.Context, depth int64)
}

// otelMetrics implements MetricsRecorder using OpenTelemetry.
type otelMetrics struct {
	saves           metric.Int64Counter
	saveLatency     metric.Float64Histogram
	saveErrors      metric.Int64Counter
	saveSize        metric.Int64Histogram
	loads           metric.Int64Counter
	loadLatency     metric.Float64Histogram
	loadErrors      metric.Int64Counter
	finalizes       metric.Int64Counter
	finalizeLatency metric.Float64Histogram
	queueDepth      metric.Int64Gauge
}

var (
	defaultMetrics     *otelMetrics
	defaultMetricsOnce sync.Once
	defaultMetricsErr  error
)

// getDefaultMetrics returns the default OTel metrics instance.
// Lazily initializes the metrics on first call.
func getDefaultMetrics() (*otelMetrics, error) {
	defaultMetricsOnce.Do(func() {
		defaultMetrics, defaultMetricsErr = newOtelMetrics()
	})
	return defaultMetrics, defaultMetricsErr
}

// newOtelMetrics creates a new OTel metrics instance.
func newOtelMetrics() (*otelMetrics, error) {
	meter := otel.Meter("distckpt")

	saves, err := meter.Int64Counter("distckpt.save.count",
		metric.WithDescription("Number of checkpoint saves"),
	)
	if err != nil {
		return nil, err
	}

	saveLatency, err := meter.Float64Histogram("distckpt.save.latency_ms",
		metric.WithDescription("Checkpoint save latency in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, err
	}

	saveErrors, err := meter.Int64Counter("distckpt.save.errors",
		metric.WithDescription("Number of failed checkpoint saves"),
	)
	if err != nil {
		return nil, err
	}

	saveSize, err := meter.Int64Histogram("distckpt.save.size_bytes",
		metric.WithDescription("Checkpoint payload size in bytes"),
		metric.WithUnit("By"),
	)
	if err != nil {
		return nil, err
	}

	loads, err := meter.Int64Counter("distckpt.load.count",
		metric.WithDescription("Number of checkpoint loads"),
	)
	if err != nil {
		return nil, err
	}

	loadLatency, err := meter.Float64Histogram("distckpt.load.latency_ms",
		metric.WithDescription("Checkpoint load latency in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, err
	}

	loadErrors, err := meter.Int64Counter("distckpt.load.errors",
		metric.WithDescription("Number of failed checkpoint loads"),
	)
	if err != nil {
		return nil, err
	}

	finalizes, err := meter.Int64Counter("distckpt.finalize.count",
		metric.WithDescription("Number of finalized async save requests"),
	)
	if err != nil {
		return nil, err
	}

	finalizeLatency, err := meter.Float64Histogram("distckpt.finalize.latency_ms",
		metric.WithDescription("Async finalize latency in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, err
	}

	queueDepth, err := meter.Int64Gauge("distckpt.queue.depth",
		metric.WithDescription("Async save requests pending on the queue"),
	)
	if err != nil {
		return nil, err
	}

	return &otelMetrics{
		saves:           saves,
		saveLatency:     saveLatency,
		saveErrors:      saveErrors,
		saveSize:        saveSize,
		loads:           loads,
		loadLatency:     loadLatency,
		loadErrors:      loadErrors,
		finalizes:       finalizes,
		finalizeLatency: finalizeLatency,
		queueDepth:      queueDepth,
	}, nil
}

// NewMetricsRecorder returns a MetricsRecorder that uses OpenTelemetry.
// If metrics initialization fails, returns a no-op recorder.
//
// The recorder uses the global OTel meter provider. Configure the provider
// before calling this function:
//
//	import "go.opentelemetry.io/otel"
//	otel.SetMeterProvider(yourProvider)
func NewMetricsRecorder() MetricsRecorder {
	m, err := getDefaultMetrics()
	if err != nil {
		slog.Warn("metrics initialization failed, using no-op recorder",
			slog.String("error", err.Error()))
		return NoopMetrics{}
	}
	return m
}

// RecordSave records a save operation.
func (m *otelMetrics) RecordSave(ctx context.Context, backend string, sizeBytes int64, duration time.Duration, err error) {
	attrs := []attribute.KeyValue{
		attribute.String("backend", backend),
	}

	m.saves.Add(ctx, 1, metric.WithAttributes(attrs...))
	m.saveLatency.Record(ctx, float64(duration.Milliseconds()), metric.WithAttributes(attrs...))

	if err != nil {
		m.saveErrors.Add(ctx, 1, metric.WithAttributes(attrs...))
		return
	}
	m.saveSize.Record(ctx, sizeBytes, metric.WithAttributes(attrs...))
}

// RecordLoad records a load operation.
func (m *otelMetrics) RecordLoad(ctx context.Context, backend string, duration time.Duration, err error) {
	attrs := []attribute.KeyValue{
		attribute.String("backend", backend),
	}

	m.loads.Add(ctx, 1, metric.WithAttributes(attrs...))
	m.loadLatency.Record(ctx, float64(duration.Milliseconds()), metric.WithAttributes(attrs...))

	if err != nil {
		m.loadErrors.Add(ctx, 1, metric.WithAttributes(attrs...))
	}
}

// RecordAsyncFinalize records one finalized async request.
func (m *otelMetrics) RecordAsyncFinalize(ctx context.Context, success bool, duration time.Duration) {
	attrs := []attribute.KeyValue{
		attribute.Bool("success", success),
	}
	m.finalizes.Add(ctx, 1, metric.WithAttributes(attrs...))
	m.finalizeLatency.Record(ctx, float64(duration.Milliseconds()), metric.WithAttributes(attrs...))
}

// RecordQueueDepth records the current queue depth.
func (m *otelMetrics) RecordQueueDepth(ctx context.Context, depth int64) {
	m.queueDepth.Record(ctx, depth)
}
