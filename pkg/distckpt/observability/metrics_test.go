package observability

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

// setupMetricsTest creates a test meter provider and returns a function to collect metrics.
func setupMetricsTest(t *testing.T) (*sdkmetric.ManualReader, func()) {
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))

	// Save the original provider
	originalProvider := otel.GetMeterProvider()

	// Set test provider
	otel.SetMeterProvider(provider)

	cleanup := func() {
		otel.SetMeterProvider(originalProvider)
		if err := provider.Shutdown(context.Background()); err != nil {
			t.Logf("Error shutting down meter provider: %v", err)
		}
	}

	return reader, cleanup
}

// collectMetrics collects all metrics from the reader.
func collectMetrics(t *testing.T, reader *sdkmetric.ManualReader) *metricdata.ResourceMetrics {
	var rm metricdata.ResourceMetrics
	err := reader.Collect(context.Background(), &rm)
	require.NoError(t, err)
	return &rm
}

// findMetric finds a metric by name in the collected data.
func findMetric(rm *metricdata.ResourceMetrics, name string) *metricdata.Metrics {
	for _, sm := range rm.ScopeMetrics {
		for i := range sm.Metrics {
			if sm.Metrics[i].Name == name {
				return &sm.Metrics[i]
			}
		}
	}
	return nil
}

func TestNewMetricsRecorder(t *testing.T) {
	_, cleanup := setupMetricsTest(t)
	defer cleanup()

	// NewMetricsRecorder uses the global provider
	recorder := NewMetricsRecorder()
	require.NotNil(t, recorder)
}

func TestRecordSave(t *testing.T) {
	reader, cleanup := setupMetricsTest(t)
	defer cleanup()

	m, err := newOtelMetrics()
	require.NoError(t, err)

	ctx := context.Background()

	t.Run("records save count and size", func(t *testing.T) {
		m.RecordSave(ctx, "file", 4096, 50*time.Millisecond, nil)

		rm := collectMetrics(t, reader)
		saves := findMetric(rm, "distckpt.save.count")
		require.NotNil(t, saves)

		sum, ok := saves.Data.(metricdata.Sum[int64])
		require.True(t, ok, "Expected Sum type")
		require.NotEmpty(t, sum.DataPoints)

		found := false
		for _, dp := range sum.DataPoints {
			for _, attr := range dp.Attributes.ToSlice() {
				if attr.Key == "backend" && attr.Value.AsString() == "file" {
					found = true
					assert.GreaterOrEqual(t, dp.Value, int64(1))
				}
			}
		}
		assert.True(t, found, "Expected to find datapoint for backend=file")

		size := findMetric(rm, "distckpt.save.size_bytes")
		require.NotNil(t, size)
		hist, ok := size.Data.(metricdata.Histogram[int64])
		require.True(t, ok, "Expected Histogram type")
		require.NotEmpty(t, hist.DataPoints)
	})

	t.Run("records latency", func(t *testing.T) {
		m.RecordSave(ctx, "file", 1024, 100*time.Millisecond, nil)

		rm := collectMetrics(t, reader)
		latency := findMetric(rm, "distckpt.save.latency_ms")
		require.NotNil(t, latency)

		hist, ok := latency.Data.(metricdata.Histogram[float64])
		require.True(t, ok, "Expected Histogram type")
		require.NotEmpty(t, hist.DataPoints)
	})

	t.Run("records errors and skips size when failed", func(t *testing.T) {
		m.RecordSave(ctx, "sqlite", 0, 10*time.Millisecond, errors.New("save failed"))

		rm := collectMetrics(t, reader)
		errs := findMetric(rm, "distckpt.save.errors")
		require.NotNil(t, errs)

		sum, ok := errs.Data.(metricdata.Sum[int64])
		require.True(t, ok)

		found := false
		for _, dp := range sum.DataPoints {
			for _, attr := range dp.Attributes.ToSlice() {
				if attr.Key == "backend" && attr.Value.AsString() == "sqlite" {
					found = true
					assert.GreaterOrEqual(t, dp.Value, int64(1))
				}
			}
		}
		assert.True(t, found, "Expected to find error datapoint for backend=sqlite")
	})
}

func TestRecordLoad(t *testing.T) {
	reader, cleanup := setupMetricsTest(t)
	defer cleanup()

	m, err := newOtelMetrics()
	require.NoError(t, err)

	ctx := context.Background()

	t.Run("records load count and latency", func(t *testing.T) {
		m.RecordLoad(ctx, "file", 200*time.Millisecond, nil)

		rm := collectMetrics(t, reader)
		require.NotNil(t, findMetric(rm, "distckpt.load.count"))
		require.NotNil(t, findMetric(rm, "distckpt.load.latency_ms"))
	})

	t.Run("records load errors", func(t *testing.T) {
		m.RecordLoad(ctx, "file", 5*time.Millisecond, errors.New("load failed"))

		rm := collectMetrics(t, reader)
		errs := findMetric(rm, "distckpt.load.errors")
		require.NotNil(t, errs)
	})
}

func TestRecordAsyncFinalize(t *testing.T) {
	reader, cleanup := setupMetricsTest(t)
	defer cleanup()

	m, err := newOtelMetrics()
	require.NoError(t, err)

	m.RecordAsyncFinalize(context.Background(), true, 30*time.Millisecond)
	m.RecordAsyncFinalize(context.Background(), false, 5*time.Millisecond)

	rm := collectMetrics(t, reader)
	finalizes := findMetric(rm, "distckpt.finalize.count")
	require.NotNil(t, finalizes)

	sum, ok := finalizes.Data.(metricdata.Sum[int64])
	require.True(t, ok)

	var successes, failures int64
	for _, dp := range sum.DataPoints {
		for _, attr := range dp.Attributes.ToSlice() {
			if attr.Key == "success" {
				if attr.Value.AsBool() {
					successes = dp.Value
				} else {
					failures = dp.Value
				}
			}
		}
	}
	assert.Equal(t, int64(1), successes)
	assert.Equal(t, int64(1), failures)

	require.NotNil(t, findMetric(rm, "distckpt.finalize.latency_ms"))
}

func TestRecordQueueDepth(t *testing.T) {
	reader, cleanup := setupMetricsTest(t)
	defer cleanup()

	m, err := newOtelMetrics()
	require.NoError(t, err)

	m.RecordQueueDepth(context.Background(), 3)
	m.RecordQueueDepth(context.Background(), 1)

	rm := collectMetrics(t, reader)
	depth := findMetric(rm, "distckpt.queue.depth")
	require.NotNil(t, depth)

	gauge, ok := depth.Data.(metricdata.Gauge[int64])
	require.True(t, ok, "Expected Gauge type")
	require.NotEmpty(t, gauge.DataPoints)
	// The last recorded value wins.
	assert.Equal(t, int64(1), gauge.DataPoints[len(gauge.DataPoints)-1].Value)
}
