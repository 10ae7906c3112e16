package observability

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"go.opentelemetry.io/otel/attribute"
)

func TestNoopMetricsImplementsInterface(t *testing.T) {
	var _ MetricsRecorder = NoopMetrics{}
}

func TestNoopMetricsDoesNothing(t *testing.T) {
	m := NoopMetrics{}

	assert.NotPanics(t, func() {
		m.RecordSave(context.Background(), "file", 1024, 100*time.Millisecond, nil)
		m.RecordSave(context.Background(), "", 0, 0, errors.New("test"))
		m.RecordLoad(context.Background(), "file", 10*time.Millisecond, nil)
		m.RecordAsyncFinalize(context.Background(), true, time.Millisecond)
		m.RecordQueueDepth(context.Background(), 5)
	})
}

func TestNoopSpanManagerImplementsInterface(t *testing.T) {
	var _ SpanManager = NoopSpanManager{}
}

func TestNoopSpanManager(t *testing.T) {
	sm := NoopSpanManager{}
	ctx := context.Background()

	t.Run("save span returns context unchanged", func(t *testing.T) {
		outCtx, span := sm.StartSaveSpan(ctx, "/ckpt", "save-1")
		assert.Equal(t, ctx, outCtx)
		assert.NotNil(t, span)
	})

	t.Run("load and finalize spans are no-ops", func(t *testing.T) {
		assert.NotPanics(t, func() {
			_, span := sm.StartLoadSpan(ctx, "/ckpt")
			sm.EndSpanWithError(span, errors.New("x"))

			_, span = sm.StartFinalizeSpan(ctx, "req-1")
			sm.EndSpanWithError(span, nil)

			sm.AddSpanEvent(ctx, "event", attribute.String("k", "v"))
		})
	})
}
