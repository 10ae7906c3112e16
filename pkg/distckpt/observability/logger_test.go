package observability

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testHandler captures log records for testing.
type testHandler struct {
	buf   *bytes.Buffer
	level slog.Level
	attrs []slog.Attr
}

func newTestHandler() *testHandler {
	return &testHandler{
		buf:   &bytes.Buffer{},
		level: slog.LevelDebug,
	}
}

func (h *testHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level
}

func (h *testHandler) Handle(_ context.Context, r slog.Record) error {
	data := map[string]any{
		"level": r.Level.String(),
		"msg":   r.Message,
	}
	for _, attr := range h.attrs {
		data[attr.Key] = attr.Value.Any()
	}
	r.Attrs(func(a slog.Attr) bool {
		data[a.Key] = a.Value.Any()
		return true
	})
	return json.NewEncoder(h.buf).Encode(data)
}

func (h *testHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	nh := &testHandler{buf: h.buf, level: h.level}
	nh.attrs = append(nh.attrs, h.attrs...)
	nh.attrs = append(nh.attrs, attrs...)
	return nh
}

func (h *testHandler) WithGroup(string) slog.Handler {
	return h
}

// records decodes every captured log line.
func (h *testHandler) records(t *testing.T) []map[string]any {
	t.Helper()
	var out []map[string]any
	dec := json.NewDecoder(bytes.NewReader(h.buf.Bytes()))
	for dec.More() {
		var m map[string]any
		require.NoError(t, dec.Decode(&m))
		out = append(out, m)
	}
	return out
}

func TestEnrichLogger(t *testing.T) {
	h := newTestHandler()
	logger := slog.New(h)

	enriched := EnrichLogger(logger, "save-123", "file", 1)
	require.NotNil(t, enriched)
	enriched.Info("working")

	recs := h.records(t)
	require.Len(t, recs, 1)
	assert.Equal(t, "save-123", recs[0]["save_id"])
	assert.Equal(t, "file", recs[0]["backend"])
	assert.Equal(t, float64(1), recs[0]["version"])
}

func TestEnrichLoggerNil(t *testing.T) {
	assert.Nil(t, EnrichLogger(nil, "save-123", "file", 1))
}

func TestLogSaveLifecycle(t *testing.T) {
	h := newTestHandler()
	logger := slog.New(h)

	LogSaveStart(logger, "save-1", "/ckpt/iter_100", "file")
	LogSaveComplete(logger, "save-1", 2048, 12.5)

	recs := h.records(t)
	require.Len(t, recs, 2)
	assert.Equal(t, "checkpoint save starting", recs[0]["msg"])
	assert.Equal(t, "/ckpt/iter_100", recs[0]["dir"])
	assert.Equal(t, "checkpoint save completed", recs[1]["msg"])
	assert.Equal(t, float64(2048), recs[1]["size_bytes"])
}

func TestLogSaveError(t *testing.T) {
	h := newTestHandler()
	logger := slog.New(h)

	LogSaveError(logger, "save-1", errors.New("disk full"), 3.0)

	recs := h.records(t)
	require.Len(t, recs, 1)
	assert.Equal(t, "ERROR", recs[0]["level"])
	assert.Equal(t, "disk full", recs[0]["error"])
}

func TestLogLoadLifecycle(t *testing.T) {
	h := newTestHandler()
	logger := slog.New(h)

	LogLoadStart(logger, "/ckpt", "sqlite")
	LogLoadComplete(logger, "/ckpt", 8.0)
	LogLoadError(logger, "/ckpt", errors.New("corrupt header"))

	recs := h.records(t)
	require.Len(t, recs, 3)
	assert.Equal(t, "checkpoint load starting", recs[0]["msg"])
	assert.Equal(t, "checkpoint load completed", recs[1]["msg"])
	assert.Equal(t, "corrupt header", recs[2]["error"])
}

func TestLogAsyncHelpers(t *testing.T) {
	h := newTestHandler()
	logger := slog.New(h)

	LogAsyncScheduled(logger, "req-9", 1)
	LogAsyncFinalized(logger, true, 40.0)
	LogStrategyResolved(logger, "save-sharded/file@v1", "FileSave(file, 1)")
	LogCheckpointError(logger, "finalize", errors.New("commit failed"))

	recs := h.records(t)
	require.Len(t, recs, 4)
	assert.Equal(t, "req-9", recs[0]["request_id"])
	assert.Equal(t, "async finalization pass completed", recs[1]["msg"])
	assert.Equal(t, "save-sharded/file@v1", recs[2]["identity"])
	assert.Equal(t, "WARN", recs[3]["level"])
}

func TestLogHelpersNilLogger(t *testing.T) {
	// Every helper must be a no-op with a nil logger.
	assert.NotPanics(t, func() {
		LogSaveStart(nil, "s", "d", "b")
		LogSaveComplete(nil, "s", 0, 0)
		LogSaveError(nil, "s", errors.New("x"), 0)
		LogLoadStart(nil, "d", "b")
		LogLoadComplete(nil, "d", 0)
		LogLoadError(nil, "d", errors.New("x"))
		LogStrategyResolved(nil, "i", "s")
		LogAsyncScheduled(nil, "r", 0)
		LogAsyncFinalized(nil, false, 0)
		LogCheckpointError(nil, "op", errors.New("x"))
	})
}

func TestTimedOperation(t *testing.T) {
	done := TimedOperation()
	elapsed := done()
	assert.GreaterOrEqual(t, elapsed, float64(0))
}
