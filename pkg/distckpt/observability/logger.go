// Package observability provides production-grade observability features
// for distckpt: structured logging, metrics, and distributed tracing.
//
// Features:
//   - Structured logging via slog (Go stdlib)
//   - Metrics via OpenTelemetry
//   - Tracing via OpenTelemetry
//
// All features are opt-in and have no-op implementations when disabled.
package observability

import (
	"log/slog"
	"time"
)

// EnrichLogger adds checkpoint context to a logger.
// Returns a new logger with save_id, backend, and version fields.
//
// Example:
//
//	enriched := EnrichLogger(logger, "save-123", "file", 1)
//	enriched.Info("doing work") // includes save_id, backend, version
func EnrichLogger(logger *slog.Logger, saveID, backend string, version int) *slog.Logger {
	if logger == nil {
		return nil
	}
	return logger.With(
		slog.String("save_id", saveID),
		slog.String("backend", backend),
		slog.Int("version", version),
	)
}

// LogSaveStart logs the start of a checkpoint save.
func LogSaveStart(logger *slog.Logger, saveID, dir, backend string) {
	if logger == nil {
		return
	}
	logger.Info("checkpoint save starting",
		slog.String("save_id", saveID),
		slog.String("dir", dir),
		slog.String("backend", backend),
	)
}

// LogSaveComplete logs successful checkpoint save completion.
func LogSaveComplete(logger *slog.Logger, saveID string, sizeBytes int64, durationMs float64) {
	if logger == nil {
		return
	}
	logger.Info("checkpoint save completed",
		slog.String("save_id", saveID),
		slog.Int64("size_bytes", sizeBytes),
		slog.Float64("duration_ms", durationMs),
	)
}

// LogSaveError logs checkpoint save failure.
func LogSaveError(logger *slog.Logger, saveID string, err error, durationMs float64) {
	if logger == nil {
		return
	}
	logger.Error("checkpoint save failed",
		slog.String("save_id", saveID),
		slog.String("error", err.Error()),
		slog.Float64("duration_ms", durationMs),
	)
}

// LogLoadStart logs the start of a checkpoint load.
func LogLoadStart(logger *slog.Logger, dir, backend string) {
	if logger == nil {
		return
	}
	logger.Info("checkpoint load starting",
		slog.String("dir", dir),
		slog.String("backend", backend),
	)
}

// LogLoadComplete logs successful checkpoint load completion.
func LogLoadComplete(logger *slog.Logger, dir string, durationMs float64) {
	if logger == nil {
		return
	}
	logger.Info("checkpoint load completed",
		slog.String("dir", dir),
		slog.Float64("duration_ms", durationMs),
	)
}

// LogLoadError logs checkpoint load failure.
func LogLoadError(logger *slog.Logger, dir string, err error) {
	if logger == nil {
		return
	}
	logger.Error("checkpoint load failed",
		slog.String("dir", dir),
		slog.String("error", err.Error()),
	)
}

// LogStrategyResolved logs which strategy a lookup produced.
func LogStrategyResolved(logger *slog.Logger, identity, strategy string) {
	if logger == nil {
		return
	}
	logger.Debug("strategy resolved",
		slog.String("identity", identity),
		slog.String("strategy", strategy),
	)
}

// LogAsyncScheduled logs an async save request entering the queue.
func LogAsyncScheduled(logger *slog.Logger, requestID string, queueLen int) {
	if logger == nil {
		return
	}
	logger.Debug("async save scheduled",
		slog.String("request_id", requestID),
		slog.Int("queue_len", queueLen),
	)
}

// LogAsyncFinalized logs the outcome of one finalization pass over the
// async queue.
func LogAsyncFinalized(logger *slog.Logger, finalized bool, durationMs float64) {
	if logger == nil {
		return
	}
	logger.Debug("async finalization pass completed",
		slog.Bool("finalized", finalized),
		slog.Float64("duration_ms", durationMs),
	)
}

// LogCheckpointError logs a non-fatal checkpoint-layer failure.
func LogCheckpointError(logger *slog.Logger, op string, err error) {
	if logger == nil {
		return
	}
	logger.Warn("checkpoint operation failed",
		slog.String("operation", op),
		slog.String("error", err.Error()),
	)
}

// TimedOperation measures the duration of an operation.
// Returns a function that, when called, returns the elapsed time in milliseconds.
//
// Example:
//
//	done := TimedOperation()
//	// ... do work ...
//	durationMs := done()
func TimedOperation() func() float64 {
	start := time.Now()
	return func() float64 {
		return float64(time.Since(start).Milliseconds())
	}
}
