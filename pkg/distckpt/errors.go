package distckpt

import (
	"errors"

	"github.com/randalmurphal/distckpt/pkg/distckpt/strategies"
)

// Sentinel errors for checkpoint directories.
var (
	// ErrNotCheckpointDir indicates the directory carries no checkpoint
	// metadata marker.
	ErrNotCheckpointDir = errors.New("not a distributed checkpoint directory")
)

// Strategy-layer error kinds, re-exported so callers can match them with
// errors.Is without importing the strategies package.
var (
	// ErrBackendUnavailable indicates a backend's activation failed. The
	// error chain carries the backend's remediation hint.
	ErrBackendUnavailable = strategies.ErrBackendUnavailable

	// ErrStrategyNotFound indicates no strategy is registered for the
	// requested (action, backend, version) identity.
	ErrStrategyNotFound = strategies.ErrStrategyNotFound

	// ErrIncompatibleCheckpoint indicates a load strategy rejected the
	// checkpoint's stored backend name or format version.
	ErrIncompatibleCheckpoint = strategies.ErrIncompatibleCheckpoint

	// ErrUnsupportedOperation indicates the resolved strategy cannot
	// perform the requested operation.
	ErrUnsupportedOperation = strategies.ErrUnsupportedOperation
)
