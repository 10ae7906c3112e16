package strategies

import (
	"context"
	"fmt"

	"github.com/randalmurphal/distckpt/pkg/distckpt/async"
	"github.com/randalmurphal/distckpt/pkg/distckpt/state"
)

// Strategy is the surface every load and save strategy shares. A resolved
// strategy lives for the process lifetime and must not be mutated by
// callers; individual save/load calls are independent and reentrant unless
// the backend documents otherwise.
type Strategy interface {
	// String returns a human-readable description combining the
	// implementation name, backend, and version, for logs and errors.
	String() string

	// CanHandleShardedObjects reports whether the strategy understands
	// ShardedObject leaves or only ShardedTensor leaves.
	CanHandleShardedObjects() bool
}

// LoadStrategy adds the compatibility checks callers run before trusting a
// strategy to read a checkpoint whose stored metadata may name a different
// backend or version than the strategy's own.
type LoadStrategy interface {
	Strategy

	// CheckBackendCompatibility returns ErrIncompatibleCheckpoint (wrapped)
	// when the stored backend name is one this strategy cannot read.
	CheckBackendCompatibility(backend string) error

	// CheckVersionCompatibility returns ErrIncompatibleCheckpoint (wrapped)
	// when the stored format version is one this strategy cannot read.
	CheckVersionCompatibility(version int) error
}

// LoadCommonStrategy reads the replicated part of a checkpoint.
type LoadCommonStrategy interface {
	LoadStrategy

	// LoadCommon reads the common (replicated) state.
	LoadCommon(ctx context.Context, dir string) (state.StateDict, error)

	// LoadShardedObjects resolves only the ShardedObject leaves of the
	// provided skeleton, returning a dict of the same structure with the
	// objects' values in place.
	LoadShardedObjects(ctx context.Context, objects state.ShardedStateDict, dir string) (state.StateDict, error)
}

// LoadShardedStrategy reads the partitioned part of a checkpoint.
type LoadShardedStrategy interface {
	LoadStrategy

	// Load performs the full sharded read: each worker passes its own
	// slice descriptions and receives back a dict of the same structure
	// with its slices' data in place.
	Load(ctx context.Context, sharded state.ShardedStateDict, dir string) (state.StateDict, error)

	// LoadTensorsMetadata reads tensor metadata only: the result carries
	// real global shapes and dtypes but no data and no sharding decision.
	// Keys are the raw per-tensor storage keys, which need not coincide
	// with any caller's state-dict key paths.
	LoadTensorsMetadata(ctx context.Context, dir string) (state.ShardedStateDict, error)
}

// SaveStrategy binds a writer to the single (backend, version) identity it
// produces.
type SaveStrategy interface {
	Strategy

	// Backend returns the backend name this strategy writes.
	Backend() string

	// Version returns the format revision this strategy writes.
	Version() int
}

// SaveCommonStrategy writes the replicated part of a checkpoint. Electing
// a single writer per logical checkpoint is the caller's concern; this
// layer does not deduplicate writers.
type SaveCommonStrategy interface {
	SaveStrategy

	// SaveCommon writes the common (replicated) state.
	SaveCommon(ctx context.Context, st state.StateDict, dir string) error
}

// SaveShardedStrategy writes each worker's own slices.
type SaveShardedStrategy interface {
	SaveStrategy

	// Save writes the sharded state for this worker.
	Save(ctx context.Context, sharded state.ShardedStateDict, dir string) error
}

// AsyncSaveShardedStrategy extends SaveShardedStrategy with an async entry
// point. AsyncSave must perform all work that is unsafe to run off the
// calling goroutine before returning, packaging only safely deferrable I/O
// into the returned request's execute/finalize pair.
type AsyncSaveShardedStrategy interface {
	SaveShardedStrategy

	// AsyncSave prepares the write and returns the deferred request. The
	// caller decides when to schedule it and when to finalize.
	AsyncSave(ctx context.Context, sharded state.ShardedStateDict, dir string) (*async.Request, error)
}

// Optional capabilities, discovered by interface assertion. The package
// functions below apply the documented defaults when a strategy does not
// implement them.
type (
	// ShardedMetadataLoader reads the full sharded skeleton (tensors and
	// objects) of a checkpoint, metadata only.
	ShardedMetadataLoader interface {
		LoadShardedMetadata(ctx context.Context, dir string) (state.ShardedStateDict, error)
	}

	// ShardedTensorRemover deletes stored tensors by storage-key prefix,
	// used for checkpoint cleanup and compaction.
	ShardedTensorRemover interface {
		RemoveShardedTensors(ctx context.Context, dir, keyPrefix string) error
	}

	// ShardedObjectsSaver writes ShardedObject leaves.
	ShardedObjectsSaver interface {
		SaveShardedObjects(ctx context.Context, objects state.ShardedStateDict, dir string) error
	}
)

// LoadShardedMetadata reads the sharded skeleton through the strategy's
// optional capability. Without it, a sharded loader falls back to tensor
// metadata, and any other strategy yields an empty dict: a documented
// no-op, not an error. A strategy claiming ShardedObject support must
// implement the capability itself.
func LoadShardedMetadata(ctx context.Context, s LoadStrategy, dir string) (state.ShardedStateDict, error) {
	if ml, ok := s.(ShardedMetadataLoader); ok {
		return ml.LoadShardedMetadata(ctx, dir)
	}
	if s.CanHandleShardedObjects() {
		return nil, unsupported("load sharded metadata", fmt.Sprintf("%s claims sharded object support but implements no metadata loader", s))
	}
	if ls, ok := s.(LoadShardedStrategy); ok {
		return ls.LoadTensorsMetadata(ctx, dir)
	}
	return state.ShardedStateDict{}, nil
}

// RemoveShardedTensors deletes tensors whose storage key starts with the
// prefix, when the strategy supports deletion at all.
func RemoveShardedTensors(ctx context.Context, s LoadStrategy, dir, keyPrefix string) error {
	if rm, ok := s.(ShardedTensorRemover); ok {
		return rm.RemoveShardedTensors(ctx, dir, keyPrefix)
	}
	return unsupported("remove sharded tensors", s.String())
}

// SaveShardedObjects writes ShardedObject leaves through the strategy's
// optional capability.
func SaveShardedObjects(ctx context.Context, s SaveStrategy, objects state.ShardedStateDict, dir string) error {
	if os, ok := s.(ShardedObjectsSaver); ok {
		return os.SaveShardedObjects(ctx, objects, dir)
	}
	return unsupported("save sharded objects", s.String())
}

// SaveSync is the synchronous facade over the async primitive: it obtains
// the request, schedules it, and immediately finalizes in blocking mode.
// Every async-capable strategy becomes usable synchronously this way, at
// the cost of forfeiting the async benefit. A nil queue uses the
// process-wide default. Note that the blocking pass also drains any
// earlier requests still pending on the queue.
func SaveSync(ctx context.Context, s AsyncSaveShardedStrategy, sharded state.ShardedStateDict, dir string, q *async.Queue) error {
	req, err := s.AsyncSave(ctx, sharded, dir)
	if err != nil {
		return err
	}
	if q == nil {
		q = async.Default()
	}
	q.Schedule(req)
	_, err = q.MaybeFinalize(true)
	return err
}

// LoadStrategyBase supplies load-side defaults: compatibility checks that
// accept exactly one (backend, version) pair and no ShardedObject support.
// Embed it and override what differs.
type LoadStrategyBase struct {
	// Name identifies the implementation in logs and errors.
	Name string
	// BackendName is the sole backend the strategy reads.
	BackendName string
	// BackendVersion is the sole format revision the strategy reads.
	BackendVersion int
}

// String implements Strategy.
func (b LoadStrategyBase) String() string {
	return fmt.Sprintf("%s(%s, %d)", b.Name, b.BackendName, b.BackendVersion)
}

// CanHandleShardedObjects implements Strategy.
func (b LoadStrategyBase) CanHandleShardedObjects() bool {
	return false
}

// CheckBackendCompatibility implements LoadStrategy.
func (b LoadStrategyBase) CheckBackendCompatibility(backend string) error {
	if backend != b.BackendName {
		return &Error{
			Op:  "compatibility check",
			Err: fmt.Errorf("%w: checkpoint backend %q, %s reads only %q", ErrIncompatibleCheckpoint, backend, b.Name, b.BackendName),
		}
	}
	return nil
}

// CheckVersionCompatibility implements LoadStrategy.
func (b LoadStrategyBase) CheckVersionCompatibility(version int) error {
	if version != b.BackendVersion {
		return &Error{
			Op:  "compatibility check",
			Err: fmt.Errorf("%w: checkpoint version %d, %s reads only %d", ErrIncompatibleCheckpoint, version, b.Name, b.BackendVersion),
		}
	}
	return nil
}

// SaveStrategyBase binds a writer to its (backend, version) identity and
// supplies the shared defaults.
type SaveStrategyBase struct {
	// Name identifies the implementation in logs and errors.
	Name string
	// BackendName is the backend the strategy writes.
	BackendName string
	// BackendVersion is the format revision the strategy writes.
	BackendVersion int
}

// String implements Strategy.
func (b SaveStrategyBase) String() string {
	return fmt.Sprintf("%s(%s, %d)", b.Name, b.BackendName, b.BackendVersion)
}

// CanHandleShardedObjects implements Strategy.
func (b SaveStrategyBase) CanHandleShardedObjects() bool {
	return false
}

// Backend implements SaveStrategy.
func (b SaveStrategyBase) Backend() string {
	return b.BackendName
}

// Version implements SaveStrategy.
func (b SaveStrategyBase) Version() int {
	return b.BackendVersion
}
