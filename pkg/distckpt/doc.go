/*
Package distckpt provides pluggable persistence for distributed training
checkpoints.

# Overview

A distributed training job holds its state as a nested state dict whose
leaves are either plain serializable values (hyperparameters, iteration
counters, RNG streams) or shards: each worker owns a slice of a logically
global tensor. distckpt saves and loads such dicts through swappable
serialization backends, so the on-disk format can evolve without touching
training code.

The library separates three layers:
  - State dicts and shard descriptions (subpackage state)
  - Versioned load/save strategies resolved by (action, backend, version)
    identity (subpackage strategies)
  - Orchestration: this package splits a dict into its common and sharded
    parts, routes each part to the right strategy, and stamps the
    checkpoint with backend metadata

# Basic Usage

Build a sharded state dict and save it:

	local, _ := state.FromFloat32s(state.Shape{2, 4}, data)
	weight, _ := state.NewShardedTensor("layers.0.weight", state.Shape{8, 4}, []int{2, 0}, local)

	sd := state.ShardedStateDict{
	    "model": state.StateDict{"layers.0.weight": weight},
	    "iteration": 1000,
	}

	ckpt := distckpt.New()
	if err := ckpt.Save(ctx, sd, "/ckpt/iter_1000"); err != nil {
	    log.Fatal(err)
	}

Loading mirrors saving: pass a dict of shard descriptions naming which
slices this worker wants, and receive the same structure with data in
place, merged with the checkpoint's common state:

	loaded, err := ckpt.Load(ctx, sd, "/ckpt/iter_1000")

Every worker of a job calls Save and Load with its own shards. Electing a
single writer for the common part, and any cross-process coordination, is
the caller's concern.

# Backends

Backends register strategies under a (backend, version) identity and are
activated lazily on first use:

  - file (default): one binary file per shard with checksums, JSON for
    common state, async save support
  - sqlite: everything in a single SQLite database file
  - nuts: common state in a nutsdb key/value store; no sharded support

Select a backend per call or per Checkpointer:

	err := ckpt.Save(ctx, sd, dir, distckpt.WithBackend("sqlite"))

On load the backend recorded in the checkpoint's metadata.json is used
automatically; the checkpoint directory carries everything needed to read
it back.

# Async Saves

Backends with async support split a save into a cheap synchronous phase
and deferred writes, so training resumes while data drains to storage:

	req, err := ckpt.AsyncSave(ctx, sd, dir)
	if err != nil {
	    return err
	}
	ckpt.Schedule(req)

	// Each training iteration:
	if _, err := ckpt.MaybeFinalize(ctx, false); err != nil {
	    log.Printf("checkpoint failed: %v", err)
	}

	// Before exit:
	ckpt.MaybeFinalize(ctx, true)

Finalization is always in schedule order. Requests still pending at
process exit are lost; run a blocking pass before exiting.

# Error Handling

Failures carry a matchable kind plus the identity involved:

	err := ckpt.Save(ctx, sd, dir, distckpt.WithBackend("s3"))
	if errors.Is(err, distckpt.ErrStrategyNotFound) {
	    // no strategy registered for the identity
	}

	var serr *strategies.Error
	if errors.As(err, &serr) && serr.Hint != "" {
	    log.Printf("remediation: %s", serr.Hint)
	}

ErrBackendUnavailable means a backend's activation failed and carries the
backend's remediation hint. ErrIncompatibleCheckpoint means the stored
metadata names a backend or version the resolved strategy cannot read.

# Observability

Logging, metrics, and tracing are opt-in:

	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	ckpt := distckpt.New(
	    distckpt.WithLogger(logger),
	    distckpt.WithMetrics(observability.NewMetricsRecorder()),
	    distckpt.WithSpans(observability.NewSpanManager()),
	)

Logs include structured fields: save_id, backend, version, duration_ms.
OpenTelemetry metrics: distckpt.save.count, distckpt.save.latency_ms, etc.
OpenTelemetry tracing: distckpt.save, distckpt.load, distckpt.finalize.

# Thread Safety

  - Checkpointer, Registry, and Queue are safe for concurrent use
  - State dicts are plain maps; callers must not mutate a dict while a
    save reads it (async saves snapshot tensor payloads before returning)
  - Strategy instances are shared; implementations must be reentrant

# Subpackages

  - state: tensors, shard descriptions, state dict manipulation
  - strategies: strategy interfaces, identities, and the registry
  - async: execute/finalize requests and the FIFO finalization queue
  - backend/filestore, backend/sqlitestore, backend/nutsstore: built-ins
  - config: configuration file loading
  - observability: logging, metrics, and tracing helpers
*/
package distckpt
