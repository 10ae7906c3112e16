package distckpt

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/randalmurphal/distckpt/pkg/distckpt/async"
	"github.com/randalmurphal/distckpt/pkg/distckpt/observability"
	"github.com/randalmurphal/distckpt/pkg/distckpt/state"
	"github.com/randalmurphal/distckpt/pkg/distckpt/strategies"
)

// savePlan is the per-call routing produced by planSave: which strategies
// run and which slice of the state dict each one receives.
type savePlan struct {
	// common is the replicated part, written by commonS on every save.
	common  state.StateDict
	commonS strategies.SaveCommonStrategy

	// sharded is the part handed to shardedS: the sharded tensors, plus
	// the sharded objects when shardedS takes them natively. shardedS is
	// nil when nothing requires a sharded strategy.
	sharded  state.ShardedStateDict
	shardedS strategies.SaveShardedStrategy

	// objects is the part routed through the common strategy's object
	// capability, for sharded strategies that only understand tensors.
	objects state.ShardedStateDict

	// sizeBytes is the total local tensor payload, for metrics.
	sizeBytes int64
}

// planSave validates the state dict, splits it, and resolves the
// strategies for one save call. The sharded strategy is resolved only when
// sharded tensors are present (or forceSharded is set), so backends that
// persist only common state remain usable through this API.
func (c *Checkpointer) planSave(sd state.ShardedStateDict, cfg callConfig, forceSharded bool) (*savePlan, error) {
	if err := state.ValidateSharded(sd); err != nil {
		return nil, fmt.Errorf("validate state dict: %w", err)
	}

	shardedPart, common := state.SplitSharded(sd)
	objects, tensors := state.Extract(shardedPart, isShardedObject)

	p := &savePlan{common: common, sizeBytes: payloadSize(shardedPart)}

	// The common strategy always runs: common state and the metadata
	// marker are written on every save.
	cs, err := c.resolveSaveCommon(cfg)
	if err != nil {
		return nil, err
	}
	p.commonS = cs

	switch {
	case forceSharded || len(state.ShardedTensors(tensors)) > 0:
		ss, err := c.resolveSaveSharded(cfg)
		if err != nil {
			return nil, err
		}
		p.shardedS = ss
	case len(objects) > 0:
		// Objects without tensors: use the sharded strategy when the
		// backend has one that takes objects natively, otherwise fall
		// back to the common route below.
		ss, err := c.resolveSaveSharded(cfg)
		switch {
		case errors.Is(err, ErrStrategyNotFound):
		case err != nil:
			return nil, err
		case ss.CanHandleShardedObjects():
			p.shardedS = ss
		}
	}

	if p.shardedS != nil && p.shardedS.CanHandleShardedObjects() {
		p.sharded = shardedPart
	} else {
		p.sharded = tensors
		p.objects = objects
	}
	return p, nil
}

// Save writes a checkpoint synchronously: the common part, the sharded
// part, and the metadata marker. The directory is created when missing;
// saving into an existing checkpoint directory overwrites it.
//
// Each worker of a distributed job calls Save with its own shard
// descriptions; electing a single writer for the common part is the
// caller's concern.
//
// Example:
//
//	err := ckpt.Save(ctx, stateDict, "/ckpt/iter_1000")
func (c *Checkpointer) Save(ctx context.Context, sd state.ShardedStateDict, dir string, opts ...CallOption) error {
	cfg := c.newCallConfig(opts)
	logger := observability.EnrichLogger(c.logger, cfg.saveID, cfg.backend, cfg.version)

	ctx, span := c.spans.StartSaveSpan(ctx, dir, cfg.saveID)
	done := observability.TimedOperation()
	observability.LogSaveStart(logger, cfg.saveID, dir, cfg.backend)

	plan, err := c.planSave(sd, cfg, false)
	var sizeBytes int64
	if err == nil {
		sizeBytes = plan.sizeBytes
		err = c.runSave(ctx, plan, dir, cfg)
	}

	durMs := done()
	c.metrics.RecordSave(ctx, cfg.backend, sizeBytes, msToDuration(durMs), err)
	c.spans.EndSpanWithError(span, err)
	if err != nil {
		observability.LogSaveError(logger, cfg.saveID, err, durMs)
		return err
	}
	observability.LogSaveComplete(logger, cfg.saveID, sizeBytes, durMs)
	return nil
}

// runSave executes a plan synchronously. The metadata marker is written
// last, after every strategy succeeded.
func (c *Checkpointer) runSave(ctx context.Context, p *savePlan, dir string, cfg callConfig) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create checkpoint directory: %w", err)
	}
	if err := p.commonS.SaveCommon(ctx, p.common, dir); err != nil {
		return err
	}
	if len(p.objects) > 0 {
		if err := strategies.SaveShardedObjects(ctx, p.commonS, p.objects, dir); err != nil {
			return err
		}
	}
	if p.shardedS != nil {
		if as, ok := p.shardedS.(strategies.AsyncSaveShardedStrategy); ok {
			// Route through the queue so this save finalizes in FIFO
			// order with any async saves still pending on it.
			if err := strategies.SaveSync(ctx, as, p.sharded, dir, c.queue); err != nil {
				return err
			}
		} else if err := p.shardedS.Save(ctx, p.sharded, dir); err != nil {
			return err
		}
	}
	return SaveMetadata(dir, Metadata{Backend: cfg.backend, Version: cfg.version})
}

// AsyncSave begins a checkpoint save whose tensor writes are deferred. The
// common part, the sharded objects, and the metadata marker are written
// before returning; the returned request carries the sharded tensor
// writes. Hand it to Schedule, then drive completion with MaybeFinalize.
//
// The resolved save-sharded strategy must support asynchronous saving;
// otherwise the error matches ErrUnsupportedOperation.
//
// Example:
//
//	req, err := ckpt.AsyncSave(ctx, stateDict, "/ckpt/iter_1000")
//	if err != nil {
//		return err
//	}
//	ckpt.Schedule(req)
//	// ... next training iteration ...
//	_, err = ckpt.MaybeFinalize(ctx, false)
func (c *Checkpointer) AsyncSave(ctx context.Context, sd state.ShardedStateDict, dir string, opts ...CallOption) (*async.Request, error) {
	cfg := c.newCallConfig(opts)
	logger := observability.EnrichLogger(c.logger, cfg.saveID, cfg.backend, cfg.version)

	ctx, span := c.spans.StartSaveSpan(ctx, dir, cfg.saveID)
	done := observability.TimedOperation()
	observability.LogSaveStart(logger, cfg.saveID, dir, cfg.backend)

	req, sizeBytes, err := c.prepareAsyncSave(ctx, sd, dir, cfg)

	durMs := done()
	c.metrics.RecordSave(ctx, cfg.backend, sizeBytes, msToDuration(durMs), err)
	c.spans.EndSpanWithError(span, err)
	if err != nil {
		observability.LogSaveError(logger, cfg.saveID, err, durMs)
		return nil, err
	}
	observability.LogSaveComplete(logger, cfg.saveID, sizeBytes, durMs)
	return req, nil
}

// prepareAsyncSave runs the synchronous phase of an async save and returns
// the deferred request. The metadata marker is written here: the
// checkpoint's commit status while tensor writes are in flight is the
// backend's concern.
func (c *Checkpointer) prepareAsyncSave(ctx context.Context, sd state.ShardedStateDict, dir string, cfg callConfig) (*async.Request, int64, error) {
	plan, err := c.planSave(sd, cfg, true)
	if err != nil {
		return nil, 0, err
	}
	as, ok := plan.shardedS.(strategies.AsyncSaveShardedStrategy)
	if !ok {
		id := strategies.NewID(strategies.ActionSaveSharded, cfg.backend, cfg.version)
		return nil, plan.sizeBytes, &strategies.Error{
			Op:  "async save",
			ID:  id,
			Err: fmt.Errorf("%w: %s has no asynchronous save path", strategies.ErrUnsupportedOperation, plan.shardedS),
		}
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, plan.sizeBytes, fmt.Errorf("create checkpoint directory: %w", err)
	}
	if err := plan.commonS.SaveCommon(ctx, plan.common, dir); err != nil {
		return nil, plan.sizeBytes, err
	}
	if len(plan.objects) > 0 {
		if err := strategies.SaveShardedObjects(ctx, plan.commonS, plan.objects, dir); err != nil {
			return nil, plan.sizeBytes, err
		}
	}
	req, err := as.AsyncSave(ctx, plan.sharded, dir)
	if err != nil {
		return nil, plan.sizeBytes, err
	}
	if err := SaveMetadata(dir, Metadata{Backend: cfg.backend, Version: cfg.version}); err != nil {
		return nil, plan.sizeBytes, err
	}
	return req, plan.sizeBytes, nil
}

// resolveSaveCommon resolves and type-checks the save-common strategy.
func (c *Checkpointer) resolveSaveCommon(cfg callConfig) (strategies.SaveCommonStrategy, error) {
	id := strategies.NewID(strategies.ActionSaveCommon, cfg.backend, cfg.version)
	s, err := c.registry.Resolve(id)
	if err != nil {
		return nil, err
	}
	observability.LogStrategyResolved(c.logger, id.String(), s.String())
	cs, ok := s.(strategies.SaveCommonStrategy)
	if !ok {
		return nil, &strategies.Error{
			Op:  "save common",
			ID:  id,
			Err: fmt.Errorf("%w: %s cannot save common state", strategies.ErrUnsupportedOperation, s),
		}
	}
	return cs, nil
}

// resolveSaveSharded resolves and type-checks the save-sharded strategy.
func (c *Checkpointer) resolveSaveSharded(cfg callConfig) (strategies.SaveShardedStrategy, error) {
	id := strategies.NewID(strategies.ActionSaveSharded, cfg.backend, cfg.version)
	s, err := c.registry.Resolve(id)
	if err != nil {
		return nil, err
	}
	observability.LogStrategyResolved(c.logger, id.String(), s.String())
	ss, ok := s.(strategies.SaveShardedStrategy)
	if !ok {
		return nil, &strategies.Error{
			Op:  "save sharded",
			ID:  id,
			Err: fmt.Errorf("%w: %s cannot save sharded state", strategies.ErrUnsupportedOperation, s),
		}
	}
	return ss, nil
}

// isShardedObject is the Extract predicate separating ShardedObject leaves
// from sharded tensors.
func isShardedObject(leaf any) bool {
	_, ok := leaf.(*state.ShardedObject)
	return ok
}

// payloadSize sums the local tensor payload bytes of a sharded dict.
func payloadSize(sd state.ShardedStateDict) int64 {
	var n int64
	for _, st := range state.ShardedTensors(sd) {
		if st.Local != nil {
			n += int64(len(st.Local.Data))
		}
	}
	return n
}

// Save writes a checkpoint through the default Checkpointer.
func Save(ctx context.Context, sd state.ShardedStateDict, dir string, opts ...CallOption) error {
	return defaultCheckpointer.Save(ctx, sd, dir, opts...)
}

// AsyncSave begins an async checkpoint save through the default
// Checkpointer.
func AsyncSave(ctx context.Context, sd state.ShardedStateDict, dir string, opts ...CallOption) (*async.Request, error) {
	return defaultCheckpointer.AsyncSave(ctx, sd, dir, opts...)
}
