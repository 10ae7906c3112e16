package distckpt

import (
	"context"
	"errors"
	"fmt"

	"github.com/randalmurphal/distckpt/pkg/distckpt/observability"
	"github.com/randalmurphal/distckpt/pkg/distckpt/state"
	"github.com/randalmurphal/distckpt/pkg/distckpt/strategies"
)

// loadIdentity reads the checkpoint's stored metadata and determines the
// identity used to resolve load strategies: the stored pair, unless the
// call overrides backend or version.
func (c *Checkpointer) loadIdentity(dir string, opts []CallOption) (callConfig, Metadata, error) {
	md, err := LoadMetadata(dir)
	if err != nil {
		return callConfig{}, Metadata{}, err
	}
	cfg := callConfig{backend: md.Backend, version: md.Version}
	for _, opt := range opts {
		opt(&cfg)
	}
	return cfg, md, nil
}

// Load reads a checkpoint. The sharded dict describes which slices this
// worker wants: each ShardedTensor leaf names a stored tensor and the
// local region to read, each ShardedObject leaf names a stored object.
// The result carries the checkpoint's common state merged with the
// requested sharded values at their paths; non-sharded leaves of the
// request are ignored.
//
// A nil request returns only the common state.
//
// Example:
//
//	loaded, err := ckpt.Load(ctx, shardedTemplate, "/ckpt/iter_1000")
func (c *Checkpointer) Load(ctx context.Context, sd state.ShardedStateDict, dir string, opts ...CallOption) (state.StateDict, error) {
	cfg, md, err := c.loadIdentity(dir, opts)
	if err != nil {
		return nil, err
	}

	ctx, span := c.spans.StartLoadSpan(ctx, dir)
	done := observability.TimedOperation()
	observability.LogLoadStart(c.logger, dir, cfg.backend)

	result, err := c.runLoad(ctx, sd, dir, cfg, md)

	durMs := done()
	c.metrics.RecordLoad(ctx, cfg.backend, msToDuration(durMs), err)
	c.spans.EndSpanWithError(span, err)
	if err != nil {
		observability.LogLoadError(c.logger, dir, err)
		return nil, err
	}
	observability.LogLoadComplete(c.logger, dir, durMs)
	return result, nil
}

func (c *Checkpointer) runLoad(ctx context.Context, sd state.ShardedStateDict, dir string, cfg callConfig, md Metadata) (state.StateDict, error) {
	lcs, err := c.resolveLoadCommon(cfg, md)
	if err != nil {
		return nil, err
	}
	common, err := lcs.LoadCommon(ctx, dir)
	if err != nil {
		return nil, err
	}
	if sd == nil {
		return common, nil
	}

	if err := state.ValidateSharded(sd); err != nil {
		return nil, fmt.Errorf("validate state dict: %w", err)
	}
	shardedPart, _ := state.SplitSharded(sd)
	objects, tensors := state.Extract(shardedPart, isShardedObject)

	// Resolve the sharded strategy when tensors are requested. With only
	// objects requested it is optional: a backend without one, or with one
	// that only reads tensors, serves objects through the common strategy.
	var ls strategies.LoadShardedStrategy
	switch {
	case len(state.ShardedTensors(tensors)) > 0:
		ls, err = c.resolveLoadSharded(cfg, md)
		if err != nil {
			return nil, err
		}
	case len(objects) > 0:
		ls, err = c.resolveLoadSharded(cfg, md)
		switch {
		case errors.Is(err, ErrStrategyNotFound):
			ls = nil
		case err != nil:
			return nil, err
		case !ls.CanHandleShardedObjects():
			ls = nil
		}
	}

	result := common
	if ls != nil && ls.CanHandleShardedObjects() {
		loaded, err := ls.Load(ctx, shardedPart, dir)
		if err != nil {
			return nil, err
		}
		return state.Merge(result, loaded), nil
	}
	if len(objects) > 0 {
		loaded, err := lcs.LoadShardedObjects(ctx, objects, dir)
		if err != nil {
			return nil, err
		}
		result = state.Merge(result, loaded)
	}
	if ls != nil {
		loaded, err := ls.Load(ctx, tensors, dir)
		if err != nil {
			return nil, err
		}
		result = state.Merge(result, loaded)
	}
	return result, nil
}

// LoadCommon reads only the common (replicated) part of a checkpoint.
func (c *Checkpointer) LoadCommon(ctx context.Context, dir string, opts ...CallOption) (state.StateDict, error) {
	return c.Load(ctx, nil, dir, opts...)
}

// LoadTensorsMetadata reads tensor metadata only: real global shapes and
// dtypes, no data. Keys are the checkpoint's raw storage keys, which need
// not coincide with any caller's state-dict paths. The result's entries
// carry no sharding decision; callers shard them before requesting a load.
func (c *Checkpointer) LoadTensorsMetadata(ctx context.Context, dir string, opts ...CallOption) (state.ShardedStateDict, error) {
	cfg, md, err := c.loadIdentity(dir, opts)
	if err != nil {
		return nil, err
	}
	ls, err := c.resolveLoadSharded(cfg, md)
	if err != nil {
		return nil, err
	}
	return ls.LoadTensorsMetadata(ctx, dir)
}

// LoadShardedMetadata reads the checkpoint's full sharded skeleton,
// tensors and objects alike, metadata only. Both the sharded and the
// common strategy contribute entries; for most backends the common
// strategy's share is empty.
func (c *Checkpointer) LoadShardedMetadata(ctx context.Context, dir string, opts ...CallOption) (state.ShardedStateDict, error) {
	cfg, md, err := c.loadIdentity(dir, opts)
	if err != nil {
		return nil, err
	}
	ls, err := c.resolveLoadSharded(cfg, md)
	if err != nil {
		return nil, err
	}
	out, err := strategies.LoadShardedMetadata(ctx, ls, dir)
	if err != nil {
		return nil, err
	}
	lcs, err := c.resolveLoadCommon(cfg, md)
	if err != nil {
		return nil, err
	}
	fromCommon, err := strategies.LoadShardedMetadata(ctx, lcs, dir)
	if err != nil {
		return nil, err
	}
	return state.Merge(out, fromCommon), nil
}

// RemoveShardedTensors deletes stored tensors whose storage key starts
// with the prefix. Not every backend supports deletion; the error matches
// ErrUnsupportedOperation when this one does not.
func (c *Checkpointer) RemoveShardedTensors(ctx context.Context, dir, keyPrefix string, opts ...CallOption) error {
	cfg, md, err := c.loadIdentity(dir, opts)
	if err != nil {
		return err
	}
	ls, err := c.resolveLoadSharded(cfg, md)
	if err != nil {
		return err
	}
	return strategies.RemoveShardedTensors(ctx, ls, dir, keyPrefix)
}

// resolveLoadCommon resolves, type-checks, and compatibility-checks the
// load-common strategy.
func (c *Checkpointer) resolveLoadCommon(cfg callConfig, md Metadata) (strategies.LoadCommonStrategy, error) {
	id := strategies.NewID(strategies.ActionLoadCommon, cfg.backend, cfg.version)
	s, err := c.registry.Resolve(id)
	if err != nil {
		return nil, err
	}
	observability.LogStrategyResolved(c.logger, id.String(), s.String())
	ls, ok := s.(strategies.LoadCommonStrategy)
	if !ok {
		return nil, &strategies.Error{
			Op:  "load common",
			ID:  id,
			Err: fmt.Errorf("%w: %s cannot load common state", strategies.ErrUnsupportedOperation, s),
		}
	}
	if err := checkCompat(ls, md); err != nil {
		return nil, err
	}
	return ls, nil
}

// resolveLoadSharded resolves, type-checks, and compatibility-checks the
// load-sharded strategy.
func (c *Checkpointer) resolveLoadSharded(cfg callConfig, md Metadata) (strategies.LoadShardedStrategy, error) {
	id := strategies.NewID(strategies.ActionLoadSharded, cfg.backend, cfg.version)
	s, err := c.registry.Resolve(id)
	if err != nil {
		return nil, err
	}
	observability.LogStrategyResolved(c.logger, id.String(), s.String())
	ls, ok := s.(strategies.LoadShardedStrategy)
	if !ok {
		return nil, &strategies.Error{
			Op:  "load sharded",
			ID:  id,
			Err: fmt.Errorf("%w: %s cannot load sharded state", strategies.ErrUnsupportedOperation, s),
		}
	}
	if err := checkCompat(ls, md); err != nil {
		return nil, err
	}
	return ls, nil
}

// checkCompat verifies a load strategy against the checkpoint's stored
// metadata before any read runs through it.
func checkCompat(s strategies.LoadStrategy, md Metadata) error {
	if err := s.CheckBackendCompatibility(md.Backend); err != nil {
		return err
	}
	return s.CheckVersionCompatibility(md.Version)
}

// Load reads a checkpoint through the default Checkpointer.
func Load(ctx context.Context, sd state.ShardedStateDict, dir string, opts ...CallOption) (state.StateDict, error) {
	return defaultCheckpointer.Load(ctx, sd, dir, opts...)
}

// LoadCommon reads the common part of a checkpoint through the default
// Checkpointer.
func LoadCommon(ctx context.Context, dir string, opts ...CallOption) (state.StateDict, error) {
	return defaultCheckpointer.LoadCommon(ctx, dir, opts...)
}

// LoadTensorsMetadata reads tensor metadata through the default
// Checkpointer.
func LoadTensorsMetadata(ctx context.Context, dir string, opts ...CallOption) (state.ShardedStateDict, error) {
	return defaultCheckpointer.LoadTensorsMetadata(ctx, dir, opts...)
}

// LoadShardedMetadata reads the sharded skeleton through the default
// Checkpointer.
func LoadShardedMetadata(ctx context.Context, dir string, opts ...CallOption) (state.ShardedStateDict, error) {
	return defaultCheckpointer.LoadShardedMetadata(ctx, dir, opts...)
}

// RemoveShardedTensors deletes stored tensors through the default
// Checkpointer.
func RemoveShardedTensors(ctx context.Context, dir, keyPrefix string, opts ...CallOption) error {
	return defaultCheckpointer.RemoveShardedTensors(ctx, dir, keyPrefix, opts...)
}
