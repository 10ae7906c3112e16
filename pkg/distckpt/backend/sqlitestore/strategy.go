// Package sqlitestore persists checkpoints in a single SQLite database per
// checkpoint directory. Unlike the file backend it stores ShardedObject
// leaves natively, and it offers no async save: writes happen on the
// calling goroutine.
package sqlitestore

import (
	"context"
	"fmt"
	"os"

	"github.com/randalmurphal/distckpt/pkg/distckpt/state"
	"github.com/randalmurphal/distckpt/pkg/distckpt/strategies"
)

const (
	// BackendName is the identity under which the sqlite backend registers.
	BackendName = "sqlite"
	// BackendVersion is the current schema revision.
	BackendVersion = 1

	// Hint is surfaced alongside ErrBackendUnavailable when activation fails.
	Hint = "ensure checkpoint.db is accessible and not locked by another process"
)

// Register installs the sqlite backend's strategies into the registry.
func Register(r *strategies.Registry) {
	r.Register(strategies.NewID(strategies.ActionSaveSharded, BackendName, BackendVersion), NewSaveStrategy())
	r.Register(strategies.NewID(strategies.ActionSaveCommon, BackendName, BackendVersion), NewCommonSaveStrategy())
	r.Register(strategies.NewID(strategies.ActionLoadSharded, BackendName, BackendVersion), NewLoadStrategy())
	r.Register(strategies.NewID(strategies.ActionLoadCommon, BackendName, BackendVersion), NewCommonLoadStrategy())
}

// Activate is the backend's lazy activation routine for
// strategies.RegisterBackend.
func Activate(r *strategies.Registry) error {
	Register(r)
	return nil
}

// SaveStrategy writes tensor and object shards into the checkpoint
// database. It handles ShardedObject leaves itself.
type SaveStrategy struct {
	strategies.SaveStrategyBase
}

// NewSaveStrategy creates the sharded writer for the sqlite backend.
func NewSaveStrategy() *SaveStrategy {
	return &SaveStrategy{SaveStrategyBase: strategies.SaveStrategyBase{
		Name:           "SQLiteSave",
		BackendName:    BackendName,
		BackendVersion: BackendVersion,
	}}
}

// CanHandleShardedObjects implements strategies.Strategy.
func (s *SaveStrategy) CanHandleShardedObjects() bool {
	return true
}

// Save implements strategies.SaveShardedStrategy.
func (s *SaveStrategy) Save(ctx context.Context, sharded state.ShardedStateDict, dir string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := state.ValidateSharded(sharded); err != nil {
		return fmt.Errorf("validate sharded state: %w", err)
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create checkpoint directory: %w", err)
	}
	store, err := OpenStore(dir)
	if err != nil {
		return err
	}
	defer store.Close()

	for path, st := range state.ShardedTensors(sharded) {
		if st.IsMetadataOnly() {
			return fmt.Errorf("sharded tensor at %q carries no payload", path)
		}
		if err := store.PutTensor(st); err != nil {
			return err
		}
	}
	for _, so := range state.ShardedObjects(sharded) {
		if err := store.PutObject(so); err != nil {
			return err
		}
	}
	return nil
}

// CommonSaveStrategy writes the replicated state into the common table.
type CommonSaveStrategy struct {
	strategies.SaveStrategyBase
}

// NewCommonSaveStrategy creates the common-state writer for the sqlite backend.
func NewCommonSaveStrategy() *CommonSaveStrategy {
	return &CommonSaveStrategy{SaveStrategyBase: strategies.SaveStrategyBase{
		Name:           "SQLiteCommonSave",
		BackendName:    BackendName,
		BackendVersion: BackendVersion,
	}}
}

// SaveCommon implements strategies.SaveCommonStrategy.
func (s *CommonSaveStrategy) SaveCommon(ctx context.Context, st state.StateDict, dir string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create checkpoint directory: %w", err)
	}
	store, err := OpenStore(dir)
	if err != nil {
		return err
	}
	defer store.Close()
	return store.PutCommon(st)
}

// SaveShardedObjects implements strategies.ShardedObjectsSaver for callers
// that route object shards through the common strategy.
func (s *CommonSaveStrategy) SaveShardedObjects(ctx context.Context, objects state.ShardedStateDict, dir string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create checkpoint directory: %w", err)
	}
	store, err := OpenStore(dir)
	if err != nil {
		return err
	}
	defer store.Close()

	for path, so := range state.ShardedObjects(objects) {
		if err := so.Validate(); err != nil {
			return fmt.Errorf("at %q: %w", path, err)
		}
		if err := store.PutObject(so); err != nil {
			return err
		}
	}
	return nil
}

// LoadStrategy reads tensor and object shards back from the database.
type LoadStrategy struct {
	strategies.LoadStrategyBase
}

// NewLoadStrategy creates the sharded reader for the sqlite backend.
func NewLoadStrategy() *LoadStrategy {
	return &LoadStrategy{LoadStrategyBase: strategies.LoadStrategyBase{
		Name:           "SQLiteLoad",
		BackendName:    BackendName,
		BackendVersion: BackendVersion,
	}}
}

// CanHandleShardedObjects implements strategies.Strategy.
func (s *LoadStrategy) CanHandleShardedObjects() bool {
	return true
}

// Load fulfills tensor requests with their local data and object requests
// with their decoded values. Requests must carry the offsets the shards
// were written with; this backend does not reshard.
func (s *LoadStrategy) Load(ctx context.Context, sharded state.ShardedStateDict, dir string) (state.StateDict, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	store, err := OpenStore(dir)
	if err != nil {
		return nil, err
	}
	defer store.Close()

	return state.MapLeaves(sharded, func(path string, leaf any) (any, error) {
		switch want := leaf.(type) {
		case *state.ShardedTensor:
			read, err := store.GetTensor(want.Key, want.ShardID())
			if err != nil {
				return nil, fmt.Errorf("at %q: %w", path, err)
			}
			if read.DType != want.DType {
				return nil, fmt.Errorf("tensor %q: stored dtype %s, requested %s", want.Key, read.DType, want.DType)
			}
			if !read.GlobalShape.Equal(want.GlobalShape) {
				return nil, fmt.Errorf("tensor %q: stored global shape %v, requested %v", want.Key, read.GlobalShape, want.GlobalShape)
			}
			return read.Local, nil
		case *state.ShardedObject:
			read, err := store.GetObject(want.Key, want.ShardID())
			if err != nil {
				return nil, fmt.Errorf("at %q: %w", path, err)
			}
			return read.Value, nil
		default:
			return leaf, nil
		}
	})
}

// LoadTensorsMetadata reads tensor metadata without touching payloads: the
// query never selects the data column.
func (s *LoadStrategy) LoadTensorsMetadata(ctx context.Context, dir string) (state.ShardedStateDict, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	store, err := OpenStore(dir)
	if err != nil {
		return nil, err
	}
	defer store.Close()

	tensors, err := store.TensorMetadata()
	if err != nil {
		return nil, err
	}
	out := state.ShardedStateDict{}
	for key, st := range tensors {
		out[key] = st
	}
	return out, nil
}

// LoadShardedMetadata implements strategies.ShardedMetadataLoader: tensor
// metadata plus one value-less entry per stored object shard.
func (s *LoadStrategy) LoadShardedMetadata(ctx context.Context, dir string) (state.ShardedStateDict, error) {
	out, err := s.LoadTensorsMetadata(ctx, dir)
	if err != nil {
		return nil, err
	}
	store, err := OpenStore(dir)
	if err != nil {
		return nil, err
	}
	defer store.Close()

	objects, err := store.ObjectShards()
	if err != nil {
		return nil, err
	}
	for _, so := range objects {
		out[so.Key+"/shard_"+so.ShardID()] = so
	}
	return out, nil
}

// RemoveShardedTensors implements strategies.ShardedTensorRemover.
func (s *LoadStrategy) RemoveShardedTensors(ctx context.Context, dir, keyPrefix string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	store, err := OpenStore(dir)
	if err != nil {
		return err
	}
	defer store.Close()
	return store.RemoveTensors(keyPrefix)
}

// CommonLoadStrategy reads the replicated state and resolves object shards.
type CommonLoadStrategy struct {
	strategies.LoadStrategyBase
}

// NewCommonLoadStrategy creates the common-state reader for the sqlite backend.
func NewCommonLoadStrategy() *CommonLoadStrategy {
	return &CommonLoadStrategy{LoadStrategyBase: strategies.LoadStrategyBase{
		Name:           "SQLiteCommonLoad",
		BackendName:    BackendName,
		BackendVersion: BackendVersion,
	}}
}

// LoadCommon implements strategies.LoadCommonStrategy.
func (s *CommonLoadStrategy) LoadCommon(ctx context.Context, dir string) (state.StateDict, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	store, err := OpenStore(dir)
	if err != nil {
		return nil, err
	}
	defer store.Close()
	return store.GetCommon()
}

// LoadShardedObjects resolves the ShardedObject leaves of the skeleton,
// returning the same structure with decoded values in their place.
func (s *CommonLoadStrategy) LoadShardedObjects(ctx context.Context, objects state.ShardedStateDict, dir string) (state.StateDict, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	store, err := OpenStore(dir)
	if err != nil {
		return nil, err
	}
	defer store.Close()

	return state.MapLeaves(objects, func(path string, leaf any) (any, error) {
		so, ok := leaf.(*state.ShardedObject)
		if !ok {
			return leaf, nil
		}
		read, err := store.GetObject(so.Key, so.ShardID())
		if err != nil {
			return nil, fmt.Errorf("at %q: %w", path, err)
		}
		return read.Value, nil
	})
}
