// Package filestore persists checkpoints as plain directories: a JSON
// document for the common state, one binary file per tensor shard, and one
// JSON record per object shard. It is the default backend and the only
// built-in one with native async save support.
package filestore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/randalmurphal/distckpt/pkg/distckpt/async"
	"github.com/randalmurphal/distckpt/pkg/distckpt/state"
	"github.com/randalmurphal/distckpt/pkg/distckpt/strategies"
)

const (
	// BackendName is the identity under which the file backend registers.
	BackendName = "file"
	// BackendVersion is the current directory format revision.
	BackendVersion = 1

	// Hint is surfaced alongside ErrBackendUnavailable when activation fails.
	Hint = "check that the process can create files in the checkpoint directory"
)

// Register installs the file backend's strategies into the registry.
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

// SaveStrategy writes sharded tensors, one shard file per (key, offsets)
// pair. It does not persist ShardedObject leaves; those route to the
// common strategy.
type SaveStrategy struct {
	strategies.SaveStrategyBase
}

// NewSaveStrategy creates the sharded writer for the file backend.
func NewSaveStrategy() *SaveStrategy {
	return &SaveStrategy{SaveStrategyBase: strategies.SaveStrategyBase{
		Name:           "FileSave",
		BackendName:    BackendName,
		BackendVersion: BackendVersion,
	}}
}

// AsyncSave snapshots every shard payload before returning, so callers may
// reuse or mutate their buffers immediately. The returned request writes
// the shard files on execute (temp file plus rename per shard) and marks
// the checkpoint committed on finalize.
func (s *SaveStrategy) AsyncSave(ctx context.Context, sharded state.ShardedStateDict, dir string) (*async.Request, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := state.ValidateSharded(sharded); err != nil {
		return nil, fmt.Errorf("validate sharded state: %w", err)
	}
	if objs := state.ShardedObjects(sharded); len(objs) > 0 {
		return nil, &strategies.Error{
			Op:  "save",
			Err: fmt.Errorf("%w: %s does not persist sharded objects", strategies.ErrUnsupportedOperation, s),
		}
	}

	tensors := state.ShardedTensors(sharded)
	shards := make([]*state.ShardedTensor, 0, len(tensors))
	for path, st := range tensors {
		if st.IsMetadataOnly() {
			return nil, fmt.Errorf("sharded tensor at %q carries no payload", path)
		}
		shards = append(shards, st.Clone())
	}

	l := newLayout(dir)
	execute := func() error {
		for _, st := range shards {
			data, err := encodeShard(st, flagChecksum)
			if err != nil {
				return fmt.Errorf("encode shard %q: %w", st.Key, err)
			}
			if err := writeFileAtomic(l.shardPath(st.Key, st.ShardID()), data); err != nil {
				return fmt.Errorf("write shard %q: %w", st.Key, err)
			}
		}
		return l.writeSaveState(saveState{Committed: false, UpdatedAt: time.Now().UTC()})
	}
	finalize := func() error {
		return l.writeSaveState(saveState{Committed: true, UpdatedAt: time.Now().UTC()})
	}
	return async.NewRequest(execute, finalize), nil
}

// Save is the synchronous facade over AsyncSave: the request is scheduled
// on the process-wide queue and finalized in blocking mode before Save
// returns.
func (s *SaveStrategy) Save(ctx context.Context, sharded state.ShardedStateDict, dir string) error {
	return strategies.SaveSync(ctx, s, sharded, dir, nil)
}

// CommonSaveStrategy writes the replicated state as a single JSON document
// and object shards as individual JSON records.
type CommonSaveStrategy struct {
	strategies.SaveStrategyBase
}

// NewCommonSaveStrategy creates the common-state writer for the file backend.
func NewCommonSaveStrategy() *CommonSaveStrategy {
	return &CommonSaveStrategy{SaveStrategyBase: strategies.SaveStrategyBase{
		Name:           "FileCommonSave",
		BackendName:    BackendName,
		BackendVersion: BackendVersion,
	}}
}

// SaveCommon implements strategies.SaveCommonStrategy.
func (s *CommonSaveStrategy) SaveCommon(ctx context.Context, st state.StateDict, dir string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return fmt.Errorf("encode common state: %w", err)
	}
	if err := writeFileAtomic(newLayout(dir).commonPath(), data); err != nil {
		return fmt.Errorf("write common state: %w", err)
	}
	return nil
}

// SaveShardedObjects implements strategies.ShardedObjectsSaver. Each object
// shard becomes its own JSON record keyed by (key, grid position).
func (s *CommonSaveStrategy) SaveShardedObjects(ctx context.Context, objects state.ShardedStateDict, dir string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	l := newLayout(dir)
	for path, so := range state.ShardedObjects(objects) {
		if err := so.Validate(); err != nil {
			return fmt.Errorf("at %q: %w", path, err)
		}
		value, err := json.Marshal(so.Value)
		if err != nil {
			return fmt.Errorf("encode object %q: %w", so.Key, err)
		}
		rec := objectRecord{
			Key:          so.Key,
			ShardShape:   so.ShardShape,
			ShardOffsets: so.ShardOffsets,
			ReplicaID:    so.ReplicaID,
			Value:        value,
		}
		data, err := json.Marshal(rec)
		if err != nil {
			return fmt.Errorf("encode object record %q: %w", so.Key, err)
		}
		if err := writeFileAtomic(l.objectPath(so.Key, so.ShardID()), data); err != nil {
			return fmt.Errorf("write object %q: %w", so.Key, err)
		}
	}
	return nil
}

// LoadStrategy reads sharded tensors back from their shard files.
type LoadStrategy struct {
	strategies.LoadStrategyBase
}

// NewLoadStrategy creates the sharded reader for the file backend.
func NewLoadStrategy() *LoadStrategy {
	return &LoadStrategy{LoadStrategyBase: strategies.LoadStrategyBase{
		Name:           "FileLoad",
		BackendName:    BackendName,
		BackendVersion: BackendVersion,
	}}
}

// Load fulfills each requested shard from its file, returning the dict with
// local tensor data in place of the shard descriptions. Requests must carry
// the same offsets the shards were written with; this backend does not
// reshard.
func (s *LoadStrategy) Load(ctx context.Context, sharded state.ShardedStateDict, dir string) (state.StateDict, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	l := newLayout(dir)
	return state.MapLeaves(sharded, func(path string, leaf any) (any, error) {
		switch want := leaf.(type) {
		case *state.ShardedTensor:
			read, err := readShardFile(l.shardPath(want.Key, want.ShardID()))
			if err != nil {
				return nil, fmt.Errorf("load shard %q at %q: %w", want.Key, path, err)
			}
			if read.DType != want.DType {
				return nil, fmt.Errorf("shard %q: stored dtype %s, requested %s", want.Key, read.DType, want.DType)
			}
			if !read.GlobalShape.Equal(want.GlobalShape) {
				return nil, fmt.Errorf("shard %q: stored global shape %v, requested %v", want.Key, read.GlobalShape, want.GlobalShape)
			}
			return read.Local, nil
		case *state.ShardedObject:
			return nil, &strategies.Error{
				Op:  "load",
				Err: fmt.Errorf("%w: %s does not load sharded objects", strategies.ErrUnsupportedOperation, s),
			}
		default:
			return leaf, nil
		}
	})
}

// LoadTensorsMetadata scans shard headers only; payloads are never read.
// The result is keyed by raw storage keys with one metadata-only entry per
// logical tensor.
func (s *LoadStrategy) LoadTensorsMetadata(ctx context.Context, dir string) (state.ShardedStateDict, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	l := newLayout(dir)
	entries, err := os.ReadDir(l.shardsPath())
	if errors.Is(err, fs.ErrNotExist) {
		return state.ShardedStateDict{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan shards: %w", err)
	}

	out := state.ShardedStateDict{}
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), shardExt) {
			continue
		}
		hdr, err := readShardHeader(filepath.Join(l.shardsPath(), e.Name()))
		if err != nil {
			return nil, fmt.Errorf("read shard header %s: %w", e.Name(), err)
		}
		dtype, ok := state.ParseDataType(hdr.DType)
		if !ok {
			return nil, fmt.Errorf("shard %s: unknown dtype %q", e.Name(), hdr.DType)
		}
		out[hdr.Key] = state.MetadataOnly(hdr.Key, dtype, state.Shape(hdr.GlobalShape))
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
	recs, err := newLayout(dir).readObjectRecords()
	if err != nil {
		return nil, err
	}
	for _, rec := range recs {
		so := &state.ShardedObject{
			Key:          rec.Key,
			ShardShape:   state.Shape(rec.ShardShape),
			ShardOffsets: rec.ShardOffsets,
			ReplicaID:    rec.ReplicaID,
		}
		out[rec.Key+"/shard_"+so.ShardID()] = so
	}
	return out, nil
}

// RemoveShardedTensors implements strategies.ShardedTensorRemover, deleting
// every shard whose storage key starts with the prefix.
func (s *LoadStrategy) RemoveShardedTensors(ctx context.Context, dir, keyPrefix string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	l := newLayout(dir)
	entries, err := os.ReadDir(l.shardsPath())
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("scan shards: %w", err)
	}
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), shardExt) {
			continue
		}
		key, _, ok := splitShardName(e.Name())
		if !ok || !strings.HasPrefix(key, keyPrefix) {
			continue
		}
		if err := os.Remove(filepath.Join(l.shardsPath(), e.Name())); err != nil {
			return fmt.Errorf("remove shard %q: %w", key, err)
		}
	}
	return nil
}

// CommonLoadStrategy reads the replicated state and resolves object shards.
type CommonLoadStrategy struct {
	strategies.LoadStrategyBase
}

// NewCommonLoadStrategy creates the common-state reader for the file backend.
func NewCommonLoadStrategy() *CommonLoadStrategy {
	return &CommonLoadStrategy{LoadStrategyBase: strategies.LoadStrategyBase{
		Name:           "FileCommonLoad",
		BackendName:    BackendName,
		BackendVersion: BackendVersion,
	}}
}

// LoadCommon implements strategies.LoadCommonStrategy.
func (s *CommonLoadStrategy) LoadCommon(ctx context.Context, dir string) (state.StateDict, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(newLayout(dir).commonPath())
	if err != nil {
		return nil, fmt.Errorf("read common state: %w", err)
	}
	var st state.StateDict
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, fmt.Errorf("decode common state: %w", err)
	}
	return st, nil
}

// LoadShardedObjects resolves the ShardedObject leaves of the skeleton,
// returning the same structure with decoded values in their place.
func (s *CommonLoadStrategy) LoadShardedObjects(ctx context.Context, objects state.ShardedStateDict, dir string) (state.StateDict, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	l := newLayout(dir)
	return state.MapLeaves(objects, func(path string, leaf any) (any, error) {
		so, ok := leaf.(*state.ShardedObject)
		if !ok {
			return leaf, nil
		}
		rec, err := readObjectFile(l.objectPath(so.Key, so.ShardID()))
		if err != nil {
			return nil, fmt.Errorf("load object %q at %q: %w", so.Key, path, err)
		}
		var value any
		if err := json.Unmarshal(rec.Value, &value); err != nil {
			return nil, fmt.Errorf("decode object %q: %w", so.Key, err)
		}
		return value, nil
	})
}
