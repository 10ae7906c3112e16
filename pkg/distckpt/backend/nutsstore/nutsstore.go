// Package nutsstore persists the common checkpoint state in a nutsdb
// key/value store. It is a common-only backend: it registers no sharded
// strategies, so resolving a sharded action against it yields
// strategies.ErrStrategyNotFound. Useful for configuration-style
// checkpoints with no tensor payloads.
package nutsstore

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"

	"github.com/xujiajun/nutsdb"

	"github.com/randalmurphal/distckpt/pkg/distckpt/state"
	"github.com/randalmurphal/distckpt/pkg/distckpt/strategies"
)

const (
	// BackendName is the identity under which the nuts backend registers.
	BackendName = "nuts"
	// BackendVersion is the current storage revision.
	BackendVersion = 1

	// Hint is surfaced alongside ErrBackendUnavailable when activation fails.
	Hint = "ensure the nutsdb data directory is writable"

	dataSubdir   = "nuts"
	commonBucket = "common"
)

// Register installs the nuts backend's strategies into the registry. Only
// the common actions are registered.
func Register(r *strategies.Registry) {
	r.Register(strategies.NewID(strategies.ActionSaveCommon, BackendName, BackendVersion), NewCommonSaveStrategy())
	r.Register(strategies.NewID(strategies.ActionLoadCommon, BackendName, BackendVersion), NewCommonLoadStrategy())
}

// Activate is the backend's lazy activation routine for
// strategies.RegisterBackend.
func Activate(r *strategies.Registry) error {
	Register(r)
	return nil
}

func openDB(dir string) (*nutsdb.DB, error) {
	opts := nutsdb.DefaultOptions
	opts.Dir = filepath.Join(dir, dataSubdir)
	db, err := nutsdb.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open nutsdb store: %w", err)
	}
	return db, nil
}

func hasBucket(db *nutsdb.DB, name string) (bool, error) {
	found := false
	err := db.View(func(tx *nutsdb.Tx) error {
		return tx.IterateBuckets(nutsdb.DataStructureBPTree, "*", func(bucket string) bool {
			if bucket == name {
				found = true
				return false
			}
			return true
		})
	})
	if err != nil {
		return false, fmt.Errorf("scan buckets: %w", err)
	}
	return found, nil
}

// CommonSaveStrategy writes the replicated state, one entry per top-level
// key, values JSON-encoded.
type CommonSaveStrategy struct {
	strategies.SaveStrategyBase
}

// NewCommonSaveStrategy creates the common-state writer for the nuts backend.
func NewCommonSaveStrategy() *CommonSaveStrategy {
	return &CommonSaveStrategy{SaveStrategyBase: strategies.SaveStrategyBase{
		Name:           "NutsCommonSave",
		BackendName:    BackendName,
		BackendVersion: BackendVersion,
	}}
}

// SaveCommon implements strategies.SaveCommonStrategy. The stored document
// is replaced wholesale so stale keys from a previous save do not linger.
func (s *CommonSaveStrategy) SaveCommon(ctx context.Context, st state.StateDict, dir string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	db, err := openDB(dir)
	if err != nil {
		return err
	}
	defer db.Close()

	exists, err := hasBucket(db, commonBucket)
	if err != nil {
		return err
	}
	if exists {
		if err := db.Update(func(tx *nutsdb.Tx) error {
			return tx.DeleteBucket(nutsdb.DataStructureBPTree, commonBucket)
		}); err != nil {
			return fmt.Errorf("clear common state: %w", err)
		}
	}

	return db.Update(func(tx *nutsdb.Tx) error {
		for key, value := range st {
			data, err := json.Marshal(value)
			if err != nil {
				return fmt.Errorf("encode common entry %q: %w", key, err)
			}
			if err := tx.Put(commonBucket, []byte(key), data, 0); err != nil {
				return fmt.Errorf("save common entry %q: %w", key, err)
			}
		}
		return nil
	})
}

// CommonLoadStrategy reads the replicated state back.
type CommonLoadStrategy struct {
	strategies.LoadStrategyBase
}

// NewCommonLoadStrategy creates the common-state reader for the nuts backend.
func NewCommonLoadStrategy() *CommonLoadStrategy {
	return &CommonLoadStrategy{LoadStrategyBase: strategies.LoadStrategyBase{
		Name:           "NutsCommonLoad",
		BackendName:    BackendName,
		BackendVersion: BackendVersion,
	}}
}

// LoadCommon implements strategies.LoadCommonStrategy. A checkpoint with no
// stored entries yields an empty dict.
func (s *CommonLoadStrategy) LoadCommon(ctx context.Context, dir string) (state.StateDict, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	db, err := openDB(dir)
	if err != nil {
		return nil, err
	}
	defer db.Close()

	exists, err := hasBucket(db, commonBucket)
	if err != nil {
		return nil, err
	}
	st := state.StateDict{}
	if !exists {
		return st, nil
	}

	err = db.View(func(tx *nutsdb.Tx) error {
		entries, err := tx.GetAll(commonBucket)
		if err != nil {
			return fmt.Errorf("load common state: %w", err)
		}
		for _, entry := range entries {
			var value any
			if err := json.Unmarshal(entry.Value, &value); err != nil {
				return fmt.Errorf("decode common entry %q: %w", string(entry.Key), err)
			}
			st[string(entry.Key)] = value
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return st, nil
}

// LoadShardedObjects implements strategies.LoadCommonStrategy. The nuts
// backend stores no object shards.
func (s *CommonLoadStrategy) LoadShardedObjects(ctx context.Context, objects state.ShardedStateDict, dir string) (state.StateDict, error) {
	return nil, &strategies.Error{
		Op:  "load sharded objects",
		Err: fmt.Errorf("%w: %s stores only common state", strategies.ErrUnsupportedOperation, s),
	}
}
