package state

import (
	"fmt"
	"strconv"
	"strings"
)

// ShardedTensor describes one worker's slice of a logical tensor. The
// logical tensor is identified by Key and has GlobalShape/DType; this
// worker holds the Local payload starting at GlobalOffsets. How the
// logical tensor was partitioned is decided by the caller, not here.
//
// A metadata-only ShardedTensor (as returned by metadata loads) carries
// the real global shape and dtype but no payload and no offsets.
type ShardedTensor struct {
	Key           string
	DType         DataType
	GlobalShape   Shape
	GlobalOffsets []int
	Local         *Tensor
	ReplicaID     int
}

// NewShardedTensor creates a shard description for one worker's slice.
// The dtype is taken from the local tensor.
func NewShardedTensor(key string, global Shape, offsets []int, local *Tensor) (*ShardedTensor, error) {
	st := &ShardedTensor{
		Key:           key,
		DType:         local.DType,
		GlobalShape:   global.Clone(),
		GlobalOffsets: append([]int(nil), offsets...),
		Local:         local,
	}
	if err := st.Validate(); err != nil {
		return nil, err
	}
	return st, nil
}

// MetadataOnly creates a ShardedTensor carrying only global shape and dtype.
func MetadataOnly(key string, dtype DataType, global Shape) *ShardedTensor {
	return &ShardedTensor{Key: key, DType: dtype, GlobalShape: global.Clone()}
}

// IsMetadataOnly reports whether the tensor carries no payload.
func (st *ShardedTensor) IsMetadataOnly() bool {
	return st.Local == nil
}

// Validate checks internal consistency of the shard description.
// Metadata-only tensors validate the global shape alone.
func (st *ShardedTensor) Validate() error {
	if st.Key == "" {
		return fmt.Errorf("sharded tensor has empty key")
	}
	if err := st.GlobalShape.Validate(); err != nil {
		return fmt.Errorf("sharded tensor %q: %w", st.Key, err)
	}
	if st.IsMetadataOnly() {
		return nil
	}
	if st.Local.DType != st.DType {
		return fmt.Errorf("sharded tensor %q: local dtype %s differs from declared %s", st.Key, st.Local.DType, st.DType)
	}
	rank := len(st.GlobalShape)
	if len(st.GlobalOffsets) != rank || len(st.Local.Shape) != rank {
		return fmt.Errorf("sharded tensor %q: rank mismatch (global %d, offsets %d, local %d)",
			st.Key, rank, len(st.GlobalOffsets), len(st.Local.Shape))
	}
	for i, off := range st.GlobalOffsets {
		if off < 0 || off+st.Local.Shape[i] > st.GlobalShape[i] {
			return fmt.Errorf("sharded tensor %q: axis %d slice [%d:%d) exceeds global dimension %d",
				st.Key, i, off, off+st.Local.Shape[i], st.GlobalShape[i])
		}
	}
	return nil
}

// ShardID returns a stable discriminator for this shard within its logical
// tensor, derived from the offsets. Backends use it to key per-shard storage.
func (st *ShardedTensor) ShardID() string {
	return offsetsID(st.GlobalOffsets)
}

// Clone returns a deep copy of the shard description and payload.
func (st *ShardedTensor) Clone() *ShardedTensor {
	out := &ShardedTensor{
		Key:           st.Key,
		DType:         st.DType,
		GlobalShape:   st.GlobalShape.Clone(),
		GlobalOffsets: append([]int(nil), st.GlobalOffsets...),
		ReplicaID:     st.ReplicaID,
	}
	if st.Local != nil {
		out.Local = st.Local.Clone()
	}
	return out
}

// ShardedObject is an arbitrary serializable value with sharding metadata
// but no numeric partitioning semantics. ShardShape is the global shard
// grid and ShardOffsets is this worker's position in it.
type ShardedObject struct {
	Key          string
	Value        any
	ShardShape   Shape
	ShardOffsets []int
	ReplicaID    int
}

// Validate checks that the shard position fits the shard grid.
func (so *ShardedObject) Validate() error {
	if so.Key == "" {
		return fmt.Errorf("sharded object has empty key")
	}
	if len(so.ShardOffsets) != len(so.ShardShape) {
		return fmt.Errorf("sharded object %q: offsets rank %d does not match grid rank %d",
			so.Key, len(so.ShardOffsets), len(so.ShardShape))
	}
	for i, off := range so.ShardOffsets {
		if off < 0 || off >= so.ShardShape[i] {
			return fmt.Errorf("sharded object %q: axis %d position %d outside grid dimension %d",
				so.Key, i, off, so.ShardShape[i])
		}
	}
	return nil
}

// ShardID returns a stable discriminator for this shard within its grid.
func (so *ShardedObject) ShardID() string {
	return offsetsID(so.ShardOffsets)
}

func offsetsID(offsets []int) string {
	if len(offsets) == 0 {
		return "0"
	}
	parts := make([]string, len(offsets))
	for i, off := range offsets {
		parts[i] = strconv.Itoa(off)
	}
	return strings.Join(parts, "_")
}
