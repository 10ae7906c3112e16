package state_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/randalmurphal/distckpt/pkg/distckpt/state"
)

func testTensor(t *testing.T, vals ...float32) *state.Tensor {
	t.Helper()
	tensor, err := state.FromFloat32s(state.Shape{len(vals)}, vals)
	require.NoError(t, err)
	return tensor
}

func TestWalkVisitsLeavesInOrder(t *testing.T) {
	sd := state.StateDict{
		"b": state.StateDict{
			"y": 2,
			"x": 1,
		},
		"a": "first",
	}

	var paths []string
	state.Walk(sd, func(path string, leaf any) {
		paths = append(paths, path)
	})

	assert.Equal(t, []string{"a", "b.x", "b.y"}, paths)
}

func TestWalkHandlesPlainMaps(t *testing.T) {
	sd := state.StateDict{
		"outer": map[string]any{"inner": 7},
	}

	var got any
	state.Walk(sd, func(path string, leaf any) {
		if path == "outer.inner" {
			got = leaf
		}
	})

	assert.Equal(t, 7, got)
}

func TestSplitSharded(t *testing.T) {
	tensor := testTensor(t, 1, 2, 3)
	st, err := state.NewShardedTensor("model.weight", state.Shape{3}, []int{0}, tensor)
	require.NoError(t, err)
	obj := &state.ShardedObject{Key: "rng", Value: "seed-state", ShardShape: state.Shape{2}, ShardOffsets: []int{0}}

	sd := state.ShardedStateDict{
		"model": state.StateDict{
			"weight": st,
			"config": "adam",
		},
		"rng":  obj,
		"step": 100,
	}

	sharded, common := state.SplitSharded(sd)

	// Sharded side holds exactly the sharded leaves, nesting intact.
	assert.Same(t, st, sharded["model"].(state.StateDict)["weight"])
	assert.Same(t, obj, sharded["rng"])
	_, hasStep := sharded["step"]
	assert.False(t, hasStep)

	// Common side holds the rest, including the nested dict structure.
	assert.Equal(t, "adam", common["model"].(state.StateDict)["config"])
	assert.Equal(t, 100, common["step"])
	_, hasWeight := common["model"].(state.StateDict)["weight"]
	assert.False(t, hasWeight)

	// Input not mutated.
	assert.Len(t, sd, 3)
	assert.Len(t, sd["model"].(state.StateDict), 2)
}

func TestSplitShardedKeepsEmptyCommonStructure(t *testing.T) {
	tensor := testTensor(t, 1)
	st, err := state.NewShardedTensor("w", state.Shape{1}, []int{0}, tensor)
	require.NoError(t, err)

	sd := state.ShardedStateDict{
		"only_sharded": state.StateDict{"w": st},
	}

	sharded, common := state.SplitSharded(sd)

	assert.Len(t, state.ShardedTensors(sharded), 1)
	// The structural key survives on the common side even with no leaves.
	nested, ok := common["only_sharded"].(state.StateDict)
	require.True(t, ok)
	assert.Empty(t, nested)
}

func TestMergeOverlaysRecursively(t *testing.T) {
	dst := state.StateDict{
		"model": state.StateDict{"weight": "old", "bias": "keep"},
		"step":  1,
	}
	src := state.StateDict{
		"model": state.StateDict{"weight": "new"},
		"extra": true,
	}

	out := state.Merge(dst, src)

	model := out["model"].(state.StateDict)
	assert.Equal(t, "new", model["weight"])
	assert.Equal(t, "keep", model["bias"])
	assert.Equal(t, 1, out["step"])
	assert.Equal(t, true, out["extra"])

	// Inputs untouched.
	assert.Equal(t, "old", dst["model"].(state.StateDict)["weight"])
	_, hasExtra := dst["extra"]
	assert.False(t, hasExtra)
}

func TestMapLeavesPreservesStructure(t *testing.T) {
	sd := state.StateDict{
		"a": 1,
		"nested": state.StateDict{
			"b": 2,
		},
	}

	out, err := state.MapLeaves(sd, func(path string, leaf any) (any, error) {
		return leaf.(int) * 10, nil
	})
	require.NoError(t, err)

	assert.Equal(t, 10, out["a"])
	assert.Equal(t, 20, out["nested"].(state.StateDict)["b"])
	// Original untouched.
	assert.Equal(t, 1, sd["a"])
}

func TestMapLeavesPropagatesError(t *testing.T) {
	sd := state.StateDict{"a": state.StateDict{"bad": 1}}

	_, err := state.MapLeaves(sd, func(path string, leaf any) (any, error) {
		return nil, assert.AnError
	})

	assert.ErrorIs(t, err, assert.AnError)
}

func TestShardedCollectors(t *testing.T) {
	tensor := testTensor(t, 1, 2)
	st, err := state.NewShardedTensor("w", state.Shape{2}, []int{0}, tensor)
	require.NoError(t, err)
	obj := &state.ShardedObject{Key: "o", Value: 1, ShardShape: state.Shape{1}, ShardOffsets: []int{0}}

	sd := state.ShardedStateDict{
		"layers": state.StateDict{"0": st},
		"o":      obj,
	}

	tensors := state.ShardedTensors(sd)
	require.Len(t, tensors, 1)
	assert.Same(t, st, tensors["layers.0"])

	objects := state.ShardedObjects(sd)
	require.Len(t, objects, 1)
	assert.Same(t, obj, objects["o"])
}

func TestValidateSharded(t *testing.T) {
	good := testTensor(t, 1, 2)
	st, err := state.NewShardedTensor("w", state.Shape{4}, []int{0}, good)
	require.NoError(t, err)

	sd := state.ShardedStateDict{"w": st}
	assert.NoError(t, state.ValidateSharded(sd))

	// Offsets past the global bound fail.
	st.GlobalOffsets = []int{3}
	err = state.ValidateSharded(sd)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "exceeds global dimension")
}
