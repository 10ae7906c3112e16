package benchmarks

import (
	"testing"

	"github.com/randalmurphal/distckpt/pkg/distckpt/state"
)

// BenchmarkSplitSharded measures partitioning a dict into sharded and
// common halves.
func BenchmarkSplitSharded(b *testing.B) {
	sd := wideState(b, 16)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_, _ = state.SplitSharded(sd)
	}
}

// BenchmarkMerge measures overlaying one dict onto another.
func BenchmarkMerge(b *testing.B) {
	_, common := state.SplitSharded(wideState(b, 16))

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		dst := state.StateDict{}
		_ = state.Merge(dst, common)
	}
}

// BenchmarkWalk measures depth-first leaf traversal.
func BenchmarkWalk(b *testing.B) {
	sd := wideState(b, 16)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		n := 0
		state.Walk(sd, func(path string, leaf any) { n++ })
	}
}

// BenchmarkShardedTensors measures collecting tensor leaves by path.
func BenchmarkShardedTensors(b *testing.B) {
	sd := wideState(b, 16)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_ = state.ShardedTensors(sd)
	}
}

// BenchmarkValidateSharded measures whole-dict shard validation.
func BenchmarkValidateSharded(b *testing.B) {
	sd := wideState(b, 16)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_ = state.ValidateSharded(sd)
	}
}

// Helper functions

// wideState builds a dict with n sharded tensors and n common leaves
// spread over nested subtrees.
func wideState(b *testing.B, n int) state.ShardedStateDict {
	b.Helper()
	model := state.StateDict{}
	for i := 0; i < n; i++ {
		key := "layer." + string(rune('a'+i)) + ".weight"
		local, err := state.FromFloat32s(state.Shape{4}, []float32{1, 2, 3, 4})
		if err != nil {
			b.Fatal(err)
		}
		st, err := state.NewShardedTensor(key, state.Shape{8}, []int{0}, local)
		if err != nil {
			b.Fatal(err)
		}
		model[key] = st
	}
	common := state.StateDict{}
	for i := 0; i < n; i++ {
		common["param."+string(rune('a'+i))] = float64(i)
	}
	return state.ShardedStateDict{
		"model":     model,
		"optimizer": common,
		"iteration": 1000,
	}
}
