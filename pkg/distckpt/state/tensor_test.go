package state_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/randalmurphal/distckpt/pkg/distckpt/state"
)

func TestNewTensorValidatesPayloadSize(t *testing.T) {
	_, err := state.NewTensor(state.Float32, state.Shape{2, 2}, make([]byte, 16))
	assert.NoError(t, err)

	_, err = state.NewTensor(state.Float32, state.Shape{2, 2}, make([]byte, 15))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "size mismatch")

	_, err = state.NewTensor(state.Float32, state.Shape{0}, nil)
	assert.Error(t, err)
}

func TestScalarTensor(t *testing.T) {
	tensor, err := state.NewTensor(state.Int64, state.Shape{}, make([]byte, 8))
	require.NoError(t, err)
	assert.Equal(t, 1, tensor.Shape.NumElements())
	assert.Equal(t, 8, tensor.NumBytes())
}

func TestFloat32RoundTrip(t *testing.T) {
	vals := []float32{1.5, -2.25, 0, 3e7}
	tensor, err := state.FromFloat32s(state.Shape{2, 2}, vals)
	require.NoError(t, err)

	got, err := tensor.Float32s()
	require.NoError(t, err)
	assert.Equal(t, vals, got)
}

func TestFloat32sRejectsWrongDType(t *testing.T) {
	tensor, err := state.NewTensor(state.Int32, state.Shape{1}, make([]byte, 4))
	require.NoError(t, err)

	_, err = tensor.Float32s()
	assert.Error(t, err)
}

func TestTensorCloneIsIndependent(t *testing.T) {
	tensor, err := state.FromFloat32s(state.Shape{2}, []float32{1, 2})
	require.NoError(t, err)

	clone := tensor.Clone()
	require.True(t, tensor.Equal(clone))

	clone.Data[0] ^= 0xff
	assert.False(t, tensor.Equal(clone))
}

func TestDataTypeNamesRoundTrip(t *testing.T) {
	for _, dt := range []state.DataType{
		state.Float32, state.Float64, state.Int32, state.Int64,
		state.Uint8, state.Bool, state.BFloat16,
	} {
		parsed, ok := state.ParseDataType(dt.String())
		require.True(t, ok, dt.String())
		assert.Equal(t, dt, parsed)
	}

	_, ok := state.ParseDataType("complex128")
	assert.False(t, ok)
}
