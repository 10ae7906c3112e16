package state

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math"
)

// Tensor is a dense in-memory tensor: element type, dimensions, and the raw
// little-endian payload. The payload length must always equal
// Shape.NumElements() * DType.Size().
type Tensor struct {
	DType DataType
	Shape Shape
	Data  []byte
}

// NewTensor creates a tensor after validating shape and payload length.
func NewTensor(dtype DataType, shape Shape, data []byte) (*Tensor, error) {
	if err := shape.Validate(); err != nil {
		return nil, err
	}
	want := shape.NumElements() * dtype.Size()
	if len(data) != want {
		return nil, fmt.Errorf("tensor data size mismatch: have %d bytes, want %d for %s%v", len(data), want, dtype, shape)
	}
	return &Tensor{DType: dtype, Shape: shape.Clone(), Data: data}, nil
}

// NumBytes returns the expected payload size for the tensor's shape and dtype.
func (t *Tensor) NumBytes() int {
	return t.Shape.NumElements() * t.DType.Size()
}

// Clone returns a deep copy of the tensor.
func (t *Tensor) Clone() *Tensor {
	data := make([]byte, len(t.Data))
	copy(data, t.Data)
	return &Tensor{DType: t.DType, Shape: t.Shape.Clone(), Data: data}
}

// Equal reports whether two tensors have identical dtype, shape, and payload.
func (t *Tensor) Equal(other *Tensor) bool {
	if t == nil || other == nil {
		return t == other
	}
	return t.DType == other.DType && t.Shape.Equal(other.Shape) && bytes.Equal(t.Data, other.Data)
}

// FromFloat32s builds a Float32 tensor from a value slice.
func FromFloat32s(shape Shape, vals []float32) (*Tensor, error) {
	if len(vals) != shape.NumElements() {
		return nil, fmt.Errorf("value count mismatch: have %d, want %d for shape %v", len(vals), shape.NumElements(), shape)
	}
	data := make([]byte, len(vals)*4)
	for i, v := range vals {
		binary.LittleEndian.PutUint32(data[i*4:], math.Float32bits(v))
	}
	return NewTensor(Float32, shape, data)
}

// Float32s decodes the payload as float32 values.
// Returns an error if the tensor's dtype is not Float32.
func (t *Tensor) Float32s() ([]float32, error) {
	if t.DType != Float32 {
		return nil, fmt.Errorf("cannot decode %s tensor as float32", t.DType)
	}
	vals := make([]float32, t.Shape.NumElements())
	for i := range vals {
		vals[i] = math.Float32frombits(binary.LittleEndian.Uint32(t.Data[i*4:]))
	}
	return vals, nil
}
