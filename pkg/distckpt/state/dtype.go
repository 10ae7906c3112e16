// Package state defines the in-memory model for distributed checkpoints:
// nested state dictionaries, tensors, and the sharded wrappers that describe
// how a logical tensor or object is partitioned across workers.
package state

// DataType identifies the element type of a tensor.
type DataType int

// Supported tensor element types.
const (
	Float32 DataType = iota
	Float64
	Int32
	Int64
	Uint8
	Bool
	BFloat16
)

// Size returns the byte size of one element.
func (dt DataType) Size() int {
	switch dt {
	case Float32, Int32:
		return 4
	case Float64, Int64:
		return 8
	case Uint8, Bool:
		return 1
	case BFloat16:
		return 2
	default:
		panic("unknown data type")
	}
}

// String returns a human-readable name for the data type.
// The names are stable and used verbatim in persisted headers.
func (dt DataType) String() string {
	switch dt {
	case Float32:
		return "float32"
	case Float64:
		return "float64"
	case Int32:
		return "int32"
	case Int64:
		return "int64"
	case Uint8:
		return "uint8"
	case Bool:
		return "bool"
	case BFloat16:
		return "bfloat16"
	default:
		return "unknown"
	}
}

// ParseDataType converts a persisted name back to a DataType.
func ParseDataType(s string) (DataType, bool) {
	switch s {
	case "float32":
		return Float32, true
	case "float64":
		return Float64, true
	case "int32":
		return Int32, true
	case "int64":
		return Int64, true
	case "uint8":
		return Uint8, true
	case "bool":
		return Bool, true
	case "bfloat16":
		return BFloat16, true
	default:
		return 0, false
	}
}
