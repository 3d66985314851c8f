// Package tensor provides the host tensor types used by the convolution engine.
package tensor

// DataType represents runtime type information for tensors.
type DataType int

// Supported data types for tensors.
const (
	Float32 DataType = iota
	Float64
	Float16
)

// Size returns the byte size of the data type.
func (dt DataType) Size() int {
	switch dt {
	case Float32:
		return 4
	case Float64:
		return 8
	case Float16:
		return 2
	default:
		panic("unknown data type")
	}
}

// IsReducedPrecision reports whether the type is narrower than float32.
// Such types are eligible for tensor-core math on the convolution library.
func (dt DataType) IsReducedPrecision() bool {
	return dt == Float16
}

// String returns a human-readable name for the data type.
func (dt DataType) String() string {
	switch dt {
	case Float32:
		return "float32"
	case Float64:
		return "float64"
	case Float16:
		return "float16"
	default:
		return "unknown"
	}
}

// ParseDataType converts a name produced by String back to a DataType.
func ParseDataType(s string) (DataType, bool) {
	switch s {
	case "float32", "f32":
		return Float32, true
	case "float64", "f64":
		return Float64, true
	case "float16", "f16":
		return Float16, true
	default:
		return 0, false
	}
}
