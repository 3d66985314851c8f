package tensor

import (
	"fmt"
	"unsafe"

	"github.com/x448/float16"
)

// RawTensor is the low-level host tensor representation: a contiguous
// row-major byte buffer plus shape and element type.
type RawTensor struct {
	data  []byte
	shape Shape
	dtype DataType
}

// NewRaw creates a new RawTensor with the given shape and type.
// Memory is zero-initialized. Shapes with a zero dimension are allowed and
// produce an empty tensor.
func NewRaw(shape Shape, dtype DataType) (*RawTensor, error) {
	if err := shape.Validate(); err != nil {
		return nil, fmt.Errorf("invalid shape: %w", err)
	}

	return &RawTensor{
		data:  make([]byte, shape.NumElements()*dtype.Size()),
		shape: shape.Clone(),
		dtype: dtype,
	}, nil
}

// Wrap creates a RawTensor viewing data without copying it.
// data must hold at least shape.NumElements() elements of dtype.
func Wrap(data []byte, shape Shape, dtype DataType) (*RawTensor, error) {
	if err := shape.Validate(); err != nil {
		return nil, fmt.Errorf("invalid shape: %w", err)
	}
	need := shape.NumElements() * dtype.Size()
	if len(data) < need {
		return nil, fmt.Errorf("wrap: buffer holds %d bytes, shape %v of %s needs %d", len(data), shape, dtype, need)
	}
	return &RawTensor{data: data[:need], shape: shape.Clone(), dtype: dtype}, nil
}

// FromFloat32 creates a tensor of the given type from float32 values,
// converting each element.
func FromFloat32(shape Shape, dtype DataType, values []float32) (*RawTensor, error) {
	t, err := NewRaw(shape, dtype)
	if err != nil {
		return nil, err
	}
	if len(values) != t.NumElements() {
		return nil, fmt.Errorf("from float32: got %d values for shape %v", len(values), shape)
	}
	t.SetFloat32s(values)
	return t, nil
}

// Shape returns the tensor's shape.
func (r *RawTensor) Shape() Shape {
	return r.shape
}

// DType returns the tensor's data type.
func (r *RawTensor) DType() DataType {
	return r.dtype
}

// NumElements returns the total number of elements.
func (r *RawTensor) NumElements() int {
	return r.shape.NumElements()
}

// ByteSize returns the total memory size in bytes.
func (r *RawTensor) ByteSize() int {
	return r.NumElements() * r.dtype.Size()
}

// Data returns the raw byte slice.
// WARNING: Direct access to underlying memory. Use with caution.
func (r *RawTensor) Data() []byte {
	return r.data
}

// AsFloat32 interprets the data as []float32.
// Panics if the tensor's dtype is not Float32.
func (r *RawTensor) AsFloat32() []float32 {
	if r.dtype != Float32 {
		panic(fmt.Sprintf("tensor dtype is %s, not float32", r.dtype))
	}
	return BytesAsFloat32(r.data)
}

// AsFloat64 interprets the data as []float64.
// Panics if the tensor's dtype is not Float64.
func (r *RawTensor) AsFloat64() []float64 {
	if r.dtype != Float64 {
		panic(fmt.Sprintf("tensor dtype is %s, not float64", r.dtype))
	}
	return BytesAsFloat64(r.data)
}

// AsFloat16 interprets the data as []float16.Float16.
// Panics if the tensor's dtype is not Float16.
func (r *RawTensor) AsFloat16() []float16.Float16 {
	if r.dtype != Float16 {
		panic(fmt.Sprintf("tensor dtype is %s, not float16", r.dtype))
	}
	return BytesAsFloat16(r.data)
}

// Float32s returns a float32 copy of the elements regardless of dtype.
func (r *RawTensor) Float32s() []float32 {
	return DecodeFloat32(r.data, r.dtype, r.NumElements())
}

// SetFloat32s overwrites the elements from float32 values, converting to
// the tensor's dtype.
func (r *RawTensor) SetFloat32s(values []float32) {
	EncodeFloat32(r.data, r.dtype, values)
}

// BytesAsFloat32 reinterprets b as float32 elements.
func BytesAsFloat32(b []byte) []float32 {
	if len(b) < 4 {
		return nil
	}
	//nolint:gosec // unsafe.Slice for zero-copy access, length derived from the byte slice
	return unsafe.Slice((*float32)(unsafe.Pointer(&b[0])), len(b)/4)
}

// BytesAsFloat64 reinterprets b as float64 elements.
func BytesAsFloat64(b []byte) []float64 {
	if len(b) < 8 {
		return nil
	}
	//nolint:gosec // unsafe.Slice for zero-copy access, length derived from the byte slice
	return unsafe.Slice((*float64)(unsafe.Pointer(&b[0])), len(b)/8)
}

// BytesAsFloat16 reinterprets b as float16 elements.
func BytesAsFloat16(b []byte) []float16.Float16 {
	if len(b) < 2 {
		return nil
	}
	//nolint:gosec // unsafe.Slice for zero-copy access, length derived from the byte slice
	return unsafe.Slice((*float16.Float16)(unsafe.Pointer(&b[0])), len(b)/2)
}

// DecodeFloat32 reads n elements of dtype from b into a new float32 slice.
func DecodeFloat32(b []byte, dtype DataType, n int) []float32 {
	out := make([]float32, n)
	switch dtype {
	case Float32:
		copy(out, BytesAsFloat32(b))
	case Float64:
		for i, v := range BytesAsFloat64(b)[:n] {
			out[i] = float32(v)
		}
	case Float16:
		for i, v := range BytesAsFloat16(b)[:n] {
			out[i] = v.Float32()
		}
	default:
		panic(fmt.Sprintf("decode: unsupported dtype %s", dtype))
	}
	return out
}

// EncodeFloat32 writes values into b as elements of dtype.
func EncodeFloat32(b []byte, dtype DataType, values []float32) {
	switch dtype {
	case Float32:
		copy(BytesAsFloat32(b), values)
	case Float64:
		dst := BytesAsFloat64(b)
		for i, v := range values {
			dst[i] = float64(v)
		}
	case Float16:
		dst := BytesAsFloat16(b)
		for i, v := range values {
			dst[i] = float16.Fromfloat32(v)
		}
	default:
		panic(fmt.Sprintf("encode: unsupported dtype %s", dtype))
	}
}
