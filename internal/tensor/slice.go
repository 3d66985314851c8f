package tensor

import (
	"errors"
	"fmt"
)

// SliceMeta describes a strided sub-region of a tensor: one start and step
// per axis of the source, plus the resulting dimensions.
type SliceMeta struct {
	Starts     []int
	Steps      []int
	OutputDims Shape
}

// PrepareSlice resolves Slice operator parameters against dims.
//
// starts and ends are paired with axes (all axes in order when axes is
// empty). Negative starts/ends count from the end of the axis and both are
// clamped to [0, dim]. Steps default to 1 and must be positive. Axes that
// are not named keep their full extent.
func PrepareSlice(dims Shape, starts, ends, axes, steps []int) (SliceMeta, error) {
	rank := len(dims)
	if len(starts) != len(ends) {
		return SliceMeta{}, fmt.Errorf("slice: %d starts but %d ends", len(starts), len(ends))
	}
	if len(axes) == 0 {
		axes = make([]int, len(starts))
		for i := range axes {
			axes[i] = i
		}
	}
	if len(axes) != len(starts) {
		return SliceMeta{}, fmt.Errorf("slice: %d axes for %d starts", len(axes), len(starts))
	}
	if len(steps) != 0 && len(steps) != len(starts) {
		return SliceMeta{}, fmt.Errorf("slice: %d steps for %d starts", len(steps), len(starts))
	}

	m := SliceMeta{
		Starts:     make([]int, rank),
		Steps:      make([]int, rank),
		OutputDims: dims.Clone(),
	}
	for i := range m.Steps {
		m.Steps[i] = 1
	}

	seen := make([]bool, rank)
	for i, ax := range axes {
		axis := ax
		if axis < 0 {
			axis += rank
		}
		if axis < 0 || axis >= rank {
			return SliceMeta{}, fmt.Errorf("slice: axis %d out of range [0, %d)", ax, rank)
		}
		if seen[axis] {
			return SliceMeta{}, fmt.Errorf("slice: axis %d given more than once", axis)
		}
		seen[axis] = true

		step := 1
		if len(steps) != 0 {
			step = steps[i]
		}
		if step <= 0 {
			return SliceMeta{}, errors.New("slice: steps must be positive")
		}

		dim := dims[axis]
		start := clampIndex(starts[i], dim)
		end := clampIndex(ends[i], dim)

		m.Starts[axis] = start
		m.Steps[axis] = step
		m.OutputDims[axis] = max(0, (end-start+step-1)/step)
	}
	return m, nil
}

func clampIndex(v, dim int) int {
	if v < 0 {
		v += dim
	}
	return min(max(v, 0), dim)
}

// SliceInto copies the region described by m out of src (a row-major buffer
// with dims srcDims) into dst. Elements are moved as raw bytes of elemSize;
// runs that are contiguous in the innermost axis are copied in one go.
func SliceInto(dst, src []byte, srcDims Shape, m SliceMeta, elemSize int) error {
	n := m.OutputDims.NumElements()
	if n == 0 {
		return nil
	}
	if len(dst) < n*elemSize {
		return fmt.Errorf("slice: destination holds %d bytes, need %d", len(dst), n*elemSize)
	}
	if len(src) < srcDims.NumElements()*elemSize {
		return fmt.Errorf("slice: source holds %d bytes, dims %v need %d", len(src), srcDims, srcDims.NumElements()*elemSize)
	}

	rank := len(srcDims)
	if rank == 0 {
		copy(dst[:elemSize], src[:elemSize])
		return nil
	}

	srcStrides := srcDims.ComputeStrides()
	last := rank - 1
	inner := m.OutputDims[last]
	innerStep := m.Steps[last]
	outer := n / inner
	idx := make([]int, last)

	out := 0
	for o := 0; o < outer; o++ {
		tmp := o
		for j := last - 1; j >= 0; j-- {
			idx[j] = tmp % m.OutputDims[j]
			tmp /= m.OutputDims[j]
		}

		off := m.Starts[last] * srcStrides[last]
		for j := 0; j < last; j++ {
			off += (m.Starts[j] + idx[j]*m.Steps[j]) * srcStrides[j]
		}

		if innerStep == 1 {
			copy(dst[out*elemSize:(out+inner)*elemSize], src[off*elemSize:(off+inner)*elemSize])
			out += inner
			continue
		}
		for k := 0; k < inner; k++ {
			s := (off + k*innerStep) * elemSize
			copy(dst[out*elemSize:(out+1)*elemSize], src[s:s+elemSize])
			out++
		}
	}
	return nil
}

// Slice extracts a sub-region of x into a new tensor.
func Slice(x *RawTensor, starts, ends, axes, steps []int) (*RawTensor, error) {
	if x == nil {
		return nil, errors.New("slice: input tensor is nil")
	}
	m, err := PrepareSlice(x.shape, starts, ends, axes, steps)
	if err != nil {
		return nil, err
	}
	result, err := NewRaw(m.OutputDims, x.dtype)
	if err != nil {
		return nil, fmt.Errorf("slice: %w", err)
	}
	if err := SliceInto(result.data, x.data, x.shape, m, x.dtype.Size()); err != nil {
		return nil, err
	}
	return result, nil
}
