package cpu

import (
	"github.com/born-ml/convexec/internal/dnn"
	"github.com/born-ml/convexec/internal/tensor"
)

// AddTensor implements dnn.Library. b must have the rank of y and every
// b dim must equal the y dim or be 1.
func (cpu *CPUBackend) AddTensor(b dnn.Handle, bData []byte, y dnn.Handle, yData []byte) error {
	const op = "AddTensor"
	cpu.adds.Add(1)

	bd, err := cpu.tensorDesc(op, b)
	if err != nil {
		return err
	}
	yd, err := cpu.tensorDesc(op, y)
	if err != nil {
		return err
	}
	if bd.dtype != yd.dtype {
		return dnn.Errorf(op, dnn.StatusBadParam, "b is %s, y is %s", bd.dtype, yd.dtype)
	}
	if len(bd.dims) != len(yd.dims) {
		return dnn.Errorf(op, dnn.StatusBadParam, "b rank %d, y rank %d", len(bd.dims), len(yd.dims))
	}
	if out, _, err := tensor.BroadcastShapes(bd.dims, yd.dims); err != nil || !out.Equal(yd.dims) {
		return dnn.Errorf(op, dnn.StatusBadParam, "b %v does not broadcast to y %v", bd.dims, yd.dims)
	}

	elem := yd.dtype.Size()
	nb, ny := bd.dims.NumElements(), yd.dims.NumElements()
	if len(bData) < nb*elem || len(yData) < ny*elem {
		return dnn.Errorf(op, dnn.StatusBadParam, "buffers hold %d/%d bytes, need %d/%d", len(bData), len(yData), nb*elem, ny*elem)
	}

	idx := broadcastIndex(bd.dims, yd.dims)
	switch yd.dtype {
	case tensor.Float32:
		addBroadcast(tensor.BytesAsFloat32(yData)[:ny], tensor.BytesAsFloat32(bData)[:nb], idx)
	case tensor.Float64:
		addBroadcast(tensor.BytesAsFloat64(yData)[:ny], tensor.BytesAsFloat64(bData)[:nb], idx)
	case tensor.Float16:
		yv := tensor.DecodeFloat32(yData, yd.dtype, ny)
		addBroadcast(yv, tensor.DecodeFloat32(bData, bd.dtype, nb), idx)
		tensor.EncodeFloat32(yData, yd.dtype, yv)
	}
	return nil
}

// broadcastIndex returns, for every flat index of out, the flat index of
// the broadcast source element.
func broadcastIndex(src, out tensor.Shape) []int {
	srcStrides := src.ComputeStrides()
	idx := make([]int, out.NumElements())
	coords := make([]int, len(out))
	for i := range idx {
		unravel(i, out, coords)
		off := 0
		for d, c := range coords {
			if src[d] != 1 {
				off += c * srcStrides[d]
			}
		}
		idx[i] = off
	}
	return idx
}

func addBroadcast[T float](y, b []T, idx []int) {
	for i, j := range idx {
		y[i] += b[j]
	}
}
