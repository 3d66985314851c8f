package conv

import (
	"github.com/born-ml/convexec/internal/tensor"
)

// biasDims returns the library descriptor dims for the bias input B.
// A rank-1 bias of length C becomes [1, C, 1, ...]; anything else is
// resolved like a residual.
func biasDims(b tensor.Shape, r *Resolution) (tensor.Shape, error) {
	y := r.LibOutput
	if len(b) != 1 {
		return addendDims("B", b, r)
	}
	if b[0] != y[1] {
		return nil, shapeErrorf("B has %d elements, Y has %d channels", b[0], y[1])
	}
	dims := make(tensor.Shape, len(y))
	for i := range dims {
		dims[i] = 1
	}
	dims[1] = b[0]
	return dims, nil
}

// addendDims resolves an input that is added to Y elementwise. Its rank
// may not exceed the rank of Y; a lower rank is extended with trailing
// unit dims, each of which must be 1 in Y as well.
func addendDims(name string, dims tensor.Shape, r *Resolution) (tensor.Shape, error) {
	y := r.LibOutput
	if r.liftAxis != 0 && len(dims) == len(r.Output) {
		// Shaped like the nominal 1-D output: lift it the same way.
		dims = dims.Insert(r.liftAxis, 1)
	}
	if len(dims) > len(y) {
		return nil, shapeErrorf("rank of %s is %d, which is bigger than the rank of Y - %d", name, len(dims), len(y))
	}

	ext := dims.Clone()
	for i := len(dims); i < len(y); i++ {
		if y[i] != 1 {
			return nil, shapeErrorf("dim %d of Y is %d, cannot apply it to that dim of %s", i, y[i], name)
		}
		ext = append(ext, 1)
	}
	if out, _, err := tensor.BroadcastShapes(ext, y); err != nil || !out.Equal(y) {
		return nil, shapeErrorf("%s %v does not broadcast to Y %v", name, dims, y)
	}
	return ext, nil
}
