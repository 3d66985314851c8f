package conv

import (
	"fmt"

	"github.com/born-ml/convexec/internal/tensor"
)

// sliceOutput copies the nominal output window of the over-computed src
// into dst.
//
// It panics if the slice would not produce exactly the nominal output
// shape; that can only happen if Resolve and the slice disagree.
func sliceOutput(dst, src []byte, r *Resolution, elemSize int) error {
	m, err := tensor.PrepareSlice(r.Adjusted, r.SliceStarts, r.SliceEnds, r.SliceAxes, nil)
	if err != nil {
		return fmt.Errorf("conv post slice: %w", err)
	}
	if !m.OutputDims.Equal(r.Output) {
		panic(fmt.Sprintf("conv: post slice produces %v, expected %v", m.OutputDims, r.Output))
	}
	return tensor.SliceInto(dst, src, r.Adjusted, m, elemSize)
}
