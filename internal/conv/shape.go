package conv

import (
	"github.com/born-ml/convexec/internal/dnn"
	"github.com/born-ml/convexec/internal/tensor"
)

// Resolution is the geometry of one convolution for a given pair of X and
// W shapes: the output shape the operator promises, the shape the library
// actually computes and everything needed to get from one to the other.
type Resolution struct {
	// Output is the nominal Y shape.
	Output tensor.Shape
	// Adjusted is the Y shape computed with symmetric pads. It equals
	// Output unless RequiresPostSlice is set.
	Adjusted tensor.Shape

	// Slice window over Adjusted selecting Output. Empty without post slice.
	SliceStarts []int
	SliceEnds   []int
	SliceAxes   []int

	RequiresPostSlice bool

	// Library facing shapes, including the synthetic axis of a 1-D
	// convolution. LibY is the adjusted output and LibOutput the nominal one.
	LibX      tensor.Shape
	LibW      tensor.Shape
	LibY      tensor.Shape
	LibOutput tensor.Shape

	// Params are the symmetric library convolution parameters.
	Params dnn.ConvParams

	liftAxis int // position of the synthetic 1-D axis, 0 when there is none
}

// Resolve derives the output shape of x convolved with w, adjusting
// asymmetric pads to symmetric ones the library can express.
//
// For an axis whose head and tail pads differ, both sides are padded with
// P >= max(head, tail), where P-head is a multiple of the stride. The
// output computed that way contains the nominal output as the contiguous
// window starting at (P-head)/stride, so no strided copy is needed.
func (a *Attributes) Resolve(x, w tensor.Shape, pad1D Conv1DPadding) (*Resolution, error) {
	if err := a.Validate(); err != nil {
		return nil, err
	}
	if err := a.ValidateInputShape(x, w); err != nil {
		return nil, err
	}
	kernel, err := a.ComputeKernelShape(w)
	if err != nil {
		return nil, err
	}
	rank := len(kernel)
	in := []int(x[2:])

	strides := defaultInts(a.Strides, rank, 1)
	dilations := defaultInts(a.Dilations, rank, 1)
	if len(strides) != rank || len(dilations) != rank {
		return nil, shapeErrorf("strides %v and dilations %v must have %d values", a.Strides, a.Dilations, rank)
	}
	pads, err := a.resolvePads(in, kernel, strides, dilations)
	if err != nil {
		return nil, err
	}

	r := &Resolution{
		Output:   tensor.Shape{x[0], w[0]},
		Adjusted: tensor.Shape{x[0], w[0]},
	}
	symmetric := make([]int, rank)
	for i := 0; i < rank; i++ {
		head, tail := pads[i], pads[i+rank]
		nominal, err := outputSize(i, in[i], head, tail, kernel[i], strides[i], dilations[i])
		if err != nil {
			return nil, err
		}
		r.Output = append(r.Output, nominal)

		p := head
		if head != tail {
			p = symmetricPad(head, tail, strides[i])
		}
		symmetric[i] = p
		adjusted, err := outputSize(i, in[i], p, p, kernel[i], strides[i], dilations[i])
		if err != nil {
			return nil, err
		}
		r.Adjusted = append(r.Adjusted, adjusted)

		if adjusted != nominal {
			start := (p - head) / strides[i]
			r.SliceStarts = append(r.SliceStarts, start)
			r.SliceEnds = append(r.SliceEnds, start+nominal)
			r.SliceAxes = append(r.SliceAxes, i+2)
			r.RequiresPostSlice = true
		}
	}

	r.LibX, r.LibW = x.Clone(), w.Clone()
	r.LibY, r.LibOutput = r.Adjusted.Clone(), r.Output.Clone()
	r.Params = dnn.ConvParams{
		Pads:      symmetric,
		Strides:   strides,
		Dilations: dilations,
		Group:     a.Group,
		Mode:      dnn.CrossCorrelation,
	}
	if rank == 1 {
		r.lift1D(pad1D)
	}
	return r, nil
}

// lift1D inserts the synthetic unit spatial axis into the library facing
// shapes. It has stride 1, dilation 1, pad 0 and a kernel of 1.
func (r *Resolution) lift1D(pad1D Conv1DPadding) {
	pos, param := 3, 1
	if pad1D == Conv1DPadNC1D {
		pos, param = 2, 0
	}
	r.liftAxis = pos
	r.LibX = r.LibX.Insert(pos, 1)
	r.LibW = r.LibW.Insert(pos, 1)
	r.LibY = r.LibY.Insert(pos, 1)
	r.LibOutput = r.LibOutput.Insert(pos, 1)

	p := &r.Params
	p.Pads = insertInt(p.Pads, param, 0)
	p.Strides = insertInt(p.Strides, param, 1)
	p.Dilations = insertInt(p.Dilations, param, 1)
}

// resolvePads returns head and tail pads for every axis, applying auto_pad.
func (a *Attributes) resolvePads(in, kernel, strides, dilations []int) ([]int, error) {
	rank := len(kernel)
	switch a.AutoPad {
	case AutoPadValid:
		return make([]int, 2*rank), nil
	case AutoPadSameUpper, AutoPadSameLower:
		pads := make([]int, 2*rank)
		for i := 0; i < rank; i++ {
			target := (in[i] + strides[i] - 1) / strides[i]
			needed := max(0, (target-1)*strides[i]+dilations[i]*(kernel[i]-1)+1-in[i])
			head := needed / 2
			if a.AutoPad == AutoPadSameLower {
				head = (needed + 1) / 2
			}
			pads[i], pads[i+rank] = head, needed-head
		}
		return pads, nil
	}

	if len(a.Pads) == 0 {
		return make([]int, 2*rank), nil
	}
	if len(a.Pads) != 2*rank {
		return nil, shapeErrorf("pads %v must have %d values", a.Pads, 2*rank)
	}
	return append([]int(nil), a.Pads...), nil
}

func outputSize(axis, in, head, tail, kernel, stride, dilation int) (int, error) {
	span := in + head + tail - dilation*(kernel-1) - 1
	if span < 0 {
		return 0, shapeErrorf("invalid input shape: axis %d of size %d with pads %d+%d is smaller than the dilated kernel %d",
			axis, in, head, tail, dilation*(kernel-1)+1)
	}
	return span/stride + 1, nil
}

// symmetricPad returns the smallest P >= max(head, tail) with P-head
// divisible by stride.
func symmetricPad(head, tail, stride int) int {
	extra := max(head, tail) - head
	return head + (extra+stride-1)/stride*stride
}

func defaultInts(v []int, n, fill int) []int {
	if len(v) != 0 {
		return append([]int(nil), v...)
	}
	out := make([]int, n)
	for i := range out {
		out[i] = fill
	}
	return out
}

func insertInt(s []int, i, v int) []int {
	out := make([]int, 0, len(s)+1)
	out = append(out, s[:i]...)
	out = append(out, v)
	return append(out, s[i:]...)
}
