package conv

import (
	"fmt"
	"strings"

	"github.com/born-ml/convexec/internal/tensor"
)

// AutoPad selects how pads are derived when they are not given explicitly.
type AutoPad int

const (
	AutoPadNotSet AutoPad = iota
	AutoPadValid
	AutoPadSameUpper
	AutoPadSameLower
)

func (p AutoPad) String() string {
	switch p {
	case AutoPadValid:
		return "VALID"
	case AutoPadSameUpper:
		return "SAME_UPPER"
	case AutoPadSameLower:
		return "SAME_LOWER"
	default:
		return "NOTSET"
	}
}

// ParseAutoPad parses the auto_pad attribute. The empty string means NOTSET.
func ParseAutoPad(s string) (AutoPad, error) {
	switch strings.ToUpper(s) {
	case "", "NOTSET":
		return AutoPadNotSet, nil
	case "VALID":
		return AutoPadValid, nil
	case "SAME_UPPER":
		return AutoPadSameUpper, nil
	case "SAME_LOWER":
		return AutoPadSameLower, nil
	default:
		return AutoPadNotSet, fmt.Errorf("conv: unknown auto_pad %q", s)
	}
}

// Attributes are the static attributes of a convolution node. Empty slices
// take their defaults at resolution time: pads 0, strides 1, dilations 1 and
// the kernel shape of W.
type Attributes struct {
	KernelShape []int
	Pads        []int // all begins, then all ends
	Strides     []int
	Dilations   []int
	Group       int
	AutoPad     AutoPad
}

// Validate checks the attributes independently of any input.
func (a *Attributes) Validate() error {
	if a.Group < 1 {
		return shapeErrorf("group count is %d", a.Group)
	}
	for _, s := range a.Strides {
		if s < 1 {
			return shapeErrorf("strides %v must be positive", a.Strides)
		}
	}
	for _, d := range a.Dilations {
		if d < 1 {
			return shapeErrorf("dilations %v must be positive", a.Dilations)
		}
	}
	for _, p := range a.Pads {
		if p < 0 {
			return shapeErrorf("pads %v must be non-negative", a.Pads)
		}
	}
	for _, k := range a.KernelShape {
		if k < 1 {
			return shapeErrorf("kernel_shape %v must be positive", a.KernelShape)
		}
	}
	return nil
}

// ValidateInputShape checks X and W against each other and the group count.
func (a *Attributes) ValidateInputShape(x, w tensor.Shape) error {
	if len(x) != len(w) {
		return shapeErrorf("X num_dims does not match W num_dims. X: %v W: %v", x, w)
	}
	if len(x) < 3 {
		return shapeErrorf("X rank %d, need at least 3", len(x))
	}
	if err := x.Validate(); err != nil {
		return shapeErrorf("X: %v", err)
	}
	for i, d := range w {
		if d < 1 {
			return shapeErrorf("W dim %d is %d", i, d)
		}
	}

	channels, m := x[1], w[0]
	if channels != w[1]*a.Group {
		return shapeErrorf("input channels C is not equal to kernel channels * group. C: %d kernel channels: %d group: %d",
			channels, w[1], a.Group)
	}
	if m%a.Group != 0 {
		return shapeErrorf("output channels M is not divisible by group. M: %d group: %d", m, a.Group)
	}
	return nil
}

// ComputeKernelShape returns the spatial kernel shape, checking an explicit
// kernel_shape attribute against W.
func (a *Attributes) ComputeKernelShape(w tensor.Shape) ([]int, error) {
	if len(a.KernelShape) == 0 {
		return append([]int(nil), w[2:]...), nil
	}
	if len(a.KernelShape)+2 != len(w) {
		return nil, shapeErrorf("kernel_shape num_dims is not compatible with W num_dims. kernel_shape: %v W: %v", a.KernelShape, w)
	}
	for i, k := range a.KernelShape {
		if k != w[i+2] {
			return nil, shapeErrorf("kernel_shape is not compatible with W shape. kernel_shape: %v W: %v", a.KernelShape, w)
		}
	}
	return append([]int(nil), a.KernelShape...), nil
}
