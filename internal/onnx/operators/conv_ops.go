package operators

import (
	"errors"
	"fmt"

	"github.com/born-ml/convexec/internal/conv"
	"github.com/born-ml/convexec/internal/tensor"
)

// MicrosoftDomain is the domain of the fused operators.
const MicrosoftDomain = "com.microsoft"

// registerConvOps adds convolution operators to the registry.
func (r *Registry) registerConvOps() {
	r.RegisterSince("Conv", 1, convHandler(1))
	r.RegisterSince("Conv", 11, convHandler(11))
	r.Register("FusedConv", handleFusedConv)
}

// convHandler returns the Conv handler of one opset range. Before opset 11
// the attribute defaults are implied by the rank of W; from 11 on they are
// stated by the operator schema. Both resolve to the same values.
func convHandler(since int) OpHandler {
	return func(ctx *Context, node *Node, inputs []*tensor.RawTensor) ([]*tensor.RawTensor, error) {
		if len(inputs) < 2 || len(inputs) > 3 {
			return nil, fmt.Errorf("conv-%d requires 2 or 3 inputs, got %d", since, len(inputs))
		}
		in := conv.Inputs{X: inputs[0], W: inputs[1]}
		if len(inputs) == 3 {
			in.B = inputs[2]
		}
		y, err := runConv(ctx, node, in)
		if err != nil {
			return nil, fmt.Errorf("conv-%d: %w", since, err)
		}
		return []*tensor.RawTensor{y}, nil
	}
}

// handleFusedConv is Conv with an optional residual input Z and an
// activation applied to the sum.
func handleFusedConv(ctx *Context, node *Node, inputs []*tensor.RawTensor) ([]*tensor.RawTensor, error) {
	if len(inputs) < 2 || len(inputs) > 4 {
		return nil, fmt.Errorf("fusedConv requires 2 to 4 inputs, got %d", len(inputs))
	}
	in := conv.Inputs{X: inputs[0], W: inputs[1]}
	if len(inputs) > 2 {
		in.B = inputs[2]
	}
	if len(inputs) > 3 {
		in.Z = inputs[3]
	}

	activation := GetAttrString(node, "activation", "")
	switch activation {
	case "", "Identity", "Relu":
	default:
		return nil, fmt.Errorf("fusedConv: unsupported activation %q", activation)
	}

	y, err := runConv(ctx, node, in)
	if err != nil {
		return nil, fmt.Errorf("fusedConv: %w", err)
	}
	if activation == "Relu" {
		relu(y)
	}
	return []*tensor.RawTensor{y}, nil
}

func runConv(ctx *Context, node *Node, in conv.Inputs) (*tensor.RawTensor, error) {
	if ctx == nil || ctx.Provider == nil {
		return nil, errors.New("no execution provider")
	}
	attrs, err := ParseConvAttributes(node)
	if err != nil {
		return nil, err
	}
	k, err := ctx.Provider.ConvKernel(node.Key(), attrs)
	if err != nil {
		return nil, err
	}
	return k.Compute(in)
}

// ParseConvAttributes reads the Conv attributes of a node. Absent strides,
// dilations and pads are left empty; they default per spatial axis once the
// rank of W is known.
func ParseConvAttributes(node *Node) (conv.Attributes, error) {
	autoPad, err := conv.ParseAutoPad(GetAttrString(node, "auto_pad", "NOTSET"))
	if err != nil {
		return conv.Attributes{}, err
	}
	attrs := conv.Attributes{
		KernelShape: toInts(GetAttrInts(node, "kernel_shape")),
		Pads:        toInts(GetAttrInts(node, "pads")),
		Strides:     toInts(GetAttrInts(node, "strides")),
		Dilations:   toInts(GetAttrInts(node, "dilations")),
		Group:       int(GetAttrInt(node, "group", 1)),
		AutoPad:     autoPad,
	}
	if autoPad != conv.AutoPadNotSet && len(attrs.Pads) > 0 {
		return conv.Attributes{}, fmt.Errorf("pads and auto_pad %s are mutually exclusive", autoPad)
	}
	if err := attrs.Validate(); err != nil {
		return conv.Attributes{}, err
	}
	return attrs, nil
}

func toInts(v []int64) []int {
	if len(v) == 0 {
		return nil
	}
	out := make([]int, len(v))
	for i, x := range v {
		out[i] = int(x)
	}
	return out
}

func relu(y *tensor.RawTensor) {
	if y.DType() == tensor.Float64 {
		values := y.AsFloat64()
		for i, v := range values {
			if v < 0 {
				values[i] = 0
			}
		}
		return
	}
	n := y.NumElements()
	values := tensor.DecodeFloat32(y.Data(), y.DType(), n)
	for i, v := range values {
		if v < 0 {
			values[i] = 0
		}
	}
	tensor.EncodeFloat32(y.Data(), y.DType(), values)
}
