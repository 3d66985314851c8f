package main

import (
	"fmt"
	"math/rand/v2"

	"github.com/spf13/pflag"

	"github.com/born-ml/convexec/internal/conv"
	"github.com/born-ml/convexec/internal/provider"
	"github.com/born-ml/convexec/internal/tensor"
)

// convFlags describe one convolution node and its tensors on the command
// line.
type convFlags struct {
	weight    string
	bias      bool
	residual  bool
	pads      []int
	strides   []int
	dilations []int
	group     int
	autoPad   string
	dtype     string
	seed      uint64

	search          string
	useMaxWorkspace bool
	conv1DNC1D      bool
}

func (f *convFlags) register(fs *pflag.FlagSet) {
	fs.StringVarP(&f.weight, "weight", "w", "8x3x3x3", "Weight shape M x C/group x K...")
	fs.BoolVar(&f.bias, "bias", false, "Add a per channel bias")
	fs.BoolVar(&f.residual, "residual", false, "Add a residual tensor shaped like the output")
	fs.IntSliceVar(&f.pads, "pads", nil, "Pads, all begins then all ends (default 0)")
	fs.IntSliceVar(&f.strides, "strides", nil, "Strides per spatial axis (default 1)")
	fs.IntSliceVar(&f.dilations, "dilations", nil, "Dilations per spatial axis (default 1)")
	fs.IntVar(&f.group, "group", 1, "Number of groups")
	fs.StringVar(&f.autoPad, "auto-pad", "NOTSET", "NOTSET, VALID, SAME_UPPER or SAME_LOWER")
	fs.StringVar(&f.dtype, "dtype", "float32", "float32, float64 or float16")
	fs.Uint64Var(&f.seed, "seed", 1, "Seed of the random tensors")

	fs.StringVar(&f.search, "search", "", "Override CONVEXEC_CONV_ALGO_SEARCH")
	fs.BoolVar(&f.useMaxWorkspace, "max-workspace", false, "Override CONVEXEC_CONV_USE_MAX_WORKSPACE")
	fs.BoolVar(&f.conv1DNC1D, "conv1d-nc1d", false, "Override CONVEXEC_CONV1D_PAD_TO_NC1D")
}

// provider builds a provider from the environment with the command line
// overrides applied.
func (f *convFlags) provider(fs *pflag.FlagSet) (*provider.Provider, error) {
	cfg := provider.ConfigFromEnv()
	if fs.Changed("search") {
		mode, err := conv.ParseSearchMode(f.search)
		if err != nil {
			return nil, err
		}
		cfg.Options.AlgoSearch = mode
	}
	if fs.Changed("max-workspace") {
		cfg.Options.UseMaxWorkspace = f.useMaxWorkspace
	}
	if fs.Changed("conv1d-nc1d") {
		cfg.Options.Conv1DPad = conv.Conv1DPadAppend
		if f.conv1DNC1D {
			cfg.Options.Conv1DPad = conv.Conv1DPadNC1D
		}
	}
	return provider.New(cfg)
}

func (f *convFlags) attributes() (conv.Attributes, error) {
	autoPad, err := conv.ParseAutoPad(f.autoPad)
	if err != nil {
		return conv.Attributes{}, err
	}
	attrs := conv.Attributes{
		Pads:      f.pads,
		Strides:   f.strides,
		Dilations: f.dilations,
		Group:     f.group,
		AutoPad:   autoPad,
	}
	return attrs, attrs.Validate()
}

func (f *convFlags) dataType() (tensor.DataType, error) {
	dtype, ok := tensor.ParseDataType(f.dtype)
	if !ok {
		return 0, fmt.Errorf("unknown dtype %q", f.dtype)
	}
	return dtype, nil
}

// weights returns W and the optional bias.
func (f *convFlags) weights(rng *rand.Rand) (w, b *tensor.RawTensor, err error) {
	dtype, err := f.dataType()
	if err != nil {
		return nil, nil, err
	}
	wShape, err := tensor.ParseShape(f.weight)
	if err != nil {
		return nil, nil, err
	}
	if w, err = randomTensor(rng, wShape, dtype); err != nil {
		return nil, nil, err
	}
	if f.bias {
		if b, err = randomTensor(rng, tensor.Shape{wShape[0]}, dtype); err != nil {
			return nil, nil, err
		}
	}
	return w, b, nil
}

// inputs returns the tensors of one invocation on an input of shape x. The
// residual is shaped by resolving the output first.
func (f *convFlags) inputs(rng *rand.Rand, x tensor.Shape, w, b *tensor.RawTensor, pad1D conv.Conv1DPadding) (conv.Inputs, error) {
	xt, err := randomTensor(rng, x, w.DType())
	if err != nil {
		return conv.Inputs{}, err
	}
	in := conv.Inputs{X: xt, W: w, B: b}
	if f.residual {
		attrs, err := f.attributes()
		if err != nil {
			return conv.Inputs{}, err
		}
		res, err := attrs.Resolve(x, w.Shape(), pad1D)
		if err != nil {
			return conv.Inputs{}, err
		}
		if in.Z, err = randomTensor(rng, res.Output, w.DType()); err != nil {
			return conv.Inputs{}, err
		}
	}
	return in, nil
}

func randomTensor(rng *rand.Rand, shape tensor.Shape, dtype tensor.DataType) (*tensor.RawTensor, error) {
	values := make([]float32, shape.NumElements())
	for i := range values {
		values[i] = float32(rng.NormFloat64())
	}
	return tensor.FromFloat32(shape, dtype, values)
}

func parseShapes(specs []string) ([]tensor.Shape, error) {
	shapes := make([]tensor.Shape, len(specs))
	for i, s := range specs {
		shape, err := tensor.ParseShape(s)
		if err != nil {
			return nil, err
		}
		shapes[i] = shape
	}
	return shapes, nil
}
