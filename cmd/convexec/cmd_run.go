package main

import (
	"fmt"
	"io"
	"math/rand/v2"
	"strconv"
	"time"

	"github.com/spf13/cobra"
	"gonum.org/v1/gonum/floats"

	"github.com/born-ml/convexec/internal/conv"
	"github.com/born-ml/convexec/internal/onnx"
	"github.com/born-ml/convexec/internal/provider"
	"github.com/born-ml/convexec/internal/tensor"
)

func newRunCmd() *cobra.Command {
	var (
		f          convFlags
		inputs     []string
		iterations int
		modelPath  string
		shapes     map[string]string
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run a convolution or an ONNX model on random inputs",
		Example: `  convexec run --input 1x3x32x32 --weight 8x3x3x3 --pads 0,0,1,1
  convexec run --input 1x3x32x32 --input 4x3x32x32 --iterations 2
  convexec run --model block.onnx --shape x=2x3x16x16`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if iterations < 1 {
				return fmt.Errorf("iterations must be positive, got %d", iterations)
			}
			p, err := f.provider(cmd.Flags())
			if err != nil {
				return err
			}
			defer p.Close()

			rng := rand.New(rand.NewPCG(f.seed, f.seed))
			if modelPath != "" {
				return runModel(cmd.OutOrStdout(), p, rng, modelPath, shapes, iterations)
			}
			return runConv(cmd.OutOrStdout(), p, rng, &f, inputs, iterations)
		},
	}

	f.register(cmd.Flags())
	cmd.Flags().StringSliceVarP(&inputs, "input", "i", []string{"1x3x32x32"}, "Input shapes, run in order")
	cmd.Flags().IntVarP(&iterations, "iterations", "n", 1, "Invocations per input shape")
	cmd.Flags().StringVarP(&modelPath, "model", "m", "", "Run an ONNX model instead of a single convolution")
	cmd.Flags().StringToStringVar(&shapes, "shape", nil, "Model input shapes as name=1x3x8x8; symbolic dims default to 1")

	return cmd
}

func runConv(w io.Writer, p *provider.Provider, rng *rand.Rand, f *convFlags, specs []string, iterations int) error {
	xShapes, err := parseShapes(specs)
	if err != nil {
		return err
	}
	attrs, err := f.attributes()
	if err != nil {
		return err
	}
	k, err := p.ConvKernel("conv", attrs)
	if err != nil {
		return err
	}
	wt, bt, err := f.weights(rng)
	if err != nil {
		return err
	}

	var data [][]string
	call := 0
	for _, x := range xShapes {
		in, err := f.inputs(rng, x, wt, bt, p.Options().Conv1DPad)
		if err != nil {
			return err
		}
		for range iterations {
			call++
			start := time.Now()
			y, err := k.Compute(in)
			if err != nil {
				return fmt.Errorf("call %d on %s: %w", call, x, err)
			}
			data = append(data, describeCall(call, x, y, k, time.Since(start)))
		}
	}

	renderTable(w, []string{"CALL", "X", "Y", "ADJUSTED", "SLICE", "ALGO", "WORKSPACE", "MATH", "CACHED", "TIME"}, data)
	return nil
}

func describeCall(call int, x tensor.Shape, y *tensor.RawTensor, k *conv.Conv, elapsed time.Duration) []string {
	s := k.State()
	res := s.Resolution()
	slice := "-"
	if res.RequiresPostSlice {
		slice = fmt.Sprintf("%v:%v", res.SliceStarts, res.SliceEnds)
	}
	algo, workspace, math := "-", "-", "-"
	if y.NumElements() > 0 {
		a := s.Algo()
		algo = a.Algo.String()
		workspace = strconv.FormatUint(a.WorkspaceBytes, 10)
		math = s.MathType().String()
	}
	return []string{
		strconv.Itoa(call),
		x.String(),
		y.Shape().String(),
		res.Adjusted.String(),
		slice,
		algo,
		workspace,
		math,
		strconv.Itoa(s.Cache().Len()),
		elapsed.Round(time.Microsecond).String(),
	}
}

func runModel(w io.Writer, p *provider.Provider, rng *rand.Rand, path string, shapes map[string]string, iterations int) error {
	m, err := onnx.Load(path, p)
	if err != nil {
		return err
	}

	feeds := make(map[string]*tensor.RawTensor)
	for _, in := range m.Inputs() {
		shape, err := inputShape(in, shapes[in.Name])
		if err != nil {
			return err
		}
		if feeds[in.Name], err = randomTensor(rng, shape, in.DType); err != nil {
			return err
		}
	}
	for name := range shapes {
		if _, ok := feeds[name]; !ok {
			return fmt.Errorf("model has no input %q", name)
		}
	}

	var (
		outputs map[string]*tensor.RawTensor
		elapsed time.Duration
	)
	for range iterations {
		start := time.Now()
		outputs, err = m.ForwardNamed(feeds)
		if err != nil {
			return err
		}
		elapsed += time.Since(start)
	}

	var data [][]string
	for _, name := range m.OutputNames() {
		out := outputs[name]
		values := make([]float64, out.NumElements())
		for i, v := range out.Float32s() {
			values[i] = float64(v)
		}
		mean := 0.0
		if len(values) > 0 {
			mean = floats.Sum(values) / float64(len(values))
		}
		data = append(data, []string{name, out.Shape().String(), strconv.FormatFloat(mean, 'g', 6, 64)})
	}
	renderTable(w, []string{"OUTPUT", "SHAPE", "MEAN"}, data)
	fmt.Fprintf(w, "\n%d iteration(s), %s per iteration\n\n", iterations, (elapsed / time.Duration(iterations)).Round(time.Microsecond))

	data = nil
	for _, key := range p.Keys() {
		k, _ := p.Kernel(key)
		s := k.State()
		data = append(data, []string{
			key,
			s.Algo().Algo.String(),
			strconv.FormatUint(s.Algo().WorkspaceBytes, 10),
			s.MathType().String(),
			strconv.Itoa(s.Cache().Len()),
		})
	}
	renderTable(w, []string{"NODE", "ALGO", "WORKSPACE", "MATH", "CACHED"}, data)
	return nil
}

// inputShape resolves the shape of a model input from the command line or
// its declaration.
func inputShape(in onnx.Input, spec string) (tensor.Shape, error) {
	if spec != "" {
		return tensor.ParseShape(spec)
	}
	if in.Shape == nil {
		return nil, fmt.Errorf("input %s has no declared shape, pass --shape %s=...", in.Name, in.Name)
	}
	shape := in.Shape.Clone()
	for i, d := range shape {
		if d < 0 {
			shape[i] = 1
		}
	}
	return shape, nil
}
