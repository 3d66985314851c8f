package main

import (
	"fmt"
	"math/rand/v2"
	"os"
	"sort"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/born-ml/convexec/internal/conv"
	"github.com/born-ml/convexec/internal/onnx"
	"github.com/born-ml/convexec/internal/onnx/operators"
	"github.com/born-ml/convexec/internal/provider"
	"github.com/born-ml/convexec/internal/tensor"
)

func newInfoCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "info MODEL",
		Short: "Show the inputs, outputs and operators of an ONNX model",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			info, err := onnx.GetModelInfo(args[0])
			if err != nil {
				return err
			}

			renderTable(cmd.OutOrStdout(), []string{"FIELD", "VALUE"}, [][]string{
				{"ir version", strconv.FormatInt(info.IRVersion, 10)},
				{"opset", strconv.FormatInt(info.OpsetVersion, 10)},
				{"producer", strings.TrimSpace(info.ProducerName + " " + info.ProducerVersion)},
				{"inputs", strings.Join(info.InputNames, ", ")},
				{"outputs", strings.Join(info.OutputNames, ", ")},
				{"nodes", strconv.Itoa(info.NodeCount)},
				{"convolutions", strconv.Itoa(info.ConvCount)},
				{"weights", strconv.Itoa(info.WeightCount)},
				{"supported ops", strings.Join(onnx.ListSupportedOps(), ", ")},
			})

			p, err := provider.FromEnv()
			if err != nil {
				return err
			}
			defer p.Close()
			m, err := onnx.Load(args[0], p, onnx.LoadOptions{})
			if err != nil {
				return err
			}
			meta := m.Metadata()
			keys := make([]string, 0, len(meta))
			for k, v := range meta {
				if v != "" {
					keys = append(keys, k)
				}
			}
			sort.Strings(keys)
			data := make([][]string, len(keys))
			for i, k := range keys {
				data[i] = []string{k, meta[k]}
			}
			fmt.Fprintln(cmd.OutOrStdout())
			renderTable(cmd.OutOrStdout(), []string{"METADATA", "VALUE"}, data)
			return nil
		},
	}
}

func newExportCmd() *cobra.Command {
	var (
		f          convFlags
		input      string
		out        string
		opset      int64
		activation string
	)

	cmd := &cobra.Command{
		Use:   "export",
		Short: "Write a single convolution ONNX model with random weights",
		Long: `Export writes a one node model built from the convolution flags. The batch
dimension of the input is symbolic. With --residual or --activation the node
is a com.microsoft FusedConv and the residual becomes a second graph input.`,
		Example: `  convexec export --input 1x3x32x32 --weight 8x3x3x3 --pads 0,0,1,1 --out conv.onnx
  convexec run --model conv.onnx --shape x=4x3x32x32`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			x, err := tensor.ParseShape(input)
			if err != nil {
				return err
			}
			m, err := f.model(x, opset, activation)
			if err != nil {
				return err
			}
			if err := os.WriteFile(out, onnx.Marshal(m), 0o644); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote %s (%s)\n", out, m.Graph.Nodes[0].OpType)
			return nil
		},
	}

	f.register(cmd.Flags())
	cmd.Flags().StringVarP(&input, "input", "i", "1x3x32x32", "Input shape, the batch dimension is exported as N")
	cmd.Flags().StringVarP(&out, "out", "o", "conv.onnx", "Output file")
	cmd.Flags().Int64Var(&opset, "opset", 17, "Default domain opset")
	cmd.Flags().StringVar(&activation, "activation", "", "Fused activation, Identity or Relu")

	return cmd
}

// model builds a one node graph computing the convolution the flags describe.
func (f *convFlags) model(x tensor.Shape, opset int64, activation string) (*onnx.ModelProto, error) {
	attrs, err := f.attributes()
	if err != nil {
		return nil, err
	}
	rng := rand.New(rand.NewPCG(f.seed, f.seed))
	w, b, err := f.weights(rng)
	if err != nil {
		return nil, err
	}
	res, err := attrs.Resolve(x, w.Shape(), conv.Conv1DPadAppend)
	if err != nil {
		return nil, err
	}
	elem, err := onnx.ProtoType(w.DType())
	if err != nil {
		return nil, err
	}

	node := onnx.NodeProto{
		Name:       "conv",
		OpType:     "Conv",
		Inputs:     []string{"x", "w"},
		Outputs:    []string{"y"},
		Attributes: convAttributes(attrs),
	}
	graph := &onnx.GraphProto{
		Name:         "convexec",
		Inputs:       []onnx.ValueInfoProto{valueInfo("x", elem, x)},
		Outputs:      []onnx.ValueInfoProto{valueInfo("y", elem, res.Output)},
		Initializers: []onnx.TensorProto{initializer("w", elem, w)},
	}
	if b != nil {
		node.Inputs = append(node.Inputs, "b")
		graph.Initializers = append(graph.Initializers, initializer("b", elem, b))
	}

	imports := []onnx.OperatorSetID{{Version: opset}}
	if f.residual || activation != "" {
		node.OpType = "FusedConv"
		node.Domain = operators.MicrosoftDomain
		if b == nil {
			node.Inputs = append(node.Inputs, "")
		}
		if f.residual {
			node.Inputs = append(node.Inputs, "z")
			graph.Inputs = append(graph.Inputs, valueInfo("z", elem, res.Output))
		}
		if activation != "" {
			node.Attributes = append(node.Attributes, onnx.AttributeProto{
				Name: "activation", Type: onnx.AttributeProtoString, S: []byte(activation),
			})
		}
		imports = append(imports, onnx.OperatorSetID{Domain: operators.MicrosoftDomain, Version: 1})
	}
	graph.Nodes = []onnx.NodeProto{node}

	return &onnx.ModelProto{
		IRVersion:       8,
		OpsetImport:     imports,
		ProducerName:    "convexec",
		ProducerVersion: version,
		Graph:           graph,
		MetadataProps: []onnx.StringStringEntry{
			{Key: "convexec.input", Value: x.String()},
			{Key: "convexec.weight", Value: w.Shape().String()},
		},
	}, nil
}

func convAttributes(a conv.Attributes) []onnx.AttributeProto {
	var attrs []onnx.AttributeProto
	ints := func(name string, v []int) {
		if len(v) == 0 {
			return
		}
		values := make([]int64, len(v))
		for i, d := range v {
			values[i] = int64(d)
		}
		attrs = append(attrs, onnx.AttributeProto{Name: name, Type: onnx.AttributeProtoInts, Ints: values})
	}
	ints("pads", a.Pads)
	ints("strides", a.Strides)
	ints("dilations", a.Dilations)
	if a.Group > 1 {
		attrs = append(attrs, onnx.AttributeProto{Name: "group", Type: onnx.AttributeProtoInt, I: int64(a.Group)})
	}
	if a.AutoPad != conv.AutoPadNotSet {
		attrs = append(attrs, onnx.AttributeProto{Name: "auto_pad", Type: onnx.AttributeProtoString, S: []byte(a.AutoPad.String())})
	}
	return attrs
}

// valueInfo declares a tensor with a symbolic batch dimension.
func valueInfo(name string, elem int32, shape tensor.Shape) onnx.ValueInfoProto {
	dims := make([]onnx.DimensionProto, len(shape))
	for i, d := range shape {
		dims[i] = onnx.DimensionProto{DimValue: int64(d)}
	}
	dims[0] = onnx.DimensionProto{DimParam: "N"}
	return onnx.ValueInfoProto{Name: name, ElemType: elem, Shape: dims}
}

func initializer(name string, elem int32, t *tensor.RawTensor) onnx.TensorProto {
	dims := make([]int64, len(t.Shape()))
	for i, d := range t.Shape() {
		dims[i] = int64(d)
	}
	return onnx.TensorProto{Name: name, DataType: elem, Dims: dims, RawData: t.Data()}
}
