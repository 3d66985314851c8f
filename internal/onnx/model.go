package onnx

import (
	"fmt"
	"log/slog"

	"github.com/x448/float16"

	"github.com/born-ml/convexec/internal/onnx/operators"
	"github.com/born-ml/convexec/internal/provider"
	"github.com/born-ml/convexec/internal/tensor"
)

// Input describes a graph input. Symbolic dimensions are reported as -1.
type Input struct {
	Name  string
	DType tensor.DataType
	Shape tensor.Shape // nil when the model does not declare one
}

// Model represents a loaded ONNX model ready for inference.
// Its nodes run on the kernels of the provider it was loaded with.
type Model struct {
	proto        *ModelProto
	registry     *operators.Registry
	provider     *provider.Provider
	tensors      map[string]*tensor.RawTensor // initializers
	inputs       []Input
	outputNames  []string
	sortedNodes  []*operators.Node
	opsetVersion int64
}

// Inputs returns the graph inputs that are not initializers.
func (m *Model) Inputs() []Input {
	return m.inputs
}

// InputNames returns the names of model inputs.
func (m *Model) InputNames() []string {
	names := make([]string, len(m.inputs))
	for i, in := range m.inputs {
		names[i] = in.Name
	}
	return names
}

// OutputNames returns the names of model outputs.
func (m *Model) OutputNames() []string {
	return m.outputNames
}

// OpsetVersion returns the opset version of the default domain.
func (m *Model) OpsetVersion() int64 {
	return m.opsetVersion
}

// Metadata returns model metadata as key-value pairs.
func (m *Model) Metadata() map[string]string {
	meta := make(map[string]string)
	for _, prop := range m.proto.MetadataProps {
		meta[prop.Key] = prop.Value
	}
	meta["producer_name"] = m.proto.ProducerName
	meta["producer_version"] = m.proto.ProducerVersion
	meta["domain"] = m.proto.Domain
	return meta
}

// Forward runs inference with a single input tensor.
// For models with multiple inputs, use ForwardNamed.
func (m *Model) Forward(input *tensor.RawTensor) (*tensor.RawTensor, error) {
	if len(m.inputs) != 1 {
		return nil, fmt.Errorf("model has %d inputs, use ForwardNamed", len(m.inputs))
	}

	outputs, err := m.ForwardNamed(map[string]*tensor.RawTensor{
		m.inputs[0].Name: input,
	})
	if err != nil {
		return nil, err
	}

	if len(m.outputNames) != 1 {
		return nil, fmt.Errorf("model has %d outputs, access via ForwardNamed result", len(m.outputNames))
	}

	return outputs[m.outputNames[0]], nil
}

// ForwardNamed runs inference with named inputs and returns the outputs by
// name. It may be called concurrently; invocations of the same node are
// serialized by its kernel.
func (m *Model) ForwardNamed(inputs map[string]*tensor.RawTensor) (map[string]*tensor.RawTensor, error) {
	tensors := make(map[string]*tensor.RawTensor, len(m.tensors)+len(inputs))
	for name, t := range m.tensors {
		tensors[name] = t
	}
	for name, t := range inputs {
		tensors[name] = t
	}

	for _, in := range m.inputs {
		if _, ok := tensors[in.Name]; !ok {
			return nil, fmt.Errorf("missing input: %s", in.Name)
		}
	}

	ctx := &operators.Context{Provider: m.provider, Opset: int(m.opsetVersion)}
	for _, node := range m.sortedNodes {
		nodeInputs := make([]*tensor.RawTensor, len(node.Inputs))
		for i, inputName := range node.Inputs {
			if inputName == "" {
				continue // omitted optional input
			}
			t, ok := tensors[inputName]
			if !ok {
				return nil, fmt.Errorf("node %s: missing input %s", node.Name, inputName)
			}
			nodeInputs[i] = t
		}

		outputs, err := m.registry.Execute(ctx, node, nodeInputs)
		if err != nil {
			return nil, fmt.Errorf("node %s (%s): %w", node.Name, node.OpType, err)
		}

		for i, outputName := range node.Outputs {
			if i < len(outputs) {
				tensors[outputName] = outputs[i]
			}
		}
	}

	result := make(map[string]*tensor.RawTensor, len(m.outputNames))
	for _, outputName := range m.outputNames {
		t, ok := tensors[outputName]
		if !ok {
			return nil, fmt.Errorf("missing output: %s", outputName)
		}
		result[outputName] = t
	}

	return result, nil
}

// compile prepares the model for inference.
func (m *Model) compile() error {
	graph := m.proto.Graph
	if graph == nil {
		return fmt.Errorf("model has no graph")
	}

	m.tensors = make(map[string]*tensor.RawTensor)
	for i := range graph.Initializers {
		init := &graph.Initializers[i]
		t, err := tensorFromProto(init)
		if err != nil {
			return fmt.Errorf("failed to load initializer %s: %w", init.Name, err)
		}
		m.tensors[init.Name] = t
	}

	// Inputs are graph inputs minus initializers.
	for i := range graph.Inputs {
		vi := &graph.Inputs[i]
		if _, ok := m.tensors[vi.Name]; ok {
			continue
		}
		in, err := inputFromProto(vi)
		if err != nil {
			return err
		}
		m.inputs = append(m.inputs, in)
	}

	for i := range graph.Outputs {
		m.outputNames = append(m.outputNames, graph.Outputs[i].Name)
	}

	sorted := topologicalSort(graph.Nodes)
	m.sortedNodes = make([]*operators.Node, len(sorted))
	for i := range sorted {
		m.sortedNodes[i] = nodeProtoToOperatorNode(&sorted[i])
	}

	m.opsetVersion = defaultOpset(m.proto)

	slog.Debug("compiled model", "graph", graph.Name, "nodes", len(m.sortedNodes),
		"initializers", len(m.tensors), "opset", m.opsetVersion)
	return nil
}

func defaultOpset(m *ModelProto) int64 {
	for _, opset := range m.OpsetImport {
		if opset.Domain == "" || opset.Domain == "ai.onnx" {
			return opset.Version
		}
	}
	return 0
}

func inputFromProto(vi *ValueInfoProto) (Input, error) {
	in := Input{Name: vi.Name, DType: tensor.Float32}
	if vi.ElemType != TensorProtoUndefined {
		dtype, err := protoTypeToTensorType(vi.ElemType)
		if err != nil {
			return Input{}, fmt.Errorf("input %s: %w", vi.Name, err)
		}
		in.DType = dtype
	}
	if vi.Shape != nil {
		in.Shape = make(tensor.Shape, len(vi.Shape))
		for i, d := range vi.Shape {
			if d.DimParam != "" || d.DimValue <= 0 {
				in.Shape[i] = -1
				continue
			}
			in.Shape[i] = int(d.DimValue)
		}
	}
	return in, nil
}

// tensorFromProto converts TensorProto to RawTensor.
func tensorFromProto(proto *TensorProto) (*tensor.RawTensor, error) {
	shape := make(tensor.Shape, len(proto.Dims))
	for i, dim := range proto.Dims {
		shape[i] = int(dim)
	}

	dtype, err := protoTypeToTensorType(proto.DataType)
	if err != nil {
		return nil, err
	}

	t, err := tensor.NewRaw(shape, dtype)
	if err != nil {
		return nil, err
	}

	switch {
	case len(proto.RawData) > 0:
		if len(proto.RawData) != t.ByteSize() {
			return nil, fmt.Errorf("raw_data has %d bytes, shape %s needs %d", len(proto.RawData), shape, t.ByteSize())
		}
		copy(t.Data(), proto.RawData)
	case len(proto.FloatData) > 0 && dtype == tensor.Float32:
		copy(t.AsFloat32(), proto.FloatData)
	case len(proto.DoubleData) > 0 && dtype == tensor.Float64:
		copy(t.AsFloat64(), proto.DoubleData)
	case len(proto.Int32Data) > 0 && dtype == tensor.Float16:
		dst := t.AsFloat16()
		for i, bits := range proto.Int32Data {
			dst[i] = float16.Frombits(uint16(bits))
		}
	}

	return t, nil
}

// protoTypeToTensorType converts ONNX data type to tensor.DataType.
func protoTypeToTensorType(onnxType int32) (tensor.DataType, error) {
	switch onnxType {
	case TensorProtoFloat:
		return tensor.Float32, nil
	case TensorProtoDouble:
		return tensor.Float64, nil
	case TensorProtoFloat16:
		return tensor.Float16, nil
	default:
		return 0, fmt.Errorf("unsupported data type %d", onnxType)
	}
}

// ProtoType converts a tensor.DataType to its ONNX element type.
func ProtoType(dt tensor.DataType) (int32, error) {
	switch dt {
	case tensor.Float32:
		return TensorProtoFloat, nil
	case tensor.Float64:
		return TensorProtoDouble, nil
	case tensor.Float16:
		return TensorProtoFloat16, nil
	default:
		return 0, fmt.Errorf("unsupported data type %s", dt)
	}
}

// nodeProtoToOperatorNode converts NodeProto to operators.Node.
func nodeProtoToOperatorNode(proto *NodeProto) *operators.Node {
	attrs := make([]operators.Attribute, len(proto.Attributes))
	for i := range proto.Attributes {
		attr := &proto.Attributes[i]
		attrs[i] = operators.Attribute{
			Name:   attr.Name,
			Type:   attr.Type,
			F:      attr.F,
			I:      attr.I,
			S:      attr.S,
			Floats: attr.Floats,
			Ints:   attr.Ints,
		}
	}
	return &operators.Node{
		Name:       proto.Name,
		OpType:     proto.OpType,
		Inputs:     proto.Inputs,
		Outputs:    proto.Outputs,
		Attributes: attrs,
		Domain:     proto.Domain,
	}
}

// topologicalSort sorts nodes in execution order.
func topologicalSort(nodes []NodeProto) []NodeProto {
	outputToNode := make(map[string]int)
	for i := range nodes {
		for _, output := range nodes[i].Outputs {
			outputToNode[output] = i
		}
	}

	visited := make([]bool, len(nodes))
	result := make([]NodeProto, 0, len(nodes))

	var visit func(i int)
	visit = func(i int) {
		if visited[i] {
			return
		}
		visited[i] = true

		for _, input := range nodes[i].Inputs {
			if depIdx, ok := outputToNode[input]; ok {
				visit(depIdx)
			}
		}

		result = append(result, nodes[i])
	}

	for i := range nodes {
		visit(i)
	}

	return result
}
