package onnx

import (
	"fmt"

	"github.com/born-ml/convexec/internal/onnx/operators"
	"github.com/born-ml/convexec/internal/provider"
)

// LoadOptions configures model loading behavior.
type LoadOptions struct {
	// StrictMode fails on operators the registry cannot run at the model's
	// opset. Otherwise the failure surfaces when the node runs.
	StrictMode bool

	// CustomOps provides custom operator handlers.
	CustomOps map[string]operators.OpHandler
}

// DefaultLoadOptions returns default loading options.
func DefaultLoadOptions() LoadOptions {
	return LoadOptions{StrictMode: true}
}

// Load loads an ONNX model from file and prepares it for inference on the
// kernels of p.
//
// Example:
//
//	model, err := onnx.Load("resnet_block.onnx", p)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	output, err := model.Forward(input)
func Load(path string, p *provider.Provider, opts ...LoadOptions) (*Model, error) {
	proto, err := ParseFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to parse ONNX file: %w", err)
	}
	return LoadFromProto(proto, p, pickOptions(opts))
}

// LoadFromBytes loads an ONNX model from bytes.
func LoadFromBytes(data []byte, p *provider.Provider, opts ...LoadOptions) (*Model, error) {
	proto, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("failed to parse ONNX data: %w", err)
	}
	return LoadFromProto(proto, p, pickOptions(opts))
}

func pickOptions(opts []LoadOptions) LoadOptions {
	if len(opts) > 0 {
		return opts[0]
	}
	return DefaultLoadOptions()
}

// LoadFromProto loads a model from parsed ModelProto.
func LoadFromProto(proto *ModelProto, p *provider.Provider, opt LoadOptions) (*Model, error) {
	if p == nil {
		return nil, fmt.Errorf("no execution provider")
	}

	registry := operators.NewRegistry()
	for opType, handler := range opt.CustomOps {
		registry.Register(opType, handler)
	}

	if opt.StrictMode {
		if err := validateOperators(proto, registry); err != nil {
			return nil, err
		}
	}

	model := &Model{
		proto:    proto,
		registry: registry,
		provider: p,
	}
	if err := model.compile(); err != nil {
		return nil, fmt.Errorf("failed to compile model: %w", err)
	}

	return model, nil
}

// validateOperators checks that all operators are supported.
func validateOperators(proto *ModelProto, registry *operators.Registry) error {
	graph := proto.Graph
	if graph == nil {
		return fmt.Errorf("model has no graph")
	}

	opset := int(defaultOpset(proto))
	var unsupported []string
	for i := range graph.Nodes {
		if _, ok := registry.GetVersion(graph.Nodes[i].OpType, opset); !ok {
			unsupported = append(unsupported, graph.Nodes[i].OpType)
		}
	}

	if len(unsupported) > 0 {
		return fmt.Errorf("unsupported operators at opset %d: %v", opset, unsupported)
	}

	return nil
}

// ModelInfo contains basic information about an ONNX model without fully loading it.
type ModelInfo struct {
	IRVersion       int64
	OpsetVersion    int64
	ProducerName    string
	ProducerVersion string
	InputNames      []string
	OutputNames     []string
	NodeCount       int
	ConvCount       int
	WeightCount     int
}

// GetModelInfo extracts basic info from an ONNX file.
func GetModelInfo(path string) (*ModelInfo, error) {
	proto, err := ParseFile(path)
	if err != nil {
		return nil, err
	}

	info := &ModelInfo{
		IRVersion:       proto.IRVersion,
		OpsetVersion:    defaultOpset(proto),
		ProducerName:    proto.ProducerName,
		ProducerVersion: proto.ProducerVersion,
	}

	if proto.Graph != nil {
		initNames := make(map[string]bool)
		for i := range proto.Graph.Initializers {
			initNames[proto.Graph.Initializers[i].Name] = true
		}
		for i := range proto.Graph.Inputs {
			if !initNames[proto.Graph.Inputs[i].Name] {
				info.InputNames = append(info.InputNames, proto.Graph.Inputs[i].Name)
			}
		}

		for _, output := range proto.Graph.Outputs {
			info.OutputNames = append(info.OutputNames, output.Name)
		}

		info.NodeCount = len(proto.Graph.Nodes)
		for i := range proto.Graph.Nodes {
			switch proto.Graph.Nodes[i].OpType {
			case "Conv", "FusedConv":
				info.ConvCount++
			}
		}
		info.WeightCount = len(proto.Graph.Initializers)
	}

	return info, nil
}

// ListSupportedOps returns all supported ONNX operators.
func ListSupportedOps() []string {
	return operators.NewRegistry().SupportedOps()
}
