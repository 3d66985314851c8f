// Package onnx loads ONNX models and runs their graphs on the execution
// provider.
//
// Models are decoded with the protobuf wire decoder; only the fields the
// engine needs are kept (graph nodes, initializers, input and output value
// infos, opset imports and metadata). Initializers may be float32, float64
// or float16.
//
// Example usage:
//
//	p, err := provider.FromEnv()
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer p.Close()
//
//	model, err := onnx.Load("block.onnx", p)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	outputs, err := model.ForwardNamed(map[string]*tensor.RawTensor{"x": x})
package onnx
