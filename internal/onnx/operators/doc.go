// Package operators maps ONNX nodes to kernels of the execution provider.
//
// The registry is versioned by opset: Conv has a handler for opsets 1 to 10
// and one for opset 11 and later, both built on the same attribute parsing.
// Each node gets its own kernel from the provider, keyed by node name, so
// the state a kernel keeps across invocations is never shared between
// nodes.
package operators
