package operators

import (
	"fmt"
	"slices"
	"sort"

	"github.com/born-ml/convexec/internal/provider"
	"github.com/born-ml/convexec/internal/tensor"
)

// OpHandler processes an ONNX node and returns output tensors.
type OpHandler func(ctx *Context, node *Node, inputs []*tensor.RawTensor) ([]*tensor.RawTensor, error)

// Context provides the execution provider and the model opset to operators.
type Context struct {
	Provider *provider.Provider
	Opset    int // opset of the default domain, 0 for the latest
}

type versionedHandler struct {
	since   int
	handler OpHandler
}

// Registry maps ONNX operator types to handler functions. An operator may
// have several handlers, each valid from an opset version on.
type Registry struct {
	handlers map[string][]versionedHandler
}

// NewRegistry creates a new operator registry with all supported operators.
func NewRegistry() *Registry {
	r := &Registry{
		handlers: make(map[string][]versionedHandler),
	}

	r.registerConvOps()

	return r
}

// Register adds a handler valid for every opset.
func (r *Registry) Register(opType string, handler OpHandler) {
	r.RegisterSince(opType, 1, handler)
}

// RegisterSince adds a handler valid from opset since until the next
// registered version.
func (r *Registry) RegisterSince(opType string, since int, handler OpHandler) {
	hs := slices.DeleteFunc(r.handlers[opType], func(h versionedHandler) bool { return h.since == since })
	hs = append(hs, versionedHandler{since: since, handler: handler})
	sort.Slice(hs, func(i, j int) bool { return hs[i].since < hs[j].since })
	r.handlers[opType] = hs
}

// Get returns the latest handler for an operator type.
func (r *Registry) Get(opType string) (OpHandler, bool) {
	return r.GetVersion(opType, 0)
}

// GetVersion returns the handler of an operator type for an opset. Opset 0
// selects the latest handler.
func (r *Registry) GetVersion(opType string, opset int) (OpHandler, bool) {
	hs := r.handlers[opType]
	if len(hs) == 0 {
		return nil, false
	}
	if opset <= 0 {
		return hs[len(hs)-1].handler, true
	}
	for i := len(hs) - 1; i >= 0; i-- {
		if hs[i].since <= opset {
			return hs[i].handler, true
		}
	}
	return nil, false
}

// Execute runs an operator with the given inputs.
func (r *Registry) Execute(ctx *Context, node *Node, inputs []*tensor.RawTensor) ([]*tensor.RawTensor, error) {
	handler, ok := r.GetVersion(node.OpType, ctx.Opset)
	if !ok {
		return nil, fmt.Errorf("unsupported operator: %s (opset %d)", node.OpType, ctx.Opset)
	}
	return handler(ctx, node, inputs)
}

// SupportedOps returns a list of all supported operator types.
func (r *Registry) SupportedOps() []string {
	ops := make([]string, 0, len(r.handlers))
	for op := range r.handlers {
		ops = append(ops, op)
	}
	sort.Strings(ops)
	return ops
}
