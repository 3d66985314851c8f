// Package cpu implements the convolution library capability in pure Go on
// host memory. It is the reference implementation the engine is tested
// against and the library used by the command line tool.
package cpu

import (
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/born-ml/convexec/internal/dnn"
	"github.com/born-ml/convexec/internal/parallel"
	"github.com/born-ml/convexec/internal/tensor"
)

// Compile-time check that CPUBackend implements dnn.Library.
var _ dnn.Library = (*CPUBackend)(nil)

// Tensor descriptors must have at least two spatial axes, matching the
// N-d descriptor rules of GPU convolution libraries.
const (
	minTensorRank = 4
	maxTensorRank = 8
)

type tensorDesc struct {
	dims  tensor.Shape
	dtype tensor.DataType
	set   bool
}

type convDesc struct {
	params   dnn.ConvParams
	mathType dnn.MathType
	set      bool
}

// Stats counts library calls. It is used to observe search and execution
// from the outside.
type Stats struct {
	WorkspaceQueries int64
	Finds            int64
	Heuristics       int64
	Forwards         int64
	Adds             int64
}

// CPUBackend is a host implementation of dnn.Library.
type CPUBackend struct {
	mu      sync.Mutex
	next    dnn.Handle
	tensors map[dnn.Handle]*tensorDesc
	convs   map[dnn.Handle]*convDesc

	parallel parallel.Config

	workspaceQueries atomic.Int64
	finds            atomic.Int64
	heuristics       atomic.Int64
	forwards         atomic.Int64
	adds             atomic.Int64
}

// Option configures a CPUBackend.
type Option func(*CPUBackend)

// WithParallel sets the worker configuration of the kernels.
func WithParallel(cfg parallel.Config) Option {
	return func(cpu *CPUBackend) {
		cpu.parallel = cfg
	}
}

// WithWorkers limits the kernels to n workers. n == 1 runs them serially.
func WithWorkers(n int) Option {
	return func(cpu *CPUBackend) {
		cpu.parallel = cpu.parallel.WithWorkers(n)
	}
}

// New creates a new CPU backend.
func New(opts ...Option) *CPUBackend {
	cfg := parallel.DefaultConfig()
	// Each work item is a whole output plane, so small counts still pay off.
	cfg.MinChunkSize = 2
	cpu := &CPUBackend{
		tensors:  make(map[dnn.Handle]*tensorDesc),
		convs:    make(map[dnn.Handle]*convDesc),
		parallel: cfg,
	}
	for _, opt := range opts {
		opt(cpu)
	}
	return cpu
}

// Name returns the backend name.
func (cpu *CPUBackend) Name() string {
	return "CPU"
}

// Stats returns the call counters.
func (cpu *CPUBackend) Stats() Stats {
	return Stats{
		WorkspaceQueries: cpu.workspaceQueries.Load(),
		Finds:            cpu.finds.Load(),
		Heuristics:       cpu.heuristics.Load(),
		Forwards:         cpu.forwards.Load(),
		Adds:             cpu.adds.Load(),
	}
}

// LiveDescriptors returns the number of tensor and convolution descriptors
// that were created and not yet destroyed.
func (cpu *CPUBackend) LiveDescriptors() (tensors, convs int) {
	cpu.mu.Lock()
	defer cpu.mu.Unlock()
	return len(cpu.tensors), len(cpu.convs)
}

func (cpu *CPUBackend) newHandle() dnn.Handle {
	cpu.next++
	return cpu.next
}

// CreateTensorDescriptor implements dnn.Library.
func (cpu *CPUBackend) CreateTensorDescriptor() (dnn.Handle, error) {
	cpu.mu.Lock()
	defer cpu.mu.Unlock()
	h := cpu.newHandle()
	cpu.tensors[h] = &tensorDesc{}
	return h, nil
}

// SetTensorDescriptor implements dnn.Library.
func (cpu *CPUBackend) SetTensorDescriptor(h dnn.Handle, dims tensor.Shape, dtype tensor.DataType) error {
	const op = "SetTensorDescriptor"
	if len(dims) < minTensorRank || len(dims) > maxTensorRank {
		return dnn.Errorf(op, dnn.StatusBadParam, "rank %d outside [%d, %d]", len(dims), minTensorRank, maxTensorRank)
	}
	for i, d := range dims {
		if d <= 0 {
			return dnn.Errorf(op, dnn.StatusBadParam, "dim %d is %d", i, d)
		}
	}
	switch dtype {
	case tensor.Float32, tensor.Float64, tensor.Float16:
	default:
		return dnn.Errorf(op, dnn.StatusNotSupported, "data type %s", dtype)
	}

	cpu.mu.Lock()
	defer cpu.mu.Unlock()
	d, ok := cpu.tensors[h]
	if !ok {
		return dnn.Errorf(op, dnn.StatusBadParam, "unknown handle %d", h)
	}
	d.dims, d.dtype, d.set = dims.Clone(), dtype, true
	return nil
}

// DestroyTensorDescriptor implements dnn.Library.
func (cpu *CPUBackend) DestroyTensorDescriptor(h dnn.Handle) error {
	cpu.mu.Lock()
	defer cpu.mu.Unlock()
	if _, ok := cpu.tensors[h]; !ok {
		return dnn.Errorf("DestroyTensorDescriptor", dnn.StatusBadParam, "unknown handle %d", h)
	}
	delete(cpu.tensors, h)
	return nil
}

// CreateConvolutionDescriptor implements dnn.Library.
func (cpu *CPUBackend) CreateConvolutionDescriptor() (dnn.Handle, error) {
	cpu.mu.Lock()
	defer cpu.mu.Unlock()
	h := cpu.newHandle()
	cpu.convs[h] = &convDesc{}
	return h, nil
}

// SetConvolutionDescriptor implements dnn.Library.
func (cpu *CPUBackend) SetConvolutionDescriptor(h dnn.Handle, p dnn.ConvParams) error {
	const op = "SetConvolutionDescriptor"
	rank := len(p.Pads)
	if rank < minTensorRank-2 || len(p.Strides) != rank || len(p.Dilations) != rank {
		return dnn.Errorf(op, dnn.StatusBadParam, "pads/strides/dilations lengths %d/%d/%d", len(p.Pads), len(p.Strides), len(p.Dilations))
	}
	for i := 0; i < rank; i++ {
		if p.Pads[i] < 0 || p.Strides[i] < 1 || p.Dilations[i] < 1 {
			return dnn.Errorf(op, dnn.StatusBadParam, "axis %d: pad %d stride %d dilation %d", i, p.Pads[i], p.Strides[i], p.Dilations[i])
		}
	}
	if p.Group < 1 {
		return dnn.Errorf(op, dnn.StatusBadParam, "group count %d", p.Group)
	}
	if p.Mode != dnn.CrossCorrelation {
		return dnn.Errorf(op, dnn.StatusNotSupported, "only cross-correlation is implemented")
	}

	cpu.mu.Lock()
	defer cpu.mu.Unlock()
	d, ok := cpu.convs[h]
	if !ok {
		return dnn.Errorf(op, dnn.StatusBadParam, "unknown handle %d", h)
	}
	p.Pads = append([]int(nil), p.Pads...)
	p.Strides = append([]int(nil), p.Strides...)
	p.Dilations = append([]int(nil), p.Dilations...)
	d.params, d.set = p, true
	return nil
}

// SetConvolutionMathType implements dnn.Library.
func (cpu *CPUBackend) SetConvolutionMathType(h dnn.Handle, m dnn.MathType) error {
	cpu.mu.Lock()
	defer cpu.mu.Unlock()
	d, ok := cpu.convs[h]
	if !ok {
		return dnn.Errorf("SetConvolutionMathType", dnn.StatusBadParam, "unknown handle %d", h)
	}
	d.mathType = m
	return nil
}

// DestroyConvolutionDescriptor implements dnn.Library.
func (cpu *CPUBackend) DestroyConvolutionDescriptor(h dnn.Handle) error {
	cpu.mu.Lock()
	defer cpu.mu.Unlock()
	if _, ok := cpu.convs[h]; !ok {
		return dnn.Errorf("DestroyConvolutionDescriptor", dnn.StatusBadParam, "unknown handle %d", h)
	}
	delete(cpu.convs, h)
	return nil
}

func (cpu *CPUBackend) tensorDesc(op string, h dnn.Handle) (tensorDesc, error) {
	cpu.mu.Lock()
	defer cpu.mu.Unlock()
	d, ok := cpu.tensors[h]
	if !ok || !d.set {
		return tensorDesc{}, dnn.Errorf(op, dnn.StatusBadParam, "tensor descriptor %d is not set", h)
	}
	return *d, nil
}

func (cpu *CPUBackend) convDesc(op string, h dnn.Handle) (convDesc, error) {
	cpu.mu.Lock()
	defer cpu.mu.Unlock()
	d, ok := cpu.convs[h]
	if !ok || !d.set {
		return convDesc{}, dnn.Errorf(op, dnn.StatusBadParam, "convolution descriptor %d is not set", h)
	}
	return *d, nil
}

func logCall(op string, args ...any) {
	slog.Debug("cpu dnn call", append([]any{"op", op}, args...)...)
}
