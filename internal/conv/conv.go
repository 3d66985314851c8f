// Package conv implements the convolution operator kernel on top of a
// dnn.Library.
//
// A Conv is bound to one graph node and keeps a ConvolutionState across
// invocations: descriptors are rebuilt only when the X or W shape changes,
// and the algorithm chosen for each library facing X shape is cached until
// the W shape changes. Asymmetric pads are computed with symmetric pads on
// an enlarged output which is then sliced down to the nominal output.
package conv

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/born-ml/convexec/internal/device"
	"github.com/born-ml/convexec/internal/dnn"
	"github.com/born-ml/convexec/internal/tensor"
)

// Inputs are the tensors of one invocation. B and Z are optional.
type Inputs struct {
	X *tensor.RawTensor // activation [N, C, D1, ...]
	W *tensor.RawTensor // weight [M, C/group, K1, ...]
	B *tensor.RawTensor // bias, usually [M]
	Z *tensor.RawTensor // residual added to the output
}

func (in Inputs) validate() error {
	if in.X == nil || in.W == nil {
		return shapeErrorf("X and W are required")
	}
	dtype := in.X.DType()
	switch dtype {
	case tensor.Float32, tensor.Float64, tensor.Float16:
	default:
		return fmt.Errorf("conv: unsupported data type %s", dtype)
	}
	for _, t := range []struct {
		name string
		t    *tensor.RawTensor
	}{{"W", in.W}, {"B", in.B}, {"Z", in.Z}} {
		if t.t != nil && t.t.DType() != dtype {
			return fmt.Errorf("conv: %s is %s, X is %s", t.name, t.t.DType(), dtype)
		}
	}
	return nil
}

// Conv is a convolution kernel bound to one graph node. Compute may be
// called concurrently; invocations are serialized.
type Conv struct {
	mu    sync.Mutex
	attrs Attributes
	opts  Options
	lib   dnn.Library
	alloc device.Allocator
	state *ConvolutionState
	log   *slog.Logger
}

// New creates a kernel for a node with the given attributes.
func New(attrs Attributes, opts Options, lib dnn.Library, alloc device.Allocator) (*Conv, error) {
	if err := attrs.Validate(); err != nil {
		return nil, err
	}
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	state := newConvolutionState(lib)
	return &Conv{
		attrs: attrs,
		opts:  opts,
		lib:   lib,
		alloc: alloc,
		state: state,
		log:   slog.With("kernel", "Conv", "id", state.ID),
	}, nil
}

// State returns the kernel state. It must not be used while Compute runs.
func (k *Conv) State() *ConvolutionState { return k.state }

// Options returns the options the kernel was created with.
func (k *Conv) Options() Options { return k.opts }

// Close releases the descriptors held by the kernel.
func (k *Conv) Close() error {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.state.Close()
}

// Compute runs the convolution Y = conv(X, W) + B + Z and returns Y. On
// error no output is returned.
func (k *Conv) Compute(in Inputs) (*tensor.RawTensor, error) {
	k.mu.Lock()
	defer k.mu.Unlock()

	if err := in.validate(); err != nil {
		return nil, err
	}

	s := k.state
	x, w, dtype := in.X.Shape(), in.W.Shape(), in.X.DType()
	typeChanged := s.lastW == nil || dtype != s.dtype
	xChanged := typeChanged || !x.Equal(s.lastX)
	wChanged := typeChanged || !w.Equal(s.lastW)
	if xChanged || wChanged {
		if err := k.updateShapes(x, w, dtype, wChanged); err != nil {
			return nil, err
		}
	}

	y, err := tensor.NewRaw(s.res.Output, s.dtype)
	if err != nil {
		return nil, err
	}
	if y.NumElements() == 0 {
		return y, nil
	}

	if err := k.updateAddends(in); err != nil {
		return nil, err
	}
	if err := k.run(in, y); err != nil {
		return nil, err
	}
	return y, nil
}

// updateShapes resolves the geometry for new X or W shapes and rebuilds
// the descriptors that depend on them. If it fails, the next invocation
// starts over.
func (k *Conv) updateShapes(x, w tensor.Shape, dtype tensor.DataType, wChanged bool) error {
	s := k.state
	s.invalidate()
	s.needAlgo = true
	if wChanged {
		s.lastW = nil
		s.cache.Clear()
	}

	res, err := k.attrs.Resolve(x, w, k.opts.Conv1DPad)
	if err != nil {
		return err
	}
	s.res, s.dtype, s.elemSize = res, dtype, dtype.Size()
	k.log.Debug("conv shapes changed", "x", x, "w", w, "y", res.Output,
		"adjusted", res.Adjusted, "post_slice", res.RequiresPostSlice)

	if wChanged {
		if err := s.w.Set(res.LibW, dtype); err != nil {
			return libraryError("set W descriptor", err)
		}
		s.lastW = w.Clone()
	}

	// W is recorded even when there is nothing to compute.
	if res.Output.NumElements() == 0 {
		s.lastX = x.Clone()
		return nil
	}

	if err := s.x.Set(res.LibX, dtype); err != nil {
		return libraryError("set X descriptor", err)
	}
	if err := s.y.Set(res.LibY, dtype); err != nil {
		return libraryError("set Y descriptor", err)
	}
	if res.RequiresPostSlice {
		if err := s.out.Set(res.LibOutput, dtype); err != nil {
			return libraryError("set output descriptor", err)
		}
	}
	if err := s.convDesc.Set(res.Params, dtype); err != nil {
		return libraryError("set convolution descriptor", err)
	}
	s.lastX = x.Clone()
	return nil
}

// updateAddends sets the bias and residual descriptors when their shapes
// or the output shape changed.
func (k *Conv) updateAddends(in Inputs) error {
	s := k.state
	bShape, zShape := shapeOf(in.B), shapeOf(in.Z)
	if s.addendsReady && sameOptional(bShape, s.lastB) && sameOptional(zShape, s.lastZ) {
		return nil
	}
	s.addendsReady = false

	if bShape != nil {
		dims, err := biasDims(bShape, s.res)
		if err != nil {
			return err
		}
		if err := s.b.Set(dims, s.dtype); err != nil {
			return libraryError("set B descriptor", err)
		}
	}
	if zShape != nil {
		dims, err := addendDims("Z", zShape, s.res)
		if err != nil {
			return err
		}
		if err := s.z.Set(dims, s.dtype); err != nil {
			return libraryError("set Z descriptor", err)
		}
	}
	s.lastB, s.lastZ = bShape, zShape
	s.addendsReady = true
	return nil
}

// run executes the convolution into y. Every buffer acquired here is
// released before it returns.
func (k *Conv) run(in Inputs, y *tensor.RawTensor) error {
	s := k.state
	target := y.Data()
	if s.res.RequiresPostSlice {
		scratch, err := k.alloc.AcquireDurable(uint64(s.res.Adjusted.NumElements() * s.elemSize))
		if err != nil {
			return fmt.Errorf("conv output scratch: %w", err)
		}
		defer scratch.Release()
		target = scratch.Bytes()
	}

	if s.needAlgo {
		algo, err := k.selectAlgo(in.X.Data(), in.W.Data(), target)
		if err != nil {
			return err
		}
		if err := s.convDesc.SetMathType(algo.MathType); err != nil {
			return libraryError("set math type", err)
		}
		s.algo, s.needAlgo = algo, false
	}

	ws, err := k.alloc.Acquire(s.algo.WorkspaceBytes)
	if err != nil {
		return fmt.Errorf("conv workspace: %w", err)
	}
	defer ws.Release()

	err = k.lib.ConvolutionForward(s.x.Handle(), in.X.Data(), s.w.Handle(), in.W.Data(), s.convDesc.Handle(),
		s.algo.Algo, ws.Bytes(), s.y.Handle(), target)
	if err != nil {
		return libraryError("forward", err)
	}

	yDesc := s.y
	if s.res.RequiresPostSlice {
		if err := sliceOutput(y.Data(), target, s.res, s.elemSize); err != nil {
			return err
		}
		yDesc = s.out
	}

	if in.B != nil {
		if err := k.lib.AddTensor(s.b.Handle(), in.B.Data(), yDesc.Handle(), y.Data()); err != nil {
			return libraryError("add B", err)
		}
	}
	if in.Z != nil {
		if err := k.lib.AddTensor(s.z.Handle(), in.Z.Data(), yDesc.Handle(), y.Data()); err != nil {
			return libraryError("add Z", err)
		}
	}
	return nil
}

func shapeOf(t *tensor.RawTensor) tensor.Shape {
	if t == nil {
		return nil
	}
	if s := t.Shape(); s != nil {
		return s.Clone()
	}
	return tensor.Shape{}
}

func sameOptional(a, b tensor.Shape) bool {
	if (a == nil) != (b == nil) {
		return false
	}
	return a.Equal(b)
}
