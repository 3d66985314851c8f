package conv

import (
	"errors"

	"github.com/google/uuid"

	"github.com/born-ml/convexec/internal/dnn"
	"github.com/born-ml/convexec/internal/tensor"
)

// ConvolutionState is the per-node state a Conv kernel keeps between
// invocations. Everything in it is derived from the last seen X and W
// shapes and rebuilt only when they change.
type ConvolutionState struct {
	ID uuid.UUID

	lastX, lastW tensor.Shape
	dtype        tensor.DataType
	elemSize     int

	x, w, y  *dnn.TensorDescriptor
	b, z     *dnn.TensorDescriptor
	out      *dnn.TensorDescriptor // nominal Y, the target of bias and residual adds after a post slice
	convDesc *dnn.ConvolutionDescriptor

	cache *AlgoCache
	res   *Resolution

	// Shapes B and Z were last resolved for; nil when absent.
	lastB, lastZ tensor.Shape
	addendsReady bool

	needAlgo bool
	algo     CachedAlgo
}

func newConvolutionState(lib dnn.Library) *ConvolutionState {
	return &ConvolutionState{
		ID:       uuid.New(),
		x:        dnn.NewTensorDescriptor(lib),
		w:        dnn.NewTensorDescriptor(lib),
		y:        dnn.NewTensorDescriptor(lib),
		b:        dnn.NewTensorDescriptor(lib),
		z:        dnn.NewTensorDescriptor(lib),
		out:      dnn.NewTensorDescriptor(lib),
		convDesc: dnn.NewConvolutionDescriptor(lib),
		cache:    NewAlgoCache(),
	}
}

// Resolution returns the geometry of the last shape change, or nil before
// the first invocation.
func (s *ConvolutionState) Resolution() *Resolution { return s.res }

// Algo returns the algorithm used by the last invocation.
func (s *ConvolutionState) Algo() CachedAlgo { return s.algo }

// Cache returns the algorithm cache.
func (s *ConvolutionState) Cache() *AlgoCache { return s.cache }

// MathType returns the math type applied to the convolution descriptor.
func (s *ConvolutionState) MathType() dnn.MathType { return s.convDesc.MathType() }

// invalidate forces the next invocation to rebuild everything that depends
// on X while keeping the W descriptor and the algorithm cache.
func (s *ConvolutionState) invalidate() {
	s.lastX = nil
	s.addendsReady = false
}

// Close destroys every descriptor. It is safe to call more than once.
func (s *ConvolutionState) Close() error {
	s.lastX, s.lastW = nil, nil
	s.addendsReady, s.needAlgo = false, false
	return errors.Join(
		s.x.Close(),
		s.w.Close(),
		s.y.Close(),
		s.b.Close(),
		s.z.Close(),
		s.out.Close(),
		s.convDesc.Close(),
	)
}
