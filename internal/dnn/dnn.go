// Package dnn describes the convolution library capability used by the
// engine: opaque descriptors, forward algorithms and their workspace needs,
// algorithm search and the forward and bias-add calls.
package dnn

import (
	"time"

	"github.com/born-ml/convexec/internal/tensor"
)

// Handle is an opaque descriptor handle issued by a Library.
type Handle uint64

// Algo identifies a forward convolution algorithm.
type Algo int

// Forward convolution algorithms.
const (
	AlgoImplicitGemm Algo = iota
	AlgoImplicitPrecompGemm
	AlgoGemm
	AlgoDirect
	AlgoFFT
	AlgoFFTTiling
	AlgoWinograd
	AlgoWinogradNonfused
	AlgoCount
)

// AllAlgos lists every forward algorithm in id order.
var AllAlgos = []Algo{
	AlgoImplicitGemm,
	AlgoImplicitPrecompGemm,
	AlgoGemm,
	AlgoDirect,
	AlgoFFT,
	AlgoFFTTiling,
	AlgoWinograd,
	AlgoWinogradNonfused,
}

// DefaultAlgo is used when algorithm search is disabled.
const DefaultAlgo = AlgoImplicitPrecompGemm

func (a Algo) String() string {
	switch a {
	case AlgoImplicitGemm:
		return "implicit_gemm"
	case AlgoImplicitPrecompGemm:
		return "implicit_precomp_gemm"
	case AlgoGemm:
		return "gemm"
	case AlgoDirect:
		return "direct"
	case AlgoFFT:
		return "fft"
	case AlgoFFTTiling:
		return "fft_tiling"
	case AlgoWinograd:
		return "winograd"
	case AlgoWinogradNonfused:
		return "winograd_nonfused"
	default:
		return "unknown"
	}
}

// MathType selects the numeric compute mode of a convolution descriptor.
type MathType int

const (
	DefaultMath MathType = iota
	TensorOpMath
)

func (m MathType) String() string {
	if m == TensorOpMath {
		return "tensor_op"
	}
	return "default"
}

// Mode is the convolution mode. Only cross-correlation is used by ONNX Conv.
type Mode int

const (
	CrossCorrelation Mode = iota
	Convolution
)

// ConvParams holds the parameters of a convolution descriptor. Pads are
// symmetric: one value per spatial axis applied to both sides.
type ConvParams struct {
	Pads      []int
	Strides   []int
	Dilations []int
	Group     int
	Mode      Mode
	// ComputeType is the accumulation type; half data accumulates in float32.
	ComputeType tensor.DataType
}

// AlgoPerf is the result of evaluating one algorithm.
type AlgoPerf struct {
	Algo     Algo
	Time     time.Duration
	Memory   uint64 // workspace bytes
	MathType MathType
}

// Library is the black-box convolution library. Descriptor handles are
// created, set and destroyed explicitly; every call that fails returns an
// *Error.
type Library interface {
	// Name identifies the implementation in logs.
	Name() string

	CreateTensorDescriptor() (Handle, error)
	SetTensorDescriptor(h Handle, dims tensor.Shape, dtype tensor.DataType) error
	DestroyTensorDescriptor(h Handle) error

	CreateConvolutionDescriptor() (Handle, error)
	SetConvolutionDescriptor(h Handle, p ConvParams) error
	SetConvolutionMathType(h Handle, m MathType) error
	DestroyConvolutionDescriptor(h Handle) error

	// ForwardWorkspaceSize reports the workspace algo needs for the given
	// input, filter, convolution and output descriptors.
	ForwardWorkspaceSize(x, w, conv, y Handle, algo Algo) (uint64, error)

	// FindForwardAlgorithm benchmarks the supported algorithms on real
	// buffers and returns up to requested results, fastest first.
	// Algorithms whose workspace exceeds len(workspace) are skipped. y is
	// overwritten.
	FindForwardAlgorithm(x Handle, xData []byte, w Handle, wData []byte, conv, y Handle, yData []byte,
		requested int, workspace []byte) ([]AlgoPerf, error)

	// ForwardAlgorithmHeuristic ranks algorithms without running them.
	ForwardAlgorithmHeuristic(x, w, conv, y Handle, requested int) ([]AlgoPerf, error)

	// ConvolutionForward computes y = conv(x, w) with the given algorithm.
	ConvolutionForward(x Handle, xData []byte, w Handle, wData []byte, conv Handle, algo Algo,
		workspace []byte, y Handle, yData []byte) error

	// AddTensor computes y += b with b broadcast over y.
	AddTensor(b Handle, bData []byte, y Handle, yData []byte) error
}
