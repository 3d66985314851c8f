package dnn

import (
	"errors"

	"github.com/born-ml/convexec/internal/tensor"
)

// TensorDescriptor owns a tensor descriptor handle. The handle is created
// on the first Set and destroyed by Close.
type TensorDescriptor struct {
	lib   Library
	h     Handle
	valid bool
	dims  tensor.Shape
}

// NewTensorDescriptor returns an empty descriptor bound to lib.
func NewTensorDescriptor(lib Library) *TensorDescriptor {
	return &TensorDescriptor{lib: lib}
}

// Set describes a dense row-major tensor of the given dims and type.
func (d *TensorDescriptor) Set(dims tensor.Shape, dtype tensor.DataType) error {
	if !d.valid {
		h, err := d.lib.CreateTensorDescriptor()
		if err != nil {
			return err
		}
		d.h, d.valid = h, true
	}
	if err := d.lib.SetTensorDescriptor(d.h, dims, dtype); err != nil {
		return err
	}
	d.dims = dims.Clone()
	return nil
}

// Handle returns the library handle. It is only meaningful after Set.
func (d *TensorDescriptor) Handle() Handle { return d.h }

// Valid reports whether the descriptor holds a live handle.
func (d *TensorDescriptor) Valid() bool { return d.valid }

// Dims returns the dims passed to the last successful Set.
func (d *TensorDescriptor) Dims() tensor.Shape { return d.dims }

// Close destroys the handle. Calling Close more than once is a no-op.
func (d *TensorDescriptor) Close() error {
	if !d.valid {
		return nil
	}
	d.valid = false
	d.dims = nil
	return d.lib.DestroyTensorDescriptor(d.h)
}

// ConvolutionDescriptor owns a convolution descriptor handle.
type ConvolutionDescriptor struct {
	lib      Library
	h        Handle
	valid    bool
	mathType MathType
}

// NewConvolutionDescriptor returns an empty descriptor bound to lib.
func NewConvolutionDescriptor(lib Library) *ConvolutionDescriptor {
	return &ConvolutionDescriptor{lib: lib}
}

// Set configures the convolution for data of the given type. Half data
// accumulates in float32 and starts out in tensor-op math; everything else
// uses default math.
func (d *ConvolutionDescriptor) Set(p ConvParams, dtype tensor.DataType) error {
	if !d.valid {
		h, err := d.lib.CreateConvolutionDescriptor()
		if err != nil {
			return err
		}
		d.h, d.valid = h, true
	}

	p.ComputeType = dtype
	if dtype == tensor.Float16 {
		p.ComputeType = tensor.Float32
	}
	if err := d.lib.SetConvolutionDescriptor(d.h, p); err != nil {
		return err
	}

	if err := d.SetMathType(DefaultMath); err != nil {
		return err
	}
	if dtype.IsReducedPrecision() {
		return d.SetMathType(TensorOpMath)
	}
	return nil
}

// SetMathType switches the numeric compute mode.
func (d *ConvolutionDescriptor) SetMathType(m MathType) error {
	if !d.valid {
		return errors.New("dnn: convolution descriptor used before Set")
	}
	if err := d.lib.SetConvolutionMathType(d.h, m); err != nil {
		return err
	}
	d.mathType = m
	return nil
}

// MathType returns the math type last applied.
func (d *ConvolutionDescriptor) MathType() MathType { return d.mathType }

// Handle returns the library handle. It is only meaningful after Set.
func (d *ConvolutionDescriptor) Handle() Handle { return d.h }

// Valid reports whether the descriptor holds a live handle.
func (d *ConvolutionDescriptor) Valid() bool { return d.valid }

// Close destroys the handle. Calling Close more than once is a no-op.
func (d *ConvolutionDescriptor) Close() error {
	if !d.valid {
		return nil
	}
	d.valid = false
	return d.lib.DestroyConvolutionDescriptor(d.h)
}
