package conv

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/born-ml/convexec/internal/tensor"
)

func resolved(t *testing.T, x, w tensor.Shape, pad1D Conv1DPadding) *Resolution {
	t.Helper()
	a := Attributes{Group: 1}
	r, err := a.Resolve(x, w, pad1D)
	require.NoError(t, err)
	return r
}

func TestBiasDims(t *testing.T) {
	r := resolved(t, tensor.Shape{2, 3, 6, 6}, tensor.Shape{4, 3, 3, 3}, Conv1DPadAppend)

	dims, err := biasDims(tensor.Shape{4}, r)
	require.NoError(t, err)
	assert.Equal(t, tensor.Shape{1, 4, 1, 1}, dims)

	_, err = biasDims(tensor.Shape{3}, r)
	require.ErrorIs(t, err, ErrShape)

	dims, err = biasDims(tensor.Shape{1, 4, 1, 1}, r)
	require.NoError(t, err)
	assert.Equal(t, tensor.Shape{1, 4, 1, 1}, dims)

	// [1, 4] would need Y to be 1 on both spatial axes.
	_, err = biasDims(tensor.Shape{1, 4}, r)
	require.ErrorIs(t, err, ErrShape)
}

func TestBiasDims_3D(t *testing.T) {
	r := resolved(t, tensor.Shape{1, 2, 4, 4, 4}, tensor.Shape{5, 2, 3, 3, 3}, Conv1DPadAppend)
	dims, err := biasDims(tensor.Shape{5}, r)
	require.NoError(t, err)
	assert.Equal(t, tensor.Shape{1, 5, 1, 1, 1}, dims)
}

func TestAddendDims(t *testing.T) {
	// Y is [2, 4, 1, 1].
	r := resolved(t, tensor.Shape{2, 3, 3, 3}, tensor.Shape{4, 3, 3, 3}, Conv1DPadAppend)

	tests := []struct {
		name string
		in   tensor.Shape
		want tensor.Shape
		msg  string
	}{
		{name: "same rank", in: tensor.Shape{2, 4, 1, 1}, want: tensor.Shape{2, 4, 1, 1}},
		{name: "broadcast batch", in: tensor.Shape{1, 4, 1, 1}, want: tensor.Shape{1, 4, 1, 1}},
		{name: "extended with unit dims", in: tensor.Shape{2, 4}, want: tensor.Shape{2, 4, 1, 1}},
		{name: "rank too large", in: tensor.Shape{1, 2, 4, 1, 1}, msg: "bigger than the rank of Y"},
		{name: "channel mismatch", in: tensor.Shape{2, 3, 1, 1}, msg: "does not broadcast"},
		{name: "widens a unit dim", in: tensor.Shape{1, 4, 1, 3}, msg: "does not broadcast"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := addendDims("Z", tt.in, r)
			if tt.msg != "" {
				require.ErrorIs(t, err, ErrShape)
				assert.Contains(t, err.Error(), tt.msg)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestAddendDims_ExtendedAxisMustBeUnit(t *testing.T) {
	// Y is [1, 4, 4, 4].
	r := resolved(t, tensor.Shape{1, 3, 6, 6}, tensor.Shape{4, 3, 3, 3}, Conv1DPadAppend)
	_, err := addendDims("Z", tensor.Shape{1, 4}, r)
	require.ErrorIs(t, err, ErrShape)
	assert.Contains(t, err.Error(), "dim 2 of Y is 4, cannot apply it to that dim of Z")
}

func TestAddendDims_Conv1D(t *testing.T) {
	x, w := tensor.Shape{2, 3, 8}, tensor.Shape{4, 3, 3}

	for _, tt := range []struct {
		pad  Conv1DPadding
		want tensor.Shape
	}{
		{Conv1DPadAppend, tensor.Shape{2, 4, 6, 1}},
		{Conv1DPadNC1D, tensor.Shape{2, 4, 1, 6}},
	} {
		t.Run(tt.pad.String(), func(t *testing.T) {
			r := resolved(t, x, w, tt.pad)
			got, err := addendDims("Z", tensor.Shape{2, 4, 6}, r)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)

			b, err := biasDims(tensor.Shape{4}, r)
			require.NoError(t, err)
			assert.Equal(t, tensor.Shape{1, 4, 1, 1}, b)
		})
	}
}
