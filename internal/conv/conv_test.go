package conv

import (
	"errors"
	"math/rand/v2"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/floats"

	"github.com/born-ml/convexec/internal/backend/cpu"
	"github.com/born-ml/convexec/internal/device"
	"github.com/born-ml/convexec/internal/dnn"
	"github.com/born-ml/convexec/internal/tensor"
)

// referenceConv computes a grouped convolution with explicit head and tail
// pads in float64.
func referenceConv(x, w tensor.Shape, xv, wv []float32, a Attributes) []float64 {
	rank := len(x) - 2
	pads := a.Pads
	if len(pads) == 0 {
		pads = make([]int, 2*rank)
	}
	strides := defaultInts(a.Strides, rank, 1)
	dilations := defaultInts(a.Dilations, rank, 1)
	group := max(a.Group, 1)

	out := make([]int, rank)
	for i := range out {
		out[i] = (x[i+2]+pads[i]+pads[i+rank]-dilations[i]*(w[i+2]-1)-1)/strides[i] + 1
	}
	inSize := tensor.Shape(x[2:]).NumElements()
	kSize := tensor.Shape(w[2:]).NumElements()
	oSize := tensor.Shape(out).NumElements()
	cg, kg := w[1], w[0]/group

	y := make([]float64, x[0]*w[0]*oSize)
	oc, qc := make([]int, rank), make([]int, rank)
	for n := 0; n < x[0]; n++ {
		for m := 0; m < w[0]; m++ {
			g := m / kg
			for o := 0; o < oSize; o++ {
				unravelTest(o, out, oc)
				var sum float64
				for c := 0; c < cg; c++ {
					for q := 0; q < kSize; q++ {
						unravelTest(q, w[2:], qc)
						off := 0
						inside := true
						for i := 0; i < rank; i++ {
							pos := oc[i]*strides[i] - pads[i] + qc[i]*dilations[i]
							if pos < 0 || pos >= x[i+2] {
								inside = false
								break
							}
							off = off*x[i+2] + pos
						}
						if inside {
							sum += float64(xv[(n*x[1]+g*cg+c)*inSize+off]) * float64(wv[(m*cg+c)*kSize+q])
						}
					}
				}
				y[(n*w[0]+m)*oSize+o] = sum
			}
		}
	}
	return y
}

func unravelTest(idx int, dims, coords []int) {
	for i := len(dims) - 1; i >= 0; i-- {
		coords[i] = idx % dims[i]
		idx /= dims[i]
	}
}

func randomTensor(t *testing.T, rng *rand.Rand, shape tensor.Shape, dtype tensor.DataType) *tensor.RawTensor {
	t.Helper()
	v := make([]float32, shape.NumElements())
	for i := range v {
		v[i] = rng.Float32()*2 - 1
	}
	r, err := tensor.FromFloat32(shape, dtype, v)
	require.NoError(t, err)
	return r
}

func toFloat64(v []float32) []float64 {
	out := make([]float64, len(v))
	for i, f := range v {
		out[i] = float64(f)
	}
	return out
}

func newTestKernel(t *testing.T, a Attributes, opts Options) (*Conv, *cpu.CPUBackend, *device.Pool) {
	t.Helper()
	lib := cpu.New()
	pool := device.NewPool(1 << 30)
	k, err := New(a, opts, lib, pool)
	require.NoError(t, err)
	t.Cleanup(func() { _ = k.Close() })
	return k, lib, pool
}

func assertMatchesReference(t *testing.T, y *tensor.RawTensor, x, w *tensor.RawTensor, a Attributes, tol float64) {
	t.Helper()
	want := referenceConv(x.Shape(), w.Shape(), x.Float32s(), w.Float32s(), a)
	got := toFloat64(y.Float32s())
	require.Len(t, got, len(want))
	assert.True(t, floats.EqualApprox(want, got, tol), "output differs from reference convolution")
}

func TestConv_ConcreteSymmetric(t *testing.T) {
	rng := rand.New(rand.NewPCG(1, 1))
	a := Attributes{Pads: []int{1, 1, 1, 1}, Strides: []int{1, 1}, Dilations: []int{1, 1}, Group: 1}
	k, _, _ := newTestKernel(t, a, DefaultOptions())

	x := randomTensor(t, rng, tensor.Shape{1, 3, 5, 5}, tensor.Float32)
	w := randomTensor(t, rng, tensor.Shape{4, 3, 3, 3}, tensor.Float32)
	y, err := k.Compute(Inputs{X: x, W: w})
	require.NoError(t, err)

	assert.Equal(t, tensor.Shape{1, 4, 5, 5}, y.Shape())
	assert.False(t, k.State().Resolution().RequiresPostSlice)
	assert.Equal(t, y.Shape(), k.State().Resolution().Adjusted)
	assertMatchesReference(t, y, x, w, a, 1e-4)
}

func TestConv_AsymmetricPadsMatchReference(t *testing.T) {
	rng := rand.New(rand.NewPCG(2, 2))
	tests := []struct {
		name  string
		attrs Attributes
		x, w  tensor.Shape
	}{
		{"tail", Attributes{Pads: []int{0, 0, 1, 1}, Group: 1}, tensor.Shape{1, 3, 5, 5}, tensor.Shape{4, 3, 3, 3}},
		{"head", Attributes{Pads: []int{1, 1, 0, 0}, Group: 1}, tensor.Shape{1, 3, 5, 5}, tensor.Shape{4, 3, 3, 3}},
		{"mixed", Attributes{Pads: []int{0, 2, 1, 0}, Group: 1}, tensor.Shape{2, 2, 6, 7}, tensor.Shape{3, 2, 3, 2}},
		{"strided", Attributes{Pads: []int{0, 1, 2, 0}, Strides: []int{2, 3}, Group: 1}, tensor.Shape{1, 2, 9, 10}, tensor.Shape{2, 2, 3, 3}},
		{"dilated grouped", Attributes{Pads: []int{1, 0, 3, 2}, Dilations: []int{2, 2}, Group: 2}, tensor.Shape{1, 4, 8, 8}, tensor.Shape{4, 2, 3, 3}},
		{"same upper", Attributes{AutoPad: AutoPadSameUpper, Strides: []int{2, 2}, Group: 1}, tensor.Shape{1, 1, 8, 8}, tensor.Shape{2, 1, 3, 3}},
		{"3d", Attributes{Pads: []int{0, 1, 0, 1, 0, 2}, Group: 1}, tensor.Shape{1, 2, 4, 4, 5}, tensor.Shape{2, 2, 2, 3, 3}},
	}

	for _, mode := range []SearchMode{SearchExhaustive, SearchHeuristic, SearchDefault} {
		for _, tt := range tests {
			t.Run(mode.String()+"/"+tt.name, func(t *testing.T) {
				k, _, pool := newTestKernel(t, tt.attrs, Options{AlgoSearch: mode})
				x := randomTensor(t, rng, tt.x, tensor.Float32)
				w := randomTensor(t, rng, tt.w, tensor.Float32)

				y, err := k.Compute(Inputs{X: x, W: w})
				require.NoError(t, err)

				ref := tt.attrs
				if ref.AutoPad != AutoPadNotSet {
					// Explicit pads equivalent to SAME_UPPER for this input.
					ref = Attributes{Pads: []int{0, 0, 1, 1}, Strides: tt.attrs.Strides, Group: 1}
				}
				assertMatchesReference(t, y, x, w, ref, 1e-4)
				assert.True(t, k.State().Resolution().RequiresPostSlice)
				assert.Zero(t, pool.Stats().Live, "buffers leaked")
			})
		}
	}
}

func TestConv_PostSliceScratchIsPooled(t *testing.T) {
	rng := rand.New(rand.NewPCG(3, 3))
	a := Attributes{Pads: []int{0, 0, 1, 1}, Group: 1}
	k, _, pool := newTestKernel(t, a, Options{AlgoSearch: SearchDefault})
	x := randomTensor(t, rng, tensor.Shape{1, 3, 5, 5}, tensor.Float32)
	w := randomTensor(t, rng, tensor.Shape{4, 3, 3, 3}, tensor.Float32)

	for i := 0; i < 3; i++ {
		_, err := k.Compute(Inputs{X: x, W: w})
		require.NoError(t, err)
	}
	stats := pool.Stats()
	assert.Equal(t, uint64(1), stats.Misses)
	assert.Equal(t, uint64(2), stats.Hits)
	assert.Equal(t, 1, stats.Pooled)
	assert.Zero(t, stats.Live)
}

func TestConv_AlgorithmCacheReuse(t *testing.T) {
	rng := rand.New(rand.NewPCG(4, 4))
	a := Attributes{Pads: []int{1, 1, 1, 1}, Group: 1}
	k, lib, _ := newTestKernel(t, a, DefaultOptions())

	w := randomTensor(t, rng, tensor.Shape{4, 3, 3, 3}, tensor.Float32)
	x1 := randomTensor(t, rng, tensor.Shape{1, 3, 5, 5}, tensor.Float32)
	x1b := randomTensor(t, rng, tensor.Shape{1, 3, 5, 5}, tensor.Float32)
	x2 := randomTensor(t, rng, tensor.Shape{2, 3, 5, 5}, tensor.Float32)

	_, err := k.Compute(Inputs{X: x1, W: w})
	require.NoError(t, err)
	first := k.State().Algo()

	y, err := k.Compute(Inputs{X: x1b, W: w})
	require.NoError(t, err)
	assert.Equal(t, int64(1), lib.Stats().Finds, "same shape must not search again")
	assert.Equal(t, first, k.State().Algo())
	assertMatchesReference(t, y, x1b, w, a, 1e-4)

	_, err = k.Compute(Inputs{X: x2, W: w})
	require.NoError(t, err)
	assert.Equal(t, int64(2), lib.Stats().Finds, "a new batch size is a new key")
	assert.Equal(t, 2, k.State().Cache().Len())

	_, err = k.Compute(Inputs{X: x1, W: w})
	require.NoError(t, err)
	assert.Equal(t, int64(2), lib.Stats().Finds, "previously seen shape is a cache hit")
	assert.Equal(t, first, k.State().Algo())
}

func TestConv_WeightShapeChangeClearsCache(t *testing.T) {
	rng := rand.New(rand.NewPCG(5, 5))
	a := Attributes{Group: 1}
	k, lib, _ := newTestKernel(t, a, Options{AlgoSearch: SearchHeuristic})

	x := randomTensor(t, rng, tensor.Shape{1, 3, 6, 6}, tensor.Float32)
	w1 := randomTensor(t, rng, tensor.Shape{4, 3, 3, 3}, tensor.Float32)
	w2 := randomTensor(t, rng, tensor.Shape{2, 3, 2, 2}, tensor.Float32)

	_, err := k.Compute(Inputs{X: x, W: w1})
	require.NoError(t, err)
	_, err = k.Compute(Inputs{X: x, W: w1})
	require.NoError(t, err)
	assert.Equal(t, int64(1), lib.Stats().Heuristics)

	y, err := k.Compute(Inputs{X: x, W: w2})
	require.NoError(t, err)
	assert.Equal(t, int64(2), lib.Stats().Heuristics)
	assert.Equal(t, 1, k.State().Cache().Len())
	assert.Equal(t, tensor.Shape{1, 2, 5, 5}, y.Shape())
	assertMatchesReference(t, y, x, w2, a, 1e-4)

	_, err = k.Compute(Inputs{X: x, W: w1})
	require.NoError(t, err)
	assert.Equal(t, int64(3), lib.Stats().Heuristics, "old entries must be gone")
}

func TestConv_DefaultSearchQueriesOnlyWorkspace(t *testing.T) {
	rng := rand.New(rand.NewPCG(6, 6))
	k, lib, _ := newTestKernel(t, Attributes{Group: 1}, Options{AlgoSearch: SearchDefault})
	x := randomTensor(t, rng, tensor.Shape{1, 3, 6, 6}, tensor.Float32)
	w := randomTensor(t, rng, tensor.Shape{4, 3, 3, 3}, tensor.Float32)

	_, err := k.Compute(Inputs{X: x, W: w})
	require.NoError(t, err)

	stats := lib.Stats()
	assert.Zero(t, stats.Finds)
	assert.Zero(t, stats.Heuristics)
	assert.Equal(t, int64(1), stats.WorkspaceQueries)
	assert.Equal(t, int64(1), stats.Forwards)
	assert.Equal(t, CachedAlgo{Algo: dnn.DefaultAlgo, WorkspaceBytes: 16 * 9 * 4, MathType: dnn.DefaultMath}, k.State().Algo())
}

func TestConv_UseMaxWorkspace(t *testing.T) {
	rng := rand.New(rand.NewPCG(7, 7))
	lib := cpu.New()
	// Room for the implicit precomp table (576 bytes) but not for the gemm
	// column buffer (1728 bytes).
	pool := device.NewPool(1024)
	k, err := New(Attributes{Group: 1}, Options{AlgoSearch: SearchExhaustive, UseMaxWorkspace: true}, lib, pool)
	require.NoError(t, err)
	defer k.Close()

	x := randomTensor(t, rng, tensor.Shape{1, 3, 6, 6}, tensor.Float32)
	w := randomTensor(t, rng, tensor.Shape{2, 3, 3, 3}, tensor.Float32)
	y, err := k.Compute(Inputs{X: x, W: w})
	require.NoError(t, err)

	// 8 algorithms queried by the budgeter, then the search itself.
	assert.Equal(t, int64(len(dnn.AllAlgos)), lib.Stats().WorkspaceQueries)
	assert.NotEqual(t, dnn.AlgoGemm, k.State().Algo().Algo)
	assert.LessOrEqual(t, k.State().Algo().WorkspaceBytes, uint64(1024)/10*9)
	assertMatchesReference(t, y, x, w, Attributes{Group: 1}, 1e-4)
	assert.Zero(t, pool.Stats().InUse, "search scratch must not be retained")
}

func TestConv_BiasAndResidual(t *testing.T) {
	rng := rand.New(rand.NewPCG(8, 8))
	a := Attributes{Pads: []int{0, 1, 1, 0}, Group: 1}
	k, _, _ := newTestKernel(t, a, DefaultOptions())

	x := randomTensor(t, rng, tensor.Shape{2, 3, 5, 5}, tensor.Float32)
	w := randomTensor(t, rng, tensor.Shape{4, 3, 3, 3}, tensor.Float32)
	b := randomTensor(t, rng, tensor.Shape{4}, tensor.Float32)

	y, err := k.Compute(Inputs{X: x, W: w, B: b})
	require.NoError(t, err)

	conv := referenceConv(x.Shape(), w.Shape(), x.Float32s(), w.Float32s(), a)
	bv := b.Float32s()
	plane := y.Shape()[2] * y.Shape()[3]
	want := make([]float64, len(conv))
	for i := range conv {
		want[i] = conv[i] + float64(bv[(i/plane)%4])
	}
	assert.True(t, floats.EqualApprox(want, toFloat64(y.Float32s()), 1e-4))

	z := randomTensor(t, rng, y.Shape(), tensor.Float32)
	y2, err := k.Compute(Inputs{X: x, W: w, B: b, Z: z})
	require.NoError(t, err)
	zv := z.Float32s()
	for i := range want {
		want[i] += float64(zv[i])
	}
	assert.True(t, floats.EqualApprox(want, toFloat64(y2.Float32s()), 1e-4))
}

func TestConv_BiasShapeErrors(t *testing.T) {
	rng := rand.New(rand.NewPCG(9, 9))
	k, _, _ := newTestKernel(t, Attributes{Group: 1}, DefaultOptions())
	x := randomTensor(t, rng, tensor.Shape{1, 3, 5, 5}, tensor.Float32)
	w := randomTensor(t, rng, tensor.Shape{4, 3, 3, 3}, tensor.Float32)

	_, err := k.Compute(Inputs{X: x, W: w, B: randomTensor(t, rng, tensor.Shape{3}, tensor.Float32)})
	require.ErrorIs(t, err, ErrShape)

	_, err = k.Compute(Inputs{X: x, W: w, Z: randomTensor(t, rng, tensor.Shape{1, 1, 4, 3, 3}, tensor.Float32)})
	require.ErrorIs(t, err, ErrShape)
	assert.Contains(t, err.Error(), "rank of Z is 5")

	y, err := k.Compute(Inputs{X: x, W: w, B: randomTensor(t, rng, tensor.Shape{4}, tensor.Float32)})
	require.NoError(t, err)
	assert.Equal(t, tensor.Shape{1, 4, 3, 3}, y.Shape())
}

func TestConv_ZeroBatch(t *testing.T) {
	rng := rand.New(rand.NewPCG(10, 10))
	k, lib, pool := newTestKernel(t, Attributes{Pads: []int{1, 1, 1, 1}, Group: 1}, DefaultOptions())

	x, err := tensor.NewRaw(tensor.Shape{0, 3, 5, 5}, tensor.Float32)
	require.NoError(t, err)
	w := randomTensor(t, rng, tensor.Shape{4, 3, 3, 3}, tensor.Float32)

	y, err := k.Compute(Inputs{X: x, W: w, B: randomTensor(t, rng, tensor.Shape{4}, tensor.Float32)})
	require.NoError(t, err)
	assert.Equal(t, tensor.Shape{0, 4, 5, 5}, y.Shape())
	assert.Zero(t, y.NumElements())

	assert.Equal(t, cpu.Stats{}, lib.Stats(), "no library work for an empty output")
	assert.Zero(t, k.State().Cache().Len())
	assert.Zero(t, pool.Stats().Allocated)

	// Only the weight descriptor exists.
	tensors, convs := lib.LiveDescriptors()
	assert.Equal(t, 1, tensors)
	assert.Zero(t, convs)

	// A real batch afterwards computes normally.
	x1 := randomTensor(t, rng, tensor.Shape{1, 3, 5, 5}, tensor.Float32)
	y, err = k.Compute(Inputs{X: x1, W: w})
	require.NoError(t, err)
	assert.Equal(t, tensor.Shape{1, 4, 5, 5}, y.Shape())
}

func TestConv_Conv1D(t *testing.T) {
	rng := rand.New(rand.NewPCG(11, 11))
	a := Attributes{Pads: []int{2, 1}, Strides: []int{2}, Group: 1}

	for _, pad := range []Conv1DPadding{Conv1DPadAppend, Conv1DPadNC1D} {
		t.Run(pad.String(), func(t *testing.T) {
			k, _, _ := newTestKernel(t, a, Options{AlgoSearch: SearchExhaustive, Conv1DPad: pad})
			x := randomTensor(t, rng, tensor.Shape{2, 3, 11}, tensor.Float32)
			w := randomTensor(t, rng, tensor.Shape{4, 3, 3}, tensor.Float32)
			z := randomTensor(t, rng, tensor.Shape{2, 4, 6}, tensor.Float32)

			y, err := k.Compute(Inputs{X: x, W: w, Z: z})
			require.NoError(t, err)
			assert.Equal(t, tensor.Shape{2, 4, 6}, y.Shape())

			want := referenceConv(x.Shape(), w.Shape(), x.Float32s(), w.Float32s(), a)
			for i, v := range z.Float32s() {
				want[i] += float64(v)
			}
			assert.True(t, floats.EqualApprox(want, toFloat64(y.Float32s()), 1e-4))

			key := k.State().Cache().Entries()[0].Key
			if pad == Conv1DPadNC1D {
				assert.Equal(t, tensor.Shape{2, 3, 1, 11}, key)
			} else {
				assert.Equal(t, tensor.Shape{2, 3, 11, 1}, key)
			}
		})
	}
}

func TestConv_Float16UsesTensorOpMath(t *testing.T) {
	rng := rand.New(rand.NewPCG(12, 12))
	for _, mode := range []SearchMode{SearchExhaustive, SearchHeuristic, SearchDefault} {
		t.Run(mode.String(), func(t *testing.T) {
			a := Attributes{Pads: []int{1, 0, 1, 0}, Group: 1}
			k, _, _ := newTestKernel(t, a, Options{AlgoSearch: mode})
			x := randomTensor(t, rng, tensor.Shape{1, 2, 6, 6}, tensor.Float16)
			w := randomTensor(t, rng, tensor.Shape{3, 2, 3, 3}, tensor.Float16)

			y, err := k.Compute(Inputs{X: x, W: w})
			require.NoError(t, err)
			assert.Equal(t, tensor.Float16, y.DType())
			assert.Equal(t, dnn.TensorOpMath, k.State().Algo().MathType)
			assert.Equal(t, dnn.TensorOpMath, k.State().MathType())
			assertMatchesReference(t, y, x, w, a, 1e-2)
		})
	}
}

// tensorOpLibrary reports tensor-op math for every searched algorithm.
type tensorOpLibrary struct {
	dnn.Library
}

func (l *tensorOpLibrary) FindForwardAlgorithm(x dnn.Handle, xData []byte, w dnn.Handle, wData []byte, conv, y dnn.Handle,
	yData []byte, requested int, workspace []byte,
) ([]dnn.AlgoPerf, error) {
	perfs, err := l.Library.FindForwardAlgorithm(x, xData, w, wData, conv, y, yData, requested, workspace)
	for i := range perfs {
		perfs[i].MathType = dnn.TensorOpMath
	}
	return perfs, err
}

func TestConv_CacheHitRestoresMathType(t *testing.T) {
	rng := rand.New(rand.NewPCG(21, 21))
	base := cpu.New()
	k, err := New(Attributes{Pads: []int{1, 1, 1, 1}, Group: 1}, DefaultOptions(), &tensorOpLibrary{Library: base}, device.NewPool(1<<30))
	require.NoError(t, err)
	defer k.Close()

	w := randomTensor(t, rng, tensor.Shape{4, 3, 3, 3}, tensor.Float32)
	x1 := randomTensor(t, rng, tensor.Shape{1, 3, 5, 5}, tensor.Float32)
	x2 := randomTensor(t, rng, tensor.Shape{2, 3, 5, 5}, tensor.Float32)

	for _, x := range []*tensor.RawTensor{x1, x2, x1} {
		_, err := k.Compute(Inputs{X: x, W: w})
		require.NoError(t, err)
		assert.Equal(t, dnn.TensorOpMath, k.State().Algo().MathType)
		assert.Equal(t, dnn.TensorOpMath, k.State().MathType(), "x %v", x.Shape())
	}
	assert.Equal(t, int64(2), base.Stats().Finds, "the last call is a cache hit")
}

func TestConv_SearchFitsSmallDevice(t *testing.T) {
	rng := rand.New(rand.NewPCG(22, 22))
	pool := device.NewPool(16 << 20)
	a := Attributes{Pads: []int{1, 1, 1, 1}, Group: 1}
	k, err := New(a, DefaultOptions(), cpu.New(), pool)
	require.NoError(t, err)
	defer k.Close()

	x := randomTensor(t, rng, tensor.Shape{1, 3, 5, 5}, tensor.Float32)
	w := randomTensor(t, rng, tensor.Shape{4, 3, 3, 3}, tensor.Float32)
	y, err := k.Compute(Inputs{X: x, W: w})
	require.NoError(t, err)
	assertMatchesReference(t, y, x, w, a, 1e-4)
	assert.Zero(t, pool.Stats().Live)
}

func TestConv_Float64(t *testing.T) {
	rng := rand.New(rand.NewPCG(13, 13))
	a := Attributes{Pads: []int{1, 1, 2, 2}, Group: 1}
	k, _, _ := newTestKernel(t, a, DefaultOptions())
	x := randomTensor(t, rng, tensor.Shape{1, 2, 5, 4}, tensor.Float64)
	w := randomTensor(t, rng, tensor.Shape{2, 2, 2, 2}, tensor.Float64)

	y, err := k.Compute(Inputs{X: x, W: w})
	require.NoError(t, err)
	assert.Equal(t, dnn.DefaultMath, k.State().MathType())
	assertMatchesReference(t, y, x, w, a, 1e-6)
}

// flakyLibrary fails the first algorithm search.
type flakyLibrary struct {
	dnn.Library
	failures atomic.Int32
	calls    atomic.Int32
}

func (l *flakyLibrary) FindForwardAlgorithm(x dnn.Handle, xData []byte, w dnn.Handle, wData []byte, conv, y dnn.Handle,
	yData []byte, requested int, workspace []byte,
) ([]dnn.AlgoPerf, error) {
	l.calls.Add(1)
	if l.failures.Add(-1) >= 0 {
		return nil, dnn.Errorf("FindForwardAlgorithm", dnn.StatusExecutionFailed, "injected")
	}
	return l.Library.FindForwardAlgorithm(x, xData, w, wData, conv, y, yData, requested, workspace)
}

func TestConv_SearchFailureCachesNothing(t *testing.T) {
	rng := rand.New(rand.NewPCG(14, 14))
	lib := &flakyLibrary{Library: cpu.New()}
	lib.failures.Store(1)
	pool := device.NewPool(1 << 30)
	k, err := New(Attributes{Group: 1}, DefaultOptions(), lib, pool)
	require.NoError(t, err)
	defer k.Close()

	x := randomTensor(t, rng, tensor.Shape{1, 3, 6, 6}, tensor.Float32)
	w := randomTensor(t, rng, tensor.Shape{4, 3, 3, 3}, tensor.Float32)

	y, err := k.Compute(Inputs{X: x, W: w})
	require.Error(t, err)
	assert.Nil(t, y)
	assert.True(t, dnn.IsStatus(err, dnn.StatusExecutionFailed))
	assert.Zero(t, k.State().Cache().Len())
	assert.Zero(t, pool.Stats().Live, "search workspace must be released on failure")

	y, err = k.Compute(Inputs{X: x, W: w})
	require.NoError(t, err)
	assert.Equal(t, int32(2), lib.calls.Load(), "the next invocation searches again")
	assert.Equal(t, 1, k.State().Cache().Len())
	assertMatchesReference(t, y, x, w, Attributes{Group: 1}, 1e-4)
}

func TestConv_OutOfMemory(t *testing.T) {
	rng := rand.New(rand.NewPCG(15, 15))
	pool := device.NewPool(64)
	k, err := New(Attributes{Pads: []int{1, 1, 1, 1}, Group: 1}, Options{AlgoSearch: SearchDefault}, cpu.New(), pool)
	require.NoError(t, err)
	defer k.Close()

	x := randomTensor(t, rng, tensor.Shape{1, 3, 5, 5}, tensor.Float32)
	w := randomTensor(t, rng, tensor.Shape{4, 3, 3, 3}, tensor.Float32)
	_, err = k.Compute(Inputs{X: x, W: w})
	require.ErrorIs(t, err, device.ErrOutOfMemory)

	var noMem device.ErrNoMem
	require.ErrorAs(t, err, &noMem)
	assert.Equal(t, uint64(25*9*4), noMem.Requested)
	assert.Zero(t, pool.Stats().Live)
}

func TestConv_InputErrors(t *testing.T) {
	rng := rand.New(rand.NewPCG(16, 16))
	k, _, _ := newTestKernel(t, Attributes{Group: 1}, DefaultOptions())
	x := randomTensor(t, rng, tensor.Shape{1, 3, 5, 5}, tensor.Float32)

	_, err := k.Compute(Inputs{X: x})
	require.ErrorIs(t, err, ErrShape)

	_, err = k.Compute(Inputs{X: x, W: randomTensor(t, rng, tensor.Shape{4, 3, 3, 3}, tensor.Float64)})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "W is float64")

	_, err = k.Compute(Inputs{X: x, W: randomTensor(t, rng, tensor.Shape{4, 2, 3, 3}, tensor.Float32)})
	require.ErrorIs(t, err, ErrShape)
}

func TestConv_ConcurrentInvocations(t *testing.T) {
	rng := rand.New(rand.NewPCG(17, 17))
	a := Attributes{Pads: []int{0, 1, 1, 0}, Group: 1}
	k, lib, pool := newTestKernel(t, a, Options{AlgoSearch: SearchHeuristic})

	w := randomTensor(t, rng, tensor.Shape{4, 3, 3, 3}, tensor.Float32)
	inputs := []*tensor.RawTensor{
		randomTensor(t, rng, tensor.Shape{1, 3, 6, 6}, tensor.Float32),
		randomTensor(t, rng, tensor.Shape{2, 3, 7, 5}, tensor.Float32),
	}
	wants := make([][]float64, len(inputs))
	for i, x := range inputs {
		wants[i] = referenceConv(x.Shape(), w.Shape(), x.Float32s(), w.Float32s(), a)
	}

	var g errgroup.Group
	for i := 0; i < 32; i++ {
		g.Go(func() error {
			x := inputs[i%len(inputs)]
			y, err := k.Compute(Inputs{X: x, W: w})
			if err != nil {
				return err
			}
			if !floats.EqualApprox(wants[i%len(inputs)], toFloat64(y.Float32s()), 1e-4) {
				return errors.New("concurrent result differs from reference")
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())

	assert.Equal(t, 2, k.State().Cache().Len())
	assert.Equal(t, int64(2), lib.Stats().Heuristics)
	assert.Zero(t, pool.Stats().Live)
}

func TestConv_CloseReleasesDescriptors(t *testing.T) {
	rng := rand.New(rand.NewPCG(18, 18))
	lib := cpu.New()
	k, err := New(Attributes{Pads: []int{0, 0, 1, 1}, Group: 1}, DefaultOptions(), lib, device.NewPool(1<<30))
	require.NoError(t, err)

	x := randomTensor(t, rng, tensor.Shape{1, 3, 5, 5}, tensor.Float32)
	w := randomTensor(t, rng, tensor.Shape{4, 3, 3, 3}, tensor.Float32)
	_, err = k.Compute(Inputs{X: x, W: w, B: randomTensor(t, rng, tensor.Shape{4}, tensor.Float32), Z: randomTensor(t, rng, tensor.Shape{1, 4, 4, 4}, tensor.Float32)})
	require.NoError(t, err)

	tensors, convs := lib.LiveDescriptors()
	assert.Equal(t, 6, tensors)
	assert.Equal(t, 1, convs)

	require.NoError(t, k.Close())
	tensors, convs = lib.LiveDescriptors()
	assert.Zero(t, tensors)
	assert.Zero(t, convs)
	require.NoError(t, k.Close())
}

func TestNew_RejectsInvalidOptions(t *testing.T) {
	_, err := New(Attributes{Group: 1}, Options{AlgoSearch: SearchMode(3)}, cpu.New(), device.NewPool(1))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "should be 0, 1 or 2")

	_, err = New(Attributes{}, DefaultOptions(), cpu.New(), device.NewPool(1))
	require.ErrorIs(t, err, ErrShape)
}
