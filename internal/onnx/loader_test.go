package onnx

import (
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/floats"

	"github.com/born-ml/convexec/internal/conv"
	"github.com/born-ml/convexec/internal/provider"
	"github.com/born-ml/convexec/internal/tensor"
)

func newProvider(t *testing.T) *provider.Provider {
	t.Helper()
	p, err := provider.New(provider.Config{
		Options:      conv.Options{AlgoSearch: conv.SearchHeuristic},
		DeviceMemory: 16 << 20,
		NumThreads:   1,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = p.Close() })
	return p
}

func float32Bytes(v ...float32) []byte {
	r, err := tensor.FromFloat32(tensor.Shape{len(v)}, tensor.Float32, v)
	if err != nil {
		panic(err)
	}
	return r.Data()
}

func ones(n int) []float32 {
	v := make([]float32, n)
	for i := range v {
		v[i] = 1
	}
	return v
}

// residualBlock is y = Conv(x, w, b) followed by
// out = Relu(Conv(y, w) + y), both 3x3 with pads 1.
func residualBlock() *ModelProto {
	pads := AttributeProto{Name: "pads", Type: AttributeProtoInts, Ints: []int64{1, 1, 1, 1}}
	return &ModelProto{
		IRVersion:   8,
		OpsetImport: []OperatorSetID{{Version: 13}, {Domain: "com.microsoft", Version: 1}},
		Graph: &GraphProto{
			Name: "block",
			// Out of order on purpose.
			Nodes: []NodeProto{
				{
					Name: "fused", OpType: "FusedConv", Domain: "com.microsoft",
					Inputs: []string{"y", "w", "", "y"}, Outputs: []string{"out"},
					Attributes: []AttributeProto{pads, {Name: "activation", Type: AttributeProtoString, S: []byte("Relu")}},
				},
				{
					Name: "conv", OpType: "Conv",
					Inputs: []string{"x", "w", "b"}, Outputs: []string{"y"},
					Attributes: []AttributeProto{pads},
				},
			},
			Initializers: []TensorProto{
				{Name: "w", DataType: TensorProtoFloat, Dims: []int64{1, 1, 3, 3}, FloatData: ones(9)},
				{Name: "b", DataType: TensorProtoFloat, Dims: []int64{1}, RawData: float32Bytes(0.5)},
			},
			Inputs: []ValueInfoProto{
				{Name: "x", ElemType: TensorProtoFloat, Shape: []DimensionProto{{DimParam: "N"}, {DimValue: 1}, {DimValue: 4}, {DimValue: 4}}},
				{Name: "w", ElemType: TensorProtoFloat},
			},
			Outputs: []ValueInfoProto{{Name: "out"}},
		},
	}
}

// boxSum is a 3x3 box filter with zero padding over an n x n plane.
func boxSum(in []float64, n int) []float64 {
	out := make([]float64, n*n)
	for i := range n {
		for j := range n {
			for di := -1; di <= 1; di++ {
				for dj := -1; dj <= 1; dj++ {
					r, c := i+di, j+dj
					if r >= 0 && r < n && c >= 0 && c < n {
						out[i*n+j] += in[r*n+c]
					}
				}
			}
		}
	}
	return out
}

func TestTopologicalSort(t *testing.T) {
	// A -> B -> C
	//      B -> D
	nodes := []NodeProto{
		{Name: "C", Inputs: []string{"b_out"}, Outputs: []string{"c_out"}},
		{Name: "A", Inputs: []string{"input"}, Outputs: []string{"a_out"}},
		{Name: "D", Inputs: []string{"b_out"}, Outputs: []string{"d_out"}},
		{Name: "B", Inputs: []string{"a_out"}, Outputs: []string{"b_out"}},
	}

	sorted := topologicalSort(nodes)

	positions := make(map[string]int)
	for i, node := range sorted {
		positions[node.Name] = i
	}
	assert.Less(t, positions["A"], positions["B"])
	assert.Less(t, positions["B"], positions["C"])
	assert.Less(t, positions["B"], positions["D"])
}

func TestLoad_ResidualBlock(t *testing.T) {
	p := newProvider(t)
	m, err := LoadFromBytes(Marshal(residualBlock()), p)
	require.NoError(t, err)

	assert.Equal(t, int64(13), m.OpsetVersion())
	assert.Equal(t, []string{"x"}, m.InputNames())
	assert.Equal(t, []Input{{Name: "x", DType: tensor.Float32, Shape: tensor.Shape{-1, 1, 4, 4}}}, m.Inputs())
	assert.Equal(t, []string{"out"}, m.OutputNames())

	x, err := tensor.FromFloat32(tensor.Shape{1, 1, 4, 4}, tensor.Float32, ones(16))
	require.NoError(t, err)
	out, err := m.Forward(x)
	require.NoError(t, err)
	require.Equal(t, tensor.Shape{1, 1, 4, 4}, out.Shape())

	y := boxSum(toFloat64(ones(16)), 4)
	floats.AddConst(0.5, y)
	want := boxSum(y, 4)
	floats.Add(want, y)

	got := toFloat64(out.Float32s())
	assert.True(t, floats.EqualApprox(want, got, 1e-4), "want %v\ngot  %v", want, got)

	// One kernel per Conv node.
	assert.Equal(t, 2, p.Kernels())
}

func TestLoad_ForwardNamedConcurrent(t *testing.T) {
	p := newProvider(t)
	m, err := LoadFromProto(residualBlock(), p, DefaultLoadOptions())
	require.NoError(t, err)

	var wg sync.WaitGroup
	results := make([][]float32, 8)
	for i := range results {
		wg.Add(1)
		go func() {
			defer wg.Done()
			n := 1 + i%2
			x, err := tensor.FromFloat32(tensor.Shape{n, 1, 4, 4}, tensor.Float32, ones(16*n))
			if !assert.NoError(t, err) {
				return
			}
			out, err := m.ForwardNamed(map[string]*tensor.RawTensor{"x": x})
			if !assert.NoError(t, err) {
				return
			}
			results[i] = out["out"].Float32s()[:16]
		}()
	}
	wg.Wait()
	for _, r := range results[1:] {
		assert.Equal(t, results[0], r)
	}
}

func TestLoad_Errors(t *testing.T) {
	p := newProvider(t)

	m, err := LoadFromProto(residualBlock(), p, DefaultLoadOptions())
	require.NoError(t, err)
	_, err = m.ForwardNamed(nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "missing input: x")

	// Wrong channel count surfaces as a shape error of the conv node.
	x, err := tensor.NewRaw(tensor.Shape{1, 2, 4, 4}, tensor.Float32)
	require.NoError(t, err)
	_, err = m.Forward(x)
	require.ErrorIs(t, err, conv.ErrShape)
	assert.Contains(t, err.Error(), "node conv (Conv)")

	_, err = LoadFromProto(&ModelProto{}, p, DefaultLoadOptions())
	require.Error(t, err)

	_, err = LoadFromProto(residualBlock(), nil, DefaultLoadOptions())
	require.Error(t, err)

	unsupported := residualBlock()
	unsupported.Graph.Nodes = append(unsupported.Graph.Nodes, NodeProto{OpType: "MaxPool"})
	_, err = LoadFromProto(unsupported, p, DefaultLoadOptions())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "MaxPool")

	_, err = LoadFromProto(unsupported, p, LoadOptions{})
	require.NoError(t, err)

	badInit := residualBlock()
	badInit.Graph.Initializers[1].RawData = []byte{1, 2}
	_, err = LoadFromProto(badInit, p, DefaultLoadOptions())
	require.Error(t, err)
}

func TestTensorFromProto(t *testing.T) {
	tests := []struct {
		name  string
		proto TensorProto
		dtype tensor.DataType
		want  []float32
	}{
		{"float data", TensorProto{DataType: TensorProtoFloat, Dims: []int64{2}, FloatData: []float32{1, 2}}, tensor.Float32, []float32{1, 2}},
		{"raw data", TensorProto{DataType: TensorProtoFloat, Dims: []int64{1}, RawData: float32Bytes(3)}, tensor.Float32, []float32{3}},
		{"double data", TensorProto{DataType: TensorProtoDouble, Dims: []int64{2}, DoubleData: []float64{0.5, -4}}, tensor.Float64, []float32{0.5, -4}},
		{"half bits", TensorProto{DataType: TensorProtoFloat16, Dims: []int64{2}, Int32Data: []int32{0x3c00, 0xc000}}, tensor.Float16, []float32{1, -2}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, err := tensorFromProto(&tt.proto)
			require.NoError(t, err)
			assert.Equal(t, tt.dtype, r.DType())
			assert.Equal(t, tt.want, r.Float32s())
		})
	}

	_, err := tensorFromProto(&TensorProto{DataType: 7, Dims: []int64{1}})
	require.Error(t, err)
}

func TestProtoType(t *testing.T) {
	for _, dt := range []tensor.DataType{tensor.Float32, tensor.Float64, tensor.Float16} {
		elem, err := ProtoType(dt)
		require.NoError(t, err)
		back, err := protoTypeToTensorType(elem)
		require.NoError(t, err)
		assert.Equal(t, dt, back)
	}
	_, err := ProtoType(tensor.DataType(7))
	assert.Error(t, err)
}

func TestGetModelInfo(t *testing.T) {
	path := filepath.Join(t.TempDir(), "block.onnx")
	require.NoError(t, os.WriteFile(path, Marshal(residualBlock()), 0o600))

	info, err := GetModelInfo(path)
	require.NoError(t, err)
	assert.Equal(t, &ModelInfo{
		IRVersion:    8,
		OpsetVersion: 13,
		InputNames:   []string{"x"},
		OutputNames:  []string{"out"},
		NodeCount:    2,
		ConvCount:    2,
		WeightCount:  2,
	}, info)
}

func TestListSupportedOps(t *testing.T) {
	assert.Equal(t, []string{"Conv", "FusedConv"}, ListSupportedOps())
}

func toFloat64(v []float32) []float64 {
	out := make([]float64, len(v))
	for i, x := range v {
		out[i] = float64(x)
	}
	return out
}
