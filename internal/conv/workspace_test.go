package conv

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/born-ml/convexec/internal/device"
	"github.com/born-ml/convexec/internal/dnn"
)

// sizedLibrary reports fixed workspace sizes per algorithm.
type sizedLibrary struct {
	dnn.Library
	sizes map[dnn.Algo]uint64
}

func (l *sizedLibrary) ForwardWorkspaceSize(_, _, _, _ dnn.Handle, algo dnn.Algo) (uint64, error) {
	size, ok := l.sizes[algo]
	if !ok {
		return 0, dnn.Errorf("ForwardWorkspaceSize", dnn.StatusNotSupported, "%s", algo)
	}
	return size, nil
}

// fixedMem reports a fixed amount of free memory.
type fixedMem struct {
	device.Allocator
	free, total uint64
}

func (m fixedMem) MemInfo() (free, total uint64) { return m.free, m.total }

func TestMaxWorkspaceSize(t *testing.T) {
	lib := &sizedLibrary{sizes: map[dnn.Algo]uint64{
		dnn.AlgoImplicitGemm:        0,
		dnn.AlgoImplicitPrecompGemm: 400,
		dnn.AlgoGemm:                850,
		dnn.AlgoDirect:              950,
	}}

	tests := []struct {
		name string
		free uint64
		want uint64
	}{
		{"everything fits", 10000, 950},
		// 90% of 1000 is 900: 950 is skipped.
		{"fragmentation margin", 1000, 850},
		{"only small fits", 500, 400},
		{"nothing fits", 100, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := MaxWorkspaceSize(lib, fixedMem{free: tt.free, total: 1 << 20}, 1, 2, 3, 4, dnn.AllAlgos)
			assert.Equal(t, tt.want, got)
			assert.LessOrEqual(t, float64(got), 0.9*float64(tt.free))
		})
	}
}

func TestMaxWorkspaceSize_NeverAboveNinetyPercent(t *testing.T) {
	for free := uint64(0); free < 2000; free += 7 {
		lib := &sizedLibrary{sizes: map[dnn.Algo]uint64{}}
		for i, algo := range dnn.AllAlgos {
			lib.sizes[algo] = free - free/uint64(i+2)
		}
		mem := fixedMem{free: free, total: 4000}
		got := MaxWorkspaceSize(lib, mem, 1, 2, 3, 4, dnn.AllAlgos)
		assert.LessOrEqual(t, float64(got), 0.9*float64(free), "free=%d", free)
		assert.LessOrEqual(t, float64(BoundedWorkspaceSize(mem)), 0.9*float64(free), "bounded, free=%d", free)
	}
}

func TestBoundedWorkspaceSize(t *testing.T) {
	assert.Equal(t, uint64(AlgoSearchWorkspaceSize), BoundedWorkspaceSize(fixedMem{free: 1 << 30}))
	assert.Equal(t, uint64(16<<20)/10*9, BoundedWorkspaceSize(fixedMem{free: 16 << 20}))
	assert.Zero(t, BoundedWorkspaceSize(fixedMem{}))
}

func TestMaxWorkspaceSize_LiveQueryAgainstPool(t *testing.T) {
	pool := device.NewPool(1000)
	held, err := pool.Acquire(500)
	if err != nil {
		t.Fatal(err)
	}
	defer held.Release()

	lib := &sizedLibrary{sizes: map[dnn.Algo]uint64{dnn.AlgoGemm: 460, dnn.AlgoDirect: 440}}
	assert.Equal(t, uint64(440), MaxWorkspaceSize(lib, pool, 1, 2, 3, 4, dnn.AllAlgos))
}
