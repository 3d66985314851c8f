package conv

import (
	"log/slog"

	"github.com/born-ml/convexec/internal/device"
	"github.com/born-ml/convexec/internal/dnn"
)

// AlgoSearchWorkspaceSize is the search scratch used when the budget is not
// derived from free device memory.
const AlgoSearchWorkspaceSize = 32 << 20

// usableMemory is 90% of the free device memory, leaving 10% for
// fragmentation.
func usableMemory(mem device.Allocator) uint64 {
	free, _ := mem.MemInfo()
	return free / 10 * 9
}

// BoundedWorkspaceSize returns the fixed search scratch size, capped at 90%
// of free device memory.
func BoundedWorkspaceSize(mem device.Allocator) uint64 {
	return min(uint64(AlgoSearchWorkspaceSize), usableMemory(mem))
}

// MaxWorkspaceSize returns the largest workspace any of algos needs for
// the described convolution, considering only sizes that the library
// reports without error, are nonzero and fit in 90% of free device memory.
// It returns 0 when no algorithm qualifies.
func MaxWorkspaceSize(lib dnn.Library, mem device.Allocator, x, w, conv, y dnn.Handle, algos []dnn.Algo) uint64 {
	free := usableMemory(mem)

	var largest uint64
	for _, algo := range algos {
		size, err := lib.ForwardWorkspaceSize(x, w, conv, y, algo)
		if err != nil || size == 0 || size < largest || size > free {
			continue
		}
		largest = size
	}
	slog.Debug("conv search workspace budget", "free", free, "size", largest)
	return largest
}
