package conv

import (
	"fmt"

	"github.com/born-ml/convexec/internal/dnn"
)

// selectAlgo returns the algorithm for the current library facing X shape,
// searching and caching it on a miss. Nothing is cached when the search
// fails, so the next invocation searches again.
func (k *Conv) selectAlgo(xData, wData, yData []byte) (CachedAlgo, error) {
	s := k.state
	key := s.res.LibX
	if cached, ok := s.cache.Lookup(key); ok {
		k.log.Debug("conv algorithm cache hit", "x", key, "algo", cached.Algo)
		return cached, nil
	}

	if s.dtype.IsReducedPrecision() {
		if err := s.convDesc.SetMathType(dnn.TensorOpMath); err != nil {
			return CachedAlgo{}, libraryError("set math type", err)
		}
	}

	var (
		found CachedAlgo
		err   error
	)
	switch k.opts.AlgoSearch {
	case SearchExhaustive:
		found, err = k.searchExhaustive(xData, wData, yData)
	case SearchHeuristic:
		found, err = k.searchHeuristic()
	default:
		found, err = k.defaultAlgo()
	}
	if err != nil {
		return CachedAlgo{}, err
	}

	s.cache.Insert(key, found)
	k.log.Debug("conv algorithm selected", "mode", k.opts.AlgoSearch, "x", key,
		"algo", found.Algo, "workspace", found.WorkspaceBytes, "math", found.MathType)
	return found, nil
}

// searchExhaustive benchmarks the algorithms on the real buffers with a
// transient workspace that is released as soon as the search is done.
func (k *Conv) searchExhaustive(xData, wData, yData []byte) (CachedAlgo, error) {
	s := k.state
	size := BoundedWorkspaceSize(k.alloc)
	if k.opts.UseMaxWorkspace {
		size = MaxWorkspaceSize(k.lib, k.alloc, s.x.Handle(), s.w.Handle(), s.convDesc.Handle(), s.y.Handle(), dnn.AllAlgos)
	}

	scratch, err := k.alloc.Acquire(size)
	if err != nil {
		return CachedAlgo{}, fmt.Errorf("conv algorithm search workspace: %w", err)
	}
	defer scratch.Release()

	perfs, err := k.lib.FindForwardAlgorithm(s.x.Handle(), xData, s.w.Handle(), wData, s.convDesc.Handle(),
		s.y.Handle(), yData, 1, scratch.Bytes())
	if err != nil {
		return CachedAlgo{}, libraryError("find algorithm", err)
	}
	return firstResult("find algorithm", perfs)
}

func (k *Conv) searchHeuristic() (CachedAlgo, error) {
	s := k.state
	perfs, err := k.lib.ForwardAlgorithmHeuristic(s.x.Handle(), s.w.Handle(), s.convDesc.Handle(), s.y.Handle(), 1)
	if err != nil {
		return CachedAlgo{}, libraryError("algorithm heuristic", err)
	}
	return firstResult("algorithm heuristic", perfs)
}

func (k *Conv) defaultAlgo() (CachedAlgo, error) {
	s := k.state
	size, err := k.lib.ForwardWorkspaceSize(s.x.Handle(), s.w.Handle(), s.convDesc.Handle(), s.y.Handle(), dnn.DefaultAlgo)
	if err != nil {
		return CachedAlgo{}, libraryError("workspace size", err)
	}
	math := dnn.DefaultMath
	if s.dtype.IsReducedPrecision() {
		math = dnn.TensorOpMath
	}
	return CachedAlgo{Algo: dnn.DefaultAlgo, WorkspaceBytes: size, MathType: math}, nil
}

func firstResult(step string, perfs []dnn.AlgoPerf) (CachedAlgo, error) {
	if len(perfs) == 0 {
		return CachedAlgo{}, libraryError(step, dnn.Errorf(step, dnn.StatusNotSupported, "no algorithm returned"))
	}
	p := perfs[0]
	return CachedAlgo{Algo: p.Algo, WorkspaceBytes: p.Memory, MathType: p.MathType}, nil
}
