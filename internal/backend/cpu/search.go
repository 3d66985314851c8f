package cpu

import (
	"sort"
	"time"

	"github.com/born-ml/convexec/internal/dnn"
	"github.com/born-ml/convexec/internal/tensor"
)

// Relative cost of one multiply-accumulate per algorithm, used by the
// heuristic ranking. Unsupported algorithms have no entry.
var algoCost = map[dnn.Algo]float64{
	dnn.AlgoImplicitGemm:        1.6,
	dnn.AlgoImplicitPrecompGemm: 1.0,
	dnn.AlgoGemm:                1.2,
	dnn.AlgoDirect:              0.9,
}

// FindForwardAlgorithm implements dnn.Library. Every supported algorithm
// that fits in workspace is run once and timed.
func (cpu *CPUBackend) FindForwardAlgorithm(x dnn.Handle, xData []byte, w dnn.Handle, wData []byte, conv, y dnn.Handle,
	yData []byte, requested int, workspace []byte,
) ([]dnn.AlgoPerf, error) {
	const op = "FindForwardAlgorithm"
	cpu.finds.Add(1)
	if requested < 1 {
		return nil, dnn.Errorf(op, dnn.StatusBadParam, "requested %d results", requested)
	}
	g, cd, err := cpu.resolve(op, x, w, conv, y)
	if err != nil {
		return nil, err
	}
	if err := g.checkData(op, xData, wData, yData); err != nil {
		return nil, err
	}

	var perfs []dnn.AlgoPerf
	for _, algo := range dnn.AllAlgos {
		need, err := g.workspaceSize(op, algo)
		if err != nil || need > uint64(len(workspace)) {
			continue
		}
		start := time.Now()
		cpu.forward(g, algo, xData, wData, yData, workspace)
		perfs = append(perfs, dnn.AlgoPerf{
			Algo:     algo,
			Time:     time.Since(start),
			Memory:   need,
			MathType: cd.mathType,
		})
	}
	if len(perfs) == 0 {
		return nil, dnn.Errorf(op, dnn.StatusNotSupported, "no algorithm fits in %d workspace bytes", len(workspace))
	}

	sort.SliceStable(perfs, func(i, j int) bool { return perfs[i].Time < perfs[j].Time })
	logCall(op, "candidates", len(perfs), "best", perfs[0].Algo, "time", perfs[0].Time)
	return perfs[:min(requested, len(perfs))], nil
}

// ForwardAlgorithmHeuristic implements dnn.Library. The estimate is the
// multiply-accumulate count scaled by a per-algorithm factor.
func (cpu *CPUBackend) ForwardAlgorithmHeuristic(x, w, conv, y dnn.Handle, requested int) ([]dnn.AlgoPerf, error) {
	const op = "ForwardAlgorithmHeuristic"
	cpu.heuristics.Add(1)
	if requested < 1 {
		return nil, dnn.Errorf(op, dnn.StatusBadParam, "requested %d results", requested)
	}
	g, cd, err := cpu.resolve(op, x, w, conv, y)
	if err != nil {
		return nil, err
	}

	macs := float64(g.n) * float64(g.k) * float64(g.outSize) * float64(g.cg) * float64(g.kernSize)
	var perfs []dnn.AlgoPerf
	for _, algo := range dnn.AllAlgos {
		need, err := g.workspaceSize(op, algo)
		if err != nil {
			continue
		}
		cost := algoCost[algo]
		if algo == dnn.AlgoGemm && cd.mathType == dnn.TensorOpMath && g.dtype == tensor.Float16 {
			cost *= 0.5
		}
		perfs = append(perfs, dnn.AlgoPerf{
			Algo:     algo,
			Time:     time.Duration(macs * cost),
			Memory:   need,
			MathType: cd.mathType,
		})
	}
	if len(perfs) == 0 {
		return nil, dnn.Errorf(op, dnn.StatusNotSupported, "no algorithm supports this problem")
	}

	sort.SliceStable(perfs, func(i, j int) bool { return perfs[i].Time < perfs[j].Time })
	return perfs[:min(requested, len(perfs))], nil
}
