package cpu

import (
	"math"
	"unsafe"

	"github.com/born-ml/convexec/internal/dnn"
	"github.com/born-ml/convexec/internal/parallel"
	"github.com/born-ml/convexec/internal/tensor"
)

type float interface {
	~float32 | ~float64
}

// geometry is a fully validated convolution problem.
type geometry struct {
	n, c, k, group int
	cg, kg         int // input and output channels per group

	in, kern, out            []int // spatial dims
	pads, strides, dilations []int

	inSize, kernSize, outSize int

	dtype tensor.DataType
}

// resolve checks that the four descriptors describe one convolution.
func (cpu *CPUBackend) resolve(op string, x, w, conv, y dnn.Handle) (*geometry, convDesc, error) {
	xd, err := cpu.tensorDesc(op, x)
	if err != nil {
		return nil, convDesc{}, err
	}
	wd, err := cpu.tensorDesc(op, w)
	if err != nil {
		return nil, convDesc{}, err
	}
	yd, err := cpu.tensorDesc(op, y)
	if err != nil {
		return nil, convDesc{}, err
	}
	cd, err := cpu.convDesc(op, conv)
	if err != nil {
		return nil, convDesc{}, err
	}

	p := cd.params
	rank := len(p.Pads)
	if len(xd.dims) != rank+2 || len(wd.dims) != rank+2 || len(yd.dims) != rank+2 {
		return nil, cd, dnn.Errorf(op, dnn.StatusBadParam, "ranks x=%d w=%d y=%d for %d spatial axes",
			len(xd.dims), len(wd.dims), len(yd.dims), rank)
	}
	if xd.dtype != wd.dtype || xd.dtype != yd.dtype {
		return nil, cd, dnn.Errorf(op, dnn.StatusBadParam, "mixed data types x=%s w=%s y=%s", xd.dtype, wd.dtype, yd.dtype)
	}

	g := &geometry{
		n:         xd.dims[0],
		c:         xd.dims[1],
		k:         wd.dims[0],
		group:     p.Group,
		in:        xd.dims[2:],
		kern:      wd.dims[2:],
		out:       make([]int, rank),
		pads:      p.Pads,
		strides:   p.Strides,
		dilations: p.Dilations,
		dtype:     xd.dtype,
	}
	if g.c != wd.dims[1]*g.group {
		return nil, cd, dnn.Errorf(op, dnn.StatusBadParam, "input channels %d != filter channels %d x group %d", g.c, wd.dims[1], g.group)
	}
	if g.k%g.group != 0 {
		return nil, cd, dnn.Errorf(op, dnn.StatusBadParam, "output channels %d not divisible by group %d", g.k, g.group)
	}
	g.cg, g.kg = wd.dims[1], g.k/g.group

	g.inSize, g.kernSize, g.outSize = 1, 1, 1
	for i := 0; i < rank; i++ {
		eff := g.dilations[i]*(g.kern[i]-1) + 1
		span := g.in[i] + 2*g.pads[i]
		if span < eff {
			return nil, cd, dnn.Errorf(op, dnn.StatusBadParam, "axis %d: padded input %d smaller than kernel extent %d", i, span, eff)
		}
		g.out[i] = (span-eff)/g.strides[i] + 1
		g.inSize *= g.in[i]
		g.kernSize *= g.kern[i]
		g.outSize *= g.out[i]
	}

	want := append(tensor.Shape{g.n, g.k}, g.out...)
	if !yd.dims.Equal(want) {
		return nil, cd, dnn.Errorf(op, dnn.StatusBadParam, "output descriptor %v, convolution produces %v", yd.dims, want)
	}
	return g, cd, nil
}

func (g *geometry) computeSize() int {
	if g.dtype == tensor.Float64 {
		return 8
	}
	return 4
}

// workspaceSize returns the scratch bytes algo needs for g.
func (g *geometry) workspaceSize(op string, algo dnn.Algo) (uint64, error) {
	switch algo {
	case dnn.AlgoImplicitGemm:
		return 0, nil
	case dnn.AlgoImplicitPrecompGemm:
		if g.inSize > math.MaxInt32 {
			return 0, dnn.Errorf(op, dnn.StatusNotSupported, "%s: input plane too large for 32-bit offsets", algo)
		}
		return uint64(g.outSize) * uint64(g.kernSize) * 4, nil
	case dnn.AlgoGemm:
		return uint64(g.cg) * uint64(g.kernSize) * uint64(g.outSize) * uint64(g.computeSize()), nil
	case dnn.AlgoDirect:
		if len(g.in) != 2 || g.group != 1 {
			return 0, dnn.Errorf(op, dnn.StatusNotSupported, "%s needs 2 spatial axes and one group", algo)
		}
		return 0, nil
	case dnn.AlgoFFT, dnn.AlgoFFTTiling, dnn.AlgoWinograd, dnn.AlgoWinogradNonfused:
		return 0, dnn.Errorf(op, dnn.StatusNotSupported, "%s is not implemented on the host", algo)
	default:
		return 0, dnn.Errorf(op, dnn.StatusBadParam, "unknown algorithm %d", int(algo))
	}
}

func (g *geometry) checkData(op string, xData, wData, yData []byte) error {
	elem := g.dtype.Size()
	if need := g.n * g.c * g.inSize * elem; len(xData) < need {
		return dnn.Errorf(op, dnn.StatusBadParam, "x holds %d bytes, need %d", len(xData), need)
	}
	if need := g.k * g.cg * g.kernSize * elem; len(wData) < need {
		return dnn.Errorf(op, dnn.StatusBadParam, "w holds %d bytes, need %d", len(wData), need)
	}
	if need := g.n * g.k * g.outSize * elem; len(yData) < need {
		return dnn.Errorf(op, dnn.StatusBadParam, "y holds %d bytes, need %d", len(yData), need)
	}
	return nil
}

// ForwardWorkspaceSize implements dnn.Library.
func (cpu *CPUBackend) ForwardWorkspaceSize(x, w, conv, y dnn.Handle, algo dnn.Algo) (uint64, error) {
	const op = "ForwardWorkspaceSize"
	cpu.workspaceQueries.Add(1)
	g, _, err := cpu.resolve(op, x, w, conv, y)
	if err != nil {
		return 0, err
	}
	return g.workspaceSize(op, algo)
}

// ConvolutionForward implements dnn.Library.
func (cpu *CPUBackend) ConvolutionForward(x dnn.Handle, xData []byte, w dnn.Handle, wData []byte, conv dnn.Handle,
	algo dnn.Algo, workspace []byte, y dnn.Handle, yData []byte,
) error {
	const op = "ConvolutionForward"
	cpu.forwards.Add(1)
	g, _, err := cpu.resolve(op, x, w, conv, y)
	if err != nil {
		return err
	}
	need, err := g.workspaceSize(op, algo)
	if err != nil {
		return err
	}
	if uint64(len(workspace)) < need {
		return dnn.Errorf(op, dnn.StatusBadParam, "%s needs %d workspace bytes, got %d", algo, need, len(workspace))
	}
	if err := g.checkData(op, xData, wData, yData); err != nil {
		return err
	}
	logCall(op, "algo", algo, "x", append(tensor.Shape{g.n, g.c}, g.in...), "workspace", need)
	cpu.forward(g, algo, xData, wData, yData, workspace)
	return nil
}

// forward runs algo on validated buffers. Half data is computed in float32.
func (cpu *CPUBackend) forward(g *geometry, algo dnn.Algo, xData, wData, yData, workspace []byte) {
	nx, nw, ny := g.n*g.c*g.inSize, g.k*g.cg*g.kernSize, g.n*g.k*g.outSize
	switch g.dtype {
	case tensor.Float32:
		runAlgo(g, algo, tensor.BytesAsFloat32(xData)[:nx], tensor.BytesAsFloat32(wData)[:nw],
			tensor.BytesAsFloat32(yData)[:ny], workspace, cpu.parallel)
	case tensor.Float64:
		runAlgo(g, algo, tensor.BytesAsFloat64(xData)[:nx], tensor.BytesAsFloat64(wData)[:nw],
			tensor.BytesAsFloat64(yData)[:ny], workspace, cpu.parallel)
	case tensor.Float16:
		y := make([]float32, ny)
		runAlgo(g, algo, tensor.DecodeFloat32(xData, g.dtype, nx), tensor.DecodeFloat32(wData, g.dtype, nw),
			y, workspace, cpu.parallel)
		tensor.EncodeFloat32(yData, g.dtype, y)
	}
}

func runAlgo[T float](g *geometry, algo dnn.Algo, x, w, y []T, workspace []byte, cfg parallel.Config) {
	switch algo {
	case dnn.AlgoImplicitGemm:
		convImplicit(g, x, w, y, cfg)
	case dnn.AlgoImplicitPrecompGemm:
		convPrecomp(g, x, w, y, bytesAs[int32](workspace)[:g.outSize*g.kernSize], cfg)
	case dnn.AlgoGemm:
		convGemm(g, x, w, y, bytesAs[T](workspace)[:g.cg*g.kernSize*g.outSize], cfg)
	case dnn.AlgoDirect:
		convDirect2D(g, x, w, y, cfg)
	}
}

func bytesAs[T any](b []byte) []T {
	var zero T
	size := int(unsafe.Sizeof(zero))
	if len(b) < size {
		return nil
	}
	//nolint:gosec // unsafe.Slice for zero-copy workspace access, length derived from the byte slice
	return unsafe.Slice((*T)(unsafe.Pointer(&b[0])), len(b)/size)
}

// unravel converts a row-major flat index into coordinates.
func unravel(idx int, dims, coords []int) {
	for i := len(dims) - 1; i >= 0; i-- {
		coords[i] = idx % dims[i]
		idx /= dims[i]
	}
}

// inputOffset maps an output position and a kernel tap to a flat offset in
// the input plane, or -1 when the tap falls into padding.
func (g *geometry) inputOffset(oc, qc []int) int {
	off := 0
	for i := range g.in {
		pos := oc[i]*g.strides[i] - g.pads[i] + qc[i]*g.dilations[i]
		if pos < 0 || pos >= g.in[i] {
			return -1
		}
		off = off*g.in[i] + pos
	}
	return off
}

// convImplicit computes every output element directly, resolving input
// offsets on the fly. It needs no workspace.
func convImplicit[T float](g *geometry, x, w, y []T, cfg parallel.Config) {
	parallel.ForBatch(g.n, g.k, func(n, k int) {
		grp := k / g.kg
		oc := make([]int, len(g.out))
		qc := make([]int, len(g.kern))
		yPlane := y[(n*g.k+k)*g.outSize:][:g.outSize]
		wk := w[k*g.cg*g.kernSize:][:g.cg*g.kernSize]

		for o := range yPlane {
			unravel(o, g.out, oc)
			var sum T
			for ci := 0; ci < g.cg; ci++ {
				xPlane := x[(n*g.c+grp*g.cg+ci)*g.inSize:][:g.inSize]
				for q := 0; q < g.kernSize; q++ {
					unravel(q, g.kern, qc)
					if off := g.inputOffset(oc, qc); off >= 0 {
						sum += wk[ci*g.kernSize+q] * xPlane[off]
					}
				}
			}
			yPlane[o] = sum
		}
	}, cfg)
}

// buildOffsetTable fills table[o*kernSize+q] with inputOffset for every
// output position o and kernel tap q.
func buildOffsetTable(g *geometry, table []int32) {
	oc := make([]int, len(g.out))
	qc := make([]int, len(g.kern))
	for o := 0; o < g.outSize; o++ {
		unravel(o, g.out, oc)
		for q := 0; q < g.kernSize; q++ {
			unravel(q, g.kern, qc)
			table[o*g.kernSize+q] = int32(g.inputOffset(oc, qc)) //nolint:gosec // bounded by workspaceSize
		}
	}
}

// convPrecomp precomputes the input offsets of every tap once and reuses
// them for all batches and channels.
func convPrecomp[T float](g *geometry, x, w, y []T, table []int32, cfg parallel.Config) {
	buildOffsetTable(g, table)

	parallel.ForBatch(g.n, g.k, func(n, k int) {
		grp := k / g.kg
		yPlane := y[(n*g.k+k)*g.outSize:][:g.outSize]
		wk := w[k*g.cg*g.kernSize:][:g.cg*g.kernSize]

		for o := range yPlane {
			offs := table[o*g.kernSize:][:g.kernSize]
			var sum T
			for ci := 0; ci < g.cg; ci++ {
				xPlane := x[(n*g.c+grp*g.cg+ci)*g.inSize:][:g.inSize]
				wc := wk[ci*g.kernSize:][:g.kernSize]
				for q, off := range offs {
					if off >= 0 {
						sum += wc[q] * xPlane[off]
					}
				}
			}
			yPlane[o] = sum
		}
	}, cfg)
}

// convGemm lowers each (batch, group) slab with im2col and multiplies it
// by the filter matrix.
//
//	col:    [C_g * K_spatial, out_spatial]
//	filter: [K_g, C_g * K_spatial]
//	result: [K_g, out_spatial]
func convGemm[T float](g *geometry, x, w, y, col []T, cfg parallel.Config) {
	rows := g.cg * g.kernSize
	oc := make([]int, len(g.out))
	qc := make([]int, len(g.kern))

	for n := 0; n < g.n; n++ {
		for grp := 0; grp < g.group; grp++ {
			for ci := 0; ci < g.cg; ci++ {
				xPlane := x[(n*g.c+grp*g.cg+ci)*g.inSize:][:g.inSize]
				for q := 0; q < g.kernSize; q++ {
					unravel(q, g.kern, qc)
					dst := col[(ci*g.kernSize+q)*g.outSize:][:g.outSize]
					for o := range dst {
						unravel(o, g.out, oc)
						if off := g.inputOffset(oc, qc); off >= 0 {
							dst[o] = xPlane[off]
						} else {
							dst[o] = 0
						}
					}
				}
			}

			parallel.For(g.kg, func(kk int) {
				k := grp*g.kg + kk
				yPlane := y[(n*g.k+k)*g.outSize:][:g.outSize]
				clear(yPlane)
				for r, wv := range w[k*rows:][:rows] {
					src := col[r*g.outSize:][:g.outSize]
					for o, v := range src {
						yPlane[o] += wv * v
					}
				}
			}, cfg)
		}
	}
}

// convDirect2D is a row-oriented loop nest for two spatial axes and a
// single group.
func convDirect2D[T float](g *geometry, x, w, y []T, cfg parallel.Config) {
	ih, iw := g.in[0], g.in[1]
	kh, kw := g.kern[0], g.kern[1]
	oh, ow := g.out[0], g.out[1]
	sh, sw := g.strides[0], g.strides[1]
	ph, pw := g.pads[0], g.pads[1]
	dh, dw := g.dilations[0], g.dilations[1]

	parallel.ForBatch(g.n, g.k, func(n, k int) {
		yPlane := y[(n*g.k+k)*g.outSize:][:g.outSize]
		wk := w[k*g.cg*g.kernSize:][:g.cg*g.kernSize]
		clear(yPlane)

		for c := 0; c < g.cg; c++ {
			xPlane := x[(n*g.c+c)*g.inSize:][:g.inSize]
			for a := 0; a < kh; a++ {
				for b := 0; b < kw; b++ {
					wv := wk[(c*kh+a)*kw+b]
					for oy := 0; oy < oh; oy++ {
						iy := oy*sh - ph + a*dh
						if iy < 0 || iy >= ih {
							continue
						}
						row := xPlane[iy*iw:][:iw]
						out := yPlane[oy*ow:][:ow]
						for ox := range out {
							if ix := ox*sw - pw + b*dw; ix >= 0 && ix < iw {
								out[ox] += wv * row[ix]
							}
						}
					}
				}
			}
		}
	}, cfg)
}
