package main

import (
	"context"
	"fmt"
	"io"
	"math/rand/v2"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/born-ml/convexec/internal/conv"
	"github.com/born-ml/convexec/internal/device"
	"github.com/born-ml/convexec/internal/parallel"
	"github.com/born-ml/convexec/internal/provider"
	"github.com/born-ml/convexec/internal/tensor"
)

// replicaStats is what one replica reports after its run.
type replicaStats struct {
	calls   int
	total   time.Duration
	first   time.Duration
	cached  int
	algo    string
	lastOut tensor.Shape
}

func newBenchCmd() *cobra.Command {
	var (
		f          convFlags
		inputs     []string
		replicas   int
		iterations int
	)

	cmd := &cobra.Command{
		Use:   "bench",
		Short: "Run independent convolution nodes concurrently",
		Long: `Bench creates one kernel per replica on a shared provider and drives
them concurrently. Every replica cycles through the input shapes, so the
algorithm cache of each kernel is filled on the first pass and reused after.`,
		Example: `  convexec bench --replicas 4 --input 1x3x32x32 --input 2x3x48x48 --iterations 5`,
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if replicas < 1 || iterations < 1 {
				return fmt.Errorf("replicas and iterations must be positive")
			}
			p, err := f.provider(cmd.Flags())
			if err != nil {
				return err
			}
			defer p.Close()

			return bench(cmd.Context(), cmd.OutOrStdout(), p, &f, inputs, replicas, iterations)
		},
	}

	f.register(cmd.Flags())
	cmd.Flags().StringSliceVarP(&inputs, "input", "i", []string{"1x3x32x32"}, "Input shapes, cycled by every replica")
	cmd.Flags().IntVarP(&replicas, "replicas", "r", 2, "Number of concurrent kernels")
	cmd.Flags().IntVarP(&iterations, "iterations", "n", 3, "Passes over the input shapes per replica")

	return cmd
}

func bench(ctx context.Context, w io.Writer, p *provider.Provider, f *convFlags, specs []string, replicas, iterations int) error {
	if ctx == nil {
		ctx = context.Background()
	}
	xShapes, err := parseShapes(specs)
	if err != nil {
		return err
	}
	attrs, err := f.attributes()
	if err != nil {
		return err
	}

	stats := make([]replicaStats, replicas)
	err = parallel.Do(ctx, replicas, replicas, func(ctx context.Context, i int) error {
		k, err := p.ConvKernel(fmt.Sprintf("replica-%d", i), attrs)
		if err != nil {
			return err
		}
		rng := rand.New(rand.NewPCG(f.seed, uint64(i)))
		wt, bt, err := f.weights(rng)
		if err != nil {
			return err
		}

		st := &stats[i]
		for range iterations {
			for _, x := range xShapes {
				if err := ctx.Err(); err != nil {
					return err
				}
				in, err := f.inputs(rng, x, wt, bt, p.Options().Conv1DPad)
				if err != nil {
					return err
				}
				start := time.Now()
				y, err := k.Compute(in)
				if err != nil {
					return fmt.Errorf("replica %d on %s: %w", i, x, err)
				}
				elapsed := time.Since(start)
				if st.calls == 0 {
					st.first = elapsed
				}
				st.calls++
				st.total += elapsed
				st.lastOut = y.Shape()
			}
		}
		st.collect(k)
		return nil
	})
	if err != nil {
		return err
	}

	data := make([][]string, 0, replicas)
	for i, st := range stats {
		data = append(data, []string{
			fmt.Sprintf("replica-%d", i),
			strconv.Itoa(st.calls),
			st.first.Round(time.Microsecond).String(),
			(st.total / time.Duration(st.calls)).Round(time.Microsecond).String(),
			st.total.Round(time.Microsecond).String(),
			strconv.Itoa(st.cached),
			st.algo,
			st.lastOut.String(),
		})
	}
	renderTable(w, []string{"KERNEL", "CALLS", "FIRST", "MEAN", "TOTAL", "CACHED", "LAST ALGO", "LAST Y"}, data)

	if pool, ok := p.Allocator().(*device.Pool); ok {
		fmt.Fprintln(w)
		renderPoolStats(w, pool.Stats())
	}
	return nil
}

func (st *replicaStats) collect(k *conv.Conv) {
	s := k.State()
	st.cached = s.Cache().Len()
	st.algo = "-"
	if st.lastOut.NumElements() > 0 {
		st.algo = s.Algo().Algo.String()
	}
}

func renderPoolStats(w io.Writer, s device.Stats) {
	renderTable(w, []string{"POOL", "VALUE"}, [][]string{
		{"allocated", strconv.FormatUint(s.Allocated, 10)},
		{"released", strconv.FormatUint(s.Released, 10)},
		{"hits", strconv.FormatUint(s.Hits, 10)},
		{"misses", strconv.FormatUint(s.Misses, 10)},
		{"pooled", strconv.Itoa(s.Pooled)},
		{"live", strconv.Itoa(s.Live)},
		{"in use", strconv.FormatUint(s.InUse, 10)},
	})
}
