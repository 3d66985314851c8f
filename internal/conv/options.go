package conv

import (
	"fmt"
	"strings"
)

// SearchMode selects how an algorithm is chosen on a cache miss.
type SearchMode int

const (
	// SearchExhaustive benchmarks every algorithm on the real buffers.
	SearchExhaustive SearchMode = iota
	// SearchHeuristic asks the library to rank algorithms without running them.
	SearchHeuristic
	// SearchDefault always uses dnn.DefaultAlgo.
	SearchDefault
)

func (m SearchMode) String() string {
	switch m {
	case SearchExhaustive:
		return "exhaustive"
	case SearchHeuristic:
		return "heuristic"
	case SearchDefault:
		return "default"
	default:
		return fmt.Sprintf("SearchMode(%d)", int(m))
	}
}

// ParseSearchMode accepts the mode names and their numeric forms 0, 1, 2.
func ParseSearchMode(s string) (SearchMode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "exhaustive", "0":
		return SearchExhaustive, nil
	case "heuristic", "1":
		return SearchHeuristic, nil
	case "default", "2":
		return SearchDefault, nil
	default:
		return 0, fmt.Errorf("conv: unknown algorithm search mode %q", s)
	}
}

// Conv1DPadding places the synthetic spatial axis that lifts a 1-D
// convolution to the two spatial axes the library requires.
type Conv1DPadding int

const (
	// Conv1DPadAppend lifts [N, C, D] to [N, C, D, 1].
	Conv1DPadAppend Conv1DPadding = iota
	// Conv1DPadNC1D lifts [N, C, D] to [N, C, 1, D].
	Conv1DPadNC1D
)

func (p Conv1DPadding) String() string {
	if p == Conv1DPadNC1D {
		return "nc1d"
	}
	return "append"
}

// Options is the provider level configuration of convolution kernels. It is
// read once when a kernel is created.
type Options struct {
	AlgoSearch      SearchMode
	UseMaxWorkspace bool
	Conv1DPad       Conv1DPadding
}

// DefaultOptions returns exhaustive search with the fixed search workspace
// and the append 1-D placement.
func DefaultOptions() Options {
	return Options{AlgoSearch: SearchExhaustive, Conv1DPad: Conv1DPadAppend}
}

// Validate rejects out of range enum values.
func (o Options) Validate() error {
	if o.AlgoSearch < SearchExhaustive || o.AlgoSearch > SearchDefault {
		return fmt.Errorf("conv: algorithm search mode should be 0, 1 or 2, but got %d", int(o.AlgoSearch))
	}
	if o.Conv1DPad != Conv1DPadAppend && o.Conv1DPad != Conv1DPadNC1D {
		return fmt.Errorf("conv: unknown 1-D padding placement %d", int(o.Conv1DPad))
	}
	return nil
}
