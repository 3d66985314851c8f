// Package envconfig reads the execution provider configuration from
// CONVEXEC_* environment variables. Invalid values are logged and replaced
// by their defaults.
package envconfig

import (
	"log/slog"
	"os"
	"runtime"
	"strconv"
	"strings"

	"github.com/born-ml/convexec/internal/conv"
)

// DefaultDeviceMemory is the simulated device memory when
// CONVEXEC_DEVICE_MEMORY is unset.
const DefaultDeviceMemory uint64 = 4 << 30

// AlgoSearch returns the algorithm search mode.
// Configurable via CONVEXEC_CONV_ALGO_SEARCH: exhaustive (default),
// heuristic or default, or their numeric values 0, 1 and 2.
func AlgoSearch() conv.SearchMode {
	s := Var("CONVEXEC_CONV_ALGO_SEARCH")
	if s == "" {
		return conv.SearchExhaustive
	}
	mode, err := conv.ParseSearchMode(s)
	if err != nil {
		slog.Warn("invalid environment variable, using default", "key", "CONVEXEC_CONV_ALGO_SEARCH", "value", s, "default", conv.SearchExhaustive)
		return conv.SearchExhaustive
	}
	return mode
}

var (
	// UseMaxWorkspace lets the exhaustive search use as much device memory
	// as the budgeter allows instead of a fixed 32 MiB.
	UseMaxWorkspace = Bool("CONVEXEC_CONV_USE_MAX_WORKSPACE")

	// Conv1DPadToNC1D places the synthetic axis of 1-D convolutions before
	// the spatial axis instead of after it.
	Conv1DPadToNC1D = Bool("CONVEXEC_CONV1D_PAD_TO_NC1D")

	// DeviceMemory is the capacity of the device memory pool in bytes.
	DeviceMemory = Uint64("CONVEXEC_DEVICE_MEMORY", DefaultDeviceMemory)

	// NumThreads is the number of workers of the reference kernels.
	NumThreads = Uint("CONVEXEC_NUM_THREADS", uint(runtime.NumCPU()))
)

// ConvOptions returns the convolution options described by the environment.
func ConvOptions() conv.Options {
	opts := conv.DefaultOptions()
	opts.AlgoSearch = AlgoSearch()
	opts.UseMaxWorkspace = UseMaxWorkspace()
	if Conv1DPadToNC1D() {
		opts.Conv1DPad = conv.Conv1DPadNC1D
	}
	return opts
}

// LogLevel returns the log level.
// Configurable via CONVEXEC_DEBUG: 0/false = INFO (default), 1/true = DEBUG,
// 2 = TRACE.
func LogLevel() slog.Level {
	level := slog.LevelInfo
	if s := Var("CONVEXEC_DEBUG"); s != "" {
		if b, _ := strconv.ParseBool(s); b {
			level = slog.LevelDebug
		} else if i, _ := strconv.ParseInt(s, 10, 64); i != 0 {
			level = slog.Level(i * -4)
		}
	}
	return level
}

// Var returns an environment variable stripped of surrounding whitespace
// and quotes.
func Var(key string) string {
	return strings.Trim(strings.TrimSpace(os.Getenv(key)), "\"'")
}
