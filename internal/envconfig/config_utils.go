package envconfig

import (
	"fmt"
	"log/slog"
	"strconv"
)

// BoolWithDefault returns a getter for a boolean variable. Values that do
// not parse count as true.
func BoolWithDefault(k string) func(defaultValue bool) bool {
	return func(defaultValue bool) bool {
		if s := Var(k); s != "" {
			b, err := strconv.ParseBool(s)
			if err != nil {
				return true
			}
			return b
		}
		return defaultValue
	}
}

// Bool returns a getter for a boolean variable that defaults to false.
func Bool(k string) func() bool {
	withDefault := BoolWithDefault(k)
	return func() bool {
		return withDefault(false)
	}
}

// Uint returns a getter for an unsigned variable.
func Uint(key string, defaultValue uint) func() uint {
	return func() uint {
		if s := Var(key); s != "" {
			if n, err := strconv.ParseUint(s, 10, 64); err != nil || n == 0 {
				slog.Warn("invalid environment variable, using default", "key", key, "value", s, "default", defaultValue)
			} else {
				return uint(n)
			}
		}
		return defaultValue
	}
}

// Uint64 returns a getter for an unsigned 64-bit variable.
func Uint64(key string, defaultValue uint64) func() uint64 {
	return func() uint64 {
		if s := Var(key); s != "" {
			if n, err := strconv.ParseUint(s, 10, 64); err != nil {
				slog.Warn("invalid environment variable, using default", "key", key, "value", s, "default", defaultValue)
			} else {
				return n
			}
		}
		return defaultValue
	}
}

// EnvVar describes one configuration variable.
type EnvVar struct {
	Name        string
	Value       any
	Description string
}

// AsMap returns every configuration variable with its current value.
func AsMap() map[string]EnvVar {
	return map[string]EnvVar{
		"CONVEXEC_CONV_ALGO_SEARCH":       {"CONVEXEC_CONV_ALGO_SEARCH", AlgoSearch(), "Algorithm search mode: exhaustive, heuristic or default (default exhaustive)"},
		"CONVEXEC_CONV_USE_MAX_WORKSPACE": {"CONVEXEC_CONV_USE_MAX_WORKSPACE", UseMaxWorkspace(), "Let the exhaustive search use up to 90% of free device memory"},
		"CONVEXEC_CONV1D_PAD_TO_NC1D":     {"CONVEXEC_CONV1D_PAD_TO_NC1D", Conv1DPadToNC1D(), "Lift 1-D convolutions to [N, C, 1, D] instead of [N, C, D, 1]"},
		"CONVEXEC_DEVICE_MEMORY":          {"CONVEXEC_DEVICE_MEMORY", DeviceMemory(), "Simulated device memory in bytes (default 4 GiB)"},
		"CONVEXEC_NUM_THREADS":            {"CONVEXEC_NUM_THREADS", NumThreads(), "Workers used by the reference kernels (default: number of CPUs)"},
		"CONVEXEC_DEBUG":                  {"CONVEXEC_DEBUG", LogLevel(), "Show additional debug information (e.g. CONVEXEC_DEBUG=1)"},
	}
}

// Values returns the configuration as strings.
func Values() map[string]string {
	vals := make(map[string]string)
	for k, v := range AsMap() {
		vals[k] = fmt.Sprintf("%v", v.Value)
	}
	return vals
}
