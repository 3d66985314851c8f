// Package provider is the execution provider of the convolution engine. It
// owns the library, the device allocator and the options shared by every
// kernel, and hands out one kernel per graph node.
package provider

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/google/go-cmp/cmp"

	"github.com/born-ml/convexec/internal/backend/cpu"
	"github.com/born-ml/convexec/internal/conv"
	"github.com/born-ml/convexec/internal/device"
	"github.com/born-ml/convexec/internal/dnn"
	"github.com/born-ml/convexec/internal/envconfig"
)

// Config describes a provider backed by the host reference library.
type Config struct {
	Options      conv.Options
	DeviceMemory uint64 // bytes of simulated device memory
	NumThreads   int    // workers of the reference kernels, 0 for all CPUs
}

// ConfigFromEnv reads the configuration from the CONVEXEC_* variables.
func ConfigFromEnv() Config {
	return Config{
		Options:      envconfig.ConvOptions(),
		DeviceMemory: envconfig.DeviceMemory(),
		NumThreads:   int(envconfig.NumThreads()),
	}
}

// Provider hands out convolution kernels that share one library and one
// allocator.
type Provider struct {
	opts  conv.Options
	lib   dnn.Library
	alloc device.Allocator

	mu      sync.Mutex
	kernels map[string]*convKernel
	closed  bool
}

type convKernel struct {
	attrs conv.Attributes
	k     *conv.Conv
}

// New creates a provider on the host reference library with a device pool
// of cfg.DeviceMemory bytes.
func New(cfg Config) (*Provider, error) {
	if cfg.DeviceMemory == 0 {
		cfg.DeviceMemory = envconfig.DefaultDeviceMemory
	}
	lib := cpu.New(cpu.WithWorkers(cfg.NumThreads))
	return NewWithLibrary(cfg.Options, lib, device.NewPool(cfg.DeviceMemory))
}

// FromEnv creates a provider configured by the environment.
func FromEnv() (*Provider, error) {
	return New(ConfigFromEnv())
}

// NewWithLibrary creates a provider on an arbitrary library and allocator.
func NewWithLibrary(opts conv.Options, lib dnn.Library, alloc device.Allocator) (*Provider, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	free, total := alloc.MemInfo()
	slog.Info("execution provider",
		"library", lib.Name(),
		"algo_search", opts.AlgoSearch,
		"use_max_workspace", opts.UseMaxWorkspace,
		"conv1d_pad", opts.Conv1DPad,
		"device_free", free,
		"device_total", total)
	return &Provider{
		opts:    opts,
		lib:     lib,
		alloc:   alloc,
		kernels: make(map[string]*convKernel),
	}, nil
}

// Options returns the convolution options of the provider.
func (p *Provider) Options() conv.Options { return p.opts }

// Library returns the convolution library.
func (p *Provider) Library() dnn.Library { return p.lib }

// Allocator returns the device allocator.
func (p *Provider) Allocator() device.Allocator { return p.alloc }

// ConvKernel returns the kernel of the node identified by key, creating it
// on first use. Asking for an existing node with different attributes is an
// error.
func (p *Provider) ConvKernel(key string, attrs conv.Attributes) (*conv.Conv, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil, errors.New("provider: closed")
	}
	if ck, ok := p.kernels[key]; ok {
		if !cmp.Equal(ck.attrs, attrs) {
			return nil, fmt.Errorf("provider: node %q was created with different attributes: %s", key, cmp.Diff(ck.attrs, attrs))
		}
		return ck.k, nil
	}

	k, err := conv.New(attrs, p.opts, p.lib, p.alloc)
	if err != nil {
		return nil, fmt.Errorf("provider: node %q: %w", key, err)
	}
	p.kernels[key] = &convKernel{attrs: attrs, k: k}
	slog.Debug("created conv kernel", "node", key, "id", k.State().ID)
	return k, nil
}

// Kernel returns the kernel of a node if it was created.
func (p *Provider) Kernel(key string) (*conv.Conv, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	ck, ok := p.kernels[key]
	if !ok {
		return nil, false
	}
	return ck.k, true
}

// Keys returns the node keys of the kernels in sorted order.
func (p *Provider) Keys() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	keys := make([]string, 0, len(p.kernels))
	for key := range p.kernels {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

// Kernels returns the number of kernels created so far.
func (p *Provider) Kernels() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.kernels)
}

// Close releases every kernel. The provider cannot be used afterwards.
func (p *Provider) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	var errs []error
	for key, ck := range p.kernels {
		if err := ck.k.Close(); err != nil {
			errs = append(errs, fmt.Errorf("node %q: %w", key, err))
		}
		delete(p.kernels, key)
	}
	p.closed = true
	return errors.Join(errs...)
}
