// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package simplego implements a simple, and not very fast, but very portable CPU backend for dataflow.
//
// Device buffers are host memory and every enqueued command runs in its own goroutine once its wait-list
// completed, so commands not ordered by events do run concurrently, as they would on a real accelerator.
//
// Kernel sources are OpenCL-C-like text: Compile parses the `kernel void <entry>(<params>)` declarations and
// links the entry point to a Go implementation registered with RegisterKernel. The kernel body is not
// interpreted.
//
// Configuration, given as "go:<settings>" in $DATAFLOW_BACKEND, is a list of "name=value" separated by ";":
//
//   - delay: artificial delay (e.g. "5ms") before each command starts, used to surface missing dependencies.
//   - parallelism: number of host workers used to run the work-items of a kernel. 0 runs them inline.
//   - devices: number of (simulated) devices.
package simplego

import (
	"fmt"
	"runtime"
	"time"

	"github.com/gomlx/dataflow/backends"
	"github.com/gomlx/dataflow/internal/workerspool"
	"github.com/gomlx/dataflow/pkg/support/params"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// BackendName to be used in DATAFLOW_BACKEND to specify this backend.
const BackendName = "go"

// Registers New() as the constructor for the "go" backend.
func init() {
	backends.Register(BackendName, New)
}

// Backend implements the backends.Backend interface.
type Backend struct {
	delay      time.Duration
	numDevices int
	pool       *workerspool.Pool
}

// Compile-time check that simplego.Backend implements backends.Backend.
var _ backends.Backend = &Backend{}

// New constructs a new SimpleGo Backend with the given configuration.
func New(config string) (backends.Backend, error) {
	return NewBackend(config)
}

// NewBackend is like New, but returns the concrete type.
func NewBackend(config string) (*Backend, error) {
	settings := params.New().
		Set("delay", time.Duration(0)).
		Set("parallelism", runtime.NumCPU()).
		Set("devices", 1)
	if err := settings.Parse(config); err != nil {
		return nil, errors.WithMessagef(err, "invalid configuration %q for backend %q", config, BackendName)
	}
	b := &Backend{
		delay:      params.Get(settings, "delay", time.Duration(0)),
		numDevices: params.Get(settings, "devices", 1),
		pool:       workerspool.New(),
	}
	if b.numDevices < 1 {
		return nil, errors.Errorf("backend %q requires devices >= 1, got %d", BackendName, b.numDevices)
	}
	b.pool.SetMaxParallelism(params.Get(settings, "parallelism", runtime.NumCPU()))
	klog.V(1).Infof("simplego backend created: %s", settings)
	return b, nil
}

// Name returns the short name of the backend.
func (b *Backend) Name() string {
	return BackendName
}

// String implements fmt.Stringer.
func (b *Backend) String() string { return BackendName }

// Description is a longer description of the Backend that can be used to pretty-print.
func (b *Backend) Description() string {
	desc := fmt.Sprintf("Simple Go Portable Backend (%d workers)", b.pool.MaxParallelism())
	if b.delay > 0 {
		desc += fmt.Sprintf(", %s delay per command", b.delay)
	}
	return desc
}

// NumDevices return the number of devices available for this Backend.
func (b *Backend) NumDevices() backends.DeviceNum {
	return backends.DeviceNum(b.numDevices)
}

// Open returns a new command queue for the device.
func (b *Backend) Open(deviceNum backends.DeviceNum) (backends.Device, error) {
	if deviceNum < 0 || int(deviceNum) >= b.numDevices {
		return nil, errors.Errorf("backend %q has %d devices, can't open device #%d", BackendName, b.numDevices, deviceNum)
	}
	return &Device{backend: b, deviceNum: deviceNum}, nil
}

// Finalize releases all the associated resources immediately, and makes the backend invalid.
func (b *Backend) Finalize() {}
