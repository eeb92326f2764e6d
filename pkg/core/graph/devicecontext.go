// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package graph

import (
	"fmt"
	"slices"
	"sync"

	"github.com/dustin/go-humanize"
	"github.com/gomlx/dataflow/backends"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// DeviceContext holds the execution state of graphs on one accelerator device: the device queue, the buffers of
// each node, the compiled kernels and the events used to order commands.
//
// A DeviceContext is meant to be driven by one goroutine at a time. Different DeviceContext (even on the same
// device) are independent.
type DeviceContext struct {
	id        uuid.UUID
	backend   backends.Backend
	deviceNum backends.DeviceNum
	device    backends.Device

	mu sync.Mutex

	// buffers is the Buffer Store: one entry per node.
	buffers map[nodeKey]*bufferEntry

	// kernels cache.
	kernels                  map[kernelKey]backends.Kernel
	kernelHits, kernelMisses int

	// Dependency bookkeeping, reset by WaitForAllKernelsFinished.
	preconditions []backends.Event
	lastWrite     map[nodeKey]backends.Event
	readers       map[nodeKey][]backends.Event
	outstanding   []backends.Event

	// initialized tensors, whose initializer already ran.
	initialized map[nodeKey]bool

	// executing is the operator whose execute routine is running, set by Run.
	executing *Operator

	parallel  bool
	corrupted error
	finalized bool
}

// NewDeviceContext opens device deviceNum of backend and returns a new DeviceContext for it.
func NewDeviceContext(backend backends.Backend, deviceNum backends.DeviceNum) (*DeviceContext, error) {
	if backend == nil {
		return nil, errors.New("NewDeviceContext: backend is nil")
	}
	device, err := backend.Open(deviceNum)
	if err != nil {
		return nil, &DeviceError{Op: "open device", Err: errors.WithMessagef(err, "device #%d of backend %q", deviceNum, backend.Name())}
	}
	dc := &DeviceContext{
		id:          uuid.New(),
		backend:     backend,
		deviceNum:   deviceNum,
		device:      device,
		buffers:     make(map[nodeKey]*bufferEntry),
		kernels:     make(map[kernelKey]backends.Kernel),
		lastWrite:   make(map[nodeKey]backends.Event),
		readers:     make(map[nodeKey][]backends.Event),
		initialized: make(map[nodeKey]bool),
		parallel:    true,
	}
	klog.V(1).Infof("created %s", dc)
	return dc, nil
}

// ID uniquely identifies the DeviceContext.
func (dc *DeviceContext) ID() uuid.UUID { return dc.id }

// Index is the device number within the backend.
func (dc *DeviceContext) Index() backends.DeviceNum { return dc.deviceNum }

// Backend of the device.
func (dc *DeviceContext) Backend() backends.Backend { return dc.backend }

// Device returns the device queue.
func (dc *DeviceContext) Device() backends.Device { return dc.device }

// String implements fmt.Stringer.
func (dc *DeviceContext) String() string {
	return fmt.Sprintf("DeviceContext(%s #%d, %s)", dc.backend.Name(), dc.deviceNum, dc.id)
}

// Parallel returns whether kernels launched may execute while the host continues.
func (dc *DeviceContext) Parallel() bool {
	dc.mu.Lock()
	defer dc.mu.Unlock()
	return dc.parallel
}

// SetParallel sets whether kernels launched may execute while the host continues (the default).
// If false, Launch waits for all outstanding commands after every launch.
func (dc *DeviceContext) SetParallel(parallel bool) *DeviceContext {
	dc.mu.Lock()
	defer dc.mu.Unlock()
	dc.parallel = parallel
	return dc
}

// Err returns the error that corrupted the context, or nil if it is usable.
func (dc *DeviceContext) Err() error {
	dc.mu.Lock()
	defer dc.mu.Unlock()
	return dc.lockedCheck()
}

func (dc *DeviceContext) lockedCheck() error {
	if dc.finalized {
		return errors.Errorf("%s already finalized", dc)
	}
	if dc.corrupted != nil {
		return errors.WithMessagef(dc.corrupted, "%s is corrupted by a previous error", dc)
	}
	return nil
}

// lockedCorrupt marks the context as unusable. Only the first error is kept.
func (dc *DeviceContext) lockedCorrupt(err error) error {
	if dc.corrupted == nil {
		dc.corrupted = err
		klog.Errorf("%s corrupted: %v", dc, err)
	}
	return err
}

// AddPrecondition adds events that every command enqueued afterwards waits for, until the next
// WaitForAllKernelsFinished.
func (dc *DeviceContext) AddPrecondition(events ...backends.Event) {
	dc.mu.Lock()
	defer dc.mu.Unlock()
	for _, e := range events {
		if e != nil {
			dc.preconditions = append(dc.preconditions, e)
		}
	}
}

// PreconditionEvents returns a copy of the current preconditions.
func (dc *DeviceContext) PreconditionEvents() []backends.Event {
	dc.mu.Lock()
	defer dc.mu.Unlock()
	return slices.Clone(dc.preconditions)
}

// LastWriteEvent returns the event of the last command that wrote node, or nil if there is none pending
// since the last WaitForAllKernelsFinished.
func (dc *DeviceContext) LastWriteEvent(node Node) backends.Event {
	dc.mu.Lock()
	defer dc.mu.Unlock()
	return dc.lastWrite[keyOf(node)]
}

// pruneCompleted drops events completed successfully. Failed events are kept, so their errors are reported.
func pruneCompleted(events []backends.Event) []backends.Event {
	return slices.DeleteFunc(events, func(e backends.Event) bool {
		return e.Done() && e.Wait() == nil
	})
}

// lockedWaitList builds the wait-list for a command that reads and writes the given nodes:
// the preconditions, the extra events, the last write of each read node, and the last write and
// the readers of each written node.
func (dc *DeviceContext) lockedWaitList(reads, writes []Node, extra []backends.Event) []backends.Event {
	waitList := slices.Clone(dc.preconditions)
	for _, e := range extra {
		if e != nil {
			waitList = append(waitList, e)
		}
	}
	for _, node := range reads {
		if e := dc.lastWrite[keyOf(node)]; e != nil {
			waitList = append(waitList, e)
		}
	}
	for _, node := range writes {
		key := keyOf(node)
		if e := dc.lastWrite[key]; e != nil {
			waitList = append(waitList, e)
		}
		waitList = append(waitList, dc.readers[key]...)
	}
	return waitList
}

// lockedRecord registers the event of a command that read and wrote the given nodes.
func (dc *DeviceContext) lockedRecord(event backends.Event, reads, writes []Node) {
	written := make(map[nodeKey]bool, len(writes))
	for _, node := range writes {
		key := keyOf(node)
		written[key] = true
		dc.lastWrite[key] = event
		delete(dc.readers, key)
	}
	for _, node := range reads {
		key := keyOf(node)
		if written[key] {
			continue
		}
		dc.readers[key] = append(pruneCompleted(dc.readers[key]), event)
	}
	dc.outstanding = append(pruneCompleted(dc.outstanding), event)
}

// setExecuting sets the operator being executed and returns the previous one.
func (dc *DeviceContext) setExecuting(op *Operator) (previous *Operator) {
	dc.mu.Lock()
	defer dc.mu.Unlock()
	previous = dc.executing
	dc.executing = op
	return
}

// lockedDeclaredNodes adds to the reads and writes of a launch the ones declared by the executing operator:
// its inputs (and the outputs of the input operators) are read, and its outputs are written.
func (dc *DeviceContext) lockedDeclaredNodes(reads, writes []Node) ([]Node, []Node) {
	op := dc.executing
	if op == nil {
		return reads, writes
	}
	reads = slices.Clone(reads)
	for _, input := range op.Inputs() {
		reads = append(reads, input)
		if inputOp, ok := AsOperator(input); ok {
			reads = append(reads, inputOp.Outputs()...)
		}
	}
	writes = append(slices.Clone(writes), op.Outputs()...)
	return uniqueNodes(reads), uniqueNodes(writes)
}

func uniqueNodes(nodes []Node) []Node {
	seen := make(map[nodeKey]bool, len(nodes))
	return slices.DeleteFunc(nodes, func(node Node) bool {
		key := keyOf(node)
		if seen[key] {
			return true
		}
		seen[key] = true
		return false
	})
}

// LaunchSpec describes a kernel launch.
type LaunchSpec struct {
	// Global and Local work sizes. Local can be nil.
	Global, Local []int

	// Reads and Writes are the nodes whose buffers the kernel reads and writes. They define the ordering
	// with respect to other commands.
	//
	// When launched from an operator executed by Run, its declared inputs are added to Reads and its
	// outputs to Writes.
	Reads, Writes []Node

	// WaitFor are extra events to wait for.
	WaitFor []backends.Event
}

// Launch enqueues kernel, with its currently bound arguments, to start after the commands it depends on:
// the preconditions, the last writes of the nodes it reads, and the last writes and reads of the nodes it writes.
//
// Within Run, the declared inputs and outputs of the executing operator are added to spec.Reads and spec.Writes.
// The returned event becomes the last write of every written node.
// If the context is not parallel, Launch waits for all outstanding commands before returning.
func (dc *DeviceContext) Launch(kernel backends.Kernel, spec LaunchSpec) (backends.Event, error) {
	dc.mu.Lock()
	if err := dc.lockedCheck(); err != nil {
		dc.mu.Unlock()
		return nil, err
	}
	reads, writes := dc.lockedDeclaredNodes(spec.Reads, spec.Writes)
	waitList := dc.lockedWaitList(reads, writes, spec.WaitFor)
	event, err := dc.device.Enqueue(kernel, spec.Global, spec.Local, waitList)
	if err != nil {
		err = dc.lockedCorrupt(&DeviceError{Node: kernel.Entry(), Op: "launch", Err: err})
		dc.mu.Unlock()
		return nil, err
	}
	dc.lockedRecord(event, reads, writes)
	parallel := dc.parallel
	dc.mu.Unlock()

	if !parallel {
		if err := dc.WaitForAllKernelsFinished(); err != nil {
			return event, err
		}
	}
	return event, nil
}

// WaitForAllKernelsFinished blocks until every command enqueued in the context completed, and clears the
// preconditions and the dependency bookkeeping.
//
// It returns the first failure of any command as a *DeviceError, and the context is corrupted.
func (dc *DeviceContext) WaitForAllKernelsFinished() error {
	dc.mu.Lock()
	if dc.finalized {
		dc.mu.Unlock()
		return errors.Errorf("%s already finalized", dc)
	}
	outstanding := dc.outstanding
	dc.outstanding = nil
	dc.preconditions = nil
	clear(dc.lastWrite)
	clear(dc.readers)
	dc.mu.Unlock()

	err := backends.WaitAll(outstanding...)
	if finishErr := dc.device.Finish(); err == nil {
		err = finishErr
	}
	if err != nil {
		dc.mu.Lock()
		defer dc.mu.Unlock()
		if dc.corrupted != nil {
			return dc.corrupted
		}
		return dc.lockedCorrupt(&DeviceError{Op: "device command", Err: err})
	}
	return nil
}

// Finalize waits (best-effort) for outstanding commands and releases the kernels, the buffers and the device
// queue. It is safe to call it more than once.
func (dc *DeviceContext) Finalize() {
	dc.mu.Lock()
	if dc.finalized {
		dc.mu.Unlock()
		return
	}
	outstanding := dc.outstanding
	dc.mu.Unlock()
	if err := backends.WaitAll(outstanding...); err != nil {
		klog.V(1).Infof("%s finalized with failed commands: %v", dc, err)
	}

	dc.mu.Lock()
	defer dc.mu.Unlock()
	for _, kernel := range dc.kernels {
		if kernel != nil {
			kernel.Release()
		}
	}
	var totalBytes int
	for _, entry := range dc.buffers {
		if entry.device != nil {
			totalBytes += entry.device.Size()
			entry.device.Release()
		}
	}
	dc.device.Release()
	klog.V(1).Infof("finalized %s: released %d kernels and %s of device buffers",
		dc, len(dc.kernels), humanize.Bytes(uint64(totalBytes)))
	dc.kernels = nil
	dc.buffers = nil
	dc.outstanding = nil
	dc.preconditions = nil
	dc.lastWrite = nil
	dc.readers = nil
	dc.finalized = true
}
