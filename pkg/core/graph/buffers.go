// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package graph

import (
	"slices"
	"unsafe"

	"github.com/dustin/go-humanize"
	"github.com/gomlx/dataflow/backends"
	"github.com/gomlx/dataflow/pkg/core/dtypes"
	"github.com/gomlx/dataflow/pkg/core/shapes"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// bufferEntry holds the storage of one node in a DeviceContext. Host and device copies always refer to the
// same logical data: they are synchronized with DeviceContext.Upload and DeviceContext.Download.
type bufferEntry struct {
	shape  shapes.Shape
	host   []byte
	device backends.Buffer
}

// lockedEntry returns the entry for node, creating it if needed.
func (dc *DeviceContext) lockedEntry(node Node) (*bufferEntry, error) {
	if err := dc.lockedCheck(); err != nil {
		return nil, err
	}
	key := keyOf(node)
	if entry, found := dc.buffers[key]; found {
		return entry, nil
	}
	shape := node.Shape()
	if !shape.Ok() {
		return nil, newConfigError(node, "node has no shape, it can't hold a buffer")
	}
	entry := &bufferEntry{shape: shape}
	dc.buffers[key] = entry
	return entry, nil
}

// Buffer returns the device buffer of node, allocating it (sized node.Shape().Size()) on first use.
func (dc *DeviceContext) Buffer(node Node) (backends.Buffer, error) {
	dc.mu.Lock()
	defer dc.mu.Unlock()
	return dc.lockedDeviceBuffer(node)
}

func (dc *DeviceContext) lockedDeviceBuffer(node Node) (backends.Buffer, error) {
	entry, err := dc.lockedEntry(node)
	if err != nil {
		return nil, err
	}
	if entry.device == nil {
		size := entry.shape.Size()
		buffer, err := dc.device.Allocate(size)
		if err != nil {
			return nil, dc.lockedCorrupt(&DeviceError{Node: node.Name(), Op: "allocate", Err: err})
		}
		entry.device = buffer
		klog.V(1).Infof("%s: allocated %s for %s", dc, humanize.Bytes(uint64(size)), node)
	}
	return entry.device, nil
}

// Host returns the host copy of the data of node, allocating it (zero-initialized) on first use.
//
// The bytes are in row-major order, with the machine's native endianness. They are synchronized with the device
// buffer only by Upload and Download.
func (dc *DeviceContext) Host(node Node) ([]byte, error) {
	dc.mu.Lock()
	defer dc.mu.Unlock()
	return dc.lockedHost(node)
}

func (dc *DeviceContext) lockedHost(node Node) ([]byte, error) {
	entry, err := dc.lockedEntry(node)
	if err != nil {
		return nil, err
	}
	if entry.host == nil {
		size := entry.shape.Size()
		// Backed by uint64 so views of any dtype are aligned.
		words := make([]uint64, (size+7)/8)
		if size > 0 {
			entry.host = unsafe.Slice((*byte)(unsafe.Pointer(&words[0])), size)
		} else {
			entry.host = []byte{}
		}
	}
	return entry.host, nil
}

// HostView returns the host copy of node's data as a slice of T, aliasing the host bytes.
// It returns a *ConfigError if T doesn't match the node's dtype.
func HostView[T dtypes.Supported](dc *DeviceContext, node Node) ([]T, error) {
	if want := dtypes.FromGenericsType[T](); node.Shape().DType != want {
		return nil, newConfigError(node, "node has dtype %s, can't be viewed as %s", node.Shape().DType, want)
	}
	host, err := dc.Host(node)
	if err != nil {
		return nil, err
	}
	if len(host) == 0 {
		return []T{}, nil
	}
	return unsafe.Slice((*T)(unsafe.Pointer(&host[0])), node.Shape().Volume()), nil
}

// Upload enqueues the transfer of the host copy of node to its device buffer.
//
// It is ordered as a write of node: after the preconditions, the events in waitList and the pending reads and
// writes of node. The host copy must not be changed until the returned event completes.
func (dc *DeviceContext) Upload(node Node, waitList ...backends.Event) (backends.Event, error) {
	dc.mu.Lock()
	defer dc.mu.Unlock()
	host, err := dc.lockedHost(node)
	if err != nil {
		return nil, err
	}
	buffer, err := dc.lockedDeviceBuffer(node)
	if err != nil {
		return nil, err
	}
	writes := []Node{node}
	event, err := dc.device.Write(buffer, host, dc.lockedWaitList(nil, writes, waitList))
	if err != nil {
		return nil, dc.lockedCorrupt(&DeviceError{Node: node.Name(), Op: "upload", Err: err})
	}
	dc.lockedRecord(event, nil, writes)
	return event, nil
}

// Download enqueues the transfer of node's device buffer to its host copy.
//
// It is ordered as a read of node: after the preconditions, the events in waitList and the last write of node.
// The host copy is only valid after the returned event completes.
func (dc *DeviceContext) Download(node Node, waitList ...backends.Event) (backends.Event, error) {
	dc.mu.Lock()
	defer dc.mu.Unlock()
	host, err := dc.lockedHost(node)
	if err != nil {
		return nil, err
	}
	buffer, err := dc.lockedDeviceBuffer(node)
	if err != nil {
		return nil, err
	}
	reads := []Node{node}
	event, err := dc.device.Read(buffer, host, dc.lockedWaitList(reads, nil, waitList))
	if err != nil {
		return nil, dc.lockedCorrupt(&DeviceError{Node: node.Name(), Op: "download", Err: err})
	}
	dc.lockedRecord(event, reads, nil)
	return event, nil
}

// Fetch downloads node, waits for the transfer and returns a copy of its values.
func Fetch[T dtypes.Supported](dc *DeviceContext, node Node) ([]T, error) {
	event, err := dc.Download(node)
	if err != nil {
		return nil, err
	}
	if err := event.Wait(); err != nil {
		dc.mu.Lock()
		defer dc.mu.Unlock()
		return nil, dc.lockedCorrupt(&DeviceError{Node: node.Name(), Op: "download", Err: err})
	}
	view, err := HostView[T](dc, node)
	if err != nil {
		return nil, err
	}
	return slices.Clone(view), nil
}

// Store copies values to the host copy of node and uploads it.
// It waits for pending commands using the host copy (e.g. a previous upload) before changing it.
func Store[T dtypes.Supported](dc *DeviceContext, node Node, values []T) (backends.Event, error) {
	if volume := node.Shape().Volume(); len(values) != volume {
		return nil, newConfigError(node, "can't store %d values in node of shape %s", len(values), node.Shape())
	}
	if err := dc.WaitHostIdle(node); err != nil {
		return nil, err
	}
	view, err := HostView[T](dc, node)
	if err != nil {
		return nil, err
	}
	copy(view, values)
	return dc.Upload(node)
}

// WaitHostIdle waits for the pending transfers that use the host copies of the nodes: the uploads and
// downloads issued since the last WaitForAllKernelsFinished. After it returns the host copies can be changed.
func (dc *DeviceContext) WaitHostIdle(nodes ...Node) error {
	var events []backends.Event
	dc.mu.Lock()
	for _, node := range nodes {
		key := keyOf(node)
		events = append(events, dc.readers[key]...)
		if e := dc.lastWrite[key]; e != nil {
			events = append(events, e)
		}
	}
	dc.mu.Unlock()
	if err := backends.WaitAll(events...); err != nil {
		dc.mu.Lock()
		defer dc.mu.Unlock()
		return dc.lockedCorrupt(&DeviceError{Op: "wait", Err: errors.WithStack(err)})
	}
	return nil
}
