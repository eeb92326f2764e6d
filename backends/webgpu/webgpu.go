// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

//go:build windows

// Package webgpu implements a dataflow backend on WebGPU, using go-webgpu (github.com/go-webgpu/webgpu)
// zero-CGO bindings.
//
// Kernel sources are WGSL compute shaders. Arguments are positional: buffer arguments are bound, in order,
// to the `var<storage>` bindings 0, 1, ...; scalar arguments are packed, in order, as 4-byte values into a
// uniform buffer bound right after the storage bindings (declare it as `struct Params` with one 4-byte field
// per scalar). Null buffer arguments are bound to a small zeroed buffer.
//
// The WebGPU queue executes commands in submission order, so commands of the same device don't wait for each
// other's events on the host. The events of submitted commands complete when the GPU is seen done with them:
// on Read (which blocks until the data is on the host), on Finish, or when the event is waited for.
package webgpu

import (
	"encoding/binary"
	"math"
	"regexp"
	"strings"
	"sync"
	"unsafe"

	"github.com/go-webgpu/webgpu/wgpu"
	"github.com/gomlx/dataflow/backends"
	"github.com/gomlx/exceptions"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// BackendName to be used in DATAFLOW_BACKEND to specify this backend.
const BackendName = "webgpu"

// DefaultWorkgroupSize is used for the first dimension when Enqueue is called without a local work size.
// It must match the `@workgroup_size` of the shaders.
const DefaultWorkgroupSize = 64

func init() {
	backends.Register(BackendName, New)
}

// Backend implements backends.Backend on the default WebGPU adapter.
type Backend struct {
	instance *wgpu.Instance
	adapter  *wgpu.Adapter
}

var _ backends.Backend = (*Backend)(nil)

// New creates the WebGPU backend. The configuration is not used.
// It returns an error if WebGPU is not available.
func New(_ string) (backend backends.Backend, err error) {
	// The native library panics if it is not found.
	defer func() {
		if r := recover(); r != nil {
			backend = nil
			err = errors.Errorf("webgpu: native library not available: %v", r)
		}
	}()
	instance := wgpu.CreateInstance(nil)
	adapter, err := instance.RequestAdapter(&wgpu.RequestAdapterOptions{
		PowerPreference: wgpu.PowerPreferenceHighPerformance,
	})
	if err != nil {
		instance.Release()
		return nil, errors.Wrap(err, "webgpu: failed to request adapter")
	}
	return &Backend{instance: instance, adapter: adapter}, nil
}

// Name implements backends.Backend.
func (b *Backend) Name() string { return BackendName }

// Description implements backends.Backend.
func (b *Backend) Description() string { return "WebGPU (WGSL compute shaders)" }

// NumDevices implements backends.Backend. Only the default adapter is used.
func (b *Backend) NumDevices() backends.DeviceNum { return 1 }

// Open implements backends.Backend.
func (b *Backend) Open(deviceNum backends.DeviceNum) (backends.Device, error) {
	if deviceNum != 0 {
		return nil, errors.Errorf("webgpu: only device #0 available, can't open device #%d", deviceNum)
	}
	device, err := b.adapter.RequestDevice(nil)
	if err != nil {
		return nil, errors.Wrap(err, "webgpu: failed to request device")
	}
	queue := device.GetQueue()
	if queue == nil {
		device.Release()
		return nil, errors.New("webgpu: failed to get queue")
	}
	d := &Device{device: device, queue: queue}
	d.nullBuffer = d.device.CreateBuffer(&wgpu.BufferDescriptor{
		Usage: wgpu.BufferUsageStorage | wgpu.BufferUsageCopySrc | wgpu.BufferUsageCopyDst,
		Size:  16,
	})
	return d, nil
}

// Finalize implements backends.Backend.
func (b *Backend) Finalize() {
	if b.adapter != nil {
		b.adapter.Release()
		b.adapter = nil
	}
	if b.instance != nil {
		b.instance.Release()
		b.instance = nil
	}
}

// Device implements backends.Device on a WebGPU device queue.
type Device struct {
	mu         sync.Mutex
	device     *wgpu.Device
	queue      *wgpu.Queue
	nullBuffer *wgpu.Buffer
	firstErr   error

	// submitted are the events of the commands submitted and not yet seen completed by the GPU.
	submitted []*backends.LatchEvent
}

// event is the completion of a command submitted to a Device.
type event struct {
	*backends.LatchEvent
	device *Device
}

// Wait implements backends.Event. If the command is not known to be completed, it waits for the GPU to
// execute everything submitted so far.
func (e *event) Wait() error {
	if !e.Done() {
		e.device.mu.Lock()
		_ = e.device.lockedFence()
		e.device.mu.Unlock()
	}
	return e.LatchEvent.Wait()
}

// lockedSubmitted returns the pending event of the command just submitted. It must be called with d.mu locked.
func (d *Device) lockedSubmitted() backends.Event {
	e := backends.NewLatchEvent()
	d.submitted = append(d.submitted, e)
	return &event{LatchEvent: e, device: d}
}

// lockedCompleteSubmitted completes the events of all submitted commands. It must be called with d.mu locked,
// once the GPU executed everything submitted.
func (d *Device) lockedCompleteSubmitted(err error) {
	for _, e := range d.submitted {
		e.Complete(err)
	}
	d.submitted = nil
}

// lockedFence blocks until the GPU executed every command submitted so far, and completes their events.
//
// The queue executes in submission order: mapping a buffer written by a last submitted copy only
// succeeds after all previous submissions completed.
func (d *Device) lockedFence() error {
	if len(d.submitted) == 0 || d.device == nil {
		return nil
	}
	fence := d.device.CreateBuffer(&wgpu.BufferDescriptor{
		Usage: wgpu.BufferUsageMapRead | wgpu.BufferUsageCopyDst,
		Size:  4,
	})
	defer fence.Release()
	encoder := d.device.CreateCommandEncoder(nil)
	encoder.CopyBufferToBuffer(d.nullBuffer, 0, fence, 0, 4)
	d.queue.Submit(encoder.Finish(nil))
	err := fence.MapAsync(d.device, wgpu.MapModeRead, 0, 4)
	if err != nil {
		err = d.recordErr(errors.Wrap(err, "webgpu: failed waiting for the queue to finish"))
	} else {
		fence.Unmap()
	}
	d.lockedCompleteSubmitted(err)
	return err
}

// waitFor waits for the events of waitList that are not commands of d: those run before anything submitted
// later anyway. Failures of commands of d already seen completed are reported.
func (d *Device) waitFor(waitList []backends.Event) error {
	others := make([]backends.Event, 0, len(waitList))
	for _, e := range waitList {
		if own, ok := e.(*event); ok && own.device == d {
			if own.Done() {
				if err := own.LatchEvent.Wait(); err != nil {
					return err
				}
			}
			continue
		}
		others = append(others, e)
	}
	return backends.WaitAll(others...)
}

var _ backends.Device = (*Device)(nil)

// DeviceNum implements backends.Device.
func (d *Device) DeviceNum() backends.DeviceNum { return 0 }

// Buffer is a storage buffer in GPU memory.
type Buffer struct {
	buffer *wgpu.Buffer
	size   int
}

// Size implements backends.Buffer.
func (b *Buffer) Size() int { return b.size }

// Release implements backends.Buffer.
func (b *Buffer) Release() {
	if b.buffer != nil {
		b.buffer.Release()
		b.buffer = nil
	}
}

// alignedSize rounds size up to a multiple of 4, as required for copies.
func alignedSize(size int) uint64 {
	return uint64((size + 3) &^ 3)
}

// Allocate implements backends.Device.
func (d *Device) Allocate(size int) (backends.Buffer, error) {
	if size < 0 {
		return nil, errors.Errorf("webgpu: invalid buffer size %d", size)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	buffer := d.device.CreateBuffer(&wgpu.BufferDescriptor{
		Usage: wgpu.BufferUsageStorage | wgpu.BufferUsageCopySrc | wgpu.BufferUsageCopyDst,
		Size:  max(alignedSize(size), 4),
	})
	if buffer == nil {
		return nil, errors.Errorf("webgpu: failed to allocate buffer of %d bytes", size)
	}
	return &Buffer{buffer: buffer, size: size}, nil
}

func toBuffer(buffer backends.Buffer) (*Buffer, error) {
	b, ok := buffer.(*Buffer)
	if !ok || b == nil || b.buffer == nil {
		return nil, errors.Errorf("webgpu: buffer of type %T is not a valid WebGPU buffer", buffer)
	}
	return b, nil
}

// recordErr keeps the first error, to be returned by Finish.
func (d *Device) recordErr(err error) error {
	if err != nil && d.firstErr == nil {
		d.firstErr = err
	}
	return err
}

// Write implements backends.Device: data is copied through a mapped staging buffer.
func (d *Device) Write(buffer backends.Buffer, data []byte, waitList []backends.Event) (backends.Event, error) {
	b, err := toBuffer(buffer)
	if err != nil {
		return nil, err
	}
	if len(data) > b.size {
		return nil, errors.Errorf("webgpu: can't write %d bytes to buffer of %d bytes", len(data), b.size)
	}
	if err := d.waitFor(waitList); err != nil {
		return backends.CompletedEvent(errors.WithMessage(err, "webgpu: write not executed, its wait-list failed")), nil
	}
	if len(data) == 0 {
		return backends.CompletedEvent(nil), nil
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	size := alignedSize(len(data))
	staging := d.device.CreateBuffer(&wgpu.BufferDescriptor{
		Usage:            wgpu.BufferUsageCopySrc,
		Size:             size,
		MappedAtCreation: wgpu.True,
	})
	defer staging.Release()
	mapped := unsafe.Slice((*byte)(staging.GetMappedRange(0, size)), size)
	copy(mapped, data)
	staging.Unmap()

	encoder := d.device.CreateCommandEncoder(nil)
	encoder.CopyBufferToBuffer(staging, 0, b.buffer, 0, size)
	d.queue.Submit(encoder.Finish(nil))
	return d.lockedSubmitted(), nil
}

// Read implements backends.Device. It blocks until the data is available on the host.
func (d *Device) Read(buffer backends.Buffer, data []byte, waitList []backends.Event) (backends.Event, error) {
	b, err := toBuffer(buffer)
	if err != nil {
		return nil, err
	}
	if len(data) > b.size {
		return nil, errors.Errorf("webgpu: can't read %d bytes from buffer of %d bytes", len(data), b.size)
	}
	if err := d.waitFor(waitList); err != nil {
		return backends.CompletedEvent(errors.WithMessage(err, "webgpu: read not executed, its wait-list failed")), nil
	}
	if len(data) == 0 {
		return backends.CompletedEvent(nil), nil
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	size := alignedSize(len(data))
	staging := d.device.CreateBuffer(&wgpu.BufferDescriptor{
		Usage: wgpu.BufferUsageMapRead | wgpu.BufferUsageCopyDst,
		Size:  size,
	})
	defer staging.Release()
	encoder := d.device.CreateCommandEncoder(nil)
	encoder.CopyBufferToBuffer(b.buffer, 0, staging, 0, size)
	d.queue.Submit(encoder.Finish(nil))
	if err := staging.MapAsync(d.device, wgpu.MapModeRead, 0, size); err != nil {
		err = d.recordErr(errors.Wrap(err, "webgpu: failed to map staging buffer"))
		d.lockedCompleteSubmitted(err)
		return backends.CompletedEvent(err), nil
	}
	// The copy was submitted last: every command before it completed too.
	d.lockedCompleteSubmitted(nil)
	copy(data, unsafe.Slice((*byte)(staging.GetMappedRange(0, size)), size))
	staging.Unmap()
	return backends.CompletedEvent(nil), nil
}

var (
	reStorageBinding = regexp.MustCompile(`var\s*<\s*storage`)
	reParamsStruct   = regexp.MustCompile(`struct\s+Params\s*\{([^}]*)\}`)
	reEntryPoint     = regexp.MustCompile(`@compute[^f]*fn\s+([A-Za-z_]\w*)`)
)

// Kernel is a compiled WGSL compute pipeline.
type Kernel struct {
	entry      string
	shader     *wgpu.ShaderModule
	pipeline   *wgpu.ComputePipeline
	numBuffers int
	numScalars int

	mu   sync.Mutex
	args []any
}

// Compile implements backends.Device.
func (d *Device) Compile(entry, source string) (kernel backends.Kernel, err error) {
	found := false
	for _, match := range reEntryPoint.FindAllStringSubmatch(source, -1) {
		if match[1] == entry {
			found = true
			break
		}
	}
	if !found {
		return nil, &backends.CompileError{Entry: entry, Diagnostic: "no `@compute fn " + entry + "` in WGSL source"}
	}
	k := &Kernel{entry: entry, numBuffers: len(reStorageBinding.FindAllString(source, -1))}
	if match := reParamsStruct.FindStringSubmatch(source); match != nil {
		k.numScalars = strings.Count(match[1], ":")
	}
	k.args = make([]any, k.numBuffers+k.numScalars)

	d.mu.Lock()
	defer d.mu.Unlock()
	panicErr := exceptions.TryCatch[error](func() {
		k.shader = d.device.CreateShaderModuleWGSL(source)
		if k.shader == nil {
			return
		}
		k.pipeline = d.device.CreateComputePipelineSimple(nil, k.shader, entry)
	})
	if panicErr != nil || k.shader == nil || k.pipeline == nil {
		k.Release()
		diagnostic := "shader module or compute pipeline creation failed"
		if panicErr != nil {
			diagnostic = panicErr.Error()
		}
		return nil, &backends.CompileError{Entry: entry, Diagnostic: diagnostic}
	}
	klog.V(1).Infof("webgpu: compiled kernel %q: %d buffers, %d scalars", entry, k.numBuffers, k.numScalars)
	return k, nil
}

// Entry implements backends.Kernel.
func (k *Kernel) Entry() string { return k.entry }

// NumArgs implements backends.Kernel.
func (k *Kernel) NumArgs() int { return len(k.args) }

// SetArg implements backends.Kernel. The first arguments are the storage buffers, followed by the scalars.
func (k *Kernel) SetArg(index int, value any) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	if index < 0 || index >= len(k.args) {
		return errors.Errorf("webgpu: kernel %q has %d arguments, can't set argument #%d", k.entry, len(k.args), index)
	}
	isBuffer := index < k.numBuffers
	switch v := value.(type) {
	case nil:
		if !isBuffer {
			return errors.Errorf("webgpu: kernel %q argument #%d is a scalar, it can't be null", k.entry, index)
		}
	case backends.Buffer:
		if !isBuffer {
			return errors.Errorf("webgpu: kernel %q argument #%d is a scalar, got a buffer", k.entry, index)
		}
		if _, err := toBuffer(v); err != nil {
			return err
		}
	case int, int32, int64, uint32, float32, float64:
		if isBuffer {
			return errors.Errorf("webgpu: kernel %q argument #%d is a buffer, got scalar %T", k.entry, index, value)
		}
	default:
		return errors.Errorf("webgpu: kernel %q argument #%d: unsupported type %T", k.entry, index, value)
	}
	k.args[index] = value
	return nil
}

// Release implements backends.Kernel.
func (k *Kernel) Release() {
	if k.pipeline != nil {
		k.pipeline.Release()
		k.pipeline = nil
	}
	if k.shader != nil {
		k.shader.Release()
		k.shader = nil
	}
}

// packScalar encodes a scalar argument as 4 bytes: integers as 32 bits, floats as float32.
func packScalar(dst []byte, value any) {
	switch v := value.(type) {
	case int:
		binary.LittleEndian.PutUint32(dst, uint32(int32(v)))
	case int32:
		binary.LittleEndian.PutUint32(dst, uint32(v))
	case int64:
		binary.LittleEndian.PutUint32(dst, uint32(int32(v)))
	case uint32:
		binary.LittleEndian.PutUint32(dst, v)
	case float32:
		binary.LittleEndian.PutUint32(dst, math.Float32bits(v))
	case float64:
		binary.LittleEndian.PutUint32(dst, math.Float32bits(float32(v)))
	}
}

// Enqueue implements backends.Device.
func (d *Device) Enqueue(kernel backends.Kernel, global, local []int, waitList []backends.Event) (backends.Event, error) {
	k, ok := kernel.(*Kernel)
	if !ok || k == nil || k.pipeline == nil {
		return nil, errors.Errorf("webgpu: kernel of type %T was not compiled by this backend", kernel)
	}
	if len(global) == 0 || len(global) > 3 {
		return nil, errors.Errorf("webgpu: kernel %q requires 1 to 3 global dimensions, got %v", k.entry, global)
	}
	workgroupSize := []int{DefaultWorkgroupSize, 1, 1}
	if local != nil {
		if len(local) != len(global) {
			return nil, errors.Errorf("webgpu: kernel %q global %v and local %v sizes have different ranks", k.entry, global, local)
		}
		copy(workgroupSize, local)
	}
	var workgroups [3]uint32
	for axis := range workgroups {
		dim := 1
		if axis < len(global) {
			dim = global[axis]
		}
		workgroups[axis] = uint32((dim + workgroupSize[axis] - 1) / workgroupSize[axis])
	}
	if err := d.waitFor(waitList); err != nil {
		return backends.CompletedEvent(errors.WithMessagef(err, "webgpu: kernel %q not executed, its wait-list failed", k.entry)), nil
	}

	k.mu.Lock()
	args := append([]any(nil), k.args...)
	k.mu.Unlock()

	d.mu.Lock()
	defer d.mu.Unlock()
	entries := make([]wgpu.BindGroupEntry, 0, k.numBuffers+1)
	for i := 0; i < k.numBuffers; i++ {
		if args[i] == nil {
			entries = append(entries, wgpu.BufferBindingEntry(uint32(i), d.nullBuffer, 0, 16))
			continue
		}
		b := args[i].(*Buffer)
		entries = append(entries, wgpu.BufferBindingEntry(uint32(i), b.buffer, 0, max(alignedSize(b.size), 4)))
	}
	var uniform *wgpu.Buffer
	if k.numScalars > 0 {
		size := uint64((4*k.numScalars + 15) &^ 15)
		uniform = d.device.CreateBuffer(&wgpu.BufferDescriptor{
			Usage:            wgpu.BufferUsageUniform | wgpu.BufferUsageCopyDst,
			Size:             size,
			MappedAtCreation: wgpu.True,
		})
		defer uniform.Release()
		mapped := unsafe.Slice((*byte)(uniform.GetMappedRange(0, size)), size)
		for i := range k.numScalars {
			packScalar(mapped[4*i:], args[k.numBuffers+i])
		}
		uniform.Unmap()
		entries = append(entries, wgpu.BufferBindingEntry(uint32(k.numBuffers), uniform, 0, size))
	}
	bindGroup := d.device.CreateBindGroupSimple(k.pipeline.GetBindGroupLayout(0), entries)
	defer bindGroup.Release()

	encoder := d.device.CreateCommandEncoder(nil)
	pass := encoder.BeginComputePass(nil)
	pass.SetPipeline(k.pipeline)
	pass.SetBindGroup(0, bindGroup, nil)
	pass.DispatchWorkgroups(workgroups[0], workgroups[1], workgroups[2])
	pass.End()
	d.queue.Submit(encoder.Finish(nil))
	return d.lockedSubmitted(), nil
}

// Finish implements backends.Device. It blocks until the GPU executed every submitted command.
func (d *Device) Finish() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	_ = d.lockedFence()
	err := d.firstErr
	d.firstErr = nil
	return err
}

// Release implements backends.Device.
func (d *Device) Release() {
	d.mu.Lock()
	defer d.mu.Unlock()
	_ = d.lockedFence()
	if d.nullBuffer != nil {
		d.nullBuffer.Release()
		d.nullBuffer = nil
	}
	if d.queue != nil {
		d.queue.Release()
		d.queue = nil
	}
	if d.device != nil {
		d.device.Release()
		d.device = nil
	}
}
