// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package simplego

import (
	"encoding/binary"
	"math"
	"testing"
	"time"

	"github.com/gomlx/dataflow/backends"
	"github.com/janpfeifer/must"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSource = `
kernel void test_add_one(global float* x, const int n) {
	const int i = get_global_id(0);
	if (i < n) x[i] += 1.0f;
}

kernel void test_copy_or_fill(global float* dst, const global float* src, const float fill) {
	const int i = get_global_id(0);
	dst[i] = src ? src[i] : fill;
}

kernel void test_fail(global float* x) {}

kernel void test_unregistered(global float* x) {}
`

func init() {
	RegisterKernel("test_add_one", func(args *Args, start, end int) error {
		x, n := args.Float32s(0), args.Int(1)
		for i := start; i < min(end, n); i++ {
			x[i] += 1
		}
		return nil
	}, MinChunk(1))
	RegisterKernel("test_copy_or_fill", func(args *Args, start, end int) error {
		dst, src, fill := args.Float32s(0), args.Float32s(1), args.Float32(2)
		for i := start; i < end; i++ {
			if src != nil {
				dst[i] = src[i]
			} else {
				dst[i] = fill
			}
		}
		return nil
	})
	RegisterKernel("test_fail", func(args *Args, start, end int) error {
		if args.Int(0) == 0 { // Wrong type: panics.
			return nil
		}
		return errors.New("unreachable")
	}, Serial())
}

func float32sToBytes(values ...float32) []byte {
	data := make([]byte, 4*len(values))
	for i, v := range values {
		binary.LittleEndian.PutUint32(data[4*i:], math.Float32bits(v))
	}
	return data
}

func bytesToFloat32s(data []byte) []float32 {
	values := make([]float32, len(data)/4)
	for i := range values {
		values[i] = math.Float32frombits(binary.LittleEndian.Uint32(data[4*i:]))
	}
	return values
}

func openDevice(t *testing.T, config string) backends.Device {
	backend := must.M1(NewBackend(config))
	device := must.M1(backend.Open(0))
	t.Cleanup(device.Release)
	return device
}

func TestConfig(t *testing.T) {
	b, err := NewBackend("delay=2ms;parallelism=2;devices=3")
	require.NoError(t, err)
	assert.Equal(t, backends.DeviceNum(3), b.NumDevices())
	assert.Equal(t, 2*time.Millisecond, b.delay)
	assert.Contains(t, b.Description(), "2 workers")
	_, err = b.Open(3)
	require.Error(t, err)

	_, err = NewBackend("unknown=1")
	require.Error(t, err)
	_, err = NewBackend("devices=0")
	require.Error(t, err)

	registered, err := backends.NewWithConfig("go:parallelism=1")
	require.NoError(t, err)
	assert.Equal(t, BackendName, registered.Name())
}

func TestCompile(t *testing.T) {
	device := openDevice(t, "")
	kernel, err := device.Compile("test_add_one", testSource)
	require.NoError(t, err)
	assert.Equal(t, "test_add_one", kernel.Entry())
	assert.Equal(t, 2, kernel.NumArgs())

	for name, tc := range map[string]struct{ entry, source, want string }{
		"unbalanced":   {"test_add_one", "kernel void test_add_one(global float* x) {", "unbalanced"},
		"missing":      {"not_there", testSource, "not declared"},
		"unregistered": {"test_unregistered", testSource, "no host implementation"},
	} {
		t.Run(name, func(t *testing.T) {
			_, err := device.Compile(tc.entry, tc.source)
			var compileErr *backends.CompileError
			require.ErrorAs(t, err, &compileErr)
			assert.Equal(t, tc.entry, compileErr.Entry)
			assert.Contains(t, compileErr.Diagnostic, tc.want)
		})
	}
}

func TestSetArg(t *testing.T) {
	device := openDevice(t, "")
	kernel := must.M1(device.Compile("test_copy_or_fill", testSource))
	buf := must.M1(device.Allocate(16))
	require.NoError(t, kernel.SetArg(0, buf))
	require.NoError(t, kernel.SetArg(1, nil))
	require.Error(t, kernel.SetArg(2, nil), "scalar parameters can't be null")
	require.Error(t, kernel.SetArg(2, buf), "scalar parameters can't take buffers")
	require.Error(t, kernel.SetArg(1, float32(1)), "pointer parameters can't take scalars")
	require.Error(t, kernel.SetArg(3, 1))
	require.Error(t, kernel.SetArg(2, "1.0"))

	// Argument #2 not set yet.
	_, err := device.Enqueue(kernel, []int{4}, nil, nil)
	require.ErrorContains(t, err, "not set")

	// Null source: fills.
	require.NoError(t, kernel.SetArg(2, float32(7)))
	ev := must.M1(device.Enqueue(kernel, []int{4}, []int{2}, nil))
	host := make([]byte, 16)
	readEv := must.M1(device.Read(buf, host, []backends.Event{ev}))
	require.NoError(t, readEv.Wait())
	assert.Equal(t, []float32{7, 7, 7, 7}, bytesToFloat32s(host))

	_, err = device.Enqueue(kernel, []int{4}, []int{3}, nil)
	require.ErrorContains(t, err, "multiple")
}

// TestOrdering checks that commands chained by events see each other's results, even with an
// artificial delay on every command.
func TestOrdering(t *testing.T) {
	device := openDevice(t, "delay=3ms;parallelism=4")
	const n = 1000
	buf := must.M1(device.Allocate(4 * n))
	kernel := must.M1(device.Compile("test_add_one", testSource))
	require.NoError(t, kernel.SetArg(0, buf))
	require.NoError(t, kernel.SetArg(1, n))

	ev := must.M1(device.Write(buf, float32sToBytes(make([]float32, n)...), nil))
	for range 5 {
		ev = must.M1(device.Enqueue(kernel, []int{n}, nil, []backends.Event{ev}))
	}
	host := make([]byte, 4*n)
	ev = must.M1(device.Read(buf, host, []backends.Event{ev}))
	require.NoError(t, ev.Wait())
	for i, v := range bytesToFloat32s(host) {
		require.Equalf(t, float32(5), v, "element %d", i)
	}
	require.NoError(t, device.Finish())
}

func TestArgsSnapshot(t *testing.T) {
	device := openDevice(t, "delay=2ms")
	dst := must.M1(device.Allocate(8))
	kernel := must.M1(device.Compile("test_copy_or_fill", testSource))
	require.NoError(t, kernel.SetArg(0, dst))
	require.NoError(t, kernel.SetArg(1, nil))
	require.NoError(t, kernel.SetArg(2, float32(1)))
	ev1 := must.M1(device.Enqueue(kernel, []int{2}, nil, nil))
	// Changing the argument after Enqueue doesn't affect the enqueued command.
	require.NoError(t, kernel.SetArg(2, float32(2)))
	host := make([]byte, 8)
	ev2 := must.M1(device.Read(dst, host, []backends.Event{ev1}))
	require.NoError(t, ev2.Wait())
	assert.Equal(t, []float32{1, 1}, bytesToFloat32s(host))
}

func TestErrors(t *testing.T) {
	device := openDevice(t, "")
	buf := must.M1(device.Allocate(4))
	kernel := must.M1(device.Compile("test_fail", testSource))
	require.NoError(t, kernel.SetArg(0, buf))
	failed := must.M1(device.Enqueue(kernel, []int{1}, nil, nil))
	require.ErrorContains(t, failed.Wait(), "panicked")

	// Failures propagate through wait-lists.
	host := make([]byte, 4)
	dependent := must.M1(device.Read(buf, host, []backends.Event{failed}))
	require.Error(t, dependent.Wait())
	require.Error(t, device.Finish())
	require.NoError(t, device.Finish(), "Finish only reports errors once")

	_, err := device.Write(buf, make([]byte, 8), nil)
	require.Error(t, err, "writing more than the buffer size")

	buf.Release()
	_, err = device.Write(buf, host, nil)
	require.Error(t, err, "writing to a released buffer")
}

func TestPendingEventsReleased(t *testing.T) {
	device := openDevice(t, "parallelism=2").(*Device)
	const n = 16
	buf := must.M1(device.Allocate(4 * n))
	kernel := must.M1(device.Compile("test_add_one", testSource))
	require.NoError(t, kernel.SetArg(0, buf))
	require.NoError(t, kernel.SetArg(1, n))

	// Completed commands are not kept until Finish.
	var ev backends.Event
	for range 2000 {
		ev = must.M1(device.Enqueue(kernel, []int{n}, nil, []backends.Event{ev}))
	}
	require.NoError(t, ev.Wait())
	assert.Equal(t, 0, device.numPending())

	// Failed commands are kept until Finish reports them.
	failKernel := must.M1(device.Compile("test_fail", testSource))
	require.NoError(t, failKernel.SetArg(0, buf))
	failed := must.M1(device.Enqueue(failKernel, []int{1}, nil, nil))
	require.Error(t, failed.Wait())
	assert.Equal(t, 1, device.numPending())
	require.Error(t, device.Finish())
	assert.Equal(t, 0, device.numPending())
}
