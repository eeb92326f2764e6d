// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package graph_test

import (
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gomlx/dataflow/backends"
	"github.com/gomlx/dataflow/backends/simplego"
	"github.com/gomlx/dataflow/pkg/core/dtypes"
	. "github.com/gomlx/dataflow/pkg/core/graph"
	"github.com/gomlx/dataflow/pkg/core/shapes"
	"github.com/janpfeifer/must"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testKernels = `
kernel void graph_test_fill(global float* x, const float value) {
	x[get_global_id(0)] = value;
}

kernel void graph_test_add_one(global float* x) {
	x[get_global_id(0)] += 1.0f;
}

kernel void graph_test_copy(global float* y, const global float* x) {
	y[get_global_id(0)] = x[get_global_id(0)];
}

kernel void graph_test_panic(global float* x) {}
`

func init() {
	simplego.RegisterKernel("graph_test_fill", func(args *simplego.Args, start, end int) error {
		x, value := args.Float32s(0), args.Float32(1)
		for i := start; i < end; i++ {
			x[i] = value
		}
		return nil
	})
	simplego.RegisterKernel("graph_test_add_one", func(args *simplego.Args, start, end int) error {
		x := args.Float32s(0)
		for i := start; i < end; i++ {
			x[i]++
		}
		return nil
	}, simplego.MinChunk(1))
	simplego.RegisterKernel("graph_test_copy", func(args *simplego.Args, start, end int) error {
		y, x := args.Float32s(0), args.Float32s(1)
		copy(y[start:end], x[start:end])
		return nil
	})
	simplego.RegisterKernel("graph_test_panic", func(args *simplego.Args, start, end int) error {
		_ = args.Int(0) // Panics: argument is a buffer.
		return nil
	}, simplego.Serial())
}

// newContext creates a DeviceContext on the SimpleGo backend, with an artificial delay for every command,
// so missing dependencies between commands show up as wrong results.
func newContext(t *testing.T) *DeviceContext {
	backend := must.M1(simplego.NewBackend("delay=2ms"))
	dc := must.M1(NewDeviceContext(backend, 0))
	t.Cleanup(dc.Finalize)
	return dc
}

func kernelSource(entry string) KernelSourceFn {
	return func(_ *Operator, _ *DeviceContext) (KernelSource, bool) {
		return KernelSource{Entry: entry, Code: testKernels}, true
	}
}

// launchOn returns an execute routine that launches the operator's kernel over x, reading and writing it.
func launchOn(x *Tensor, args ...any) ExecuteFn {
	return func(op *Operator, dc *DeviceContext) error {
		kernel, err := dc.PrepareKernel(op)
		if err != nil {
			return err
		}
		if err := dc.SetArgs(kernel, append([]any{x}, args...)...); err != nil {
			return err
		}
		_, err = dc.Launch(kernel, LaunchSpec{
			Global: []int{x.Shape().Volume()},
			Reads:  []Node{x},
			Writes: []Node{x},
		})
		return err
	}
}

// launchDeclared returns an execute routine that launches the operator's kernel over its first argument,
// without listing reads or writes: the ordering comes from the operator's declared inputs and outputs.
func launchDeclared(args ...any) ExecuteFn {
	return func(op *Operator, dc *DeviceContext) error {
		kernel, err := dc.PrepareKernel(op)
		if err != nil {
			return err
		}
		if err := dc.SetArgs(kernel, args...); err != nil {
			return err
		}
		_, err = dc.Launch(kernel, LaunchSpec{Global: []int{args[0].(Node).Shape().Volume()}})
		return err
	}
}

// buildAddChain builds x (shape {4}, initialized with zeros) and a chain of n operators adding 1 to it.
func buildAddChain(g *Graph, n int) (x *Tensor, last *Operator) {
	x = g.Data(shapes.Make(dtypes.Float32, 4), nil, "x")
	zeros := g.Operator("zeros", nil, nil, launchOn(x, float32(0)), kernelSource("graph_test_fill"))
	x.SetInitializer(zeros)
	var prev Node = x
	for i := range n {
		op := g.Operator(fmt.Sprintf("add_%d", i), []Node{prev}, nil, launchOn(x), kernelSource("graph_test_add_one"))
		op.WithOutputs(x)
		prev = op
		last = op
	}
	return
}

func TestRunChain(t *testing.T) {
	g := NewGraph("chain")
	x, last := buildAddChain(g, 5)
	dc := newContext(t)

	require.NoError(t, Run(dc, last))
	assert.True(t, dc.IsInitialized(x))
	assert.Equal(t, []float32{5, 5, 5, 5}, must.M1(Fetch[float32](dc, x)))

	// The initializer only runs once per context.
	require.NoError(t, Run(dc, last))
	assert.Equal(t, []float32{10, 10, 10, 10}, must.M1(Fetch[float32](dc, x)))
	require.NoError(t, dc.WaitForAllKernelsFinished())
	assert.Equal(t, 6, dc.KernelCacheStats().Size)

	// Another context has its own buffers, kernels and initialization.
	dc2 := newContext(t)
	assert.NotEqual(t, dc.ID(), dc2.ID())
	assert.False(t, dc2.IsInitialized(x))
	require.NoError(t, Run(dc2, last))
	assert.Equal(t, []float32{5, 5, 5, 5}, must.M1(Fetch[float32](dc2, x)))
	assert.Equal(t, []float32{10, 10, 10, 10}, must.M1(Fetch[float32](dc, x)))

	// Running a tensor initializes it only.
	dc3 := newContext(t)
	require.NoError(t, Run(dc3, x))
	assert.Equal(t, []float32{0, 0, 0, 0}, must.M1(Fetch[float32](dc3, x)))
}

func TestRunOrder(t *testing.T) {
	g := NewGraph("order")
	var order []string
	record := func(op *Operator, _ *DeviceContext) error {
		order = append(order, op.Name())
		return nil
	}
	a := g.Operator("a", nil, nil, record, nil)
	b := g.Operator("b", []Node{a}, nil, record, nil)
	c := g.Operator("c", nil, nil, record, nil)
	peer := g.Operator("peer", nil, nil, record, nil)
	d := g.Operator("d", []Node{b, a}, nil, record, nil).After(c).WithPeers(peer)
	dc := newContext(t)
	require.NoError(t, Run(dc, d))
	assert.Equal(t, []string{"a", "b", "c", "d"}, order, "each operator runs once, peers never run")

	order = nil
	require.NoError(t, RunAll(dc, b, c))
	assert.Equal(t, []string{"a", "b", "c"}, order)
}

func TestRunErrors(t *testing.T) {
	g := NewGraph("errors")
	a := g.Operator("a", nil, nil, nil, nil)
	b := g.Operator("b", []Node{a}, nil, nil, nil)
	a.After(b)
	dc := newContext(t)
	err := Run(dc, b)
	require.Error(t, err)
	assert.True(t, IsConfigError(err))
	require.NoError(t, dc.Err(), "configuration errors don't corrupt the context")

	failing := g.Operator("failing", nil, nil, func(_ *Operator, _ *DeviceContext) error {
		return errors.New("host work failed")
	}, nil)
	err = Run(dc, failing)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "host work failed")
	assert.Contains(t, err.Error(), `"failing"`)
}

func TestPrepareKernel(t *testing.T) {
	g := NewGraph("kernels")
	x := g.Tensor(shapes.Make(dtypes.Float32, 4), "x")
	var sourceCalls atomic.Int32
	op := g.Operator("add", []Node{x}, nil, nil, func(_ *Operator, _ *DeviceContext) (KernelSource, bool) {
		sourceCalls.Add(1)
		return KernelSource{Entry: "graph_test_add_one", Code: testKernels}, true
	})
	dc := newContext(t)
	const n = 5
	first := must.M1(dc.PrepareKernel(op))
	for range n - 1 {
		assert.Same(t, first, must.M1(dc.PrepareKernel(op)))
	}
	assert.Equal(t, KernelCacheStats{Hits: n - 1, Misses: 1, Size: 1}, dc.KernelCacheStats())
	assert.Equal(t, int32(1), sourceCalls.Load())
	assert.Equal(t, 1, first.NumArgs())

	// The cache is per context.
	dc2 := newContext(t)
	second := must.M1(dc2.PrepareKernel(op))
	assert.NotSame(t, first, second)
	assert.Equal(t, int32(2), sourceCalls.Load())

	// Operator without source for the device.
	noSource := g.Operator("no_source", nil, nil, nil, nil)
	for range 2 {
		_, err := dc.PrepareKernel(noSource)
		require.Error(t, err)
		assert.True(t, IsConfigError(err))
		assert.Contains(t, err.Error(), "no backend implementation")
	}
	require.NoError(t, dc.Err())
	assert.Equal(t, KernelCacheStats{Hits: n - 1, Misses: 1, Size: 1}, dc.KernelCacheStats(),
		"lookups without kernel source are not counted")
}

func TestCompileError(t *testing.T) {
	g := NewGraph("compile")
	broken := g.Operator("broken", nil, nil, nil, func(_ *Operator, _ *DeviceContext) (KernelSource, bool) {
		return KernelSource{Entry: "broken", Code: "kernel void broken(global float* x {"}, true
	})
	dc := newContext(t)
	_, err := dc.PrepareKernel(broken)
	require.Error(t, err)
	assert.True(t, IsCompileError(err))
	var compileErr *CompileError
	require.ErrorAs(t, err, &compileErr)
	assert.Equal(t, "broken", compileErr.Node)
	assert.NotEmpty(t, compileErr.Diagnostic)

	// Context is corrupted: nothing else runs.
	require.Error(t, dc.Err())
	other := g.Operator("other", nil, nil, func(_ *Operator, _ *DeviceContext) error { return nil }, nil)
	require.Error(t, Run(dc, other))
	_, err = dc.Buffer(g.Tensor(shapes.Make(dtypes.Float32, 1), "y"))
	require.Error(t, err)
}

func TestDeviceError(t *testing.T) {
	g := NewGraph("device_error")
	x := g.Tensor(shapes.Make(dtypes.Float32, 4), "x")
	op := g.Operator("panic", []Node{x}, nil, launchOn(x), kernelSource("graph_test_panic"))
	dc := newContext(t)
	require.NoError(t, Run(dc, op))
	err := dc.WaitForAllKernelsFinished()
	require.Error(t, err)
	assert.True(t, IsDeviceError(err))
	require.Error(t, dc.Err())
}

func TestBuffers(t *testing.T) {
	g := NewGraph("buffers")
	x := g.Tensor(shapes.Make(dtypes.Float32, 2, 3), "x")
	counter := g.Tensor(shapes.Make(dtypes.Int64), "counter")
	noShape := g.Operator("no_shape", nil, nil, nil, nil)
	dc := newContext(t)

	buffer := must.M1(dc.Buffer(x))
	assert.Equal(t, 24, buffer.Size())
	assert.Equal(t, buffer, must.M1(dc.Buffer(x)), "buffers are allocated once")
	assert.Len(t, must.M1(dc.Host(counter)), 8)
	_, err := dc.Buffer(noShape)
	assert.True(t, IsConfigError(err))

	values := []float32{1, 2, 3, 4, 5, 6}
	_ = must.M1(Store(dc, x, values))
	assert.Equal(t, values, must.M1(Fetch[float32](dc, x)))

	_, err = Store(dc, x, []float32{1})
	assert.True(t, IsConfigError(err))
	_, err = Fetch[int64](dc, x)
	assert.True(t, IsConfigError(err))
}

func TestDependencies(t *testing.T) {
	g := NewGraph("dependencies")
	x := g.Tensor(shapes.Make(dtypes.Float32, 8), "x")
	add := g.Operator("add", []Node{x}, nil, nil, kernelSource("graph_test_add_one"))
	dc := newContext(t)
	kernel := must.M1(dc.PrepareKernel(add))
	require.NoError(t, dc.SetArgs(kernel, x))
	spec := LaunchSpec{Global: []int{8}, Reads: []Node{x}, Writes: []Node{x}}

	// Upload -> 3 launches -> download: each command waits for the previous one.
	upload := must.M1(Store(dc, x, []float32{0, 1, 2, 3, 4, 5, 6, 7}))
	assert.Equal(t, upload, dc.LastWriteEvent(x))
	var last backends.Event
	for range 3 {
		last = must.M1(dc.Launch(kernel, spec))
		assert.Equal(t, last, dc.LastWriteEvent(x))
	}
	assert.Equal(t, []float32{3, 4, 5, 6, 7, 8, 9, 10}, must.M1(Fetch[float32](dc, x)))

	// Preconditions hold every command until they complete.
	gate := backends.NewLatchEvent()
	dc.AddPrecondition(gate)
	assert.Len(t, dc.PreconditionEvents(), 1)
	event := must.M1(dc.Launch(kernel, spec))
	time.Sleep(20 * time.Millisecond)
	assert.False(t, event.Done())
	gate.Complete(nil)
	require.NoError(t, event.Wait())
	require.NoError(t, dc.WaitForAllKernelsFinished())
	assert.Empty(t, dc.PreconditionEvents())
	assert.Nil(t, dc.LastWriteEvent(x))
	assert.Equal(t, []float32{4, 5, 6, 7, 8, 9, 10, 11}, must.M1(Fetch[float32](dc, x)))
}

func TestDeclaredInputsOrdering(t *testing.T) {
	g := NewGraph("declared_inputs")
	x := g.Tensor(shapes.Make(dtypes.Float32, 4), "x")
	y := g.Tensor(shapes.Make(dtypes.Float32, 4), "y")
	write := g.Operator("write", nil, nil, launchDeclared(x, float32(1)), kernelSource("graph_test_fill")).
		WithOutputs(x)
	read := g.Operator("read", []Node{write}, nil, launchDeclared(y, x), kernelSource("graph_test_copy")).
		WithOutputs(y)
	overwrite := g.Operator("overwrite", []Node{read}, nil, launchDeclared(x, float32(2)),
		kernelSource("graph_test_fill")).WithOutputs(x)
	dc := newContext(t)

	// read waits for the write of x by its input; overwrite waits for read to finish reading x.
	require.NoError(t, Run(dc, overwrite))
	assert.NotNil(t, dc.LastWriteEvent(x))
	assert.NotNil(t, dc.LastWriteEvent(y))
	assert.Equal(t, []float32{1, 1, 1, 1}, must.M1(Fetch[float32](dc, y)))
	assert.Equal(t, []float32{2, 2, 2, 2}, must.M1(Fetch[float32](dc, x)))

	// Outside Run nothing is added: a launch without reads or writes is not recorded.
	kernel := must.M1(dc.PrepareKernel(read))
	require.NoError(t, dc.SetArgs(kernel, y, x))
	require.NoError(t, dc.WaitForAllKernelsFinished())
	event := must.M1(dc.Launch(kernel, LaunchSpec{Global: []int{4}}))
	assert.Nil(t, dc.LastWriteEvent(y))
	require.NoError(t, event.Wait())
}

func TestDroppedWaitList(t *testing.T) {
	g := NewGraph("dropped_wait_list")
	x := g.Tensor(shapes.Make(dtypes.Float32, 4), "x")
	y := g.Tensor(shapes.Make(dtypes.Float32, 4), "y")
	fill := g.Operator("fill", nil, nil, nil, kernelSource("graph_test_fill"))
	copyOp := g.Operator("copy", []Node{x}, nil, nil, kernelSource("graph_test_copy"))
	dc := newContext(t)
	fillKernel := must.M1(dc.PrepareKernel(fill))
	require.NoError(t, dc.SetArgs(fillKernel, x, float32(1)))
	copyKernel := must.M1(dc.PrepareKernel(copyOp))
	require.NoError(t, dc.SetArgs(copyKernel, y, x))

	// The write of x is held by gate past the 2ms delay of the copy below.
	gate := backends.NewLatchEvent()
	written := must.M1(dc.Launch(fillKernel, LaunchSpec{Global: []int{4}, Writes: []Node{x}, WaitFor: []backends.Event{gate}}))

	// Enqueued directly on the device, without the wait-list: it reads x before it is written.
	stale := must.M1(dc.Device().Enqueue(copyKernel, []int{4}, nil, nil))
	require.NoError(t, stale.Wait())
	assert.False(t, written.Done())
	gate.Complete(nil)
	assert.Equal(t, []float32{0, 0, 0, 0}, must.M1(Fetch[float32](dc, y)), "copy without wait-list reads stale x")

	// The same copy launched with its wait-list sees the write.
	must.M1(dc.Launch(copyKernel, LaunchSpec{Global: []int{4}, Reads: []Node{x}, Writes: []Node{y}}))
	assert.Equal(t, []float32{1, 1, 1, 1}, must.M1(Fetch[float32](dc, y)))
	require.NoError(t, dc.WaitForAllKernelsFinished())
}

func TestSerialContext(t *testing.T) {
	g := NewGraph("serial")
	x := g.Tensor(shapes.Make(dtypes.Float32, 4), "x")
	add := g.Operator("add", []Node{x}, nil, nil, kernelSource("graph_test_add_one"))
	dc := newContext(t)
	assert.True(t, dc.Parallel())
	dc.SetParallel(false)
	kernel := must.M1(dc.PrepareKernel(add))
	require.NoError(t, dc.SetArgs(kernel, x))
	event := must.M1(dc.Launch(kernel, LaunchSpec{Global: []int{4}, Reads: []Node{x}, Writes: []Node{x}}))
	assert.True(t, event.Done(), "non-parallel context waits for every launch")
}

func TestFinalize(t *testing.T) {
	dc := newContext(t)
	dc.Finalize()
	dc.Finalize()
	require.Error(t, dc.Err())
	require.Error(t, dc.WaitForAllKernelsFinished())
}
