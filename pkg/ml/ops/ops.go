// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package ops implements a small set of operators for dataflow graphs: elementwise arithmetic, GEMM (and its
// benchmark), tensor initializers, host data generators and a linear regression training step.
//
// Each operator provides kernel sources per backend (see Sources): OpenCL-C-like sources for the "go"
// backend, whose host implementations are registered by this package, and WGSL for the "webgpu" backend
// where available. Operators without a source for the backend fail with a configuration error when executed.
package ops

import (
	"github.com/gomlx/dataflow/backends"
	"github.com/gomlx/dataflow/backends/simplego"
	"github.com/gomlx/dataflow/pkg/core/graph"
)

// WebGPUBackend is the name of the WebGPU backend. The backend itself is only built on some platforms, so
// it's not imported here.
const WebGPUBackend = "webgpu"

// Sources maps backend names to the kernel source of an operator.
type Sources map[string]graph.KernelSource

// Fn returns a graph.KernelSourceFn that selects the source by the name of the backend of the DeviceContext.
func (s Sources) Fn() graph.KernelSourceFn {
	return func(_ *graph.Operator, dc *graph.DeviceContext) (graph.KernelSource, bool) {
		source, found := s[dc.Backend().Name()]
		return source, found
	}
}

// oclSource returns Sources with only the source for the SimpleGo ("go") backend.
func oclSource(entry, code string) Sources {
	return Sources{simplego.BackendName: {Entry: entry, Code: code}}
}

// launch prepares the kernel of op, binds args (nodes are replaced by their device buffers) and launches it.
func launch(dc *graph.DeviceContext, op *graph.Operator, spec graph.LaunchSpec, args ...any) (backends.Event, error) {
	kernel, err := dc.PrepareKernel(op)
	if err != nil {
		return nil, err
	}
	if err := dc.SetArgs(kernel, args...); err != nil {
		return nil, err
	}
	return dc.Launch(kernel, spec)
}

// outputTensors returns the tensors among the outputs of op.
func outputTensors(op *graph.Operator) []*graph.Tensor {
	var tensors []*graph.Tensor
	for _, node := range op.Outputs() {
		if t, ok := node.(*graph.Tensor); ok {
			tensors = append(tensors, t)
		}
	}
	return tensors
}
