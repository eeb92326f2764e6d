// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package ops

import (
	"github.com/gomlx/dataflow/backends/simplego"
	"github.com/gomlx/dataflow/pkg/core/dtypes"
	"github.com/gomlx/dataflow/pkg/core/graph"
	"github.com/gomlx/exceptions"
)

const addConstantOCL = `
kernel void add_constant(global float* x, const int n, const float value)
{
	const int GID = get_global_id(0);
	if (GID < n)
		x[GID] += value;
}
`

const addConstantWGSL = `
struct Params {
	n: u32,
	value: f32,
}

@group(0) @binding(0) var<storage, read_write> x: array<f32>;
@group(0) @binding(1) var<uniform> params: Params;

@compute @workgroup_size(64)
fn add_constant(@builtin(global_invocation_id) id: vec3<u32>) {
	if (id.x < params.n) {
		x[id.x] = x[id.x] + params.value;
	}
}
`

var addConstantSources = Sources{
	simplego.BackendName: {Entry: "add_constant", Code: addConstantOCL},
	WebGPUBackend:        {Entry: "add_constant", Code: addConstantWGSL},
}

func init() {
	simplego.RegisterKernel("add_constant", func(args *simplego.Args, start, end int) error {
		x, n, value := args.Float32s(0), args.Int(1), args.Float32(2)
		for i := start; i < min(end, n); i++ {
			x[i] += value
		}
		return nil
	})
}

// AddConstant creates an operator that adds value to every element of x, in place.
//
// x must be Float32. To apply it in sequence with other operators writing x, order them with Operator.After.
func AddConstant(x *graph.Tensor, value float32, name string) *graph.Operator {
	if x.Shape().DType != dtypes.Float32 {
		exceptions.Panicf("AddConstant(%s): only Float32 supported", x)
	}
	g := x.Graph()
	op := g.Operator(name, []graph.Node{x}, nil, func(op *graph.Operator, dc *graph.DeviceContext) error {
		x := op.Input(0)
		volume := x.Shape().Volume()
		_, err := launch(dc, op, graph.LaunchSpec{
			Global: []int{volume},
			Reads:  []graph.Node{x},
			Writes: []graph.Node{x},
		}, x, volume, value)
		return err
	}, addConstantSources.Fn())
	return op.WithOutputs(x)
}
