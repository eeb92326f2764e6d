// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package ops

import (
	"github.com/gomlx/dataflow/backends/simplego"
	"github.com/gomlx/dataflow/pkg/core/dtypes"
	"github.com/gomlx/dataflow/pkg/core/graph"
	"github.com/gomlx/dataflow/pkg/core/shapes"
	"github.com/gomlx/exceptions"
)

// gemmOCL computes out[n, hidden] = bias[hidden] + sum_i weight[hidden, i] * in[n, i], one work-item per
// output element. bias can be NULL.
const gemmOCL = `
kernel void gemm(global float* out, const global float* in, const global float* weight, const global float* bias,
		const int dim_hidden, const int dim_in)
{
	const int GID = get_global_id(0);
	const int n = GID / dim_hidden;
	const int hidden = GID % dim_hidden;
	const int weight_offset = hidden * dim_in;
	const int in_offset = n * dim_in;
	float z = bias != NULL? bias[hidden] : 0;

	for (int i = 0; i < dim_in; i++)
		z += weight[weight_offset + i] * in[in_offset + i];
	out[GID] = z;
}
`

const gemmUnrollOCL = `
kernel void gemm_unroll(global float* out, const global float* in, const global float* weight, const global float* bias,
		const int dim_hidden, const int dim_in)
{
	const int GID = get_global_id(0);
	const int n = GID / dim_hidden;
	const int hidden = GID % dim_hidden;
	const int weight_offset = hidden * dim_in;
	const int in_offset = n * dim_in;
	float z = bias != NULL? bias[hidden] : 0;

#pragma unroll
	for (int i = 0; i < dim_in; i++)
		z += weight[weight_offset + i] * in[in_offset + i];
	out[GID] = z;
}
`

// gemmWGSL has the same parameters as the OpenCL version. A null bias is bound to a zeroed buffer.
const gemmWGSL = `
struct Params {
	dim_hidden: u32,
	dim_in: u32,
}

@group(0) @binding(0) var<storage, read_write> out: array<f32>;
@group(0) @binding(1) var<storage, read> in: array<f32>;
@group(0) @binding(2) var<storage, read> weight: array<f32>;
@group(0) @binding(3) var<storage, read> bias: array<f32>;
@group(0) @binding(4) var<uniform> params: Params;

@compute @workgroup_size(64)
fn gemm(@builtin(global_invocation_id) id: vec3<u32>) {
	let gid = id.x;
	if (gid >= arrayLength(&out)) {
		return;
	}
	let n = gid / params.dim_hidden;
	let hidden = gid % params.dim_hidden;
	var z = bias[hidden % arrayLength(&bias)];
	for (var i = 0u; i < params.dim_in; i = i + 1u) {
		z = z + weight[hidden * params.dim_in + i] * in[n * params.dim_in + i];
	}
	out[gid] = z;
}
`

var (
	gemmSources = Sources{
		simplego.BackendName: {Entry: "gemm", Code: gemmOCL},
		WebGPUBackend:        {Entry: "gemm", Code: gemmWGSL},
	}
	gemmUnrollSources = oclSource("gemm_unroll", gemmUnrollOCL)
)

func init() {
	simplego.RegisterKernel("gemm", gemmKernel, simplego.MinChunk(16))
	simplego.RegisterKernel("gemm_unroll", gemmUnrollKernel, simplego.MinChunk(16))
}

// gemmArgs are the arguments of both gemm kernels.
func gemmArgs(args *simplego.Args) (out, in, weight, bias []float32, dimHidden, dimIn int) {
	return args.Float32s(0), args.Float32s(1), args.Float32s(2), args.Float32s(3), args.Int(4), args.Int(5)
}

func gemmKernel(args *simplego.Args, start, end int) error {
	out, in, weight, bias, dimHidden, dimIn := gemmArgs(args)
	for gid := start; gid < end; gid++ {
		n, hidden := gid/dimHidden, gid%dimHidden
		var z float32
		if bias != nil {
			z = bias[hidden]
		}
		w := weight[hidden*dimIn : (hidden+1)*dimIn]
		x := in[n*dimIn : (n+1)*dimIn]
		for i := range dimIn {
			z += w[i] * x[i]
		}
		out[gid] = z
	}
	return nil
}

func gemmUnrollKernel(args *simplego.Args, start, end int) error {
	out, in, weight, bias, dimHidden, dimIn := gemmArgs(args)
	for gid := start; gid < end; gid++ {
		n, hidden := gid/dimHidden, gid%dimHidden
		var z float32
		if bias != nil {
			z = bias[hidden]
		}
		w := weight[hidden*dimIn : (hidden+1)*dimIn]
		x := in[n*dimIn : (n+1)*dimIn]
		i := 0
		for ; i+3 < dimIn; i += 4 {
			z += w[i]*x[i] + w[i+1]*x[i+1] + w[i+2]*x[i+2] + w[i+3]*x[i+3]
		}
		for ; i < dimIn; i++ {
			z += w[i] * x[i]
		}
		out[gid] = z
	}
	return nil
}

// Gemm creates an operator computing a fully connected layer without activation:
// out[n, m] = bias[m] + sum_k in[n, k] * weight[m, k].
//
// in has shape [N, K], weight [M, K] and bias (optional, it can be nil) [M]. The operator holds the result,
// with shape [N, M]. Version 0 of the operator is an alternative kernel with its inner loop unrolled.
func Gemm(in, weight, bias *graph.Tensor, name string) *graph.Operator {
	g := in.Graph()
	if in.Shape().Rank() != 2 || weight.Shape().Rank() != 2 || in.Shape().Dim(1) != weight.Shape().Dim(1) {
		exceptions.Panicf("Gemm(%s, %s): incompatible shapes", in, weight)
	}
	inputs := []graph.Node{in, weight}
	if bias != nil {
		inputs = append(inputs, bias)
	}
	unroll := g.Operator(name+"/unroll", inputs, nil, nil, gemmUnrollSources.Fn())
	op := g.Operator(name, inputs, []*graph.Operator{unroll}, func(op *graph.Operator, dc *graph.DeviceContext) error {
		return executeGemm(dc, op, op)
	}, gemmSources.Fn())
	return op.WithShape(shapes.Make(dtypes.Float32, in.Shape().Dim(0), weight.Shape().Dim(0)))
}

// executeGemm launches the kernel of version (op itself or one of its versions) to compute op.
func executeGemm(dc *graph.DeviceContext, op, version *graph.Operator) error {
	in, weight := op.Input(0), op.Input(1)
	dimHidden, dimIn := weight.Shape().Dim(0), weight.Shape().Dim(1)
	if err := graph.CheckShape(op, weight, shapes.Make(dtypes.Float32, dimHidden, dimIn)); err != nil {
		return err
	}
	if err := graph.CheckShape(op, in, shapes.Make(dtypes.Float32, in.Shape().Dim(0), dimIn)); err != nil {
		return err
	}
	reads := []graph.Node{in, weight}
	var bias any
	if len(op.Inputs()) > 2 {
		biasNode := op.Input(2)
		if err := graph.CheckShape(op, biasNode, shapes.Make(dtypes.Float32, dimHidden)); err != nil {
			return err
		}
		reads = append(reads, biasNode)
		bias = biasNode
	}
	_, err := launch(dc, version, graph.LaunchSpec{
		Global: []int{op.Shape().Volume()},
		Reads:  reads,
		Writes: []graph.Node{op},
	}, op, in, weight, bias, dimHidden, dimIn)
	return err
}

// GemmUnrolled creates an operator that computes the same as gemm (created with Gemm), with its unrolled version.
// It writes to gemm's buffer.
func GemmUnrolled(gemm *graph.Operator, name string) *graph.Operator {
	g := gemm.Graph()
	op := g.Operator(name, gemm.Inputs(), nil, func(_ *graph.Operator, dc *graph.DeviceContext) error {
		return executeGemm(dc, gemm, gemm.Version(0))
	}, nil)
	return op.WithOutputs(gemm).WithPeers(gemm)
}
