// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package ops

import (
	"fmt"
	"math/rand/v2"
	"testing"

	"github.com/gomlx/dataflow/backends/simplego"
	"github.com/gomlx/dataflow/pkg/core/dtypes"
	"github.com/gomlx/dataflow/pkg/core/graph"
	"github.com/gomlx/dataflow/pkg/core/shapes"
	"github.com/janpfeifer/must"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/x448/float16"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"
)

func newContext(t *testing.T, config string) *graph.DeviceContext {
	backend := must.M1(simplego.NewBackend(config))
	dc := must.M1(graph.NewDeviceContext(backend, 0))
	t.Cleanup(dc.Finalize)
	return dc
}

func TestAddConstant(t *testing.T) {
	g := graph.NewGraph("add_constant")
	x := g.Data(shapes.Make(dtypes.Float32, 4), nil, "x")
	Fill(g, 0, "zeros", x)
	var last *graph.Operator
	for i := range 5 {
		op := AddConstant(x, 1, fmt.Sprintf("add_%d", i))
		if last != nil {
			op.After(last)
		}
		last = op
	}
	dc := newContext(t, "delay=1ms")
	require.NoError(t, graph.Run(dc, last))
	assert.Equal(t, []float32{5, 5, 5, 5}, must.M1(graph.Fetch[float32](dc, x)))
	assert.Equal(t, 5, dc.KernelCacheStats().Misses, "one kernel per AddConstant operator")
}

func TestNoSource(t *testing.T) {
	g := graph.NewGraph("no_source")
	x := g.Tensor(shapes.Make(dtypes.Float32, 4), "x")
	op := g.Operator("webgpu_only", []graph.Node{x}, nil, func(op *graph.Operator, dc *graph.DeviceContext) error {
		_, err := launch(dc, op, graph.LaunchSpec{Global: []int{4}, Writes: []graph.Node{x}}, x, 4, float32(1))
		return err
	}, Sources{WebGPUBackend: {Entry: "add_constant", Code: addConstantWGSL}}.Fn())
	dc := newContext(t, "")
	err := graph.Run(dc, op)
	require.Error(t, err)
	assert.True(t, graph.IsConfigError(err))
	assert.NoError(t, dc.Err())
}

// randomFloat32s returns n values uniformly distributed in [-1, 1).
func randomFloat32s(rng *rand.Rand, n int) []float32 {
	values := make([]float32, n)
	for i := range values {
		values[i] = 2*rng.Float32() - 1
	}
	return values
}

func toFloat64s(values []float32) []float64 {
	out := make([]float64, len(values))
	for i, v := range values {
		out[i] = float64(v)
	}
	return out
}

func TestGemm(t *testing.T) {
	const N, M, K = 7, 5, 13
	rng := rand.New(rand.NewPCG(42, 42))
	inValues, weightValues, biasValues := randomFloat32s(rng, N*K), randomFloat32s(rng, M*K), randomFloat32s(rng, M)

	// Expected: in · weightᵀ + bias.
	var want mat.Dense
	want.Mul(mat.NewDense(N, K, toFloat64s(inValues)), mat.NewDense(M, K, toFloat64s(weightValues)).T())
	for n := range N {
		for m := range M {
			want.Set(n, m, want.At(n, m)+float64(biasValues[m]))
		}
	}

	for _, withBias := range []bool{true, false} {
		t.Run(fmt.Sprintf("bias=%v", withBias), func(t *testing.T) {
			g := graph.NewGraph("")
			in := g.Data(shapes.Make(dtypes.Float32, N, K), nil, "in")
			weight := g.Weight(shapes.Make(dtypes.Float32, M, K), "weight", nil)
			var bias *graph.Tensor
			if withBias {
				bias = g.Bias(shapes.Make(dtypes.Float32, M), "bias", nil)
			}
			gemm := Gemm(in, weight, bias, "gemm")
			unrolled := GemmUnrolled(gemm, "gemm_unrolled")
			assert.True(t, gemm.Shape().Equal(shapes.Make(dtypes.Float32, N, M)))

			dc := newContext(t, "delay=1ms;parallelism=3")
			_ = must.M1(graph.Store(dc, in, inValues))
			_ = must.M1(graph.Store(dc, weight, weightValues))
			if withBias {
				_ = must.M1(graph.Store(dc, bias, biasValues))
			}
			for _, op := range []*graph.Operator{gemm, unrolled} {
				require.NoError(t, graph.Run(dc, op))
				got := must.M1(graph.Fetch[float32](dc, gemm))
				for n := range N {
					for m := range M {
						expected := want.At(n, m)
						if !withBias {
							expected -= float64(biasValues[m])
						}
						require.InDeltaf(t, expected, got[n*M+m], 1e-4, "%s: out[%d, %d]", op.Name(), n, m)
					}
				}
				// Reset, so the next version is really tested.
				_ = must.M1(graph.Store(dc, gemm, make([]float32, N*M)))
			}
		})
	}
}

func TestGemmBenchmark(t *testing.T) {
	for _, setting := range []string{"version=0", "version=1;parallel=false"} {
		t.Run(setting, func(t *testing.T) {
			settings := GemmBenchmarkParams()
			require.NoError(t, settings.Parse("M=64;N=16;K=64;step=2;"+setting))
			g := graph.NewGraph("benchmark")
			bench := must.M1(NewGemmBenchmark(g, settings, ""))
			dc := newContext(t, "")
			require.NoError(t, graph.Run(dc, bench))
			results := bench.Results(dc)
			require.Len(t, results, 2*2*2)
			assert.Equal(t, BenchmarkResult{M: 64, N: 16, K: 64, Times: 1, Total: results[0].Total}, results[0])
			last := results[len(results)-1]
			assert.Equal(t, []int{32, 8, 32, 8}, []int{last.M, last.N, last.K, last.Times})
			assert.True(t, dc.Parallel(), "benchmark restores the parallel setting")

			table := FormatResults(results)
			assert.Contains(t, table, "Average")
			assert.Contains(t, table, "ms")
		})
	}

	_, err := NewGemmBenchmark(graph.NewGraph(""), GemmBenchmarkParams().Set("step", 1), "")
	require.Error(t, err)
}

func TestFill(t *testing.T) {
	g := graph.NewGraph("fill")
	f16 := g.Tensor(shapes.Make(dtypes.Float16, 3), "f16")
	i32 := g.Tensor(shapes.Make(dtypes.Int32, 2, 2), "i32")
	f64 := g.Bias(shapes.Make(dtypes.Float64, 2), "f64", nil)
	fill := Fill(g, 3, "threes", f16, i32, f64)
	assert.Len(t, fill.Outputs(), 3)
	dc := newContext(t, "delay=1ms")
	require.NoError(t, graph.Run(dc, fill))
	assert.Equal(t, []float16.Float16{float16.Fromfloat32(3), float16.Fromfloat32(3), float16.Fromfloat32(3)},
		must.M1(graph.Fetch[float16.Float16](dc, f16)))
	assert.Equal(t, []int32{3, 3, 3, 3}, must.M1(graph.Fetch[int32](dc, i32)))
	assert.Equal(t, []float64{3, 3}, must.M1(graph.Fetch[float64](dc, f64)))
}

func TestXavierNormal(t *testing.T) {
	g := graph.NewGraph("xavier")
	w := g.Weight(shapes.Make(dtypes.Float32, 100, 300), "w", nil)
	b := g.Bias(shapes.Make(dtypes.Float32, 100), "b", nil)
	XavierNormal(g, "init", 0, 2, 7, w, b)
	dc := newContext(t, "")
	require.NoError(t, graph.Run(dc, w))
	require.NoError(t, graph.Run(dc, b))

	values := toFloat64s(must.M1(graph.Fetch[float32](dc, w)))
	mean, std := stat.MeanStdDev(values, nil)
	assert.InDelta(t, 0, mean, 0.01)
	assert.InDelta(t, 2*0.07071, std, 0.01) // 2 * sqrt(2 / (100 + 300))
	assert.Equal(t, make([]float32, 100), must.M1(graph.Fetch[float32](dc, b)))

	// Same seed and device give the same values.
	dc2 := newContext(t, "")
	require.NoError(t, graph.Run(dc2, w))
	assert.Equal(t, values, toFloat64s(must.M1(graph.Fetch[float32](dc2, w))))
}

func TestHostGenerator(t *testing.T) {
	g := graph.NewGraph("generator")
	x := g.Data(shapes.Make(dtypes.Float32, 3), nil, "x")
	y := g.Data(shapes.Make(dtypes.Float32, 3), nil, "y")
	var calls int
	gen := HostGenerator(g, "counter", func(_ *graph.DeviceContext, values [][]float32) error {
		calls++
		for i := range values[0] {
			values[0][i] = float32(calls)
			values[1][i] = float32(-calls)
		}
		return nil
	}, x, y)
	assert.Equal(t, gen, x.Initializer())
	add := AddConstant(x, 10, "add")

	dc := newContext(t, "delay=1ms")
	require.NoError(t, graph.Run(dc, add)) // Initializes x (and y) with the generator.
	assert.Equal(t, 1, calls)
	assert.Equal(t, []float32{11, 11, 11}, must.M1(graph.Fetch[float32](dc, x)))
	require.NoError(t, graph.Run(dc, gen))
	require.NoError(t, graph.Run(dc, add))
	assert.Equal(t, 2, calls)
	assert.Equal(t, []float32{12, 12, 12}, must.M1(graph.Fetch[float32](dc, x)))
	assert.Equal(t, []float32{-2, -2, -2}, must.M1(graph.Fetch[float32](dc, y)))
}

func TestLinearRegression(t *testing.T) {
	const numExamples, numFeatures = 64, 2
	g := graph.NewGraph("regression")
	x := g.Data(shapes.Make(dtypes.Float32, numExamples, numFeatures), nil, "x")
	y := g.Data(shapes.Make(dtypes.Float32, numExamples), nil, "y")
	rng := rand.New(rand.NewPCG(1, 2))
	HostGenerator(g, "data", func(_ *graph.DeviceContext, values [][]float32) error {
		xs, ys := values[0], values[1]
		for i := range numExamples {
			xs[2*i], xs[2*i+1] = rng.Float32(), rng.Float32()
			ys[i] = 2*xs[2*i] - 3*xs[2*i+1] + 1
		}
		return nil
	}, x, y)
	model := NewLinearRegression(x, y, 0.5, 0, "linear")
	require.NoError(t, g.Validate(model.Update))

	dc := newContext(t, "")
	require.NoError(t, graph.Run(dc, model.Update))
	initialLoss := must.M1(model.LossValue(dc))
	for range 3000 {
		require.NoError(t, graph.Run(dc, model.Update))
	}
	require.NoError(t, dc.WaitForAllKernelsFinished())
	finalLoss := must.M1(model.LossValue(dc))
	assert.Less(t, finalLoss, initialLoss)
	assert.Less(t, finalLoss, float32(1e-3))
	weights, bias := must.M2(model.Parameters(dc))
	assert.InDeltaSlice(t, []float32{2, -3}, weights, 0.1)
	assert.InDelta(t, 1, bias, 0.1)
}
