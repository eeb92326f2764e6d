// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package ops

import (
	"fmt"
	"sync"
	"time"

	"github.com/charmbracelet/lipgloss"
	lgtable "github.com/charmbracelet/lipgloss/table"
	"github.com/dustin/go-humanize"
	"github.com/gomlx/dataflow/pkg/core/dtypes"
	"github.com/gomlx/dataflow/pkg/core/graph"
	"github.com/gomlx/dataflow/pkg/core/shapes"
	"github.com/gomlx/dataflow/pkg/support/params"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// GemmBenchmarkParams returns the parameters of GemmBenchmark with their default values:
//
//   - M: maximum number of hidden units (weight rows).
//   - N: maximum batch size.
//   - K: maximum number of inputs.
//   - step: each dimension is divided by step from its maximum down to its minimum (32, 8 and 32).
//   - parallel: if false, waits for every launch to finish before the next one.
//   - version: 0 for the plain kernel, 1 for the unrolled one.
func GemmBenchmarkParams() *params.Params {
	return params.New().
		Set("M", 2048).
		Set("N", 512).
		Set("K", 2048).
		Set("step", 4).
		Set("parallel", true).
		Set("version", 0)
}

// BenchmarkResult is the measurement for one combination of dimensions.
type BenchmarkResult struct {
	M, N, K int

	// Times the kernel was launched: M*N*K/(m*n*k) for the maximum dimensions, so every combination
	// does the same total amount of work.
	Times int

	// Total time for all launches.
	Total time.Duration
}

// Average time per launch.
func (r BenchmarkResult) Average() time.Duration {
	if r.Times == 0 {
		return 0
	}
	return r.Total / time.Duration(r.Times)
}

// GemmBenchmark is an operator that measures the GEMM kernels for a sweep of dimensions.
type GemmBenchmark struct {
	*graph.Operator

	maxM, maxN, maxK, step int
	parallel               bool
	version                int

	x, w, result *graph.Tensor

	mu      sync.Mutex
	results map[uuid.UUID][]BenchmarkResult
}

// NewGemmBenchmark creates the benchmark operator, configured by settings (see GemmBenchmarkParams).
// The input and weights are initialized with XavierNormal.
func NewGemmBenchmark(g *graph.Graph, settings *params.Params, name string) (*GemmBenchmark, error) {
	b := &GemmBenchmark{
		maxM:     params.Get(settings, "M", 2048),
		maxN:     params.Get(settings, "N", 512),
		maxK:     params.Get(settings, "K", 2048),
		step:     params.Get(settings, "step", 4),
		parallel: params.Get(settings, "parallel", true),
		version:  params.Get(settings, "version", 0),
		results:  make(map[uuid.UUID][]BenchmarkResult),
	}
	if b.maxM < 32 || b.maxN < 8 || b.maxK < 32 {
		return nil, errors.Errorf("GemmBenchmark requires M >= 32, N >= 8 and K >= 32, got M=%d, N=%d, K=%d",
			b.maxM, b.maxN, b.maxK)
	}
	if b.step < 2 {
		return nil, errors.Errorf("GemmBenchmark requires step >= 2, got %d", b.step)
	}
	if b.version < 0 || b.version > 1 {
		return nil, errors.Errorf("GemmBenchmark version must be 0 or 1, got %d", b.version)
	}
	if name == "" {
		name = "gemm_benchmark"
	}
	initializer := XavierNormal(g, name+"/init", 0, 2.34, 0)
	b.x = g.Data(shapes.Make(dtypes.Float32, b.maxN, b.maxK), initializer, name+"/x")
	b.w = g.Weight(shapes.Make(dtypes.Float32, b.maxM, b.maxK), name+"/w", initializer)
	b.result = g.Data(shapes.Make(dtypes.Float32, b.maxN, b.maxM), nil, name+"/gemm")
	unroll := g.Operator(name+"/unroll", []graph.Node{b.x, b.w}, nil, nil, gemmUnrollSources.Fn())
	b.Operator = g.Operator(name, []graph.Node{b.x, b.w}, []*graph.Operator{unroll},
		func(_ *graph.Operator, dc *graph.DeviceContext) error { return b.execute(dc) },
		gemmSources.Fn())
	b.WithOutputs(b.result)
	return b, nil
}

func (b *GemmBenchmark) execute(dc *graph.DeviceContext) error {
	kernelOp := b.Operator
	if b.version > 0 {
		kernelOp = b.Version(b.version - 1)
	}
	kernel, err := dc.PrepareKernel(kernelOp)
	if err != nil {
		return err
	}
	if err := dc.SetArgs(kernel, b.result, b.x, b.w, nil); err != nil {
		return err
	}
	wasParallel := dc.Parallel()
	dc.SetParallel(b.parallel)
	defer dc.SetParallel(wasParallel)

	var results []BenchmarkResult
	for m := b.maxM; m >= 32; m /= b.step {
		for n := b.maxN; n >= 8; n /= b.step {
			for k := b.maxK; k >= 32; k /= b.step {
				total := int(int64(b.maxM) * int64(b.maxN) * int64(b.maxK) / int64(m) / int64(n) / int64(k))
				start := time.Now()
				for range total {
					if err := kernel.SetArg(4, m); err != nil {
						return err
					}
					if err := kernel.SetArg(5, k); err != nil {
						return err
					}
					if _, err := dc.Launch(kernel, graph.LaunchSpec{
						Global: []int{m * n},
						Reads:  []graph.Node{b.x, b.w},
						Writes: []graph.Node{b.result},
					}); err != nil {
						return err
					}
				}
				if b.parallel {
					if err := dc.WaitForAllKernelsFinished(); err != nil {
						return err
					}
				}
				r := BenchmarkResult{M: m, N: n, K: k, Times: total, Total: time.Since(start)}
				klog.Infof("M=%d \tN=%d \tK=%d \ttimes=%d \tTime=%s \tAverage=%.3fms",
					m, n, k, total, r.Total, float64(r.Average().Microseconds())/1000)
				results = append(results, r)
			}
		}
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.results[dc.ID()] = results
	return nil
}

// Result is the tensor the kernels write to, of shape [N, M].
func (b *GemmBenchmark) Result() *graph.Tensor { return b.result }

// Tensors returns the input x (shape [N, K]) and the weights w (shape [M, K]).
func (b *GemmBenchmark) Tensors() (x, w *graph.Tensor) { return b.x, b.w }

// Results of the last execution of the benchmark on dc.
func (b *GemmBenchmark) Results(dc *graph.DeviceContext) []BenchmarkResult {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.results[dc.ID()]
}

var (
	headerStyle = lipgloss.NewStyle().Reverse(true).Padding(0, 2).Align(lipgloss.Center)
	evenStyle   = lipgloss.NewStyle().Padding(0, 1).Align(lipgloss.Right)
	oddStyle    = lipgloss.NewStyle().Padding(0, 1).Align(lipgloss.Right).Faint(true)
)

// FormatResults renders the benchmark results as a table.
func FormatResults(results []BenchmarkResult) string {
	table := lgtable.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(lipgloss.Color("99"))).
		Headers("M", "N", "K", "Times", "Work", "Total", "Average").
		StyleFunc(func(row, col int) lipgloss.Style {
			switch {
			case row < 0:
				return headerStyle
			case row%2 == 0:
				return evenStyle
			default:
				return oddStyle
			}
		})
	for _, r := range results {
		flops := uint64(2) * uint64(r.M) * uint64(r.N) * uint64(r.K)
		table.Row(
			fmt.Sprint(r.M), fmt.Sprint(r.N), fmt.Sprint(r.K),
			humanize.Comma(int64(r.Times)),
			humanize.SIWithDigits(float64(flops), 1, "FLOP"),
			r.Total.Round(time.Microsecond).String(),
			fmt.Sprintf("%.3fms", float64(r.Average().Microseconds())/1000),
		)
	}
	return table.String()
}
