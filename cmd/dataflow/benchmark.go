// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"

	"github.com/gomlx/dataflow/backends"
	"github.com/gomlx/dataflow/pkg/core/graph"
	"github.com/gomlx/dataflow/pkg/ml/ops"
	"github.com/gomlx/dataflow/pkg/ml/train/commandline"
	"github.com/spf13/cobra"
)

func newBenchGemmCmd() *cobra.Command {
	settings := ops.GemmBenchmarkParams()
	var deviceNum int
	cmd := &cobra.Command{
		Use:   "bench-gemm",
		Short: "Benchmark the GEMM kernels over a sweep of dimensions",
		Args:  cobra.NoArgs,
	}
	flagSet := commandline.SettingsFlag(cmd.Flags(), "set", settings)
	cmd.Flags().IntVar(&deviceNum, "device", 0, "Device to run the benchmark on.")
	cmd.RunE = func(cmd *cobra.Command, _ []string) error {
		if err := settings.Parse(*flagSet); err != nil {
			return err
		}
		backend, err := newBackend()
		if err != nil {
			return err
		}
		defer backend.Finalize()
		out := cmd.OutOrStdout()
		fmt.Fprintln(out, commandline.SprintSettings("GEMM benchmark on "+backend.Description(), settings))

		g := graph.NewGraph("bench_gemm")
		defer g.Finalize()
		bench, err := ops.NewGemmBenchmark(g, settings, "")
		if err != nil {
			return err
		}
		dc, err := graph.NewDeviceContext(backend, backends.DeviceNum(deviceNum))
		if err != nil {
			return err
		}
		defer dc.Finalize()
		if err := graph.Run(dc, bench); err != nil {
			return err
		}
		fmt.Fprintln(out, ops.FormatResults(bench.Results(dc)))
		return nil
	}
	return cmd
}
