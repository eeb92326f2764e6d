// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// dataflow runs the demos of the dataflow engine: the GEMM kernels benchmark and a linear regression trained
// with the IterativeOptimizer.
//
// The backend is selected with --backend (or $DATAFLOW_BACKEND), e.g.: --backend="go:parallelism=4".
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/charmbracelet/lipgloss"
	lgtable "github.com/charmbracelet/lipgloss/table"
	"github.com/gomlx/dataflow/backends"
	_ "github.com/gomlx/dataflow/backends/default"
	"github.com/spf13/cobra"
	"k8s.io/klog/v2"
)

var flagBackend string

func main() {
	if err := newCLI().Execute(); err != nil {
		klog.Errorf("%+v", err)
		klog.Flush()
		os.Exit(1)
	}
	klog.Flush()
}

func newCLI() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "dataflow",
		Short:         "Dataflow graph execution engine demos",
		SilenceUsage:  true,
		SilenceErrors: true,
		CompletionOptions: cobra.CompletionOptions{
			DisableDefaultCmd: true,
		},
	}
	rootCmd.PersistentFlags().StringVar(&flagBackend, "backend", "",
		fmt.Sprintf("Backend configuration, formatted as \"<backend_name>:<backend_configuration>\". "+
			"If empty, $%s is used. Registered backends: %v", backends.ConfigEnvVar, backends.List()))

	klogFlags := flag.NewFlagSet("klog", flag.ExitOnError)
	klog.InitFlags(klogFlags)
	rootCmd.PersistentFlags().AddGoFlagSet(klogFlags)

	rootCmd.AddCommand(newDevicesCmd(), newBenchGemmCmd(), newTrainCmd())
	return rootCmd
}

// newBackend creates the backend selected by --backend.
func newBackend() (backends.Backend, error) {
	if flagBackend == "" {
		return backends.New()
	}
	return backends.NewWithConfig(flagBackend)
}

var (
	headerRowStyle = lipgloss.NewStyle().Reverse(true).
			Padding(0, 2, 0, 2).Align(lipgloss.Center)
	oddRowStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#FFF")).
			PaddingLeft(1).PaddingRight(1)
	evenRowStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#999")).
			PaddingLeft(1).PaddingRight(1)
	titleStyle = lipgloss.NewStyle().Bold(true).Padding(1, 4, 1, 4)
)

func newPlainTable(headers ...string) *lgtable.Table {
	return lgtable.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(lipgloss.Color("99"))).
		Headers(headers...).
		StyleFunc(func(row, col int) lipgloss.Style {
			switch {
			case row < 0:
				return headerRowStyle
			case row%2 == 0:
				return oddRowStyle
			default:
				return evenRowStyle
			}
		})
}

func newDevicesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "devices",
		Short: "List the registered backends and the devices of the selected one",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			backend, err := newBackend()
			if err != nil {
				return err
			}
			defer backend.Finalize()
			table := newPlainTable("Backend", "Description", "Device", "Status")
			for i := range backend.NumDevices() {
				status := "ok"
				if device, err := backend.Open(i); err != nil {
					status = err.Error()
				} else {
					device.Release()
				}
				table.Row(backend.Name(), backend.Description(), fmt.Sprintf("#%d", i), status)
			}
			fmt.Fprintln(cmd.OutOrStdout(), titleStyle.Render(fmt.Sprintf("Registered backends: %v", backends.List())))
			fmt.Fprintln(cmd.OutOrStdout(), table.String())
			return nil
		},
	}
}
