// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"bytes"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func runCLI(t *testing.T, args ...string) string {
	cmd := newCLI()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs(args)
	require.NoError(t, cmd.Execute())
	return out.String()
}

func TestDevices(t *testing.T) {
	output := runCLI(t, "devices", "--backend=go:devices=2")
	assert.Contains(t, output, "#0")
	assert.Contains(t, output, "#1")
	assert.Contains(t, output, "Simple Go Portable Backend")
}

func TestBenchGemm(t *testing.T) {
	output := runCLI(t, "bench-gemm", "--backend=go", "--set=M=64;N=16;K=64;step=2;parallel=false")
	assert.Contains(t, output, "GEMM benchmark")
	assert.Contains(t, output, "Average")

	cmd := newCLI()
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetArgs([]string{"bench-gemm", "--backend=go", "--set=unknown=1"})
	require.Error(t, cmd.Execute())
}

func TestTrain(t *testing.T) {
	plotPath := filepath.Join(t.TempDir(), "loss.png")
	output := runCLI(t, "train", "--backend=go:devices=2", "--devices=2", "--epochs=200", "--report=50",
		"--plot="+plotPath, "--progress", "--set=examples=32;features=2")
	assert.Contains(t, output, "Linear regression")
	assert.Contains(t, output, "target")
	assert.Contains(t, output, "#1")
	assert.FileExists(t, plotPath)
}
