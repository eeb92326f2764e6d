// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package params

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGet(t *testing.T) {
	p := New().Set("M", 2048).Set("lr", 0.1).Set("parallel", true)
	assert.Equal(t, 2048, Get(p, "M", 0))
	assert.Equal(t, int64(2048), Get[int64](p, "M", 0))
	assert.Equal(t, float32(0.1), Get[float32](p, "lr", 0))
	assert.True(t, Get(p, "parallel", false))
	assert.Equal(t, 7, Get(p, "missing", 7))
	assert.Equal(t, "x", Get(p, "M", "x"), "mismatched types return the default")
	assert.Equal(t, 3, Get[int](nil, "M", 3))
	assert.Equal(t, []string{"M", "lr", "parallel"}, p.Names())
}

func TestParse(t *testing.T) {
	p := New().Set("M", 2048).Set("N", 512).Set("parallel", true).Set("name", "gemm").Set("delay", time.Duration(0))
	require.NoError(t, p.Parse("M=1_024; parallel=false;;name=unroll;delay=5ms"))
	assert.Equal(t, 1024, Get(p, "M", 0))
	assert.Equal(t, 512, Get(p, "N", 0))
	assert.False(t, Get(p, "parallel", true))
	assert.Equal(t, "unroll", Get(p, "name", ""))
	assert.Equal(t, 5*time.Millisecond, Get(p, "delay", time.Duration(0)))
	assert.Equal(t, "M=1024;N=512;parallel=false;name=unroll;delay=5ms", p.String())

	require.Error(t, p.Parse("K=3"))
	require.Error(t, p.Parse("M"))
	require.Error(t, p.Parse("M=abc"))
}

func TestParseFile(t *testing.T) {
	filePath := filepath.Join(t.TempDir(), "settings.txt")
	require.NoError(t, os.WriteFile(filePath, []byte("# GEMM sizes\nM=64;N=32\n\nK=16\n"), 0o644))
	p := New().Set("M", 1).Set("N", 1).Set("K", 1)
	require.NoError(t, p.Parse("file:"+filePath))
	assert.Equal(t, "M=64;N=32;K=16", p.String())
}
