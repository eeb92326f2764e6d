// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package _default includes the default backends: the portable CPU backend ("go") and, on windows builds,
// WebGPU ("webgpu").
//
// To use it simply include:
//
//	import _ "github.com/gomlx/dataflow/backends/default"
package _default

import (
	_ "github.com/gomlx/dataflow/backends/simplego"
)
