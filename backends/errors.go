// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package backends

import (
	"fmt"
	"strings"
)

// CompileError is returned by Device.Compile when the kernel source fails to compile.
type CompileError struct {
	Entry string

	// Diagnostic holds the compiler messages.
	Diagnostic string
}

// Error implements error.
func (e *CompileError) Error() string {
	return fmt.Sprintf("failed to compile kernel %q: %s", e.Entry, strings.TrimSpace(e.Diagnostic))
}
