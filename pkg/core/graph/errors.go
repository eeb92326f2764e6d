// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package graph

import (
	"fmt"

	"github.com/gomlx/dataflow/pkg/core/shapes"
	"github.com/pkg/errors"
)

// ConfigError reports a graph that can't be executed as configured: shape mismatches, operators without
// a kernel for the device, execution cycles.
type ConfigError struct {
	// Node is the name of the node where the problem was found.
	Node string
	Msg  string
}

// Error implements error.
func (e *ConfigError) Error() string {
	if e.Node == "" {
		return "configuration error: " + e.Msg
	}
	return fmt.Sprintf("configuration error in %q: %s", e.Node, e.Msg)
}

func newConfigError(node Node, format string, args ...any) *ConfigError {
	name := ""
	if node != nil {
		name = node.Name()
	}
	return &ConfigError{Node: name, Msg: fmt.Sprintf(format, args...)}
}

// CompileError reports a kernel source that failed to compile. The DeviceContext where it happens is
// left corrupted.
type CompileError struct {
	Node       string
	Entry      string
	Source     string
	Diagnostic string
}

// Error implements error.
func (e *CompileError) Error() string {
	return fmt.Sprintf("failed to compile kernel %q of operator %q: %s", e.Entry, e.Node, e.Diagnostic)
}

// DeviceError reports a failure to enqueue, launch or transfer data in the device queue, or a failed command.
// The DeviceContext where it happens is left corrupted.
type DeviceError struct {
	// Node is the name of the node, or kernel entry point, involved, if known.
	Node string

	// Op is the device operation that failed, e.g.: "launch", "upload".
	Op  string
	Err error
}

// Error implements error.
func (e *DeviceError) Error() string {
	if e.Node == "" {
		return fmt.Sprintf("device error during %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("device error during %s of %q: %v", e.Op, e.Node, e.Err)
}

// Unwrap returns the underlying error.
func (e *DeviceError) Unwrap() error { return e.Err }

// IsConfigError returns whether err is, or wraps, a *ConfigError.
func IsConfigError(err error) bool {
	var target *ConfigError
	return errors.As(err, &target)
}

// IsCompileError returns whether err is, or wraps, a *CompileError.
func IsCompileError(err error) bool {
	var target *CompileError
	return errors.As(err, &target)
}

// IsDeviceError returns whether err is, or wraps, a *DeviceError.
func IsDeviceError(err error) bool {
	var target *DeviceError
	return errors.As(err, &target)
}

// CheckShape returns a *ConfigError if node doesn't have the wanted shape, as required by operator op.
func CheckShape(op Node, node Node, want shapes.Shape) error {
	if !node.Shape().Equal(want) {
		return newConfigError(op, "input %q has shape %s, wanted %s", node.Name(), node.Shape(), want)
	}
	return nil
}
