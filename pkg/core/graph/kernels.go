// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package graph

import (
	"github.com/gomlx/dataflow/backends"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// kernelKey identifies a compiled kernel: one per (DeviceContext, Operator).
type kernelKey struct {
	context uuid.UUID
	node    nodeKey
}

// KernelCacheStats reports the use of the kernel cache of a DeviceContext.
type KernelCacheStats struct {
	Hits, Misses, Size int
}

// PrepareKernel returns the compiled kernel of op for the device, compiling it on first use.
//
// The kernel source routine of op is called at most once per DeviceContext. If op has no source for the
// device, a *ConfigError is returned. If compilation fails, a *CompileError is returned and the context is
// corrupted: compilation is not retried.
func (dc *DeviceContext) PrepareKernel(op *Operator) (backends.Kernel, error) {
	key := kernelKey{context: dc.id, node: keyOf(op)}
	dc.mu.Lock()
	if err := dc.lockedCheck(); err != nil {
		dc.mu.Unlock()
		return nil, err
	}
	if kernel, found := dc.kernels[key]; found {
		if kernel == nil {
			dc.mu.Unlock()
			return nil, dc.noSourceError(op)
		}
		dc.kernelHits++
		dc.mu.Unlock()
		return kernel, nil
	}
	dc.mu.Unlock()

	// The kernel source routine may use the DeviceContext, so it's called without holding the lock.
	source, ok := op.KernelSource(dc)
	if !ok {
		dc.mu.Lock()
		if dc.kernels != nil {
			// Cached as a nil kernel, so the routine is not called again.
			dc.kernels[key] = nil
		}
		dc.mu.Unlock()
		return nil, dc.noSourceError(op)
	}
	kernel, err := dc.device.Compile(source.Entry, source.Code)

	dc.mu.Lock()
	defer dc.mu.Unlock()
	if err != nil {
		compileErr := &CompileError{Node: op.Name(), Entry: source.Entry, Source: source.Code, Diagnostic: err.Error()}
		var backendErr *backends.CompileError
		if errors.As(err, &backendErr) {
			compileErr.Diagnostic = backendErr.Diagnostic
		}
		return nil, dc.lockedCorrupt(compileErr)
	}
	if err := dc.lockedCheck(); err != nil {
		kernel.Release()
		return nil, err
	}
	dc.kernels[key] = kernel
	dc.kernelMisses++
	klog.V(1).Infof("%s: compiled kernel %q for %s", dc, source.Entry, op)
	return kernel, nil
}

func (dc *DeviceContext) noSourceError(op *Operator) error {
	return newConfigError(op, "no backend implementation: operator has no kernel source for backend %q",
		dc.backend.Name())
}

// KernelCacheStats returns the hits and misses of PrepareKernel and the number of cached kernels.
// Lookups of operators without a kernel source for the device are not counted.
func (dc *DeviceContext) KernelCacheStats() KernelCacheStats {
	dc.mu.Lock()
	defer dc.mu.Unlock()
	stats := KernelCacheStats{Hits: dc.kernelHits, Misses: dc.kernelMisses}
	for _, kernel := range dc.kernels {
		if kernel != nil {
			stats.Size++
		}
	}
	return stats
}

// SetArgs binds args to the kernel parameters, in order. Nodes are replaced by their device buffers.
func (dc *DeviceContext) SetArgs(kernel backends.Kernel, args ...any) error {
	for i, arg := range args {
		if node, ok := arg.(Node); ok {
			buffer, err := dc.Buffer(node)
			if err != nil {
				return err
			}
			arg = buffer
		}
		if err := kernel.SetArg(i, arg); err != nil {
			return errors.WithMessagef(err, "binding argument #%d of kernel %q", i, kernel.Entry())
		}
	}
	return nil
}
