// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package simplego

import (
	"fmt"
	"maps"
	"regexp"
	"slices"
	"strings"
	"sync"

	"github.com/gomlx/dataflow/backends"
	"github.com/gomlx/exceptions"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// HostKernel is the Go implementation of a kernel entry point.
//
// It is called for ranges [start, end) of the flattened work-items of the global work size, possibly
// concurrently for disjoint ranges. Work-item i of a 2D global size {g0, g1} has coordinates
// (i % g0, i / g0), so dimension 0 varies fastest.
type HostKernel func(args *Args, start, end int) error

// KernelOption configures how a registered host kernel is run.
type KernelOption func(def *kernelDef)

// Serial makes the kernel run all its work-items in one call, for kernels that reduce over the whole range.
func Serial() KernelOption {
	return func(def *kernelDef) { def.serial = true }
}

// MinChunk sets the minimum number of work-items per call when the global range is split over workers.
func MinChunk(n int) KernelOption {
	return func(def *kernelDef) { def.minChunk = n }
}

type kernelDef struct {
	fn       HostKernel
	serial   bool
	minChunk int
}

var (
	muKernels         sync.RWMutex
	registeredKernels = make(map[string]kernelDef)
)

// RegisterKernel links the kernel entry point name to its Go implementation.
//
// Registering the same entry again replaces the previous implementation. It's safe to call concurrently,
// but usually it's called in a package init function.
func RegisterKernel(entry string, fn HostKernel, options ...KernelOption) {
	def := kernelDef{fn: fn, minChunk: 64}
	for _, opt := range options {
		opt(&def)
	}
	muKernels.Lock()
	defer muKernels.Unlock()
	registeredKernels[entry] = def
}

func lookupKernel(entry string) (kernelDef, bool) {
	muKernels.RLock()
	defer muKernels.RUnlock()
	def, found := registeredKernels[entry]
	return def, found
}

// kernelParam is one parameter of a kernel declaration.
type kernelParam struct {
	decl    string
	pointer bool
}

var reKernelDecl = regexp.MustCompile(`(?:__)?kernel\s+void\s+([A-Za-z_]\w*)\s*\(([^)]*)\)`)

// parseKernelDecls returns the declared parameters of each kernel entry point in source.
func parseKernelDecls(source string) (map[string][]kernelParam, error) {
	for _, pair := range [][2]rune{{'{', '}'}, {'(', ')'}} {
		depth := 0
		for _, r := range source {
			switch r {
			case pair[0]:
				depth++
			case pair[1]:
				depth--
			}
			if depth < 0 {
				return nil, errors.Errorf("unexpected %q", pair[1])
			}
		}
		if depth != 0 {
			return nil, errors.Errorf("unbalanced %q: %d not closed", pair[0], depth)
		}
	}

	decls := make(map[string][]kernelParam)
	for _, match := range reKernelDecl.FindAllStringSubmatch(source, -1) {
		entry, paramsList := match[1], strings.TrimSpace(match[2])
		var kernelParams []kernelParam
		if paramsList != "" && paramsList != "void" {
			for _, decl := range strings.Split(paramsList, ",") {
				decl = strings.TrimSpace(decl)
				if decl == "" {
					return nil, errors.Errorf("kernel %q has an empty parameter declaration", entry)
				}
				kernelParams = append(kernelParams, kernelParam{decl: decl, pointer: strings.Contains(decl, "*")})
			}
		}
		decls[entry] = kernelParams
	}
	return decls, nil
}

// Kernel is a compiled kernel of the SimpleGo backend.
type Kernel struct {
	entry  string
	params []kernelParam
	def    kernelDef

	mu       sync.Mutex
	args     []any
	bound    []bool
	released bool
}

var _ backends.Kernel = (*Kernel)(nil)

// Compile implements backends.Device.
func (d *Device) Compile(entry, source string) (backends.Kernel, error) {
	if err := d.checkValid(); err != nil {
		return nil, err
	}
	decls, err := parseKernelDecls(source)
	if err != nil {
		return nil, &backends.CompileError{Entry: entry, Diagnostic: err.Error()}
	}
	kernelParams, found := decls[entry]
	if !found {
		return nil, &backends.CompileError{Entry: entry,
			Diagnostic: fmt.Sprintf("entry point %q not declared in source (declared kernels: %q)", entry, slices.Sorted(maps.Keys(decls)))}
	}
	def, found := lookupKernel(entry)
	if !found {
		return nil, &backends.CompileError{Entry: entry,
			Diagnostic: fmt.Sprintf("no host implementation registered for kernel %q", entry)}
	}
	klog.V(1).Infof("simplego: compiled kernel %q with %d parameters", entry, len(kernelParams))
	return &Kernel{
		entry:  entry,
		params: kernelParams,
		def:    def,
		args:   make([]any, len(kernelParams)),
		bound:  make([]bool, len(kernelParams)),
	}, nil
}

// Entry implements backends.Kernel.
func (k *Kernel) Entry() string { return k.entry }

// NumArgs implements backends.Kernel.
func (k *Kernel) NumArgs() int { return len(k.params) }

// SetArg implements backends.Kernel.
//
// Pointer parameters accept a *Buffer or nil, other parameters accept Go scalars.
func (k *Kernel) SetArg(index int, value any) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.released {
		return errors.Errorf("simplego: kernel %q already released", k.entry)
	}
	if index < 0 || index >= len(k.params) {
		return errors.Errorf("simplego: kernel %q has %d parameters, can't set argument #%d", k.entry, len(k.params), index)
	}
	param := k.params[index]
	switch v := value.(type) {
	case nil:
		if !param.pointer {
			return errors.Errorf("simplego: kernel %q parameter #%d (%s) is not a pointer, it can't be null", k.entry, index, param.decl)
		}
	case backends.Buffer:
		if !param.pointer {
			return errors.Errorf("simplego: kernel %q parameter #%d (%s) is not a pointer, got a buffer", k.entry, index, param.decl)
		}
		b, err := toBuffer(v)
		if err != nil {
			return err
		}
		value = b
	case int, int32, int64, uint32, float32, float64:
		if param.pointer {
			return errors.Errorf("simplego: kernel %q parameter #%d (%s) is a pointer, got scalar %T", k.entry, index, param.decl, value)
		}
	default:
		return errors.Errorf("simplego: kernel %q parameter #%d (%s): unsupported argument type %T", k.entry, index, param.decl, value)
	}
	k.args[index] = value
	k.bound[index] = true
	return nil
}

// Release implements backends.Kernel.
func (k *Kernel) Release() {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.released = true
	k.args = nil
}

// Enqueue implements backends.Device.
//
// The local work size is only validated: each global dimension must be a multiple of the local one.
func (d *Device) Enqueue(kernel backends.Kernel, global, local []int, waitList []backends.Event) (backends.Event, error) {
	k, ok := kernel.(*Kernel)
	if !ok || k == nil {
		return nil, errors.Errorf("simplego: kernel of type %T was not compiled by this backend", kernel)
	}
	if len(global) == 0 {
		return nil, errors.Errorf("simplego: kernel %q enqueued without a global work size", k.entry)
	}
	if local != nil && len(local) != len(global) {
		return nil, errors.Errorf("simplego: kernel %q global work size %v and local work size %v have different ranks",
			k.entry, global, local)
	}
	total := 1
	for axis, dim := range global {
		if dim <= 0 {
			return nil, errors.Errorf("simplego: kernel %q invalid global work size %v", k.entry, global)
		}
		if local != nil && (local[axis] <= 0 || dim%local[axis] != 0) {
			return nil, errors.Errorf("simplego: kernel %q global work size %v is not a multiple of the local work size %v",
				k.entry, global, local)
		}
		total *= dim
	}

	k.mu.Lock()
	if k.released {
		k.mu.Unlock()
		return nil, errors.Errorf("simplego: kernel %q already released", k.entry)
	}
	for i, isBound := range k.bound {
		if !isBound {
			k.mu.Unlock()
			return nil, errors.Errorf("simplego: kernel %q argument #%d (%s) not set", k.entry, i, k.params[i].decl)
		}
	}
	args := &Args{entry: k.entry, values: slices.Clone(k.args), global: slices.Clone(global)}
	k.mu.Unlock()

	def := k.def
	return d.submit(fmt.Sprintf("kernel %q", k.entry), waitList, func() error {
		if def.serial {
			return def.fn(args, 0, total)
		}
		return d.backend.pool.Split(total, def.minChunk, func(start, end int) error {
			return def.fn(args, start, end)
		})
	})
}

// Args are the arguments a HostKernel is called with.
//
// Accessors panic (caught and reported through the command event) if the argument has the wrong type.
type Args struct {
	entry  string
	values []any
	global []int
}

// Len returns the number of arguments.
func (a *Args) Len() int { return len(a.values) }

// Global returns the global work size the kernel was enqueued with.
func (a *Args) Global() []int { return a.global }

// IsNull returns whether the argument is a null pointer.
func (a *Args) IsNull(index int) bool {
	return a.values[index] == nil
}

// Buffer returns the buffer argument, or nil if the argument is null.
func (a *Args) Buffer(index int) *Buffer {
	switch v := a.values[index].(type) {
	case nil:
		return nil
	case *Buffer:
		return v
	default:
		exceptions.Panicf("kernel %q argument #%d is a %T, not a buffer", a.entry, index, v)
		return nil
	}
}

// Float32s returns the buffer argument viewed as []float32, or nil if it is null.
func (a *Args) Float32s(index int) []float32 {
	b := a.Buffer(index)
	if b == nil {
		return nil
	}
	return View[float32](b)
}

// Int returns the scalar argument as an int.
func (a *Args) Int(index int) int {
	switch v := a.values[index].(type) {
	case int:
		return v
	case int32:
		return int(v)
	case int64:
		return int(v)
	case uint32:
		return int(v)
	default:
		exceptions.Panicf("kernel %q argument #%d is a %T, not an integer", a.entry, index, v)
		return 0
	}
}

// Float32 returns the scalar argument as a float32.
func (a *Args) Float32(index int) float32 {
	switch v := a.values[index].(type) {
	case float32:
		return v
	case float64:
		return float32(v)
	case int:
		return float32(v)
	case int32:
		return float32(v)
	default:
		exceptions.Panicf("kernel %q argument #%d is a %T, not a float", a.entry, index, v)
		return 0
	}
}
