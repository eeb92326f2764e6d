// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package graph

import (
	"github.com/gomlx/dataflow/backends"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Run executes node on dc, after its predecessors.
//
// The operators among the inputs and control dependencies (see Operator.After) of node are executed first,
// depth-first and each at most once per call. Tensors used (inputs, control dependencies and outputs of
// operators) are initialized before first use in dc: their initializer runs once per DeviceContext.
// Peers are never executed.
//
// Execution cycles are reported as *ConfigError. Errors returned by an execute routine abort the run.
func Run(dc *DeviceContext, node Node) error {
	if err := dc.Err(); err != nil {
		return err
	}
	r := &runner{dc: dc, state: make(map[nodeKey]int)}
	return r.run(node)
}

// RunAll runs each node in order, see Run. Operators shared between nodes are executed once for each of them.
func RunAll(dc *DeviceContext, nodes ...Node) error {
	for _, node := range nodes {
		if err := Run(dc, node); err != nil {
			return err
		}
	}
	return nil
}

const (
	stateVisiting = iota + 1
	stateDone
)

// runner holds the state of one Run call.
type runner struct {
	dc    *DeviceContext
	state map[nodeKey]int
	path  []Node
}

func (r *runner) run(node Node) error {
	key := keyOf(node)
	switch r.state[key] {
	case stateDone:
		return nil
	case stateVisiting:
		return newConfigError(node, "execution cycle: %s", cyclePath(r.path, node))
	}
	r.state[key] = stateVisiting
	r.path = append(r.path, node)
	defer func() {
		r.path = r.path[:len(r.path)-1]
	}()

	op, isOp := AsOperator(node)
	if !isOp {
		if t, ok := node.(*Tensor); ok {
			if err := r.initialize(t); err != nil {
				return err
			}
		}
		r.state[key] = stateDone
		return nil
	}

	for _, pred := range op.Inputs() {
		if err := r.run(pred); err != nil {
			return err
		}
	}
	for _, pred := range op.ControlInputs() {
		if err := r.run(pred); err != nil {
			return err
		}
	}
	for _, output := range op.Outputs() {
		t, ok := output.(*Tensor)
		if !ok {
			continue
		}
		if t.Initializer() == op {
			// Executing the initializer itself initializes the tensor.
			r.dc.mu.Lock()
			r.dc.initialized[keyOf(t)] = true
			r.dc.mu.Unlock()
			continue
		}
		if err := r.initialize(t); err != nil {
			return err
		}
	}
	if err := r.dc.Err(); err != nil {
		return err
	}
	if err := r.execute(op); err != nil {
		if IsConfigError(err) || IsCompileError(err) || IsDeviceError(err) {
			return err
		}
		return errors.WithMessagef(err, "executing %s", op)
	}
	r.state[key] = stateDone
	return nil
}

// execute calls the execute routine of op, with op registered as the executing operator of the context:
// its kernel launches are ordered after its declared inputs.
func (r *runner) execute(op *Operator) error {
	previous := r.dc.setExecuting(op)
	defer r.dc.setExecuting(previous)
	return op.Execute(r.dc)
}

// initialize runs the initializer of t, if it has one and it didn't run in the DeviceContext yet.
func (r *runner) initialize(t *Tensor) error {
	dc := r.dc
	key := keyOf(t)
	dc.mu.Lock()
	done := dc.initialized[key]
	dc.mu.Unlock()
	if done {
		return nil
	}
	initOp := t.Initializer()
	if initOp == nil {
		dc.mu.Lock()
		dc.initialized[key] = true
		dc.mu.Unlock()
		return nil
	}

	// The initializer outputs are marked as initialized first, since the initializer itself writes them.
	outputs := initOp.Outputs()
	dc.mu.Lock()
	for _, output := range outputs {
		dc.initialized[keyOf(output)] = true
	}
	dc.mu.Unlock()
	klog.V(1).Infof("%s: initializing %s with %s", dc, t, initOp)
	if err := r.run(initOp); err != nil {
		dc.mu.Lock()
		for _, output := range outputs {
			delete(dc.initialized, keyOf(output))
		}
		dc.mu.Unlock()
		return errors.WithMessagef(err, "initializing %s", t)
	}
	return nil
}

// IsInitialized returns whether the tensor was already initialized in the DeviceContext.
func (dc *DeviceContext) IsInitialized(t *Tensor) bool {
	dc.mu.Lock()
	defer dc.mu.Unlock()
	return dc.initialized[keyOf(t)]
}

// WaitFor waits for the events and returns the first error as a *DeviceError, corrupting the context.
func (dc *DeviceContext) WaitFor(events ...backends.Event) error {
	if err := backends.WaitAll(events...); err != nil {
		dc.mu.Lock()
		defer dc.mu.Unlock()
		return dc.lockedCorrupt(&DeviceError{Op: "wait", Err: err})
	}
	return nil
}
