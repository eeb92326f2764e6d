// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package graph

import (
	"github.com/gomlx/dataflow/pkg/core/shapes"
	"github.com/gomlx/exceptions"
)

// ExecuteFn is the execute routine of an Operator. It's called by Run after all predecessors of the operator
// executed and its input tensors are initialized.
//
// It usually prepares kernels (see DeviceContext.PrepareKernel), binds their arguments and launches them
// (see DeviceContext.Launch), but it can also do host work.
type ExecuteFn func(op *Operator, dc *DeviceContext) error

// KernelSource is the source code of a device kernel and the name of its entry point.
type KernelSource struct {
	Entry string
	Code  string
}

// KernelSourceFn returns the kernel source of op for the device of dc. It returns false if the operator has no
// implementation for the device.
//
// It is called at most once per (Operator, DeviceContext): the compiled kernel is cached.
type KernelSourceFn func(op *Operator, dc *DeviceContext) (KernelSource, bool)

// Operator is a node that computes: it has an execute routine, and optionally the source of a device kernel.
type Operator struct {
	nodeBase
	execute      ExecuteFn
	kernelSource KernelSourceFn

	versions []NodeId
	after    []NodeId
	outputs  []NodeId
}

var _ Node = (*Operator)(nil)

// operator is promoted to types that embed *Operator.
func (op *Operator) operator() *Operator { return op }

// AsOperator returns the *Operator of node, if node is an *Operator or embeds one.
func AsOperator(node Node) (*Operator, bool) {
	if withOp, ok := node.(interface{ operator() *Operator }); ok {
		return withOp.operator(), true
	}
	return nil, false
}

// Operator creates an operator node.
//
// versions are alternative implementations (usually only holding a different kernel source) that the execute
// routine can select from. execute and kernelSource can be nil.
func (g *Graph) Operator(name string, inputs []Node, versions []*Operator, execute ExecuteFn, kernelSource KernelSourceFn) *Operator {
	op := &Operator{execute: execute, kernelSource: kernelSource}
	op.shape = shapes.Invalid()
	g.registerNode(op, &op.nodeBase, "op", name)
	op.inputs = op.nodeIds(inputs)
	for _, v := range versions {
		if v == nil {
			exceptions.Panicf("nil version given for operator %q", op.name)
		}
		op.versions = op.appendIds(op.versions, []Node{v})
	}
	return op
}

// WithShape sets the shape of the data produced by the operator, stored in its own buffer.
// It returns the operator itself.
func (op *Operator) WithShape(shape shapes.Shape) *Operator {
	op.shape = shape
	return op
}

// WithPeers adds auxiliary references to the operator. It returns the operator itself.
func (op *Operator) WithPeers(peers ...Node) *Operator {
	op.AddPeers(peers...)
	return op
}

// WithOutputs declares the nodes the operator writes to. It returns the operator itself.
func (op *Operator) WithOutputs(outputs ...Node) *Operator {
	op.outputs = op.appendIds(op.outputs, outputs)
	return op
}

// After adds control dependencies: nodes executed (or initialized) before the operator, without
// being data inputs. It returns the operator itself.
func (op *Operator) After(nodes ...Node) *Operator {
	op.after = op.appendIds(op.after, nodes)
	return op
}

// ControlInputs returns the control dependencies set with After.
func (op *Operator) ControlInputs() []Node {
	return op.resolve(op.after)
}

// Outputs returns the nodes the operator writes to: the ones declared with WithOutputs, or the operator itself if
// none was declared and it has a valid shape.
func (op *Operator) Outputs() []Node {
	if len(op.outputs) == 0 {
		if op.shape.Ok() {
			return []Node{op}
		}
		return nil
	}
	return op.resolve(op.outputs)
}

// Versions returns the alternative implementations of the operator.
func (op *Operator) Versions() []*Operator {
	versions := make([]*Operator, len(op.versions))
	for i, id := range op.versions {
		versions[i] = op.graph.NodeById(id).(*Operator)
	}
	return versions
}

// Version returns the i-th alternative implementation. It panics if out of range.
func (op *Operator) Version(i int) *Operator {
	if i < 0 || i >= len(op.versions) {
		exceptions.Panicf("operator %q has %d versions, can't get version #%d", op.name, len(op.versions), i)
	}
	return op.graph.NodeById(op.versions[i]).(*Operator)
}

// HasKernelSource returns whether a kernel source routine was given.
func (op *Operator) HasKernelSource() bool {
	return op.kernelSource != nil
}

// KernelSource returns the kernel source for the device of dc, or false if there is none.
func (op *Operator) KernelSource(dc *DeviceContext) (KernelSource, bool) {
	if op.kernelSource == nil {
		return KernelSource{}, false
	}
	return op.kernelSource(op, dc)
}

// Execute calls the execute routine of the operator directly, without running its predecessors.
// Use Run to execute a node with its dependencies.
func (op *Operator) Execute(dc *DeviceContext) error {
	if op.execute == nil {
		return nil
	}
	return op.execute(op, dc)
}

// String implements fmt.Stringer.
func (op *Operator) String() string {
	return op.describe("Operator")
}

// Input returns the i-th input of the operator. It panics if out of range.
func (op *Operator) Input(i int) Node {
	if i < 0 || i >= len(op.inputs) {
		exceptions.Panicf("operator %q has %d inputs, can't get input #%d", op.name, len(op.inputs), i)
	}
	return op.graph.NodeById(op.inputs[i])
}
