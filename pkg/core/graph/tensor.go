// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package graph

import (
	"github.com/gomlx/dataflow/pkg/core/shapes"
	"github.com/gomlx/exceptions"
)

// Role of a Tensor in the graph.
type Role int

const (
	// RolePlain is an intermediate value or a constant.
	RolePlain Role = iota

	// RoleData is a data source, refreshed by a generator.
	RoleData

	// RoleWeight is a learnable parameter.
	RoleWeight

	// RoleBias is a learnable bias.
	RoleBias
)

// String implements fmt.Stringer.
func (r Role) String() string {
	switch r {
	case RolePlain:
		return "Tensor"
	case RoleData:
		return "Data"
	case RoleWeight:
		return "Weight"
	case RoleBias:
		return "Bias"
	default:
		return "Role?"
	}
}

// Tensor is a node holding numeric data of a fixed shape.
//
// Its storage is allocated lazily in each DeviceContext. If it has an initializer, the initializer Operator is
// executed once per DeviceContext before the tensor is first used.
type Tensor struct {
	nodeBase
	role        Role
	initializer NodeId
}

var _ Node = (*Tensor)(nil)

func (g *Graph) newTensor(role Role, shape shapes.Shape, name string, initializer *Operator) *Tensor {
	if !shape.Ok() {
		exceptions.Panicf("Graph %q: tensor %q requires a valid shape", g.name, name)
	}
	t := &Tensor{role: role, initializer: InvalidNodeId}
	t.shape = shape
	g.registerNode(t, &t.nodeBase, "tensor", name)
	if initializer != nil {
		t.SetInitializer(initializer)
	}
	return t
}

// Tensor creates a plain tensor: an intermediate value, without initializer.
func (g *Graph) Tensor(shape shapes.Shape, name string) *Tensor {
	return g.newTensor(RolePlain, shape, name, nil)
}

// Data creates a data source tensor, with an optional initializer (it can be nil).
func (g *Graph) Data(shape shapes.Shape, initializer *Operator, name string) *Tensor {
	return g.newTensor(RoleData, shape, name, initializer)
}

// Weight creates a learnable parameter tensor, with an optional initializer (it can be nil).
func (g *Graph) Weight(shape shapes.Shape, name string, initializer *Operator) *Tensor {
	return g.newTensor(RoleWeight, shape, name, initializer)
}

// Bias creates a learnable bias tensor, with an optional initializer (it can be nil).
func (g *Graph) Bias(shape shapes.Shape, name string, initializer *Operator) *Tensor {
	return g.newTensor(RoleBias, shape, name, initializer)
}

// Role of the tensor.
func (t *Tensor) Role() Role { return t.role }

// Initializer returns the operator that initializes the tensor, or nil.
func (t *Tensor) Initializer() *Operator {
	if t.initializer == InvalidNodeId {
		return nil
	}
	return t.graph.NodeById(t.initializer).(*Operator)
}

// SetInitializer sets the operator that initializes the tensor once per DeviceContext.
//
// The tensor is added to the initializer outputs, so the initializer can find which tensor(s) to fill.
// It returns the tensor itself.
func (t *Tensor) SetInitializer(initializer *Operator) *Tensor {
	if initializer.Graph() != t.graph {
		exceptions.Panicf("initializer %q of tensor %q belongs to a different graph", initializer.Name(), t.name)
	}
	t.initializer = initializer.Id()
	initializer.outputs = initializer.appendIds(initializer.outputs, []Node{t})
	return t
}

// String implements fmt.Stringer.
func (t *Tensor) String() string {
	return t.describe(t.role.String())
}
