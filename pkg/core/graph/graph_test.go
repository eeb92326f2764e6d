// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package graph_test

import (
	"testing"

	"github.com/gomlx/dataflow/pkg/core/dtypes"
	. "github.com/gomlx/dataflow/pkg/core/graph"
	"github.com/gomlx/dataflow/pkg/core/shapes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNodes(t *testing.T) {
	g := NewGraph("nodes")
	shape := shapes.Make(dtypes.Float32, 2, 3)
	x := g.Tensor(shape, "x")
	w := g.Weight(shape, "w", nil)
	b := g.Bias(shapes.Make(dtypes.Float32, 3), "", nil)
	op := g.Operator("sum", []Node{x, w, b}, nil, nil, nil).WithShape(shape)

	assert.Equal(t, NodeId(0), x.Id())
	assert.Equal(t, NodeId(3), op.Id())
	assert.Equal(t, "tensor_#2", b.Name())
	assert.Equal(t, RoleWeight, w.Role())
	assert.Equal(t, 6, x.Shape().Volume())
	assert.Equal(t, 24, x.Shape().Size())
	assert.Equal(t, []Node{x, w, b}, op.Inputs())
	assert.Equal(t, []Node{op}, op.Outputs(), "operator with shape holds its own output")
	assert.Equal(t, []*Tensor{w, b}, g.Learnables())

	found, ok := g.NodeByName("sum")
	require.True(t, ok)
	assert.Equal(t, Node(op), found)
	_, ok = g.NodeByName("missing")
	assert.False(t, ok)

	// Names are unique within a graph.
	assert.Panics(t, func() { g.Tensor(shape, "x") })

	// Nodes from other graphs can't be referenced.
	other := NewGraph("other")
	y := other.Tensor(shape, "y")
	assert.Panics(t, func() { g.Operator("mixed", []Node{x, y}, nil, nil, nil) })
	assert.Panics(t, func() { op.WithPeers(y) })

	// Tensors require valid shapes.
	assert.Panics(t, func() { g.Tensor(shapes.Invalid(), "invalid") })

	g.Finalize()
	assert.Panics(t, func() { g.Tensor(shape, "after_finalize") })
}

func TestPeersAndVersions(t *testing.T) {
	g := NewGraph("")
	v0 := g.Operator("v0", nil, nil, nil, nil)
	v1 := g.Operator("v1", nil, nil, nil, nil)
	op := g.Operator("op", nil, []*Operator{v0, v1}, nil, nil)
	op.WithPeers(v0, v0)
	assert.Equal(t, []Node{v0}, op.Peers())
	assert.Equal(t, []*Operator{v0, v1}, op.Versions())
	assert.Equal(t, v1, op.Version(1))
	assert.Panics(t, func() { op.Version(2) })
	assert.Nil(t, op.Outputs())

	// Peers may form reference cycles: they are not execution dependencies.
	v0.WithPeers(op)
	require.NoError(t, g.Validate(op))
}

func TestValidate(t *testing.T) {
	g := NewGraph("validate")
	shape := shapes.Make(dtypes.Float32, 4)
	initOp := g.Operator("init", nil, nil, nil, nil)
	x := g.Data(shape, initOp, "x")
	a := g.Operator("a", []Node{x}, nil, nil, nil)
	b := g.Operator("b", []Node{a}, nil, nil, nil)
	require.NoError(t, g.Validate(b))
	assert.Equal(t, []Node{x}, initOp.Outputs())

	// Close a cycle through a control dependency.
	a.After(b)
	err := g.Validate(b)
	require.Error(t, err)
	assert.True(t, IsConfigError(err))
	assert.Contains(t, err.Error(), "execution cycle")
	assert.Contains(t, err.Error(), `"b" -> "a" -> "b"`)
}

func TestCheckShape(t *testing.T) {
	g := NewGraph("")
	x := g.Tensor(shapes.Make(dtypes.Float32, 4), "x")
	op := g.Operator("op", []Node{x}, nil, nil, nil)
	require.NoError(t, CheckShape(op, x, shapes.Make(dtypes.Float32, 4)))
	err := CheckShape(op, x, shapes.Make(dtypes.Float32, 5))
	require.Error(t, err)
	assert.True(t, IsConfigError(err))
	var configErr *ConfigError
	require.ErrorAs(t, err, &configErr)
	assert.Equal(t, "op", configErr.Node)
}
