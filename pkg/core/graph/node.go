// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package graph

import (
	"fmt"
	"slices"

	"github.com/gomlx/dataflow/pkg/core/shapes"
	"github.com/gomlx/exceptions"
)

// Node is a vertex of the dataflow graph: either a *Tensor or an *Operator (or a type embedding *Operator).
type Node interface {
	// Id is the unique id of this node within its Graph.
	Id() NodeId

	// Name is unique within the Graph.
	Name() string

	// Shape of the node's data. It is invalid (shapes.Invalid) for operators that don't hold data themselves.
	Shape() shapes.Shape

	// Inputs are the data dependencies of the node.
	Inputs() []Node

	// Peers are auxiliary references, used by the node but never executed because of it.
	Peers() []Node

	// Graph that owns the node.
	Graph() *Graph

	// String returns a short description of the node.
	String() string

	// base is private: only this package implements nodes.
	base() *nodeBase
}

// nodeBase holds the common fields to all nodes.
type nodeBase struct {
	graph  *Graph
	id     NodeId
	name   string
	shape  shapes.Shape
	inputs []NodeId
	peers  []NodeId
}

func (n *nodeBase) base() *nodeBase { return n }

// Id is the unique id of this node within the Graph.
func (n *nodeBase) Id() NodeId { return n.id }

// Name of the node, unique within the Graph.
func (n *nodeBase) Name() string { return n.name }

// Shape of the node's data.
func (n *nodeBase) Shape() shapes.Shape { return n.shape }

// Graph that owns the node.
func (n *nodeBase) Graph() *Graph { return n.graph }

// Inputs are the data dependencies of the node.
func (n *nodeBase) Inputs() []Node { return n.resolve(n.inputs) }

// Peers are auxiliary references of the node.
func (n *nodeBase) Peers() []Node { return n.resolve(n.peers) }

// AddPeers appends nodes to the peers, ignoring the ones already there.
func (n *nodeBase) AddPeers(peers ...Node) {
	n.peers = n.appendIds(n.peers, peers)
}

func (n *nodeBase) resolve(ids []NodeId) []Node {
	nodes := make([]Node, len(ids))
	for i, id := range ids {
		nodes[i] = n.graph.NodeById(id)
	}
	return nodes
}

// appendIds converts nodes to ids, checking that they belong to the same graph, and appends the new ones to ids.
func (n *nodeBase) appendIds(ids []NodeId, nodes []Node) []NodeId {
	for _, node := range nodes {
		if node == nil {
			exceptions.Panicf("nil node given as reference of %q", n.name)
		}
		if node.Graph() != n.graph {
			exceptions.Panicf("node %q (graph %q) can't reference node %q from graph %q",
				n.name, n.graph.Name(), node.Name(), node.Graph().Name())
		}
		if !slices.Contains(ids, node.Id()) {
			ids = append(ids, node.Id())
		}
	}
	return ids
}

// nodeIds converts nodes to their ids, keeping duplicates.
func (n *nodeBase) nodeIds(nodes []Node) []NodeId {
	ids := make([]NodeId, 0, len(nodes))
	for _, node := range nodes {
		if node == nil {
			exceptions.Panicf("nil node given as input of %q", n.name)
		}
		if node.Graph() != n.graph {
			exceptions.Panicf("node %q (graph %q) can't use node %q from graph %q as input",
				n.name, n.graph.Name(), node.Name(), node.Graph().Name())
		}
		ids = append(ids, node.Id())
	}
	return ids
}

func (n *nodeBase) describe(kind string) string {
	if n.shape.Ok() {
		return fmt.Sprintf("%s %q #%d %s", kind, n.name, n.id, n.shape)
	}
	return fmt.Sprintf("%s %q #%d", kind, n.name, n.id)
}

// nodeKey identifies a node across graphs.
type nodeKey struct {
	graph GraphId
	node  NodeId
}

func keyOf(node Node) nodeKey {
	return nodeKey{graph: node.Graph().GraphId(), node: node.Id()}
}
