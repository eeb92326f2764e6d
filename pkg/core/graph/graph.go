// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package graph implements the dataflow graph of typed tensor nodes and operators, and its execution on
// accelerator devices.
//
// A Graph owns its nodes: Tensor nodes hold numeric data (data sources, learnable weights and biases) and
// Operator nodes carry an execute routine and, optionally, the source code of a device kernel.
//
// A DeviceContext holds everything that is per device: the buffers of each node (host and device copies),
// the kernels compiled for each operator, and the events used to order the commands in the device queue.
// Run executes a node with its predecessors on a DeviceContext.
package graph

import (
	"fmt"
	"strings"
	"sync"

	"github.com/gomlx/exceptions"
)

// NodeId is the index of a node in its Graph.
type NodeId int

// InvalidNodeId is used for references to no node.
const InvalidNodeId NodeId = -1

// GraphId is globally unique.
type GraphId int

var (
	muGraphCount sync.Mutex
	graphCount   GraphId
)

// Graph holds the nodes of a dataflow graph.
//
// Nodes reference each other by NodeId, so reference cycles through peers (e.g.: a monitor that refers to
// the optimizer that executes it) are safe.
//
// Graph construction is not safe for concurrent use. Once built, a Graph is read-only and can be executed
// concurrently on different DeviceContext.
type Graph struct {
	id    GraphId
	name  string
	nodes []Node

	nameToId  map[string]NodeId
	finalized bool
}

// NewGraph constructs an empty Graph. If name is empty, one is created.
func NewGraph(name string) *Graph {
	muGraphCount.Lock()
	defer muGraphCount.Unlock()
	if name == "" {
		name = fmt.Sprintf("graph_#%d", graphCount)
	}
	g := &Graph{
		id:       graphCount,
		name:     name,
		nameToId: make(map[string]NodeId),
	}
	graphCount++
	return g
}

// Name of the graph.
func (g *Graph) Name() string { return g.name }

// GraphId is a globally unique id of the graph.
func (g *Graph) GraphId() GraphId { return g.id }

// String implements fmt.Stringer, listing all nodes.
func (g *Graph) String() string {
	var sb strings.Builder
	_, _ = fmt.Fprintf(&sb, "Graph %q: %d nodes\n", g.name, len(g.nodes))
	for _, node := range g.nodes {
		_, _ = fmt.Fprintf(&sb, "\t%s\n", node)
	}
	return sb.String()
}

// AssertValid panics if the graph is nil or was finalized.
func (g *Graph) AssertValid() {
	if g == nil {
		exceptions.Panicf("the Graph is nil")
	}
	if g.finalized {
		exceptions.Panicf("Graph %q has been finalized already", g.name)
	}
}

// registerNode in the graph and returns its id. It panics if the name is already used.
// An empty name is replaced by one built from prefix and the node id.
func (g *Graph) registerNode(node Node, base *nodeBase, prefix, name string) {
	g.AssertValid()
	id := NodeId(len(g.nodes))
	if name == "" {
		name = fmt.Sprintf("%s_#%d", prefix, id)
	}
	if otherId, found := g.nameToId[name]; found {
		exceptions.Panicf("Graph %q already has a node named %q: %s", g.name, name, g.nodes[otherId])
	}
	base.graph = g
	base.id = id
	base.name = name
	g.nodes = append(g.nodes, node)
	g.nameToId[name] = id
}

// NodeById returns the node with the given id. It panics for invalid ids.
func (g *Graph) NodeById(id NodeId) Node {
	g.AssertValid()
	if id < 0 || int(id) >= len(g.nodes) {
		exceptions.Panicf("invalid request Graph.NodeById(id=%d): there are only %d nodes", id, len(g.nodes))
	}
	return g.nodes[id]
}

// NodeByName returns the node with the given name, if it exists.
func (g *Graph) NodeByName(name string) (Node, bool) {
	id, found := g.nameToId[name]
	if !found {
		return nil, false
	}
	return g.nodes[id], true
}

// Nodes returns all nodes, in order of creation.
// The slice is owned by Graph and shouldn't be changed.
func (g *Graph) Nodes() []Node {
	return g.nodes
}

// Learnables returns the tensors with RoleWeight or RoleBias, in order of creation.
func (g *Graph) Learnables() []*Tensor {
	var learnables []*Tensor
	for _, node := range g.nodes {
		if t, ok := node.(*Tensor); ok && (t.role == RoleWeight || t.role == RoleBias) {
			learnables = append(learnables, t)
		}
	}
	return learnables
}

// Finalize releases the nodes. The graph is left in an unusable state.
// Device resources are owned by the DeviceContext, see DeviceContext.Finalize.
// It is safe to call it more than once.
func (g *Graph) Finalize() {
	if g == nil {
		return
	}
	g.nodes = nil
	g.nameToId = nil
	g.finalized = true
}

// Validate checks that every node reachable from root (through inputs, control dependencies, peers,
// initializers and operator versions) belongs to the graph, and that the execution relation
// (inputs and control dependencies) has no cycles.
//
// It returns a *ConfigError describing the first problem found.
func (g *Graph) Validate(root Node) error {
	g.AssertValid()
	const (
		unvisited = iota
		visiting
		visited
	)
	state := make(map[NodeId]int)
	var path []Node
	var visitExec func(node Node) error
	var checkRefs func(from Node, refs []Node) error
	checkRefs = func(from Node, refs []Node) error {
		for _, ref := range refs {
			if ref.Graph() != g {
				return newConfigError(from, "references node %q from a different graph", ref.Name())
			}
		}
		return nil
	}
	visitExec = func(node Node) error {
		if node.Graph() != g {
			return newConfigError(node, "node belongs to graph %q, not to %q", node.Graph().Name(), g.name)
		}
		switch state[node.Id()] {
		case visited:
			return nil
		case visiting:
			return newConfigError(node, "execution cycle: %s", cyclePath(path, node))
		}
		state[node.Id()] = visiting
		path = append(path, node)
		defer func() {
			path = path[:len(path)-1]
			state[node.Id()] = visited
		}()
		if err := checkRefs(node, node.Peers()); err != nil {
			return err
		}
		for _, pred := range executionPredecessors(node) {
			if err := visitExec(pred); err != nil {
				return err
			}
		}
		if op, ok := AsOperator(node); ok {
			versions := make([]Node, len(op.Versions()))
			for i, v := range op.Versions() {
				versions[i] = v
			}
			if err := checkRefs(node, versions); err != nil {
				return err
			}
			if err := checkRefs(node, op.Outputs()); err != nil {
				return err
			}
		}
		return nil
	}
	return visitExec(root)
}

// executionPredecessors are the nodes that need to be executed, or initialized, before node.
func executionPredecessors(node Node) []Node {
	preds := node.Inputs()
	if op, ok := AsOperator(node); ok {
		preds = append(preds, op.ControlInputs()...)
	} else if t, ok := node.(*Tensor); ok {
		if initOp := t.Initializer(); initOp != nil {
			preds = append(preds, initOp)
		}
	}
	return preds
}

func cyclePath(path []Node, repeated Node) string {
	var names []string
	started := false
	for _, node := range path {
		if node.Id() == repeated.Id() {
			started = true
		}
		if started {
			names = append(names, fmt.Sprintf("%q", node.Name()))
		}
	}
	names = append(names, fmt.Sprintf("%q", repeated.Name()))
	return strings.Join(names, " -> ")
}
