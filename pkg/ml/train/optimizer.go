// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package train implements the IterativeOptimizer, an operator that drives the repeated execution of a
// dataflow graph (forward, gradients and parameter updates) on each DeviceContext, plus monitors that report
// on the progress of the training without changing its computation.
package train

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gomlx/dataflow/pkg/core/graph"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// State of an IterativeOptimizer in one DeviceContext.
type State int

const (
	// StateUnstarted is the state before the first execution.
	StateUnstarted State = iota

	// StateInitializing while the initializers are running.
	StateInitializing

	// StateRunning while the epochs are being executed.
	StateRunning

	// StateCompleted after the last epoch. Further executions are no-ops.
	StateCompleted
)

// String implements fmt.Stringer.
func (s State) String() string {
	switch s {
	case StateUnstarted:
		return "Unstarted"
	case StateInitializing:
		return "Initializing"
	case StateRunning:
		return "Running"
	case StateCompleted:
		return "Completed"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// ErrInterrupted is returned by the execution of an IterativeOptimizer stopped with Interrupt.
var ErrInterrupted = errors.New("training interrupted")

// contextState is the state of the optimizer in one DeviceContext.
type contextState struct {
	state State
	epoch int
	start time.Time
	last  time.Time
}

// IterativeOptimizer is an operator that, when executed on a DeviceContext, runs its initializers once and
// then its per-epoch operators, in order, for every epoch until maxEpochs epochs completed.
//
// The state (current epoch, timestamps) is kept per DeviceContext, so the same optimizer can be executed
// concurrently on different devices, see RunOnDevices.
type IterativeOptimizer struct {
	*graph.Operator

	initializers []graph.Node
	epochOps     []graph.Node
	maxEpochs    int

	interrupted atomic.Bool

	mu     sync.Mutex
	states map[uuid.UUID]*contextState
}

// NewIterativeOptimizer creates the optimizer operator.
//
// initializers are run once per DeviceContext, before the first epoch. epochOps are run, in order, every epoch:
// each of them with its predecessors (see graph.Run). Monitors (see NewMonitor), and types embedding them, are attached to the optimizer.
// If maxEpochs <= 0 the optimizer runs until interrupted.
//
// The optimizer is added as a peer of every per-epoch operator.
func NewIterativeOptimizer(g *graph.Graph, name string, initializers, epochOps []graph.Node, maxEpochs int) *IterativeOptimizer {
	if name == "" {
		name = "iterative_optimizer"
	}
	opt := &IterativeOptimizer{
		initializers: initializers,
		epochOps:     epochOps,
		maxEpochs:    maxEpochs,
		states:       make(map[uuid.UUID]*contextState),
	}
	opt.Operator = g.Operator(name, nil, nil, func(_ *graph.Operator, dc *graph.DeviceContext) error {
		return opt.execute(dc)
	}, nil)
	opt.WithPeers(initializers...)
	opt.WithPeers(epochOps...)
	for _, node := range epochOps {
		if m, ok := node.(interface{ monitor() *Monitor }); ok {
			m.monitor().attach(opt)
		}
		if op, ok := graph.AsOperator(node); ok {
			op.AddPeers(opt.Operator)
		}
	}
	return opt
}

// MaxEpochs returns the number of epochs to run. If <= 0 the optimizer runs until interrupted.
func (opt *IterativeOptimizer) MaxEpochs() int { return opt.maxEpochs }

// EpochOperators returns the operators run every epoch.
func (opt *IterativeOptimizer) EpochOperators() []graph.Node { return opt.epochOps }

// Initializers returns the operators run once per DeviceContext.
func (opt *IterativeOptimizer) Initializers() []graph.Node { return opt.initializers }

// stateFor returns the state for dc, creating it if needed. It must be called with opt.mu locked.
func (opt *IterativeOptimizer) stateFor(dc *graph.DeviceContext) *contextState {
	s, found := opt.states[dc.ID()]
	if !found {
		s = &contextState{}
		opt.states[dc.ID()] = s
	}
	return s
}

// State of the optimizer in dc.
func (opt *IterativeOptimizer) State(dc *graph.DeviceContext) State {
	opt.mu.Lock()
	defer opt.mu.Unlock()
	return opt.stateFor(dc).state
}

// CurrentEpoch is the number of epochs completed in dc. It doesn't change anything.
func (opt *IterativeOptimizer) CurrentEpoch(dc *graph.DeviceContext) int {
	opt.mu.Lock()
	defer opt.mu.Unlock()
	return opt.stateFor(dc).epoch
}

// MillisecondsSinceLast returns the milliseconds elapsed since the previous call for dc (or since the
// initializers finished, for the first call), and resets the baseline to now.
func (opt *IterativeOptimizer) MillisecondsSinceLast(dc *graph.DeviceContext) int64 {
	opt.mu.Lock()
	defer opt.mu.Unlock()
	s := opt.stateFor(dc)
	now := time.Now()
	if s.last.IsZero() {
		s.last = now
	}
	elapsed := now.Sub(s.last).Milliseconds()
	s.last = now
	return elapsed
}

// StartTime returns when the initializers finished on dc, or the zero time if they didn't yet.
// It doesn't change anything.
func (opt *IterativeOptimizer) StartTime(dc *graph.DeviceContext) time.Time {
	opt.mu.Lock()
	defer opt.mu.Unlock()
	return opt.stateFor(dc).start
}

// Interrupt stops the optimizer, on all contexts, before the next epoch starts. The interrupted executions
// return ErrInterrupted.
func (opt *IterativeOptimizer) Interrupt() {
	opt.interrupted.Store(true)
}

// Interrupted returns whether Interrupt was called.
func (opt *IterativeOptimizer) Interrupted() bool {
	return opt.interrupted.Load()
}

func (opt *IterativeOptimizer) setState(dc *graph.DeviceContext, state State) {
	opt.mu.Lock()
	defer opt.mu.Unlock()
	opt.stateFor(dc).state = state
}

func (opt *IterativeOptimizer) execute(dc *graph.DeviceContext) error {
	opt.mu.Lock()
	s := opt.stateFor(dc)
	state := s.state
	if state == StateUnstarted {
		s.state = StateInitializing
	}
	opt.mu.Unlock()

	switch state {
	case StateCompleted:
		return nil
	case StateInitializing:
		return errors.Errorf("%s: executed again on %s while still initializing", opt.Name(), dc)
	case StateUnstarted:
		for _, node := range opt.initializers {
			if err := graph.Run(dc, node); err != nil {
				opt.setState(dc, StateUnstarted)
				return errors.WithMessagef(err, "%s: initializer %s", opt.Name(), node.Name())
			}
		}
		opt.mu.Lock()
		s.state = StateRunning
		s.start = time.Now()
		s.last = s.start
		opt.mu.Unlock()
		klog.V(1).Infof("%s: initialized on %s", opt.Name(), dc)
	}

	for {
		opt.mu.Lock()
		epoch := s.epoch
		opt.mu.Unlock()
		if opt.maxEpochs > 0 && epoch >= opt.maxEpochs {
			break
		}
		if opt.interrupted.Load() {
			return errors.Wrapf(ErrInterrupted, "%s on %s at epoch %d", opt.Name(), dc, epoch)
		}
		for _, node := range opt.epochOps {
			if err := graph.Run(dc, node); err != nil {
				return errors.WithMessagef(err, "%s: epoch %d", opt.Name(), epoch)
			}
		}
		opt.mu.Lock()
		s.epoch++
		opt.mu.Unlock()
	}

	if err := dc.WaitForAllKernelsFinished(); err != nil {
		return err
	}
	opt.setState(dc, StateCompleted)
	klog.V(1).Infof("%s: completed %d epochs on %s", opt.Name(), opt.maxEpochs, dc)
	return nil
}
