// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package train

import (
	"sync"
	"time"

	"github.com/gomlx/dataflow/pkg/core/graph"
	"github.com/gomlx/exceptions"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// MonitorFn is called by a Monitor when it is executed, with the optimizer it is attached to.
//
// It can read (download) tensors, but it must not change the computation. Errors returned (or panics) are
// logged and ignored: they don't interrupt the training.
type MonitorFn func(opt *IterativeOptimizer, dc *graph.DeviceContext) error

// Monitor is an operator that reports on the progress of an IterativeOptimizer, for instance by printing the
// loss every few epochs.
//
// It must be one of the per-epoch operators of the optimizer, see NewIterativeOptimizer.
type Monitor struct {
	*graph.Operator
	fn MonitorFn

	mu  sync.Mutex
	opt *IterativeOptimizer
}

// NewMonitor creates a monitor operator that calls fn every time it's executed.
//
// peers are nodes whose values fn reads (typically the loss), so the Monitor is registered as their peer and
// vice-versa.
func NewMonitor(g *graph.Graph, name string, fn MonitorFn, peers ...graph.Node) *Monitor {
	if name == "" {
		name = "monitor"
	}
	m := &Monitor{fn: fn}
	m.Operator = g.Operator(name, nil, nil, func(_ *graph.Operator, dc *graph.DeviceContext) error {
		return m.execute(dc)
	}, nil)
	m.WithPeers(peers...)
	return m
}

// monitor is promoted to types that embed *Monitor.
func (m *Monitor) monitor() *Monitor { return m }

func (m *Monitor) attach(opt *IterativeOptimizer) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.opt = opt
}

// Optimizer the monitor is attached to, or nil if it is not attached yet.
func (m *Monitor) Optimizer() *IterativeOptimizer {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.opt
}

func (m *Monitor) execute(dc *graph.DeviceContext) error {
	opt := m.Optimizer()
	if opt == nil {
		return errors.Errorf("monitor %q is not attached to an IterativeOptimizer", m.Name())
	}
	var fnErr error
	err := exceptions.TryCatch[error](func() { fnErr = m.fn(opt, dc) })
	if err == nil {
		err = fnErr
	}
	if err != nil {
		klog.Errorf("monitor %q on %s (epoch %d) failed: %+v", m.Name(), dc, opt.CurrentEpoch(dc), err)
	}
	return nil
}

// EveryNEpochs returns a MonitorFn that calls fn on the first epoch and then every n epochs, that is, when
// the number of completed epochs is a multiple of n.
func EveryNEpochs(n int, fn MonitorFn) MonitorFn {
	if n <= 0 {
		exceptions.Panicf("EveryNEpochs(n=%d): n must be > 0", n)
	}
	return func(opt *IterativeOptimizer, dc *graph.DeviceContext) error {
		if opt.CurrentEpoch(dc)%n != 0 {
			return nil
		}
		return fn(opt, dc)
	}
}

// PeriodicMonitor returns a MonitorFn that calls fn at most once every period, per DeviceContext.
//
// The clock starts on the first call, which doesn't call fn.
func PeriodicMonitor(period time.Duration, fn MonitorFn) MonitorFn {
	var mu sync.Mutex
	lastCall := make(map[uuid.UUID]time.Time)
	return func(opt *IterativeOptimizer, dc *graph.DeviceContext) error {
		mu.Lock()
		last, found := lastCall[dc.ID()]
		now := time.Now()
		if !found {
			lastCall[dc.ID()] = now
			mu.Unlock()
			return nil
		}
		if now.Sub(last) < period {
			mu.Unlock()
			return nil
		}
		lastCall[dc.ID()] = now
		mu.Unlock()
		return fn(opt, dc)
	}
}
