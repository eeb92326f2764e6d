// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package train

import (
	"fmt"
	"sync"
	"time"

	"github.com/gomlx/dataflow/pkg/core/graph"
	"github.com/google/uuid"
)

// Throughput is the speed measured by a ThroughputMeter.
type Throughput struct {
	// Samples processed in Elapsed.
	Samples int64

	// Elapsed since the previous measure, or since the optimizer initialization for the first one.
	Elapsed time.Duration

	// First is true for the first measure in the DeviceContext.
	First bool
}

// String returns the elapsed milliseconds for the first measure ("123ms"), and the rate in samples per
// second afterwards ("4567/s").
func (t Throughput) String() string {
	elapsed := t.Elapsed.Milliseconds()
	if t.First {
		return fmt.Sprintf("%dms", elapsed)
	}
	if elapsed <= 0 {
		elapsed = 1
	}
	return fmt.Sprintf("%d/s", 1000*t.Samples/elapsed)
}

// ThroughputMeter measures the speed of an IterativeOptimizer from a monitor.
//
// Each meter keeps its own baseline per DeviceContext, so monitors reporting at different cadences don't
// interfere with each other. It must only be used from monitors of the optimizer: the epoch being executed
// is counted as processed.
type ThroughputMeter struct {
	samplesPerEpoch int

	mu    sync.Mutex
	marks map[uuid.UUID]throughputMark
}

type throughputMark struct {
	at     time.Time
	epochs int
}

// NewThroughputMeter returns a meter for an optimizer that processes samplesPerEpoch samples every epoch.
func NewThroughputMeter(samplesPerEpoch int) *ThroughputMeter {
	return &ThroughputMeter{
		samplesPerEpoch: samplesPerEpoch,
		marks:           make(map[uuid.UUID]throughputMark),
	}
}

// Measure returns the samples processed on dc since the previous measure of this meter on dc, and resets
// the baseline of dc to now. Other meters and IterativeOptimizer.MillisecondsSinceLast are not affected.
func (m *ThroughputMeter) Measure(opt *IterativeOptimizer, dc *graph.DeviceContext) Throughput {
	now := time.Now()
	epochs := opt.CurrentEpoch(dc) + 1
	m.mu.Lock()
	defer m.mu.Unlock()
	mark, found := m.marks[dc.ID()]
	if !found {
		mark = throughputMark{at: opt.StartTime(dc)}
		if mark.at.IsZero() {
			mark.at = now
		}
	}
	m.marks[dc.ID()] = throughputMark{at: now, epochs: epochs}
	return Throughput{
		Samples: int64(m.samplesPerEpoch) * int64(epochs-mark.epochs),
		Elapsed: now.Sub(mark.at),
		First:   !found,
	}
}
