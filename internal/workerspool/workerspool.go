// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package workerspool runs host-side work-items of the CPU backend on a bounded number of goroutines.
package workerspool

import (
	"runtime"
	"sync"
)

// Pool limits the number of goroutines running kernel work-items concurrently.
//
// A Pool can be shared by many devices: command goroutines themselves are not counted, only
// the chunks started through the pool.
type Pool struct {
	// maxParallelism: 0 disables parallelism (everything runs inline), < 0 means unlimited.
	maxParallelism int
	mu             sync.Mutex
	cond           sync.Cond // Signaled whenever numRunning decreases.
	numRunning     int
}

// New returns a Pool with parallelism set to runtime.NumCPU().
func New() *Pool {
	w := &Pool{maxParallelism: runtime.NumCPU()}
	w.cond = sync.Cond{L: &w.mu}
	return w
}

// MaxParallelism returns the limit of concurrently running tasks. 0 means disabled, -1 unlimited.
func (w *Pool) MaxParallelism() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.maxParallelism
}

// SetMaxParallelism changes the limit of concurrently running tasks.
// Tasks already running are not affected.
func (w *Pool) SetMaxParallelism(maxParallelism int) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.maxParallelism = maxParallelism
	w.cond.Broadcast()
}

// lockedIsFull must be called with w.mu locked.
func (w *Pool) lockedIsFull() bool {
	if w.maxParallelism == 0 {
		return true
	} else if w.maxParallelism < 0 {
		return false
	}
	return w.numRunning >= w.maxParallelism
}

// lockedRunTaskInGoroutine must be called with w.mu locked.
func (w *Pool) lockedRunTaskInGoroutine(task func()) {
	w.numRunning++
	go func() {
		defer func() {
			w.mu.Lock()
			w.numRunning--
			w.cond.Signal()
			w.mu.Unlock()
		}()
		task()
	}()
}

// WaitToStart blocks until a worker is available and then starts task in a goroutine.
//
// With parallelism disabled the task runs inline.
func (w *Pool) WaitToStart(task func()) {
	w.mu.Lock()
	if w.maxParallelism == 0 {
		w.mu.Unlock()
		task()
		return
	}
	for w.lockedIsFull() {
		w.cond.Wait()
	}
	w.lockedRunTaskInGoroutine(task)
	w.mu.Unlock()
}

// StartIfAvailable starts task in a goroutine if a worker is free, and returns whether it did.
func (w *Pool) StartIfAvailable(task func()) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.lockedIsFull() {
		return false
	}
	w.lockedRunTaskInGoroutine(task)
	return true
}

// Split divides the range [0, total) into chunks of at least minChunk items and calls fn for each
// chunk, using free workers when available and the calling goroutine otherwise.
//
// It returns after every chunk finished, with the first error returned by fn.
// Since chunks that don't find a free worker run inline, Split never deadlocks when called from
// within a pool task.
func (w *Pool) Split(total, minChunk int, fn func(start, end int) error) error {
	if total <= 0 {
		return nil
	}
	if minChunk < 1 {
		minChunk = 1
	}
	numChunks := 1
	if parallelism := w.MaxParallelism(); parallelism != 0 {
		if parallelism < 0 {
			parallelism = runtime.NumCPU()
		}
		numChunks = min(parallelism, (total+minChunk-1)/minChunk)
	}
	if numChunks <= 1 {
		return fn(0, total)
	}
	chunkSize := (total + numChunks - 1) / numChunks

	var (
		wg       sync.WaitGroup
		muErr    sync.Mutex
		firstErr error
	)
	setErr := func(err error) {
		if err == nil {
			return
		}
		muErr.Lock()
		if firstErr == nil {
			firstErr = err
		}
		muErr.Unlock()
	}
	for start := 0; start < total; start += chunkSize {
		end := min(start+chunkSize, total)
		wg.Add(1)
		task := func() {
			defer wg.Done()
			setErr(fn(start, end))
		}
		if !w.StartIfAvailable(task) {
			task()
		}
	}
	wg.Wait()
	return firstErr
}
