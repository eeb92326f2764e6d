// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package backends

import "sync"

// LatchEvent is an Event triggered by the backend when the command completes.
//
// Backends that run commands on host goroutines can use it directly. Once completed, its state and error
// never change.
type LatchEvent struct {
	mu   sync.Mutex
	done chan struct{}
	err  error
}

var _ Event = (*LatchEvent)(nil)

// NewLatchEvent returns a pending event.
func NewLatchEvent() *LatchEvent {
	return &LatchEvent{done: make(chan struct{})}
}

// CompletedEvent returns an event that is already completed with the given error (nil for success).
func CompletedEvent(err error) *LatchEvent {
	e := NewLatchEvent()
	e.Complete(err)
	return e
}

// Complete triggers the event with the command error, nil for success. Only the first call has any effect:
// it returns false for the later ones.
func (e *LatchEvent) Complete(err error) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.Done() {
		return false
	}
	e.err = err
	close(e.done)
	return true
}

// Wait implements Event.
func (e *LatchEvent) Wait() error {
	<-e.done
	return e.err
}

// Done implements Event.
func (e *LatchEvent) Done() bool {
	select {
	case <-e.done:
		return true
	default:
		return false
	}
}

// WaitChan returns a channel closed when the event completes.
func (e *LatchEvent) WaitChan() <-chan struct{} {
	return e.done
}

// WaitAll waits for all events and returns the first error found, in the order of the events.
// Nil events are ignored.
func WaitAll(events ...Event) error {
	var firstErr error
	for _, e := range events {
		if e == nil {
			continue
		}
		if err := e.Wait(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
