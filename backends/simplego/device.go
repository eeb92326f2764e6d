// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package simplego

import (
	"slices"
	"sync"
	"time"

	"github.com/gomlx/dataflow/backends"
	"github.com/gomlx/exceptions"
	"github.com/pkg/errors"
)

// Device is a command queue of the SimpleGo backend.
//
// Commands are not executed in submission order: each one runs as soon as its wait-list completes.
type Device struct {
	backend   *Backend
	deviceNum backends.DeviceNum

	mu sync.Mutex

	// pending holds the events not completed yet, and the failed ones not reported by Finish.
	pending  map[*backends.LatchEvent]struct{}
	released bool
}

var _ backends.Device = (*Device)(nil)

// DeviceNum implements backends.Device.
func (d *Device) DeviceNum() backends.DeviceNum { return d.deviceNum }

func (d *Device) checkValid() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.released {
		return errors.New("simplego: device queue already released")
	}
	return nil
}

// submit runs cmd in its own goroutine after every event in waitList completes, and returns the event
// that signals its completion.
//
// A failed wait-list event fails the command without running it. Panics in cmd are converted to errors.
func (d *Device) submit(name string, waitList []backends.Event, cmd func() error) (backends.Event, error) {
	event := backends.NewLatchEvent()
	waits := slices.Clone(waitList)
	d.mu.Lock()
	if d.released {
		d.mu.Unlock()
		return nil, errors.New("simplego: device queue already released")
	}
	if d.pending == nil {
		d.pending = make(map[*backends.LatchEvent]struct{})
	}
	d.pending[event] = struct{}{}
	d.mu.Unlock()

	go func() {
		err := backends.WaitAll(waits...)
		if err != nil {
			err = errors.WithMessagef(err, "%s not executed, its wait-list failed", name)
		} else {
			if d.backend.delay > 0 {
				time.Sleep(d.backend.delay)
			}
			panicErr := exceptions.TryCatch[error](func() { err = cmd() })
			if panicErr != nil {
				err = errors.Wrapf(panicErr, "%s panicked", name)
			}
		}
		if err == nil {
			d.mu.Lock()
			delete(d.pending, event)
			d.mu.Unlock()
		}
		event.Complete(err)
	}()
	return event, nil
}

// numPending returns the number of events kept for Finish.
func (d *Device) numPending() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.pending)
}

// Finish implements backends.Device.
func (d *Device) Finish() error {
	d.mu.Lock()
	events := make([]backends.Event, 0, len(d.pending))
	for e := range d.pending {
		events = append(events, e)
	}
	d.pending = nil
	d.mu.Unlock()
	return backends.WaitAll(events...)
}

// Release implements backends.Device.
func (d *Device) Release() {
	_ = d.Finish()
	d.mu.Lock()
	defer d.mu.Unlock()
	d.released = true
}
