// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package train

import (
	"github.com/gomlx/dataflow/backends"
	"github.com/gomlx/dataflow/pkg/core/graph"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
)

// NewDeviceContexts creates one DeviceContext for each of the first numDevices devices of backend.
// If numDevices <= 0, all devices are used.
//
// On error, the contexts already created are finalized.
func NewDeviceContexts(backend backends.Backend, numDevices int) ([]*graph.DeviceContext, error) {
	available := int(backend.NumDevices())
	if numDevices > available {
		return nil, errors.Errorf("backend %q has %d devices, %d requested", backend.Name(), available, numDevices)
	}
	if numDevices <= 0 {
		numDevices = available
	}
	dcs := make([]*graph.DeviceContext, 0, numDevices)
	for i := range numDevices {
		dc, err := graph.NewDeviceContext(backend, backends.DeviceNum(i))
		if err != nil {
			for _, created := range dcs {
				created.Finalize()
			}
			return nil, err
		}
		dcs = append(dcs, dc)
	}
	return dcs, nil
}

// RunOnDevices runs root (typically an IterativeOptimizer) concurrently on each of the contexts, one goroutine
// per context, and waits for all of them.
//
// It returns the first error, annotated with the context where it happened. Other contexts are not
// interrupted.
func RunOnDevices(dcs []*graph.DeviceContext, root graph.Node) error {
	var group errgroup.Group
	for _, dc := range dcs {
		group.Go(func() error {
			if err := graph.Run(dc, root); err != nil {
				return errors.WithMessagef(err, "running %q on %s", root.Name(), dc)
			}
			return nil
		})
	}
	return group.Wait()
}
