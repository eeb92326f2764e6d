// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package plots records values (typically the loss) during training and plots them with gonum/plot.
package plots

import (
	"fmt"
	"sync"

	"github.com/gomlx/dataflow/pkg/core/graph"
	"github.com/gomlx/dataflow/pkg/ml/train"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/plotutil"
	"gonum.org/v1/plot/vg"
)

// Default size of the saved plots.
const (
	DefaultWidth  = 12 * vg.Inch
	DefaultHeight = 6 * vg.Inch
)

// ValuePlot is a train.Monitor that records the first value of a node (e.g.: the loss) every few epochs, for
// each DeviceContext, and saves them as a plot.
type ValuePlot struct {
	*train.Monitor
	title, label string
	node         graph.Node
	logScale     bool

	mu      sync.Mutex
	devices []uuid.UUID // In order of the first record.
	points  map[uuid.UUID]plotter.XYs
}

// NewValuePlot creates the monitor that records the value of node every n epochs.
// It must be given to train.NewIterativeOptimizer as one of the per-epoch operators.
func NewValuePlot(g *graph.Graph, title string, node graph.Node, n int) *ValuePlot {
	vp := &ValuePlot{
		title:  title,
		label:  node.Name(),
		node:   node,
		points: make(map[uuid.UUID]plotter.XYs),
	}
	vp.Monitor = train.NewMonitor(g, "plot:"+node.Name(), train.EveryNEpochs(n, vp.record), node)
	return vp
}

// WithLogScale sets the Y axis to a logarithmic scale. Non-positive values are not plotted.
func (vp *ValuePlot) WithLogScale() *ValuePlot {
	vp.logScale = true
	return vp
}

func (vp *ValuePlot) record(opt *train.IterativeOptimizer, dc *graph.DeviceContext) error {
	values, err := graph.Fetch[float32](dc, vp.node)
	if err != nil {
		return err
	}
	if len(values) == 0 {
		return errors.Errorf("%s has no values to plot", vp.node)
	}
	vp.mu.Lock()
	defer vp.mu.Unlock()
	id := dc.ID()
	if _, found := vp.points[id]; !found {
		vp.devices = append(vp.devices, id)
	}
	vp.points[id] = append(vp.points[id], plotter.XY{X: float64(opt.CurrentEpoch(dc)), Y: float64(values[0])})
	return nil
}

// Points recorded for dc: X is the epoch and Y the value.
func (vp *ValuePlot) Points(dc *graph.DeviceContext) plotter.XYs {
	vp.mu.Lock()
	defer vp.mu.Unlock()
	return append(plotter.XYs(nil), vp.points[dc.ID()]...)
}

// Plot creates the plot with one line per DeviceContext.
func (vp *ValuePlot) Plot() (*plot.Plot, error) {
	vp.mu.Lock()
	defer vp.mu.Unlock()
	if len(vp.devices) == 0 {
		return nil, errors.Errorf("no values of %s recorded to plot", vp.node)
	}
	p := plot.New()
	p.Title.Text = vp.title
	p.X.Label.Text = "epoch"
	p.Y.Label.Text = vp.label
	if vp.logScale {
		p.Y.Scale = plot.LogScale{}
		p.Y.Tick.Marker = plot.LogTicks{Prec: -1}
	}
	p.Add(plotter.NewGrid())
	for i, id := range vp.devices {
		xys := vp.points[id]
		if vp.logScale {
			positive := make(plotter.XYs, 0, len(xys))
			for _, xy := range xys {
				if xy.Y > 0 {
					positive = append(positive, xy)
				}
			}
			xys = positive
		}
		line, err := plotter.NewLine(xys)
		if err != nil {
			return nil, errors.Wrapf(err, "plotting %s", vp.node)
		}
		line.Color = plotutil.Color(i)
		line.Dashes = plotutil.Dashes(i)
		p.Add(line)
		p.Legend.Add(fmt.Sprintf("device #%d", i), line)
	}
	return p, nil
}

// Save the plot to path, with a format given by its extension (e.g.: ".png", ".svg").
// width and height default to DefaultWidth and DefaultHeight if 0.
func (vp *ValuePlot) Save(path string, width, height vg.Length) error {
	p, err := vp.Plot()
	if err != nil {
		return err
	}
	if width == 0 {
		width = DefaultWidth
	}
	if height == 0 {
		height = DefaultHeight
	}
	if err := p.Save(width, height, path); err != nil {
		return errors.Wrapf(err, "saving plot to %q", path)
	}
	return nil
}
