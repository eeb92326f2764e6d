// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package ops

import (
	"math"
	"math/rand/v2"
	"slices"

	"github.com/gomlx/dataflow/pkg/core/dtypes"
	"github.com/gomlx/dataflow/pkg/core/graph"
	"github.com/pkg/errors"
	"github.com/x448/float16"
	"golang.org/x/exp/constraints"
	"gonum.org/v1/gonum/stat/distuv"
	"k8s.io/klog/v2"
)

// Fill creates an initializer operator that sets every element of the tensors it initializes to value.
//
// Use it as the initializer of tensors (e.g. graph.Graph.Bias), or pass the tensors to set directly.
// Values are converted to the dtype of each tensor; Float16 values are rounded to the nearest.
func Fill(g *graph.Graph, value float64, name string, tensors ...*graph.Tensor) *graph.Operator {
	op := g.Operator(name, nil, nil, func(op *graph.Operator, dc *graph.DeviceContext) error {
		for _, t := range outputTensors(op) {
			if err := storeConstant(dc, t, value); err != nil {
				return errors.WithMessagef(err, "Fill(%g) of %s", value, t)
			}
		}
		return nil
	}, nil)
	for _, t := range tensors {
		t.SetInitializer(op)
	}
	return op
}

// storeConstant sets all elements of t to value and uploads it.
func storeConstant(dc *graph.DeviceContext, t *graph.Tensor, value float64) error {
	volume := t.Shape().Volume()
	var err error
	switch t.Shape().DType {
	case dtypes.Float32:
		_, err = graph.Store(dc, t, repeat(convert[float32](value), volume))
	case dtypes.Float64:
		_, err = graph.Store(dc, t, repeat(value, volume))
	case dtypes.Float16:
		_, err = graph.Store(dc, t, repeat(float16.Fromfloat32(float32(value)), volume))
	case dtypes.Int32:
		_, err = graph.Store(dc, t, repeat(convert[int32](value), volume))
	case dtypes.Int64:
		_, err = graph.Store(dc, t, repeat(convert[int64](value), volume))
	case dtypes.Uint32:
		_, err = graph.Store(dc, t, repeat(convert[uint32](value), volume))
	case dtypes.Uint8:
		_, err = graph.Store(dc, t, repeat(convert[uint8](value), volume))
	default:
		err = errors.Errorf("dtype %s not supported", t.Shape().DType)
	}
	return err
}

func convert[T constraints.Integer | constraints.Float](value float64) T {
	return T(value)
}

func repeat[T any](value T, n int) []T {
	return slices.Repeat([]T{value}, n)
}

// XavierNormal creates an initializer operator for Float32 tensors that draws weights from a normal
// distribution with the given mean and standard deviation scale*sqrt(2/(fanIn+fanOut)).
//
// fanOut is the first dimension of the tensor, fanIn the product of the remaining ones (for a weight
// of shape [outputs, inputs]). Biases (graph.RoleBias) and scalars are set to mean.
//
// Each DeviceContext draws from its own random source, seeded with seed and the device number, so
// replicas on different devices start from different values.
func XavierNormal(g *graph.Graph, name string, mean, scale float64, seed uint64, tensors ...*graph.Tensor) *graph.Operator {
	op := g.Operator(name, nil, nil, func(op *graph.Operator, dc *graph.DeviceContext) error {
		rng := rand.New(rand.NewPCG(seed, uint64(dc.Index())))
		for _, t := range outputTensors(op) {
			if err := xavierNormal(dc, t, mean, scale, rng); err != nil {
				return errors.WithMessagef(err, "XavierNormal of %s", t)
			}
		}
		return nil
	}, nil)
	for _, t := range tensors {
		t.SetInitializer(op)
	}
	return op
}

func xavierNormal(dc *graph.DeviceContext, t *graph.Tensor, mean, scale float64, rng *rand.Rand) error {
	shape := t.Shape()
	if shape.DType != dtypes.Float32 {
		return errors.Errorf("only Float32 supported, got %s", shape.DType)
	}
	if t.Role() == graph.RoleBias || shape.Rank() == 0 {
		return storeConstant(dc, t, mean)
	}
	fanOut := shape.Dimensions[0]
	fanIn := 1
	if shape.Rank() > 1 {
		fanIn = shape.Volume() / fanOut
	}
	normal := distuv.Normal{
		Mu:    mean,
		Sigma: scale * math.Sqrt(2/float64(fanIn+fanOut)),
		Src:   rng,
	}
	values := make([]float32, shape.Volume())
	for i := range values {
		values[i] = float32(normal.Rand())
	}
	klog.V(1).Infof("XavierNormal: %s initialized with N(%g, %g)", t, normal.Mu, normal.Sigma)
	_, err := graph.Store(dc, t, values)
	return err
}

// HostFn computes new values for tensors on the host. It is given the host views of the tensors, and it
// should overwrite them completely.
type HostFn func(dc *graph.DeviceContext, values [][]float32) error

// HostGenerator creates an operator that fills the given Float32 tensors on the host, by calling fn,
// and then uploads them to the device.
//
// It can be used as the initializer of the tensors and as a per-epoch operator, to generate a new batch of
// data each epoch. It waits for pending device commands using the tensors before calling fn.
func HostGenerator(g *graph.Graph, name string, fn HostFn, tensors ...*graph.Tensor) *graph.Operator {
	op := g.Operator(name, nil, nil, func(op *graph.Operator, dc *graph.DeviceContext) error {
		outputs := outputTensors(op)
		if err := dc.WaitHostIdle(nodesOf(outputs)...); err != nil {
			return err
		}
		values := make([][]float32, len(outputs))
		for i, t := range outputs {
			view, err := graph.HostView[float32](dc, t)
			if err != nil {
				return err
			}
			values[i] = view
		}
		if err := fn(dc, values); err != nil {
			return err
		}
		for _, t := range outputs {
			if _, err := dc.Upload(t); err != nil {
				return err
			}
		}
		return nil
	}, nil)
	op.WithOutputs(nodesOf(tensors)...)
	for _, t := range tensors {
		if t.Initializer() == nil {
			t.SetInitializer(op)
		}
	}
	return op
}

func nodesOf(tensors []*graph.Tensor) []graph.Node {
	nodes := make([]graph.Node, len(tensors))
	for i, t := range tensors {
		nodes[i] = t
	}
	return nodes
}
