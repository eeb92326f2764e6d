// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package ops

import (
	"github.com/gomlx/dataflow/backends/simplego"
	"github.com/gomlx/dataflow/pkg/core/dtypes"
	"github.com/gomlx/dataflow/pkg/core/graph"
	"github.com/gomlx/dataflow/pkg/core/shapes"
	"github.com/gomlx/exceptions"
	"github.com/pkg/errors"
)

const mseLossOCL = `
kernel void mse_loss(global float* loss, global float* grad, const global float* pred, const global float* y,
		const int n)
{
	float sum = 0;
	for (int i = 0; i < n; i++) {
		const float diff = pred[i] - y[i];
		grad[i] = diff / n;
		sum += diff * diff;
	}
	loss[0] = sum / (2 * n);
}
`

const sgdLinearOCL = `
kernel void sgd_linear(global float* weight, global float* bias, const global float* grad, const global float* x,
		const float learning_rate, const int n, const int k)
{
	const int GID = get_global_id(0);
	float sum = 0;
	for (int i = 0; i < n; i++)
		sum += grad[i] * (GID < k? x[i * k + GID] : 1);
	if (GID < k)
		weight[GID] -= learning_rate * sum;
	else
		bias[0] -= learning_rate * sum;
}
`

var (
	mseLossSources   = oclSource("mse_loss", mseLossOCL)
	sgdLinearSources = oclSource("sgd_linear", sgdLinearOCL)
)

func init() {
	simplego.RegisterKernel("mse_loss", func(args *simplego.Args, _, _ int) error {
		loss, grad, pred, y, n := args.Float32s(0), args.Float32s(1), args.Float32s(2), args.Float32s(3), args.Int(4)
		var sum float32
		for i := range n {
			diff := pred[i] - y[i]
			grad[i] = diff / float32(n)
			sum += diff * diff
		}
		loss[0] = sum / float32(2*n)
		return nil
	}, simplego.Serial())
	simplego.RegisterKernel("sgd_linear", func(args *simplego.Args, start, end int) error {
		weight, bias, grad, x := args.Float32s(0), args.Float32s(1), args.Float32s(2), args.Float32s(3)
		learningRate, n, k := args.Float32(4), args.Int(5), args.Int(6)
		for j := start; j < end; j++ {
			var sum float32
			for i := range n {
				if j < k {
					sum += grad[i] * x[i*k+j]
				} else {
					sum += grad[i]
				}
			}
			if j < k {
				weight[j] -= learningRate * sum
			} else {
				bias[0] -= learningRate * sum
			}
		}
		return nil
	}, simplego.MinChunk(1))
}

// LinearRegression is a linear model y = x·w + b trained with stochastic gradient descent on the mean
// squared error.
//
// Running Update (e.g. as a per-epoch operator of an IterativeOptimizer) runs the forward pass (Prediction),
// the loss and gradient computation (Loss) and then updates Weight and Bias.
type LinearRegression struct {
	Weight, Bias *graph.Tensor

	// Prediction holds the model output, shape [N, 1].
	Prediction *graph.Operator

	// Loss holds the loss of the last prediction, a scalar: sum((prediction - y)^2) / 2N.
	Loss *graph.Operator

	// Gradient of the loss with respect to the prediction, shape [N].
	Gradient *graph.Tensor

	// Update applies the gradient descent step to Weight and Bias.
	Update *graph.Operator

	LearningRate float32
}

// NewLinearRegression builds the model for inputs x, shaped [N, K], and targets y, shaped [N].
//
// Weight ([1, K]) and Bias ([1]) are initialized with XavierNormal (the bias to 0), using seed.
func NewLinearRegression(x, y *graph.Tensor, learningRate float32, seed uint64, name string) *LinearRegression {
	g := x.Graph()
	if x.Shape().Rank() != 2 || y.Shape().Rank() != 1 || x.Shape().Dim(0) != y.Shape().Dim(0) {
		exceptions.Panicf("NewLinearRegression(%s, %s): x must be shaped [N, K] and y [N]", x, y)
	}
	numExamples, numFeatures := x.Shape().Dim(0), x.Shape().Dim(1)
	lr := &LinearRegression{LearningRate: learningRate}
	initializer := XavierNormal(g, name+"/init", 0, 1, seed)
	lr.Weight = g.Weight(shapes.Make(dtypes.Float32, 1, numFeatures), name+"/weight", initializer)
	lr.Bias = g.Bias(shapes.Make(dtypes.Float32, 1), name+"/bias", initializer)
	lr.Prediction = Gemm(x, lr.Weight, lr.Bias, name+"/prediction")
	lr.Gradient = g.Tensor(shapes.Make(dtypes.Float32, numExamples), name+"/gradient")

	lr.Loss = g.Operator(name+"/loss", []graph.Node{lr.Prediction, y}, nil,
		func(op *graph.Operator, dc *graph.DeviceContext) error {
			pred, y := op.Input(0), op.Input(1)
			_, err := launch(dc, op, graph.LaunchSpec{
				Global: []int{1},
				Reads:  []graph.Node{pred, y},
				Writes: []graph.Node{op, lr.Gradient},
			}, op, lr.Gradient, pred, y, numExamples)
			return err
		}, mseLossSources.Fn()).
		WithShape(shapes.Make(dtypes.Float32))
	lr.Loss.WithOutputs(lr.Loss, lr.Gradient)

	lr.Update = g.Operator(name+"/sgd", []graph.Node{lr.Loss}, nil,
		func(op *graph.Operator, dc *graph.DeviceContext) error {
			_, err := launch(dc, op, graph.LaunchSpec{
				Global: []int{numFeatures + 1},
				Reads:  []graph.Node{lr.Gradient, x},
				Writes: []graph.Node{lr.Weight, lr.Bias},
			}, lr.Weight, lr.Bias, lr.Gradient, x, lr.LearningRate, numExamples, numFeatures)
			return err
		}, sgdLinearSources.Fn()).
		WithOutputs(lr.Weight, lr.Bias).
		WithPeers(lr.Loss)
	return lr
}

// LossValue downloads and returns the last computed loss on dc.
func (lr *LinearRegression) LossValue(dc *graph.DeviceContext) (float32, error) {
	values, err := graph.Fetch[float32](dc, lr.Loss)
	if err != nil {
		return 0, errors.WithMessagef(err, "reading loss %s", lr.Loss)
	}
	return values[0], nil
}

// Parameters downloads and returns the current weights and bias on dc.
func (lr *LinearRegression) Parameters(dc *graph.DeviceContext) (weights []float32, bias float32, err error) {
	weights, err = graph.Fetch[float32](dc, lr.Weight)
	if err != nil {
		return nil, 0, err
	}
	biasValues, err := graph.Fetch[float32](dc, lr.Bias)
	if err != nil {
		return nil, 0, err
	}
	return weights, biasValues[0], nil
}
