// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
	"math/rand/v2"
	"os"
	"os/signal"

	"github.com/gomlx/dataflow/pkg/core/dtypes"
	"github.com/gomlx/dataflow/pkg/core/graph"
	"github.com/gomlx/dataflow/pkg/core/shapes"
	"github.com/gomlx/dataflow/pkg/ml/ops"
	"github.com/gomlx/dataflow/pkg/ml/train"
	"github.com/gomlx/dataflow/pkg/ml/train/commandline"
	"github.com/gomlx/dataflow/pkg/ml/train/plots"
	"github.com/gomlx/dataflow/pkg/support/params"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"k8s.io/klog/v2"
)

// trainParams are the hyperparameters of the linear regression demo.
func trainParams() *params.Params {
	return params.New().
		Set("examples", 256).
		Set("features", 4).
		Set("learning_rate", 0.2).
		Set("seed", 42)
}

func newTrainCmd() *cobra.Command {
	settings := trainParams()
	var (
		epochs, numDevices, reportEvery int
		plotPath                        string
		progress                        bool
	)
	cmd := &cobra.Command{
		Use:   "train",
		Short: "Train a linear regression on synthetic data with the IterativeOptimizer",
		Args:  cobra.NoArgs,
	}
	flagSet := commandline.SettingsFlag(cmd.Flags(), "set", settings)
	cmd.Flags().IntVar(&epochs, "epochs", 10001, "Number of epochs to train. If <= 0 trains until interrupted.")
	cmd.Flags().IntVar(&numDevices, "devices", 1, "Number of devices to train on, concurrently. 0 uses all devices.")
	cmd.Flags().IntVar(&reportEvery, "report", 2000, "Log the loss and the speed every that many epochs.")
	cmd.Flags().StringVar(&plotPath, "plot", "", "If set, save a plot of the loss to this file (e.g. \"loss.png\").")
	cmd.Flags().BoolVar(&progress, "progress", false, "Display a progress bar.")
	cmd.RunE = func(cmd *cobra.Command, _ []string) error {
		if err := settings.Parse(*flagSet); err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), commandline.SprintSettings("Linear regression", settings))
		return trainLinearRegression(cmd, settings, epochs, numDevices, reportEvery, plotPath, progress)
	}
	return cmd
}

func trainLinearRegression(cmd *cobra.Command, settings *params.Params, epochs, numDevices, reportEvery int,
	plotPath string, progress bool) error {
	numExamples := params.Get(settings, "examples", 256)
	numFeatures := params.Get(settings, "features", 4)
	learningRate := params.Get(settings, "learning_rate", 0.2)
	seed := uint64(params.Get(settings, "seed", 42))
	if numExamples <= 0 || numFeatures <= 0 || reportEvery <= 0 {
		return errors.Errorf("examples (%d), features (%d) and report (%d) must be > 0",
			numExamples, numFeatures, reportEvery)
	}

	// Target model: y = x·trueWeights + trueBias.
	rng := rand.New(rand.NewPCG(seed, 0))
	trueWeights := make([]float32, numFeatures)
	for i := range trueWeights {
		trueWeights[i] = 4*rng.Float32() - 2
	}
	trueBias := 2*rng.Float32() - 1

	g := graph.NewGraph("linear_regression")
	defer g.Finalize()
	x := g.Data(shapes.Make(dtypes.Float32, numExamples, numFeatures), nil, "x")
	y := g.Data(shapes.Make(dtypes.Float32, numExamples), nil, "y")
	dataset := ops.HostGenerator(g, "dataset", func(dc *graph.DeviceContext, values [][]float32) error {
		rng := rand.New(rand.NewPCG(seed, uint64(dc.Index())+1))
		xs, ys := values[0], values[1]
		for i := range numExamples {
			ys[i] = trueBias
			for j := range numFeatures {
				xs[i*numFeatures+j] = rng.Float32()
				ys[i] += trueWeights[j] * xs[i*numFeatures+j]
			}
		}
		return nil
	}, x, y)
	model := ops.NewLinearRegression(x, y, float32(learningRate), seed, "model")

	reportMeter := train.NewThroughputMeter(numExamples)
	epochOps := []graph.Node{
		model.Update,
		train.NewMonitor(g, "report", train.EveryNEpochs(reportEvery,
			func(opt *train.IterativeOptimizer, dc *graph.DeviceContext) error {
				loss, err := model.LossValue(dc)
				if err != nil {
					return err
				}
				klog.Infof("device #%d: epoch=%d \tloss=%.6f \tspeed=%s", dc.Index(), opt.CurrentEpoch(dc), loss,
					reportMeter.Measure(opt, dc))
				return nil
			}), model.Loss),
	}
	var pBar *commandline.ProgressBar
	if progress {
		pBar = commandline.NewProgressBar(g, cmd.OutOrStdout(),
			commandline.ValueStat("Loss", model.Loss), commandline.ThroughputStat(numExamples))
		epochOps = append(epochOps, pBar)
	}
	var lossPlot *plots.ValuePlot
	if plotPath != "" {
		lossPlot = plots.NewValuePlot(g, "Linear regression", model.Loss, max(1, reportEvery/20)).WithLogScale()
		epochOps = append(epochOps, lossPlot)
	}
	opt := train.NewIterativeOptimizer(g, "", []graph.Node{dataset}, epochOps, epochs)
	if err := g.Validate(opt); err != nil {
		return err
	}

	backend, err := newBackend()
	if err != nil {
		return err
	}
	defer backend.Finalize()
	dcs, err := train.NewDeviceContexts(backend, numDevices)
	if err != nil {
		return err
	}
	defer func() {
		for _, dc := range dcs {
			dc.Finalize()
		}
	}()

	// Ctrl+C interrupts the training at the end of the current epoch.
	interrupts := make(chan os.Signal, 1)
	signal.Notify(interrupts, os.Interrupt)
	defer signal.Stop(interrupts)
	go func() {
		if _, ok := <-interrupts; ok {
			klog.Warningf("interrupting training")
			opt.Interrupt()
		}
	}()

	err = train.RunOnDevices(dcs, opt)
	if pBar != nil {
		pBar.Close()
	}
	if err != nil && !errors.Is(err, train.ErrInterrupted) {
		return err
	}

	table := newPlainTable("Device", "Epochs", "Loss", "Weights", "Bias")
	table.Row("target", "", "", fmt.Sprintf("%.3f", trueWeights), fmt.Sprintf("%.3f", trueBias))
	for _, dc := range dcs {
		loss, err := model.LossValue(dc)
		if err != nil {
			return err
		}
		weights, bias, err := model.Parameters(dc)
		if err != nil {
			return err
		}
		table.Row(fmt.Sprintf("#%d", dc.Index()), fmt.Sprint(opt.CurrentEpoch(dc)), fmt.Sprintf("%.6f", loss),
			fmt.Sprintf("%.3f", weights), fmt.Sprintf("%.3f", bias))
	}
	fmt.Fprintln(cmd.OutOrStdout(), table.String())

	if lossPlot != nil {
		if err := lossPlot.Save(plotPath, 0, 0); err != nil {
			return err
		}
		klog.Infof("loss plot saved to %q", plotPath)
	}
	return nil
}
