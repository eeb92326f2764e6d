// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package commandline

import (
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/charmbracelet/lipgloss"
	lgtable "github.com/charmbracelet/lipgloss/table"
	"github.com/gomlx/dataflow/pkg/core/graph"
	"github.com/gomlx/dataflow/pkg/ml/train"
	"github.com/google/uuid"
	"github.com/muesli/termenv"
	"github.com/pkg/errors"
	"github.com/schollz/progressbar/v3"
)

// StatFn returns the pretty-printed value of a statistic displayed under the progress bar.
type StatFn func(opt *train.IterativeOptimizer, dc *graph.DeviceContext) (string, error)

// Stat is a named statistic displayed under the progress bar.
type Stat struct {
	Name string
	Fn   StatFn
}

// ValueStat displays the first value of node (e.g.: the loss), downloaded from the device.
func ValueStat(name string, node graph.Node) Stat {
	return Stat{Name: name, Fn: func(_ *train.IterativeOptimizer, dc *graph.DeviceContext) (string, error) {
		values, err := graph.Fetch[float32](dc, node)
		if err != nil {
			return "", err
		}
		if len(values) == 0 {
			return "", errors.Errorf("%s has no values", node)
		}
		return fmt.Sprintf("%.4g", values[0]), nil
	}}
}

// ThroughputStat displays the number of samples processed per second since the previous display, with its own
// train.ThroughputMeter.
func ThroughputStat(samplesPerEpoch int) Stat {
	meter := train.NewThroughputMeter(samplesPerEpoch)
	return Stat{Name: "Speed", Fn: func(opt *train.IterativeOptimizer, dc *graph.DeviceContext) (string, error) {
		return meter.Measure(opt, dc).String(), nil
	}}
}

// maxUpdateFrequency is the time between updates to the commandline display of stats.
const maxUpdateFrequency = time.Millisecond * 200

var (
	normalStyle       = lipgloss.NewStyle().Padding(0, 1)
	rightAlignedStyle = lipgloss.NewStyle().Align(lipgloss.Right).Padding(0, 1)
	headerStyle       = lipgloss.NewStyle().Bold(true).Padding(0, 1).Align(lipgloss.Center)
	titleStyle        = lipgloss.NewStyle().Bold(true).Underline(true)
)

type progressBarUpdate struct {
	amount int
	rows   [][2]string
}

// ProgressBar is a train.Monitor that displays a progress bar of the epochs run, with a table of statistics
// below it.
//
// Only the first DeviceContext that executes it is displayed.
type ProgressBar struct {
	*train.Monitor

	w     io.Writer
	stats []Stat

	mu            sync.Mutex
	dcID          uuid.UUID
	bar           *progressbar.ProgressBar
	lastReported  int
	lastUpdate    time.Time
	closed        bool
	termenv       *termenv.Output
	statsStyle    lipgloss.Style
	statsTable    *lgtable.Table
	isFirstOutput bool
	updates       chan progressBarUpdate
	updatesDone   sync.WaitGroup
}

// NewProgressBar creates the progress bar monitor, writing to w (typically os.Stdout).
// It must be given to train.NewIterativeOptimizer as one of the per-epoch operators.
func NewProgressBar(g *graph.Graph, w io.Writer, stats ...Stat) *ProgressBar {
	pBar := &ProgressBar{
		w:             w,
		stats:         stats,
		termenv:       termenv.NewOutput(w),
		statsStyle:    lipgloss.NewStyle().PaddingLeft(8),
		isFirstOutput: true,
	}
	pBar.Monitor = train.NewMonitor(g, "progress_bar", pBar.onEpoch)
	return pBar
}

// start creates the progress bar and the goroutine that draws the updates. It must be called with pBar.mu locked.
func (pBar *ProgressBar) start(opt *train.IterativeOptimizer) {
	numEpochs := opt.MaxEpochs()
	description := "Training: "
	if numEpochs > 0 {
		description = fmt.Sprintf("Training (%d epochs): ", numEpochs)
	} else {
		numEpochs = -1 // Spinner.
	}
	pBar.bar = progressbar.NewOptions(numEpochs,
		progressbar.OptionSetDescription(description),
		progressbar.OptionUseANSICodes(true),
		progressbar.OptionEnableColorCodes(true),
		progressbar.OptionShowIts(),
		progressbar.OptionSetItsString("epochs"),
		progressbar.OptionSetTheme(progressbar.ThemeUnicode),
		progressbar.OptionSetWriter(pBar.w),
	)
	pBar.statsTable = lgtable.New().
		Border(lipgloss.RoundedBorder()).
		StyleFunc(func(row, col int) lipgloss.Style {
			if col == 0 {
				return rightAlignedStyle
			}
			return normalStyle
		})
	pBar.updates = make(chan progressBarUpdate, 100) // Large buffer so training is not blocked.
	pBar.updatesDone.Add(1)
	go pBar.draw()
}

// draw asynchronously the updates, so a slow terminal doesn't slow down training.
func (pBar *ProgressBar) draw() {
	defer pBar.updatesDone.Done()
	for update := range pBar.updates {
		// Exhaust the updates in buffer.
		amount := update.amount
	exhaust:
		for {
			select {
			case newUpdate, ok := <-pBar.updates:
				if !ok {
					break exhaust
				}
				amount += newUpdate.amount
				update = newUpdate
			default:
				break exhaust
			}
		}

		// Clear the previous lines that will be overwritten.
		if !pBar.isFirstOutput {
			pBar.termenv.ClearLines(len(update.rows) + 1 + 2)
		}
		pBar.isFirstOutput = false

		_ = pBar.bar.Add(amount)
		_, _ = fmt.Fprintln(pBar.w)
		pBar.statsTable.Data(lgtable.NewStringData())
		for _, row := range update.rows {
			pBar.statsTable.Row(row[0], row[1])
		}
		_, _ = fmt.Fprintln(pBar.w, pBar.statsStyle.Render(pBar.statsTable.String()))
	}
}

func (pBar *ProgressBar) onEpoch(opt *train.IterativeOptimizer, dc *graph.DeviceContext) error {
	pBar.mu.Lock()
	defer pBar.mu.Unlock()
	if pBar.closed {
		return nil
	}
	if pBar.bar == nil {
		pBar.dcID = dc.ID()
		pBar.start(opt)
	}
	if dc.ID() != pBar.dcID {
		return nil
	}

	// The current epoch is finished once the monitor runs.
	epoch := opt.CurrentEpoch(dc) + 1
	last := opt.MaxEpochs() > 0 && epoch >= opt.MaxEpochs()
	if !last && time.Since(pBar.lastUpdate) < maxUpdateFrequency {
		return nil
	}
	update := progressBarUpdate{
		amount: epoch - pBar.lastReported,
		rows:   make([][2]string, 0, len(pBar.stats)+1),
	}
	epochValue := fmt.Sprint(epoch)
	if opt.MaxEpochs() > 0 {
		epochValue = fmt.Sprintf("%d / %d", epoch, opt.MaxEpochs())
	}
	update.rows = append(update.rows, [2]string{"Epoch", epochValue})
	var firstErr error
	for _, stat := range pBar.stats {
		value, err := stat.Fn(opt, dc)
		if err != nil {
			value = "error"
			if firstErr == nil {
				firstErr = errors.WithMessagef(err, "progress bar statistic %q", stat.Name)
			}
		}
		update.rows = append(update.rows, [2]string{stat.Name, value})
	}
	pBar.lastReported = epoch
	pBar.lastUpdate = time.Now()
	pBar.updates <- update
	if last {
		pBar.lockedClose()
	}
	return firstErr
}

// Close stops the display, after drawing the pending updates. It's called automatically after the last epoch,
// but it must be called if the training is interrupted.
func (pBar *ProgressBar) Close() {
	pBar.mu.Lock()
	defer pBar.mu.Unlock()
	pBar.lockedClose()
}

func (pBar *ProgressBar) lockedClose() {
	if pBar.closed {
		return
	}
	pBar.closed = true
	if pBar.updates == nil {
		return
	}
	close(pBar.updates)
	pBar.updatesDone.Wait()
	_, _ = fmt.Fprintln(pBar.w)
}
