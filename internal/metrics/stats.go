package metrics

import "time"

// Window accumulates timing and loss across the batches between two log
// lines.
type Window struct {
	samples  int
	data     time.Duration
	compute  time.Duration
	steps    int
	lossSum  float64
	lastLoss float64
	lastSize int
}

// Record adds one batch. loss is the batch objective, summed over samples.
func (w *Window) Record(batchSize int, dataTime, computeTime time.Duration, loss float64) {
	w.samples += batchSize
	w.data += dataTime
	w.compute += computeTime
	w.steps++
	w.lossSum += loss
	w.lastLoss = loss
	w.lastSize = batchSize
}

// Snapshot returns aggregated metrics and resets the window.
func (w *Window) Snapshot() Snapshot {
	snap := Snapshot{}
	total := w.data + w.compute
	if total > 0 {
		snap.ImagesPerSec = float64(w.samples) / total.Seconds()
	}
	if w.steps > 0 {
		snap.AvgDataMS = (w.data.Seconds() * 1000) / float64(w.steps)
		snap.AvgComputeMS = (w.compute.Seconds() * 1000) / float64(w.steps)
	}
	if w.samples > 0 {
		snap.WindowLossPerSample = w.lossSum / float64(w.samples)
	}
	if w.lastSize > 0 {
		snap.LastLossPerSample = w.lastLoss / float64(w.lastSize)
	}

	*w = Window{}
	return snap
}

// Snapshot represents loggable metrics.
type Snapshot struct {
	ImagesPerSec        float64
	AvgDataMS           float64
	AvgComputeMS        float64
	LastLossPerSample   float64
	WindowLossPerSample float64
}

// Running is an epoch-level loss total.
type Running struct {
	Total   float64
	Samples int
	Batches int
}

// Add folds in one batch's summed loss.
func (r *Running) Add(loss float64, samples int) {
	r.Total += loss
	r.Samples += samples
	r.Batches++
}

// Mean divides the total by n, returning 0 for an empty denominator.
func (r *Running) Mean(n int) float64 {
	if n <= 0 {
		return 0
	}
	return r.Total / float64(n)
}
