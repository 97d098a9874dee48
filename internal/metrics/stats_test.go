package metrics

import (
	"math"
	"testing"
	"time"
)

func TestWindowSnapshot(t *testing.T) {
	var w Window
	w.Record(64, 20*time.Millisecond, 10*time.Millisecond, 128)
	w.Record(32, 10*time.Millisecond, 20*time.Millisecond, 16)
	snap := w.Snapshot()
	if math.Abs(snap.ImagesPerSec-1600) > 1 {
		t.Fatalf("unexpected throughput %.2f", snap.ImagesPerSec)
	}
	if math.Abs(snap.AvgDataMS-15) > 1e-9 || math.Abs(snap.AvgComputeMS-15) > 1e-9 {
		t.Fatalf("unexpected timings data=%.3f compute=%.3f", snap.AvgDataMS, snap.AvgComputeMS)
	}
	if w.samples != 0 || w.steps != 0 || w.lossSum != 0 {
		t.Fatalf("window was not reset")
	}
	if snap.LastLossPerSample != 0.5 {
		t.Fatalf("expected last loss 0.5, got %.4f", snap.LastLossPerSample)
	}
	if snap.WindowLossPerSample != 1.5 {
		t.Fatalf("expected window loss 1.5, got %.4f", snap.WindowLossPerSample)
	}
}

func TestEmptySnapshot(t *testing.T) {
	var w Window
	if snap := w.Snapshot(); snap != (Snapshot{}) {
		t.Fatalf("expected zero snapshot, got %+v", snap)
	}
}

func TestRunningMean(t *testing.T) {
	var r Running
	if r.Mean(0) != 0 {
		t.Fatal("empty mean must be 0")
	}
	r.Add(10, 4)
	r.Add(5, 1)
	if r.Mean(5) != 3 || r.Samples != 5 || r.Batches != 2 {
		t.Fatalf("unexpected running %+v mean=%v", r, r.Mean(5))
	}
}
