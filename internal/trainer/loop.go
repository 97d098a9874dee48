package trainer

import (
	"context"
	"math"
	"time"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"vqvae-forge/internal/artifact"
	"vqvae-forge/internal/autograd"
	"vqvae-forge/internal/dataset"
	"vqvae-forge/internal/metrics"
	"vqvae-forge/internal/model"
)

const (
	defaultLogInterval = 10
	// comparisonRows is how many inputs the reconstruction artifact shows.
	comparisonRows = 8
	sampleGridRow  = 8
)

// Optimizer is the slice of an optimizer the loop drives.
type Optimizer interface {
	ZeroGrad()
	Step() error
}

// Options configures a Trainer.
type Options struct {
	Policy      LossPolicy
	Beta        float64
	LogInterval int
	// Writer receives reconstruction and sample grids. Nil disables them.
	Writer *artifact.Writer
	// Trace, when set, sees every protocol transition.
	Trace func(Stage)
}

// Trainer runs epochs of the two-stage update over a model.
type Trainer struct {
	model  model.Model
	opt    Optimizer
	opts   Options
	proto  protocol
	policy LossPolicy
}

// New builds a Trainer. The policy is validated here so a bad name fails
// before the first batch.
func New(m model.Model, opt Optimizer, opts Options) (*Trainer, error) {
	if m == nil || opt == nil {
		return nil, setupErr("trainer", errors.New("model and optimizer are required"))
	}
	policy, err := ParsePolicy(string(opts.Policy))
	if err != nil {
		return nil, setupErr("loss policy", err)
	}
	if opts.LogInterval <= 0 {
		opts.LogInterval = defaultLogInterval
	}
	return &Trainer{
		model:  m,
		opt:    opt,
		opts:   opts,
		proto:  protocol{trace: opts.Trace},
		policy: policy,
	}, nil
}

// Stage reports the last completed protocol step.
func (t *Trainer) Stage() Stage { return t.proto.stage }

// step runs one batch through forward, clear, backward with retained graph,
// straight-through backward and the optimizer update. It returns the
// batch objective.
func (t *Trainer) step(epoch int, b dataset.Batch) (float64, error) {
	out, err := t.model.Forward(b.Inputs)
	if err != nil {
		return 0, errors.Wrapf(err, "forward epoch %d batch %d", epoch, b.Index)
	}
	obj, err := t.policy.Objective(out, t.opts.Beta)
	if err != nil {
		return 0, err
	}
	loss := obj.Scalar()
	if math.IsNaN(loss) || math.IsInf(loss, 0) {
		return 0, &NumericalError{Phase: "train", Epoch: epoch, Batch: b.Index, Loss: loss}
	}
	if err := t.proto.advance(StageForward); err != nil {
		return 0, err
	}

	t.opt.ZeroGrad()
	if err := t.proto.advance(StageCleared); err != nil {
		return 0, err
	}

	if err := out.Tape.Backward(obj, autograd.RetainGraph); err != nil {
		return 0, errors.Wrap(err, "stage 1 backward")
	}
	if err := t.proto.advance(StageBackward1); err != nil {
		return 0, err
	}

	if err := t.model.Backward2(); err != nil {
		return 0, errors.Wrap(err, "stage 2 backward")
	}
	if err := t.proto.advance(StageBackward2); err != nil {
		return 0, err
	}

	if err := t.opt.Step(); err != nil {
		return 0, errors.Wrap(err, "optimizer step")
	}
	if err := t.proto.advance(StageStepped); err != nil {
		return 0, err
	}
	return loss, nil
}

// TrainEpoch runs one pass over loader and returns the summed objective
// divided by the number of training samples.
func (t *Trainer) TrainEpoch(ctx context.Context, epoch int, loader *dataset.Loader) (float64, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	batches, errs := loader.Epoch(ctx, epoch)

	var window metrics.Window
	var total metrics.Running
	for {
		startData := time.Now()
		b, ok := <-batches
		if !ok {
			break
		}
		dataTime := time.Since(startData)

		startCompute := time.Now()
		loss, err := t.step(epoch, b)
		if err != nil {
			return 0, err
		}
		window.Record(b.Size(), dataTime, time.Since(startCompute), loss)
		total.Add(loss, b.Size())

		if b.Index%t.opts.LogInterval == 0 {
			snap := window.Snapshot()
			klog.Infof("Train Epoch: %d [%d/%d (%.0f%%)]\tLoss: %.6f",
				epoch,
				b.Index*loader.BatchSize(),
				loader.Len(),
				100*float64(b.Index)/float64(loader.NumBatches()),
				snap.LastLossPerSample,
			)
			klog.V(1).Infof("epoch=%d batch=%d images_per_sec=%.1f data_ms=%.2f compute_ms=%.2f window_loss=%.6f",
				epoch, b.Index, snap.ImagesPerSec, snap.AvgDataMS, snap.AvgComputeMS, snap.WindowLossPerSample)
		}
	}
	if err := <-errs; err != nil {
		return 0, errors.Wrapf(err, "train epoch %d", epoch)
	}

	avg := total.Mean(loader.Len())
	klog.Infof("====> Epoch: %d Average loss: %.4f", epoch, avg)
	return avg, nil
}

// EvalResult is the outcome of one evaluation pass.
type EvalResult struct {
	Loss float64
	// Reconstruction is the path of the comparison grid, empty when no
	// batch was seen or artifacts are disabled.
	Reconstruction string
}

// Evaluate runs inference over loader. The first batch's inputs and
// reconstructions are saved as reconstruction_<epoch>.png. An empty split
// reports a loss of 0.
func (t *Trainer) Evaluate(ctx context.Context, epoch int, loader *dataset.Loader) (EvalResult, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	batches, errs := loader.Epoch(ctx, epoch)

	var res EvalResult
	var total metrics.Running
	for b := range batches {
		out, err := t.model.Infer(b.Inputs)
		if err != nil {
			return EvalResult{}, errors.Wrapf(err, "eval epoch %d batch %d", epoch, b.Index)
		}
		loss := t.policy.Value(out.Losses, t.opts.Beta)
		if math.IsNaN(loss) || math.IsInf(loss, 0) {
			return EvalResult{}, &NumericalError{Phase: "eval", Epoch: epoch, Batch: b.Index, Loss: loss}
		}
		total.Add(loss, b.Size())

		if b.Index == 0 && t.opts.Writer != nil {
			saved, err := t.opts.Writer.SaveComparison(artifact.ReconstructionName(epoch), b.Inputs, out.Recon, comparisonRows)
			if err != nil {
				return EvalResult{}, &IOError{Op: "reconstruction grid", Err: err}
			}
			res.Reconstruction = saved.Path
		}
	}
	if err := <-errs; err != nil {
		return EvalResult{}, errors.Wrapf(err, "eval epoch %d", epoch)
	}

	res.Loss = total.Mean(loader.Len())
	klog.Infof("====> Test set loss: %.4f", res.Loss)
	return res, nil
}

// Sample decodes every codebook entry and saves the grid as
// sample_<epoch>.png, one tile per entry.
func (t *Trainer) Sample(epoch int) (artifact.Saved, error) {
	images, err := t.model.Decode(t.model.Codebook())
	if err != nil {
		return artifact.Saved{}, errors.Wrap(err, "decode codebook")
	}
	if t.opts.Writer == nil {
		n, _ := images.Dims()
		return artifact.Saved{Tiles: n}, nil
	}
	saved, err := t.opts.Writer.SaveGrid(artifact.SampleName(epoch), images, sampleGridRow)
	if err != nil {
		return artifact.Saved{}, &IOError{Op: "sample grid", Err: err}
	}
	return saved, nil
}
