package trainer

import (
	"context"
	"math"
	"time"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"vqvae-forge/internal/artifact"
	"vqvae-forge/internal/checkpoint"
	"vqvae-forge/internal/dataset"
	"vqvae-forge/internal/device"
	"vqvae-forge/internal/history"
	"vqvae-forge/internal/model"
	"vqvae-forge/internal/optim"
)

// RunConfig captures the knobs required by the training run.
type RunConfig struct {
	Train, Test *dataset.Dataset
	// InputDim, when set, must match the flattened image size.
	InputDim int

	Epochs      int
	BatchSize   int
	LogInterval int
	Seed        int64
	// Prefetch is the number of loader goroutines per split.
	Prefetch int

	HiddenDim    int
	EmbDim       int
	EmbNum       int
	Beta         float64
	LearningRate float64
	Policy       LossPolicy

	Device     device.Device
	ResultsDir string

	// CheckpointDir enables a checkpoint per epoch and resuming from the
	// latest one found there.
	CheckpointDir string
	// History, when set, records the run and every epoch.
	History *history.Store
}

// EpochResult is what one epoch produced.
type EpochResult struct {
	Epoch          int
	TrainLoss      float64
	TestLoss       float64
	Reconstruction string
	Sample         string
	Checkpoint     string
	Duration       time.Duration
}

// Run executes epochs 1..Epochs: train, evaluate, sample. Cancelling ctx
// stops at the next batch boundary.
func Run(ctx context.Context, cfg RunConfig) ([]EpochResult, error) {
	if cfg.Epochs <= 0 {
		return nil, setupErr("config", errors.Errorf("epochs must be > 0 (got %d)", cfg.Epochs))
	}
	if cfg.Train == nil || cfg.Test == nil {
		return nil, setupErr("dataset", errors.New("train and test splits are required"))
	}
	dim := cfg.Train.Dim()
	if cfg.Test.Dim() != dim {
		return nil, setupErr("dataset", errors.Errorf("train images have %d pixels, test images %d", dim, cfg.Test.Dim()))
	}
	if cfg.InputDim > 0 && cfg.InputDim != dim {
		return nil, setupErr("dataset", errors.Errorf("input_dim is %d but images have %d pixels", cfg.InputDim, dim))
	}
	side := int(math.Sqrt(float64(dim)))
	if side*side != dim {
		return nil, setupErr("dataset", errors.Errorf("image size %d is not square", dim))
	}
	policy, err := ParsePolicy(string(cfg.Policy))
	if err != nil {
		return nil, setupErr("loss policy", err)
	}

	trainLoader, err := dataset.NewLoader(cfg.Train, dataset.LoaderOptions{
		BatchSize:  cfg.BatchSize,
		Shuffle:    true,
		Seed:       cfg.Seed,
		NumWorkers: cfg.Prefetch,
	})
	if err != nil {
		return nil, setupErr("train loader", err)
	}
	testLoader, err := dataset.NewLoader(cfg.Test, dataset.LoaderOptions{
		BatchSize:  cfg.BatchSize,
		NumWorkers: cfg.Prefetch,
	})
	if err != nil {
		return nil, setupErr("test loader", err)
	}

	vq, err := model.NewVQVAE(model.Config{
		InputDim:  dim,
		HiddenDim: cfg.HiddenDim,
		EmbDim:    cfg.EmbDim,
		EmbNum:    cfg.EmbNum,
		Seed:      cfg.Seed,
		Workers:   cfg.Device.Workers,
	})
	if err != nil {
		return nil, setupErr("model", err)
	}
	adamCfg := optim.DefaultAdamConfig()
	if cfg.LearningRate > 0 {
		adamCfg.LearningRate = cfg.LearningRate
	}
	adam := optim.NewAdam(vq.Parameters(), adamCfg)

	writer, err := artifact.NewWriter(cfg.ResultsDir, side)
	if err != nil {
		return nil, setupErr("results dir", err)
	}
	tr, err := New(vq, adam, Options{
		Policy:      policy,
		Beta:        cfg.Beta,
		LogInterval: cfg.LogInterval,
		Writer:      writer,
	})
	if err != nil {
		return nil, err
	}

	first := 1
	if cfg.CheckpointDir != "" {
		resumed, err := resume(cfg.CheckpointDir, vq, adam)
		if err != nil {
			return nil, setupErr("resume", err)
		}
		first = resumed + 1
	}

	var runID int64
	if cfg.History != nil {
		prev, ok, err := cfg.History.LastRun(ctx)
		if err != nil {
			return nil, setupErr("history", err)
		}
		if ok {
			klog.Infof("previous run %d started %s (seed=%d policy=%s device=%s)",
				prev.ID, prev.StartedAt.Format(time.RFC3339), prev.Seed, prev.LossPolicy, prev.Device)
		}
		runID, err = cfg.History.BeginRun(ctx, history.Run{
			StartedAt:  time.Now(),
			Seed:       cfg.Seed,
			BatchSize:  cfg.BatchSize,
			EmbDim:     cfg.EmbDim,
			EmbNum:     cfg.EmbNum,
			Beta:       cfg.Beta,
			LossPolicy: string(policy),
			Device:     cfg.Device.String(),
		})
		if err != nil {
			return nil, setupErr("history", err)
		}
	}

	klog.Infof("device=%s train=%d test=%d batch_size=%d epochs=%d policy=%s beta=%g lr=%g results=%s",
		cfg.Device, trainLoader.Len(), testLoader.Len(), cfg.BatchSize, cfg.Epochs, policy, cfg.Beta,
		adam.LearningRate(), writer.Dir())

	var results []EpochResult
	for epoch := first; epoch <= cfg.Epochs; epoch++ {
		if err := ctx.Err(); err != nil {
			return results, err
		}
		start := time.Now()
		res := EpochResult{Epoch: epoch}

		if res.TrainLoss, err = tr.TrainEpoch(ctx, epoch, trainLoader); err != nil {
			return results, err
		}
		eval, err := tr.Evaluate(ctx, epoch, testLoader)
		if err != nil {
			return results, err
		}
		res.TestLoss, res.Reconstruction = eval.Loss, eval.Reconstruction

		sample, err := tr.Sample(epoch)
		if err != nil {
			return results, err
		}
		res.Sample = sample.Path

		if cfg.CheckpointDir != "" {
			path, err := checkpoint.Save(cfg.CheckpointDir, snapshot(epoch, vq, adam))
			if err != nil {
				return results, &IOError{Op: "checkpoint", Err: err}
			}
			res.Checkpoint = path
		}
		res.Duration = time.Since(start)

		if cfg.History != nil {
			err := cfg.History.RecordEpoch(ctx, runID, history.Epoch{
				Epoch:          epoch,
				TrainLoss:      res.TrainLoss,
				TestLoss:       res.TestLoss,
				Reconstruction: res.Reconstruction,
				Sample:         res.Sample,
				Duration:       res.Duration,
			})
			if err != nil {
				klog.Warningf("history: epoch %d not recorded: %v", epoch, err)
			}
		}
		results = append(results, res)
	}
	return results, nil
}

func snapshot(epoch int, vq *model.VQVAE, adam *optim.Adam) *checkpoint.Checkpoint {
	c := &checkpoint.Checkpoint{Epoch: epoch}
	params := vq.Parameters()
	for _, p := range params {
		c.Params = append(c.Params, checkpoint.FromDense(p.Name(), p.Value()))
	}
	st := adam.State()
	c.OptimizerStep = st.Step
	for i, p := range params {
		c.AdamM = append(c.AdamM, checkpoint.FromDense(p.Name(), st.M[i]))
		c.AdamV = append(c.AdamV, checkpoint.FromDense(p.Name(), st.V[i]))
	}
	return c
}

// resume loads the latest checkpoint in dir into vq and adam and returns its
// epoch, or 0 when there is none.
func resume(dir string, vq *model.VQVAE, adam *optim.Adam) (int, error) {
	path, err := checkpoint.Latest(dir)
	if err != nil || path == "" {
		return 0, err
	}
	c, err := checkpoint.Load(path)
	if err != nil {
		return 0, err
	}
	params := vq.Parameters()
	if len(c.Params) != len(params) {
		return 0, errors.Errorf("%s has %d parameters, model has %d", path, len(c.Params), len(params))
	}
	for i, p := range params {
		t := c.Params[i]
		r, cols := p.Value().Dims()
		if t.Name != p.Name() || t.Rows != r || t.Cols != cols {
			return 0, errors.Errorf("%s: parameter %d is %s %dx%d, model has %s %dx%d",
				path, i, t.Name, t.Rows, t.Cols, p.Name(), r, cols)
		}
	}
	st := optim.State{Step: c.OptimizerStep}
	for i := range c.AdamM {
		st.M = append(st.M, c.AdamM[i].Dense())
	}
	for i := range c.AdamV {
		st.V = append(st.V, c.AdamV[i].Dense())
	}
	if err := adam.LoadState(st); err != nil {
		return 0, err
	}
	for i, p := range params {
		p.Value().Copy(c.Params[i].Dense())
	}
	klog.Infof("resumed from %s (epoch %d, step %d)", path, c.Epoch, adam.StepCount())
	return c.Epoch, nil
}
