package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"vqvae-forge/internal/config"
	"vqvae-forge/internal/dataset"
	"vqvae-forge/internal/device"
	"vqvae-forge/internal/history"
	"vqvae-forge/internal/trainer"
)

func main() {
	def := config.Default()
	cfgPath := flag.String("config", "", "Path to YAML config; built-in defaults when empty")
	dataDir := flag.String("data-dir", def.DataDir, "Directory holding (or receiving) the MNIST idx files")
	resultsDir := flag.String("results-dir", def.ResultsDir, "Directory for reconstruction and sample grids")
	checkpointDir := flag.String("checkpoint-dir", def.CheckpointDir, "Save a checkpoint per epoch here and resume from the latest")
	historyDB := flag.String("history-db", def.HistoryDB, "SQLite file recording per-epoch losses")
	mirror := flag.String("mirror", def.Mirror, "Base URL to download MNIST from")
	download := flag.Bool("download", def.Download, "Download missing dataset files")
	batchSize := flag.Int("batch-size", def.BatchSize, "Input batch size for training and evaluation")
	epochs := flag.Int("epochs", def.Epochs, "Number of epochs to train")
	noAccel := flag.Bool("no-accel", def.NoAccel, "Disable parallel compute")
	seed := flag.Int64("seed", def.Seed, "Random seed")
	logInterval := flag.Int("log-interval", def.LogInterval, "Batches to wait before logging training status")
	prefetch := flag.Int("prefetch", def.Prefetch, "Loader goroutines per split")
	inputDim := flag.Int("input-dim", def.InputDim, "Flattened image size")
	hiddenDim := flag.Int("hidden-dim", def.HiddenDim, "Hidden layer width")
	embDim := flag.Int("emb-dim", def.EmbDim, "Embedding dimension")
	embNum := flag.Int("emb-num", def.EmbNum, "Number of codebook entries")
	beta := flag.Float64("beta", def.Beta, "Commitment loss weight")
	lr := flag.Float64("lr", def.LearningRate, "Adam learning rate")
	lossPolicy := flag.String("loss-policy", def.LossPolicy, "Objective terms: full, recon, recon_commit or recon_embed")

	klog.InitFlags(nil)
	flag.Parse()
	defer klog.Flush()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		check(&trainer.SetupError{Op: "config", Err: err})
	}

	given := map[string]bool{}
	flag.Visit(func(f *flag.Flag) { given[f.Name] = true })
	cfg.ApplyOverrides(config.Overrides{
		DataDir:       pick(given, "data-dir", dataDir),
		ResultsDir:    pick(given, "results-dir", resultsDir),
		CheckpointDir: pick(given, "checkpoint-dir", checkpointDir),
		HistoryDB:     pick(given, "history-db", historyDB),
		Mirror:        pick(given, "mirror", mirror),
		Download:      pick(given, "download", download),
		BatchSize:     pick(given, "batch-size", batchSize),
		Epochs:        pick(given, "epochs", epochs),
		NoAccel:       pick(given, "no-accel", noAccel),
		Seed:          pick(given, "seed", seed),
		LogInterval:   pick(given, "log-interval", logInterval),
		Prefetch:      pick(given, "prefetch", prefetch),
		InputDim:      pick(given, "input-dim", inputDim),
		HiddenDim:     pick(given, "hidden-dim", hiddenDim),
		EmbDim:        pick(given, "emb-dim", embDim),
		EmbNum:        pick(given, "emb-num", embNum),
		Beta:          pick(given, "beta", beta),
		LearningRate:  pick(given, "lr", lr),
		LossPolicy:    pick(given, "loss-policy", lossPolicy),
	})
	if err := cfg.Validate(); err != nil {
		check(&trainer.SetupError{Op: "config", Err: err})
	}
	policy, err := trainer.ParsePolicy(cfg.LossPolicy)
	if err != nil {
		check(&trainer.SetupError{Op: "config", Err: err})
	}

	dev := device.Detect(cfg.NoAccel)
	klog.Infof("device=%s simd=%v", dev, dev.HasSIMD())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	train, test, err := dataset.LoadMNIST(ctx, dataset.Options{
		Dir: cfg.DataDir,
		// Where torchvision keeps a previously downloaded copy.
		SearchDirs: []string{filepath.Join(cfg.DataDir, "MNIST", "raw")},
		Download:   cfg.Download,
		Mirror:     cfg.Mirror,
	})
	if err != nil {
		check(&trainer.SetupError{Op: "dataset", Err: err})
	}

	var store *history.Store
	if cfg.HistoryDB != "" {
		store, err = history.Open(ctx, cfg.HistoryDB)
		if err != nil {
			check(&trainer.SetupError{Op: "history", Err: err})
		}
		defer store.Close()
	}

	results, err := trainer.Run(ctx, trainer.RunConfig{
		Train:         train,
		Test:          test,
		InputDim:      cfg.InputDim,
		Epochs:        cfg.Epochs,
		BatchSize:     cfg.BatchSize,
		LogInterval:   cfg.LogInterval,
		Seed:          cfg.Seed,
		Prefetch:      cfg.Prefetch,
		HiddenDim:     cfg.HiddenDim,
		EmbDim:        cfg.EmbDim,
		EmbNum:        cfg.EmbNum,
		Beta:          cfg.Beta,
		LearningRate:  cfg.LearningRate,
		Policy:        policy,
		Device:        dev,
		ResultsDir:    cfg.ResultsDir,
		CheckpointDir: cfg.CheckpointDir,
		History:       store,
	})
	if errors.Is(err, context.Canceled) {
		klog.Infof("interrupted after %d epochs", len(results))
		return
	}
	check(err)
	if n := len(results); n > 0 {
		last := results[n-1]
		klog.Infof("done: epoch=%d train_loss=%.4f test_loss=%.4f results=%s", last.Epoch, last.TrainLoss, last.TestLoss, cfg.ResultsDir)
	}
}

// pick returns v only when the flag was given on the command line.
func pick[T any](given map[string]bool, name string, v *T) *T {
	if given[name] {
		return v
	}
	return nil
}

// check reports and exits on error.
func check(err error) {
	if err == nil {
		return
	}
	var setup *trainer.SetupError
	var num *trainer.NumericalError
	var io *trainer.IOError
	switch {
	case errors.As(err, &setup):
		klog.Fatalf("setup failed: %+v", err)
	case errors.As(err, &num):
		klog.Fatalf("training diverged: %+v", err)
	case errors.As(err, &io):
		klog.Fatalf("could not write output: %+v", err)
	default:
		klog.Fatalf("training failed: %+v", err)
	}
}
