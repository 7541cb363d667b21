package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/tsawler/go-scd/layers"
	"github.com/tsawler/go-scd/optimizer"
	"github.com/tsawler/go-scd/training"
	"github.com/tsawler/go-scd/vision/dataloader"
	"github.com/tsawler/go-scd/vision/dataset"
)

func main() {
	configPath := flag.String("config", "", "YAML training config (defaults are used when empty)")
	dataRoot := flag.String("data", "", "dataset root holding train/ and val/ (overrides data_root)")
	jsonLogs := flag.Bool("json", false, "write JSON log records")
	debug := flag.Bool("debug", false, "log pseudo-label statistics")
	seed := flag.Uint64("seed", 1, "seed for weight init, shuffling and augmentation")
	flag.Parse()

	cfg := training.DefaultConfig()
	if *configPath != "" {
		var err error
		if cfg, err = training.LoadConfig(*configPath); err != nil {
			log.Fatalf("Failed to load config: %v", err)
		}
	}
	if *dataRoot != "" {
		cfg.DataRoot = *dataRoot
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid config: %v", err)
	}

	for _, dir := range []string{cfg.PredDir, cfg.CheckpointDir, cfg.LogDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			log.Fatalf("Failed to create %s: %v", dir, err)
		}
	}

	level := slog.LevelInfo
	if *debug {
		level = slog.LevelDebug
	}
	logger := training.NewLogger(os.Stderr, level, *jsonLogs)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, *seed, logger); err != nil {
		stop()
		log.Fatalf("Training failed: %v", err)
	}
}

func run(ctx context.Context, cfg training.Config, seed uint64, logger *slog.Logger) error {
	trainSet, err := dataset.NewSCDDataset(dataset.Config{
		Root:       cfg.DataRoot,
		Split:      "train",
		CropSize:   cfg.CropSize,
		RandomFlip: cfg.RandomFlip,
		CacheSize:  cfg.CacheSize,
		Seed:       seed,
	})
	if err != nil {
		return fmt.Errorf("training set: %w", err)
	}
	valSet, err := dataset.NewSCDDataset(dataset.Config{
		Root:      cfg.DataRoot,
		Split:     "val",
		CropSize:  cfg.CropSize,
		CacheSize: cfg.CacheSize,
	})
	if err != nil {
		return fmt.Errorf("validation set: %w", err)
	}
	logger.Info("datasets loaded", "train", trainSet.Len(), "val", valSet.Len(), "root", cfg.DataRoot)

	trainLoader, err := dataloader.NewDataLoader(trainSet, dataloader.Config{
		BatchSize:  cfg.TrainBatchSize,
		Shuffle:    true,
		Prefetch:   cfg.Prefetch,
		NumWorkers: 4,
		Seed:       seed,
	})
	if err != nil {
		return err
	}
	valLoader, err := dataloader.NewDataLoader(valSet, dataloader.Config{
		BatchSize:  cfg.ValBatchSize,
		Prefetch:   cfg.Prefetch,
		NumWorkers: 4,
	})
	if err != nil {
		return err
	}

	net, err := layers.NewPixelLinearNet(cfg.NumClasses, 0.01, seed)
	if err != nil {
		return err
	}
	net.SetName(cfg.NetName)
	logger.Info("model built", "summary", net.Summary())

	opt, err := optimizer.NewSGD(optimizer.SGDConfig{
		LearningRate: cfg.LearningRate,
		Momentum:     cfg.Momentum,
		WeightDecay:  cfg.WeightDecay,
		Nesterov:     cfg.Nesterov,
	}, net.Parameters())
	if err != nil {
		return err
	}

	scalarLog, err := training.NewJSONLScalarWriter(cfg.LogDir)
	if err != nil {
		return err
	}
	defer scalarLog.Close()

	opts := []training.TrainerOption{
		training.WithLogger(logger),
		training.WithScalarWriter(training.MultiScalarWriter{scalarLog, training.NewScalarCollector()}),
		training.WithPredictionSink(dataset.PNGPredictionWriter{Dir: cfg.PredDir}),
	}
	if training.IsTerminal(os.Stdout) {
		opts = append(opts, training.WithProgress(os.Stdout))
	}

	trainer, err := training.NewTrainer(cfg, net, opt, layers.Criteria{}, trainLoader, valLoader, opts...)
	if err != nil {
		return err
	}
	if err := trainer.Fit(ctx); err != nil {
		return err
	}

	state := trainer.State()
	logger.Info("best model",
		"epoch", state.BestEpoch,
		"fscd", state.BestFscd,
		"checkpoints", len(trainer.Checkpoints().SavedFiles()),
	)
	return nil
}
