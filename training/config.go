package training

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Config holds every knob of a training run
type Config struct {
	NetName        string  `yaml:"net_name"`
	NumClasses     int     `yaml:"num_classes"`
	TrainBatchSize int     `yaml:"train_batch_size"`
	ValBatchSize   int     `yaml:"val_batch_size"`
	LearningRate   float64 `yaml:"lr"`
	LRPolicy       string  `yaml:"lr_policy"` // "poly" or "constant"
	Epochs         int     `yaml:"epochs"`
	LRDecayPower   float64 `yaml:"lr_decay_power"`
	WeightDecay    float64 `yaml:"weight_decay"`
	Momentum       float64 `yaml:"momentum"`
	Nesterov       bool    `yaml:"nesterov"`
	PrintFreq      int     `yaml:"print_freq"`   // Log training stats every N batches
	PredictStep    int     `yaml:"predict_step"` // Save prediction images every N epochs
	PseudoTrain    bool    `yaml:"psd_train"`
	PseudoTTA      bool    `yaml:"psd_tta"`
	PseudoThresh   float64 `yaml:"pseudo_thred"`
	PredDir        string  `yaml:"pred_dir"`
	CheckpointDir  string  `yaml:"chkpt_dir"`
	LogDir         string  `yaml:"log_dir"`
	LoadPath       string  `yaml:"load_path,omitempty"` // Optional checkpoint to resume weights from
	DataRoot       string  `yaml:"data_root"`
	CropSize       int     `yaml:"crop_size"`
	RandomFlip     bool    `yaml:"random_flip"`
	Prefetch       int     `yaml:"prefetch"`
	CacheSize      int     `yaml:"cache_size"`
}

// DefaultConfig returns the settings of the reference training recipe
func DefaultConfig() Config {
	return Config{
		NetName:        "PixelLinear",
		NumClasses:     7,
		TrainBatchSize: 8,
		ValBatchSize:   8,
		LearningRate:   0.1,
		LRPolicy:       "poly",
		Epochs:         50,
		LRDecayPower:   1.5,
		WeightDecay:    5e-4,
		Momentum:       0.9,
		Nesterov:       true,
		PrintFreq:      50,
		PredictStep:    5,
		PseudoTrain:    true,
		PseudoTTA:      true,
		PseudoThresh:   0.8,
		PredDir:        "results/ST",
		CheckpointDir:  "checkpoints/ST",
		LogDir:         "logs/ST",
		DataRoot:       "data/SECOND",
		CropSize:       512,
		RandomFlip:     true,
		Prefetch:       2,
		CacheSize:      256,
	}
}

// LoadConfig reads a YAML file on top of DefaultConfig
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("failed to read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	return cfg, cfg.Validate()
}

// Validate checks that every required field is usable
func (c Config) Validate() error {
	switch {
	case c.NumClasses < 2:
		return fmt.Errorf("num_classes must be at least 2, got %d", c.NumClasses)
	case c.TrainBatchSize <= 0 || c.ValBatchSize <= 0:
		return fmt.Errorf("batch sizes must be positive, got train=%d val=%d", c.TrainBatchSize, c.ValBatchSize)
	case c.LearningRate <= 0:
		return fmt.Errorf("learning rate must be positive, got %f", c.LearningRate)
	case c.Epochs <= 0:
		return fmt.Errorf("epochs must be positive, got %d", c.Epochs)
	case c.LRDecayPower <= 0:
		return fmt.Errorf("lr_decay_power must be positive, got %f", c.LRDecayPower)
	case c.WeightDecay < 0 || c.Momentum < 0:
		return fmt.Errorf("weight decay and momentum cannot be negative")
	case c.PrintFreq <= 0:
		return fmt.Errorf("print_freq must be positive, got %d", c.PrintFreq)
	case c.PredictStep <= 0:
		return fmt.Errorf("predict_step must be positive, got %d", c.PredictStep)
	case c.PseudoThresh < 0 || c.PseudoThresh > 1:
		return fmt.Errorf("pseudo_thred must be in [0, 1], got %f", c.PseudoThresh)
	case c.PredDir == "" || c.CheckpointDir == "" || c.LogDir == "":
		return fmt.Errorf("pred_dir, chkpt_dir and log_dir are required")
	}
	return nil
}
