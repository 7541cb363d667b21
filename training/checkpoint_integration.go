package training

import (
	"fmt"
	"path/filepath"

	"github.com/tsawler/go-scd/checkpoints"
)

// CheckpointConfig configures checkpoint saving behavior
type CheckpointConfig struct {
	SaveDirectory string                       // Directory to save checkpoints
	Format        checkpoints.CheckpointFormat // Binary or JSON
}

// DefaultCheckpointConfig returns the binary format in cfg's checkpoint directory
func DefaultCheckpointConfig(cfg Config) CheckpointConfig {
	return CheckpointConfig{
		SaveDirectory: cfg.CheckpointDir,
		Format:        checkpoints.FormatBinary,
	}
}

// StatefulOptimizer is an Optimizer whose buffers travel with a checkpoint
type StatefulOptimizer interface {
	Optimizer
	GetState() (*checkpoints.OptimizerState, error)
	LoadState(state *checkpoints.OptimizerState) error
}

// CheckpointManager writes trainee weights whenever validation improves
type CheckpointManager struct {
	config     CheckpointConfig
	saver      *checkpoints.CheckpointSaver
	savedFiles []string
}

// NewCheckpointManager creates a new checkpoint manager
func NewCheckpointManager(config CheckpointConfig) *CheckpointManager {
	return &CheckpointManager{
		config: config,
		saver:  checkpoints.NewCheckpointSaver(config.Format),
	}
}

// CheckpointFilename formats the name of a best-model checkpoint.
// Scores are written as percentages with two decimals.
func CheckpointFilename(netName string, epoch int, s SCDScores, ext string) string {
	return fmt.Sprintf("%s_%de_mIoU%.2f_Sek%.2f_Fscd%.2f_OA%.2f.%s",
		netName, epoch, s.MIoU*100, s.Sek*100, s.Fscd*100, s.Accuracy*100, ext)
}

// SaveBest writes the trainee weights and returns the file path.
// The directory must already exist.
func (cm *CheckpointManager) SaveBest(net Network, opt Optimizer, state *TrainingState, r EpochResult) (string, error) {
	lr := opt.LearningRate()
	cp := &checkpoints.Checkpoint{
		Weights: checkpoints.ExtractWeights(net.Parameters()),
		TrainingState: checkpoints.TrainingState{
			Epoch:        r.Epoch,
			Step:         state.Iteration,
			LearningRate: lr,
			MIoU:         r.Val.MIoU,
			Sek:          r.Val.Sek,
			Fscd:         r.Val.Fscd,
			Accuracy:     r.Val.Accuracy,
			Loss:         r.ValLoss,
		},
		Metadata: checkpoints.CheckpointMetadata{
			NetName:     net.Name(),
			Description: fmt.Sprintf("best validation Fscd at epoch %d", r.Epoch),
		},
	}

	if so, ok := opt.(StatefulOptimizer); ok {
		optState, err := so.GetState()
		if err != nil {
			return "", fmt.Errorf("failed to capture optimizer state: %w", err)
		}
		cp.OptimizerState = optState
	}

	name := CheckpointFilename(net.Name(), r.Epoch, r.Val, cm.config.Format.Extension())
	path := filepath.Join(cm.config.SaveDirectory, name)
	if err := cm.saver.SaveCheckpoint(cp, path); err != nil {
		return "", fmt.Errorf("failed to save checkpoint %s: %w", name, err)
	}
	cm.savedFiles = append(cm.savedFiles, path)
	return path, nil
}

// SavedFiles returns every checkpoint written so far, oldest first
func (cm *CheckpointManager) SavedFiles() []string {
	return append([]string(nil), cm.savedFiles...)
}

// Restore loads trainee weights, and optimizer buffers when both the file and
// opt carry them. The format is taken from the file extension.
func Restore(net Network, opt Optimizer, path string) (*checkpoints.Checkpoint, error) {
	format := checkpoints.FormatBinary
	if filepath.Ext(path) == ".json" {
		format = checkpoints.FormatJSON
	}
	cp, err := checkpoints.NewCheckpointSaver(format).LoadCheckpoint(path)
	if err != nil {
		return nil, err
	}
	if err := checkpoints.LoadWeights(cp.Weights, net.Parameters()); err != nil {
		return nil, fmt.Errorf("failed to restore %s: %w", path, err)
	}
	if so, ok := opt.(StatefulOptimizer); ok && cp.OptimizerState != nil {
		if err := so.LoadState(cp.OptimizerState); err != nil {
			return nil, fmt.Errorf("failed to restore optimizer from %s: %w", path, err)
		}
	}
	return cp, nil
}
