package optimizer

import (
	"fmt"

	"github.com/tsawler/go-scd/checkpoints"
)

// Optimizer defines the common interface for all optimizers.
// GetState/LoadState let a checkpoint carry the optimizer buffers.
type Optimizer interface {
	// Step applies one update from the accumulated parameter gradients
	Step() error

	// ZeroGrad clears every parameter gradient
	ZeroGrad()

	// SetLearningRate overwrites the rate of every parameter group
	SetLearningRate(lr float64)
	LearningRate() float64

	// GetStepCount returns the current optimization step number
	GetStepCount() uint64

	GetState() (*checkpoints.OptimizerState, error)
	LoadState(state *checkpoints.OptimizerState) error
}

// validateStateType ensures the state type matches the optimizer
func validateStateType(optimizerType string, state *checkpoints.OptimizerState) error {
	if state == nil {
		return fmt.Errorf("optimizer state is nil")
	}
	if state.Type != optimizerType {
		return fmt.Errorf("state type mismatch: expected %s, got %s", optimizerType, state.Type)
	}
	return nil
}

// extractFloatParam reads a hyperparameter, falling back to defaultValue
func extractFloatParam(params map[string]float64, key string, defaultValue float64) float64 {
	if v, ok := params[key]; ok {
		return v
	}
	return defaultValue
}

func boolToFloat(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
