package training

import (
	"fmt"
	"math"
)

// LRScheduler defines the interface for learning rate scheduling strategies
// All schedulers are pure functions of the iteration counter
type LRScheduler interface {
	// GetLR returns the learning rate for the current epoch/step
	// step is the global (run-wide) iteration index
	GetLR(epoch int, step int, baseLR float64) float64

	// GetName returns the scheduler name for logging
	GetName() string
}

// PolyLR computes baseLR * (1 - iter/totalIters)^power.
// iter is clamped to [0, totalIters]; the result is baseLR at 0 and 0 at totalIters.
func PolyLR(iter, totalIters int, baseLR, power float64) float64 {
	if totalIters <= 0 {
		return baseLR
	}
	if iter < 0 {
		iter = 0
	}
	if iter > totalIters {
		iter = totalIters
	}
	return baseLR * math.Pow(1-float64(iter)/float64(totalIters), power)
}

// PolyLRScheduler decays the learning rate polynomially over the whole run
type PolyLRScheduler struct {
	TotalIters int     // Batches per epoch * epochs
	Power      float64 // Decay exponent, must be positive
}

// NewPolyLRScheduler creates a polynomial decay scheduler
func NewPolyLRScheduler(totalIters int, power float64) (*PolyLRScheduler, error) {
	if totalIters <= 0 {
		return nil, fmt.Errorf("total iterations must be positive, got %d", totalIters)
	}
	if power <= 0 {
		return nil, fmt.Errorf("decay power must be positive, got %f", power)
	}
	return &PolyLRScheduler{
		TotalIters: totalIters,
		Power:      power,
	}, nil
}

func (s *PolyLRScheduler) GetLR(epoch int, step int, baseLR float64) float64 {
	return PolyLR(step, s.TotalIters, baseLR, s.Power)
}

func (s *PolyLRScheduler) GetName() string {
	return "PolyLR"
}

// NoOpScheduler maintains constant learning rate
type NoOpScheduler struct{}

func (s *NoOpScheduler) GetLR(epoch int, step int, baseLR float64) float64 {
	return baseLR
}

func (s *NoOpScheduler) GetName() string {
	return "ConstantLR"
}

// NewScheduler builds the scheduler named by policy ("poly" or "constant")
func NewScheduler(policy string, totalIters int, power float64) (LRScheduler, error) {
	switch policy {
	case "", "poly":
		return NewPolyLRScheduler(totalIters, power)
	case "constant":
		return &NoOpScheduler{}, nil
	default:
		return nil, fmt.Errorf("unknown learning rate policy %q", policy)
	}
}
