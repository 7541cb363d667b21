package optimizer

import (
	"fmt"

	"github.com/tsawler/go-scd/checkpoints"
	"github.com/tsawler/go-scd/tensor"
)

// SGDConfig holds configuration for SGD optimizer
type SGDConfig struct {
	LearningRate float64
	Momentum     float64
	WeightDecay  float64
	Nesterov     bool
}

// DefaultSGDConfig returns default SGD optimizer configuration
func DefaultSGDConfig() SGDConfig {
	return SGDConfig{
		LearningRate: 0.01,
		Momentum:     0.0,
		WeightDecay:  0.0,
		Nesterov:     false,
	}
}

// ParamGroup is a set of parameters sharing a learning rate and weight decay
type ParamGroup struct {
	Params       []*tensor.Parameter
	LearningRate float64
	WeightDecay  float64
}

// SGD is stochastic gradient descent with optional momentum, Nesterov
// momentum and L2 weight decay:
//
//	d = grad + wd*p
//	buf = momentum*buf + d   (buf = d on the first step)
//	d = d + momentum*buf     (Nesterov) or d = buf
//	p -= lr*d
type SGD struct {
	Momentum float64
	Nesterov bool

	groups    []*ParamGroup
	momentum  map[*tensor.Parameter][]float32
	stepCount uint64
}

// NewSGD creates an optimizer with one parameter group
func NewSGD(config SGDConfig, params []*tensor.Parameter) (*SGD, error) {
	return NewSGDWithGroups(config, &ParamGroup{Params: params, LearningRate: config.LearningRate, WeightDecay: config.WeightDecay})
}

// NewSGDWithGroups creates an optimizer over several parameter groups. The
// config's learning rate and weight decay are ignored in favour of the groups'.
func NewSGDWithGroups(config SGDConfig, groups ...*ParamGroup) (*SGD, error) {
	if config.Momentum < 0 || config.Momentum > 1 {
		return nil, fmt.Errorf("momentum must be in [0, 1], got %f", config.Momentum)
	}
	if config.Nesterov && config.Momentum == 0 {
		return nil, fmt.Errorf("nesterov momentum requires a positive momentum")
	}
	if len(groups) == 0 {
		return nil, fmt.Errorf("no parameter groups provided")
	}
	seen := make(map[*tensor.Parameter]bool)
	for i, g := range groups {
		if g.LearningRate < 0 {
			return nil, fmt.Errorf("group %d: learning rate cannot be negative: %f", i, g.LearningRate)
		}
		if g.WeightDecay < 0 {
			return nil, fmt.Errorf("group %d: weight decay cannot be negative: %f", i, g.WeightDecay)
		}
		for _, p := range g.Params {
			if seen[p] {
				return nil, fmt.Errorf("parameter %s appears in more than one group", p.Name)
			}
			seen[p] = true
		}
	}
	return &SGD{
		Momentum: config.Momentum,
		Nesterov: config.Nesterov,
		groups:   groups,
		momentum: make(map[*tensor.Parameter][]float32),
	}, nil
}

// Groups returns the parameter groups
func (sgd *SGD) Groups() []*ParamGroup {
	return sgd.groups
}

// Step performs a single SGD optimization step. Parameters without a
// gradient buffer are skipped.
func (sgd *SGD) Step() error {
	for _, g := range sgd.groups {
		lr := float32(g.LearningRate)
		wd := float32(g.WeightDecay)
		mom := float32(sgd.Momentum)
		for _, p := range g.Params {
			grad := p.Value.Grad
			if grad == nil {
				continue
			}
			w := p.Value.Data
			if len(grad) != len(w) {
				return fmt.Errorf("parameter %s: gradient has %d values, weights have %d", p.Name, len(grad), len(w))
			}

			buf, hasBuf := sgd.momentum[p]
			if mom > 0 && !hasBuf {
				buf = make([]float32, len(w))
				sgd.momentum[p] = buf
			}
			for i := range w {
				d := grad[i] + wd*w[i]
				if mom > 0 {
					if hasBuf {
						buf[i] = mom*buf[i] + d
					} else {
						buf[i] = d
					}
					if sgd.Nesterov {
						d += mom * buf[i]
					} else {
						d = buf[i]
					}
				}
				w[i] -= lr * d
			}
		}
	}
	sgd.stepCount++
	return nil
}

// ZeroGrad clears the gradients of every parameter
func (sgd *SGD) ZeroGrad() {
	for _, g := range sgd.groups {
		for _, p := range g.Params {
			p.Value.ZeroGrad()
		}
	}
}

// SetLearningRate overwrites the learning rate of every group
func (sgd *SGD) SetLearningRate(lr float64) {
	for _, g := range sgd.groups {
		g.LearningRate = lr
	}
}

// LearningRate returns the rate of the first group
func (sgd *SGD) LearningRate() float64 {
	return sgd.groups[0].LearningRate
}

// GetStepCount returns the current step count
func (sgd *SGD) GetStepCount() uint64 {
	return sgd.stepCount
}

// GetState extracts hyperparameters and momentum buffers for checkpointing
func (sgd *SGD) GetState() (*checkpoints.OptimizerState, error) {
	state := &checkpoints.OptimizerState{
		Type: "SGD",
		Parameters: map[string]float64{
			"lr":         sgd.LearningRate(),
			"momentum":   sgd.Momentum,
			"nesterov":   boolToFloat(sgd.Nesterov),
			"step_count": float64(sgd.stepCount),
		},
	}
	for _, g := range sgd.groups {
		for _, p := range g.Params {
			buf, ok := sgd.momentum[p]
			if !ok {
				continue
			}
			state.StateData = append(state.StateData, checkpoints.WeightTensor{
				Name:  p.Name,
				Shape: append([]int(nil), p.Value.Shape...),
				Data:  append([]float32(nil), buf...),
				Layer: p.Layer,
				Type:  "momentum",
			})
		}
	}
	return state, nil
}

// LoadState restores the learning rate, step count and momentum buffers.
// Buffers are matched to parameters by name.
func (sgd *SGD) LoadState(state *checkpoints.OptimizerState) error {
	if err := validateStateType("SGD", state); err != nil {
		return err
	}
	byName := make(map[string]*tensor.Parameter)
	for _, g := range sgd.groups {
		for _, p := range g.Params {
			byName[p.Name] = p
		}
	}

	buffers := make(map[*tensor.Parameter][]float32, len(state.StateData))
	for _, st := range state.StateData {
		if st.Type != "momentum" {
			continue
		}
		p, ok := byName[st.Name]
		if !ok {
			return fmt.Errorf("momentum buffer for unknown parameter %s", st.Name)
		}
		if len(st.Data) != len(p.Value.Data) {
			return fmt.Errorf("momentum buffer %s has %d values, parameter has %d", st.Name, len(st.Data), len(p.Value.Data))
		}
		buffers[p] = append([]float32(nil), st.Data...)
	}

	sgd.momentum = buffers
	sgd.SetLearningRate(extractFloatParam(state.Parameters, "lr", sgd.LearningRate()))
	sgd.stepCount = uint64(extractFloatParam(state.Parameters, "step_count", 0))
	return nil
}
