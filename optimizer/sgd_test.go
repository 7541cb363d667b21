package optimizer

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tsawler/go-scd/tensor"
	"github.com/tsawler/go-scd/training"
)

var _ Optimizer = (*SGD)(nil)
var _ training.StatefulOptimizer = (*SGD)(nil)

func newParam(name string, values ...float32) *tensor.Parameter {
	v, _ := tensor.FromData([]int{len(values)}, values)
	return &tensor.Parameter{Name: name, Kind: "weight", Value: v}
}

func setGrad(p *tensor.Parameter, grad ...float32) {
	copy(p.Value.EnsureGrad(), grad)
}

func TestDefaultSGDConfig(t *testing.T) {
	config := DefaultSGDConfig()
	assert.Equal(t, 0.01, config.LearningRate)
	assert.Zero(t, config.Momentum)
	assert.Zero(t, config.WeightDecay)
	assert.False(t, config.Nesterov)
}

func TestNewSGDValidation(t *testing.T) {
	p := newParam("w", 1)
	tests := []struct {
		name   string
		config SGDConfig
	}{
		{"negative momentum", SGDConfig{LearningRate: 0.1, Momentum: -0.1}},
		{"momentum above one", SGDConfig{LearningRate: 0.1, Momentum: 1.5}},
		{"nesterov without momentum", SGDConfig{LearningRate: 0.1, Nesterov: true}},
		{"negative learning rate", SGDConfig{LearningRate: -1}},
		{"negative weight decay", SGDConfig{LearningRate: 0.1, WeightDecay: -1}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewSGD(tt.config, []*tensor.Parameter{p})
			assert.Error(t, err)
		})
	}

	_, err := NewSGDWithGroups(DefaultSGDConfig(),
		&ParamGroup{Params: []*tensor.Parameter{p}},
		&ParamGroup{Params: []*tensor.Parameter{p}},
	)
	assert.Error(t, err, "a parameter may belong to one group only")
}

func TestVanillaStep(t *testing.T) {
	p := newParam("w", 1, 2)
	sgd, err := NewSGD(SGDConfig{LearningRate: 0.5}, []*tensor.Parameter{p})
	require.NoError(t, err)

	setGrad(p, 0.2, -0.4)
	require.NoError(t, sgd.Step())
	assert.InDeltaSlice(t, []float32{0.9, 2.2}, p.Value.Data, 1e-6)
	assert.Equal(t, uint64(1), sgd.GetStepCount())
}

func TestWeightDecay(t *testing.T) {
	p := newParam("w", 2)
	sgd, err := NewSGD(SGDConfig{LearningRate: 0.1, WeightDecay: 0.5}, []*tensor.Parameter{p})
	require.NoError(t, err)

	setGrad(p, 0)
	require.NoError(t, sgd.Step())
	// d = 0 + 0.5*2 = 1
	assert.InDelta(t, 1.9, p.Value.Data[0], 1e-6)
}

func TestMomentumAndNesterov(t *testing.T) {
	plain := newParam("w", 0)
	nesterov := newParam("w", 0)
	sgdPlain, err := NewSGD(SGDConfig{LearningRate: 1, Momentum: 0.9}, []*tensor.Parameter{plain})
	require.NoError(t, err)
	sgdNesterov, err := NewSGD(SGDConfig{LearningRate: 1, Momentum: 0.9, Nesterov: true}, []*tensor.Parameter{nesterov})
	require.NoError(t, err)

	for step := 0; step < 2; step++ {
		setGrad(plain, 1)
		setGrad(nesterov, 1)
		require.NoError(t, sgdPlain.Step())
		require.NoError(t, sgdNesterov.Step())
	}
	// plain: buf 1 then 1.9, p = -(1 + 1.9)
	assert.InDelta(t, -2.9, plain.Value.Data[0], 1e-6)
	// nesterov: d = 1 + 0.9*1 = 1.9, then 1 + 0.9*1.9 = 2.71
	assert.InDelta(t, -4.61, nesterov.Value.Data[0], 1e-5)
}

func TestSkipsParametersWithoutGradient(t *testing.T) {
	p := newParam("w", 3)
	sgd, err := NewSGD(SGDConfig{LearningRate: 1, WeightDecay: 1}, []*tensor.Parameter{p})
	require.NoError(t, err)
	require.NoError(t, sgd.Step())
	assert.Equal(t, float32(3), p.Value.Data[0])
}

func TestSetLearningRateOverwritesEveryGroup(t *testing.T) {
	a, b := newParam("a", 1), newParam("b", 1)
	sgd, err := NewSGDWithGroups(SGDConfig{},
		&ParamGroup{Params: []*tensor.Parameter{a}, LearningRate: 0.1},
		&ParamGroup{Params: []*tensor.Parameter{b}, LearningRate: 0.01},
	)
	require.NoError(t, err)

	sgd.SetLearningRate(0.5)
	for _, g := range sgd.Groups() {
		assert.Equal(t, 0.5, g.LearningRate)
	}
	assert.Equal(t, 0.5, sgd.LearningRate())
}

func TestZeroGrad(t *testing.T) {
	p := newParam("w", 1, 1)
	sgd, err := NewSGD(DefaultSGDConfig(), []*tensor.Parameter{p})
	require.NoError(t, err)
	setGrad(p, 3, 4)
	sgd.ZeroGrad()
	assert.Equal(t, []float32{0, 0}, p.Value.Grad)
}

func TestStateRoundTrip(t *testing.T) {
	config := SGDConfig{LearningRate: 0.1, Momentum: 0.9, Nesterov: true}
	p := newParam("w", 1, 2)
	sgd, err := NewSGD(config, []*tensor.Parameter{p})
	require.NoError(t, err)
	setGrad(p, 0.5, 0.5)
	require.NoError(t, sgd.Step())
	sgd.SetLearningRate(0.05)

	state, err := sgd.GetState()
	require.NoError(t, err)
	assert.Equal(t, "SGD", state.Type)
	require.Len(t, state.StateData, 1)

	q := newParam("w", 1, 2)
	restored, err := NewSGD(config, []*tensor.Parameter{q})
	require.NoError(t, err)
	require.NoError(t, restored.LoadState(state))
	assert.Equal(t, 0.05, restored.LearningRate())
	assert.Equal(t, uint64(1), restored.GetStepCount())

	// both optimizers now take identical steps
	setGrad(p, 0.1, 0.2)
	setGrad(q, 0.1, 0.2)
	q.Value.Data = append([]float32(nil), p.Value.Data...)
	require.NoError(t, sgd.Step())
	require.NoError(t, restored.Step())
	assert.Equal(t, p.Value.Data, q.Value.Data)

	state.Type = "Adam"
	assert.Error(t, restored.LoadState(state))
}
