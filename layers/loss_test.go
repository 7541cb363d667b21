package layers

import (
	"math"
	"math/rand/v2"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tsawler/go-scd/tensor"
)

func randomTensor(t *testing.T, seed uint64, shape ...int) *tensor.Tensor {
	t.Helper()
	x, err := tensor.Zeros(shape...)
	require.NoError(t, err)
	rng := rand.New(rand.NewPCG(seed, seed+1))
	for i := range x.Data {
		x.Data[i] = float32(rng.NormFloat64())
	}
	return x
}

// checkGradient compares the analytic gradient in x.Grad against central differences of f
func checkGradient(t *testing.T, x *tensor.Tensor, f func() float64) {
	t.Helper()
	const eps = 1e-2
	for i := range x.Data {
		orig := x.Data[i]
		x.Data[i] = orig + eps
		up := f()
		x.Data[i] = orig - eps
		down := f()
		x.Data[i] = orig
		numeric := (up - down) / (2 * eps)
		assert.InDelta(t, numeric, float64(x.Grad[i]), 5e-3, "gradient mismatch at %d", i)
	}
}

func TestCrossEntropyIgnoresBackground(t *testing.T) {
	logits := tensor.MustZeros(1, 3, 2, 2)
	labels, err := tensor.LabelsFromData(1, 2, 2, []int32{0, 1, 2, 0})
	require.NoError(t, err)

	loss, err := CrossEntropy2d(logits, labels)
	require.NoError(t, err)
	assert.InDelta(t, math.Log(3), loss.Value(), 1e-6)

	require.NoError(t, loss.Backward(1))
	// ignored pixels get no gradient
	for c := 0; c < 3; c++ {
		assert.Zero(t, logits.Grad[logits.Index(0, c, 0, 0)])
		assert.Zero(t, logits.Grad[logits.Index(0, c, 1, 1)])
	}
	assert.InDelta(t, (1.0/3-1)/2, float64(logits.Grad[logits.Index(0, 1, 0, 1)]), 1e-6)
}

func TestCrossEntropyWithoutValidPixels(t *testing.T) {
	logits := randomTensor(t, 1, 1, 4, 2, 2)
	labels, err := tensor.NewLabels(1, 2, 2)
	require.NoError(t, err)

	loss, err := CrossEntropy2d(logits, labels)
	require.NoError(t, err)
	assert.Zero(t, loss.Value())
	require.NoError(t, loss.Backward(1))
	assert.Nil(t, logits.Grad)
}

func TestCrossEntropyRejectsBadInput(t *testing.T) {
	logits := tensor.MustZeros(1, 3, 2, 2)

	labels, err := tensor.LabelsFromData(1, 2, 2, []int32{0, 5, 0, 0})
	require.NoError(t, err)
	_, err = CrossEntropy2d(logits, labels)
	assert.Error(t, err)

	wrong, err := tensor.NewLabels(1, 3, 2)
	require.NoError(t, err)
	_, err = CrossEntropy2d(logits, wrong)
	assert.ErrorIs(t, err, tensor.ErrShapeMismatch)
}

func TestCrossEntropyGradient(t *testing.T) {
	logits := randomTensor(t, 2, 2, 4, 2, 3)
	labels, err := tensor.LabelsFromData(2, 2, 3, []int32{0, 1, 2, 3, 1, 0, 2, 2, 0, 3, 3, 1})
	require.NoError(t, err)

	loss, err := CrossEntropy2d(logits, labels)
	require.NoError(t, err)
	require.NoError(t, loss.Backward(1))

	checkGradient(t, logits, func() float64 {
		l, err := CrossEntropy2d(logits, labels)
		require.NoError(t, err)
		return l.Value()
	})
}

func TestWeightedBCEBalancesClasses(t *testing.T) {
	logits := tensor.MustZeros(1, 1, 2, 2)
	changed := []bool{true, false, false, false}

	loss, err := WeightedBCELogits(logits, changed)
	require.NoError(t, err)
	// every pixel costs ln 2; weights sum to 0.25 + 0.75
	assert.InDelta(t, math.Ln2, loss.Value(), 1e-9)

	_, err = WeightedBCELogits(logits, []bool{true})
	assert.ErrorIs(t, err, tensor.ErrShapeMismatch)
}

func TestWeightedBCEGradient(t *testing.T) {
	logits := randomTensor(t, 3, 2, 1, 2, 2)
	changed := []bool{true, false, false, true, false, false, false, true}

	loss, err := WeightedBCELogits(logits, changed)
	require.NoError(t, err)
	require.NoError(t, loss.Backward(2))

	checkGradient(t, logits, func() float64 {
		l, err := WeightedBCELogits(logits, changed)
		require.NoError(t, err)
		return 2 * l.Value()
	})
}

func TestChangeSimilarityTargets(t *testing.T) {
	seg := randomTensor(t, 4, 1, 4, 1, 2)

	unchanged, err := ChangeSimilarity(seg, seg.Clone(), []bool{false, false})
	require.NoError(t, err)
	assert.InDelta(t, 0, unchanged.Value(), 1e-6)

	changed, err := ChangeSimilarity(seg, seg.Clone(), []bool{true, true})
	require.NoError(t, err)
	assert.InDelta(t, 1, changed.Value(), 1e-6)
}

func TestChangeSimilarityIgnoresBackgroundChannel(t *testing.T) {
	a := randomTensor(t, 5, 1, 3, 2, 2)
	b := a.Clone()
	// only channel 0 differs
	for p := 0; p < 4; p++ {
		b.Data[p] += 10
	}
	loss, err := ChangeSimilarity(a, b, []bool{false, false, false, false})
	require.NoError(t, err)
	assert.InDelta(t, 0, loss.Value(), 1e-6)

	require.NoError(t, loss.Backward(1))
	for p := 0; p < 4; p++ {
		assert.Zero(t, a.Grad[p])
		assert.Zero(t, b.Grad[p])
	}
}

func TestChangeSimilarityGradient(t *testing.T) {
	a := randomTensor(t, 6, 1, 4, 2, 2)
	b := randomTensor(t, 7, 1, 4, 2, 2)
	changed := []bool{true, false, true, false}

	loss, err := ChangeSimilarity(a, b, changed)
	require.NoError(t, err)
	require.NoError(t, loss.Backward(1))

	value := func() float64 {
		l, err := ChangeSimilarity(a, b, changed)
		require.NoError(t, err)
		return l.Value()
	}
	checkGradient(t, a, value)
	checkGradient(t, b, value)
}
