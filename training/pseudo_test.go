package training

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tsawler/go-scd/tensor"
)

func probsTensor(t *testing.T, c, w int, data ...float32) *tensor.Tensor {
	t.Helper()
	p, err := tensor.FromData([]int{1, c, 1, w}, data)
	require.NoError(t, err)
	return p
}

func TestClipThresholds(t *testing.T) {
	assert.Equal(t, []float64{0.9, 0.3}, ClipThresholds([]float64{0.95, 0.3}))
	assert.Equal(t, []float64{0.01}, ClipThresholds([]float64{0.01}))
}

func TestClassThresholdsSinglePixel(t *testing.T) {
	probs := probsTensor(t, 3, 1, 0.9, 0.05, 0.05)

	thr, err := ClassThresholds(probs)
	require.NoError(t, err)
	assert.InDelta(t, 0.9, thr[0], 1e-6)
	assert.Equal(t, DefaultThreshold, thr[1])
	assert.Equal(t, DefaultThreshold, thr[2])

	confident, index, _, err := ConfidenceMask(probs)
	require.NoError(t, err)
	assert.Equal(t, []bool{true}, confident)
	assert.Equal(t, int32(0), index.Data[0])

	ens := &Ensemble{ProbsA: probs, ProbsB: probs.Clone(), Change: tensor.MustZeros(1, 1, 1, 1)}
	res, err := PseudoLabels(ens, []bool{false})
	require.NoError(t, err)
	assert.Equal(t, []int32{0}, res.Labels.Data)
	assert.Equal(t, 0, res.Kept)
}

func TestClassThresholdsTakesLowerMedian(t *testing.T) {
	// class 0 wins every pixel with 0.6, 0.8, 0.7
	probs := probsTensor(t, 2, 3,
		0.6, 0.8, 0.7,
		0.4, 0.2, 0.3,
	)
	thr, err := ClassThresholds(probs)
	require.NoError(t, err)
	assert.InDelta(t, 0.7, thr[0], 1e-6)
	assert.Equal(t, DefaultThreshold, thr[1])

	// four values: index 2 of the descending sort
	probs = probsTensor(t, 2, 4,
		0.95, 0.99, 0.97, 0.96,
		0.05, 0.01, 0.03, 0.04,
	)
	thr, err = ClassThresholds(probs)
	require.NoError(t, err)
	assert.Equal(t, MaxThreshold, thr[0])

	// even count below the cap: 0.8, 0.7, 0.6, 0.55 picks index 2, not 1
	probs = probsTensor(t, 2, 4,
		0.7, 0.8, 0.55, 0.6,
		0.3, 0.2, 0.45, 0.4,
	)
	thr, err = ClassThresholds(probs)
	require.NoError(t, err)
	assert.InDelta(t, 0.6, thr[0], 1e-6)
	assert.Equal(t, DefaultThreshold, thr[1])

	confident, _, _, err := ConfidenceMask(probs)
	require.NoError(t, err)
	assert.Equal(t, []bool{true, true, false, true}, confident)
}

func TestPseudoLabelsKeepsConfidentAgreeingUnchangedPixels(t *testing.T) {
	probs := probsTensor(t, 2, 3,
		0.1, 0.2, 0.3,
		0.9, 0.8, 0.7,
	)
	ens := &Ensemble{ProbsA: probs, ProbsB: probs.Clone(), Change: tensor.MustZeros(1, 1, 1, 3)}

	res, err := PseudoLabels(ens, []bool{false, true, false})
	require.NoError(t, err)
	// threshold for class 1 is 0.8; pixel 1 is changed, pixel 2 is not confident
	assert.Equal(t, []int32{1, 0, 0}, res.Labels.Data)
	assert.Equal(t, 1, res.Kept)
	assert.InDelta(t, 0.8, res.ThresholdsA[1], 1e-6)
}

func TestPseudoLabelsDropsDisagreement(t *testing.T) {
	probsA := probsTensor(t, 2, 2,
		0.05, 0.05,
		0.95, 0.95,
	)
	probsB := probsTensor(t, 2, 2,
		0.95, 0.05,
		0.05, 0.95,
	)
	res, err := PseudoLabels(&Ensemble{ProbsA: probsA, ProbsB: probsB}, []bool{false, false})
	require.NoError(t, err)
	assert.Equal(t, []int32{0, 1}, res.Labels.Data)

	_, err = PseudoLabels(&Ensemble{ProbsA: probsA, ProbsB: probsB}, []bool{false})
	assert.ErrorIs(t, err, tensor.ErrShapeMismatch)

	_, err = PseudoLabels(&Ensemble{ProbsA: probsA, ProbsB: probsTensor(t, 2, 1, 1, 0)}, []bool{false, false})
	assert.ErrorIs(t, err, tensor.ErrShapeMismatch)
}

func TestEnsembleFlipsLineUp(t *testing.T) {
	net := newFakeNet(3)
	teacher, err := NewTeacherManager(net)
	require.NoError(t, err)

	a, err := tensor.FromData([]int{1, 3, 2, 3}, []float32{
		-2, 0, 1, 3, -1, 2,
		0, 0, 0, 0, 0, 0,
		0, 0, 0, 0, 0, 0,
	})
	require.NoError(t, err)
	b := a.Clone()
	b.ScaleInPlace(-1)

	plain, err := NewPseudoLabeler(teacher, false).Ensemble(a, b)
	require.NoError(t, err)
	tta, err := NewPseudoLabeler(teacher, true).Ensemble(a, b)
	require.NoError(t, err)

	assert.InDeltaSlice(t, plain.ProbsA.Data, tta.ProbsA.Data, 1e-6)
	assert.InDeltaSlice(t, plain.ProbsB.Data, tta.ProbsB.Data, 1e-6)
	assert.InDeltaSlice(t, plain.Change.Data, tta.Change.Data, 1e-6)
	assert.Len(t, Views(true), 4)
	assert.Len(t, Views(false), 1)
}

func TestGenerateZeroesChangedPixels(t *testing.T) {
	net := newFakeNet(3)
	teacher, err := NewTeacherManager(net)
	require.NoError(t, err)

	// both branches see the same input, so pixels 0 and 1 get identical class-1 probabilities
	input := []float32{
		2, 2, -2, -2,
		0, 0, 0, 0,
		0, 0, 0, 0,
	}
	a, err := tensor.FromData([]int{1, 3, 1, 4}, input)
	require.NoError(t, err)
	labA, err := tensor.LabelsFromData(1, 1, 4, []int32{0, 1, 0, 0})
	require.NoError(t, err)
	labB, err := tensor.LabelsFromData(1, 1, 4, []int32{0, 2, 0, 0})
	require.NoError(t, err)
	batch := &Batch{ImagesA: a, ImagesB: a.Clone(), LabelsA: labA, LabelsB: labB}

	res, err := NewPseudoLabeler(teacher, true).Generate(batch)
	require.NoError(t, err)
	assert.Equal(t, res.Ensemble.ProbsA.At(0, 1, 0, 0), res.Ensemble.ProbsA.At(0, 1, 0, 1))
	assert.Equal(t, []int32{1, 0, 0, 0}, res.Labels.Data)
	assert.Equal(t, 1, res.Kept)
}
