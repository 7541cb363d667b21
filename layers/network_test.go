package layers

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tsawler/go-scd/tensor"
	"github.com/tsawler/go-scd/training"
)

var _ training.Network = (*PixelLinearNet)(nil)
var _ training.Criteria = Criteria{}

func TestPixelLinearNetShapes(t *testing.T) {
	net, err := NewPixelLinearNet(7, 0.1, 1)
	require.NoError(t, err)

	a := randomTensor(t, 1, 2, 3, 4, 5)
	b := randomTensor(t, 2, 2, 3, 4, 5)
	out, err := net.Forward(a, b)
	require.NoError(t, err)

	assert.Equal(t, []int{2, 7, 4, 5}, out.SegA.Shape)
	assert.Equal(t, []int{2, 7, 4, 5}, out.SegB.Shape)
	assert.Equal(t, []int{2, 1, 4, 5}, out.Change.Shape)
	assert.Contains(t, net.Summary(), "Total parameters: 32")
}

func TestPixelLinearNetRejectsBadInput(t *testing.T) {
	_, err := NewPixelLinearNet(1, 0, 0)
	assert.Error(t, err)

	net, err := NewPixelLinearNet(3, 0, 0)
	require.NoError(t, err)

	_, err = net.Forward(tensor.MustZeros(1, 4, 2, 2), tensor.MustZeros(1, 4, 2, 2))
	assert.Error(t, err)
	_, err = net.Forward(tensor.MustZeros(1, 3, 2, 2), tensor.MustZeros(1, 3, 2, 3))
	assert.ErrorIs(t, err, tensor.ErrShapeMismatch)
}

func TestPixelLinearNetChangeHeadSeesDifference(t *testing.T) {
	net, err := NewPixelLinearNet(3, 0, 0)
	require.NoError(t, err)
	net.changeWeight.Value.Data = []float32{1, 1, 1}

	a := randomTensor(t, 3, 1, 3, 2, 2)
	out, err := net.Forward(a, a.Clone())
	require.NoError(t, err)
	for _, v := range out.Change.Data {
		assert.Zero(t, v)
	}
}

func TestFreezeIsIndependent(t *testing.T) {
	net, err := NewPixelLinearNet(4, 0.5, 3)
	require.NoError(t, err)
	a := randomTensor(t, 4, 1, 3, 2, 2)
	b := randomTensor(t, 5, 1, 3, 2, 2)

	frozen, err := net.Freeze()
	require.NoError(t, err)
	before, err := frozen.Predict(a, b)
	require.NoError(t, err)

	for _, p := range net.Parameters() {
		for i := range p.Value.Data {
			p.Value.Data[i] += 1
		}
	}

	after, err := frozen.Predict(a, b)
	require.NoError(t, err)
	assert.Equal(t, before.SegA.Data, after.SegA.Data)
	assert.Equal(t, before.Change.Data, after.Change.Data)

	live, err := net.Forward(a, b)
	require.NoError(t, err)
	assert.NotEqual(t, before.SegA.Data, live.SegA.Data)
}

func TestBackwardRequiresTrainingForward(t *testing.T) {
	net, err := NewPixelLinearNet(3, 0, 0)
	require.NoError(t, err)
	net.SetTraining(false)

	out, err := net.Forward(tensor.MustZeros(1, 3, 2, 2), tensor.MustZeros(1, 3, 2, 2))
	require.NoError(t, err)
	assert.Error(t, net.Backward(out))
}

func TestPixelLinearNetGradient(t *testing.T) {
	net, err := NewPixelLinearNet(3, 0.3, 9)
	require.NoError(t, err)
	a := randomTensor(t, 6, 1, 3, 2, 2)
	b := randomTensor(t, 7, 1, 3, 2, 2)
	labelsA, err := tensor.LabelsFromData(1, 2, 2, []int32{1, 0, 2, 1})
	require.NoError(t, err)
	labelsB, err := tensor.LabelsFromData(1, 2, 2, []int32{2, 1, 0, 1})
	require.NoError(t, err)
	batch := &training.Batch{ImagesA: a, ImagesB: b, LabelsA: labelsA, LabelsB: labelsB}
	assembler := training.NewLossAssembler(Criteria{})

	objective := func() float64 {
		out, err := net.Forward(a, b)
		require.NoError(t, err)
		loss, err := assembler.Assemble(out, batch, nil)
		require.NoError(t, err)
		return loss.Value()
	}

	out, err := net.Forward(a, b)
	require.NoError(t, err)
	loss, err := assembler.Assemble(out, batch, nil)
	require.NoError(t, err)
	require.NoError(t, loss.Backward(1))
	require.NoError(t, net.Backward(out))

	for _, p := range net.Parameters() {
		checkGradient(t, p.Value, objective)
	}
}

func TestPixelLinearNetName(t *testing.T) {
	net, err := NewPixelLinearNet(3, 0, 0)
	require.NoError(t, err)
	assert.Equal(t, "PixelLinear", net.Name())

	net.SetName("SSCDl")
	net.SetName("")
	assert.Equal(t, "SSCDl", net.Name())
}
