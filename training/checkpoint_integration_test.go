package training

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tsawler/go-scd/checkpoints"
)

func TestCheckpointFilename(t *testing.T) {
	s := SCDScores{MIoU: 0.7312, Sek: 0.2251, Fscd: 0.6105, Accuracy: 0.8799}
	assert.Equal(t, "NET_12e_mIoU73.12_Sek22.51_Fscd61.05_OA87.99.pth", CheckpointFilename("NET", 12, s, "pth"))
}

func TestSaveBestAndRestore(t *testing.T) {
	dir := t.TempDir()
	net := newFakeNet(3)
	net.params[0].Value.Data[0] = -2.5

	state := NewTrainingState()
	state.Iteration = 40
	cm := NewCheckpointManager(CheckpointConfig{SaveDirectory: dir, Format: checkpoints.FormatBinary})
	path, err := cm.SaveBest(net, &fakeOptimizer{lr: 0.02}, state, epochResult(5, 0.5))
	require.NoError(t, err)
	assert.Equal(t, dir, filepath.Dir(path))
	assert.Equal(t, []string{path}, cm.SavedFiles())

	fresh := newFakeNet(3)
	cp, err := Restore(fresh, &fakeOptimizer{}, path)
	require.NoError(t, err)
	assert.Equal(t, float32(-2.5), fresh.params[0].Value.Data[0])
	assert.Equal(t, 5, cp.TrainingState.Epoch)
	assert.Equal(t, 40, cp.TrainingState.Step)
	assert.Equal(t, 0.02, cp.TrainingState.LearningRate)
	assert.Equal(t, 0.5, cp.TrainingState.Fscd)
	assert.Equal(t, "FAKE", cp.Metadata.NetName)
	assert.Nil(t, cp.OptimizerState)
}

func TestRestoreRejectsForeignWeights(t *testing.T) {
	dir := t.TempDir()
	net := newFakeNet(3)
	net.params[0].Name = "other"

	cm := NewCheckpointManager(DefaultCheckpointConfig(Config{CheckpointDir: dir}))
	path, err := cm.SaveBest(net, &fakeOptimizer{}, NewTrainingState(), epochResult(0, 0.1))
	require.NoError(t, err)

	_, err = Restore(newFakeNet(3), &fakeOptimizer{}, path)
	assert.Error(t, err)
}
