package training

import (
	"context"
	"errors"
	"iter"

	"github.com/tsawler/go-scd/tensor"
)

// ErrClassCountMismatch aborts a run whose network emits the wrong number of classes
var ErrClassCountMismatch = errors.New("segmentation output channel count does not match class count")

// Batch is one group of co-registered image pairs with their label maps
type Batch struct {
	ImagesA *tensor.Tensor // [N,3,H,W]
	ImagesB *tensor.Tensor // [N,3,H,W]
	LabelsA *tensor.Labels // [N,H,W]
	LabelsB *tensor.Labels // [N,H,W]
}

// Size returns the number of samples in the batch
func (b *Batch) Size() int {
	return b.LabelsA.Shape[0]
}

// Output holds raw network logits for both temporal branches
type Output struct {
	Change *tensor.Tensor // [N,1,H,W] change logits
	SegA   *tensor.Tensor // [N,C,H,W] class logits for image A
	SegB   *tensor.Tensor // [N,C,H,W] class logits for image B
}

// Predictor runs a forward pass without recording anything for backward
type Predictor interface {
	Predict(imagesA, imagesB *tensor.Tensor) (*Output, error)
}

// Network is the trainee model
type Network interface {
	// Forward runs the model and keeps what Backward needs
	Forward(imagesA, imagesB *tensor.Tensor) (*Output, error)

	// Backward propagates the gradients accumulated in out's Grad buffers
	// into the parameter gradients
	Backward(out *Output) error

	// SetTraining switches between training and inference behaviour
	SetTraining(training bool)

	// Freeze returns an independent deep copy pinned to inference mode
	Freeze() (Predictor, error)

	Parameters() []*tensor.Parameter
	NumClasses() int
	Name() string
}

// Loss is a scalar objective that can push scaled gradients back into the logits it was built from
type Loss interface {
	Value() float64
	Backward(scale float64) error
}

// Criteria builds the loss terms of the composite objective
type Criteria interface {
	// Segmentation scores class logits against a label map, ignoring class 0
	Segmentation(logits *tensor.Tensor, labels *tensor.Labels) (Loss, error)

	// Change scores change logits against the binary change mask
	Change(logits *tensor.Tensor, changed []bool) (Loss, error)

	// Similarity ties the foreground (class 1..C-1) predictions of both branches
	// together on unchanged pixels and pushes them apart on changed ones
	Similarity(segA, segB *tensor.Tensor, changed []bool) (Loss, error)
}

// Optimizer updates network parameters from their accumulated gradients
type Optimizer interface {
	ZeroGrad()
	Step() error

	// SetLearningRate overwrites the rate of every parameter group
	SetLearningRate(lr float64)
	LearningRate() float64
}

// BatchLoader yields the batches of one epoch in order
type BatchLoader interface {
	Len() int
	Batches(ctx context.Context) iter.Seq2[*Batch, error]
}

// Evaluator computes change-detection scores over a full validation pass
type Evaluator interface {
	Evaluate(preds, labels []*tensor.Labels, numClasses int) (SCDScores, error)
}

// ScalarWriter receives named scalar series
type ScalarWriter interface {
	AddScalar(tag string, value float64, step int) error
}

// PredictionSink persists rendered prediction maps for one validation sample
type PredictionSink interface {
	SavePrediction(netName string, predA, predB *tensor.Labels) error
}
