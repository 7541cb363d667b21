package training

import (
	"context"
	"iter"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/tsawler/go-scd/tensor"
)

// fakeNet emits class-1 logits w*x from channel 0 of each input and a zero
// change head. It reports classes but emits emit channels.
type fakeNet struct {
	classes  int
	emit     int
	params   []*tensor.Parameter
	training bool
	forwards int
}

func newFakeNet(classes int) *fakeNet {
	w := tensor.MustZeros(1)
	w.Data[0] = 1
	return &fakeNet{
		classes: classes,
		emit:    classes,
		params:  []*tensor.Parameter{{Name: "w", Layer: "fake", Kind: "weight", Value: w}},
	}
}

func fakeForward(w float32, emit int, a, b *tensor.Tensor) (*Output, error) {
	n, _, h, wd, err := a.Dims4()
	if err != nil {
		return nil, err
	}
	out := &Output{
		SegA:   tensor.MustZeros(n, emit, h, wd),
		SegB:   tensor.MustZeros(n, emit, h, wd),
		Change: tensor.MustZeros(n, 1, h, wd),
	}
	for i := 0; i < n; i++ {
		for y := 0; y < h; y++ {
			for x := 0; x < wd; x++ {
				out.SegA.Set(i, 1, y, x, w*a.At(i, 0, y, x))
				out.SegB.Set(i, 1, y, x, w*b.At(i, 0, y, x))
			}
		}
	}
	return out, nil
}

func (f *fakeNet) Forward(a, b *tensor.Tensor) (*Output, error) {
	f.forwards++
	return fakeForward(f.params[0].Value.Data[0], f.emit, a, b)
}

func (f *fakeNet) Backward(out *Output) error { return nil }

func (f *fakeNet) SetTraining(training bool) { f.training = training }

func (f *fakeNet) Freeze() (Predictor, error) {
	return fakePredictor{w: f.params[0].Value.Data[0], emit: f.emit}, nil
}

func (f *fakeNet) Parameters() []*tensor.Parameter { return f.params }
func (f *fakeNet) NumClasses() int                 { return f.classes }
func (f *fakeNet) Name() string                    { return "FAKE" }

type fakePredictor struct {
	w    float32
	emit int
}

func (p fakePredictor) Predict(a, b *tensor.Tensor) (*Output, error) {
	return fakeForward(p.w, p.emit, a, b)
}

type fakeLoss struct {
	value  float64
	scales []float64
}

func (l *fakeLoss) Value() float64 { return l.value }

func (l *fakeLoss) Backward(scale float64) error {
	l.scales = append(l.scales, scale)
	return nil
}

// fakeCriteria scores segmentation by the sum of the label map
type fakeCriteria struct {
	segCalls int
	losses   []*fakeLoss
}

func (c *fakeCriteria) record(v float64) *fakeLoss {
	l := &fakeLoss{value: v}
	c.losses = append(c.losses, l)
	return l
}

func (c *fakeCriteria) Segmentation(logits *tensor.Tensor, labels *tensor.Labels) (Loss, error) {
	c.segCalls++
	var sum float64
	for _, v := range labels.Data {
		sum += float64(v)
	}
	return c.record(sum), nil
}

func (c *fakeCriteria) Change(logits *tensor.Tensor, changed []bool) (Loss, error) {
	return c.record(3), nil
}

func (c *fakeCriteria) Similarity(segA, segB *tensor.Tensor, changed []bool) (Loss, error) {
	return c.record(5), nil
}

type fakeOptimizer struct {
	lr    float64
	lrs   []float64
	steps int
	zeros int
}

func (o *fakeOptimizer) ZeroGrad()   { o.zeros++ }
func (o *fakeOptimizer) Step() error { o.steps++; return nil }

func (o *fakeOptimizer) SetLearningRate(lr float64) {
	o.lr = lr
	o.lrs = append(o.lrs, lr)
}

func (o *fakeOptimizer) LearningRate() float64 { return o.lr }

type fakeLoader struct {
	batches []*Batch
}

func (l *fakeLoader) Len() int { return len(l.batches) }

func (l *fakeLoader) Batches(ctx context.Context) iter.Seq2[*Batch, error] {
	return func(yield func(*Batch, error) bool) {
		for _, b := range l.batches {
			if !yield(b, nil) {
				return
			}
		}
	}
}

// scriptedEvaluator returns the next Fscd of its script on every call
type scriptedEvaluator struct {
	fscd  []float64
	calls int
}

func (e *scriptedEvaluator) Evaluate(preds, labels []*tensor.Labels, numClasses int) (SCDScores, error) {
	s := SCDScores{Fscd: e.fscd[e.calls], MIoU: 0.5, Sek: 0.1}
	e.calls++
	return s, nil
}

type recordingSink struct {
	calls int
}

func (s *recordingSink) SavePrediction(netName string, predA, predB *tensor.Labels) error {
	s.calls++
	return nil
}

// makeBatch builds an n x 1 x w batch. Images carry a ramp in channel 0;
// labelsA/labelsB are used for every sample.
func makeBatch(t *testing.T, n, w int, labelsA, labelsB []int32) *Batch {
	t.Helper()
	a := tensor.MustZeros(n, 3, 1, w)
	b := tensor.MustZeros(n, 3, 1, w)
	for i := range a.Data {
		a.Data[i] = float32(i%w) - 1
		b.Data[i] = float32(w-i%w) - 1
	}
	var la, lb []int32
	for i := 0; i < n; i++ {
		la = append(la, labelsA...)
		lb = append(lb, labelsB...)
	}
	labA, err := tensor.LabelsFromData(n, 1, w, la)
	require.NoError(t, err)
	labB, err := tensor.LabelsFromData(n, 1, w, lb)
	require.NoError(t, err)
	return &Batch{ImagesA: a, ImagesB: b, LabelsA: labA, LabelsB: labB}
}
