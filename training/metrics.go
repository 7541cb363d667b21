package training

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"

	"github.com/tsawler/go-scd/tensor"
)

// SCDScores holds the semantic change detection scores of one validation pass
type SCDScores struct {
	Fscd     float64 // harmonic mean of change-class precision and recall
	MIoU     float64 // mean IoU of the change / no-change split
	Sek      float64 // separated kappa weighted by the change IoU
	Accuracy float64 // overall pixel accuracy
}

func (s SCDScores) String() string {
	return fmt.Sprintf("Fscd %.2f mIoU %.2f Sek %.2f OA %.2f", s.Fscd*100, s.MIoU*100, s.Sek*100, s.Accuracy*100)
}

// ConfusionHistogram accumulates a [pred][label] pixel count matrix
type ConfusionHistogram struct {
	NumClasses int
	Matrix     *mat.Dense
}

// NewConfusionHistogram creates an empty histogram
func NewConfusionHistogram(numClasses int) *ConfusionHistogram {
	return &ConfusionHistogram{
		NumClasses: numClasses,
		Matrix:     mat.NewDense(numClasses, numClasses, nil),
	}
}

// Reset clears every count
func (ch *ConfusionHistogram) Reset() {
	ch.Matrix.Zero()
}

// Update adds the pixels of one prediction/label pair.
// Pixels whose prediction or label falls outside [0, NumClasses) are skipped.
func (ch *ConfusionHistogram) Update(pred, label *tensor.Labels) error {
	if len(pred.Data) != len(label.Data) {
		return fmt.Errorf("%w: prediction has %d pixels, label has %d", tensor.ErrShapeMismatch, len(pred.Data), len(label.Data))
	}
	n := int32(ch.NumClasses)
	for i, p := range pred.Data {
		l := label.Data[i]
		if p < 0 || p >= n || l < 0 || l >= n {
			continue
		}
		ch.Matrix.Set(int(p), int(l), ch.Matrix.At(int(p), int(l))+1)
	}
	return nil
}

// Scores computes Fscd, mIoU and Sek from the accumulated counts
func (ch *ConfusionHistogram) Scores() SCDScores {
	n := ch.NumClasses
	hist := ch.Matrix
	total := mat.Sum(hist)

	predSums := rowSums(hist)
	labelSums := rowSums(hist.T())

	// change vs no-change 2x2 table
	fg := hist.Slice(1, n, 1, n)
	h00 := hist.At(0, 0)
	c2 := mat.NewDense(2, 2, []float64{
		h00, predSums[0] - h00,
		labelSums[0] - h00, mat.Sum(fg),
	})

	noBackground := mat.DenseCopyOf(hist)
	noBackground.Set(0, 0, 0)
	kappa := cohenKappa(noBackground)

	c2Pred := rowSums(c2)
	c2Label := rowSums(c2.T())
	iou := make([]float64, 2)
	for i := range iou {
		iou[i] = safeDiv(c2.At(i, i), c2Pred[i]+c2Label[i]-c2.At(i, i))
	}
	iouFg := iou[1]

	changePred := total - predSums[0]
	changeLabel := total - labelSums[0]
	tp := mat.Trace(fg)
	precision := safeDiv(tp, changePred)
	recall := safeDiv(tp, changeLabel)

	return SCDScores{
		Fscd: stat.HarmonicMean([]float64{precision, recall}, nil),
		MIoU: (iou[0] + iou[1]) / 2,
		Sek:  kappa * math.Exp(iouFg) / math.E,
	}
}

// cohenKappa computes Cohen's kappa of a square count matrix
func cohenKappa(hist *mat.Dense) float64 {
	total := mat.Sum(hist)
	if total == 0 {
		return 0
	}
	po := mat.Trace(hist) / total
	pe := floats.Dot(rowSums(hist), rowSums(hist.T())) / (total * total)
	if pe == 1 {
		return 0
	}
	return (po - pe) / (1 - pe)
}

func rowSums(m mat.Matrix) []float64 {
	r, c := m.Dims()
	ones := make([]float64, c)
	floats.AddConst(1, ones)
	var v mat.VecDense
	v.MulVec(m, mat.NewVecDense(c, ones))
	out := make([]float64, r)
	for i := range out {
		out[i] = v.AtVec(i)
	}
	return out
}

func safeDiv(a, b float64) float64 {
	if b == 0 {
		return 0
	}
	return a / b
}

// SCDEvaluator scores a full validation pass
type SCDEvaluator struct{}

// Evaluate accumulates every prediction/label pair and returns the scores.
// Accuracy is left to the caller's running meter.
func (SCDEvaluator) Evaluate(preds, labels []*tensor.Labels, numClasses int) (SCDScores, error) {
	if len(preds) != len(labels) {
		return SCDScores{}, fmt.Errorf("got %d predictions for %d labels", len(preds), len(labels))
	}
	hist := NewConfusionHistogram(numClasses)
	for i := range preds {
		if err := hist.Update(preds[i], labels[i]); err != nil {
			return SCDScores{}, fmt.Errorf("sample %d: %w", i, err)
		}
	}
	return hist.Scores(), nil
}

// PixelAccuracy returns the fraction of pixels where pred equals label
func PixelAccuracy(pred, label *tensor.Labels) (float64, error) {
	if len(pred.Data) != len(label.Data) {
		return 0, fmt.Errorf("%w: prediction has %d pixels, label has %d", tensor.ErrShapeMismatch, len(pred.Data), len(label.Data))
	}
	var correct, valid int
	for i, l := range label.Data {
		if l < 0 {
			continue
		}
		valid++
		if pred.Data[i] == l {
			correct++
		}
	}
	return float64(correct) / (float64(valid) + 1e-10), nil
}

// AverageMeter tracks the latest value and running mean of a scalar
type AverageMeter struct {
	Val   float64
	Sum   float64
	Count int
	Avg   float64
}

// Update records val observed n times
func (m *AverageMeter) Update(val float64, n int) {
	m.Val = val
	m.Sum += val * float64(n)
	m.Count += n
	if m.Count > 0 {
		m.Avg = m.Sum / float64(m.Count)
	}
}

// Reset clears the meter
func (m *AverageMeter) Reset() {
	*m = AverageMeter{}
}
