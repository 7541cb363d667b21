package layers

import (
	"fmt"
	"math"

	"github.com/tsawler/go-scd/tensor"
	"github.com/tsawler/go-scd/training"
)

const (
	// IgnoreIndex is the label skipped by CrossEntropy2d
	IgnoreIndex = 0

	bcePositiveWeight = 0.25
	bceNegativeWeight = 0.75
	countEpsilon      = 1e-12
	cosineEpsilon     = 1e-12
)

// Criteria implements training.Criteria with the reference loss functions
type Criteria struct{}

func (Criteria) Segmentation(logits *tensor.Tensor, labels *tensor.Labels) (training.Loss, error) {
	loss, err := CrossEntropy2d(logits, labels)
	if err != nil {
		return nil, err
	}
	return loss, nil
}

func (Criteria) Change(logits *tensor.Tensor, changed []bool) (training.Loss, error) {
	loss, err := WeightedBCELogits(logits, changed)
	if err != nil {
		return nil, err
	}
	return loss, nil
}

func (Criteria) Similarity(segA, segB *tensor.Tensor, changed []bool) (training.Loss, error) {
	loss, err := ChangeSimilarity(segA, segB, changed)
	if err != nil {
		return nil, err
	}
	return loss, nil
}

// CrossEntropyLoss is the mean softmax cross entropy over non-ignored pixels
type CrossEntropyLoss struct {
	logits *tensor.Tensor
	labels *tensor.Labels
	probs  *tensor.Tensor
	valid  int
	value  float64
}

// CrossEntropy2d scores [N,C,H,W] logits against [N,H,W] labels. Pixels
// labelled IgnoreIndex do not contribute; with no valid pixel the loss is 0.
func CrossEntropy2d(logits *tensor.Tensor, labels *tensor.Labels) (*CrossEntropyLoss, error) {
	n, c, h, w, err := logits.Dims4()
	if err != nil {
		return nil, err
	}
	if !labels.Matches(logits) {
		return nil, fmt.Errorf("%w: logits %v vs labels %v", tensor.ErrShapeMismatch, logits.Shape, labels.Shape)
	}
	probs, err := logits.Softmax()
	if err != nil {
		return nil, err
	}

	plane := h * w
	loss := &CrossEntropyLoss{logits: logits, labels: labels, probs: probs}
	var sum float64
	for b := 0; b < n; b++ {
		for p := 0; p < plane; p++ {
			l := int(labels.Data[b*plane+p])
			if l == IgnoreIndex {
				continue
			}
			if l < 0 || l >= c {
				return nil, fmt.Errorf("label %d out of range for %d classes", l, c)
			}
			prob := float64(probs.Data[(b*c+l)*plane+p])
			sum -= math.Log(math.Max(prob, math.SmallestNonzeroFloat32))
			loss.valid++
		}
	}
	if loss.valid > 0 {
		loss.value = sum / float64(loss.valid)
	}
	return loss, nil
}

func (l *CrossEntropyLoss) Value() float64 {
	return l.value
}

// Backward adds scale * (softmax - onehot) / valid into the logits gradient
func (l *CrossEntropyLoss) Backward(scale float64) error {
	if l.valid == 0 {
		return nil
	}
	n, c, h, w, _ := l.logits.Dims4()
	plane := h * w
	grad := l.logits.EnsureGrad()
	k := float32(scale / float64(l.valid))
	for b := 0; b < n; b++ {
		for p := 0; p < plane; p++ {
			lab := int(l.labels.Data[b*plane+p])
			if lab == IgnoreIndex {
				continue
			}
			for ch := 0; ch < c; ch++ {
				idx := (b*c+ch)*plane + p
				g := l.probs.Data[idx]
				if ch == lab {
					g -= 1
				}
				grad[idx] += k * g
			}
		}
	}
	return nil
}

// BCELoss is a class-balanced binary cross entropy on change logits
type BCELoss struct {
	logits  *tensor.Tensor
	targets []bool
	posW    float64
	negW    float64
	value   float64
}

// WeightedBCELogits balances changed and unchanged pixels: changed pixels
// share a total weight of 0.25, unchanged ones 0.75.
func WeightedBCELogits(logits *tensor.Tensor, changed []bool) (*BCELoss, error) {
	if len(changed) != len(logits.Data) {
		return nil, fmt.Errorf("%w: change mask has %d pixels, logits have %d", tensor.ErrShapeMismatch, len(changed), len(logits.Data))
	}
	var pos, neg float64
	for _, c := range changed {
		if c {
			pos++
		} else {
			neg++
		}
	}
	loss := &BCELoss{
		logits:  logits,
		targets: changed,
		posW:    bcePositiveWeight / (pos + countEpsilon),
		negW:    bceNegativeWeight / (neg + countEpsilon),
	}
	for i, x := range logits.Data {
		v := float64(x)
		t := 0.0
		weight := loss.negW
		if changed[i] {
			t = 1
			weight = loss.posW
		}
		// log(1+exp(x)) - x*t, stable for large |x|
		bce := math.Max(v, 0) - v*t + math.Log1p(math.Exp(-math.Abs(v)))
		loss.value += weight * bce
	}
	return loss, nil
}

func (l *BCELoss) Value() float64 {
	return l.value
}

func (l *BCELoss) Backward(scale float64) error {
	grad := l.logits.EnsureGrad()
	for i, x := range l.logits.Data {
		t, weight := float32(0), l.negW
		if l.targets[i] {
			t, weight = 1, l.posW
		}
		grad[i] += float32(scale*weight) * (tensor.Sigmoid(x) - t)
	}
	return nil
}

// SimilarityLoss is a cosine embedding loss between the foreground class
// distributions of both branches
type SimilarityLoss struct {
	segA, segB   *tensor.Tensor
	probA, probB *tensor.Tensor // softmax over channels 1..C-1
	changed      []bool
	cos          []float64
	value        float64
}

// ChangeSimilarity pulls the foreground distributions of A and B together on
// unchanged pixels (loss 1-cos) and pushes them apart on changed ones
// (loss max(0, cos)). The mean is taken over all pixels.
func ChangeSimilarity(segA, segB *tensor.Tensor, changed []bool) (*SimilarityLoss, error) {
	if !segA.SameShape(segB) {
		return nil, fmt.Errorf("%w: branch A %v vs branch B %v", tensor.ErrShapeMismatch, segA.Shape, segB.Shape)
	}
	n, c, h, w, err := segA.Dims4()
	if err != nil {
		return nil, err
	}
	if len(changed) != n*h*w {
		return nil, fmt.Errorf("%w: change mask has %d pixels, logits have %d", tensor.ErrShapeMismatch, len(changed), n*h*w)
	}
	fgA, err := segA.Channels(1, c)
	if err != nil {
		return nil, err
	}
	fgB, err := segB.Channels(1, c)
	if err != nil {
		return nil, err
	}
	probA, err := fgA.Softmax()
	if err != nil {
		return nil, err
	}
	probB, err := fgB.Softmax()
	if err != nil {
		return nil, err
	}

	loss := &SimilarityLoss{
		segA: segA, segB: segB,
		probA: probA, probB: probB,
		changed: changed,
		cos:     make([]float64, n*h*w),
	}
	fc := c - 1
	plane := h * w
	var sum float64
	for b := 0; b < n; b++ {
		for p := 0; p < plane; p++ {
			var dot, na, nb float64
			for k := 0; k < fc; k++ {
				x := float64(probA.Data[(b*fc+k)*plane+p])
				y := float64(probB.Data[(b*fc+k)*plane+p])
				dot += x * y
				na += x * x
				nb += y * y
			}
			cos := dot / math.Sqrt((na+cosineEpsilon)*(nb+cosineEpsilon))
			i := b*plane + p
			loss.cos[i] = cos
			if changed[i] {
				sum += math.Max(0, cos)
			} else {
				sum += 1 - cos
			}
		}
	}
	loss.value = sum / float64(len(changed))
	return loss, nil
}

func (l *SimilarityLoss) Value() float64 {
	return l.value
}

// Backward chains d(loss)/d(cos) through the cosine and the softmax into
// channels 1..C-1 of both logit tensors
func (l *SimilarityLoss) Backward(scale float64) error {
	n, c, h, w, _ := l.segA.Dims4()
	fc := c - 1
	plane := h * w
	gA := l.segA.EnsureGrad()
	gB := l.segB.EnsureGrad()
	k := scale / float64(len(l.changed))

	dx := make([]float64, fc)
	dy := make([]float64, fc)
	for b := 0; b < n; b++ {
		for p := 0; p < plane; p++ {
			i := b*plane + p
			cos := l.cos[i]
			var dcos float64
			switch {
			case !l.changed[i]:
				dcos = -1
			case cos > 0:
				dcos = 1
			default:
				continue
			}
			dcos *= k

			var na, nb float64
			for j := 0; j < fc; j++ {
				x := float64(l.probA.Data[(b*fc+j)*plane+p])
				y := float64(l.probB.Data[(b*fc+j)*plane+p])
				na += x * x
				nb += y * y
			}
			na += cosineEpsilon
			nb += cosineEpsilon
			d := math.Sqrt(na * nb)
			for j := 0; j < fc; j++ {
				x := float64(l.probA.Data[(b*fc+j)*plane+p])
				y := float64(l.probB.Data[(b*fc+j)*plane+p])
				dx[j] = dcos * (y/d - cos*x/na)
				dy[j] = dcos * (x/d - cos*y/nb)
			}
			softmaxBackward(l.probA, dx, gA, b, fc, c, plane, p)
			softmaxBackward(l.probB, dy, gB, b, fc, c, plane, p)
		}
	}
	return nil
}

// softmaxBackward maps a gradient w.r.t. the foreground softmax at pixel p
// onto logit channels 1..C-1 of grad
func softmaxBackward(probs *tensor.Tensor, dp []float64, grad []float32, b, fc, c, plane, p int) {
	var inner float64
	for j := 0; j < fc; j++ {
		inner += dp[j] * float64(probs.Data[(b*fc+j)*plane+p])
	}
	for j := 0; j < fc; j++ {
		s := float64(probs.Data[(b*fc+j)*plane+p])
		grad[(b*c+j+1)*plane+p] += float32(s * (dp[j] - inner))
	}
}
