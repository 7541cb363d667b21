package layers

import (
	"fmt"
	"math"
	"math/rand/v2"
	"strings"

	"github.com/tsawler/go-scd/tensor"
	"github.com/tsawler/go-scd/training"
)

// InputChannels is the number of channels of every input image
const InputChannels = 3

// PixelLinearNet is a dual-branch reference model. Both branches share one
// per-pixel linear classifier; the change head is a per-pixel linear map of
// the absolute difference between the two images.
type PixelLinearNet struct {
	name       string
	numClasses int
	training   bool

	segWeight    *tensor.Parameter // [C, 3]
	segBias      *tensor.Parameter // [C]
	changeWeight *tensor.Parameter // [1, 3]
	changeBias   *tensor.Parameter // [1]

	// inputs of the last training-mode forward pass
	lastA, lastB *tensor.Tensor
}

// NewPixelLinearNet creates the model with weights drawn from N(0, initStd²).
// initStd 0 gives an all-zero model.
func NewPixelLinearNet(numClasses int, initStd float64, seed uint64) (*PixelLinearNet, error) {
	if numClasses < 2 {
		return nil, fmt.Errorf("need at least 2 classes, got %d", numClasses)
	}
	net := &PixelLinearNet{
		name:         "PixelLinear",
		numClasses:   numClasses,
		training:     true,
		segWeight:    newParameter("seg", "weight", numClasses, InputChannels),
		segBias:      newParameter("seg", "bias", numClasses),
		changeWeight: newParameter("change", "weight", 1, InputChannels),
		changeBias:   newParameter("change", "bias", 1),
	}
	if initStd > 0 {
		rng := rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
		for _, p := range []*tensor.Parameter{net.segWeight, net.changeWeight} {
			for i := range p.Value.Data {
				p.Value.Data[i] = float32(rng.NormFloat64() * initStd)
			}
		}
	}
	return net, nil
}

func newParameter(layer, kind string, shape ...int) *tensor.Parameter {
	return &tensor.Parameter{
		Name:  layer + "." + kind,
		Layer: layer,
		Kind:  kind,
		Value: tensor.MustZeros(shape...),
	}
}

func (m *PixelLinearNet) Name() string {
	return m.name
}

// SetName renames the run. The name prefixes checkpoint and prediction files.
func (m *PixelLinearNet) SetName(name string) {
	if name != "" {
		m.name = name
	}
}

func (m *PixelLinearNet) NumClasses() int {
	return m.numClasses
}

// Parameters returns the trainable tensors in a stable order
func (m *PixelLinearNet) Parameters() []*tensor.Parameter {
	return []*tensor.Parameter{m.segWeight, m.segBias, m.changeWeight, m.changeBias}
}

func (m *PixelLinearNet) SetTraining(training bool) {
	m.training = training
	if !training {
		m.lastA, m.lastB = nil, nil
	}
}

// Forward computes change and class logits. In training mode the inputs are
// kept for the next Backward call.
func (m *PixelLinearNet) Forward(imagesA, imagesB *tensor.Tensor) (*training.Output, error) {
	out, err := pixelLinearForward(m.Parameters(), m.numClasses, imagesA, imagesB)
	if err != nil {
		return nil, err
	}
	if m.training {
		m.lastA, m.lastB = imagesA, imagesB
	}
	return out, nil
}

// Backward accumulates parameter gradients from the Grad buffers of out.
// It must follow the training-mode Forward call that produced out.
func (m *PixelLinearNet) Backward(out *training.Output) error {
	if m.lastA == nil || m.lastB == nil {
		return fmt.Errorf("backward called without a training-mode forward pass")
	}
	a, b := m.lastA, m.lastB
	n, _, h, w, err := a.Dims4()
	if err != nil {
		return err
	}
	plane := h * w
	c := m.numClasses

	gw := m.segWeight.Value.EnsureGrad()
	gb := m.segBias.Value.EnsureGrad()
	for _, branch := range []struct {
		logits *tensor.Tensor
		input  *tensor.Tensor
	}{{out.SegA, a}, {out.SegB, b}} {
		if branch.logits.Grad == nil {
			continue
		}
		g := branch.logits.Grad
		x := branch.input.Data
		for bi := 0; bi < n; bi++ {
			for k := 0; k < c; k++ {
				gOff := (bi*c + k) * plane
				for p := 0; p < plane; p++ {
					gv := g[gOff+p]
					if gv == 0 {
						continue
					}
					gb[k] += gv
					for ch := 0; ch < InputChannels; ch++ {
						gw[k*InputChannels+ch] += gv * x[(bi*InputChannels+ch)*plane+p]
					}
				}
			}
		}
	}

	if out.Change.Grad != nil {
		gcw := m.changeWeight.Value.EnsureGrad()
		gcb := m.changeBias.Value.EnsureGrad()
		g := out.Change.Grad
		for bi := 0; bi < n; bi++ {
			for p := 0; p < plane; p++ {
				gv := g[bi*plane+p]
				if gv == 0 {
					continue
				}
				gcb[0] += gv
				for ch := 0; ch < InputChannels; ch++ {
					idx := (bi*InputChannels+ch)*plane + p
					gcw[ch] += gv * float32(math.Abs(float64(a.Data[idx]-b.Data[idx])))
				}
			}
		}
	}
	return nil
}

// Freeze returns an inference-only copy that shares nothing with m
func (m *PixelLinearNet) Freeze() (training.Predictor, error) {
	return &frozenPixelLinear{
		numClasses: m.numClasses,
		params:     tensor.CloneParameters(m.Parameters()),
	}, nil
}

// Summary returns a human-readable description of the model
func (m *PixelLinearNet) Summary() string {
	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("Model: %s (%d classes)\n", m.Name(), m.numClasses))
	sb.WriteString("Parameters:\n")
	total := 0
	for _, p := range m.Parameters() {
		sb.WriteString(fmt.Sprintf("  %-14s %v\n", p.Name, p.Value.Shape))
		total += p.Value.Numel()
	}
	sb.WriteString(fmt.Sprintf("Total parameters: %d\n", total))
	return sb.String()
}

type frozenPixelLinear struct {
	numClasses int
	params     []*tensor.Parameter
}

func (f *frozenPixelLinear) Predict(imagesA, imagesB *tensor.Tensor) (*training.Output, error) {
	return pixelLinearForward(f.params, f.numClasses, imagesA, imagesB)
}

// pixelLinearForward expects params in the order returned by Parameters
func pixelLinearForward(params []*tensor.Parameter, numClasses int, a, b *tensor.Tensor) (*training.Output, error) {
	n, ch, h, w, err := a.Dims4()
	if err != nil {
		return nil, err
	}
	if ch != InputChannels {
		return nil, fmt.Errorf("expected %d input channels, got %d", InputChannels, ch)
	}
	if !a.SameShape(b) {
		return nil, fmt.Errorf("%w: image A %v vs image B %v", tensor.ErrShapeMismatch, a.Shape, b.Shape)
	}

	segW, segB := params[0].Value.Data, params[1].Value.Data
	chW, chB := params[2].Value.Data, params[3].Value.Data
	plane := h * w

	segA := tensor.MustZeros(n, numClasses, h, w)
	segBOut := tensor.MustZeros(n, numClasses, h, w)
	change := tensor.MustZeros(n, 1, h, w)

	for bi := 0; bi < n; bi++ {
		for p := 0; p < plane; p++ {
			var xa, xb [InputChannels]float32
			for c := 0; c < InputChannels; c++ {
				xa[c] = a.Data[(bi*InputChannels+c)*plane+p]
				xb[c] = b.Data[(bi*InputChannels+c)*plane+p]
			}
			for k := 0; k < numClasses; k++ {
				va, vb := segB[k], segB[k]
				for c := 0; c < InputChannels; c++ {
					va += segW[k*InputChannels+c] * xa[c]
					vb += segW[k*InputChannels+c] * xb[c]
				}
				segA.Data[(bi*numClasses+k)*plane+p] = va
				segBOut.Data[(bi*numClasses+k)*plane+p] = vb
			}
			vc := chB[0]
			for c := 0; c < InputChannels; c++ {
				vc += chW[c] * float32(math.Abs(float64(xa[c]-xb[c])))
			}
			change.Data[bi*plane+p] = vc
		}
	}
	return &training.Output{Change: change, SegA: segA, SegB: segBOut}, nil
}
