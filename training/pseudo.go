package training

import (
	"cmp"
	"fmt"
	"slices"

	"github.com/tsawler/go-scd/tensor"
)

const (
	// DefaultThreshold is used for a class that owns no pixel in the batch
	DefaultThreshold = 0.5
	// MaxThreshold caps every adaptive threshold. There is no lower cap.
	MaxThreshold = 0.9
	// PseudoLossWeight scales each branch's pseudo-label loss
	PseudoLossWeight = 0.5
)

// View is one test-time augmentation: the flips applied to the inputs and undone on the outputs
type View struct {
	Name string
	Axes []tensor.Axis
}

var (
	identityView = View{Name: "identity"}
	ttaViews     = []View{
		identityView,
		{Name: "vflip", Axes: []tensor.Axis{tensor.AxisH}},
		{Name: "hflip", Axes: []tensor.Axis{tensor.AxisW}},
		{Name: "vhflip", Axes: []tensor.Axis{tensor.AxisH, tensor.AxisW}},
	}
)

// Views returns the augmentation views used with TTA on or off
func Views(tta bool) []View {
	if tta {
		return ttaViews
	}
	return []View{identityView}
}

func (v View) apply(t *tensor.Tensor) (*tensor.Tensor, error) {
	if len(v.Axes) == 0 {
		return t, nil
	}
	return t.Flip(v.Axes...)
}

// Ensemble is the view-averaged teacher prediction for one batch
type Ensemble struct {
	ProbsA *tensor.Tensor // softmax over classes, branch A
	ProbsB *tensor.Tensor // softmax over classes, branch B
	Change *tensor.Tensor // sigmoid of the change head
}

// PseudoResult is the outcome of one pseudo-label synthesis
type PseudoResult struct {
	Labels      *tensor.Labels
	Ensemble    *Ensemble
	ThresholdsA []float64
	ThresholdsB []float64
	Kept        int // pixels carrying a non-background pseudo label
}

// PseudoLabeler turns teacher predictions into pseudo labels
type PseudoLabeler struct {
	teacher *TeacherManager
	tta     bool
}

// NewPseudoLabeler creates a generator reading from the given teacher
func NewPseudoLabeler(teacher *TeacherManager, tta bool) *PseudoLabeler {
	return &PseudoLabeler{teacher: teacher, tta: tta}
}

// Ensemble runs the teacher at every view and averages the flip-corrected outputs
func (pl *PseudoLabeler) Ensemble(imagesA, imagesB *tensor.Tensor) (*Ensemble, error) {
	views := Views(pl.tta)
	var ens *Ensemble
	for _, v := range views {
		a, err := v.apply(imagesA)
		if err != nil {
			return nil, fmt.Errorf("view %s: %w", v.Name, err)
		}
		b, err := v.apply(imagesB)
		if err != nil {
			return nil, fmt.Errorf("view %s: %w", v.Name, err)
		}

		out, err := pl.teacher.Infer(a, b)
		if err != nil {
			return nil, fmt.Errorf("teacher inference (%s) failed: %w", v.Name, err)
		}

		probsA, err := out.SegA.Softmax()
		if err != nil {
			return nil, err
		}
		probsB, err := out.SegB.Softmax()
		if err != nil {
			return nil, err
		}
		change := out.Change.Sigmoid()

		// undo the input flip so every view lines up with the original pixels
		if probsA, err = v.apply(probsA); err != nil {
			return nil, err
		}
		if probsB, err = v.apply(probsB); err != nil {
			return nil, err
		}
		if change, err = v.apply(change); err != nil {
			return nil, err
		}

		if ens == nil {
			ens = &Ensemble{ProbsA: probsA, ProbsB: probsB, Change: change}
			continue
		}
		if err := ens.ProbsA.AddInPlace(probsA); err != nil {
			return nil, err
		}
		if err := ens.ProbsB.AddInPlace(probsB); err != nil {
			return nil, err
		}
		if err := ens.Change.AddInPlace(change); err != nil {
			return nil, err
		}
	}

	if len(views) > 1 {
		scale := 1 / float32(len(views))
		ens.ProbsA.ScaleInPlace(scale)
		ens.ProbsB.ScaleInPlace(scale)
		ens.Change.ScaleInPlace(scale)
	}
	return ens, nil
}

// Generate builds the pseudo-label map for a batch
func (pl *PseudoLabeler) Generate(batch *Batch) (*PseudoResult, error) {
	ens, err := pl.Ensemble(batch.ImagesA, batch.ImagesB)
	if err != nil {
		return nil, err
	}
	return PseudoLabels(ens, batch.LabelsA.ChangeMask())
}

// ClassThresholds derives one confidence threshold per class from a probability map.
// For class c it gathers the nonzero probabilities of every pixel whose arg-max is c,
// across the whole batch, and takes the element at index n/2 of the descending sort.
func ClassThresholds(probs *tensor.Tensor) ([]float64, error) {
	n, c, h, w, err := probs.Dims4()
	if err != nil {
		return nil, err
	}
	index, _, err := probs.ArgMax()
	if err != nil {
		return nil, err
	}

	plane := h * w
	thresholds := make([]float64, c)
	for k := 0; k < c; k++ {
		var values []float32
		for b := 0; b < n; b++ {
			for p := 0; p < plane; p++ {
				if index.Data[b*plane+p] != int32(k) {
					continue
				}
				if v := probs.Data[(b*c+k)*plane+p]; v != 0 {
					values = append(values, v)
				}
			}
		}
		if len(values) == 0 {
			thresholds[k] = DefaultThreshold
			continue
		}
		slices.SortFunc(values, func(x, y float32) int { return cmp.Compare(y, x) })
		thresholds[k] = float64(values[len(values)/2])
	}
	return ClipThresholds(thresholds), nil
}

// ClipThresholds caps every value at MaxThreshold in place and returns the slice
func ClipThresholds(thresholds []float64) []float64 {
	for i, v := range thresholds {
		if v > MaxThreshold {
			thresholds[i] = MaxThreshold
		}
	}
	return thresholds
}

// ConfidenceMask marks pixels whose top probability reaches the threshold of their own top class
func ConfidenceMask(probs *tensor.Tensor) (confident []bool, index *tensor.Labels, thresholds []float64, err error) {
	thresholds, err = ClassThresholds(probs)
	if err != nil {
		return nil, nil, nil, err
	}
	index, top, err := probs.ArgMax()
	if err != nil {
		return nil, nil, nil, err
	}
	confident = make([]bool, len(top))
	for i, v := range top {
		confident[i] = float64(v) >= thresholds[index.Data[i]]
	}
	return confident, index, thresholds, nil
}

// PseudoLabels keeps the branch-A class where both branches are confident, agree,
// and the ground truth reports no change. Every other pixel becomes class 0.
func PseudoLabels(ens *Ensemble, changed []bool) (*PseudoResult, error) {
	if !ens.ProbsA.SameShape(ens.ProbsB) {
		return nil, fmt.Errorf("%w: branch A %v vs branch B %v", tensor.ErrShapeMismatch, ens.ProbsA.Shape, ens.ProbsB.Shape)
	}
	confA, indexA, thrA, err := ConfidenceMask(ens.ProbsA)
	if err != nil {
		return nil, err
	}
	confB, indexB, thrB, err := ConfidenceMask(ens.ProbsB)
	if err != nil {
		return nil, err
	}
	if len(changed) != len(indexA.Data) {
		return nil, fmt.Errorf("%w: change mask has %d pixels, predictions have %d", tensor.ErrShapeMismatch, len(changed), len(indexA.Data))
	}

	labels := indexA.Clone()
	kept := 0
	for i := range labels.Data {
		agree := confA[i] && confB[i] && indexA.Data[i] == indexB.Data[i]
		if !agree || changed[i] {
			labels.Data[i] = 0
			continue
		}
		if labels.Data[i] != 0 {
			kept++
		}
	}
	return &PseudoResult{
		Labels:      labels,
		Ensemble:    ens,
		ThresholdsA: thrA,
		ThresholdsB: thrB,
		Kept:        kept,
	}, nil
}
