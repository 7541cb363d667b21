package training

import (
	"fmt"

	"github.com/tsawler/go-scd/tensor"
)

// Term is one weighted component of a composite loss
type Term struct {
	Name   string
	Weight float64
	Loss   Loss
}

// CompositeLoss is a weighted sum of loss terms
type CompositeLoss struct {
	Terms []Term
}

// Value returns the weighted sum of the term values
func (cl *CompositeLoss) Value() float64 {
	var total float64
	for _, t := range cl.Terms {
		total += t.Weight * t.Loss.Value()
	}
	return total
}

// Backward pushes scale*weight into each term
func (cl *CompositeLoss) Backward(scale float64) error {
	for _, t := range cl.Terms {
		if err := t.Loss.Backward(scale * t.Weight); err != nil {
			return fmt.Errorf("backward through %s failed: %w", t.Name, err)
		}
	}
	return nil
}

// Term returns the summed unweighted value of every term with the given name
func (cl *CompositeLoss) Term(name string) float64 {
	var v float64
	for _, t := range cl.Terms {
		if t.Name == name {
			v += t.Loss.Value()
		}
	}
	return v
}

// HasTerm reports whether a term with the given name is present
func (cl *CompositeLoss) HasTerm(name string) bool {
	for _, t := range cl.Terms {
		if t.Name == name {
			return true
		}
	}
	return false
}

// Term names
const (
	TermSegmentation = "seg"
	TermChange       = "change"
	TermSimilarity   = "similarity"
	TermPseudo       = "pseudo"
)

// LossAssembler owns the weighting of the training objective:
// 0.5*(seg(A)+seg(B)) + change + similarity [+ 0.5*(pseudo(A)+pseudo(B))]
type LossAssembler struct {
	criteria Criteria
}

// NewLossAssembler creates an assembler over the given criteria
func NewLossAssembler(criteria Criteria) *LossAssembler {
	return &LossAssembler{criteria: criteria}
}

// Assemble builds the composite loss. pseudo may be nil, in which case the
// pseudo-label term is left out.
func (la *LossAssembler) Assemble(out *Output, batch *Batch, pseudo *tensor.Labels) (*CompositeLoss, error) {
	changed := batch.LabelsA.ChangeMask()

	segA, err := la.criteria.Segmentation(out.SegA, batch.LabelsA)
	if err != nil {
		return nil, fmt.Errorf("segmentation loss (A): %w", err)
	}
	segB, err := la.criteria.Segmentation(out.SegB, batch.LabelsB)
	if err != nil {
		return nil, fmt.Errorf("segmentation loss (B): %w", err)
	}
	change, err := la.criteria.Change(out.Change, changed)
	if err != nil {
		return nil, fmt.Errorf("change loss: %w", err)
	}

	sim, err := la.criteria.Similarity(out.SegA, out.SegB, changed)
	if err != nil {
		return nil, fmt.Errorf("similarity loss: %w", err)
	}

	total := &CompositeLoss{Terms: []Term{
		{Name: TermSegmentation, Weight: 0.5, Loss: segA},
		{Name: TermSegmentation, Weight: 0.5, Loss: segB},
		{Name: TermChange, Weight: 1, Loss: change},
		{Name: TermSimilarity, Weight: 1, Loss: sim},
	}}

	if pseudo != nil {
		psdA, err := la.criteria.Segmentation(out.SegA, pseudo)
		if err != nil {
			return nil, fmt.Errorf("pseudo-label loss (A): %w", err)
		}
		psdB, err := la.criteria.Segmentation(out.SegB, pseudo)
		if err != nil {
			return nil, fmt.Errorf("pseudo-label loss (B): %w", err)
		}
		total.Terms = append(total.Terms,
			Term{Name: TermPseudo, Weight: PseudoLossWeight, Loss: psdA},
			Term{Name: TermPseudo, Weight: PseudoLossWeight, Loss: psdB},
		)
	}
	return total, nil
}
