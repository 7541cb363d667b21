package tensor

import "fmt"

// Labels is a per-pixel class index map in NHW layout. Class 0 is the
// no-change/background class.
type Labels struct {
	Shape [3]int
	Data  []int32
}

// NewLabels creates a zero-filled label map
func NewLabels(n, h, w int) (*Labels, error) {
	if err := validateShape([]int{n, h, w}); err != nil {
		return nil, err
	}
	return &Labels{Shape: [3]int{n, h, w}, Data: make([]int32, n*h*w)}, nil
}

// LabelsFromData wraps data as an [n, h, w] label map
func LabelsFromData(n, h, w int, data []int32) (*Labels, error) {
	if err := validateShape([]int{n, h, w}); err != nil {
		return nil, err
	}
	if len(data) != n*h*w {
		return nil, fmt.Errorf("label data length %d does not match shape [%d %d %d]", len(data), n, h, w)
	}
	return &Labels{Shape: [3]int{n, h, w}, Data: data}, nil
}

func (l *Labels) String() string {
	return fmt.Sprintf("Labels(shape=%v)", l.Shape)
}

// At returns the label at (n, h, w)
func (l *Labels) At(n, h, w int) int32 {
	return l.Data[(n*l.Shape[1]+h)*l.Shape[2]+w]
}

// Set stores v at (n, h, w)
func (l *Labels) Set(n, h, w int, v int32) {
	l.Data[(n*l.Shape[1]+h)*l.Shape[2]+w] = v
}

// Clone returns a deep copy
func (l *Labels) Clone() *Labels {
	data := make([]int32, len(l.Data))
	copy(data, l.Data)
	return &Labels{Shape: l.Shape, Data: data}
}

// Sample returns a single-sample view of item n. The data is shared.
func (l *Labels) Sample(n int) *Labels {
	plane := l.Shape[1] * l.Shape[2]
	return &Labels{
		Shape: [3]int{1, l.Shape[1], l.Shape[2]},
		Data:  l.Data[n*plane : (n+1)*plane],
	}
}

// ChangeMask marks every pixel whose label is not the background class.
func (l *Labels) ChangeMask() []bool {
	mask := make([]bool, len(l.Data))
	for i, v := range l.Data {
		mask[i] = v > 0
	}
	return mask
}

// Masked returns a copy with every pixel outside keep set to class 0
func (l *Labels) Masked(keep []bool) (*Labels, error) {
	if len(keep) != len(l.Data) {
		return nil, fmt.Errorf("%w: mask has %d pixels, labels have %d", ErrShapeMismatch, len(keep), len(l.Data))
	}
	out := l.Clone()
	for i, k := range keep {
		if !k {
			out.Data[i] = 0
		}
	}
	return out, nil
}

// Matches reports whether the spatial layout of l equals that of the NCHW tensor t
func (l *Labels) Matches(t *Tensor) bool {
	return len(t.Shape) == 4 && l.Shape[0] == t.Shape[0] && l.Shape[1] == t.Shape[2] && l.Shape[2] == t.Shape[3]
}
