package tensor

import (
	"errors"
	"fmt"
	"math"
)

// ErrShapeMismatch is returned when two tensors that must share a layout do not
var ErrShapeMismatch = errors.New("tensor shape mismatch")

// Tensor is a dense float32 feature map in NCHW layout.
// Grad is allocated lazily by loss functions that backpropagate into the map.
type Tensor struct {
	Shape   []int
	Strides []int
	Data    []float32
	Grad    []float32
}

// Zeros creates a zero-filled tensor with the given shape
func Zeros(shape ...int) (*Tensor, error) {
	if err := validateShape(shape); err != nil {
		return nil, err
	}
	return &Tensor{
		Shape:   append([]int(nil), shape...),
		Strides: calculateStrides(shape),
		Data:    make([]float32, calculateNumElements(shape)),
	}, nil
}

// FromData wraps data in a tensor. The slice is used directly, not copied.
func FromData(shape []int, data []float32) (*Tensor, error) {
	if err := validateShape(shape); err != nil {
		return nil, err
	}
	if n := calculateNumElements(shape); n != len(data) {
		return nil, fmt.Errorf("data length %d does not match shape %v (%d elements)", len(data), shape, n)
	}
	return &Tensor{
		Shape:   append([]int(nil), shape...),
		Strides: calculateStrides(shape),
		Data:    data,
	}, nil
}

// MustZeros is Zeros for shapes known to be valid
func MustZeros(shape ...int) *Tensor {
	t, err := Zeros(shape...)
	if err != nil {
		panic(err)
	}
	return t
}

func (t *Tensor) String() string {
	return fmt.Sprintf("Tensor(shape=%v, elements=%d)", t.Shape, len(t.Data))
}

// Numel returns the number of elements
func (t *Tensor) Numel() int {
	return len(t.Data)
}

// Dims4 returns the NCHW dimensions of a 4-D tensor
func (t *Tensor) Dims4() (n, c, h, w int, err error) {
	if len(t.Shape) != 4 {
		return 0, 0, 0, 0, fmt.Errorf("expected 4-D NCHW tensor, got shape %v", t.Shape)
	}
	return t.Shape[0], t.Shape[1], t.Shape[2], t.Shape[3], nil
}

// Index returns the flat offset of element (n, c, h, w)
func (t *Tensor) Index(n, c, h, w int) int {
	return n*t.Strides[0] + c*t.Strides[1] + h*t.Strides[2] + w*t.Strides[3]
}

// At returns element (n, c, h, w)
func (t *Tensor) At(n, c, h, w int) float32 {
	return t.Data[t.Index(n, c, h, w)]
}

// Set stores v at (n, c, h, w)
func (t *Tensor) Set(n, c, h, w int, v float32) {
	t.Data[t.Index(n, c, h, w)] = v
}

// Clone returns a deep copy of the data. The gradient buffer is not copied.
func (t *Tensor) Clone() *Tensor {
	data := make([]float32, len(t.Data))
	copy(data, t.Data)
	return &Tensor{
		Shape:   append([]int(nil), t.Shape...),
		Strides: append([]int(nil), t.Strides...),
		Data:    data,
	}
}

// SameShape reports whether t and other have identical shapes
func (t *Tensor) SameShape(other *Tensor) bool {
	return shapesEqual(t.Shape, other.Shape)
}

// EnsureGrad allocates the gradient buffer if needed and returns it
func (t *Tensor) EnsureGrad() []float32 {
	if len(t.Grad) != len(t.Data) {
		t.Grad = make([]float32, len(t.Data))
	}
	return t.Grad
}

// ZeroGrad clears the gradient buffer
func (t *Tensor) ZeroGrad() {
	for i := range t.Grad {
		t.Grad[i] = 0
	}
}

// AddInPlace accumulates other into t
func (t *Tensor) AddInPlace(other *Tensor) error {
	if !t.SameShape(other) {
		return fmt.Errorf("%w: %v vs %v", ErrShapeMismatch, t.Shape, other.Shape)
	}
	for i, v := range other.Data {
		t.Data[i] += v
	}
	return nil
}

// ScaleInPlace multiplies every element by s
func (t *Tensor) ScaleInPlace(s float32) {
	for i := range t.Data {
		t.Data[i] *= s
	}
}

// Softmax returns a new tensor with a softmax taken over the channel axis
func (t *Tensor) Softmax() (*Tensor, error) {
	n, c, h, w, err := t.Dims4()
	if err != nil {
		return nil, err
	}
	out := t.Clone()
	plane := h * w
	for b := 0; b < n; b++ {
		base := b * c * plane
		for p := 0; p < plane; p++ {
			maxVal := math.Inf(-1)
			for k := 0; k < c; k++ {
				if v := float64(t.Data[base+k*plane+p]); v > maxVal {
					maxVal = v
				}
			}
			var sum float64
			for k := 0; k < c; k++ {
				e := math.Exp(float64(t.Data[base+k*plane+p]) - maxVal)
				out.Data[base+k*plane+p] = float32(e)
				sum += e
			}
			for k := 0; k < c; k++ {
				out.Data[base+k*plane+p] = float32(float64(out.Data[base+k*plane+p]) / sum)
			}
		}
	}
	return out, nil
}

// Sigmoid returns a new tensor with the logistic function applied elementwise
func (t *Tensor) Sigmoid() *Tensor {
	out := t.Clone()
	for i, v := range t.Data {
		out.Data[i] = Sigmoid(v)
	}
	return out
}

// Sigmoid is the logistic function
func Sigmoid(x float32) float32 {
	return float32(1 / (1 + math.Exp(-float64(x))))
}

// ArgMax returns, per pixel, the first channel holding the maximum value and that value
func (t *Tensor) ArgMax() (*Labels, []float32, error) {
	n, c, h, w, err := t.Dims4()
	if err != nil {
		return nil, nil, err
	}
	index, err := NewLabels(n, h, w)
	if err != nil {
		return nil, nil, err
	}
	values := make([]float32, n*h*w)
	plane := h * w
	for b := 0; b < n; b++ {
		base := b * c * plane
		for p := 0; p < plane; p++ {
			best := 0
			bestVal := t.Data[base+p]
			for k := 1; k < c; k++ {
				if v := t.Data[base+k*plane+p]; v > bestVal {
					best, bestVal = k, v
				}
			}
			index.Data[b*plane+p] = int32(best)
			values[b*plane+p] = bestVal
		}
	}
	return index, values, nil
}

// Channels returns a copy restricted to channels [from, to)
func (t *Tensor) Channels(from, to int) (*Tensor, error) {
	n, c, h, w, err := t.Dims4()
	if err != nil {
		return nil, err
	}
	if from < 0 || to > c || from >= to {
		return nil, fmt.Errorf("invalid channel range [%d, %d) for %d channels", from, to, c)
	}
	out, err := Zeros(n, to-from, h, w)
	if err != nil {
		return nil, err
	}
	plane := h * w
	for b := 0; b < n; b++ {
		src := t.Data[(b*c+from)*plane : (b*c+to)*plane]
		copy(out.Data[b*(to-from)*plane:], src)
	}
	return out, nil
}

func calculateStrides(shape []int) []int {
	if len(shape) == 0 {
		return []int{}
	}

	strides := make([]int, len(shape))
	stride := 1
	for i := len(shape) - 1; i >= 0; i-- {
		strides[i] = stride
		stride *= shape[i]
	}
	return strides
}

func calculateNumElements(shape []int) int {
	if len(shape) == 0 {
		return 0
	}

	elements := 1
	for _, dim := range shape {
		elements *= dim
	}
	return elements
}

func validateShape(shape []int) error {
	if len(shape) == 0 {
		return fmt.Errorf("invalid shape: no dimensions")
	}
	for i, dim := range shape {
		if dim <= 0 {
			return fmt.Errorf("invalid shape: dimension %d has size %d, must be positive", i, dim)
		}
	}
	return nil
}

func shapesEqual(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
