package tensor

import (
	"math"
	"reflect"
	"testing"
)

func TestCalculateStrides(t *testing.T) {
	tests := []struct {
		shape    []int
		expected []int
	}{
		{[]int{}, []int{}},
		{[]int{5}, []int{1}},
		{[]int{2, 3}, []int{3, 1}},
		{[]int{2, 3, 4}, []int{12, 4, 1}},
		{[]int{1, 5, 1, 3}, []int{15, 3, 3, 1}},
	}

	for _, test := range tests {
		result := calculateStrides(test.shape)
		if !reflect.DeepEqual(result, test.expected) {
			t.Errorf("calculateStrides(%v) = %v, expected %v", test.shape, result, test.expected)
		}
	}
}

func TestZerosRejectsInvalidShape(t *testing.T) {
	if _, err := Zeros(2, 0, 3); err == nil {
		t.Error("expected error for zero-sized dimension")
	}
	if _, err := Zeros(); err == nil {
		t.Error("expected error for empty shape")
	}
}

func TestFromDataLengthCheck(t *testing.T) {
	if _, err := FromData([]int{1, 2, 2, 2}, make([]float32, 7)); err == nil {
		t.Error("expected length mismatch error")
	}
	tt, err := FromData([]int{1, 2, 2, 2}, make([]float32, 8))
	if err != nil {
		t.Fatalf("FromData failed: %v", err)
	}
	if tt.Numel() != 8 {
		t.Errorf("Numel() = %d, expected 8", tt.Numel())
	}
}

func TestSoftmaxSumsToOne(t *testing.T) {
	x, _ := FromData([]int{1, 3, 1, 2}, []float32{1, -2, 0, 3, 2, 0.5})
	s, err := x.Softmax()
	if err != nil {
		t.Fatalf("Softmax failed: %v", err)
	}
	for p := 0; p < 2; p++ {
		var sum float64
		for c := 0; c < 3; c++ {
			v := s.At(0, c, 0, p)
			if v < 0 || v > 1 {
				t.Errorf("probability out of range: %f", v)
			}
			sum += float64(v)
		}
		if math.Abs(sum-1) > 1e-6 {
			t.Errorf("pixel %d: probabilities sum to %f", p, sum)
		}
	}
	// Largest logit keeps the largest probability.
	if s.At(0, 2, 0, 0) < s.At(0, 0, 0, 0) {
		t.Error("softmax changed the ordering of logits")
	}
}

func TestSigmoid(t *testing.T) {
	if v := Sigmoid(0); v != 0.5 {
		t.Errorf("Sigmoid(0) = %f, expected 0.5", v)
	}
	if v := Sigmoid(20); v < 0.999 {
		t.Errorf("Sigmoid(20) = %f, expected ~1", v)
	}
}

func TestArgMaxPrefersFirstOnTie(t *testing.T) {
	// pixel 0: tie between class 0 and 2; pixel 1: class 1 wins
	x, _ := FromData([]int{1, 3, 1, 2}, []float32{0.4, 0.1, 0.2, 0.8, 0.4, 0.1})
	idx, vals, err := x.ArgMax()
	if err != nil {
		t.Fatalf("ArgMax failed: %v", err)
	}
	if idx.Data[0] != 0 || idx.Data[1] != 1 {
		t.Errorf("ArgMax indices = %v, expected [0 1]", idx.Data)
	}
	if vals[0] != 0.4 || vals[1] != 0.8 {
		t.Errorf("ArgMax values = %v, expected [0.4 0.8]", vals)
	}
}

func TestFlipTwiceIsIdentity(t *testing.T) {
	data := make([]float32, 2*2*3*4)
	for i := range data {
		data[i] = float32(i)
	}
	x, _ := FromData([]int{2, 2, 3, 4}, data)

	cases := [][]Axis{{AxisH}, {AxisW}, {AxisH, AxisW}}
	for _, axes := range cases {
		once, err := x.Flip(axes...)
		if err != nil {
			t.Fatalf("Flip(%v) failed: %v", axes, err)
		}
		if reflect.DeepEqual(once.Data, x.Data) {
			t.Errorf("Flip(%v) did not move any element", axes)
		}
		twice, _ := once.Flip(axes...)
		if !reflect.DeepEqual(twice.Data, x.Data) {
			t.Errorf("Flip(%v) twice is not the identity", axes)
		}
	}
}

func TestFlipAxes(t *testing.T) {
	// 1x1x2x3:
	// 0 1 2
	// 3 4 5
	x, _ := FromData([]int{1, 1, 2, 3}, []float32{0, 1, 2, 3, 4, 5})
	v, _ := x.Flip(AxisH)
	h, _ := x.Flip(AxisW)
	vh, _ := x.Flip(AxisH, AxisW)

	if !reflect.DeepEqual(v.Data, []float32{3, 4, 5, 0, 1, 2}) {
		t.Errorf("vertical flip = %v", v.Data)
	}
	if !reflect.DeepEqual(h.Data, []float32{2, 1, 0, 5, 4, 3}) {
		t.Errorf("horizontal flip = %v", h.Data)
	}
	if !reflect.DeepEqual(vh.Data, []float32{5, 4, 3, 2, 1, 0}) {
		t.Errorf("double flip = %v", vh.Data)
	}
}

func TestLabelsFlipMatchesTensorFlip(t *testing.T) {
	l, _ := LabelsFromData(1, 2, 3, []int32{0, 1, 2, 3, 4, 5})
	f := l.Flip(AxisH, AxisW)
	if !reflect.DeepEqual(f.Data, []int32{5, 4, 3, 2, 1, 0}) {
		t.Errorf("labels double flip = %v", f.Data)
	}
}

func TestChangeMask(t *testing.T) {
	l, _ := LabelsFromData(1, 1, 4, []int32{0, 3, 0, 1})
	mask := l.ChangeMask()
	if !reflect.DeepEqual(mask, []bool{false, true, false, true}) {
		t.Errorf("ChangeMask() = %v", mask)
	}
	masked, err := l.Masked([]bool{true, false, true, true})
	if err != nil {
		t.Fatalf("Masked failed: %v", err)
	}
	if !reflect.DeepEqual(masked.Data, []int32{0, 0, 0, 1}) {
		t.Errorf("Masked() = %v", masked.Data)
	}
}

func TestChannels(t *testing.T) {
	x, _ := FromData([]int{2, 3, 1, 1}, []float32{0, 1, 2, 10, 11, 12})
	sub, err := x.Channels(1, 3)
	if err != nil {
		t.Fatalf("Channels failed: %v", err)
	}
	if !reflect.DeepEqual(sub.Data, []float32{1, 2, 11, 12}) {
		t.Errorf("Channels(1,3) = %v", sub.Data)
	}
	if _, err := x.Channels(2, 2); err == nil {
		t.Error("expected error for empty channel range")
	}
}
