package tensor

// Axis selects a spatial axis for flipping
type Axis int

const (
	// AxisH flips rows (vertical flip)
	AxisH Axis = iota
	// AxisW flips columns (horizontal flip)
	AxisW
)

func (a Axis) String() string {
	switch a {
	case AxisH:
		return "H"
	case AxisW:
		return "W"
	default:
		return "Unknown"
	}
}

// Flip returns a copy of t mirrored along each of the given spatial axes.
// Flipping twice along the same axis restores the original layout.
func (t *Tensor) Flip(axes ...Axis) (*Tensor, error) {
	n, c, h, w, err := t.Dims4()
	if err != nil {
		return nil, err
	}
	flipH, flipW := flipFlags(axes)
	out := t.Clone()
	for b := 0; b < n; b++ {
		for k := 0; k < c; k++ {
			for y := 0; y < h; y++ {
				sy := y
				if flipH {
					sy = h - 1 - y
				}
				for x := 0; x < w; x++ {
					sx := x
					if flipW {
						sx = w - 1 - x
					}
					out.Data[t.Index(b, k, y, x)] = t.Data[t.Index(b, k, sy, sx)]
				}
			}
		}
	}
	return out, nil
}

// Flip returns a copy of l mirrored along each of the given spatial axes
func (l *Labels) Flip(axes ...Axis) *Labels {
	n, h, w := l.Shape[0], l.Shape[1], l.Shape[2]
	flipH, flipW := flipFlags(axes)
	out := l.Clone()
	for b := 0; b < n; b++ {
		for y := 0; y < h; y++ {
			sy := y
			if flipH {
				sy = h - 1 - y
			}
			for x := 0; x < w; x++ {
				sx := x
				if flipW {
					sx = w - 1 - x
				}
				out.Data[(b*h+y)*w+x] = l.Data[(b*h+sy)*w+sx]
			}
		}
	}
	return out
}

func flipFlags(axes []Axis) (flipH, flipW bool) {
	for _, a := range axes {
		switch a {
		case AxisH:
			flipH = !flipH
		case AxisW:
			flipW = !flipW
		}
	}
	return flipH, flipW
}
