package dataset

import (
	"fmt"
	"image"
	"image/color"

	"github.com/tsawler/go-scd/tensor"
)

// NumClasses is the number of land-cover classes, including the unchanged class 0
const NumClasses = 7

// ClassNames lists the classes in index order
var ClassNames = [NumClasses]string{
	"unchanged", "water", "ground", "low vegetation", "tree", "building", "sports field",
}

// Colormap is the RGB color of every class in the label images
var Colormap = [NumClasses]color.RGBA{
	{255, 255, 255, 255},
	{0, 0, 255, 255},
	{128, 128, 128, 255},
	{0, 128, 0, 255},
	{0, 255, 0, 255},
	{128, 0, 0, 255},
	{255, 0, 0, 255},
}

var colorToIndex = func() map[[3]uint8]int32 {
	m := make(map[[3]uint8]int32, NumClasses)
	for i, c := range Colormap {
		m[[3]uint8{c.R, c.G, c.B}] = int32(i)
	}
	return m
}()

// Color2Index converts a color-coded label image into class indices.
// Colors outside the palette map to class 0.
func Color2Index(img image.Image) []int32 {
	b := img.Bounds()
	out := make([]int32, b.Dx()*b.Dy())
	for y := 0; y < b.Dy(); y++ {
		for x := 0; x < b.Dx(); x++ {
			r, g, bl, _ := img.At(b.Min.X+x, b.Min.Y+y).RGBA()
			out[y*b.Dx()+x] = colorToIndex[[3]uint8{uint8(r >> 8), uint8(g >> 8), uint8(bl >> 8)}]
		}
	}
	return out
}

// Index2Color renders a single-sample label map with the palette
func Index2Color(labels *tensor.Labels) (*image.RGBA, error) {
	if labels.Shape[0] != 1 {
		return nil, fmt.Errorf("expected a single label map, got %d", labels.Shape[0])
	}
	h, w := labels.Shape[1], labels.Shape[2]
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			idx := labels.At(0, y, x)
			if idx < 0 || int(idx) >= NumClasses {
				return nil, fmt.Errorf("class %d at (%d, %d) has no color", idx, y, x)
			}
			img.SetRGBA(x, y, Colormap[idx])
		}
	}
	return img, nil
}
