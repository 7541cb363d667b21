package preprocessing

import (
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"os"
	"sync"

	"golang.org/x/image/draw"
	_ "golang.org/x/image/tiff"
)

// Normalization holds per-channel statistics on the 0..255 pixel scale
type Normalization struct {
	Mean [3]float32
	Std  [3]float32
}

// Identity leaves pixel values on the 0..255 scale
var Identity = Normalization{Std: [3]float32{1, 1, 1}}

// ImageProcessor decodes images, resizes them to a square target and converts
// them to normalized CHW float data. A zero target size keeps the source size.
type ImageProcessor struct {
	mu              sync.Mutex
	tempImageBuffer *image.RGBA
	targetSize      int
}

// NewImageProcessor creates a new image processor with the specified target size
func NewImageProcessor(targetSize int) *ImageProcessor {
	return &ImageProcessor{
		targetSize: targetSize,
	}
}

// ProcessedImage represents a preprocessed image ready for network input
type ProcessedImage struct {
	Data     []float32 // CHW
	Width    int
	Height   int
	Channels int
}

// Decode reads any registered format (TIFF, PNG, JPEG)
func Decode(reader io.Reader) (image.Image, error) {
	img, format, err := image.Decode(reader)
	if err != nil {
		return nil, fmt.Errorf("failed to decode image: %w", err)
	}
	if img.Bounds().Empty() {
		return nil, fmt.Errorf("decoded %s image is empty", format)
	}
	return img, nil
}

// LoadImage opens and decodes an image file
func LoadImage(path string) (image.Image, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	img, err := Decode(file)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return img, nil
}

// Resize scales img to size x size. Label maps must use nearest-neighbour
// sampling so no new colors are invented; photos use Catmull-Rom.
func Resize(img image.Image, size int, nearest bool) image.Image {
	b := img.Bounds()
	if size <= 0 || (b.Dx() == size && b.Dy() == size) {
		return img
	}
	dst := image.NewRGBA(image.Rect(0, 0, size, size))
	var scaler draw.Interpolator = draw.CatmullRom
	if nearest {
		scaler = draw.NearestNeighbor
	}
	scaler.Scale(dst, dst.Bounds(), img, b, draw.Src, nil)
	return dst
}

// DecodeAndPreprocess decodes an image, resizes it and returns (v - mean) / std per channel
func (p *ImageProcessor) DecodeAndPreprocess(reader io.Reader, norm Normalization) (*ProcessedImage, error) {
	img, err := Decode(reader)
	if err != nil {
		return nil, err
	}
	return p.Preprocess(img, norm), nil
}

// Preprocess resizes an already decoded image and converts it to CHW floats
func (p *ImageProcessor) Preprocess(img image.Image, norm Normalization) *ProcessedImage {
	p.mu.Lock()
	defer p.mu.Unlock()

	src := img
	if b := img.Bounds(); p.targetSize > 0 && (b.Dx() != p.targetSize || b.Dy() != p.targetSize) {
		// Reuse image buffer
		if p.tempImageBuffer == nil {
			p.tempImageBuffer = image.NewRGBA(image.Rect(0, 0, p.targetSize, p.targetSize))
		}
		draw.CatmullRom.Scale(p.tempImageBuffer, p.tempImageBuffer.Bounds(), img, b, draw.Src, nil)
		src = p.tempImageBuffer
	}
	return ToCHW(src, norm)
}

// ToCHW converts img to normalized float32 data in CHW layout
func ToCHW(img image.Image, norm Normalization) *ProcessedImage {
	b := img.Bounds()
	width, height := b.Dx(), b.Dy()
	plane := width * height
	data := make([]float32, 3*plane)

	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			r, g, bl, _ := img.At(b.Min.X+x, b.Min.Y+y).RGBA()
			idx := y*width + x
			data[idx] = (float32(r>>8) - norm.Mean[0]) / norm.Std[0]
			data[plane+idx] = (float32(g>>8) - norm.Mean[1]) / norm.Std[1]
			data[2*plane+idx] = (float32(bl>>8) - norm.Mean[2]) / norm.Std[2]
		}
	}

	return &ProcessedImage{
		Data:     data,
		Width:    width,
		Height:   height,
		Channels: 3,
	}
}
