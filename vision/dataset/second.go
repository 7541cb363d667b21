package dataset

import (
	"fmt"
	"math/rand/v2"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/tsawler/go-scd/vision/preprocessing"
)

// Directory names of a SECOND-style split
const (
	DirImageA = "im1"
	DirImageB = "im2"
	DirLabelA = "label1"
	DirLabelB = "label2"
)

// Per-branch statistics of the training images on the 0..255 scale
var (
	NormA = preprocessing.Normalization{
		Mean: [3]float32{113.40, 114.08, 116.45},
		Std:  [3]float32{48.30, 46.27, 48.14},
	}
	NormB = preprocessing.Normalization{
		Mean: [3]float32{111.07, 114.04, 118.18},
		Std:  [3]float32{49.41, 47.01, 47.94},
	}
)

// Sample is one co-registered image pair with its label maps
type Sample struct {
	Name   string
	Height int
	Width  int
	ImageA []float32 // CHW, normalized
	ImageB []float32
	LabelA []int32 // HW
	LabelB []int32
}

// Config configures a paired change-detection dataset
type Config struct {
	Root       string // dataset root holding one directory per split
	Split      string // "train", "val", ...
	CropSize   int    // resize every sample to CropSize x CropSize; 0 keeps the source size
	RandomFlip bool   // random vertical/horizontal flips, applied per access
	CacheSize  int    // decoded samples kept in memory; 0 disables the cache
	Seed       uint64
}

// SCDDataset reads {root}/{split}/{im1,im2,label1,label2}/<name>
type SCDDataset struct {
	dir    string
	names  []string
	config Config

	processor *preprocessing.ImageProcessor
	cache     *lru.Cache[string, *Sample]

	mu  sync.Mutex
	rng *rand.Rand
}

// NewSCDDataset lists the split. Every image in im1 must have a counterpart
// in the other three directories.
func NewSCDDataset(config Config) (*SCDDataset, error) {
	dir := filepath.Join(config.Root, config.Split)
	entries, err := os.ReadDir(filepath.Join(dir, DirImageA))
	if err != nil {
		return nil, fmt.Errorf("failed to list %s: %w", dir, err)
	}

	var names []string
	for _, e := range entries {
		if e.IsDir() || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		for _, sub := range []string{DirImageB, DirLabelA, DirLabelB} {
			if _, err := os.Stat(filepath.Join(dir, sub, e.Name())); err != nil {
				return nil, fmt.Errorf("sample %s: %w", e.Name(), err)
			}
		}
		names = append(names, e.Name())
	}
	if len(names) == 0 {
		return nil, fmt.Errorf("no images found in %s", filepath.Join(dir, DirImageA))
	}
	slices.Sort(names)

	ds := &SCDDataset{
		dir:       dir,
		names:     names,
		config:    config,
		processor: preprocessing.NewImageProcessor(config.CropSize),
		rng:       rand.New(rand.NewPCG(config.Seed, config.Seed^0x5eed)),
	}
	if config.CacheSize > 0 {
		cache, err := lru.New[string, *Sample](config.CacheSize)
		if err != nil {
			return nil, fmt.Errorf("failed to create sample cache: %w", err)
		}
		ds.cache = cache
	}
	return ds, nil
}

// Len returns the number of items in the dataset
func (d *SCDDataset) Len() int {
	return len(d.names)
}

// Names returns the sample file names in index order
func (d *SCDDataset) Names() []string {
	return d.names
}

// GetItem loads sample index. With RandomFlip the returned sample is a
// flipped copy; cached data is never modified.
func (d *SCDDataset) GetItem(index int) (*Sample, error) {
	if index < 0 || index >= len(d.names) {
		return nil, fmt.Errorf("index %d out of range [0, %d)", index, len(d.names))
	}
	name := d.names[index]

	var s *Sample
	if d.cache != nil {
		s, _ = d.cache.Get(name)
	}
	if s == nil {
		loaded, err := d.load(name)
		if err != nil {
			return nil, err
		}
		s = loaded
		if d.cache != nil {
			d.cache.Add(name, s)
		}
	}

	if d.config.RandomFlip {
		d.mu.Lock()
		flipH, flipW := d.rng.IntN(2) == 1, d.rng.IntN(2) == 1
		d.mu.Unlock()
		if flipH || flipW {
			return s.Flipped(flipH, flipW), nil
		}
	}
	return s, nil
}

func (d *SCDDataset) load(name string) (*Sample, error) {
	imgA, err := d.loadImage(DirImageA, name, NormA)
	if err != nil {
		return nil, err
	}
	imgB, err := d.loadImage(DirImageB, name, NormB)
	if err != nil {
		return nil, err
	}
	if imgA.Width != imgB.Width || imgA.Height != imgB.Height {
		return nil, fmt.Errorf("sample %s: image sizes differ (%dx%d vs %dx%d)", name, imgA.Width, imgA.Height, imgB.Width, imgB.Height)
	}
	labelA, err := d.loadLabel(DirLabelA, name, imgA.Width, imgA.Height)
	if err != nil {
		return nil, err
	}
	labelB, err := d.loadLabel(DirLabelB, name, imgA.Width, imgA.Height)
	if err != nil {
		return nil, err
	}
	return &Sample{
		Name:   name,
		Height: imgA.Height,
		Width:  imgA.Width,
		ImageA: imgA.Data,
		ImageB: imgB.Data,
		LabelA: labelA,
		LabelB: labelB,
	}, nil
}

func (d *SCDDataset) loadImage(sub, name string, norm preprocessing.Normalization) (*preprocessing.ProcessedImage, error) {
	path := filepath.Join(d.dir, sub, name)
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	img, err := d.processor.DecodeAndPreprocess(file, norm)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return img, nil
}

func (d *SCDDataset) loadLabel(sub, name string, width, height int) ([]int32, error) {
	img, err := preprocessing.LoadImage(filepath.Join(d.dir, sub, name))
	if err != nil {
		return nil, err
	}
	img = preprocessing.Resize(img, d.config.CropSize, true)
	if b := img.Bounds(); b.Dx() != width || b.Dy() != height {
		return nil, fmt.Errorf("label %s/%s is %dx%d, image is %dx%d", sub, name, b.Dx(), b.Dy(), width, height)
	}
	return Color2Index(img), nil
}

// Flipped returns a copy mirrored top-to-bottom (flipH) and/or left-to-right (flipW)
func (s *Sample) Flipped(flipH, flipW bool) *Sample {
	out := &Sample{Name: s.Name, Height: s.Height, Width: s.Width}
	out.ImageA = flipPlanes(s.ImageA, 3, s.Height, s.Width, flipH, flipW)
	out.ImageB = flipPlanes(s.ImageB, 3, s.Height, s.Width, flipH, flipW)
	out.LabelA = flipPlanes(s.LabelA, 1, s.Height, s.Width, flipH, flipW)
	out.LabelB = flipPlanes(s.LabelB, 1, s.Height, s.Width, flipH, flipW)
	return out
}

func flipPlanes[T any](src []T, channels, h, w int, flipH, flipW bool) []T {
	dst := make([]T, len(src))
	for c := 0; c < channels; c++ {
		base := c * h * w
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
				dst[base+y*w+x] = src[base+sy*w+sx]
			}
		}
	}
	return dst
}

// String returns a string representation of the dataset
func (d *SCDDataset) String() string {
	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("SCDDataset: %d samples in %s\n", len(d.names), d.dir))
	if d.config.CropSize > 0 {
		sb.WriteString(fmt.Sprintf("  resized to %dx%d\n", d.config.CropSize, d.config.CropSize))
	}
	if d.cache != nil {
		sb.WriteString(fmt.Sprintf("  cache: %d/%d samples\n", d.cache.Len(), d.config.CacheSize))
	}
	return sb.String()
}

// Subset creates a dataset restricted to the given indices. The sample
// cache and image processor are shared with d.
func (d *SCDDataset) Subset(indices []int) (*SCDDataset, error) {
	names := make([]string, len(indices))
	for i, idx := range indices {
		if idx < 0 || idx >= len(d.names) {
			return nil, fmt.Errorf("index %d out of range [0, %d)", idx, len(d.names))
		}
		names[i] = d.names[idx]
	}
	return &SCDDataset{
		dir:       d.dir,
		names:     names,
		config:    d.config,
		processor: d.processor,
		cache:     d.cache,
		rng:       rand.New(rand.NewPCG(d.config.Seed+1, d.config.Seed^0x5eed)),
	}, nil
}
