package dataset

import (
	"fmt"
	"image/png"
	"os"
	"path/filepath"

	"github.com/tsawler/go-scd/tensor"
)

// PNGPredictionWriter renders prediction maps as {Dir}/{net}_A.png and {net}_B.png.
// Files are overwritten on every call.
type PNGPredictionWriter struct {
	Dir string
}

// SavePrediction writes both branch predictions
func (w PNGPredictionWriter) SavePrediction(netName string, predA, predB *tensor.Labels) error {
	if err := w.write(netName+"_A.png", predA); err != nil {
		return err
	}
	return w.write(netName+"_B.png", predB)
}

func (w PNGPredictionWriter) write(name string, labels *tensor.Labels) error {
	img, err := Index2Color(labels)
	if err != nil {
		return fmt.Errorf("failed to render %s: %w", name, err)
	}
	f, err := os.Create(filepath.Join(w.Dir, name))
	if err != nil {
		return err
	}
	if err := png.Encode(f, img); err != nil {
		f.Close()
		return fmt.Errorf("failed to encode %s: %w", name, err)
	}
	return f.Close()
}
