package training

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"
)

// Scalar series names emitted by the trainer
const (
	ScalarTrainSegLoss  = "train seg_loss"
	ScalarTrainSCLoss   = "train sc_loss"
	ScalarTrainAccuracy = "train accuracy"
	ScalarLR            = "lr"
	ScalarValLoss       = "val_loss"
	ScalarValFscd       = "val_Fscd"
	ScalarValAccuracy   = "val_Accuracy"
)

// ScalarPoint is one (step, value) sample of a named series
type ScalarPoint struct {
	Tag       string    `json:"tag"`
	Step      int       `json:"step"`
	Value     float64   `json:"value"`
	Timestamp time.Time `json:"time"`
}

// ScalarCollector keeps every series in memory
type ScalarCollector struct {
	mu     sync.Mutex
	series map[string][]ScalarPoint
}

// NewScalarCollector creates an empty collector
func NewScalarCollector() *ScalarCollector {
	return &ScalarCollector{series: make(map[string][]ScalarPoint)}
}

// AddScalar appends a point to the named series
func (sc *ScalarCollector) AddScalar(tag string, value float64, step int) error {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	sc.series[tag] = append(sc.series[tag], ScalarPoint{Tag: tag, Step: step, Value: value, Timestamp: time.Now()})
	return nil
}

// Series returns a copy of the named series
func (sc *ScalarCollector) Series(tag string) []ScalarPoint {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	return append([]ScalarPoint(nil), sc.series[tag]...)
}

// Tags returns the recorded series names in sorted order
func (sc *ScalarCollector) Tags() []string {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	tags := make([]string, 0, len(sc.series))
	for tag := range sc.series {
		tags = append(tags, tag)
	}
	sort.Strings(tags)
	return tags
}

// ToJSON serializes every series
func (sc *ScalarCollector) ToJSON() (string, error) {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	data, err := json.MarshalIndent(sc.series, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to marshal scalar series: %w", err)
	}
	return string(data), nil
}

// JSONLScalarWriter appends one JSON object per scalar to a file
type JSONLScalarWriter struct {
	mu   sync.Mutex
	file *os.File
	buf  *bufio.Writer
	enc  *json.Encoder
}

// NewJSONLScalarWriter opens (or creates) scalars.jsonl inside logDir
func NewJSONLScalarWriter(logDir string) (*JSONLScalarWriter, error) {
	path := filepath.Join(logDir, "scalars.jsonl")
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open scalar log: %w", err)
	}
	buf := bufio.NewWriter(file)
	return &JSONLScalarWriter{file: file, buf: buf, enc: json.NewEncoder(buf)}, nil
}

// AddScalar writes one record
func (w *JSONLScalarWriter) AddScalar(tag string, value float64, step int) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.enc.Encode(ScalarPoint{Tag: tag, Step: step, Value: value, Timestamp: time.Now()})
}

// Flush writes buffered records to disk
func (w *JSONLScalarWriter) Flush() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.buf.Flush()
}

// Close flushes and closes the file
func (w *JSONLScalarWriter) Close() error {
	if err := w.Flush(); err != nil {
		w.file.Close()
		return err
	}
	return w.file.Close()
}

// MultiScalarWriter fans a scalar out to several writers
type MultiScalarWriter []ScalarWriter

// AddScalar forwards to every writer and returns the first error
func (m MultiScalarWriter) AddScalar(tag string, value float64, step int) error {
	var first error
	for _, w := range m {
		if err := w.AddScalar(tag, value, step); err != nil && first == nil {
			first = err
		}
	}
	return first
}
