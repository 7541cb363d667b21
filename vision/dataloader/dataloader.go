package dataloader

import (
	"context"
	"fmt"
	"iter"
	"math/rand/v2"
	"sync"

	"github.com/tsawler/go-scd/tensor"
	"github.com/tsawler/go-scd/training"
	"github.com/tsawler/go-scd/vision/dataset"
)

// Dataset interface defines the contract for datasets
type Dataset interface {
	Len() int
	GetItem(index int) (*dataset.Sample, error)
}

// DataLoader assembles dataset samples into batches. The last batch of an
// epoch may be short.
type DataLoader struct {
	dataset   Dataset
	batchSize int
	shuffle   bool
	prefetch  int
	workers   int

	mu  sync.Mutex
	rng *rand.Rand
}

// Config holds configuration for DataLoader
type Config struct {
	BatchSize  int
	Shuffle    bool   // reshuffle the sample order at the start of every epoch
	Prefetch   int    // batches assembled ahead of the consumer (default: 2)
	NumWorkers int    // parallel sample loads within a batch (default: 1)
	Seed       uint64 // shuffle seed
}

// NewDataLoader creates a new data loader
func NewDataLoader(ds Dataset, config Config) (*DataLoader, error) {
	if ds == nil {
		return nil, fmt.Errorf("dataset cannot be nil")
	}
	if config.BatchSize <= 0 {
		return nil, fmt.Errorf("batch size must be positive, got %d", config.BatchSize)
	}
	if config.Prefetch <= 0 {
		config.Prefetch = 2
	}
	if config.NumWorkers <= 0 {
		config.NumWorkers = 1
	}

	return &DataLoader{
		dataset:   ds,
		batchSize: config.BatchSize,
		shuffle:   config.Shuffle,
		prefetch:  config.Prefetch,
		workers:   config.NumWorkers,
		rng:       rand.New(rand.NewPCG(config.Seed, config.Seed+1)),
	}, nil
}

// Len returns the number of batches per epoch
func (dl *DataLoader) Len() int {
	n := dl.dataset.Len()
	return (n + dl.batchSize - 1) / dl.batchSize
}

// BatchSize returns the configured batch size
func (dl *DataLoader) BatchSize() int {
	return dl.batchSize
}

func (dl *DataLoader) order() []int {
	indices := make([]int, dl.dataset.Len())
	for i := range indices {
		indices[i] = i
	}
	if dl.shuffle {
		dl.mu.Lock()
		dl.rng.Shuffle(len(indices), func(i, j int) {
			indices[i], indices[j] = indices[j], indices[i]
		})
		dl.mu.Unlock()
	}
	return indices
}

type result struct {
	batch *training.Batch
	err   error
}

// Batches yields one epoch of batches in order. A background goroutine keeps
// up to Prefetch batches ready. Iteration stops after the first error.
func (dl *DataLoader) Batches(ctx context.Context) iter.Seq2[*training.Batch, error] {
	return func(yield func(*training.Batch, error) bool) {
		ctx, cancel := context.WithCancel(ctx)
		defer cancel()

		indices := dl.order()
		results := make(chan result, dl.prefetch)

		var wg sync.WaitGroup
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer close(results)
			for start := 0; start < len(indices); start += dl.batchSize {
				end := min(start+dl.batchSize, len(indices))
				batch, err := dl.loadBatch(indices[start:end])
				select {
				case results <- result{batch, err}:
				case <-ctx.Done():
					return
				}
				if err != nil {
					return
				}
			}
		}()
		defer func() {
			cancel()
			for range results {
			}
			wg.Wait()
		}()

		for {
			if err := ctx.Err(); err != nil {
				yield(nil, err)
				return
			}
			select {
			case <-ctx.Done():
				yield(nil, ctx.Err())
				return
			case r, ok := <-results:
				if !ok {
					return
				}
				if !yield(r.batch, r.err) || r.err != nil {
					return
				}
			}
		}
	}
}

func (dl *DataLoader) loadBatch(indices []int) (*training.Batch, error) {
	samples := make([]*dataset.Sample, len(indices))
	errs := make([]error, len(indices))

	jobs := make(chan int, len(indices))
	for i := range indices {
		jobs <- i
	}
	close(jobs)

	var wg sync.WaitGroup
	for w := 0; w < min(dl.workers, len(indices)); w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range jobs {
				samples[i], errs[i] = dl.dataset.GetItem(indices[i])
			}
		}()
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			return nil, fmt.Errorf("failed to load sample %d: %w", indices[i], err)
		}
	}
	return Collate(samples)
}

// Collate stacks samples of identical size into a batch
func Collate(samples []*dataset.Sample) (*training.Batch, error) {
	if len(samples) == 0 {
		return nil, fmt.Errorf("cannot collate an empty batch")
	}
	n, h, w := len(samples), samples[0].Height, samples[0].Width
	plane := h * w

	imagesA, err := tensor.Zeros(n, 3, h, w)
	if err != nil {
		return nil, err
	}
	imagesB := tensor.MustZeros(n, 3, h, w)
	labelsA, err := tensor.NewLabels(n, h, w)
	if err != nil {
		return nil, err
	}
	labelsB, _ := tensor.NewLabels(n, h, w)

	for i, s := range samples {
		if s.Height != h || s.Width != w {
			return nil, fmt.Errorf("sample %s is %dx%d, batch is %dx%d", s.Name, s.Width, s.Height, w, h)
		}
		copy(imagesA.Data[i*3*plane:(i+1)*3*plane], s.ImageA)
		copy(imagesB.Data[i*3*plane:(i+1)*3*plane], s.ImageB)
		copy(labelsA.Data[i*plane:(i+1)*plane], s.LabelA)
		copy(labelsB.Data[i*plane:(i+1)*plane], s.LabelB)
	}

	return &training.Batch{
		ImagesA: imagesA,
		ImagesB: imagesB,
		LabelsA: labelsA,
		LabelsB: labelsB,
	}, nil
}
