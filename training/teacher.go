package training

import (
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/tsawler/go-scd/tensor"
)

// ErrNoSnapshot is returned when inference is requested before any snapshot exists
var ErrNoSnapshot = errors.New("no teacher snapshot")

// TeacherSnapshot is a frozen copy of the trainee taken at promotion time.
// It is never mutated; promotion replaces it with a new value.
type TeacherSnapshot struct {
	predictor Predictor
	epoch     int
	takenAt   time.Time
}

// Epoch returns the epoch at which the snapshot was taken (-1 for the initial copy)
func (s *TeacherSnapshot) Epoch() int {
	return s.epoch
}

// TakenAt returns the wall-clock time of the promotion
func (s *TeacherSnapshot) TakenAt() time.Time {
	return s.takenAt
}

// Infer runs the frozen model forward
func (s *TeacherSnapshot) Infer(imagesA, imagesB *tensor.Tensor) (*Output, error) {
	return s.predictor.Predict(imagesA, imagesB)
}

// Freeze builds a snapshot from the trainee's current weights
func Freeze(trainee Network, epoch int) (*TeacherSnapshot, error) {
	predictor, err := trainee.Freeze()
	if err != nil {
		return nil, fmt.Errorf("failed to freeze trainee: %w", err)
	}
	return &TeacherSnapshot{predictor: predictor, epoch: epoch, takenAt: time.Now()}, nil
}

// TeacherManager owns the current teacher snapshot
type TeacherManager struct {
	current    atomic.Pointer[TeacherSnapshot]
	promotions int
}

// NewTeacherManager snapshots the trainee as it is at time zero
func NewTeacherManager(trainee Network) (*TeacherManager, error) {
	snap, err := Freeze(trainee, -1)
	if err != nil {
		return nil, err
	}
	tm := &TeacherManager{}
	tm.current.Store(snap)
	return tm, nil
}

// Promote replaces the current snapshot with a fresh copy of the trainee.
// Call only between batches.
func (tm *TeacherManager) Promote(trainee Network, epoch int) error {
	snap, err := Freeze(trainee, epoch)
	if err != nil {
		return err
	}
	tm.current.Store(snap)
	tm.promotions++
	return nil
}

// Snapshot returns the current snapshot
func (tm *TeacherManager) Snapshot() *TeacherSnapshot {
	return tm.current.Load()
}

// Promotions returns how many times the snapshot has been replaced
func (tm *TeacherManager) Promotions() int {
	return tm.promotions
}

// Infer runs the current snapshot. Returned tensors must not be mutated.
func (tm *TeacherManager) Infer(imagesA, imagesB *tensor.Tensor) (*Output, error) {
	snap := tm.current.Load()
	if snap == nil {
		return nil, ErrNoSnapshot
	}
	return snap.Infer(imagesA, imagesB)
}
