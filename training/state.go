package training

// Phase is the self-training mode of a run
type Phase int

const (
	// Warmup trains on ground truth only
	Warmup Phase = iota
	// SelfTraining adds teacher pseudo labels. There is no way back to Warmup.
	SelfTraining
)

func (p Phase) String() string {
	switch p {
	case Warmup:
		return "Warmup"
	case SelfTraining:
		return "SelfTraining"
	default:
		return "Unknown"
	}
}

// SelfTrainingFscd is the best validation Fscd that must be exceeded to open the gate
const SelfTrainingFscd = 0.3

// EpochResult summarises one finished epoch
type EpochResult struct {
	Epoch         int
	TrainAccuracy float64
	Val           SCDScores
	ValLoss       float64
}

// Transition reports what changed when an epoch result was observed
type Transition struct {
	Improved         bool // validation Fscd strictly beat the previous best
	EnteredSelfTrain bool // this observation moved the run out of Warmup
	PreviousBestFscd float64
}

// TrainingState carries the run counters and best-so-far metrics.
// Only the trainer mutates it, and only at epoch boundaries.
type TrainingState struct {
	Epoch        int
	Iteration    int
	BestTrainAcc float64
	BestFscd     float64
	BestValAcc   float64
	BestValLoss  float64
	BestEpoch    int
	Phase        Phase
}

// NewTrainingState returns the state at the start of a run
func NewTrainingState() *TrainingState {
	return &TrainingState{
		BestValLoss: 1.0,
		BestEpoch:   -1,
		Phase:       Warmup,
	}
}

// SelfTrainingActive reports whether pseudo labels should be used during the next epoch
func (s *TrainingState) SelfTrainingActive(enabled bool) bool {
	return enabled && s.Phase == SelfTraining
}

// Observe folds an epoch result into the best-so-far values and advances the phase.
// Best values never decrease, so the phase change is permanent.
func (s *TrainingState) Observe(r EpochResult) Transition {
	tr := Transition{PreviousBestFscd: s.BestFscd}

	if r.TrainAccuracy > s.BestTrainAcc {
		s.BestTrainAcc = r.TrainAccuracy
	}
	if r.Val.Fscd > s.BestFscd {
		s.BestFscd = r.Val.Fscd
		s.BestValAcc = r.Val.Accuracy
		s.BestValLoss = r.ValLoss
		s.BestEpoch = r.Epoch
		tr.Improved = true
	}
	if s.Phase == Warmup && s.BestFscd > SelfTrainingFscd {
		s.Phase = SelfTraining
		tr.EnteredSelfTrain = true
	}
	return tr
}
