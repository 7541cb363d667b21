package training

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/tsawler/go-scd/tensor"
)

// TrainerOption customises a Trainer
type TrainerOption func(*Trainer)

// WithLogger sets the structured logger
func WithLogger(logger *slog.Logger) TrainerOption {
	return func(t *Trainer) { t.logger = logger }
}

// WithScalarWriter sets where metric series are sent
func WithScalarWriter(w ScalarWriter) TrainerOption {
	return func(t *Trainer) { t.scalars = w }
}

// WithPredictionSink enables saving validation predictions every PredictStep epochs
func WithPredictionSink(sink PredictionSink) TrainerOption {
	return func(t *Trainer) { t.sink = sink }
}

// WithEvaluator replaces the default SCD evaluator
func WithEvaluator(e Evaluator) TrainerOption {
	return func(t *Trainer) { t.evaluator = e }
}

// WithScheduler replaces the scheduler built from the config
func WithScheduler(s LRScheduler) TrainerOption {
	return func(t *Trainer) { t.scheduler = s }
}

// WithCheckpointManager replaces the default binary checkpoint writer
func WithCheckpointManager(cm *CheckpointManager) TrainerOption {
	return func(t *Trainer) { t.checkpoints = cm }
}

// WithProgress draws a progress bar for every training epoch on w
func WithProgress(w io.Writer) TrainerOption {
	return func(t *Trainer) { t.progress = w }
}

// Trainer runs the supervised + self-training loop
type Trainer struct {
	cfg       Config
	net       Network
	optimizer Optimizer
	losses    *LossAssembler
	criteria  Criteria
	trainData BatchLoader
	valData   BatchLoader

	scheduler   LRScheduler
	teacher     *TeacherManager
	pseudo      *PseudoLabeler
	evaluator   Evaluator
	scalars     ScalarWriter
	sink        PredictionSink
	checkpoints *CheckpointManager
	logger      *slog.Logger
	progress    io.Writer

	state      *TrainingState
	totalIters int
	startedAt  time.Time
}

// NewTrainer wires a trainer. When cfg.LoadPath is set the trainee weights are
// restored before the initial teacher snapshot is taken.
func NewTrainer(cfg Config, net Network, opt Optimizer, criteria Criteria, trainData, valData BatchLoader, opts ...TrainerOption) (*Trainer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if net.NumClasses() != cfg.NumClasses {
		return nil, fmt.Errorf("%w: network %s has %d classes, config has %d",
			ErrClassCountMismatch, net.Name(), net.NumClasses(), cfg.NumClasses)
	}
	if trainData.Len() == 0 {
		return nil, fmt.Errorf("training loader is empty")
	}

	t := &Trainer{
		cfg:        cfg,
		net:        net,
		optimizer:  opt,
		losses:     NewLossAssembler(criteria),
		criteria:   criteria,
		trainData:  trainData,
		valData:    valData,
		evaluator:  SCDEvaluator{},
		scalars:    NewScalarCollector(),
		state:      NewTrainingState(),
		totalIters: trainData.Len() * cfg.Epochs,
	}
	for _, o := range opts {
		o(t)
	}
	if t.logger == nil {
		t.logger = slog.Default()
	}
	if t.checkpoints == nil {
		t.checkpoints = NewCheckpointManager(DefaultCheckpointConfig(cfg))
	}
	if t.scheduler == nil {
		s, err := NewScheduler(cfg.LRPolicy, t.totalIters, cfg.LRDecayPower)
		if err != nil {
			return nil, err
		}
		t.scheduler = s
	}

	if cfg.LoadPath != "" {
		cp, err := Restore(net, opt, cfg.LoadPath)
		if err != nil {
			return nil, err
		}
		t.logger.Info("restored weights", "path", cfg.LoadPath, "epoch", cp.TrainingState.Epoch, "fscd", cp.TrainingState.Fscd)
	}

	teacher, err := NewTeacherManager(net)
	if err != nil {
		return nil, err
	}
	t.teacher = teacher
	t.pseudo = NewPseudoLabeler(teacher, cfg.PseudoTTA)
	return t, nil
}

// State returns a copy of the current training state
func (t *Trainer) State() TrainingState {
	return *t.state
}

// Teacher returns the snapshot manager used for pseudo labels
func (t *Trainer) Teacher() *TeacherManager {
	return t.teacher
}

// Checkpoints returns the checkpoint writer
func (t *Trainer) Checkpoints() *CheckpointManager {
	return t.checkpoints
}

// Fit trains until cfg.Epochs epochs have run or ctx is cancelled
func (t *Trainer) Fit(ctx context.Context) error {
	t.startedAt = time.Now()
	t.logger.Info("training started",
		"net", t.net.Name(),
		"epochs", t.cfg.Epochs,
		"batches_per_epoch", t.trainData.Len(),
		"scheduler", t.scheduler.GetName(),
		"self_training", t.cfg.PseudoTrain,
		"tta", t.cfg.PseudoTTA,
	)

	for t.state.Epoch < t.cfg.Epochs {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := t.runEpoch(ctx); err != nil {
			return err
		}
		t.state.Epoch++
	}

	t.logger.Info("training finished", "elapsed", time.Since(t.startedAt).Round(time.Second), "best_fscd", t.state.BestFscd, "best_epoch", t.state.BestEpoch)
	return nil
}

func (t *Trainer) runEpoch(ctx context.Context) error {
	epoch := t.state.Epoch
	selfTrain := t.state.SelfTrainingActive(t.cfg.PseudoTrain)

	trainAcc, err := t.trainEpoch(ctx, selfTrain)
	if err != nil {
		return fmt.Errorf("epoch %d: %w", epoch, err)
	}
	scores, valLoss, err := t.Validate(ctx)
	if err != nil {
		return fmt.Errorf("epoch %d validation: %w", epoch, err)
	}

	result := EpochResult{Epoch: epoch, TrainAccuracy: trainAcc, Val: scores, ValLoss: valLoss}
	tr := t.state.Observe(result)

	promoted := false
	if tr.Improved {
		if err := t.teacher.Promote(t.net, epoch); err != nil {
			return fmt.Errorf("epoch %d: %w", epoch, err)
		}
		promoted = true
		path, err := t.checkpoints.SaveBest(t.net, t.optimizer, t.state, result)
		if err != nil {
			return fmt.Errorf("epoch %d: %w", epoch, err)
		}
		t.logger.Info("new best model", "epoch", epoch, "fscd", scores.Fscd, "previous", tr.PreviousBestFscd, "checkpoint", path)
	}
	if tr.EnteredSelfTrain {
		if !promoted {
			if err := t.teacher.Promote(t.net, epoch); err != nil {
				return fmt.Errorf("epoch %d: %w", epoch, err)
			}
		}
		t.logger.Info("self-training enabled", "epoch", epoch, "best_fscd", t.state.BestFscd, "pseudo_labels", t.cfg.PseudoTrain)
	}

	t.logger.Info("best record",
		"total_time", time.Since(t.startedAt).Round(100*time.Millisecond),
		"train_acc", t.state.BestTrainAcc*100,
		"val_fscd", t.state.BestFscd*100,
		"val_acc", t.state.BestValAcc*100,
		"val_loss", t.state.BestValLoss,
	)
	return nil
}

// trainEpoch runs one pass over the training loader and returns the mean batch accuracy
func (t *Trainer) trainEpoch(ctx context.Context, selfTrain bool) (float64, error) {
	epoch := t.state.Epoch
	t.net.SetTraining(true)

	var accMeter, segMeter, bnMeter, scMeter AverageMeter
	start := time.Now()
	base := epoch * t.trainData.Len()

	var bar *ProgressBar
	if t.progress != nil {
		bar = NewProgressBar(t.progress, fmt.Sprintf("Epoch %d/%d", epoch+1, t.cfg.Epochs), t.trainData.Len())
	}

	i := 0
	for batch, err := range t.trainData.Batches(ctx) {
		if err != nil {
			return 0, fmt.Errorf("failed to load batch %d: %w", i, err)
		}
		if err := ctx.Err(); err != nil {
			return 0, err
		}
		iteration := base + i + 1
		t.state.Iteration = iteration
		lr := t.scheduler.GetLR(epoch, iteration, t.cfg.LearningRate)
		t.optimizer.SetLearningRate(lr)

		loss, out, err := t.trainStep(batch, selfTrain)
		if err != nil {
			return 0, fmt.Errorf("batch %d: %w", i, err)
		}

		acc, err := batchAccuracy(out, batch)
		if err != nil {
			return 0, fmt.Errorf("batch %d: %w", i, err)
		}
		accMeter.Update(acc, 1)
		segMeter.Update(loss.Term(TermSegmentation), 1)
		bnMeter.Update(loss.Term(TermChange), 1)
		scMeter.Update(loss.Term(TermSimilarity), 1)

		if bar != nil {
			bar.Update(i+1, map[string]float64{"loss": loss.Value(), "acc": accMeter.Val})
		}

		if (i+1)%t.cfg.PrintFreq == 0 {
			t.logger.Info("train",
				"epoch", epoch,
				"iter", i+1,
				"of", t.trainData.Len(),
				"elapsed", time.Since(start).Round(100*time.Millisecond),
				"lr", lr,
				"seg_loss", segMeter.Val,
				"bn_loss", bnMeter.Val,
				"acc", accMeter.Val*100,
			)
			t.addScalar(ScalarTrainSegLoss, segMeter.Val, iteration)
			t.addScalar(ScalarTrainSCLoss, scMeter.Val, iteration)
			t.addScalar(ScalarTrainAccuracy, accMeter.Val, iteration)
			t.addScalar(ScalarLR, lr, iteration)
		}
		i++
	}
	if bar != nil {
		bar.Finish()
	}
	return accMeter.Avg, nil
}

// trainStep runs forward, loss, backward and the optimizer update for one batch
func (t *Trainer) trainStep(batch *Batch, selfTrain bool) (*CompositeLoss, *Output, error) {
	t.optimizer.ZeroGrad()

	out, err := t.net.Forward(batch.ImagesA, batch.ImagesB)
	if err != nil {
		return nil, nil, fmt.Errorf("forward failed: %w", err)
	}
	if err := t.checkClasses(out); err != nil {
		return nil, nil, err
	}

	var pseudo *tensor.Labels
	if selfTrain {
		res, err := t.pseudo.Generate(batch)
		if err != nil {
			return nil, nil, fmt.Errorf("pseudo labels: %w", err)
		}
		pseudo = res.Labels
		t.logger.Debug("pseudo labels", "kept", res.Kept, "thresholds_a", res.ThresholdsA, "thresholds_b", res.ThresholdsB)
	}

	loss, err := t.losses.Assemble(out, batch, pseudo)
	if err != nil {
		return nil, nil, err
	}
	if err := loss.Backward(1); err != nil {
		return nil, nil, err
	}
	if err := t.net.Backward(out); err != nil {
		return nil, nil, fmt.Errorf("backward failed: %w", err)
	}
	if err := t.optimizer.Step(); err != nil {
		return nil, nil, fmt.Errorf("optimizer step failed: %w", err)
	}
	return loss, out, nil
}

func (t *Trainer) checkClasses(out *Output) error {
	for _, seg := range []*tensor.Tensor{out.SegA, out.SegB} {
		_, c, _, _, err := seg.Dims4()
		if err != nil {
			return err
		}
		if c != t.cfg.NumClasses {
			return fmt.Errorf("%w: got %d channels, want %d", ErrClassCountMismatch, c, t.cfg.NumClasses)
		}
	}
	return nil
}

// Validate scores the trainee on the validation loader.
// It returns the SCD scores (with pixel accuracy) and the mean validation loss.
func (t *Trainer) Validate(ctx context.Context) (SCDScores, float64, error) {
	epoch := t.state.Epoch
	t.net.SetTraining(false)
	start := time.Now()

	var lossMeter, accMeter AverageMeter
	var preds, labels []*tensor.Labels

	vi := 0
	for batch, err := range t.valData.Batches(ctx) {
		if err != nil {
			return SCDScores{}, 0, fmt.Errorf("failed to load validation batch %d: %w", vi, err)
		}
		if err := ctx.Err(); err != nil {
			return SCDScores{}, 0, err
		}

		out, err := t.net.Forward(batch.ImagesA, batch.ImagesB)
		if err != nil {
			return SCDScores{}, 0, fmt.Errorf("forward failed: %w", err)
		}
		if err := t.checkClasses(out); err != nil {
			return SCDScores{}, 0, err
		}
		lossA, err := t.criteria.Segmentation(out.SegA, batch.LabelsA)
		if err != nil {
			return SCDScores{}, 0, err
		}
		lossB, err := t.criteria.Segmentation(out.SegB, batch.LabelsB)
		if err != nil {
			return SCDScores{}, 0, err
		}
		lossMeter.Update(0.5*lossA.Value()+0.5*lossB.Value(), 1)

		predA, predB, err := MaskedPredictions(out)
		if err != nil {
			return SCDScores{}, 0, err
		}
		for n := 0; n < batch.Size(); n++ {
			pa, pb := predA.Sample(n), predB.Sample(n)
			la, lb := batch.LabelsA.Sample(n), batch.LabelsB.Sample(n)
			accA, err := PixelAccuracy(pa, la)
			if err != nil {
				return SCDScores{}, 0, err
			}
			accB, err := PixelAccuracy(pb, lb)
			if err != nil {
				return SCDScores{}, 0, err
			}
			accMeter.Update((accA+accB)*0.5, 1)
			preds = append(preds, pa, pb)
			labels = append(labels, la, lb)
		}

		if vi == 0 && t.sink != nil && epoch%t.cfg.PredictStep == 0 {
			if err := t.sink.SavePrediction(t.net.Name(), predA.Sample(0), predB.Sample(0)); err != nil {
				return SCDScores{}, 0, fmt.Errorf("failed to save prediction: %w", err)
			}
			t.logger.Info("prediction saved", "epoch", epoch)
		}
		vi++
	}

	scores, err := t.evaluator.Evaluate(preds, labels, t.cfg.NumClasses)
	if err != nil {
		return SCDScores{}, 0, err
	}
	scores.Accuracy = accMeter.Avg

	t.logger.Info("validation",
		"epoch", epoch,
		"elapsed", time.Since(start).Round(100*time.Millisecond),
		"loss", lossMeter.Avg,
		"fscd", scores.Fscd*100,
		"miou", scores.MIoU*100,
		"sek", scores.Sek*100,
		"acc", scores.Accuracy*100,
	)
	t.addScalar(ScalarValLoss, lossMeter.Avg, epoch)
	t.addScalar(ScalarValFscd, scores.Fscd, epoch)
	t.addScalar(ScalarValAccuracy, scores.Accuracy, epoch)

	return scores, lossMeter.Avg, nil
}

func (t *Trainer) addScalar(tag string, value float64, step int) {
	if err := t.scalars.AddScalar(tag, value, step); err != nil {
		t.logger.Warn("failed to record scalar", "tag", tag, "error", err)
	}
}

// MaskedPredictions takes the arg-max class of both branches and zeroes every
// pixel the change head does not mark as changed (sigmoid > 0.5).
func MaskedPredictions(out *Output) (predA, predB *tensor.Labels, err error) {
	changed := make([]bool, len(out.Change.Data))
	for i, v := range out.Change.Data {
		changed[i] = tensor.Sigmoid(v) > 0.5
	}
	rawA, _, err := out.SegA.ArgMax()
	if err != nil {
		return nil, nil, err
	}
	rawB, _, err := out.SegB.ArgMax()
	if err != nil {
		return nil, nil, err
	}
	if predA, err = rawA.Masked(changed); err != nil {
		return nil, nil, err
	}
	if predB, err = rawB.Masked(changed); err != nil {
		return nil, nil, err
	}
	return predA, predB, nil
}

// batchAccuracy is the mean over samples of the A/B average pixel accuracy
func batchAccuracy(out *Output, batch *Batch) (float64, error) {
	predA, predB, err := MaskedPredictions(out)
	if err != nil {
		return 0, err
	}
	var meter AverageMeter
	for n := 0; n < batch.Size(); n++ {
		accA, err := PixelAccuracy(predA.Sample(n), batch.LabelsA.Sample(n))
		if err != nil {
			return 0, err
		}
		accB, err := PixelAccuracy(predB.Sample(n), batch.LabelsB.Sample(n))
		if err != nil {
			return 0, err
		}
		meter.Update((accA+accB)*0.5, 1)
	}
	return meter.Avg, nil
}
