package stage

import (
	"context"
	"fmt"
	"math/rand"
	"path/filepath"
	"strings"

	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/plotutil"
	"gonum.org/v1/plot/vg"

	"github.com/YuminosukeSato/dustscope/artifact"
	"github.com/YuminosukeSato/dustscope/backbone"
	"github.com/YuminosukeSato/dustscope/config"
	"github.com/YuminosukeSato/dustscope/core/model"
	"github.com/YuminosukeSato/dustscope/dataset"
	"github.com/YuminosukeSato/dustscope/metrics"
	"github.com/YuminosukeSato/dustscope/pkg/errors"
	"github.com/YuminosukeSato/dustscope/pkg/log"
	"github.com/YuminosukeSato/dustscope/preprocessing"
)

// EpochStats summarizes one training epoch. The validation fields are zero
// when the validation subset is empty.
type EpochStats struct {
	Epoch       int
	Loss        float64
	Accuracy    float64
	ValLoss     float64
	ValAccuracy float64
}

// Training fits the trainable layers of the updated base model.
type Training struct {
	cfg     config.TrainingConfig
	logger  log.Logger
	workers int
	history []EpochStats
}

// NewTraining creates the training stage.
func NewTraining(cfg config.TrainingConfig, opts ...Option) *Training {
	o := newOptions(TrainingName, opts)
	return &Training{cfg: cfg, logger: o.logger, workers: o.workers}
}

func (s *Training) Name() string { return TrainingName }

func (s *Training) Inputs() []string {
	return []string{s.cfg.UpdatedBaseModelPath, s.cfg.TrainingData}
}

func (s *Training) Outputs() []string {
	outputs := []string{s.cfg.TrainedModelPath}
	if s.cfg.HistoryPlotPath != "" {
		outputs = append(outputs, s.cfg.HistoryPlotPath)
	}
	return outputs
}

// History returns the statistics of the last Run.
func (s *Training) History() []EpochStats {
	return append([]EpochStats(nil), s.history...)
}

// Run trains for the configured number of epochs and saves the model.
func (s *Training) Run(ctx context.Context) error {
	return logFailure(s.logger, s.run(ctx))
}

func (s *Training) run(ctx context.Context) error {
	size := s.cfg.ImageSize
	net := backbone.New(
		backbone.WithInputSize(size.Width, size.Height, size.Channels),
		backbone.WithClasses(s.cfg.Classes),
	)
	snap, err := model.LoadSnapshot(s.cfg.UpdatedBaseModelPath)
	if err != nil {
		return err
	}
	if err := net.LoadStateDict(snap); err != nil {
		return err
	}

	folder, err := dataset.ImageFolder(s.cfg.TrainingData)
	if err != nil {
		return err
	}
	if len(folder.Classes) > s.cfg.Classes {
		return errors.NewValueError("Training.Run", fmt.Sprintf(
			"found %d classes %v under %s but CLASSES is %d",
			len(folder.Classes), folder.Classes, s.cfg.TrainingData, s.cfg.Classes))
	}

	trainIdx, valIdx := dataset.Split(len(folder.Samples), s.cfg.ValidationFraction, s.cfg.Seed)
	train := &dataset.Loader{
		Samples:   dataset.Subset(folder.Samples, trainIdx),
		Transform: preprocessing.TrainingTransforms(size.Width, size.Height, size.Channels, s.cfg.Augmentation),
		BatchSize: s.cfg.BatchSize,
		Shuffle:   true,
		Rand:      rand.New(rand.NewSource(s.cfg.Seed)),
		Workers:   s.workers,
	}
	val := &dataset.Loader{
		Samples:   dataset.Subset(folder.Samples, valIdx),
		Transform: preprocessing.ValidationTransforms(size.Width, size.Height, size.Channels),
		BatchSize: s.cfg.BatchSize,
		Workers:   s.workers,
	}

	s.logger.Info("training",
		log.SamplesKey, len(train.Samples),
		"data.validation_samples", len(val.Samples),
		log.ClassesKey, folder.Classes,
		log.EpochsKey, s.cfg.Epochs,
		log.BatchSizeKey, s.cfg.BatchSize,
		log.LearningRateKey, s.cfg.LearningRate,
		log.ImageSizeKey, []int{size.Width, size.Height, size.Channels},
		"data.augmentation", s.cfg.Augmentation,
		"model.trainable", net.TrainableLayers(),
	)

	s.history = s.history[:0]
	for epoch := 1; epoch <= s.cfg.Epochs; epoch++ {
		stats, err := s.epoch(ctx, net, train, val, epoch)
		if err != nil {
			return errors.Wrapf(err, "epoch %d", epoch)
		}
		s.history = append(s.history, stats)
	}

	if err := model.SaveSnapshot(net.StateDict(), s.cfg.TrainedModelPath); err != nil {
		return err
	}
	s.logger.Info("trained model saved", log.ArtifactKey, s.cfg.TrainedModelPath)

	if s.cfg.HistoryPlotPath != "" {
		if err := WriteHistoryPlot(s.history, s.cfg.HistoryPlotPath); err != nil {
			return err
		}
		s.logger.Info("training history plotted", log.ArtifactKey, s.cfg.HistoryPlotPath)
	}
	return nil
}

func (s *Training) epoch(ctx context.Context, net *backbone.Net, train, val *dataset.Loader, epoch int) (EpochStats, error) {
	var running metrics.Running
	warned := false
	err := train.Each(ctx, func(b dataset.Batch) error {
		logits, loss, err := net.TrainStep(b.X, b.Labels, s.cfg.LearningRate)
		if err != nil {
			return err
		}
		if err := errors.CheckScalar("Training.loss", loss, epoch); err != nil && !warned {
			warned = true
			errors.Warn(errors.NewConvergenceWarning("sgd", epoch, err.Error()))
		}
		running.Add(loss, metrics.Argmax(logits), b.Labels)
		return nil
	})
	if err != nil {
		return EpochStats{}, err
	}

	stats := EpochStats{Epoch: epoch, Loss: running.Loss(), Accuracy: running.Accuracy()}
	fields := []any{
		log.EpochKey, epoch,
		log.PhaseKey, log.PhaseTraining,
		log.LossKey, stats.Loss,
		log.AccuracyKey, stats.Accuracy,
	}
	if len(val.Samples) > 0 {
		scores, err := Evaluate(ctx, net, val)
		if err != nil {
			return EpochStats{}, errors.Wrap(err, "validate")
		}
		stats.ValLoss, stats.ValAccuracy = scores.Loss, scores.Accuracy
		fields = append(fields, "metrics.val_loss", scores.Loss, "metrics.val_accuracy", scores.Accuracy)
	}
	s.logger.Info(fmt.Sprintf("Epoch [%d/%d] Loss: %.4f Acc: %.2f%%",
		epoch, s.cfg.Epochs, stats.Loss, 100*stats.Accuracy), fields...)
	return stats, nil
}

// WriteHistoryPlot renders loss and accuracy per epoch. The image format
// follows the file extension (png, svg, pdf, jpg, ...); no extension means png.
func WriteHistoryPlot(history []EpochStats, path string) error {
	p := plot.New()
	p.Title.Text = "Training history"
	p.X.Label.Text = "epoch"

	loss := make(plotter.XYs, len(history))
	acc := make(plotter.XYs, len(history))
	valLoss := make(plotter.XYs, len(history))
	valAcc := make(plotter.XYs, len(history))
	for i, h := range history {
		x := float64(h.Epoch)
		loss[i] = plotter.XY{X: x, Y: h.Loss}
		acc[i] = plotter.XY{X: x, Y: h.Accuracy}
		valLoss[i] = plotter.XY{X: x, Y: h.ValLoss}
		valAcc[i] = plotter.XY{X: x, Y: h.ValAccuracy}
	}
	if err := plotutil.AddLinePoints(p,
		"loss", loss, "accuracy", acc,
		"val loss", valLoss, "val accuracy", valAcc,
	); err != nil {
		return errors.Wrap(err, "build history plot")
	}

	format := strings.TrimPrefix(strings.ToLower(filepath.Ext(path)), ".")
	if format == "" {
		format = "png"
	}
	w, err := p.WriterTo(6*vg.Inch, 4*vg.Inch, format)
	if err != nil {
		return errors.Wrapf(err, "render history plot as %s", format)
	}

	pending, err := artifact.TempFileFor(path)
	if err != nil {
		return err
	}
	defer func() { _ = pending.Cleanup() }()
	if _, err := w.WriteTo(pending); err != nil {
		return errors.NewIOError("write", path, err)
	}
	if err := pending.CloseAtomicallyReplace(); err != nil {
		return errors.NewIOError("write", path, err)
	}
	return nil
}
