package stage

import (
	"context"
	"os"

	"gonum.org/v1/gonum/mat"

	"github.com/YuminosukeSato/dustscope/artifact"
	"github.com/YuminosukeSato/dustscope/backbone"
	"github.com/YuminosukeSato/dustscope/config"
	"github.com/YuminosukeSato/dustscope/core/model"
	"github.com/YuminosukeSato/dustscope/dataset"
	"github.com/YuminosukeSato/dustscope/metrics"
	"github.com/YuminosukeSato/dustscope/pkg/errors"
	"github.com/YuminosukeSato/dustscope/pkg/log"
	"github.com/YuminosukeSato/dustscope/preprocessing"
	"github.com/YuminosukeSato/dustscope/tracking"
)

// Classifier produces one row of class logits per input row.
type Classifier interface {
	Forward(x mat.Matrix) (*mat.Dense, error)
}

// Scores is the content of the scores file.
type Scores struct {
	Loss     float64 `json:"loss"`
	Accuracy float64 `json:"accuracy"`
}

// Evaluate runs clf over every batch of loader without updating it.
// Loss is the mean batch cross-entropy and Accuracy is correct/total.
func Evaluate(ctx context.Context, clf Classifier, loader *dataset.Loader) (Scores, error) {
	if len(loader.Samples) == 0 {
		return Scores{}, errors.NewValueError("Evaluate", "validation subset is empty")
	}
	var running metrics.Running
	err := loader.Each(ctx, func(b dataset.Batch) error {
		logits, err := clf.Forward(b.X)
		if err != nil {
			return err
		}
		loss, err := metrics.CrossEntropy(logits, b.Labels)
		if err != nil {
			return err
		}
		running.Add(loss, metrics.Argmax(logits), b.Labels)
		return nil
	})
	if err != nil {
		return Scores{}, err
	}
	return Scores{Loss: running.Loss(), Accuracy: running.Accuracy()}, nil
}

// Evaluation scores the trained model on the validation split and optionally
// reports the run to an experiment tracker.
type Evaluation struct {
	cfg    config.EvaluationConfig
	logger log.Logger
	o      options
}

// NewEvaluation creates the evaluation stage. Tracking runs when the config
// enables it or when a tracker is injected with WithTracker.
func NewEvaluation(cfg config.EvaluationConfig, opts ...Option) *Evaluation {
	o := newOptions(EvaluationName, opts)
	if o.getenv == nil {
		o.getenv = os.Getenv
	}
	return &Evaluation{cfg: cfg, logger: o.logger, o: o}
}

func (s *Evaluation) Name() string      { return EvaluationName }
func (s *Evaluation) Inputs() []string  { return []string{s.cfg.ModelPath, s.cfg.TrainingData} }
func (s *Evaluation) Outputs() []string { return []string{s.cfg.ScoresPath} }

func (s *Evaluation) tracker() (tracking.Tracker, error) {
	if s.o.tracker != nil {
		return s.o.tracker, nil
	}
	if !s.cfg.TrackingEnabled {
		return nil, nil
	}
	return tracking.New(s.cfg.TrackingURI, tracking.CredentialsFromEnv(s.o.getenv),
		tracking.WithHTTPClient(s.o.client),
		tracking.WithExperiment(s.cfg.Experiment),
		tracking.WithLogger(s.logger),
	)
}

// Run evaluates the trained model and writes the scores file.
func (s *Evaluation) Run(ctx context.Context) error {
	return logFailure(s.logger, s.run(ctx))
}

func (s *Evaluation) run(ctx context.Context) error {
	// 認証情報の不足は推論の前に検出する
	tracker, err := s.tracker()
	if err != nil {
		return err
	}

	size := s.cfg.ImageSize
	net := backbone.New(
		backbone.WithInputSize(size.Width, size.Height, size.Channels),
		backbone.WithClasses(s.cfg.Classes),
	)
	snap, err := model.LoadSnapshot(s.cfg.ModelPath)
	if err != nil {
		return err
	}
	if err := net.LoadStateDict(snap); err != nil {
		return err
	}

	if s.cfg.Seed != s.cfg.TrainingSeed || s.cfg.ValidationFraction != s.cfg.TrainingValidationFraction {
		w := errors.NewSplitMismatchWarning(s.cfg.TrainingSeed, s.cfg.TrainingValidationFraction,
			s.cfg.Seed, s.cfg.ValidationFraction)
		errors.Warn(w)
		s.logger.Warn(w.Error(), log.RandomSeedKey, s.cfg.Seed, log.FractionKey, s.cfg.ValidationFraction)
	}

	folder, err := dataset.ImageFolder(s.cfg.TrainingData)
	if err != nil {
		return err
	}
	_, val := dataset.Split(len(folder.Samples), s.cfg.ValidationFraction, s.cfg.Seed)
	loader := &dataset.Loader{
		Samples:   dataset.Subset(folder.Samples, val),
		Transform: preprocessing.ValidationTransforms(size.Width, size.Height, size.Channels),
		BatchSize: s.cfg.BatchSize,
		Workers:   s.o.workers,
	}
	s.logger.Info("evaluating", log.SamplesKey, len(loader.Samples), log.BatchSizeKey, s.cfg.BatchSize,
		log.PhaseKey, log.PhaseValidation)

	scores, err := Evaluate(ctx, net, loader)
	if err != nil {
		return err
	}
	if err := artifact.WriteJSON(s.cfg.ScoresPath, scores); err != nil {
		return err
	}
	s.logger.Info("scores saved", log.ArtifactKey, s.cfg.ScoresPath,
		log.LossKey, scores.Loss, log.AccuracyKey, scores.Accuracy)

	if tracker == nil {
		return nil
	}
	return s.track(ctx, tracker, scores)
}

func (s *Evaluation) track(ctx context.Context, tracker tracking.Tracker, scores Scores) error {
	run, err := tracker.StartRun(ctx, "evaluation")
	if err != nil {
		return errors.Wrap(err, "start tracking run")
	}
	err = func() error {
		if err := run.LogParams(ctx, s.cfg.AllParams); err != nil {
			return errors.Wrap(err, "log params")
		}
		if err := run.LogMetrics(ctx, map[string]float64{"loss": scores.Loss, "accuracy": scores.Accuracy}); err != nil {
			return errors.Wrap(err, "log metrics")
		}
		if err := run.LogArtifact(ctx, s.cfg.ModelPath, "model"); err != nil {
			return errors.Wrap(err, "log model")
		}
		return nil
	}()
	if err != nil {
		_ = run.End(ctx, tracking.StatusFailed)
		return err
	}
	if err := run.End(ctx, tracking.StatusFinished); err != nil {
		return errors.Wrap(err, "end tracking run")
	}
	s.logger.Info("evaluation tracked", log.RunIDKey, run.ID())
	return nil
}
