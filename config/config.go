// Package config loads the pipeline document and the hyperparameter document
// and resolves them into one frozen config value per stage.
//
// Fields are validated lazily: each accessor only reads and checks the fields
// its stage needs, and reports the first problem as a *errors.ConfigError
// naming the dotted field path.
package config

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/YuminosukeSato/dustscope/artifact"
	"github.com/YuminosukeSato/dustscope/pkg/errors"
	"github.com/YuminosukeSato/dustscope/pkg/log"
)

// Default locations of the two documents, relative to the working directory.
const (
	DefaultConfigFile = "config/config.yaml"
	DefaultParamsFile = "params.yaml"
)

// Defaults applied when a document omits an optional field.
const (
	DefaultSeed                         = 42
	DefaultTrainingValidationFraction   = 0.20
	DefaultEvaluationValidationFraction = 0.30
	DefaultScoresFile                   = "scores.json"
	DefaultExperiment                   = "dustscope"
	DefaultTrackingDir                  = "mlruns"
)

// Store exposes typed, read-only views of the two documents.
type Store struct {
	pipeline      *document
	params        *document
	baseDir       string
	artifactsRoot string
	logger        log.Logger
}

// Option configures Load.
type Option func(*Store)

// WithBaseDir sets the directory relative paths are resolved against.
// It defaults to the working directory at load time.
func WithBaseDir(dir string) Option {
	return func(s *Store) {
		s.baseDir = dir
	}
}

// WithLogger sets the logger used for directory creation messages.
func WithLogger(l log.Logger) Option {
	return func(s *Store) {
		s.logger = l
	}
}

// Load reads both documents and creates the artifacts root directory.
func Load(pipelinePath, paramsPath string, opts ...Option) (*Store, error) {
	s := &Store{logger: log.GetLogger()}
	for _, opt := range opts {
		opt(s)
	}
	if s.baseDir == "" {
		wd, err := os.Getwd()
		if err != nil {
			return nil, errors.Wrap(err, "resolve working directory")
		}
		s.baseDir = wd
	}
	baseDir, err := filepath.Abs(s.baseDir)
	if err != nil {
		return nil, errors.Wrap(err, "resolve base directory")
	}
	s.baseDir = baseDir

	if s.pipeline, err = readDocument(s.resolve(pipelinePath)); err != nil {
		return nil, err
	}
	if s.params, err = readDocument(s.resolve(paramsPath)); err != nil {
		return nil, err
	}
	s.logger.Info("configuration loaded", "config", s.pipeline.name, "params", s.params.name)

	root, err := s.pipeline.str("artifacts_root")
	if err != nil {
		return nil, err
	}
	s.artifactsRoot = s.resolve(root)
	if err := artifact.CreateDirectories(s.logger, s.artifactsRoot); err != nil {
		return nil, err
	}
	return s, nil
}

// ArtifactsRoot returns the absolute artifacts root.
func (s *Store) ArtifactsRoot() string {
	return s.artifactsRoot
}

// Params returns every hyperparameter as a flat string map, for tracking.
func (s *Store) Params() map[string]string {
	return s.params.flatten()
}

func (s *Store) resolve(p string) string {
	if p == "" || filepath.IsAbs(p) {
		return filepath.Clean(p)
	}
	return filepath.Join(s.baseDir, p)
}

func (s *Store) path(field string) (string, error) {
	p, err := s.pipeline.str(field)
	if err != nil {
		return "", err
	}
	return s.resolve(p), nil
}

func (s *Store) optPath(field, def string) (string, error) {
	p, err := s.pipeline.optStr(field, def)
	if err != nil || p == "" {
		return p, err
	}
	return s.resolve(p), nil
}

// stageRoot resolves a stage root and checks it is nested under the artifacts root.
func (s *Store) stageRoot(field string) (string, error) {
	root, err := s.path(field)
	if err != nil {
		return "", err
	}
	return s.nested(field, root)
}

// optStageRoot is stageRoot with a default for an absent field.
func (s *Store) optStageRoot(field, def string) (string, error) {
	root, err := s.optPath(field, def)
	if err != nil {
		return "", err
	}
	return s.nested(field, root)
}

func (s *Store) nested(field, root string) (string, error) {
	rel, err := filepath.Rel(s.artifactsRoot, root)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", errors.NewConfigError(s.pipeline.name, field, "stage root must be nested under artifacts_root", err)
	}
	return root, nil
}

// ResolveTrackingURI makes a local tracking store location absolute.
// An empty uri selects <base>/mlruns; a plain path or a file:// uri is
// resolved against the base directory; any other scheme is returned as is.
func (s *Store) ResolveTrackingURI(uri string) string {
	switch {
	case uri == "":
		return s.resolve(DefaultTrackingDir)
	case strings.HasPrefix(uri, "file://"):
		return "file://" + filepath.ToSlash(s.resolve(filepath.FromSlash(strings.TrimPrefix(uri, "file://"))))
	case strings.Contains(uri, "://"):
		return uri
	default:
		return s.resolve(uri)
	}
}

func (s *Store) imageSize() (ImageSize, error) {
	dims, err := s.params.ints("IMAGE_SIZE")
	if err != nil {
		return ImageSize{}, err
	}
	if len(dims) != 3 || dims[0] <= 0 || dims[1] <= 0 || (dims[2] != 1 && dims[2] != 3) {
		return ImageSize{}, errors.NewConfigError(s.params.name, "IMAGE_SIZE", "expected [width, height, channels] with 1 or 3 channels", nil)
	}
	return ImageSize{Width: dims[0], Height: dims[1], Channels: dims[2]}, nil
}

func (s *Store) classes() (int, error) {
	n, err := s.params.integer("CLASSES")
	if err != nil {
		return 0, err
	}
	if n < 1 {
		return 0, errors.NewConfigError(s.params.name, "CLASSES", "must be at least 1", nil)
	}
	return n, nil
}

func (s *Store) positive(field string) (int, error) {
	n, err := s.params.integer(field)
	if err != nil {
		return 0, err
	}
	if n < 1 {
		return 0, errors.NewConfigError(s.params.name, field, "must be at least 1", nil)
	}
	return n, nil
}

func (s *Store) fraction(field string, def float64) (float64, error) {
	f, err := s.pipeline.optFloat(field, def)
	if err != nil {
		return 0, err
	}
	if f <= 0 || f >= 1 {
		return 0, errors.NewConfigError(s.pipeline.name, field, "must be in (0, 1)", nil)
	}
	return f, nil
}

// IngestionConfig resolves the ingestion stage config and creates its root directory.
func (s *Store) IngestionConfig() (IngestionConfig, error) {
	var (
		c   IngestionConfig
		err error
	)
	if c.RootDir, err = s.stageRoot("data_ingestion.root_dir"); err != nil {
		return IngestionConfig{}, err
	}
	if c.SourceURL, err = s.pipeline.str("data_ingestion.source_URL"); err != nil {
		return IngestionConfig{}, err
	}
	if c.LocalDataFile, err = s.path("data_ingestion.local_data_file"); err != nil {
		return IngestionConfig{}, err
	}
	if c.UnzipDir, err = s.path("data_ingestion.unzipped_data_dir"); err != nil {
		return IngestionConfig{}, err
	}
	if err := artifact.CreateDirectories(s.logger, c.RootDir); err != nil {
		return IngestionConfig{}, err
	}
	return c, nil
}

// BaseModelConfig resolves the base model stage config and creates its root directory.
func (s *Store) BaseModelConfig() (BaseModelConfig, error) {
	var (
		c   BaseModelConfig
		err error
	)
	if c.RootDir, err = s.stageRoot("base_model.root_dir"); err != nil {
		return BaseModelConfig{}, err
	}
	if c.BaseModelPath, err = s.path("base_model.base_model_path"); err != nil {
		return BaseModelConfig{}, err
	}
	if c.UpdatedBaseModelPath, err = s.path("base_model.updated_base_model_path"); err != nil {
		return BaseModelConfig{}, err
	}
	if c.ImageSize, err = s.imageSize(); err != nil {
		return BaseModelConfig{}, err
	}
	if c.LearningRate, err = s.params.float("LEARNING_RATE"); err != nil {
		return BaseModelConfig{}, err
	}
	weights, err := s.params.str("WEIGHTS")
	if err != nil {
		return BaseModelConfig{}, err
	}
	c.Weights = Weights(strings.ToLower(weights))
	switch c.Weights {
	case WeightsNone:
	case WeightsImageNet:
		src, err := s.pipeline.str("base_model.pretrained_source")
		if err != nil {
			return BaseModelConfig{}, err
		}
		c.PretrainedSource = src
		if !strings.Contains(src, "://") {
			c.PretrainedSource = s.resolve(src)
		}
	default:
		return BaseModelConfig{}, errors.NewConfigError(s.params.name, "WEIGHTS", "unknown weights selector "+weights+"; want imagenet or none", nil)
	}
	if c.Classes, err = s.classes(); err != nil {
		return BaseModelConfig{}, err
	}
	if c.Seed, err = s.pipeline.optInt64("base_model.seed", DefaultSeed); err != nil {
		return BaseModelConfig{}, err
	}
	if err := artifact.CreateDirectories(s.logger, c.RootDir); err != nil {
		return BaseModelConfig{}, err
	}
	return c, nil
}

// TrainingConfig resolves the training stage config and creates its root directory.
func (s *Store) TrainingConfig() (TrainingConfig, error) {
	var (
		c   TrainingConfig
		err error
	)
	if c.RootDir, err = s.stageRoot("training.root_dir"); err != nil {
		return TrainingConfig{}, err
	}
	if c.TrainedModelPath, err = s.path("training.trained_model_path"); err != nil {
		return TrainingConfig{}, err
	}
	if c.UpdatedBaseModelPath, err = s.path("base_model.updated_base_model_path"); err != nil {
		return TrainingConfig{}, err
	}
	if c.TrainingData, err = s.path("training.training_data"); err != nil {
		return TrainingConfig{}, err
	}
	if c.HistoryPlotPath, err = s.optPath("training.history_plot_path", ""); err != nil {
		return TrainingConfig{}, err
	}
	if c.Epochs, err = s.positive("EPOCHS"); err != nil {
		return TrainingConfig{}, err
	}
	if c.BatchSize, err = s.positive("BATCH_SIZE"); err != nil {
		return TrainingConfig{}, err
	}
	if c.Augmentation, err = s.params.boolean("AUGMENTATION"); err != nil {
		return TrainingConfig{}, err
	}
	if c.ImageSize, err = s.imageSize(); err != nil {
		return TrainingConfig{}, err
	}
	if c.LearningRate, err = s.params.float("LEARNING_RATE"); err != nil {
		return TrainingConfig{}, err
	}
	if c.Classes, err = s.classes(); err != nil {
		return TrainingConfig{}, err
	}
	if c.Seed, err = s.pipeline.optInt64("training.seed", DefaultSeed); err != nil {
		return TrainingConfig{}, err
	}
	if c.ValidationFraction, err = s.fraction("training.validation_fraction", DefaultTrainingValidationFraction); err != nil {
		return TrainingConfig{}, err
	}
	if err := artifact.CreateDirectories(s.logger, c.RootDir); err != nil {
		return TrainingConfig{}, err
	}
	return c, nil
}

// EvaluationConfig resolves the evaluation stage config and creates its root directory.
func (s *Store) EvaluationConfig() (EvaluationConfig, error) {
	var (
		c   EvaluationConfig
		err error
	)
	if c.RootDir, err = s.optStageRoot("evaluation.root_dir", filepath.Join(s.artifactsRoot, "evaluation")); err != nil {
		return EvaluationConfig{}, err
	}
	if c.ModelPath, err = s.path("evaluation.path_of_model"); err != nil {
		return EvaluationConfig{}, err
	}
	if c.TrainingData, err = s.path("evaluation.training_data"); err != nil {
		return EvaluationConfig{}, err
	}
	if c.ScoresPath, err = s.optPath("evaluation.scores_path", DefaultScoresFile); err != nil {
		return EvaluationConfig{}, err
	}
	if c.TrackingEnabled, err = s.pipeline.optBool("evaluation.tracking_enabled", false); err != nil {
		return EvaluationConfig{}, err
	}
	if c.TrackingURI, err = s.pipeline.optStr("evaluation.mlflow_uri", ""); err != nil {
		return EvaluationConfig{}, err
	}
	c.TrackingURI = s.ResolveTrackingURI(c.TrackingURI)
	if c.Experiment, err = s.pipeline.optStr("evaluation.experiment", DefaultExperiment); err != nil {
		return EvaluationConfig{}, err
	}
	c.AllParams = s.Params()
	if c.ImageSize, err = s.imageSize(); err != nil {
		return EvaluationConfig{}, err
	}
	if c.BatchSize, err = s.positive("BATCH_SIZE"); err != nil {
		return EvaluationConfig{}, err
	}
	if c.Classes, err = s.classes(); err != nil {
		return EvaluationConfig{}, err
	}
	if c.Seed, err = s.pipeline.optInt64("evaluation.seed", DefaultSeed); err != nil {
		return EvaluationConfig{}, err
	}
	if c.ValidationFraction, err = s.fraction("evaluation.validation_fraction", DefaultEvaluationValidationFraction); err != nil {
		return EvaluationConfig{}, err
	}
	if c.TrainingSeed, err = s.pipeline.optInt64("training.seed", DefaultSeed); err != nil {
		return EvaluationConfig{}, err
	}
	if c.TrainingValidationFraction, err = s.fraction("training.validation_fraction", DefaultTrainingValidationFraction); err != nil {
		return EvaluationConfig{}, err
	}
	if err := artifact.CreateDirectories(s.logger, c.RootDir); err != nil {
		return EvaluationConfig{}, err
	}
	return c, nil
}
