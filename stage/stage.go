// Package stage implements the four steps of the training pipeline.
//
//	Data Ingestion Stage  fetch the dataset archive and extract it
//	Base Model Stage      build the backbone, freeze it and swap the head
//	Training Stage        fit the head on the training split
//	Evaluation Stage      score the trained model on the validation split
//
// Each stage is a pipeline.Stage built from its resolved config. Stages share
// nothing in memory; every hand-off goes through an artifact on disk.
package stage

import (
	"net/http"

	"github.com/YuminosukeSato/dustscope/pipeline"
	"github.com/YuminosukeSato/dustscope/pkg/log"
	"github.com/YuminosukeSato/dustscope/tracking"
)

// Stage names as they appear in the log markers.
const (
	IngestionName  = "Data Ingestion Stage"
	BaseModelName  = "Base Model Stage"
	TrainingName   = "Training Stage"
	EvaluationName = "Evaluation Stage"
)

var (
	_ pipeline.Stage = (*Ingestion)(nil)
	_ pipeline.Stage = (*BaseModel)(nil)
	_ pipeline.Stage = (*Training)(nil)
	_ pipeline.Stage = (*Evaluation)(nil)
)

type options struct {
	logger  log.Logger
	client  *http.Client
	tracker tracking.Tracker
	workers int
	getenv  func(string) string
}

// Option configures a stage.
type Option func(*options)

// WithLogger sets the logger. Defaults to log.GetLogger().
func WithLogger(logger log.Logger) Option {
	return func(o *options) { o.logger = logger }
}

// WithHTTPClient sets the client used for downloads and remote tracking.
func WithHTTPClient(client *http.Client) Option {
	return func(o *options) { o.client = client }
}

// WithTracker injects the experiment tracker used by the evaluation stage
// instead of the one resolved from its config.
func WithTracker(tracker tracking.Tracker) Option {
	return func(o *options) { o.tracker = tracker }
}

// WithWorkers bounds the parallel image decoding of the data loaders.
func WithWorkers(workers int) Option {
	return func(o *options) { o.workers = workers }
}

// WithGetenv replaces os.Getenv for tracker credential lookup.
func WithGetenv(getenv func(string) string) Option {
	return func(o *options) { o.getenv = getenv }
}

func newOptions(name string, opts []Option) options {
	o := options{client: http.DefaultClient}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = log.GetLogger()
	}
	o.logger = o.logger.With(log.StageKey, name)
	return o
}

// logFailure logs err under the stage's logger and returns it unchanged.
func logFailure(logger log.Logger, err error) error {
	if err != nil {
		logger.Error("stage error", err)
	}
	return err
}
