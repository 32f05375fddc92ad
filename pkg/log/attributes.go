// Package log defines standard attribute keys for pipeline and serving logs.
//
// Keys follow a hierarchical naming convention ("stage.name", "metrics.loss")
// so that log lines from different stages can be filtered uniformly.

package log

// Pipeline context
const (
	// StageKey identifies the pipeline stage emitting the record.
	StageKey = "stage.name"

	// ArtifactKey is the on-disk path of an artifact being read or written.
	ArtifactKey = "artifact.path"

	// ArtifactSizeKey is a human readable artifact size, e.g. "12.3MB".
	ArtifactSizeKey = "artifact.size"

	// SourceKey is a remote or local location data is fetched from.
	SourceKey = "artifact.source"

	// ComponentKey identifies which package is performing the operation.
	ComponentKey = "component"

	// PhaseKey indicates the phase: "training", "validation", "inference".
	PhaseKey = "ml.phase"
)

// Data shape
const (
	SamplesKey   = "data.samples"
	ClassesKey   = "data.classes"
	BatchSizeKey = "data.batch_size"
	ImageSizeKey = "data.image_size"
)

// Metrics and training progress
const (
	DurationMsKey = "perf.duration_ms"
	AccuracyKey   = "metrics.accuracy"
	LossKey       = "metrics.loss"
	EpochKey      = "training.epoch"
	EpochsKey     = "training.epochs"
)

// Hyperparameters and configuration
const (
	LearningRateKey = "hyperparams.learning_rate"
	WeightsKey      = "hyperparams.weights"
	RandomSeedKey   = "config.random_seed"
	FractionKey     = "config.validation_fraction"
)

// Serving
const (
	PredictionKey = "preds.label"
	RemoteAddrKey = "http.remote_addr"
	TrackingKey   = "tracking.uri"
	RunIDKey      = "tracking.run_id"
)

// Standard values for PhaseKey.
const (
	PhaseTraining   = "training"
	PhaseValidation = "validation"
	PhaseInference  = "inference"
)
