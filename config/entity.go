package config

// ImageSize is the network input size as width, height and channels.
type ImageSize struct {
	Width    int
	Height   int
	Channels int
}

// Weights selects how the base backbone is initialized.
type Weights string

const (
	// WeightsImageNet loads a pretrained backbone snapshot.
	WeightsImageNet Weights = "imagenet"
	// WeightsNone starts from a seeded random initialization.
	WeightsNone Weights = "none"
)

// IngestionConfig is the resolved input of the ingestion stage.
type IngestionConfig struct {
	RootDir       string
	SourceURL     string
	LocalDataFile string
	UnzipDir      string
}

// BaseModelConfig is the resolved input of the base model stage.
type BaseModelConfig struct {
	RootDir              string
	BaseModelPath        string
	UpdatedBaseModelPath string
	// PretrainedSource is a path or URL of a pretrained backbone snapshot.
	// Required when Weights is WeightsImageNet.
	PretrainedSource string

	ImageSize    ImageSize
	LearningRate float64
	Weights      Weights
	Classes      int
	Seed         int64
}

// TrainingConfig is the resolved input of the training stage.
type TrainingConfig struct {
	RootDir              string
	TrainedModelPath     string
	UpdatedBaseModelPath string
	TrainingData         string
	// HistoryPlotPath is optional; empty disables the plot.
	HistoryPlotPath string

	Epochs             int
	BatchSize          int
	Augmentation       bool
	ImageSize          ImageSize
	LearningRate       float64
	Classes            int
	Seed               int64
	ValidationFraction float64
}

// EvaluationConfig is the resolved input of the evaluation stage.
type EvaluationConfig struct {
	RootDir      string
	ModelPath    string
	TrainingData string
	ScoresPath   string

	TrackingEnabled bool
	TrackingURI     string
	Experiment      string
	AllParams       map[string]string

	ImageSize          ImageSize
	BatchSize          int
	Classes            int
	Seed               int64
	ValidationFraction float64

	// The training split settings, kept so evaluation can report when it
	// re-derives a different split.
	TrainingSeed               int64
	TrainingValidationFraction float64
}
