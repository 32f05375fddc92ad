package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/YuminosukeSato/dustscope/pkg/errors"
	"github.com/YuminosukeSato/dustscope/pkg/log"
)

func copyTestdata(t *testing.T, dir string, names ...string) {
	t.Helper()
	for _, name := range names {
		content, err := os.ReadFile(filepath.Join("testdata", name))
		require.NoError(t, err)
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), content, 0o644))
	}
}

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func loadTestStore(t *testing.T, params string) (*Store, string) {
	t.Helper()
	dir := t.TempDir()
	copyTestdata(t, dir, "config.yaml", params)
	logger, _ := log.NewTestLogger(log.LevelWarn)
	s, err := Load("config.yaml", params, WithBaseDir(dir), WithLogger(logger))
	require.NoError(t, err)
	return s, dir
}

func requireConfigError(t *testing.T, err error, field string) {
	t.Helper()
	require.Error(t, err)
	var cfgErr *errors.ConfigError
	require.True(t, errors.As(err, &cfgErr), "expected ConfigError, got %T: %v", err, err)
	assert.Equal(t, field, cfgErr.Field)
}

func TestLoadCreatesArtifactsRoot(t *testing.T) {
	s, dir := loadTestStore(t, "params.yaml")

	assert.Equal(t, filepath.Join(dir, "artifacts"), s.ArtifactsRoot())
	info, err := os.Stat(s.ArtifactsRoot())
	require.NoError(t, err)
	assert.True(t, info.IsDir())
}

func TestLoadMissingDocument(t *testing.T) {
	dir := t.TempDir()
	copyTestdata(t, dir, "config.yaml")

	_, err := Load("config.yaml", "params.yaml", WithBaseDir(dir))
	requireConfigError(t, err, "")
}

func TestLoadUnparseableDocument(t *testing.T) {
	dir := t.TempDir()
	copyTestdata(t, dir, "params.yaml")
	writeFile(t, dir, "config.yaml", "artifacts_root: [unclosed")

	_, err := Load("config.yaml", "params.yaml", WithBaseDir(dir))
	requireConfigError(t, err, "")
}

func TestLoadEmptyDocument(t *testing.T) {
	dir := t.TempDir()
	copyTestdata(t, dir, "params.yaml")
	writeFile(t, dir, "config.yaml", "")

	_, err := Load("config.yaml", "params.yaml", WithBaseDir(dir))
	requireConfigError(t, err, "")
}

func TestIngestionConfig(t *testing.T) {
	s, dir := loadTestStore(t, "params.yaml")

	c, err := s.IngestionConfig()
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "artifacts", "data_ingestion"), c.RootDir)
	assert.Equal(t, filepath.Join(dir, "artifacts", "data_ingestion", "data.zip"), c.LocalDataFile)
	assert.Equal(t, filepath.Join(dir, "artifacts", "data_ingestion"), c.UnzipDir)
	assert.Contains(t, c.SourceURL, "drive.google.com")
	assert.DirExists(t, c.RootDir)

	again, err := s.IngestionConfig()
	require.NoError(t, err)
	assert.Equal(t, c, again)
}

func TestBaseModelConfig(t *testing.T) {
	s, dir := loadTestStore(t, "params.yaml")

	c, err := s.BaseModelConfig()
	require.NoError(t, err)
	assert.Equal(t, ImageSize{Width: 224, Height: 224, Channels: 3}, c.ImageSize)
	assert.Equal(t, WeightsImageNet, c.Weights)
	assert.Equal(t, 2, c.Classes)
	assert.InDelta(t, 0.01, c.LearningRate, 1e-12)
	assert.Equal(t, filepath.Join(dir, "weights", "backbone_imagenet.gob"), c.PretrainedSource)
	assert.Equal(t, int64(DefaultSeed), c.Seed)
	assert.DirExists(t, c.RootDir)
}

func TestTrainingConfigDefaults(t *testing.T) {
	s, dir := loadTestStore(t, "params.yaml")

	c, err := s.TrainingConfig()
	require.NoError(t, err)
	assert.Equal(t, 1, c.Epochs)
	assert.Equal(t, 16, c.BatchSize)
	assert.True(t, c.Augmentation)
	assert.Equal(t, int64(42), c.Seed)
	assert.InDelta(t, 0.2, c.ValidationFraction, 1e-12)
	assert.Equal(t, filepath.Join(dir, "artifacts", "base_model", "base_model_updated.gob"), c.UpdatedBaseModelPath)
	assert.Equal(t, filepath.Join(dir, "artifacts", "training", "history.png"), c.HistoryPlotPath)
}

func TestEvaluationConfigDefaults(t *testing.T) {
	s, dir := loadTestStore(t, "params.yaml")

	c, err := s.EvaluationConfig()
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, DefaultScoresFile), c.ScoresPath)
	assert.InDelta(t, 0.3, c.ValidationFraction, 1e-12)
	assert.InDelta(t, 0.2, c.TrainingValidationFraction, 1e-12)
	assert.Equal(t, int64(42), c.Seed)
	assert.False(t, c.TrackingEnabled)
	assert.Equal(t, DefaultExperiment, c.Experiment)
	assert.Equal(t, "16", c.AllParams["BATCH_SIZE"])
	assert.Equal(t, "imagenet", c.AllParams["WEIGHTS"])
}

func TestEvaluationTrackingURI(t *testing.T) {
	tests := []struct {
		name string
		uri  string
		want func(dir string) string
	}{
		{
			name: "absent uses mlruns under base",
			uri:  "",
			want: func(dir string) string { return filepath.Join(dir, DefaultTrackingDir) },
		},
		{
			name: "relative path",
			uri:  "  mlflow_uri: runs/local\n",
			want: func(dir string) string { return filepath.Join(dir, "runs", "local") },
		},
		{
			name: "relative file uri",
			uri:  "  mlflow_uri: file://runs\n",
			want: func(dir string) string { return "file://" + filepath.ToSlash(filepath.Join(dir, "runs")) },
		},
		{
			name: "absolute file uri",
			uri:  "  mlflow_uri: file:///var/mlruns\n",
			want: func(string) string { return "file:///var/mlruns" },
		},
		{
			name: "remote uri unchanged",
			uri:  "  mlflow_uri: https://dagshub.com/example/repo.mlflow\n",
			want: func(string) string { return "https://dagshub.com/example/repo.mlflow" },
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := t.TempDir()
			writeFile(t, dir, "config.yaml",
				"artifacts_root: artifacts\nevaluation:\n  path_of_model: m\n  training_data: d\n"+tt.uri)
			writeFile(t, dir, "params.yaml", "IMAGE_SIZE: [8, 8, 3]\nBATCH_SIZE: 4\nCLASSES: 2\n")

			s, err := Load("config.yaml", "params.yaml", WithBaseDir(dir))
			require.NoError(t, err)
			c, err := s.EvaluationConfig()
			require.NoError(t, err)
			assert.Equal(t, tt.want(s.baseDir), c.TrackingURI)
			assert.Equal(t, filepath.Join(s.artifactsRoot, "evaluation"), c.RootDir)
		})
	}
}

func TestTOMLParams(t *testing.T) {
	s, _ := loadTestStore(t, "params.toml")

	c, err := s.TrainingConfig()
	require.NoError(t, err)
	assert.Equal(t, ImageSize{Width: 64, Height: 64, Channels: 3}, c.ImageSize)
	assert.False(t, c.Augmentation)
	assert.Equal(t, 2, c.Epochs)

	b, err := s.BaseModelConfig()
	require.NoError(t, err)
	assert.Equal(t, WeightsNone, b.Weights)
	assert.Empty(t, b.PretrainedSource)
}

func TestJSONParams(t *testing.T) {
	dir := t.TempDir()
	copyTestdata(t, dir, "config.yaml")
	writeFile(t, dir, "params.json", `{"IMAGE_SIZE": [32, 32, 1], "LEARNING_RATE": 0.1, "WEIGHTS": "none", "CLASSES": 2}`)

	s, err := Load("config.yaml", "params.json", WithBaseDir(dir))
	require.NoError(t, err)

	c, err := s.BaseModelConfig()
	require.NoError(t, err)
	assert.Equal(t, ImageSize{Width: 32, Height: 32, Channels: 1}, c.ImageSize)
}

func TestLazyFieldValidation(t *testing.T) {
	dir := t.TempDir()
	copyTestdata(t, dir, "config.yaml")
	// 学習用のフィールドが欠けていても、ベースモデルの設定は取得できる
	writeFile(t, dir, "params.yaml", "IMAGE_SIZE: [224, 224, 3]\nLEARNING_RATE: 0.01\nWEIGHTS: none\nCLASSES: 2\n")

	s, err := Load("config.yaml", "params.yaml", WithBaseDir(dir))
	require.NoError(t, err)

	_, err = s.BaseModelConfig()
	require.NoError(t, err)

	_, err = s.TrainingConfig()
	requireConfigError(t, err, "EPOCHS")
}

func TestConfigErrors(t *testing.T) {
	tests := []struct {
		name   string
		config string
		params string
		call   func(*Store) error
		field  string
	}{
		{
			name:   "missing base model root",
			config: "artifacts_root: artifacts\nbase_model:\n  base_model_path: a\n  updated_base_model_path: b\n",
			params: "WEIGHTS: none\n",
			call:   func(s *Store) error { _, err := s.BaseModelConfig(); return err },
			field:  "base_model.root_dir",
		},
		{
			name:   "stage root outside artifacts root",
			config: "artifacts_root: artifacts\ndata_ingestion:\n  root_dir: elsewhere\n  source_URL: x\n  local_data_file: a\n  unzipped_data_dir: b\n",
			params: "EPOCHS: 1\n",
			call:   func(s *Store) error { _, err := s.IngestionConfig(); return err },
			field:  "data_ingestion.root_dir",
		},
		{
			name:   "evaluation root outside artifacts root",
			config: "artifacts_root: artifacts\nevaluation:\n  root_dir: elsewhere\n  path_of_model: m\n  training_data: d\n",
			params: "IMAGE_SIZE: [8, 8, 3]\nBATCH_SIZE: 4\nCLASSES: 2\n",
			call:   func(s *Store) error { _, err := s.EvaluationConfig(); return err },
			field:  "evaluation.root_dir",
		},
		{
			name:   "unknown weights selector",
			config: "artifacts_root: artifacts\nbase_model:\n  root_dir: artifacts/bm\n  base_model_path: a\n  updated_base_model_path: b\n",
			params: "IMAGE_SIZE: [8, 8, 3]\nLEARNING_RATE: 0.1\nWEIGHTS: resnet\nCLASSES: 2\n",
			call:   func(s *Store) error { _, err := s.BaseModelConfig(); return err },
			field:  "WEIGHTS",
		},
		{
			name:   "imagenet without pretrained source",
			config: "artifacts_root: artifacts\nbase_model:\n  root_dir: artifacts/bm\n  base_model_path: a\n  updated_base_model_path: b\n",
			params: "IMAGE_SIZE: [8, 8, 3]\nLEARNING_RATE: 0.1\nWEIGHTS: imagenet\nCLASSES: 2\n",
			call:   func(s *Store) error { _, err := s.BaseModelConfig(); return err },
			field:  "base_model.pretrained_source",
		},
		{
			name:   "bad image size",
			config: "artifacts_root: artifacts\nbase_model:\n  root_dir: artifacts/bm\n  base_model_path: a\n  updated_base_model_path: b\n",
			params: "IMAGE_SIZE: [224, 224]\n",
			call:   func(s *Store) error { _, err := s.BaseModelConfig(); return err },
			field:  "IMAGE_SIZE",
		},
		{
			name:   "wrong type",
			config: "artifacts_root: artifacts\nbase_model:\n  root_dir: artifacts/bm\n  base_model_path: a\n  updated_base_model_path: b\n",
			params: "IMAGE_SIZE: [8, 8, 3]\nLEARNING_RATE: fast\n",
			call:   func(s *Store) error { _, err := s.BaseModelConfig(); return err },
			field:  "LEARNING_RATE",
		},
		{
			name:   "validation fraction out of range",
			config: "artifacts_root: artifacts\nevaluation:\n  path_of_model: m\n  training_data: d\n  validation_fraction: 1.5\n",
			params: "IMAGE_SIZE: [8, 8, 3]\nBATCH_SIZE: 4\nCLASSES: 2\n",
			call:   func(s *Store) error { _, err := s.EvaluationConfig(); return err },
			field:  "evaluation.validation_fraction",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := t.TempDir()
			writeFile(t, dir, "config.yaml", tt.config)
			writeFile(t, dir, "params.yaml", tt.params)

			s, err := Load("config.yaml", "params.yaml", WithBaseDir(dir))
			require.NoError(t, err)
			requireConfigError(t, tt.call(s), tt.field)
		})
	}
}

func TestParamsFlatten(t *testing.T) {
	s, _ := loadTestStore(t, "params.yaml")

	params := s.Params()
	assert.Equal(t, "[224 224 3]", params["IMAGE_SIZE"])
	assert.Equal(t, "true", params["AUGMENTATION"])
	assert.Len(t, params, 7)
}
