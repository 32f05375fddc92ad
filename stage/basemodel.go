package stage

import (
	"context"
	"net/url"
	"strings"

	"github.com/YuminosukeSato/dustscope/backbone"
	"github.com/YuminosukeSato/dustscope/config"
	"github.com/YuminosukeSato/dustscope/core/model"
	"github.com/YuminosukeSato/dustscope/pkg/errors"
	"github.com/YuminosukeSato/dustscope/pkg/log"
)

// BaseModel prepares the backbone for fine-tuning. It writes two snapshots:
// the base network as built or loaded, and the updated base whose layers are
// frozen and whose head is replaced by a trainable one with Classes outputs.
type BaseModel struct {
	cfg     config.BaseModelConfig
	logger  log.Logger
	fetcher *Fetcher
}

// NewBaseModel creates the base model stage.
func NewBaseModel(cfg config.BaseModelConfig, opts ...Option) *BaseModel {
	o := newOptions(BaseModelName, opts)
	return &BaseModel{cfg: cfg, logger: o.logger, fetcher: NewFetcher(o.client, o.logger)}
}

func (s *BaseModel) Name() string { return BaseModelName }

// Inputs is the pretrained snapshot when it is a local file.
func (s *BaseModel) Inputs() []string {
	if s.cfg.Weights != config.WeightsImageNet {
		return nil
	}
	if p, ok := localPath(s.cfg.PretrainedSource); ok {
		return []string{p}
	}
	return nil
}

func (s *BaseModel) Outputs() []string {
	return []string{s.cfg.BaseModelPath, s.cfg.UpdatedBaseModelPath}
}

func localPath(source string) (string, bool) {
	if source == "" {
		return "", false
	}
	if !strings.Contains(source, "://") {
		return source, true
	}
	if u, err := url.Parse(source); err == nil && u.Scheme == "file" {
		return u.Path, true
	}
	return "", false
}

// Run builds the backbone, saves it, freezes it, replaces its head and saves
// the result.
func (s *BaseModel) Run(ctx context.Context) error {
	return logFailure(s.logger, s.run(ctx))
}

func (s *BaseModel) run(ctx context.Context) error {
	size := s.cfg.ImageSize
	net := backbone.New(
		backbone.WithInputSize(size.Width, size.Height, size.Channels),
		backbone.WithSeed(s.cfg.Seed),
	)

	switch s.cfg.Weights {
	case config.WeightsImageNet:
		if err := s.loadPretrained(ctx, net); err != nil {
			return err
		}
	case config.WeightsNone:
		s.logger.Info("initialized backbone without pretrained weights", log.RandomSeedKey, s.cfg.Seed)
	default:
		return errors.NewConfigError("params", "WEIGHTS", "must be imagenet or none, got "+string(s.cfg.Weights), nil)
	}

	if err := model.SaveSnapshot(net.StateDict(), s.cfg.BaseModelPath); err != nil {
		return err
	}
	s.logger.Info("base model saved", log.ArtifactKey, s.cfg.BaseModelPath)

	net.FreezeAll()
	if err := net.ReplaceHead(s.cfg.Classes); err != nil {
		return err
	}
	if err := model.SaveSnapshot(net.StateDict(), s.cfg.UpdatedBaseModelPath); err != nil {
		return err
	}
	s.logger.Info("updated base model saved",
		log.ArtifactKey, s.cfg.UpdatedBaseModelPath,
		log.ClassesKey, net.Classes(),
		log.LearningRateKey, s.cfg.LearningRate,
		"model.trainable", net.TrainableLayers(),
	)
	return nil
}

func (s *BaseModel) loadPretrained(ctx context.Context, net *backbone.Net) error {
	body, err := s.fetcher.Open(ctx, s.cfg.PretrainedSource)
	if err != nil {
		return errors.Wrap(err, "open pretrained weights")
	}
	defer body.Close()

	snap, err := model.ReadSnapshot(body)
	if err != nil {
		return errors.Wrapf(err, "read pretrained weights %s", s.cfg.PretrainedSource)
	}
	if err := net.LoadStateDict(snap); err != nil {
		return err
	}
	s.logger.Info("loaded pretrained weights",
		log.SourceKey, s.cfg.PretrainedSource, log.WeightsKey, string(s.cfg.Weights))
	return nil
}
