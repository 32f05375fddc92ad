package main

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/urfave/cli/v2"

	"github.com/YuminosukeSato/dustscope/config"
	"github.com/YuminosukeSato/dustscope/pipeline"
	"github.com/YuminosukeSato/dustscope/pkg/errors"
	"github.com/YuminosukeSato/dustscope/pkg/log"
	"github.com/YuminosukeSato/dustscope/stage"
)

// stageBuilders resolves one stage from the store. Each builder reads only
// the fields its stage needs.
var stageBuilders = map[string]func(*config.Store, []stage.Option) (pipeline.Stage, error){
	"ingestion": func(s *config.Store, opts []stage.Option) (pipeline.Stage, error) {
		cfg, err := s.IngestionConfig()
		if err != nil {
			return nil, err
		}
		return stage.NewIngestion(cfg, opts...), nil
	},
	"base_model": func(s *config.Store, opts []stage.Option) (pipeline.Stage, error) {
		cfg, err := s.BaseModelConfig()
		if err != nil {
			return nil, err
		}
		return stage.NewBaseModel(cfg, opts...), nil
	},
	"training": func(s *config.Store, opts []stage.Option) (pipeline.Stage, error) {
		cfg, err := s.TrainingConfig()
		if err != nil {
			return nil, err
		}
		return stage.NewTraining(cfg, opts...), nil
	},
	"evaluation": func(s *config.Store, opts []stage.Option) (pipeline.Stage, error) {
		cfg, err := s.EvaluationConfig()
		if err != nil {
			return nil, err
		}
		return stage.NewEvaluation(cfg, opts...), nil
	},
}

var stageOrder = []string{"ingestion", "base_model", "training", "evaluation"}

func stageNames() string {
	names := make([]string, 0, len(stageBuilders))
	for name := range stageBuilders {
		names = append(names, name)
	}
	sort.Strings(names)
	return strings.Join(names, ", ")
}

func trackingFlags() []cli.Flag {
	return []cli.Flag{
		&cli.BoolFlag{
			Name:    "enable-tracking",
			Usage:   "Report the evaluation to the experiment tracker",
			EnvVars: []string{"ENABLE_TRACKING"},
		},
		&cli.StringFlag{
			Name:    "tracking-uri",
			Usage:   "Experiment tracker endpoint; overrides evaluation.mlflow_uri",
			EnvVars: []string{"MLFLOW_TRACKING_URI"},
		},
	}
}

// builder returns the builder of name; evaluation also applies the tracking flags.
func builder(c *cli.Context, name string) func(*config.Store, []stage.Option) (pipeline.Stage, error) {
	build := stageBuilders[name]
	if name != "evaluation" {
		return build
	}
	return func(s *config.Store, opts []stage.Option) (pipeline.Stage, error) {
		cfg, err := s.EvaluationConfig()
		if err != nil {
			return nil, err
		}
		if c.IsSet("enable-tracking") {
			cfg.TrackingEnabled = c.Bool("enable-tracking")
		}
		if c.IsSet("tracking-uri") {
			cfg.TrackingURI = s.ResolveTrackingURI(c.String("tracking-uri"))
		}
		return stage.NewEvaluation(cfg, opts...), nil
	}
}

// buildRunner resolves the named stages up front, so a configuration error
// in a later stage is reported before any stage runs.
func buildRunner(c *cli.Context, names ...string) (*pipeline.Runner, error) {
	store, err := loadStore(c)
	if err != nil {
		return nil, err
	}
	logger := log.GetLogger()
	opts := []stage.Option{stage.WithLogger(logger), stage.WithWorkers(c.Int("workers"))}

	stages := make([]pipeline.Stage, 0, len(names))
	for _, name := range names {
		s, err := builder(c, name)(store, opts)
		if err != nil {
			return nil, err
		}
		stages = append(stages, s)
	}
	return pipeline.NewRunner(logger, stages...)
}

// runPipeline is the whole pipeline, also used by the /train route.
func runPipeline(c *cli.Context) func(ctx context.Context) error {
	return func(ctx context.Context) error {
		runner, err := buildRunner(c, stageOrder...)
		if err != nil {
			return err
		}
		return runner.Run(ctx)
	}
}

func runCommand() *cli.Command {
	return &cli.Command{
		Name:  "run",
		Usage: "run every stage in order",
		Flags: trackingFlags(),
		Action: func(c *cli.Context) error {
			return runPipeline(c)(c.Context)
		},
	}
}

func stageCommand() *cli.Command {
	return &cli.Command{
		Name:      "stage",
		Usage:     "run a single stage",
		ArgsUsage: "<" + strings.Join(stageOrder, "|") + ">",
		Flags:     trackingFlags(),
		Action: func(c *cli.Context) error {
			if c.NArg() != 1 {
				return errors.Newf("expected one stage name, one of %s", stageNames())
			}
			name := c.Args().First()
			if _, ok := stageBuilders[name]; !ok {
				return errors.Wrapf(errors.ErrUnknownStage, "%q, expected one of %s", name, stageNames())
			}
			runner, err := buildRunner(c, name)
			if err != nil {
				return err
			}
			return runner.Run(c.Context)
		},
	}
}

func graphCommand() *cli.Command {
	return &cli.Command{
		Name:  "graph",
		Usage: "print the artifact dependency graph of the stages in DOT format",
		Action: func(c *cli.Context) error {
			runner, err := buildRunner(c, stageOrder...)
			if err != nil {
				return err
			}
			if err := runner.WriteDOT(c.App.Writer); err != nil {
				return err
			}
			_, err = fmt.Fprintln(c.App.Writer)
			return err
		},
	}
}
