package main

import (
	"context"
	"net/http"
	"os"
	"time"

	"github.com/docker/go-units"
	"github.com/rs/zerolog"
	"github.com/urfave/cli/v2"

	"github.com/YuminosukeSato/dustscope/pkg/errors"
	"github.com/YuminosukeSato/dustscope/pkg/log"
	"github.com/YuminosukeSato/dustscope/serve"
)

const shutdownTimeout = 10 * time.Second

func serveCommand() *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "serve predictions over HTTP",
		Flags: append([]cli.Flag{
			&cli.StringFlag{
				Name:    "listen",
				Value:   ":8080",
				Usage:   "Address to listen on",
				EnvVars: []string{"LISTEN_ADDR"},
			},
			&cli.StringFlag{
				Name:      "model-path",
				Usage:     "Model snapshot to serve (default: training.trained_model_path)",
				EnvVars:   []string{"MODEL_PATH"},
				TakesFile: true,
			},
			&cli.StringFlag{
				Name:    "predict-filename",
				Value:   "inputImage.jpg",
				Usage:   "Scratch file the uploaded image is written to",
				EnvVars: []string{"PREDICT_FILENAME"},
			},
			&cli.StringFlag{
				Name:    "max-image-bytes",
				Value:   "10MB",
				Usage:   "Largest accepted decoded image, e.g. 512KB or 10MB",
				EnvVars: []string{"MAX_IMAGE_BYTES"},
			},
			&cli.StringSliceFlag{
				Name:    "cors-origins",
				Value:   cli.NewStringSlice("*"),
				Usage:   "Allowed CORS origins",
				EnvVars: []string{"CORS_ORIGINS"},
			},
			&cli.BoolFlag{
				Name:    "watch-model",
				Value:   true,
				Usage:   "Reload the model when its snapshot file is replaced",
				EnvVars: []string{"WATCH_MODEL"},
			},
		}, trackingFlags()...),
		Action: serveAction,
	}
}

func serveAction(c *cli.Context) error {
	maxBytes, err := units.FromHumanSize(c.String("max-image-bytes"))
	if err != nil {
		return errors.Wrapf(err, "parse max-image-bytes %q", c.String("max-image-bytes"))
	}

	store, err := loadStore(c)
	if err != nil {
		return err
	}
	// 入力サイズとクラス数は学習時と同じ設定から取る
	cfg, err := store.TrainingConfig()
	if err != nil {
		return err
	}
	modelPath := cfg.TrainedModelPath
	if p := c.String("model-path"); p != "" {
		modelPath = p
	}

	logger := log.GetLogger()
	clf := serve.NewModelClassifier(modelPath, cfg.Classes, cfg.ImageSize, logger)
	if err := clf.Init(); err != nil {
		return err
	}
	defer clf.Close()

	ctx, cancel := context.WithCancel(c.Context)
	defer cancel()
	if c.Bool("watch-model") {
		if err := clf.Watch(ctx); err != nil {
			return err
		}
	}

	svc := &serve.Service{
		Classifier:  clf,
		ScratchPath: c.String("predict-filename"),
		MaxBytes:    maxBytes,
		Runner:      serve.RunnerFunc(runPipeline(c)),
		Logger:      logger,
	}
	access := zerolog.New(os.Stdout).With().Timestamp().Str("component", "access").Logger()
	e := serve.NewServer(svc,
		serve.WithCORSOrigins(c.StringSlice("cors-origins")...),
		serve.WithAccessLog(access),
		serve.WithVersion(version),
	)

	errCh := make(chan error, 1)
	go func() {
		logger.Info("serving", "http.listen", c.String("listen"), "model.path", modelPath)
		errCh <- e.Start(c.String("listen"))
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancelShutdown()
	logger.Info("shutting down")
	return e.Shutdown(shutdownCtx)
}
