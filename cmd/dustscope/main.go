// Command dustscope trains the solar panel dust classifier and serves it.
//
//	dustscope run                  run every stage in order
//	dustscope stage training       run one stage
//	dustscope graph                print the stage dependency graph (DOT)
//	dustscope serve                serve predictions over HTTP
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/urfave/cli/v2"

	"github.com/YuminosukeSato/dustscope/config"
	"github.com/YuminosukeSato/dustscope/pkg/errors"
	"github.com/YuminosukeSato/dustscope/pkg/log"
)

// version is set with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newApp(os.Stdout).RunContext(ctx, os.Args); err != nil {
		log.GetLogger().Error("dustscope failed", err)
		stop()
		os.Exit(1)
	}
}

func newApp(stdout io.Writer) *cli.App {
	return &cli.App{
		Name:    "dustscope",
		Usage:   "train and serve the solar panel dust classifier",
		Version: version,
		Writer:  stdout,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:      "config",
				Aliases:   []string{"c"},
				Value:     config.DefaultConfigFile,
				Usage:     "Path to the pipeline configuration document",
				EnvVars:   []string{"CONFIG_FILE"},
				TakesFile: true,
			},
			&cli.StringFlag{
				Name:      "params",
				Aliases:   []string{"p"},
				Value:     config.DefaultParamsFile,
				Usage:     "Path to the hyperparameter document",
				EnvVars:   []string{"PARAMS_FILE"},
				TakesFile: true,
			},
			&cli.StringFlag{
				Name:    "workdir",
				Usage:   "Directory relative paths are resolved against (default: working directory)",
				EnvVars: []string{"DUSTSCOPE_WORKDIR"},
			},
			&cli.StringFlag{
				Name:    "log-level",
				Value:   "info",
				Usage:   "Log level: debug, info, warn or error",
				EnvVars: []string{"LOG_LEVEL"},
			},
			&cli.IntFlag{
				Name:    "workers",
				Usage:   "Parallel image decoders per batch (0: one per CPU)",
				EnvVars: []string{"DUSTSCOPE_WORKERS"},
			},
		},
		Before: func(c *cli.Context) error {
			if err := log.SetupLogger(c.App.Writer, c.String("log-level")); err != nil {
				return err
			}
			warnings := zerolog.New(c.App.ErrWriter).With().Timestamp().Str("component", "warnings").Logger()
			errors.SetZerologWarnFunc(func(w error) {
				ev := warnings.Warn()
				if obj, ok := w.(zerolog.LogObjectMarshaler); ok {
					ev = ev.Object("warning", obj)
				}
				ev.Msg(w.Error())
			})
			return nil
		},
		Commands: []*cli.Command{
			runCommand(),
			stageCommand(),
			graphCommand(),
			serveCommand(),
			{
				Name:  "version",
				Usage: "print the version",
				Action: func(c *cli.Context) error {
					_, err := fmt.Fprintln(c.App.Writer, version)
					return err
				},
			},
		},
	}
}

func loadStore(c *cli.Context) (*config.Store, error) {
	var opts []config.Option
	if dir := c.String("workdir"); dir != "" {
		opts = append(opts, config.WithBaseDir(dir))
	}
	return config.Load(c.String("config"), c.String("params"), opts...)
}
