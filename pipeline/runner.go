package pipeline

import (
	"context"
	"io"
	"path/filepath"
	"strings"
	"time"

	"github.com/dominikbraun/graph"
	"github.com/dominikbraun/graph/draw"

	"github.com/YuminosukeSato/dustscope/artifact"
	"github.com/YuminosukeSato/dustscope/pkg/errors"
	"github.com/YuminosukeSato/dustscope/pkg/log"
)

// Runner executes registered stages sequentially.
type Runner struct {
	logger log.Logger
	stages []Stage
	index  map[string]int
	graph  graph.Graph[string, string]
}

// NewRunner registers the stages in execution order.
//
// A stage consuming an artifact (or a path inside an artifact directory) that
// another stage produces depends on that stage. NewRunner fails when a stage
// is registered before one it depends on, when names collide, or when the
// dependencies form a cycle.
func NewRunner(logger log.Logger, stages ...Stage) (*Runner, error) {
	if logger == nil {
		logger = log.GetLogger()
	}
	r := &Runner{
		logger: logger.With(log.ComponentKey, "runner"),
		stages: stages,
		index:  make(map[string]int, len(stages)),
		graph:  graph.New(graph.StringHash, graph.Directed(), graph.Acyclic(), graph.PreventCycles()),
	}

	for i, s := range stages {
		if _, dup := r.index[s.Name()]; dup {
			return nil, errors.Newf("stage %q registered twice", s.Name())
		}
		r.index[s.Name()] = i
		if err := r.graph.AddVertex(s.Name()); err != nil {
			return nil, errors.Wrapf(err, "unable to add stage %s", s.Name())
		}
	}

	for _, consumer := range stages {
		for _, in := range consumer.Inputs() {
			for _, producer := range stages {
				if producer.Name() == consumer.Name() || !producesPath(producer, in) {
					continue
				}
				err := r.graph.AddEdge(producer.Name(), consumer.Name(), graph.EdgeAttribute("label", filepath.Base(in)))
				if err != nil && !errors.Is(err, graph.ErrEdgeAlreadyExists) {
					return nil, errors.Wrapf(err, "unable to link %s to %s", producer.Name(), consumer.Name())
				}
				if r.index[producer.Name()] > r.index[consumer.Name()] {
					return nil, errors.Newf("stage %q consumes %s produced by %q, which is registered later",
						consumer.Name(), in, producer.Name())
				}
			}
		}
	}
	return r, nil
}

// producesPath reports whether path is one of the stage outputs or lies inside one.
func producesPath(s Stage, path string) bool {
	path = filepath.Clean(path)
	for _, out := range s.Outputs() {
		out = filepath.Clean(out)
		if path == out || strings.HasPrefix(path, out+string(filepath.Separator)) {
			return true
		}
	}
	return false
}

// Stages returns the registered stage names in execution order.
func (r *Runner) Stages() []string {
	names := make([]string, len(r.stages))
	for i, s := range r.stages {
		names[i] = s.Name()
	}
	return names
}

// Dependencies returns the names of the stages the named stage consumes artifacts from.
func (r *Runner) Dependencies(name string) ([]string, error) {
	preds, err := r.graph.PredecessorMap()
	if err != nil {
		return nil, err
	}
	deps, ok := preds[name]
	if !ok {
		return nil, errors.Wrapf(errors.ErrUnknownStage, "%s", name)
	}
	var names []string
	for _, s := range r.stages {
		if _, ok := deps[s.Name()]; ok {
			names = append(names, s.Name())
		}
	}
	return names, nil
}

// WriteDOT renders the stage dependency graph in Graphviz DOT format.
func (r *Runner) WriteDOT(w io.Writer) error {
	return draw.DOT(r.graph, w)
}

// Run executes every stage in registration order and stops at the first failure.
// Artifacts written by earlier stages are kept.
func (r *Runner) Run(ctx context.Context) error {
	start := time.Now()
	for _, s := range r.stages {
		if err := r.run(ctx, s); err != nil {
			return err
		}
	}
	r.logger.Info("pipeline completed", "stages", len(r.stages), log.DurationMsKey, time.Since(start).Milliseconds())
	return nil
}

// RunStage executes the named stage alone, with the same input checks as Run.
func (r *Runner) RunStage(ctx context.Context, name string) error {
	i, ok := r.index[name]
	if !ok {
		return errors.Wrapf(errors.ErrUnknownStage, "%s", name)
	}
	return r.run(ctx, r.stages[i])
}

func (r *Runner) run(ctx context.Context, s Stage) error {
	logger := r.logger.With(log.StageKey, s.Name())
	if err := ctx.Err(); err != nil {
		return errors.Wrapf(err, "stage %s not started", s.Name())
	}

	for _, in := range s.Inputs() {
		if !artifact.Exists(in) {
			err := errors.NewIOError("require input of "+s.Name(), in, errors.ErrMissingArtifact)
			logger.Error("missing input artifact", err, log.ArtifactKey, in)
			return err
		}
	}

	logger.Info(">>>>> stage " + s.Name() + " started <<<<<")
	start := time.Now()
	err := errors.SafeExecute(s.Name(), func() error {
		return s.Run(ctx)
	})
	if err != nil {
		logger.Error("stage failed", err, log.DurationMsKey, time.Since(start).Milliseconds())
		return err
	}
	logger.Info(">>>>> stage "+s.Name()+" completed <<<<<", log.DurationMsKey, time.Since(start).Milliseconds())
	return nil
}
