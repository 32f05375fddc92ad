package tracking

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/renameio"
	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/YuminosukeSato/dustscope/artifact"
	"github.com/YuminosukeSato/dustscope/pkg/errors"
	"github.com/YuminosukeSato/dustscope/pkg/log"
)

// FileTracker stores runs on the local filesystem in the layout of the MLflow
// file store:
//
//	<root>/<experiment>/<run-id>/meta.yaml
//	<root>/<experiment>/<run-id>/params/<key>
//	<root>/<experiment>/<run-id>/metrics/<key>   "<timestamp-ms> <value> <step>" lines
//	<root>/<experiment>/<run-id>/artifacts/...
type FileTracker struct {
	root       string
	experiment string
	logger     log.Logger
	now        func() time.Time
}

// NewFileTracker returns a tracker writing under root.
func NewFileTracker(root, experiment string, logger log.Logger) *FileTracker {
	if logger == nil {
		logger = log.GetLogger()
	}
	return &FileTracker{root: root, experiment: experiment, logger: logger, now: time.Now}
}

type runMeta struct {
	RunID          string `yaml:"run_id"`
	RunName        string `yaml:"run_name"`
	ExperimentName string `yaml:"experiment_name"`
	Status         string `yaml:"status"`
	StartTime      int64  `yaml:"start_time"`
	EndTime        int64  `yaml:"end_time,omitempty"`
	ArtifactURI    string `yaml:"artifact_uri"`
}

// StartRun creates a new run directory.
func (t *FileTracker) StartRun(_ context.Context, name string) (Run, error) {
	id := uuid.New().String()
	dir := filepath.Join(t.root, t.experiment, id)
	for _, sub := range []string{"params", "metrics", "artifacts"} {
		if err := artifact.CreateDirectories(t.logger, filepath.Join(dir, sub)); err != nil {
			return nil, err
		}
	}
	abs, err := filepath.Abs(filepath.Join(dir, "artifacts"))
	if err != nil {
		return nil, errors.Wrap(err, "resolve artifact directory")
	}
	r := &fileRun{
		dir:    dir,
		now:    t.now,
		logger: t.logger.With(log.RunIDKey, id),
		meta: runMeta{
			RunID:          id,
			RunName:        name,
			ExperimentName: t.experiment,
			Status:         "RUNNING",
			StartTime:      t.now().UnixMilli(),
			ArtifactURI:    "file://" + filepath.ToSlash(abs),
		},
	}
	if err := r.writeMeta(); err != nil {
		return nil, err
	}
	r.logger.Info("tracking run started", log.TrackingKey, dir)
	return r, nil
}

type fileRun struct {
	mu     sync.Mutex
	dir    string
	meta   runMeta
	now    func() time.Time
	logger log.Logger
}

func (r *fileRun) ID() string { return r.meta.RunID }

func (r *fileRun) writeMeta() error {
	data, err := yaml.Marshal(r.meta)
	if err != nil {
		return errors.Wrap(err, "encode run meta")
	}
	path := filepath.Join(r.dir, "meta.yaml")
	if err := renameio.WriteFile(path, data, 0o644); err != nil {
		return errors.NewIOError("write", path, err)
	}
	return nil
}

func (r *fileRun) LogParams(_ context.Context, params map[string]string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for k, v := range params {
		path := filepath.Join(r.dir, "params", k)
		if err := renameio.WriteFile(path, []byte(v), 0o644); err != nil {
			return errors.NewIOError("write param", path, err)
		}
	}
	return nil
}

func (r *fileRun) LogMetrics(_ context.Context, metrics map[string]float64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	ts := r.now().UnixMilli()
	keys := make([]string, 0, len(metrics))
	for k := range metrics {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		path := filepath.Join(r.dir, "metrics", k)
		f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return errors.NewIOError("open metric", path, err)
		}
		_, werr := fmt.Fprintf(f, "%d %v 0\n", ts, metrics[k])
		if cerr := f.Close(); werr == nil {
			werr = cerr
		}
		if werr != nil {
			return errors.NewIOError("write metric", path, werr)
		}
	}
	return nil
}

func (r *fileRun) LogArtifact(_ context.Context, localPath, dir string) error {
	dst := filepath.Join(r.dir, "artifacts", dir, filepath.Base(localPath))
	src, err := os.Open(localPath)
	if err != nil {
		return errors.NewIOError("open artifact", localPath, err)
	}
	defer src.Close()

	pending, err := artifact.TempFileFor(dst)
	if err != nil {
		return err
	}
	defer func() { _ = pending.Cleanup() }()
	if _, err := io.Copy(pending, src); err != nil {
		return errors.NewIOError("copy artifact", dst, err)
	}
	if err := pending.CloseAtomicallyReplace(); err != nil {
		return errors.NewIOError("write artifact", dst, err)
	}
	r.logger.Info("artifact logged", log.ArtifactKey, dst)
	return nil
}

func (r *fileRun) End(_ context.Context, status Status) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.meta.Status = string(status)
	r.meta.EndTime = r.now().UnixMilli()
	return r.writeMeta()
}
