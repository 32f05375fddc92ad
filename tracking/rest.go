package tracking

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/YuminosukeSato/dustscope/pkg/errors"
	"github.com/YuminosukeSato/dustscope/pkg/log"
)

// RESTTracker talks to an MLflow tracking server through its REST API 2.0.
type RESTTracker struct {
	base       *url.URL
	creds      Credentials
	experiment string
	client     *http.Client
	logger     log.Logger
	now        func() time.Time
}

// NewRESTTracker returns a tracker for the server at base.
func NewRESTTracker(base *url.URL, creds Credentials, experiment string, client *http.Client, logger log.Logger) *RESTTracker {
	if client == nil {
		client = http.DefaultClient
	}
	if logger == nil {
		logger = log.GetLogger()
	}
	return &RESTTracker{base: base, creds: creds, experiment: experiment, client: client, logger: logger, now: time.Now}
}

// apiError is the error body returned by MLflow.
type apiError struct {
	Status    int    `json:"-"`
	ErrorCode string `json:"error_code"`
	Message   string `json:"message"`
}

func (e *apiError) Error() string {
	return "mlflow: " + http.StatusText(e.Status) + ": " + e.ErrorCode + ": " + e.Message
}

func (t *RESTTracker) endpoint(p string) string {
	u := *t.base
	u.Path = path.Join(u.Path, p)
	u.RawQuery = ""
	return u.String()
}

func (t *RESTTracker) do(ctx context.Context, method, target string, body io.Reader, contentType string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return errors.Wrapf(err, "build request %s", target)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	if t.creds.Complete() {
		req.SetBasicAuth(t.creds.Username, t.creds.Password)
	}
	resp, err := t.client.Do(req)
	if err != nil {
		return errors.Wrapf(err, "%s %s", method, target)
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		apiErr := &apiError{Status: resp.StatusCode}
		_ = json.NewDecoder(io.LimitReader(resp.Body, 1<<16)).Decode(apiErr)
		return errors.WithStack(apiErr)
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return errors.Wrapf(err, "decode response of %s", target)
	}
	return nil
}

func (t *RESTTracker) call(ctx context.Context, method, p string, in, out interface{}) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return errors.Wrap(err, "encode request")
		}
		body = bytes.NewReader(data)
	}
	return t.do(ctx, method, t.endpoint(p), body, "application/json", out)
}

// experimentID looks up the experiment by name and creates it when missing.
func (t *RESTTracker) experimentID(ctx context.Context) (string, error) {
	var got struct {
		Experiment struct {
			ExperimentID string `json:"experiment_id"`
		} `json:"experiment"`
	}
	q := url.Values{"experiment_name": {t.experiment}}
	err := t.do(ctx, http.MethodGet, t.endpoint("api/2.0/mlflow/experiments/get-by-name")+"?"+q.Encode(), nil, "", &got)
	if err == nil {
		return got.Experiment.ExperimentID, nil
	}
	var apiErr *apiError
	if !errors.As(err, &apiErr) || apiErr.ErrorCode != "RESOURCE_DOES_NOT_EXIST" {
		return "", err
	}

	var created struct {
		ExperimentID string `json:"experiment_id"`
	}
	if err := t.call(ctx, http.MethodPost, "api/2.0/mlflow/experiments/create", map[string]string{"name": t.experiment}, &created); err != nil {
		return "", err
	}
	return created.ExperimentID, nil
}

// StartRun creates a run in the configured experiment.
func (t *RESTTracker) StartRun(ctx context.Context, name string) (Run, error) {
	expID, err := t.experimentID(ctx)
	if err != nil {
		return nil, err
	}
	var resp struct {
		Run struct {
			Info struct {
				RunID string `json:"run_id"`
			} `json:"info"`
		} `json:"run"`
	}
	req := map[string]interface{}{
		"experiment_id": expID,
		"run_name":      name,
		"start_time":    t.now().UnixMilli(),
	}
	if err := t.call(ctx, http.MethodPost, "api/2.0/mlflow/runs/create", req, &resp); err != nil {
		return nil, err
	}
	id := resp.Run.Info.RunID
	t.logger.Info("tracking run started", log.TrackingKey, t.base.Redacted(), log.RunIDKey, id)
	return &restRun{t: t, id: id, experimentID: expID}, nil
}

type restRun struct {
	t            *RESTTracker
	id           string
	experimentID string
}

type param struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

type metric struct {
	Key       string  `json:"key"`
	Value     float64 `json:"value"`
	Timestamp int64   `json:"timestamp"`
	Step      int64   `json:"step"`
}

func (r *restRun) ID() string { return r.id }

func (r *restRun) LogParams(ctx context.Context, params map[string]string) error {
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	batch := make([]param, 0, len(keys))
	for _, k := range keys {
		batch = append(batch, param{Key: k, Value: params[k]})
	}
	return r.t.call(ctx, http.MethodPost, "api/2.0/mlflow/runs/log-batch",
		map[string]interface{}{"run_id": r.id, "params": batch}, nil)
}

func (r *restRun) LogMetrics(ctx context.Context, metrics map[string]float64) error {
	ts := r.t.now().UnixMilli()
	keys := make([]string, 0, len(metrics))
	for k := range metrics {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	batch := make([]metric, 0, len(keys))
	for _, k := range keys {
		batch = append(batch, metric{Key: k, Value: metrics[k], Timestamp: ts})
	}
	return r.t.call(ctx, http.MethodPost, "api/2.0/mlflow/runs/log-batch",
		map[string]interface{}{"run_id": r.id, "metrics": batch}, nil)
}

// LogArtifact uploads through the mlflow-artifacts proxy of the server.
func (r *restRun) LogArtifact(ctx context.Context, localPath, dir string) error {
	f, err := os.Open(localPath)
	if err != nil {
		return errors.NewIOError("open artifact", localPath, err)
	}
	defer f.Close()

	rel := path.Join(strings.Trim(filepath.ToSlash(dir), "/"), filepath.Base(localPath))
	target := r.t.endpoint(path.Join("api/2.0/mlflow-artifacts/artifacts", r.experimentID, r.id, "artifacts", rel))
	if err := r.t.do(ctx, http.MethodPut, target, f, "application/octet-stream", nil); err != nil {
		return err
	}
	r.t.logger.Info("artifact logged", log.ArtifactKey, rel, log.RunIDKey, r.id)
	return nil
}

func (r *restRun) End(ctx context.Context, status Status) error {
	return r.t.call(ctx, http.MethodPost, "api/2.0/mlflow/runs/update", map[string]interface{}{
		"run_id":   r.id,
		"status":   string(status),
		"end_time": r.t.now().UnixMilli(),
	}, nil)
}
