package tracking

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/YuminosukeSato/dustscope/pkg/errors"
	"github.com/YuminosukeSato/dustscope/pkg/log"
)

func env(values map[string]string) func(string) string {
	return func(k string) string { return values[k] }
}

func TestCredentialsFromEnv(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
		want Credentials
	}{
		{
			name: "mlflow variables",
			env:  map[string]string{EnvUsername: "u", EnvPassword: "p", EnvDagsHubUser: "du"},
			want: Credentials{Username: "u", Password: "p"},
		},
		{
			name: "dagshub fallback",
			env:  map[string]string{EnvDagsHubUser: "du", EnvDagsHubToken: "dt"},
			want: Credentials{Username: "du", Password: "dt"},
		},
		{
			name: "mixed",
			env:  map[string]string{EnvUsername: "u", EnvDagsHubToken: "dt"},
			want: Credentials{Username: "u", Password: "dt"},
		},
		{
			name: "none",
			env:  map[string]string{},
			want: Credentials{},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, CredentialsFromEnv(env(tt.env)))
		})
	}
}

func TestNewSelectsBackend(t *testing.T) {
	tests := []struct {
		name    string
		uri     string
		creds   Credentials
		want    interface{}
		wantErr bool
	}{
		{name: "empty", uri: "", want: &FileTracker{}},
		{name: "file uri", uri: "file:///tmp/mlruns", want: &FileTracker{}},
		{name: "plain path", uri: "./mlruns", want: &FileTracker{}},
		{name: "loopback without creds", uri: "http://127.0.0.1:5000", want: &RESTTracker{}},
		{name: "localhost without creds", uri: "http://localhost:5000", want: &RESTTracker{}},
		{name: "remote with creds", uri: "https://dagshub.com/u/r.mlflow", creds: Credentials{"u", "p"}, want: &RESTTracker{}},
		{name: "unsupported scheme", uri: "s3://bucket", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := New(tt.uri, tt.creds)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.IsType(t, tt.want, got)
		})
	}
}

func TestNewRemoteRequiresCredentials(t *testing.T) {
	_, err := New("https://dagshub.com/u/r.mlflow", Credentials{Username: "u"})
	var credErr *errors.CredentialError
	require.True(t, errors.As(err, &credErr))
	assert.Equal(t, "https://dagshub.com/u/r.mlflow", credErr.Endpoint)
	require.Len(t, credErr.Missing, 1)
	assert.Contains(t, credErr.Missing[0], EnvPassword)
}

func TestFileTrackerLayout(t *testing.T) {
	logger, _ := log.NewTestLogger(log.LevelInfo)
	root := t.TempDir()
	tracker := NewFileTracker(root, "dust", logger)
	ctx := context.Background()

	run, err := tracker.StartRun(ctx, "evaluation")
	require.NoError(t, err)
	require.NotEmpty(t, run.ID())
	dir := filepath.Join(root, "dust", run.ID())

	require.NoError(t, run.LogParams(ctx, map[string]string{"EPOCHS": "1", "BATCH_SIZE": "16"}))
	require.NoError(t, run.LogMetrics(ctx, map[string]float64{"loss": 0.5, "accuracy": 0.75}))

	model := filepath.Join(t.TempDir(), "model.gob")
	require.NoError(t, os.WriteFile(model, []byte("weights"), 0o644))
	require.NoError(t, run.LogArtifact(ctx, model, "model"))
	require.NoError(t, run.End(ctx, StatusFinished))

	param, err := os.ReadFile(filepath.Join(dir, "params", "EPOCHS"))
	require.NoError(t, err)
	assert.Equal(t, "1", string(param))

	metric, err := os.ReadFile(filepath.Join(dir, "metrics", "accuracy"))
	require.NoError(t, err)
	fields := strings.Fields(string(metric))
	require.Len(t, fields, 3)
	assert.Equal(t, "0.75", fields[1])

	copied, err := os.ReadFile(filepath.Join(dir, "artifacts", "model", "model.gob"))
	require.NoError(t, err)
	assert.Equal(t, "weights", string(copied))

	raw, err := os.ReadFile(filepath.Join(dir, "meta.yaml"))
	require.NoError(t, err)
	var meta runMeta
	require.NoError(t, yaml.Unmarshal(raw, &meta))
	assert.Equal(t, "FINISHED", meta.Status)
	assert.Equal(t, "evaluation", meta.RunName)
	assert.NotZero(t, meta.EndTime)
}

// fakeMLflow はMLflow REST APIの必要な部分だけを実装したテスト用サーバー
type fakeMLflow struct {
	mu          sync.Mutex
	experiments map[string]string
	batches     []map[string]interface{}
	artifacts   map[string]string
	updates     []map[string]interface{}
	auth        []string
}

func newFakeMLflow() *fakeMLflow {
	return &fakeMLflow{experiments: map[string]string{}, artifacts: map[string]string{}}
}

func (f *fakeMLflow) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	user, pass, _ := r.BasicAuth()
	f.auth = append(f.auth, user+":"+pass)

	decode := func() map[string]interface{} {
		var body map[string]interface{}
		_ = json.NewDecoder(r.Body).Decode(&body)
		return body
	}
	p := strings.TrimPrefix(r.URL.Path, "/prefix")
	switch {
	case p == "/api/2.0/mlflow/experiments/get-by-name":
		id, ok := f.experiments[r.URL.Query().Get("experiment_name")]
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			_, _ = io.WriteString(w, `{"error_code":"RESOURCE_DOES_NOT_EXIST","message":"no such experiment"}`)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]interface{}{"experiment": map[string]string{"experiment_id": id}})
	case p == "/api/2.0/mlflow/experiments/create":
		body := decode()
		f.experiments[body["name"].(string)] = "7"
		_, _ = io.WriteString(w, `{"experiment_id":"7"}`)
	case p == "/api/2.0/mlflow/runs/create":
		_, _ = io.WriteString(w, `{"run":{"info":{"run_id":"run-1"}}}`)
	case p == "/api/2.0/mlflow/runs/log-batch":
		f.batches = append(f.batches, decode())
		_, _ = io.WriteString(w, `{}`)
	case p == "/api/2.0/mlflow/runs/update":
		f.updates = append(f.updates, decode())
		_, _ = io.WriteString(w, `{}`)
	case strings.HasPrefix(p, "/api/2.0/mlflow-artifacts/artifacts/") && r.Method == http.MethodPut:
		data, _ := io.ReadAll(r.Body)
		f.artifacts[strings.TrimPrefix(p, "/api/2.0/mlflow-artifacts/artifacts/")] = string(data)
		_, _ = io.WriteString(w, `{}`)
	default:
		http.NotFound(w, r)
	}
}

func TestRESTTrackerRun(t *testing.T) {
	fake := newFakeMLflow()
	srv := httptest.NewServer(fake)
	defer srv.Close()

	tracker, err := New(srv.URL+"/prefix", Credentials{"alice", "secret"}, WithExperiment("dust"), WithHTTPClient(srv.Client()))
	require.NoError(t, err)
	ctx := context.Background()

	run, err := tracker.StartRun(ctx, "evaluation")
	require.NoError(t, err)
	assert.Equal(t, "run-1", run.ID())

	require.NoError(t, run.LogParams(ctx, map[string]string{"EPOCHS": "1"}))
	require.NoError(t, run.LogMetrics(ctx, map[string]float64{"loss": 0.25}))

	model := filepath.Join(t.TempDir(), "model.gob")
	require.NoError(t, os.WriteFile(model, []byte("weights"), 0o644))
	require.NoError(t, run.LogArtifact(ctx, model, "model"))
	require.NoError(t, run.End(ctx, StatusFinished))

	fake.mu.Lock()
	defer fake.mu.Unlock()
	assert.Equal(t, "7", fake.experiments["dust"])
	require.Len(t, fake.batches, 2)
	assert.Equal(t, "run-1", fake.batches[0]["run_id"])
	metrics := fake.batches[1]["metrics"].([]interface{})
	assert.Equal(t, "loss", metrics[0].(map[string]interface{})["key"])
	assert.Equal(t, "weights", fake.artifacts["7/run-1/artifacts/model/model.gob"])
	require.Len(t, fake.updates, 1)
	assert.Equal(t, "FINISHED", fake.updates[0]["status"])
	for _, a := range fake.auth {
		assert.Equal(t, "alice:secret", a)
	}
}

func TestRESTTrackerSurfacesServerErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		_, _ = io.WriteString(w, `{"error_code":"PERMISSION_DENIED","message":"nope"}`)
	}))
	defer srv.Close()

	tracker, err := New(srv.URL, Credentials{}, WithHTTPClient(srv.Client()))
	require.NoError(t, err)

	_, err = tracker.StartRun(context.Background(), "evaluation")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "PERMISSION_DENIED")
}
