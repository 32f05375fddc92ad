// Package tracking records evaluation runs in an MLflow compatible experiment
// tracker: either a local file store or a remote MLflow REST endpoint.
package tracking

import (
	"context"
	"net"
	"net/http"
	"net/url"
	"path/filepath"
	"strings"

	"github.com/YuminosukeSato/dustscope/pkg/errors"
	"github.com/YuminosukeSato/dustscope/pkg/log"
)

// Environment variables holding tracker credentials.
const (
	EnvUsername       = "MLFLOW_TRACKING_USERNAME"
	EnvPassword       = "MLFLOW_TRACKING_PASSWORD"
	EnvDagsHubUser    = "DAGSHUB_USER"
	EnvDagsHubToken   = "DAGSHUB_TOKEN"
	EnvTrackingURI    = "MLFLOW_TRACKING_URI"
	DefaultFileRoot   = "mlruns"
	DefaultExperiment = "dustscope"
)

// Status is the terminal state of a run.
type Status string

const (
	StatusFinished Status = "FINISHED"
	StatusFailed   Status = "FAILED"
)

// Tracker starts runs.
type Tracker interface {
	StartRun(ctx context.Context, name string) (Run, error)
}

// Run collects the params, metrics and artifacts of one evaluation.
type Run interface {
	ID() string
	LogParams(ctx context.Context, params map[string]string) error
	LogMetrics(ctx context.Context, metrics map[string]float64) error
	// LogArtifact uploads the local file under the artifact directory dir.
	LogArtifact(ctx context.Context, localPath, dir string) error
	End(ctx context.Context, status Status) error
}

// Credentials authenticate against a remote tracker with HTTP basic auth.
type Credentials struct {
	Username string
	Password string
}

// Complete reports whether both parts are set.
func (c Credentials) Complete() bool {
	return c.Username != "" && c.Password != ""
}

// CredentialsFromEnv reads MLFLOW_TRACKING_USERNAME and MLFLOW_TRACKING_PASSWORD,
// falling back to DAGSHUB_USER and DAGSHUB_TOKEN for each missing part.
func CredentialsFromEnv(getenv func(string) string) Credentials {
	c := Credentials{Username: getenv(EnvUsername), Password: getenv(EnvPassword)}
	if c.Username == "" {
		c.Username = getenv(EnvDagsHubUser)
	}
	if c.Password == "" {
		c.Password = getenv(EnvDagsHubToken)
	}
	return c
}

type options struct {
	client     *http.Client
	experiment string
	logger     log.Logger
}

// Option configures New.
type Option func(*options)

// WithHTTPClient sets the client used by the REST tracker.
func WithHTTPClient(c *http.Client) Option {
	return func(o *options) { o.client = c }
}

// WithExperiment sets the experiment runs are recorded under.
func WithExperiment(name string) Option {
	return func(o *options) { o.experiment = name }
}

// WithLogger sets the logger.
func WithLogger(l log.Logger) Option {
	return func(o *options) { o.logger = l }
}

// New returns the tracker for uri.
//
// An empty uri or a file:// uri selects the local file store. An http(s) uri
// selects the REST tracker; unless the host is a loopback address it requires
// complete credentials, and a *errors.CredentialError is returned before any
// request is made when they are missing.
func New(uri string, creds Credentials, opts ...Option) (Tracker, error) {
	o := options{client: http.DefaultClient, experiment: DefaultExperiment, logger: log.GetLogger()}
	for _, opt := range opts {
		opt(&o)
	}
	logger := o.logger.With(log.ComponentKey, "tracking")

	if uri == "" {
		return NewFileTracker(DefaultFileRoot, o.experiment, logger), nil
	}
	u, err := url.Parse(uri)
	if err != nil {
		return nil, errors.Wrapf(err, "parse tracking uri %q", uri)
	}
	switch u.Scheme {
	case "", "file":
		root := u.Path
		if u.Scheme == "" {
			root = uri
		}
		return NewFileTracker(filepath.FromSlash(root), o.experiment, logger), nil
	case "http", "https":
		if !isLoopback(u.Hostname()) && !creds.Complete() {
			var missing []string
			if creds.Username == "" {
				missing = append(missing, EnvUsername+" (or "+EnvDagsHubUser+")")
			}
			if creds.Password == "" {
				missing = append(missing, EnvPassword+" (or "+EnvDagsHubToken+")")
			}
			return nil, errors.NewCredentialError(uri, missing...)
		}
		return NewRESTTracker(u, creds, o.experiment, o.client, logger), nil
	default:
		return nil, errors.Newf("unsupported tracking uri scheme %q", u.Scheme)
	}
}

func isLoopback(host string) bool {
	if strings.EqualFold(host, "localhost") {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
