package stage

import (
	"context"
	"io"
	"net/http"
	"net/url"
	"os"
	"regexp"

	"github.com/YuminosukeSato/dustscope/artifact"
	"github.com/YuminosukeSato/dustscope/pkg/errors"
	"github.com/YuminosukeSato/dustscope/pkg/log"
)

const driveDownloadPrefix = "https://drive.google.com/uc?export=download&id="

var driveShareURL = regexp.MustCompile(`^https?://drive\.google\.com/file/d/([^/?#]+)`)

// DriveDownloadURL rewrites a Google Drive share link
// (https://drive.google.com/file/d/<id>/view) to its direct download form.
// Any other source is returned unchanged.
func DriveDownloadURL(source string) string {
	m := driveShareURL.FindStringSubmatch(source)
	if m == nil {
		return source
	}
	return driveDownloadPrefix + m[1]
}

// Fetcher reads remote or local sources.
type Fetcher struct {
	client *http.Client
	logger log.Logger
}

// NewFetcher creates a Fetcher. A nil client means http.DefaultClient.
func NewFetcher(client *http.Client, logger log.Logger) *Fetcher {
	if client == nil {
		client = http.DefaultClient
	}
	if logger == nil {
		logger = log.GetLogger()
	}
	return &Fetcher{client: client, logger: logger}
}

// Open returns a reader for source: an http(s) URL, a file:// URL or a plain
// path. The request honors ctx. A non-2xx response is an error.
func (f *Fetcher) Open(ctx context.Context, source string) (io.ReadCloser, error) {
	u, err := url.Parse(source)
	if err != nil || len(u.Scheme) <= 1 {
		// 解析できないもの、Windowsのドライブ文字はパスとして扱う
		return openFile(source)
	}
	switch u.Scheme {
	case "http", "https":
		target := DriveDownloadURL(source)
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
		if err != nil {
			return nil, errors.Wrapf(err, "build request %s", target)
		}
		resp, err := f.client.Do(req)
		if err != nil {
			return nil, errors.Wrapf(err, "GET %s", target)
		}
		if resp.StatusCode/100 != 2 {
			resp.Body.Close()
			return nil, errors.Newf("GET %s: unexpected status %s", target, resp.Status)
		}
		return resp.Body, nil
	case "file":
		return openFile(u.Path)
	default:
		return nil, errors.Newf("unsupported source scheme %q", u.Scheme)
	}
}

func openFile(path string) (io.ReadCloser, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, errors.NewIOError("open", path, err)
	}
	return file, nil
}

// Download copies source to dest atomically: dest is either untouched or
// holds the complete body.
func (f *Fetcher) Download(ctx context.Context, source, dest string) error {
	f.logger.Info("downloading", log.SourceKey, source, log.ArtifactKey, dest)

	body, err := f.Open(ctx, source)
	if err != nil {
		return err
	}
	defer body.Close()

	pending, err := artifact.TempFileFor(dest)
	if err != nil {
		return err
	}
	defer func() { _ = pending.Cleanup() }()

	if _, err := io.Copy(pending, body); err != nil {
		return errors.Wrapf(err, "copy %s", source)
	}
	if err := pending.CloseAtomicallyReplace(); err != nil {
		return errors.NewIOError("write", dest, err)
	}
	return nil
}
