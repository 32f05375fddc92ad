// Package artifact manages the on-disk artifact tree shared by the pipeline
// stages: directory creation, existence checks and atomic file writes.
package artifact

import (
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/docker/go-units"
	"github.com/google/renameio"

	"github.com/YuminosukeSato/dustscope/pkg/errors"
	"github.com/YuminosukeSato/dustscope/pkg/log"
)

// CreateDirectories creates every path and its parents. Existing directories
// are left untouched, so the call is safe to repeat.
func CreateDirectories(logger log.Logger, paths ...string) error {
	if logger == nil {
		logger = log.GetLogger()
	}
	for _, p := range paths {
		if err := os.MkdirAll(p, 0o755); err != nil {
			return errors.NewIOError("create directory", p, err)
		}
		logger.Debug("created directory", log.ArtifactKey, p)
	}
	return nil
}

// Exists reports whether path exists.
func Exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// Size returns the size of the file at path in human readable form, e.g. "1.5MB".
func Size(path string) (string, error) {
	info, err := os.Stat(path)
	if err != nil {
		return "", errors.NewIOError("stat", path, err)
	}
	return units.HumanSize(float64(info.Size())), nil
}

// WriteJSON atomically replaces path with the indented JSON encoding of v.
// Readers observe either the old file or the complete new one.
func WriteJSON(path string, v interface{}) error {
	data, err := json.MarshalIndent(v, "", "    ")
	if err != nil {
		return errors.Wrapf(err, "encode %s", path)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return errors.NewIOError("create directory", filepath.Dir(path), err)
	}
	if err := renameio.WriteFile(path, append(data, '\n'), 0o644); err != nil {
		return errors.NewIOError("write", path, err)
	}
	return nil
}

// ReadJSON decodes the JSON file at path into v.
func ReadJSON(path string, v interface{}) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return errors.NewIOError("read", path, err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return errors.NewIOError("decode", path, err)
	}
	return nil
}

// TempFileFor returns a pending file in the same directory as path.
// CloseAtomicallyReplace publishes it; Cleanup discards it.
func TempFileFor(path string) (*renameio.PendingFile, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.NewIOError("create directory", dir, err)
	}
	f, err := renameio.TempFile(dir, path)
	if err != nil {
		return nil, errors.NewIOError("create temp file", path, err)
	}
	return f, nil
}
