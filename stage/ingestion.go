package stage

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"

	securejoin "github.com/cyphar/filepath-securejoin"
	"github.com/klauspost/compress/zip"

	"github.com/YuminosukeSato/dustscope/artifact"
	"github.com/YuminosukeSato/dustscope/config"
	"github.com/YuminosukeSato/dustscope/pkg/errors"
	"github.com/YuminosukeSato/dustscope/pkg/log"
)

// Ingestion fetches the dataset archive and extracts it.
type Ingestion struct {
	cfg     config.IngestionConfig
	logger  log.Logger
	fetcher *Fetcher
}

// NewIngestion creates the ingestion stage.
func NewIngestion(cfg config.IngestionConfig, opts ...Option) *Ingestion {
	o := newOptions(IngestionName, opts)
	return &Ingestion{
		cfg:     cfg,
		logger:  o.logger,
		fetcher: NewFetcher(o.client, o.logger),
	}
}

func (s *Ingestion) Name() string      { return IngestionName }
func (s *Ingestion) Inputs() []string  { return nil }
func (s *Ingestion) Outputs() []string { return []string{s.cfg.LocalDataFile, s.cfg.UnzipDir} }

// Run downloads the archive unless it is already present, then extracts it.
// A re-run extracts again and overwrites what it finds.
func (s *Ingestion) Run(ctx context.Context) error {
	return logFailure(s.logger, s.run(ctx))
}

func (s *Ingestion) run(ctx context.Context) error {
	if artifact.Exists(s.cfg.LocalDataFile) {
		size, _ := artifact.Size(s.cfg.LocalDataFile)
		s.logger.Info("archive already exists, skipping download",
			log.ArtifactKey, s.cfg.LocalDataFile, log.ArtifactSizeKey, size)
	} else {
		if err := s.fetcher.Download(ctx, s.cfg.SourceURL, s.cfg.LocalDataFile); err != nil {
			return errors.NewIngestionError("download", s.cfg.SourceURL, err)
		}
		size, _ := artifact.Size(s.cfg.LocalDataFile)
		s.logger.Info("archive downloaded",
			log.SourceKey, s.cfg.SourceURL, log.ArtifactKey, s.cfg.LocalDataFile, log.ArtifactSizeKey, size)
	}

	n, err := Extract(ctx, s.cfg.LocalDataFile, s.cfg.UnzipDir)
	if err != nil {
		return errors.NewIngestionError("extract", s.cfg.LocalDataFile, err)
	}
	s.logger.Info("archive extracted", log.ArtifactKey, s.cfg.UnzipDir, log.SamplesKey, n)
	return nil
}

// Extract unpacks the zip archive into dir and returns the number of files
// written. Entry paths are resolved inside dir, so an entry such as
// "../../etc/passwd" cannot escape it. macOS resource forks and symlinks
// are skipped. Existing files are overwritten.
func Extract(ctx context.Context, archive, dir string) (int, error) {
	r, err := zip.OpenReader(archive)
	if err != nil {
		return 0, errors.NewIOError("open archive", archive, err)
	}
	defer r.Close()

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return 0, errors.NewIOError("create directory", dir, err)
	}

	written := 0
	for _, f := range r.File {
		if err := ctx.Err(); err != nil {
			return written, err
		}
		name := filepath.ToSlash(f.Name)
		if name == "__MACOSX" || strings.HasPrefix(name, "__MACOSX/") {
			continue
		}
		mode := f.Mode()
		if mode&os.ModeSymlink != 0 {
			continue
		}
		target, err := securejoin.SecureJoin(dir, f.Name)
		if err != nil {
			return written, errors.Wrapf(err, "resolve entry %s", f.Name)
		}
		if f.FileInfo().IsDir() {
			if err := os.MkdirAll(target, 0o755); err != nil {
				return written, errors.NewIOError("create directory", target, err)
			}
			continue
		}
		if err := extractFile(f, target); err != nil {
			return written, err
		}
		written++
	}
	return written, nil
}

func extractFile(f *zip.File, target string) error {
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return errors.NewIOError("create directory", filepath.Dir(target), err)
	}
	src, err := f.Open()
	if err != nil {
		return errors.Wrapf(err, "open entry %s", f.Name)
	}
	defer src.Close()

	dst, err := os.OpenFile(target, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return errors.NewIOError("create", target, err)
	}
	if _, err := io.Copy(dst, src); err != nil {
		dst.Close()
		return errors.Wrapf(err, "extract entry %s", f.Name)
	}
	if err := dst.Close(); err != nil {
		return errors.NewIOError("write", target, err)
	}
	return nil
}
