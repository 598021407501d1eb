// Package artifact produces the content that gets stored for a repository:
// git bundles built from a mirror clone and per-commit tarballs downloaded
// from GitHub.
package artifact

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/dustin/go-humanize"

	"github.com/schaermu/ghbackup/internal/backup"
	"github.com/schaermu/ghbackup/internal/git"
)

// BundleProducer builds a bundle of every ref of a repository in a private
// scratch directory.
type BundleProducer struct {
	git     git.Client
	workDir string
	logger  *slog.Logger
}

// NewBundleProducer creates a producer that places scratch directories under
// workDir, or the OS temp dir when workDir is empty.
func NewBundleProducer(gitClient git.Client, workDir string, logger *slog.Logger) *BundleProducer {
	return &BundleProducer{
		git:     gitClient,
		workDir: workDir,
		logger:  logger,
	}
}

// ProduceBundle implements backup.BundleProducer
func (p *BundleProducer) ProduceBundle(ctx context.Context, repo backup.RepositoryRef) (io.ReadCloser, error) {
	if p.workDir != "" {
		if err := os.MkdirAll(p.workDir, 0700); err != nil {
			return nil, fmt.Errorf("failed to create work directory: %w", err)
		}
	}
	scratch, err := os.MkdirTemp(p.workDir, "ghbackup-"+filepath.Base(repo.Name)+"-")
	if err != nil {
		return nil, fmt.Errorf("failed to create scratch directory: %w", err)
	}

	f, err := p.build(ctx, repo, scratch)
	if err != nil {
		if rmErr := os.RemoveAll(scratch); rmErr != nil {
			p.logger.Warn("failed to remove scratch directory", "path", scratch, "error", rmErr)
		}
		return nil, err
	}

	return &scratchFile{file: f, dir: scratch, logger: p.logger}, nil
}

func (p *BundleProducer) build(ctx context.Context, repo backup.RepositoryRef, scratch string) (*os.File, error) {
	mirror := filepath.Join(scratch, "repo.git")
	bundlePath := filepath.Join(scratch, "repo.bundle")

	p.logger.Debug("cloning repository", "repository", repo.Name, "path", mirror)
	if err := p.git.MirrorClone(ctx, repo.CloneURL, mirror); err != nil {
		return nil, err
	}
	if err := p.git.CreateBundle(ctx, mirror, bundlePath); err != nil {
		return nil, err
	}
	if err := os.RemoveAll(mirror); err != nil {
		return nil, fmt.Errorf("failed to remove mirror: %w", err)
	}

	f, err := os.Open(bundlePath)
	if err != nil {
		return nil, fmt.Errorf("failed to open bundle: %w", err)
	}
	if info, err := f.Stat(); err == nil {
		p.logger.Debug("bundle created", "repository", repo.Name, "size", humanize.Bytes(uint64(info.Size())))
	}
	return f, nil
}

// scratchFile reads a file and removes its scratch directory at EOF or Close,
// whichever comes first.
type scratchFile struct {
	file   *os.File
	dir    string
	logger *slog.Logger

	once sync.Once
	err  error
	eof  bool
}

func (s *scratchFile) Read(p []byte) (int, error) {
	if s.eof {
		return 0, io.EOF
	}
	n, err := s.file.Read(p)
	if errors.Is(err, io.EOF) {
		s.eof = true
		s.cleanup()
	}
	return n, err
}

func (s *scratchFile) Close() error {
	s.cleanup()
	return s.err
}

func (s *scratchFile) cleanup() {
	s.once.Do(func() {
		closeErr := s.file.Close()
		rmErr := os.RemoveAll(s.dir)
		if rmErr != nil {
			s.logger.Warn("failed to remove scratch directory", "path", s.dir, "error", rmErr)
		}
		s.err = errors.Join(closeErr, rmErr)
	})
}
