package backup

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/juju/clock"
)

// StrategyOptions configures a backup strategy
type StrategyOptions struct {
	Clock  clock.Clock
	Logger *slog.Logger
	DryRun bool
}

func (o StrategyOptions) withDefaults() StrategyOptions {
	if o.Clock == nil {
		o.Clock = clock.WallClock
	}
	if o.Logger == nil {
		o.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return o
}

// BundleStrategy stores one full-history bundle per repository change.
// Bundles are append-only: every stale run writes a new time-stamped key.
type BundleStrategy struct {
	store    Store
	producer BundleProducer
	clock    clock.Clock
	logger   *slog.Logger
	dryRun   bool
}

// NewBundleStrategy creates a bundle strategy
func NewBundleStrategy(store Store, producer BundleProducer, opts StrategyOptions) *BundleStrategy {
	opts = opts.withDefaults()
	return &BundleStrategy{
		store:    store,
		producer: producer,
		clock:    opts.Clock,
		logger:   opts.Logger,
		dryRun:   opts.DryRun,
	}
}

// Name returns the strategy name
func (s *BundleStrategy) Name() string {
	return "bundle"
}

// Backup writes a new bundle when the newest stored object under the
// repository prefix is older than the repository watermark.
func (s *BundleStrategy) Backup(ctx context.Context, repo RepositoryRef, p Progress) error {
	last, err := s.store.LastModifiedUnder(ctx, RepositoryPrefix(repo.Name))
	if err != nil {
		return fmt.Errorf("failed to find last backup: %w", err)
	}
	if !last.Before(repo.Watermark) {
		return ErrSkipped
	}

	s.logger.Debug("repository changed since last backup",
		"repository", repo.Name,
		"last_backup", last,
		"watermark", repo.Watermark)

	if s.dryRun {
		s.logger.Info("[dry-run] would upload bundle", "repository", repo.Name)
		return nil
	}

	bundle, err := s.producer.ProduceBundle(ctx, repo)
	if err != nil {
		return fmt.Errorf("failed to create bundle: %w", err)
	}
	defer func() {
		_ = bundle.Close()
	}()

	now := s.clock.Now().UTC()
	key := BundleKey(repo.Name, now)
	counter := &byteCounter{}
	err = s.store.Write(ctx, key, io.TeeReader(bundle, counter), WriteOptions{
		Archive:     true,
		ContentType: "application/x-git-bundle",
		Metadata:    bundleMetadata(repo, now),
	})
	if err != nil {
		return fmt.Errorf("failed to upload bundle: %w", err)
	}

	p.Uploaded(key, counter.n)
	return nil
}

// bundleMetadata describes a bundle object for auditing
func bundleMetadata(repo RepositoryRef, at time.Time) map[string]string {
	tags := strings.Join(repo.Tags, ", ")
	if tags == "" {
		tags = "none"
	}
	return map[string]string{
		"repository":     repo.Name,
		"backup-date":    at.Format(bundleTimeLayout),
		"tags":           tags,
		"description":    repo.Description,
		"default-branch": repo.DefaultBranch,
		"head-commit":    repo.DefaultBranchHeadSHA,
	}
}

// byteCounter counts bytes streamed through an io.TeeReader
type byteCounter struct {
	n int64
}

func (c *byteCounter) Write(p []byte) (int, error) {
	c.n += int64(len(p))
	return len(p), nil
}
