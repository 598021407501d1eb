package backup

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/juju/clock"
)

// TarballStrategy stores one archive per distinct commit a branch or tag
// points to, plus a small pointer object per ref naming its current sha.
// Refs are independent units: a failure on one ref leaves the others alone.
type TarballStrategy struct {
	refs    Source
	store   Store
	fetcher ArchiveFetcher
	clock   clock.Clock
	logger  *slog.Logger
	dryRun  bool
}

// NewTarballStrategy creates a tarball strategy
func NewTarballStrategy(refs Source, store Store, fetcher ArchiveFetcher, opts StrategyOptions) *TarballStrategy {
	opts = opts.withDefaults()
	return &TarballStrategy{
		refs:    refs,
		store:   store,
		fetcher: fetcher,
		clock:   opts.Clock,
		logger:  opts.Logger,
		dryRun:  opts.DryRun,
	}
}

// Name returns the strategy name
func (s *TarballStrategy) Name() string {
	return "tarball"
}

// refChange records what syncRef had to do for one ref
type refChange struct {
	archive bool
	pointer bool
}

// Backup syncs every branch and tag of repo. It returns ErrSkipped when every
// ref already had a stored archive and an up to date pointer.
func (s *TarballStrategy) Backup(ctx context.Context, repo RepositoryRef, p Progress) error {
	changed := false
	failed := false

	for ref, err := range s.refs.ListRefs(ctx, repo) {
		if err != nil {
			return fmt.Errorf("failed to list refs: %w", err)
		}
		if p.Expired() {
			return ErrDeadline
		}

		change, err := s.syncRef(ctx, repo, ref, p)
		if err != nil {
			failed = true
			p.Fail(refTarget(repo, ref), err)
			continue
		}
		if change.archive || change.pointer {
			changed = true
		}
	}

	if !changed && !failed {
		return ErrSkipped
	}
	return nil
}

// syncRef makes sure the archive for ref.SHA exists and the ref pointer names it
func (s *TarballStrategy) syncRef(ctx context.Context, repo RepositoryRef, ref RefSnapshot, p Progress) (refChange, error) {
	var change refChange
	refLog := s.logger.With("repository", repo.Name, "ref", string(ref.Kind)+"/"+ref.Name, "sha", ref.SHA)

	objectKey := ObjectKey(repo.Name, ref.SHA)
	exists, err := s.store.Exists(ctx, objectKey)
	if err != nil {
		return change, fmt.Errorf("failed to check %s: %w", objectKey, err)
	}

	if !exists {
		change.archive = true
		if s.dryRun {
			refLog.Info("[dry-run] would upload archive", "key", objectKey)
		} else if err := s.uploadArchive(ctx, repo, ref, objectKey, p); err != nil {
			return change, err
		}
	}

	pointerKey := PointerKey(repo.Name, ref.Kind, ref.Name)
	current, err := s.store.ReadText(ctx, pointerKey)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return change, fmt.Errorf("failed to read %s: %w", pointerKey, err)
	}
	if strings.TrimSpace(current) == ref.SHA {
		return change, nil
	}

	change.pointer = true
	if s.dryRun {
		refLog.Info("[dry-run] would update ref pointer", "key", pointerKey, "previous", strings.TrimSpace(current))
		return change, nil
	}

	err = s.store.Write(ctx, pointerKey, strings.NewReader(ref.SHA), WriteOptions{
		ContentType: "text/plain",
	})
	if err != nil {
		return change, fmt.Errorf("failed to update %s: %w", pointerKey, err)
	}
	refLog.Info("updated ref pointer", "key", pointerKey)

	return change, nil
}

func (s *TarballStrategy) uploadArchive(ctx context.Context, repo RepositoryRef, ref RefSnapshot, key string, p Progress) error {
	archive, err := s.fetcher.FetchArchive(ctx, ref)
	if err != nil {
		return fmt.Errorf("failed to download archive: %w", err)
	}
	defer func() {
		_ = archive.Close()
	}()

	counter := &byteCounter{}
	err = s.store.Write(ctx, key, io.TeeReader(archive, counter), WriteOptions{
		Archive:     true,
		ContentType: "application/gzip",
		Metadata: map[string]string{
			"repository":  repo.Name,
			"commit":      ref.SHA,
			"ref":         string(ref.Kind) + "/" + ref.Name,
			"backup-date": s.clock.Now().UTC().Format(bundleTimeLayout),
		},
	})
	if err != nil {
		return fmt.Errorf("failed to upload archive: %w", err)
	}

	p.Uploaded(key, counter.n)
	return nil
}

func refTarget(repo RepositoryRef, ref RefSnapshot) string {
	return repo.Name + ":" + string(ref.Kind) + "/" + ref.Name
}
