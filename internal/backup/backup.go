package backup

import (
	"context"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/juju/clock"
	"golang.org/x/sync/errgroup"
)

// DefaultSafetyMargin is the minimum time that must remain before the deadline
// for a new unit of work to be started.
const DefaultSafetyMargin = 10 * time.Second

var (
	// ErrSkipped means the repository was already up to date
	ErrSkipped = errors.New("repository up to date")
	// ErrDeadline means a strategy stopped early because the run deadline is near
	ErrDeadline = errors.New("run deadline reached")
	// ErrNotFound is returned by a Store when a key does not exist
	ErrNotFound = errors.New("object not found")
	// ErrPermissionDenied is returned by a Store when access to a key is refused
	ErrPermissionDenied = errors.New("permission denied")
)

// Source enumerates repositories and their refs
type Source interface {
	// ListRepositories yields repositories in the order they should be backed up
	ListRepositories(ctx context.Context) iter.Seq2[RepositoryRef, error]
	// ListRefs yields branches and then tags of a repository
	ListRefs(ctx context.Context, repo RepositoryRef) iter.Seq2[RefSnapshot, error]
}

// WriteOptions describes how an object is stored
type WriteOptions struct {
	// Archive marks backup artifacts; the store applies its retention
	// storage class to them. Small bookkeeping objects leave it unset.
	Archive     bool
	ContentType string
	Metadata    map[string]string
}

// Store is a durable, versioned object namespace
type Store interface {
	// Exists reports whether key exists and is not about to expire
	Exists(ctx context.Context, key string) (bool, error)
	// ReadText returns the body of key, or ErrNotFound
	ReadText(ctx context.Context, key string) (string, error)
	// Write stores the content of r under key
	Write(ctx context.Context, key string, r io.Reader, opts WriteOptions) error
	// LastModifiedUnder returns the newest modification time among current
	// objects under prefix, or the zero time when there are none
	LastModifiedUnder(ctx context.Context, prefix string) (time.Time, error)
}

// BundleProducer creates a full-history bundle of a repository
type BundleProducer interface {
	// ProduceBundle returns the bundle content. Closing the reader releases
	// every scratch resource used to build it.
	ProduceBundle(ctx context.Context, repo RepositoryRef) (io.ReadCloser, error)
}

// ArchiveFetcher downloads the content archive of a single ref
type ArchiveFetcher interface {
	FetchArchive(ctx context.Context, ref RefSnapshot) (io.ReadCloser, error)
}

// Progress lets a Strategy consult the run deadline and report units of work
type Progress interface {
	// Expired reports whether no new unit of work may be started
	Expired() bool
	// Fail records a unit that could not be backed up
	Fail(target string, err error)
	// Uploaded records an object written to the store
	Uploaded(key string, bytes int64)
}

// Strategy backs up a single repository
type Strategy interface {
	Name() string
	// Backup returns ErrSkipped when the repository is already up to date and
	// ErrDeadline when it stopped before finishing because time ran out.
	// Failures of individual units are reported through p.
	Backup(ctx context.Context, repo RepositoryRef, p Progress) error
}

// Recorder observes run activity, e.g. to export metrics
type Recorder interface {
	RepositoryFinished(outcome Outcome)
	UnitFailed()
	ObjectUploaded(bytes int64)
	RunFinished(result *RunResult, elapsed time.Duration)
}

// Options tunes an Engine
type Options struct {
	SafetyMargin time.Duration
	Concurrency  int
	Clock        clock.Clock
	Recorder     Recorder
}

// Engine orchestrates a backup run
type Engine struct {
	source       Source
	strategy     Strategy
	logger       *slog.Logger
	clock        clock.Clock
	recorder     Recorder
	safetyMargin time.Duration
	concurrency  int
}

// NewEngine creates a new backup engine
func NewEngine(source Source, strategy Strategy, logger *slog.Logger, opts Options) *Engine {
	e := &Engine{
		source:       source,
		strategy:     strategy,
		logger:       logger,
		clock:        opts.Clock,
		recorder:     opts.Recorder,
		safetyMargin: opts.SafetyMargin,
		concurrency:  opts.Concurrency,
	}
	if e.clock == nil {
		e.clock = clock.WallClock
	}
	if e.recorder == nil {
		e.recorder = nopRecorder{}
	}
	if e.safetyMargin <= 0 {
		e.safetyMargin = DefaultSafetyMargin
	}
	if e.concurrency < 1 {
		e.concurrency = 1
	}
	return e
}

// Run backs up every stale repository until the source is exhausted or the
// deadline is near. A zero deadline means the run is unbounded.
//
// Per-repository and per-ref failures are collected in the result; the
// returned error is only set when enumeration fails or ctx is cancelled.
func (e *Engine) Run(ctx context.Context, deadline time.Time) (*RunResult, error) {
	started := e.clock.Now()
	r := &run{
		engine:   e,
		deadline: deadline,
		result:   &RunResult{RunID: uuid.NewString()},
	}

	logger := e.logger.With("run_id", r.result.RunID)
	logger.Info("starting backup",
		"strategy", e.strategy.Name(),
		"deadline", formatDeadline(deadline),
		"concurrency", e.concurrency)

	var g errgroup.Group
	g.SetLimit(e.concurrency)

	var runErr error
	for repo, err := range e.source.ListRepositories(ctx) {
		if err != nil {
			runErr = fmt.Errorf("failed to list repositories: %w", err)
			break
		}
		if err := ctx.Err(); err != nil {
			runErr = err
			break
		}
		if r.stopIfExpired() {
			logger.Info("ran out of time, stopping before next repository", "next", repo.Name)
			break
		}

		g.Go(func() error {
			// The gate is checked again because Go may have waited for a free worker.
			if r.stopIfExpired() {
				return nil
			}
			e.backupRepository(ctx, logger, repo, r)
			return nil
		})
	}
	_ = g.Wait()

	result := r.snapshot()
	elapsed := e.clock.Now().Sub(started)
	e.recorder.RunFinished(result, elapsed)

	logger.Info("backup finished",
		"summary", result.Summary(),
		"processed", result.Processed,
		"backed_up", result.BackedUp,
		"skipped", result.Skipped,
		"uploaded", result.Uploaded,
		"bytes", humanize.Bytes(uint64(result.Bytes)),
		"failures", len(result.Failures),
		"stopped_for_timeout", result.StoppedForTimeout,
		"duration", elapsed)

	return result, runErr
}

// backupRepository runs the strategy for one repository and classifies the outcome
func (e *Engine) backupRepository(ctx context.Context, logger *slog.Logger, repo RepositoryRef, r *run) {
	repoLog := logger.With("repository", repo.Name)
	repoLog.Info("backing up repository", "watermark", repo.Watermark)
	r.processed()

	start := e.clock.Now()
	err := e.strategy.Backup(ctx, repo, &repoProgress{run: r, logger: repoLog})

	var outcome Outcome
	switch {
	case err == nil:
		outcome = OutcomeBackedUp
		repoLog.Info("repository backed up", "duration", e.clock.Now().Sub(start))
	case errors.Is(err, ErrSkipped):
		outcome = OutcomeSkipped
		repoLog.Info("repository up to date, skipping")
	case errors.Is(err, ErrDeadline):
		outcome = OutcomeInterrupted
		r.stop()
		repoLog.Warn("ran out of time while backing up repository")
	default:
		outcome = OutcomeFailed
		repoLog.Error("failed to back up repository", "error", err)
		r.fail(repo.Name, err)
	}
	r.finished(outcome)
}

// run holds the mutable state of a single Engine.Run invocation
type run struct {
	engine   *Engine
	deadline time.Time

	mu     sync.Mutex
	result *RunResult
}

func (r *run) expired() bool {
	if r.deadline.IsZero() {
		return false
	}
	return r.deadline.Sub(r.engine.clock.Now()) < r.engine.safetyMargin
}

// stopIfExpired marks the run as stopped when the deadline gate has tripped.
// Once stopped, it stays stopped.
func (r *run) stopIfExpired() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.result.StoppedForTimeout {
		return true
	}
	if r.expired() {
		r.result.StoppedForTimeout = true
		return true
	}
	return false
}

func (r *run) stop() {
	r.mu.Lock()
	r.result.StoppedForTimeout = true
	r.mu.Unlock()
}

func (r *run) processed() {
	r.mu.Lock()
	r.result.Processed++
	r.mu.Unlock()
}

func (r *run) finished(outcome Outcome) {
	r.mu.Lock()
	switch outcome {
	case OutcomeBackedUp:
		r.result.BackedUp++
	case OutcomeSkipped:
		r.result.Skipped++
	}
	r.mu.Unlock()
	r.engine.recorder.RepositoryFinished(outcome)
}

func (r *run) fail(target string, err error) {
	r.mu.Lock()
	r.result.Failures = append(r.result.Failures, Failure{Target: target, Err: err})
	r.mu.Unlock()
	r.engine.recorder.UnitFailed()
}

func (r *run) uploaded(bytes int64) {
	r.mu.Lock()
	r.result.Uploaded++
	r.result.Bytes += bytes
	r.mu.Unlock()
	r.engine.recorder.ObjectUploaded(bytes)
}

func (r *run) snapshot() *RunResult {
	r.mu.Lock()
	defer r.mu.Unlock()
	result := *r.result
	result.Failures = append([]Failure(nil), r.result.Failures...)
	return &result
}

// repoProgress is the Progress handed to a strategy for one repository
type repoProgress struct {
	run    *run
	logger *slog.Logger
}

func (p *repoProgress) Expired() bool {
	return p.run.expired()
}

func (p *repoProgress) Fail(target string, err error) {
	p.logger.Error("failed to back up", "target", target, "error", err)
	p.run.fail(target, err)
}

func (p *repoProgress) Uploaded(key string, bytes int64) {
	p.logger.Info("uploaded object", "key", key, "size", humanize.Bytes(uint64(bytes)))
	p.run.uploaded(bytes)
}

func formatDeadline(deadline time.Time) string {
	if deadline.IsZero() {
		return "none"
	}
	return deadline.UTC().Format(time.RFC3339)
}

type nopRecorder struct{}

func (nopRecorder) RepositoryFinished(Outcome) {}
func (nopRecorder) UnitFailed() {}
func (nopRecorder) ObjectUploaded(int64) {}
func (nopRecorder) RunFinished(*RunResult, time.Duration) {}
