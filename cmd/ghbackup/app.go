package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/schaermu/ghbackup/internal/artifact"
	"github.com/schaermu/ghbackup/internal/backup"
	"github.com/schaermu/ghbackup/internal/config"
	"github.com/schaermu/ghbackup/internal/git"
	"github.com/schaermu/ghbackup/internal/github"
	"github.com/schaermu/ghbackup/internal/metrics"
	"github.com/schaermu/ghbackup/internal/store"
)

const pushTimeout = 10 * time.Second

// app holds the collaborators of a backup run built from the configuration
type app struct {
	cfg      *config.Config
	engine   *backup.Engine
	registry *prometheus.Registry
	logger   *slog.Logger
}

func newApp(ctx context.Context, cfg *config.Config, logger *slog.Logger, dryRun bool) (*app, error) {
	httpClient := github.NewHTTPClient(ctx, cfg.GitHub.Token)
	apiClient, err := github.NewAPIClient(httpClient, cfg.GitHub.BaseURL)
	if err != nil {
		return nil, err
	}
	source := github.New(apiClient, github.Options{
		Mode:         github.Mode(cfg.GitHub.Mode),
		Organization: cfg.GitHub.Organization,
	}, logger)

	login, err := source.WhoAmI(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to identify GitHub user: %w", err)
	}
	logger.Info("running as GitHub user", "login", login, "target", cfg.Target())

	s3Store, err := store.NewFromConfig(ctx, store.Config{
		Bucket:          cfg.Storage.Bucket,
		Region:          cfg.Storage.Region,
		Endpoint:        cfg.Storage.Endpoint,
		UsePathStyle:    cfg.Storage.UsePathStyle,
		AccessKeyID:     cfg.Storage.AccessKeyID,
		SecretAccessKey: cfg.Storage.SecretAccessKey,
		StorageClass:    cfg.Storage.StorageClass,
		ExpireThreshold: cfg.ExpireThreshold(),
	})
	if err != nil {
		return nil, err
	}

	strategyOpts := backup.StrategyOptions{Logger: logger, DryRun: dryRun}
	strategy, err := newStrategy(cfg, source, s3Store, httpClient, strategyOpts)
	if err != nil {
		return nil, err
	}

	collector := metrics.NewCollector()
	registry := prometheus.NewRegistry()
	if err := registry.Register(collector); err != nil {
		return nil, fmt.Errorf("failed to register metrics: %w", err)
	}

	engine := backup.NewEngine(source, strategy, logger, backup.Options{
		SafetyMargin: cfg.Backup.SafetyMargin,
		Concurrency:  cfg.Backup.Concurrency,
		Recorder:     collector,
	})

	return &app{
		cfg:      cfg,
		engine:   engine,
		registry: registry,
		logger:   logger,
	}, nil
}

// newStrategy builds the configured backup strategy
func newStrategy(cfg *config.Config, source backup.Source, st backup.Store, httpClient *http.Client, opts backup.StrategyOptions) (backup.Strategy, error) {
	switch cfg.Backup.Strategy {
	case config.StrategyBundle:
		producer := artifact.NewBundleProducer(git.NewShellClient(cfg.GitHub.Token), cfg.Backup.WorkDir, opts.Logger)
		return backup.NewBundleStrategy(st, producer, opts), nil
	case config.StrategyTarball:
		fetcher := artifact.NewTarballFetcher(httpClient, opts.Logger)
		return backup.NewTarballStrategy(source, st, fetcher, opts), nil
	default:
		return nil, fmt.Errorf("unknown backup strategy %q", cfg.Backup.Strategy)
	}
}

// run performs one backup run and reports a planned timeout stop
func (a *app) run(ctx context.Context, deadline time.Time) (*backup.RunResult, error) {
	result, err := a.engine.Run(ctx, deadline)
	if err != nil {
		return result, err
	}
	if result.StoppedForTimeout {
		a.logger.Info("run stopped before its deadline, remaining repositories are backed up on the next run")
	}
	for _, f := range result.Failures {
		a.logger.Error("backup failure", "target", f.Target, "error", f.Err)
	}
	return result, nil
}

// pushMetrics sends the collected metrics to the Pushgateway, if configured.
// Push errors are logged and never fail the run.
func (a *app) pushMetrics(ctx context.Context) {
	if a.cfg.Metrics.PushgatewayURL == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), pushTimeout)
	defer cancel()
	if err := metrics.Push(ctx, a.cfg.Metrics.PushgatewayURL, a.cfg.Metrics.Job, a.registry); err != nil {
		a.logger.Warn("failed to push metrics", "error", err)
	}
}
