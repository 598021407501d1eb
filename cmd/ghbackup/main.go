package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	charmlog "github.com/charmbracelet/log"
	"github.com/spf13/cobra"

	"github.com/schaermu/ghbackup/internal/activation"
	"github.com/schaermu/ghbackup/internal/backup"
	"github.com/schaermu/ghbackup/internal/config"
	"github.com/schaermu/ghbackup/internal/webhook"
)

var (
	// Set by goreleaser
	version = "dev"
	commit  = "none"
	date    = "unknown"

	// Global flags
	cfgFile   string
	envFile   string
	logLevel  string
	logFormat string

	// run flags
	dryRun     bool
	runTimeout time.Duration
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "ghbackup",
	Short: "Back up GitHub repositories to S3",
	Long: `ghbackup copies the repositories of a GitHub organization or user into an
S3 bucket, either as full-history git bundles or as per-ref source tarballs.

Runs are incremental: only repositories that changed since the last stored
object are processed, and a run stops cleanly before its deadline so the next
run picks up where it left off.`,
	SilenceUsage: true,
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Perform a single backup run",
	Long: `Run enumerates the configured repositories and backs up every repository
that changed since its last backup.

The command exits with a non-zero status when any repository or ref failed.`,
	RunE: runBackup,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the webhook server",
	Long: `Serve performs an initial backup run and then listens for GitHub webhook
events, triggering a debounced run for every accepted event.

The listener is taken from systemd socket activation when available.`,
	RunE: runServe,
}

var lambdaCmd = &cobra.Command{
	Use:   "lambda",
	Short: "Run as an AWS Lambda function",
	Long: `Lambda starts the AWS Lambda runtime loop. Each invocation performs one
backup run bounded by the invocation deadline.`,
	RunE: runLambda,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("ghbackup %s\n", version)
		fmt.Printf("  commit: %s\n", commit)
		fmt.Printf("  built:  %s\n", date)
	},
}

func init() {
	// Global flags
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (environment only when empty)")
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", ".env", "dotenv file loaded before the configuration")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "text", "log format (text, json, pretty)")

	// Run command flags
	runCmd.Flags().BoolVar(&dryRun, "dry-run", false, "show what would be uploaded without writing to the bucket")
	runCmd.Flags().DurationVar(&runTimeout, "timeout", 0, "stop the run after this duration (overrides backup.timeout)")

	// Add commands
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(lambdaCmd)
	rootCmd.AddCommand(versionCmd)
}

func runBackup(cmd *cobra.Command, args []string) error {
	ctx, cancel := setupSignalHandler()
	defer cancel()

	logger := setupLogger()

	cfg, err := loadConfig(logger)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if runTimeout > 0 {
		cfg.Backup.Timeout = runTimeout
	}

	app, err := newApp(ctx, cfg, logger, dryRun)
	if err != nil {
		return err
	}

	result, err := app.run(ctx, deadlineFor(cfg.Backup.Timeout))
	app.pushMetrics(ctx)
	if err != nil {
		logger.Error("backup failed", "error", err)
		return err
	}

	return result.Err()
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, cancel := setupSignalHandler()
	defer cancel()

	logger := setupLogger()

	cfg, err := loadConfig(logger)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if err := cfg.ValidateServe(); err != nil {
		return fmt.Errorf("invalid serve configuration: %w", err)
	}

	app, err := newApp(ctx, cfg, logger, false)
	if err != nil {
		return err
	}

	runner := func(ctx context.Context) (*backup.RunResult, error) {
		result, err := app.run(ctx, deadlineFor(cfg.Backup.Timeout))
		app.pushMetrics(ctx)
		return result, err
	}

	server, err := webhook.NewServer(cfg, runner, app.registry, logger)
	if err != nil {
		return fmt.Errorf("failed to create webhook server: %w", err)
	}

	listener, fromSystemd, err := activation.Listen("webhook", cfg.Serve.ListenAddr)
	if err != nil {
		return err
	}
	if fromSystemd {
		logger.Info("using systemd socket activation", "addr", listener.Addr().String())
	}

	return server.Start(ctx, listener)
}

func setupLogger() *slog.Logger {
	// Parse log level
	var level slog.Level
	switch logLevel {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	// Create handler based on format
	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: level}

	switch logFormat {
	case "json":
		handler = slog.NewJSONHandler(os.Stdout, opts)
	case "pretty":
		handler = charmlog.NewWithOptions(os.Stderr, charmlog.Options{
			Level:           charmlog.Level(level),
			ReportTimestamp: true,
			TimeFormat:      time.Kitchen,
		})
	default:
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	return slog.New(handler)
}

func loadConfig(logger *slog.Logger) (*config.Config, error) {
	if envFile != "" {
		if err := config.LoadDotEnv(envFile); err != nil {
			return nil, err
		}
	}

	if cfgFile == "" {
		logger.Info("loading configuration from environment")
	} else {
		logger.Info("loading configuration", "path", cfgFile)
	}

	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, err
	}

	logger.Debug("configuration loaded",
		"target", cfg.Target(),
		"bucket", cfg.Storage.Bucket,
		"strategy", cfg.Backup.Strategy,
		"timeout", cfg.Backup.Timeout,
		"concurrency", cfg.Backup.Concurrency)

	return cfg, nil
}

// deadlineFor returns the run deadline for timeout, or the zero time when
// the run is unbounded.
func deadlineFor(timeout time.Duration) time.Time {
	if timeout <= 0 {
		return time.Time{}
	}
	return time.Now().Add(timeout)
}

func setupSignalHandler() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	go func() {
		select {
		case <-sigCh:
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(sigCh)
	}()

	return ctx, cancel
}
