package webhook

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/schaermu/ghbackup/internal/backup"
	"github.com/schaermu/ghbackup/internal/config"
)

// Runner performs one backup run
type Runner func(ctx context.Context) (*backup.RunResult, error)

// GitHubEvent holds the fields shared by the repository events that trigger a backup
type GitHubEvent struct {
	Ref        string `json:"ref"`
	After      string `json:"after"`
	Repository struct {
		FullName string `json:"full_name"`
		Owner    struct {
			Login string `json:"login"`
		} `json:"owner"`
	} `json:"repository"`
}

// RunStatus describes the most recent run for the status endpoint
type RunStatus struct {
	RunID             string    `json:"run_id"`
	FinishedAt        time.Time `json:"finished_at"`
	Summary           string    `json:"summary"`
	Processed         int       `json:"processed"`
	BackedUp          int       `json:"backed_up"`
	Skipped           int       `json:"skipped"`
	Uploaded          int       `json:"uploaded"`
	Failures          []string  `json:"failures,omitempty"`
	StoppedForTimeout bool      `json:"stopped_for_timeout"`
	Error             string    `json:"error,omitempty"`
}

// Server triggers backup runs from GitHub webhooks
type Server struct {
	cfg      *config.Config
	run      Runner
	gatherer prometheus.Gatherer
	logger   *slog.Logger
	secret   []byte
	debounce *debouncer

	baseCtx context.Context

	runMu      sync.Mutex // guards runRunning, runPending and last
	runRunning bool       // whether a run is currently in progress
	runPending bool       // whether another run is needed after the current one
	last       *RunStatus
}

// debouncer implements debouncing for webhook events
type debouncer struct {
	mu       sync.Mutex
	timer    *time.Timer
	delay    time.Duration
	callback func()
}

// NewServer creates a new webhook server. gatherer backs the /metrics
// endpoint and may be nil.
func NewServer(cfg *config.Config, run Runner, gatherer prometheus.Gatherer, logger *slog.Logger) (*Server, error) {
	secret, err := os.ReadFile(cfg.Serve.GitHubWebhookSecretFile)
	if err != nil {
		return nil, fmt.Errorf("failed to read webhook secret: %w", err)
	}

	secret = []byte(strings.TrimSpace(string(secret)))
	if len(secret) == 0 {
		return nil, fmt.Errorf("webhook secret file %s is empty", cfg.Serve.GitHubWebhookSecretFile)
	}

	return &Server{
		cfg:      cfg,
		run:      run,
		gatherer: gatherer,
		logger:   logger,
		secret:   secret,
		debounce: &debouncer{delay: cfg.Serve.Debounce},
		baseCtx:  context.Background(),
	}, nil
}

// Handler returns the HTTP routes of the server
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handleWebhook)
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.HandleFunc("/status", s.handleStatus)
	if s.gatherer != nil {
		mux.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	}
	return mux
}

// Start performs an initial run and then serves webhooks on l until ctx is done.
func (s *Server) Start(ctx context.Context, l net.Listener) error {
	s.baseCtx = ctx

	s.logger.Info("performing initial backup before starting webhook server")
	s.performRun(ctx)

	server := &http.Server{
		Handler:           s.Handler(),
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       60 * time.Second,
		MaxHeaderBytes:    1 << 20, // 1 MB
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("webhook server starting", "addr", l.Addr().String())
		if err := server.Serve(l); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("shutting down webhook server")
		s.debounce.stop()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

// handleWebhook handles incoming GitHub webhook requests
func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.logger.Warn("rejecting non-POST request", "method", r.Method)
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	contentType := r.Header.Get("Content-Type")
	if contentType != "application/json" {
		s.logger.Warn("rejecting request with invalid content type", "content_type", contentType)
		http.Error(w, "Invalid content type", http.StatusBadRequest)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20)) // 1 MB limit
	if err != nil {
		s.logger.Error("failed to read request body", "error", err)
		http.Error(w, "Failed to read body", http.StatusInternalServerError)
		return
	}
	defer func() {
		_ = r.Body.Close()
	}()

	signature := r.Header.Get("X-Hub-Signature-256")
	if !s.verifySignature(body, signature) {
		s.logger.Warn("rejecting request with invalid signature")
		http.Error(w, "Invalid signature", http.StatusForbidden)
		return
	}

	eventType := r.Header.Get("X-GitHub-Event")
	s.logger.Info("received webhook", "event", eventType, "delivery", r.Header.Get("X-GitHub-Delivery"))

	if eventType == "ping" {
		_, _ = fmt.Fprintf(w, "pong\n")
		return
	}

	if !s.isEventTypeAllowed(eventType) {
		s.logger.Info("ignoring disallowed event type", "event", eventType)
		w.WriteHeader(http.StatusOK)
		_, _ = fmt.Fprintf(w, "Event type not configured for backup\n")
		return
	}

	var event GitHubEvent
	if err := json.Unmarshal(body, &event); err != nil {
		s.logger.Error("failed to parse webhook payload", "error", err)
		http.Error(w, "Invalid payload", http.StatusBadRequest)
		return
	}

	if !s.isOwnerAllowed(event.Repository.Owner.Login) {
		s.logger.Info("ignoring event for foreign repository", "repo", event.Repository.FullName)
		w.WriteHeader(http.StatusOK)
		_, _ = fmt.Fprintf(w, "Repository not in backup scope\n")
		return
	}

	s.logger.Info("webhook accepted",
		"event", eventType,
		"ref", event.Ref,
		"commit", event.After,
		"repo", event.Repository.FullName)

	s.debounce.trigger(func() {
		s.performRun(s.baseCtx)
	})

	w.WriteHeader(http.StatusAccepted)
	_, _ = fmt.Fprintf(w, "Backup triggered\n")
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	_, _ = fmt.Fprintf(w, "ok\n")
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	s.runMu.Lock()
	status := struct {
		Running bool       `json:"running"`
		LastRun *RunStatus `json:"last_run,omitempty"`
	}{Running: s.runRunning, LastRun: s.last}
	s.runMu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(status); err != nil {
		s.logger.Error("failed to write status", "error", err)
	}
}

// verifySignature verifies the GitHub webhook signature
func (s *Server) verifySignature(body []byte, signature string) bool {
	if signature == "" {
		return false
	}

	// GitHub signature format: sha256=<hex>
	if !strings.HasPrefix(signature, "sha256=") {
		return false
	}
	signature = strings.TrimPrefix(signature, "sha256=")

	mac := hmac.New(sha256.New, s.secret)
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))

	return hmac.Equal([]byte(signature), []byte(expected))
}

// isEventTypeAllowed checks if the event type is in the allowed list
func (s *Server) isEventTypeAllowed(eventType string) bool {
	if len(s.cfg.Serve.AllowedEventTypes) == 0 {
		return true // no filter configured
	}

	for _, allowed := range s.cfg.Serve.AllowedEventTypes {
		if eventType == allowed {
			return true
		}
	}
	return false
}

// isOwnerAllowed limits organization mode to events of that organization
func (s *Server) isOwnerAllowed(owner string) bool {
	if s.cfg.GitHub.Mode != config.ModeOrganization {
		return true
	}
	return strings.EqualFold(owner, s.cfg.GitHub.Organization)
}

// performRun executes a backup run with single-flight semantics.
// If a run is already in progress, at most one additional run is queued;
// further concurrent requests are dropped to avoid unbounded goroutine pile-up.
func (s *Server) performRun(ctx context.Context) {
	s.runMu.Lock()
	if s.runRunning {
		s.runPending = true
		s.runMu.Unlock()
		s.logger.Info("backup already in progress, queuing pending re-run")
		return
	}
	s.runRunning = true
	s.runMu.Unlock()

	for {
		result, err := s.run(ctx)
		status := newRunStatus(result, err)
		switch {
		case err != nil:
			s.logger.Error("backup run failed", "error", err)
		case len(status.Failures) > 0:
			s.logger.Error("backup run finished with failures", "failures", len(status.Failures))
		default:
			s.logger.Info("backup run finished", "summary", status.Summary)
		}

		s.runMu.Lock()
		s.last = status
		if !s.runPending || ctx.Err() != nil {
			s.runRunning = false
			s.runPending = false
			s.runMu.Unlock()
			break
		}
		s.runPending = false
		s.runMu.Unlock()

		s.logger.Info("re-running backup due to pending request")
	}
}

func newRunStatus(result *backup.RunResult, err error) *RunStatus {
	status := &RunStatus{FinishedAt: time.Now().UTC()}
	if err != nil {
		status.Error = err.Error()
	}
	if result == nil {
		return status
	}
	status.RunID = result.RunID
	status.Summary = result.Summary()
	status.Processed = result.Processed
	status.BackedUp = result.BackedUp
	status.Skipped = result.Skipped
	status.Uploaded = result.Uploaded
	status.StoppedForTimeout = result.StoppedForTimeout
	for _, f := range result.Failures {
		status.Failures = append(status.Failures, f.String())
	}
	return status
}

// trigger schedules the callback to run after the debounce delay
func (d *debouncer) trigger(callback func()) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.callback = callback

	if d.timer != nil {
		d.timer.Stop()
	}

	d.timer = time.AfterFunc(d.delay, func() {
		d.mu.Lock()
		cb := d.callback
		d.mu.Unlock()

		if cb != nil {
			cb()
		}
	})
}

// stop cancels a scheduled callback
func (d *debouncer) stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.timer != nil {
		d.timer.Stop()
	}
	d.callback = nil
}
