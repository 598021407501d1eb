package artifact

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/avast/retry-go"

	"github.com/schaermu/ghbackup/internal/backup"
)

const (
	defaultAttempts = 3
	defaultDelay    = time.Second
	userAgent       = "ghbackup"
)

// StatusError is returned when an archive download answers with anything but 200
type StatusError struct {
	URL        string
	StatusCode int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("unexpected status %d downloading %s", e.StatusCode, e.URL)
}

// TarballFetcher downloads ref archives over HTTP
type TarballFetcher struct {
	client   *http.Client
	logger   *slog.Logger
	attempts uint
	delay    time.Duration
}

// FetcherOption configures a TarballFetcher
type FetcherOption func(*TarballFetcher)

// WithRetry sets how often a download is attempted and the base delay between attempts
func WithRetry(attempts uint, delay time.Duration) FetcherOption {
	return func(f *TarballFetcher) {
		f.attempts = attempts
		f.delay = delay
	}
}

// NewTarballFetcher creates a fetcher. The client is expected to carry
// authentication for the download URLs.
func NewTarballFetcher(client *http.Client, logger *slog.Logger, opts ...FetcherOption) *TarballFetcher {
	if client == nil {
		client = http.DefaultClient
	}
	f := &TarballFetcher{
		client:   client,
		logger:   logger,
		attempts: defaultAttempts,
		delay:    defaultDelay,
	}
	for _, opt := range opts {
		opt(f)
	}
	if f.attempts == 0 {
		f.attempts = 1
	}
	return f
}

// FetchArchive implements backup.ArchiveFetcher
func (f *TarballFetcher) FetchArchive(ctx context.Context, ref backup.RefSnapshot) (io.ReadCloser, error) {
	if ref.DownloadURL == "" {
		return nil, fmt.Errorf("no download URL for %s/%s", ref.Kind, ref.Name)
	}

	var body io.ReadCloser
	err := retry.Do(
		func() error {
			rc, err := f.get(ctx, ref.DownloadURL)
			if err != nil {
				return err
			}
			body = rc
			return nil
		},
		retry.Context(ctx),
		retry.Attempts(f.attempts),
		retry.Delay(f.delay),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
		retry.RetryIf(func(err error) bool {
			return retryable(ctx, err)
		}),
		retry.OnRetry(func(n uint, err error) {
			f.logger.Warn("archive download failed, retrying",
				"url", ref.DownloadURL,
				"attempt", n+1,
				"error", err)
		}),
	)
	if err != nil {
		return nil, err
	}
	return body, nil
}

func (f *TarballFetcher) get(ctx context.Context, url string) (io.ReadCloser, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to download %s: %w", url, err)
	}
	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		_ = resp.Body.Close()
		return nil, &StatusError{URL: url, StatusCode: resp.StatusCode}
	}
	return resp.Body, nil
}

// retryable reports whether a failed download is worth another attempt:
// transport errors and server side failures are, client errors are not.
func retryable(ctx context.Context, err error) bool {
	if ctx.Err() != nil {
		return false
	}
	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		return statusErr.StatusCode >= 500
	}
	return true
}
