package storage

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/bobarin/hookscale/internal/metrics"
	"github.com/rs/zerolog/log"
)

const (
	defaultDownloadAttempts = 3
	defaultDownloadTimeout  = 30 * time.Second
	defaultDownloadBackoff  = 1 * time.Second
)

// Downloader fetches remote clips over plain HTTP with bounded retries.
// Attempt n waits n*Backoff before retrying.
type Downloader struct {
	Client   *http.Client
	Attempts int
	Timeout  time.Duration // per attempt
	Backoff  time.Duration
}

func NewDownloader() *Downloader {
	return &Downloader{
		Client: &http.Client{
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 20,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		Attempts: defaultDownloadAttempts,
		Timeout:  defaultDownloadTimeout,
		Backoff:  defaultDownloadBackoff,
	}
}

// Download writes the body of url to localPath. The file only appears once
// the transfer completes.
func (d *Downloader) Download(ctx context.Context, url, localPath string) error {
	if err := os.MkdirAll(filepath.Dir(localPath), 0o755); err != nil {
		return fmt.Errorf("failed to create download dir: %w", err)
	}

	attempts := d.Attempts
	if attempts < 1 {
		attempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if attempt > 1 {
			delay := time.Duration(attempt-1) * d.Backoff
			metrics.DownloadRetries.Inc()
			log.Warn().
				Err(lastErr).
				Str("url", url).
				Int("attempt", attempt).
				Dur("delay", delay).
				Msg("retrying download")

			select {
			case <-ctx.Done():
				return fmt.Errorf("download cancelled: %w", ctx.Err())
			case <-time.After(delay):
			}
		}

		lastErr = d.fetch(ctx, url, localPath)
		if lastErr == nil {
			return nil
		}
		if ctx.Err() != nil {
			return fmt.Errorf("download cancelled: %w", ctx.Err())
		}
	}

	return fmt.Errorf("download %s failed after %d attempts: %w", url, attempts, lastErr)
}

func (d *Downloader) fetch(ctx context.Context, url, localPath string) error {
	if d.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.Timeout)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	client := d.Client
	if client == nil {
		client = http.DefaultClient
	}

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to download: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("download failed with status %d: %s", resp.StatusCode, truncate(string(body), 200))
	}

	tmp, err := os.CreateTemp(filepath.Dir(localPath), ".download-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := io.Copy(tmp, resp.Body); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("failed to read download body: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to write download: %w", err)
	}

	if err := os.Rename(tmpName, localPath); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to move download into place: %w", err)
	}

	return nil
}
