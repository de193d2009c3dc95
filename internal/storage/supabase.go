package storage

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Upload timeout per attempt. Archives can be large.
const uploadTimeout = 10 * time.Minute

// Supabase stores objects in a Supabase Storage bucket through its HTTP API.
type Supabase struct {
	*Downloader

	url        string
	serviceKey string
	Bucket     string
	client     *http.Client
	log        zerolog.Logger
}

func NewSupabase(url, serviceKey, bucket string, dl *Downloader) *Supabase {
	if dl == nil {
		dl = NewDownloader()
	}
	return &Supabase{
		Downloader: dl,
		url:        strings.TrimRight(url, "/"),
		serviceKey: serviceKey,
		Bucket:     bucket,
		client: &http.Client{
			Timeout: uploadTimeout,
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 20,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		log: log.With().Str("component", "storage").Str("backend", "supabase").Logger(),
	}
}

// Upload stores body under a randomized key with retries and exponential
// backoff, and returns the object's public URL.
func (s *Supabase) Upload(ctx context.Context, body io.ReadSeeker, suggestedName, contentType string) (string, error) {
	key := ObjectKey(suggestedName)
	url := fmt.Sprintf("%s/storage/v1/object/%s/%s", s.url, s.Bucket, key)

	size, err := contentLength(body)
	if err != nil {
		return "", fmt.Errorf("failed to size upload: %w", err)
	}

	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt > 0 {
			delay := retryDelay(attempt)
			s.log.Warn().Str("key", key).Int("attempt", attempt).Dur("delay", delay).Msg("upload retry")

			select {
			case <-ctx.Done():
				return "", fmt.Errorf("upload cancelled: %w", ctx.Err())
			case <-time.After(delay):
			}
		}

		if _, err := body.Seek(0, io.SeekStart); err != nil {
			return "", fmt.Errorf("failed to rewind upload body: %w", err)
		}

		status, respBody, err := s.put(ctx, url, body, size, contentType)
		if err != nil {
			lastErr = fmt.Errorf("failed to upload: %w", err)
			if isRetryableError(err) {
				s.log.Warn().Err(err).Int("attempt", attempt+1).Msg("upload attempt failed (retryable)")
				continue
			}
			return "", lastErr
		}

		if status == http.StatusOK || status == http.StatusCreated {
			if attempt > 0 {
				s.log.Info().Str("key", key).Int("attempt", attempt+1).Msg("upload succeeded after retry")
			}
			return s.PublicURL(key), nil
		}

		lastErr = fmt.Errorf("upload failed with status %d: %s", status, truncate(respBody, 200))

		if isRetryableStatus(status) {
			s.log.Warn().Int("status", status).Int("attempt", attempt+1).Msg("upload attempt failed (retryable)")
			continue
		}

		// Non-retryable status (400, 401, 403, 404, 413, etc.)
		return "", lastErr
	}

	return "", fmt.Errorf("upload failed after %d attempts: %w", maxRetries+1, lastErr)
}

func (s *Supabase) put(ctx context.Context, url string, body io.Reader, size int64, contentType string) (int, string, error) {
	ctx, cancel := context.WithTimeout(ctx, uploadTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPut, url, io.NopCloser(body))
	if err != nil {
		return 0, "", err
	}
	req.ContentLength = size
	req.Header.Set("Authorization", "Bearer "+s.serviceKey)
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("x-upsert", "false")

	resp, err := s.client.Do(req)
	if err != nil {
		return 0, "", err
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	return resp.StatusCode, string(respBody), nil
}

// Delete removes an object by its public URL.
func (s *Supabase) Delete(ctx context.Context, publicURL string) error {
	key, ok := s.keyFromURL(publicURL)
	if !ok {
		return fmt.Errorf("url %q is not in bucket %s", publicURL, s.Bucket)
	}

	url := fmt.Sprintf("%s/storage/v1/object/%s/%s", s.url, s.Bucket, key)
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, url, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+s.serviceKey)

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to delete: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNoContent {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("delete failed with status %d: %s", resp.StatusCode, string(body))
	}

	return nil
}

// PublicURL returns the public URL for an object key.
func (s *Supabase) PublicURL(key string) string {
	return fmt.Sprintf("%s/storage/v1/object/public/%s/%s", s.url, s.Bucket, key)
}

func (s *Supabase) keyFromURL(publicURL string) (string, bool) {
	prefix := fmt.Sprintf("%s/storage/v1/object/public/%s/", s.url, s.Bucket)
	if !strings.HasPrefix(publicURL, prefix) {
		return "", false
	}
	key := strings.TrimPrefix(publicURL, prefix)
	return key, key != ""
}
