package storage

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"
	"math"
	mrand "math/rand"
	"net/http"
	"path"
	"regexp"
	"strings"
	"time"
)

// ObjectStore moves render inputs and outputs between local disk and a
// remote object store.
type ObjectStore interface {
	// Download fetches url into localPath, creating parent directories.
	Download(ctx context.Context, url, localPath string) error
	// Upload stores body under a unique name derived from suggestedName
	// and returns its public URL.
	Upload(ctx context.Context, body io.ReadSeeker, suggestedName, contentType string) (string, error)
	// Delete removes the object behind a URL previously returned by Upload.
	// Callers treat failures as non-fatal.
	Delete(ctx context.Context, url string) error
}

// Backend settings used by New.
type Options struct {
	Backend string // "supabase" or "s3"

	SupabaseURL        string
	SupabaseServiceKey string
	SupabaseBucket     string

	S3Bucket          string
	S3Region          string
	S3Endpoint        string
	S3PublicBaseURL   string
	S3AccessKeyID     string
	S3SecretAccessKey string

	Downloader *Downloader
}

// New builds the ObjectStore selected by opts.Backend.
func New(ctx context.Context, opts Options) (ObjectStore, error) {
	dl := opts.Downloader
	if dl == nil {
		dl = NewDownloader()
	}

	switch opts.Backend {
	case "", "supabase":
		return NewSupabase(opts.SupabaseURL, opts.SupabaseServiceKey, opts.SupabaseBucket, dl), nil
	case "s3":
		return NewS3(ctx, S3Options{
			Bucket:          opts.S3Bucket,
			Region:          opts.S3Region,
			Endpoint:        opts.S3Endpoint,
			PublicBaseURL:   opts.S3PublicBaseURL,
			AccessKeyID:     opts.S3AccessKeyID,
			SecretAccessKey: opts.S3SecretAccessKey,
		}, dl)
	default:
		return nil, fmt.Errorf("unknown storage backend %q", opts.Backend)
	}
}

const (
	outputPrefix = "outputs"

	// Retry configuration for uploads
	maxRetries     = 4
	baseRetryDelay = 1 * time.Second
	maxRetryDelay  = 30 * time.Second
)

var unsafeKeyChars = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

// ObjectKey turns a suggested filename into a collision-free key:
// outputs/<base>-<8 hex>.<ext>.
func ObjectKey(suggestedName string) string {
	name := path.Base(strings.ReplaceAll(suggestedName, "\\", "/"))
	ext := path.Ext(name)
	base := strings.TrimSuffix(name, ext)

	base = strings.Trim(unsafeKeyChars.ReplaceAllString(base, "-"), "-")
	if base == "" {
		base = "file"
	}
	ext = unsafeKeyChars.ReplaceAllString(ext, "")

	return fmt.Sprintf("%s/%s-%s%s", outputPrefix, base, randomSuffix(), ext)
}

func randomSuffix() string {
	b := make([]byte, 4)
	if _, err := rand.Read(b); err != nil {
		return fmt.Sprintf("%08x", mrand.Uint32())
	}
	return hex.EncodeToString(b)
}

func contentLength(body io.ReadSeeker) (int64, error) {
	size, err := body.Seek(0, io.SeekEnd)
	if err != nil {
		return 0, err
	}
	if _, err := body.Seek(0, io.SeekStart); err != nil {
		return 0, err
	}
	return size, nil
}

// retryDelay calculates exponential backoff with jitter: base * 2^attempt + random jitter
func retryDelay(attempt int) time.Duration {
	delay := float64(baseRetryDelay) * math.Pow(2, float64(attempt-1))
	if delay > float64(maxRetryDelay) {
		delay = float64(maxRetryDelay)
	}
	// Add 0–25% jitter to avoid thundering herd
	jitter := delay * 0.25 * mrand.Float64()
	return time.Duration(delay + jitter)
}

// isRetryableError checks if a network-level error is worth retrying
func isRetryableError(err error) bool {
	if err == nil {
		return false
	}
	errStr := err.Error()
	return strings.Contains(errStr, "timeout") ||
		strings.Contains(errStr, "deadline exceeded") ||
		strings.Contains(errStr, "connection reset") ||
		strings.Contains(errStr, "connection refused") ||
		strings.Contains(errStr, "EOF") ||
		strings.Contains(errStr, "broken pipe")
}

// isRetryableStatus checks if an HTTP status code is worth retrying
func isRetryableStatus(status int) bool {
	return status >= http.StatusInternalServerError ||
		status == http.StatusTooManyRequests ||
		status == http.StatusRequestTimeout
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
