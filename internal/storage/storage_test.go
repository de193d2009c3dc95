package storage

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

func fastDownloader() *Downloader {
	d := NewDownloader()
	d.Backoff = time.Millisecond
	d.Timeout = 2 * time.Second
	return d
}

func TestDownloadRetriesThenSucceeds(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) < 3 {
			http.Error(w, "try again", http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte("clip-bytes"))
	}))
	defer srv.Close()

	dest := filepath.Join(t.TempDir(), "nested", "clip.mp4")
	if err := fastDownloader().Download(context.Background(), srv.URL+"/clip.mp4", dest); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if got := atomic.LoadInt32(&calls); got != 3 {
		t.Errorf("expected 3 attempts, got %d", got)
	}
	data, err := os.ReadFile(dest)
	if err != nil {
		t.Fatalf("read download: %v", err)
	}
	if string(data) != "clip-bytes" {
		t.Errorf("unexpected content %q", data)
	}
}

func TestDownloadFailsAfterAllAttempts(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		http.Error(w, "gone", http.StatusNotFound)
	}))
	defer srv.Close()

	dir := t.TempDir()
	dest := filepath.Join(dir, "clip.mp4")
	err := fastDownloader().Download(context.Background(), srv.URL+"/missing.mp4", dest)
	if err == nil {
		t.Fatal("expected error")
	}

	if got := atomic.LoadInt32(&calls); got != 3 {
		t.Errorf("expected 3 attempts, got %d", got)
	}
	if !strings.Contains(err.Error(), "status 404") {
		t.Errorf("final error should carry the last failure, got %v", err)
	}
	if _, statErr := os.Stat(dest); !os.IsNotExist(statErr) {
		t.Error("no file should be left behind on failure")
	}
	entries, _ := os.ReadDir(dir)
	if len(entries) != 0 {
		t.Errorf("temp files left behind: %v", entries)
	}
}

func TestDownloadHonoursCancellation(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "busy", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	d := NewDownloader()
	d.Backoff = time.Hour

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	err := d.Download(ctx, srv.URL, filepath.Join(t.TempDir(), "x.mp4"))
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline error, got %v", err)
	}
}

var keyPattern = regexp.MustCompile(`^outputs/combo_1_A_X-[0-9a-f]{8}\.mp4$`)

func TestObjectKey(t *testing.T) {
	first := ObjectKey("combo_1_A_X.mp4")
	second := ObjectKey("combo_1_A_X.mp4")

	if !keyPattern.MatchString(first) {
		t.Errorf("unexpected key %q", first)
	}
	if first == second {
		t.Error("keys for the same name must differ")
	}
	if key := ObjectKey("../../etc/passwd"); !strings.HasPrefix(key, "outputs/passwd-") {
		t.Errorf("path components must be stripped, got %q", key)
	}
}

func TestSupabaseUploadAndDelete(t *testing.T) {
	var uploads, deletes int32
	var uploadedPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer service-key" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		switch r.Method {
		case http.MethodPut:
			// first attempt fails with a retryable status
			if atomic.AddInt32(&uploads, 1) == 1 {
				w.WriteHeader(http.StatusBadGateway)
				return
			}
			body, _ := io.ReadAll(r.Body)
			if string(body) != "rendered" {
				w.WriteHeader(http.StatusBadRequest)
				return
			}
			uploadedPath = r.URL.Path
			w.WriteHeader(http.StatusOK)
		case http.MethodDelete:
			atomic.AddInt32(&deletes, 1)
			if r.URL.Path != uploadedPath {
				w.WriteHeader(http.StatusNotFound)
				return
			}
			w.WriteHeader(http.StatusOK)
		}
	}))
	defer srv.Close()

	store := NewSupabase(srv.URL, "service-key", "renders", nil)

	url, err := store.Upload(context.Background(), bytes.NewReader([]byte("rendered")), "combo_1_A_X.mp4", "video/mp4")
	if err != nil {
		t.Fatalf("upload: %v", err)
	}
	if got := atomic.LoadInt32(&uploads); got != 2 {
		t.Errorf("expected a retry, got %d uploads", got)
	}
	if !strings.HasPrefix(url, srv.URL+"/storage/v1/object/public/renders/outputs/combo_1_A_X-") {
		t.Errorf("unexpected public URL %q", url)
	}

	if err := store.Delete(context.Background(), url); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if err := store.Delete(context.Background(), "https://elsewhere/x.mp4"); err == nil {
		t.Error("foreign URLs should not be deletable")
	}
	if got := atomic.LoadInt32(&deletes); got != 1 {
		t.Errorf("expected 1 delete request, got %d", got)
	}
}

func TestSupabaseUploadNonRetryable(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusRequestEntityTooLarge)
	}))
	defer srv.Close()

	store := NewSupabase(srv.URL, "k", "renders", nil)
	if _, err := store.Upload(context.Background(), bytes.NewReader([]byte("x")), "a.mp4", "video/mp4"); err == nil {
		t.Fatal("expected error")
	}
	if got := atomic.LoadInt32(&calls); got != 1 {
		t.Errorf("non-retryable status should not retry, got %d calls", got)
	}
}

type fakeS3 struct {
	put    *s3.PutObjectInput
	body   []byte
	delKey string
}

func (f *fakeS3) PutObject(ctx context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	f.put = in
	f.body, _ = io.ReadAll(in.Body)
	return &s3.PutObjectOutput{}, nil
}

func (f *fakeS3) DeleteObject(ctx context.Context, in *s3.DeleteObjectInput, _ ...func(*s3.Options)) (*s3.DeleteObjectOutput, error) {
	f.delKey = aws.ToString(in.Key)
	return &s3.DeleteObjectOutput{}, nil
}

func TestS3UploadAndDelete(t *testing.T) {
	fake := &fakeS3{}
	store := NewS3WithClient(fake, "renders", "https://cdn.example.com/", nil)

	url, err := store.Upload(context.Background(), bytes.NewReader([]byte("zip")), "job-1.zip", "application/zip")
	if err != nil {
		t.Fatalf("upload: %v", err)
	}

	key := aws.ToString(fake.put.Key)
	if url != "https://cdn.example.com/"+key {
		t.Errorf("url %q does not match key %q", url, key)
	}
	if aws.ToInt64(fake.put.ContentLength) != 3 || string(fake.body) != "zip" {
		t.Errorf("unexpected body %q (len %d)", fake.body, aws.ToInt64(fake.put.ContentLength))
	}
	if aws.ToString(fake.put.ContentType) != "application/zip" {
		t.Errorf("unexpected content type %q", aws.ToString(fake.put.ContentType))
	}

	if err := store.Delete(context.Background(), url); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if fake.delKey != key {
		t.Errorf("deleted %q, want %q", fake.delKey, key)
	}
}
