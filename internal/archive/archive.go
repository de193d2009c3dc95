// Package archive bundles a job's rendered outputs into one zip.
package archive

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/bobarin/hookscale/internal/models"
	"github.com/bobarin/hookscale/internal/storage"
	"github.com/google/uuid"
	"github.com/klauspost/compress/zip"
	"github.com/rs/zerolog/log"
)

// ErrNothingToPackage is returned when a job has no completed outputs.
var ErrNothingToPackage = errors.New("no completed combinations to package")

const fetchTimeout = 5 * time.Minute

// Source lists a job's completed combinations.
type Source interface {
	GetCompletedCombinations(ctx context.Context, jobID uuid.UUID) ([]models.Combination, error)
}

type Packager struct {
	source  Source
	store   storage.ObjectStore
	client  *http.Client
	workDir string
}

func NewPackager(source Source, store storage.ObjectStore, workDir string) *Packager {
	return &Packager{
		source:  source,
		store:   store,
		client:  &http.Client{},
		workDir: workDir,
	}
}

// Package streams every completed output of jobID into a stored zip and
// returns its URL. Any entry failure aborts the archive.
func (p *Packager) Package(ctx context.Context, jobID uuid.UUID) (string, error) {
	listed, err := p.source.GetCompletedCombinations(ctx, jobID)
	if err != nil {
		return "", fmt.Errorf("failed to list completed combinations: %w", err)
	}
	combos := packageable(listed)
	if len(combos) == 0 {
		return "", ErrNothingToPackage
	}

	if err := os.MkdirAll(p.workDir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create work dir: %w", err)
	}
	tmp, err := os.CreateTemp(p.workDir, "archive-*.zip")
	if err != nil {
		return "", fmt.Errorf("failed to create archive file: %w", err)
	}
	defer func() {
		tmp.Close()
		os.Remove(tmp.Name())
	}()

	if err := p.write(ctx, tmp, combos); err != nil {
		return "", err
	}

	if _, err := tmp.Seek(0, io.SeekStart); err != nil {
		return "", fmt.Errorf("failed to rewind archive: %w", err)
	}

	url, err := p.store.Upload(ctx, tmp, fmt.Sprintf("job-%s.zip", jobID), "application/zip")
	if err != nil {
		return "", fmt.Errorf("failed to upload archive: %w", err)
	}

	log.Info().
		Str("job_id", jobID.String()).
		Int("entries", len(combos)).
		Str("url", url).
		Msg("archive uploaded")

	return url, nil
}

func (p *Packager) write(ctx context.Context, w io.Writer, combos []models.Combination) error {
	zw := zip.NewWriter(w)

	seen := make(map[string]int)
	for _, c := range combos {
		name := entryName(c.OutputFilename, seen)

		// Outputs are already compressed video, so entries are stored as-is.
		entry, err := zw.CreateHeader(&zip.FileHeader{
			Name:     name,
			Method:   zip.Store,
			Modified: c.UpdatedAt,
		})
		if err != nil {
			return fmt.Errorf("failed to add %s: %w", name, err)
		}

		if err := p.fetch(ctx, *c.OutputURL, entry); err != nil {
			return fmt.Errorf("failed to fetch %s: %w", name, err)
		}
	}

	if err := zw.Close(); err != nil {
		return fmt.Errorf("failed to finalize archive: %w", err)
	}
	return nil
}

func (p *Packager) fetch(ctx context.Context, url string, w io.Writer) error {
	ctx, cancel := context.WithTimeout(ctx, fetchTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	_, err = io.Copy(w, resp.Body)
	return err
}

// packageable keeps completed combinations that have an output URL.
func packageable(combos []models.Combination) []models.Combination {
	out := make([]models.Combination, 0, len(combos))
	for _, c := range combos {
		if c.Status == models.CombinationStatusCompleted && c.OutputURL != nil && *c.OutputURL != "" {
			out = append(out, c)
		}
	}
	return out
}

func entryName(name string, seen map[string]int) string {
	if name == "" {
		name = "combination.mp4"
	}
	n := seen[name]
	seen[name] = n + 1
	if n == 0 {
		return name
	}
	return fmt.Sprintf("%d_%s", n+1, name)
}
