package worker

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/bobarin/hookscale/internal/archive"
	"github.com/bobarin/hookscale/internal/db"
	"github.com/bobarin/hookscale/internal/logger"
	"github.com/bobarin/hookscale/internal/metrics"
	"github.com/bobarin/hookscale/internal/models"
	"github.com/bobarin/hookscale/internal/progress"
	"github.com/bobarin/hookscale/internal/services"
	"github.com/bobarin/hookscale/internal/storage"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

var (
	// ErrNoVideos fails a job whose source videos are gone.
	ErrNoVideos = errors.New("job has no source videos")
	// ErrAlreadyRunning is returned when the job is already being rendered,
	// by this process or by any other worker.
	ErrAlreadyRunning = errors.New("job is already running")
)

const (
	DefaultBatchSize = 8
	defaultTransfers = 4

	// Budget for recording the outcome after the run context was cancelled.
	finalizeTimeout = 10 * time.Second
)

// Repository is the persistence the orchestrator needs.
type Repository interface {
	GetJob(ctx context.Context, id uuid.UUID) (*models.Job, error)
	UpdateJobStatus(ctx context.Context, id uuid.UUID, status models.JobStatus) error
	StartJob(ctx context.Context, id uuid.UUID) error
	FailJob(ctx context.Context, id uuid.UUID, errorMessage string) error
	IncrementJobProgress(ctx context.Context, id uuid.UUID, n int) (int, error)
	SyncJobProgress(ctx context.Context, id uuid.UUID) (int, error)
	SetJobArchiveURL(ctx context.Context, id uuid.UUID, url string) error
	GetJobVideos(ctx context.Context, jobID uuid.UUID, role *models.BlockRole) ([]models.SourceVideo, error)
	GetPendingCombinations(ctx context.Context, jobID uuid.UUID) ([]models.Combination, error)
	ResetInterruptedCombinations(ctx context.Context, jobID uuid.UUID) (int64, error)
	MarkCombinationProcessing(ctx context.Context, id uuid.UUID) error
	CompleteCombination(ctx context.Context, id uuid.UUID, outputURL string) error
	FailCombination(ctx context.Context, id uuid.UUID, errorMessage string) error
}

// Packager bundles a finished job's outputs.
type Packager interface {
	Package(ctx context.Context, jobID uuid.UUID) (string, error)
}

type Options struct {
	BatchSize              int
	WorkDir                string
	MaxConcurrentTransfers int
}

// Orchestrator renders every pending combination of a job in fixed-size
// concurrent batches. A failing combination is recorded and never stops
// the rest of the run.
type Orchestrator struct {
	repo     Repository
	store    storage.ObjectStore
	media    services.MediaEngine
	notifier progress.Notifier
	packager Packager

	batchSize   int
	workDir     string
	transferSem chan struct{} // bounds concurrent downloads and uploads

	mu      sync.Mutex
	running map[uuid.UUID]struct{}

	log zerolog.Logger
}

func NewOrchestrator(
	repo Repository,
	store storage.ObjectStore,
	media services.MediaEngine,
	notifier progress.Notifier,
	packager Packager,
	opts Options,
) *Orchestrator {
	if opts.BatchSize < 1 {
		opts.BatchSize = DefaultBatchSize
	}
	if opts.MaxConcurrentTransfers < 1 {
		opts.MaxConcurrentTransfers = defaultTransfers
	}
	if opts.WorkDir == "" {
		opts.WorkDir = filepath.Join(os.TempDir(), "hookscale")
	}

	return &Orchestrator{
		repo:        repo,
		store:       store,
		media:       media,
		notifier:    notifier,
		packager:    packager,
		batchSize:   opts.BatchSize,
		workDir:     opts.WorkDir,
		transferSem: make(chan struct{}, opts.MaxConcurrentTransfers),
		running:     make(map[uuid.UUID]struct{}),
		log:         logger.Component("orchestrator"),
	}
}

// Run renders the job's pending combinations, marks the job completed and
// then packages the outputs. Packaging failures are logged only. Any other
// failure marks the job failed and is returned. A job whose row is already
// processing is left alone and ErrAlreadyRunning is returned.
func (o *Orchestrator) Run(ctx context.Context, jobID uuid.UUID) error {
	return o.run(ctx, jobID, false)
}

// Takeover is Run for a job left processing by a worker that died. It
// resets the interrupted combinations and continues the job.
func (o *Orchestrator) Takeover(ctx context.Context, jobID uuid.UUID) error {
	return o.run(ctx, jobID, true)
}

func (o *Orchestrator) run(ctx context.Context, jobID uuid.UUID, takeover bool) error {
	if !o.claim(jobID) {
		return ErrAlreadyRunning
	}
	defer o.release(jobID)

	jobLog := o.log.With().Str("job_id", jobID.String()).Logger()

	job, err := o.repo.GetJob(ctx, jobID)
	if err != nil {
		return fmt.Errorf("failed to load job: %w", err)
	}

	if takeover {
		err = o.repo.UpdateJobStatus(ctx, jobID, models.JobStatusProcessing)
	} else {
		err = o.repo.StartJob(ctx, jobID)
	}
	if errors.Is(err, db.ErrNotFound) {
		return ErrAlreadyRunning
	}
	if err != nil {
		return o.fail(ctx, job, fmt.Errorf("failed to mark job processing: %w", err))
	}

	if n, err := o.repo.ResetInterruptedCombinations(ctx, jobID); err != nil {
		return o.fail(ctx, job, err)
	} else if n > 0 {
		jobLog.Warn().Int64("combinations", n).Msg("resuming interrupted combinations")
	}

	processed, err := o.repo.SyncJobProgress(ctx, jobID)
	if err != nil {
		return o.fail(ctx, job, err)
	}
	o.notifier.Publish(jobID, progress.Started(processed, job.TotalCombinations))

	res := job.AspectRatio.Resolution()

	videos, err := o.repo.GetJobVideos(ctx, jobID, nil)
	if err != nil {
		return o.fail(ctx, job, fmt.Errorf("failed to load videos: %w", err))
	}
	if len(videos) == 0 {
		return o.fail(ctx, job, ErrNoVideos)
	}
	byID := make(map[uuid.UUID]models.SourceVideo, len(videos))
	for _, v := range videos {
		byID[v.ID] = v
	}

	pending, err := o.repo.GetPendingCombinations(ctx, jobID)
	if err != nil {
		return o.fail(ctx, job, fmt.Errorf("failed to load combinations: %w", err))
	}

	jobLog.Info().
		Int("pending", len(pending)).
		Int("total", job.TotalCombinations).
		Str("resolution", res.String()).
		Int("batch_size", o.batchSize).
		Msg("render run started")

	for start := 0; start < len(pending); start += o.batchSize {
		if err := ctx.Err(); err != nil {
			return o.fail(ctx, job, fmt.Errorf("render run cancelled: %w", err))
		}

		end := start + o.batchSize
		if end > len(pending) {
			end = len(pending)
		}
		batch := pending[start:end]
		batchStart := time.Now()

		var g errgroup.Group
		for _, combo := range batch {
			g.Go(func() error {
				o.renderCombination(ctx, job, combo, byID, res, processed)
				return nil
			})
		}
		_ = g.Wait()

		metrics.BatchDuration.Observe(time.Since(batchStart).Seconds())

		processed, err = o.repo.IncrementJobProgress(ctx, jobID, len(batch))
		if err != nil {
			return o.fail(ctx, job, err)
		}

		last := batch[len(batch)-1].OutputFilename
		o.notifier.Publish(jobID, progress.Processing(processed, job.TotalCombinations, last))

		jobLog.Info().
			Int("processed", processed).
			Int("total", job.TotalCombinations).
			Dur("elapsed", time.Since(batchStart)).
			Msg("batch finished")
	}

	if err := o.repo.UpdateJobStatus(ctx, jobID, models.JobStatusCompleted); err != nil {
		return o.fail(ctx, job, fmt.Errorf("failed to mark job completed: %w", err))
	}

	done := progress.Processing(processed, job.TotalCombinations, "")
	done.Status = progress.StatusCompleted
	o.notifier.Publish(jobID, done)
	metrics.JobRuns.WithLabelValues(string(models.JobStatusCompleted)).Inc()

	jobLog.Info().Int("processed", processed).Msg("render run completed")

	o.packageOutputs(ctx, job, jobLog)
	return nil
}

func (o *Orchestrator) renderCombination(
	ctx context.Context,
	job *models.Job,
	combo models.Combination,
	byID map[uuid.UUID]models.SourceVideo,
	res models.Resolution,
	processed int,
) {
	metrics.ActiveRenders.Inc()
	defer metrics.ActiveRenders.Dec()
	started := time.Now()

	jobLog := o.log.With().
		Str("job_id", job.ID.String()).
		Str("combination_id", combo.ID.String()).
		Int("ordinal", combo.Ordinal).
		Logger()

	if err := o.repo.MarkCombinationProcessing(ctx, combo.ID); err != nil {
		if errors.Is(err, db.ErrNotFound) {
			jobLog.Info().Msg("combination no longer pending, skipping")
			return
		}
		jobLog.Warn().Err(err).Msg("failed to mark combination processing")
	}

	o.notifier.Publish(job.ID, progress.Processing(processed, job.TotalCombinations, combo.OutputFilename))

	url, err := o.render(ctx, combo, byID, res)
	if err != nil {
		o.failCombination(ctx, job, combo, processed, err, jobLog)
		return
	}

	if err := o.repo.CompleteCombination(o.finalizeCtx(ctx), combo.ID, url); err != nil {
		jobLog.Error().Err(err).Msg("failed to record combination output, removing upload")
		if delErr := o.store.Delete(o.finalizeCtx(ctx), url); delErr != nil {
			jobLog.Warn().Err(delErr).Str("url", url).Msg("failed to remove orphaned upload")
		}
		o.failCombination(ctx, job, combo, processed, fmt.Errorf("failed to record output: %w", err), jobLog)
		return
	}

	metrics.CombinationsRendered.WithLabelValues(string(models.CombinationStatusCompleted)).Inc()
	metrics.RenderDuration.Observe(time.Since(started).Seconds())
	jobLog.Info().Str("url", url).Dur("elapsed", time.Since(started)).Msg("combination rendered")
}

func (o *Orchestrator) failCombination(
	ctx context.Context,
	job *models.Job,
	combo models.Combination,
	processed int,
	cause error,
	jobLog zerolog.Logger,
) {
	metrics.CombinationsRendered.WithLabelValues(string(models.CombinationStatusFailed)).Inc()
	jobLog.Error().Err(cause).Msg("combination failed")

	if err := o.repo.FailCombination(o.finalizeCtx(ctx), combo.ID, cause.Error()); err != nil {
		jobLog.Error().Err(err).Msg("failed to record combination failure")
	}
	o.notifier.Publish(job.ID, progress.Event{
		Status:   progress.StatusError,
		Progress: processed,
		Total:    job.TotalCombinations,
		Error:    "Failed: " + combo.OutputFilename,
	})
}

// render downloads the combination's clips into a private directory,
// concatenates them and uploads the result. The directory is always removed.
func (o *Orchestrator) render(
	ctx context.Context,
	combo models.Combination,
	byID map[uuid.UUID]models.SourceVideo,
	res models.Resolution,
) (string, error) {
	if len(combo.VideoIDs) == 0 {
		return "", fmt.Errorf("combination has no videos")
	}

	sources := make([]models.SourceVideo, 0, len(combo.VideoIDs))
	for _, id := range combo.VideoIDs {
		v, ok := byID[id]
		if !ok {
			return "", fmt.Errorf("video %s not found", id)
		}
		sources = append(sources, v)
	}

	dir := filepath.Join(o.workDir, combo.ID.String())
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create work dir: %w", err)
	}
	defer os.RemoveAll(dir)

	inputs := make([]string, len(sources))
	for i, v := range sources {
		local := filepath.Join(dir, fmt.Sprintf("input_%d%s", i, inputExt(v.Filename)))
		err := o.withTransferSlot(ctx, func() error {
			return o.store.Download(ctx, v.URL, local)
		})
		if err != nil {
			return "", fmt.Errorf("failed to download %s: %w", v.Filename, err)
		}
		inputs[i] = local
	}

	output := filepath.Join(dir, "output.mp4")
	if err := o.media.Concatenate(ctx, inputs, output, res.Width, res.Height); err != nil {
		return "", err
	}

	f, err := os.Open(output)
	if err != nil {
		return "", fmt.Errorf("failed to open render output: %w", err)
	}
	defer f.Close()

	var url string
	err = o.withTransferSlot(ctx, func() error {
		var uerr error
		url, uerr = o.store.Upload(ctx, f, combo.OutputFilename, "video/mp4")
		return uerr
	})
	if err != nil {
		return "", fmt.Errorf("failed to upload output: %w", err)
	}

	return url, nil
}

func (o *Orchestrator) packageOutputs(ctx context.Context, job *models.Job, jobLog zerolog.Logger) {
	if o.packager == nil {
		return
	}

	url, err := o.packager.Package(ctx, job.ID)
	if errors.Is(err, archive.ErrNothingToPackage) {
		jobLog.Info().Msg("no completed combinations, skipping archive")
		return
	}
	if err != nil {
		metrics.ArchiveFailures.Inc()
		jobLog.Warn().Err(err).Msg("archive packaging failed")
		return
	}

	if err := o.repo.SetJobArchiveURL(o.finalizeCtx(ctx), job.ID, url); err != nil {
		metrics.ArchiveFailures.Inc()
		jobLog.Warn().Err(err).Msg("failed to record archive url")
		if delErr := o.store.Delete(o.finalizeCtx(ctx), url); delErr != nil {
			jobLog.Warn().Err(delErr).Str("url", url).Msg("failed to remove orphaned archive")
		}
		return
	}

	// a re-run replaces the previous archive
	if job.ArchiveURL != nil && *job.ArchiveURL != url {
		if err := o.store.Delete(o.finalizeCtx(ctx), *job.ArchiveURL); err != nil {
			jobLog.Warn().Err(err).Str("url", *job.ArchiveURL).Msg("failed to remove previous archive")
		}
	}
}

func (o *Orchestrator) fail(ctx context.Context, job *models.Job, cause error) error {
	o.log.Error().Err(cause).Str("job_id", job.ID.String()).Msg("render run failed")

	if err := o.repo.FailJob(o.finalizeCtx(ctx), job.ID, cause.Error()); err != nil {
		o.log.Error().Err(err).Str("job_id", job.ID.String()).Msg("failed to mark job failed")
	}

	o.notifier.Publish(job.ID, progress.Event{Status: progress.StatusFailed, Error: cause.Error()})
	metrics.JobRuns.WithLabelValues(string(models.JobStatusFailed)).Inc()

	return cause
}

// finalizeCtx keeps bookkeeping writes alive after ctx was cancelled.
func (o *Orchestrator) finalizeCtx(ctx context.Context) context.Context {
	if ctx.Err() == nil {
		return ctx
	}
	c, cancel := context.WithTimeout(context.Background(), finalizeTimeout)
	time.AfterFunc(finalizeTimeout, cancel)
	return c
}

// withTransferSlot runs fn once a transfer slot is free.
func (o *Orchestrator) withTransferSlot(ctx context.Context, fn func() error) error {
	select {
	case o.transferSem <- struct{}{}:
	case <-ctx.Done():
		return fmt.Errorf("cancelled while waiting for transfer slot: %w", ctx.Err())
	}
	defer func() { <-o.transferSem }()

	return fn()
}

func (o *Orchestrator) claim(jobID uuid.UUID) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if _, ok := o.running[jobID]; ok {
		return false
	}
	o.running[jobID] = struct{}{}
	return true
}

func (o *Orchestrator) release(jobID uuid.UUID) {
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.running, jobID)
}

func inputExt(filename string) string {
	ext := strings.ToLower(filepath.Ext(filename))
	if ext == "" || len(ext) > 6 || strings.ContainsAny(ext, `/\ `) {
		return ".mp4"
	}
	return ext
}
