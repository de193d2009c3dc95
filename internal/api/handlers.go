package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strconv"
	"time"

	"github.com/bobarin/hookscale/internal/combinator"
	"github.com/bobarin/hookscale/internal/db"
	"github.com/bobarin/hookscale/internal/models"
	"github.com/bobarin/hookscale/internal/progress"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

const (
	defaultListLimit = 20
	maxListLimit     = 100
	maxRequestBytes  = 4 << 20

	sseHeartbeat = 15 * time.Second
)

// Store is the persistence used by the HTTP handlers.
type Store interface {
	CreateJobWithPlan(ctx context.Context, job *models.Job, videos []models.SourceVideo, combos []models.Combination) error
	GetJob(ctx context.Context, id uuid.UUID) (*models.Job, error)
	ListRecentJobs(ctx context.Context, limit int) ([]models.Job, error)
	GetJobCombinations(ctx context.Context, jobID uuid.UUID) ([]models.Combination, error)
	GetCombination(ctx context.Context, id uuid.UUID) (*models.Combination, error)
}

// Enqueuer schedules render runs.
type Enqueuer interface {
	EnqueueRenderJob(ctx context.Context, jobID uuid.UUID) error
}

type Handler struct {
	db     Store
	queue  Enqueuer
	hub    *progress.Hub
	limits combinator.Limits
	client *http.Client // fetches outputs for attachment downloads
}

func NewHandler(store Store, q Enqueuer, hub *progress.Hub, limits combinator.Limits) *Handler {
	return &Handler{
		db:     store,
		queue:  q,
		hub:    hub,
		limits: limits,
		client: &http.Client{
			Transport: &http.Transport{
				ResponseHeaderTimeout: 30 * time.Second,
				IdleConnTimeout:       90 * time.Second,
			},
		},
	}
}

// CreateJob handles POST /v1/jobs
func (h *Handler) CreateJob(w http.ResponseWriter, r *http.Request) {
	var req models.CreateJobRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBytes)).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	// Define does no I/O, so every error here is a bad layout
	def, err := combinator.Define(req, h.limits)
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := h.db.CreateJobWithPlan(r.Context(), def.Job, def.Videos, def.Combinations); err != nil {
		log.Error().Err(err).Msg("failed to create job")
		respondError(w, http.StatusInternalServerError, "Failed to create job")
		return
	}

	log.Info().
		Str("job_id", def.Job.ID.String()).
		Int("blocks", len(def.Job.Structure)).
		Int("combinations", def.Job.TotalCombinations).
		Msg("job created")

	respondJSON(w, http.StatusCreated, models.CreateJobResponse{
		JobID:             def.Job.ID,
		TotalCombinations: def.Job.TotalCombinations,
		Status:            def.Job.Status,
	})
}

// ListJobs handles GET /v1/jobs
// Query params:
//   - limit: max results (default 20, max 100)
func (h *Handler) ListJobs(w http.ResponseWriter, r *http.Request) {
	limit := defaultListLimit
	if l := r.URL.Query().Get("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 {
			limit = parsed
		}
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}

	jobs, err := h.db.ListRecentJobs(r.Context(), limit)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "Failed to list jobs")
		return
	}

	respondJSON(w, http.StatusOK, models.ListJobsResponse{Jobs: jobs, Limit: limit})
}

// GetJob handles GET /v1/jobs/{id}
func (h *Handler) GetJob(w http.ResponseWriter, r *http.Request) {
	job, ok := h.loadJob(w, r)
	if !ok {
		return
	}

	combos, err := h.db.GetJobCombinations(r.Context(), job.ID)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "Failed to get combinations")
		return
	}

	response := models.JobResponse{Job: *job, Combinations: combos}
	for _, c := range combos {
		switch c.Status {
		case models.CombinationStatusCompleted:
			response.Completed++
		case models.CombinationStatusFailed:
			response.Failed++
		}
	}

	respondJSON(w, http.StatusOK, response)
}

// ProcessJob handles POST /v1/jobs/{id}/process
func (h *Handler) ProcessJob(w http.ResponseWriter, r *http.Request) {
	job, ok := h.loadJob(w, r)
	if !ok {
		return
	}

	if job.Status == models.JobStatusProcessing {
		respondError(w, http.StatusConflict, "Job is already processing")
		return
	}

	h.hub.Reset(job.ID)

	if err := h.queue.EnqueueRenderJob(r.Context(), job.ID); err != nil {
		log.Error().Err(err).Str("job_id", job.ID.String()).Msg("failed to enqueue render")
		respondError(w, http.StatusInternalServerError, "Failed to enqueue job")
		return
	}

	respondJSON(w, http.StatusAccepted, map[string]string{
		"job_id": job.ID.String(),
		"status": "queued",
	})
}

// JobEvents handles GET /v1/jobs/{id}/events as a server-sent event stream.
func (h *Handler) JobEvents(w http.ResponseWriter, r *http.Request) {
	jobID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, http.StatusBadRequest, "Invalid job ID")
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		respondError(w, http.StatusInternalServerError, "Streaming unsupported")
		return
	}

	// subscribe before reading the job so a run finishing in between is not missed
	events, unsubscribe := h.hub.Subscribe(jobID)
	defer func() { unsubscribe() }()

	job, err := h.db.GetJob(r.Context(), jobID)
	if err != nil {
		respondLoadError(w, err)
		return
	}

	// the job row is written before its terminal event is published, so a
	// sealed topic for a job that is not finished belongs to an earlier run
	if !job.Status.IsTerminal() && h.hub.Sealed(jobID) {
		unsubscribe()
		h.hub.Reset(jobID)
		events, unsubscribe = h.hub.Subscribe(jobID)
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	if job.Status.IsTerminal() {
		writeEvent(w, flusher, terminalEvent(job))
		return
	}
	writeEvent(w, flusher, progress.Processing(job.ProcessedCount, job.TotalCombinations, ""))

	heartbeat := time.NewTicker(sseHeartbeat)
	defer heartbeat.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-heartbeat.C:
			fmt.Fprint(w, ": ping\n\n")
			flusher.Flush()
		case e, open := <-events:
			if !open {
				return
			}
			writeEvent(w, flusher, e)
			if e.Terminal() {
				return
			}
		}
	}
}

// DownloadArchive handles GET /v1/jobs/{id}/download
func (h *Handler) DownloadArchive(w http.ResponseWriter, r *http.Request) {
	job, ok := h.loadJob(w, r)
	if !ok {
		return
	}

	if job.ArchiveURL == nil {
		respondError(w, http.StatusNotFound, "Archive not ready")
		return
	}

	http.Redirect(w, r, *job.ArchiveURL, http.StatusTemporaryRedirect)
}

// DownloadCombination handles GET /v1/combinations/{id}/download by
// redirecting to the rendered output.
func (h *Handler) DownloadCombination(w http.ResponseWriter, r *http.Request) {
	combo, ok := h.loadReadyCombination(w, r)
	if !ok {
		return
	}
	http.Redirect(w, r, *combo.OutputURL, http.StatusTemporaryRedirect)
}

// CombinationFile handles GET /v1/combinations/{id}/file, streaming the
// output as an attachment named after the combination.
func (h *Handler) CombinationFile(w http.ResponseWriter, r *http.Request) {
	combo, ok := h.loadReadyCombination(w, r)
	if !ok {
		return
	}

	req, err := http.NewRequestWithContext(r.Context(), http.MethodGet, *combo.OutputURL, nil)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "Download failed")
		return
	}
	resp, err := h.client.Do(req)
	if err != nil {
		log.Error().Err(err).Str("combination_id", combo.ID.String()).Msg("failed to fetch output")
		respondError(w, http.StatusBadGateway, "Failed to fetch video")
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		log.Error().Int("status", resp.StatusCode).Str("combination_id", combo.ID.String()).Msg("output fetch rejected")
		respondError(w, http.StatusBadGateway, "Failed to fetch video")
		return
	}

	w.Header().Set("Content-Type", "video/mp4")
	w.Header().Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": combo.OutputFilename}))
	w.Header().Set("Cache-Control", "public, max-age=3600")
	if resp.ContentLength >= 0 {
		w.Header().Set("Content-Length", strconv.FormatInt(resp.ContentLength, 10))
	}
	w.WriteHeader(http.StatusOK)

	if _, err := io.Copy(w, resp.Body); err != nil {
		log.Warn().Err(err).Str("combination_id", combo.ID.String()).Msg("output stream interrupted")
	}
}

// Health check
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) loadJob(w http.ResponseWriter, r *http.Request) (*models.Job, bool) {
	jobID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, http.StatusBadRequest, "Invalid job ID")
		return nil, false
	}

	job, err := h.db.GetJob(r.Context(), jobID)
	if err != nil {
		respondLoadError(w, err)
		return nil, false
	}
	return job, true
}

func (h *Handler) loadReadyCombination(w http.ResponseWriter, r *http.Request) (*models.Combination, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, http.StatusBadRequest, "Invalid combination ID")
		return nil, false
	}

	combo, err := h.db.GetCombination(r.Context(), id)
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			respondError(w, http.StatusNotFound, "Combination not found")
			return nil, false
		}
		log.Error().Err(err).Msg("failed to load combination")
		respondError(w, http.StatusInternalServerError, "Failed to get combination")
		return nil, false
	}

	if combo.Status != models.CombinationStatusCompleted || combo.OutputURL == nil || *combo.OutputURL == "" {
		respondError(w, http.StatusBadRequest, "Video not ready for download")
		return nil, false
	}
	return combo, true
}

func respondLoadError(w http.ResponseWriter, err error) {
	if errors.Is(err, db.ErrNotFound) {
		respondError(w, http.StatusNotFound, "Job not found")
		return
	}
	log.Error().Err(err).Msg("failed to load job")
	respondError(w, http.StatusInternalServerError, "Failed to get job")
}

func terminalEvent(job *models.Job) progress.Event {
	e := progress.Processing(job.ProcessedCount, job.TotalCombinations, "")
	e.Status = string(job.Status)
	if job.ErrorMessage != nil {
		e.Error = *job.ErrorMessage
	}
	return e
}

func writeEvent(w http.ResponseWriter, flusher http.Flusher, e progress.Event) {
	data, err := json.Marshal(e)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "data: %s\n\n", data)
	flusher.Flush()
}

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}
