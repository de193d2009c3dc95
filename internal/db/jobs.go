package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/bobarin/hookscale/internal/models"
	"github.com/google/uuid"
	"github.com/lib/pq"
)

const jobColumns = `
	id, name, status, total_combinations, processed_count, aspect_ratio,
	structure, archive_url, error_message, created_at, updated_at
`

func scanJob(row interface{ Scan(...interface{}) error }, job *models.Job) error {
	return row.Scan(
		&job.ID, &job.Name, &job.Status, &job.TotalCombinations,
		&job.ProcessedCount, &job.AspectRatio, &job.Structure,
		&job.ArchiveURL, &job.ErrorMessage, &job.CreatedAt, &job.UpdatedAt,
	)
}

// CreateJobWithPlan persists a job together with its source videos and
// every planned combination in one transaction.
func (db *DB) CreateJobWithPlan(ctx context.Context, job *models.Job, videos []models.SourceVideo, combos []models.Combination) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	query := `
		INSERT INTO jobs (
			id, name, status, total_combinations, processed_count, aspect_ratio, structure
		) VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING created_at, updated_at
	`
	err = tx.QueryRowContext(
		ctx, query,
		job.ID, job.Name, job.Status, job.TotalCombinations,
		job.ProcessedCount, job.AspectRatio, job.Structure,
	).Scan(&job.CreatedAt, &job.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert job: %w", err)
	}

	videoStmt, err := tx.PrepareContext(ctx, pq.CopyIn("source_videos",
		"id", "job_id", "block_id", "role", "filename", "url", "duration", "file_size", "position"))
	if err != nil {
		return fmt.Errorf("failed to prepare video copy: %w", err)
	}
	for _, v := range videos {
		if _, err := videoStmt.ExecContext(ctx,
			v.ID, v.JobID, v.BlockID, string(v.Role), v.Filename, v.URL,
			v.DurationSeconds, v.FileSize, v.Position,
		); err != nil {
			videoStmt.Close()
			return fmt.Errorf("failed to copy video %s: %w", v.ID, err)
		}
	}
	if _, err := videoStmt.ExecContext(ctx); err != nil {
		videoStmt.Close()
		return fmt.Errorf("failed to flush videos: %w", err)
	}
	if err := videoStmt.Close(); err != nil {
		return fmt.Errorf("failed to close video copy: %w", err)
	}

	comboStmt, err := tx.PrepareContext(ctx, pq.CopyIn("combinations",
		"id", "job_id", "ordinal", "video_ids", "output_filename", "status"))
	if err != nil {
		return fmt.Errorf("failed to prepare combination copy: %w", err)
	}
	for _, c := range combos {
		ids, err := json.Marshal(c.VideoIDs)
		if err != nil {
			comboStmt.Close()
			return fmt.Errorf("failed to encode video ids: %w", err)
		}
		if _, err := comboStmt.ExecContext(ctx,
			c.ID, c.JobID, c.Ordinal, string(ids), c.OutputFilename, string(c.Status),
		); err != nil {
			comboStmt.Close()
			return fmt.Errorf("failed to copy combination %d: %w", c.Ordinal, err)
		}
	}
	if _, err := comboStmt.ExecContext(ctx); err != nil {
		comboStmt.Close()
		return fmt.Errorf("failed to flush combinations: %w", err)
	}
	if err := comboStmt.Close(); err != nil {
		return fmt.Errorf("failed to close combination copy: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit job: %w", err)
	}
	return nil
}

func (db *DB) GetJob(ctx context.Context, id uuid.UUID) (*models.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs WHERE id = $1`

	job := &models.Job{}
	err := scanJob(db.QueryRowContext(ctx, query, id), job)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("job %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get job: %w", err)
	}

	return job, nil
}

func (db *DB) ListRecentJobs(ctx context.Context, limit int) ([]models.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs ORDER BY created_at DESC LIMIT $1`

	rows, err := db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query jobs: %w", err)
	}
	defer rows.Close()

	jobs := []models.Job{}
	for rows.Next() {
		var job models.Job
		if err := scanJob(rows, &job); err != nil {
			return nil, fmt.Errorf("failed to scan job: %w", err)
		}
		jobs = append(jobs, job)
	}

	return jobs, rows.Err()
}

func (db *DB) UpdateJobStatus(ctx context.Context, id uuid.UUID, status models.JobStatus) error {
	query := `UPDATE jobs SET status = $1, updated_at = NOW() WHERE id = $2`
	if status == models.JobStatusProcessing {
		query = `UPDATE jobs SET status = $1, error_message = NULL, updated_at = NOW() WHERE id = $2`
	}

	return expectRow(db.ExecContext(ctx, query, status, id))
}

// StartJob moves a job into processing unless a run already holds it.
// ErrNotFound means the job is missing or already processing.
func (db *DB) StartJob(ctx context.Context, id uuid.UUID) error {
	query := `
		UPDATE jobs
		SET status = $1, error_message = NULL, updated_at = NOW()
		WHERE id = $2 AND status <> $1
	`
	return expectRow(db.ExecContext(ctx, query, models.JobStatusProcessing, id))
}

func (db *DB) FailJob(ctx context.Context, id uuid.UUID, errorMessage string) error {
	query := `
		UPDATE jobs
		SET status = $1, error_message = $2, updated_at = NOW()
		WHERE id = $3
	`
	return expectRow(db.ExecContext(ctx, query, models.JobStatusFailed, errorMessage, id))
}

// IncrementJobProgress adds n to processed_count, never past the total,
// and returns the new count.
func (db *DB) IncrementJobProgress(ctx context.Context, id uuid.UUID, n int) (int, error) {
	query := `
		UPDATE jobs
		SET processed_count = LEAST(processed_count + $1, total_combinations), updated_at = NOW()
		WHERE id = $2
		RETURNING processed_count
	`

	var processed int
	err := db.QueryRowContext(ctx, query, n, id).Scan(&processed)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("job %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return 0, fmt.Errorf("failed to increment progress: %w", err)
	}
	return processed, nil
}

// SyncJobProgress sets processed_count to the number of finished
// combinations. Used when a run resumes after an interruption.
func (db *DB) SyncJobProgress(ctx context.Context, id uuid.UUID) (int, error) {
	query := `
		UPDATE jobs j
		SET processed_count = LEAST((
			SELECT COUNT(*) FROM combinations c
			WHERE c.job_id = j.id AND c.status IN ('completed', 'failed')
		), j.total_combinations), updated_at = NOW()
		WHERE j.id = $1
		RETURNING processed_count
	`

	var processed int
	err := db.QueryRowContext(ctx, query, id).Scan(&processed)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("job %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return 0, fmt.Errorf("failed to sync progress: %w", err)
	}
	return processed, nil
}

func (db *DB) SetJobArchiveURL(ctx context.Context, id uuid.UUID, url string) error {
	query := `UPDATE jobs SET archive_url = $1, updated_at = NOW() WHERE id = $2`
	return expectRow(db.ExecContext(ctx, query, url, id))
}
