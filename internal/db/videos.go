package db

import (
	"context"
	"fmt"

	"github.com/bobarin/hookscale/internal/models"
	"github.com/google/uuid"
)

// GetJobVideos returns the job's source videos, optionally limited to one role.
func (db *DB) GetJobVideos(ctx context.Context, jobID uuid.UUID, role *models.BlockRole) ([]models.SourceVideo, error) {
	query := `
		SELECT
			id, job_id, block_id, role, filename, url,
			duration, file_size, position, uploaded_at
		FROM source_videos
		WHERE job_id = $1 AND ($2::text IS NULL OR role = $2::text)
		ORDER BY position, uploaded_at
	`

	var roleArg interface{}
	if role != nil {
		roleArg = string(*role)
	}

	rows, err := db.QueryContext(ctx, query, jobID, roleArg)
	if err != nil {
		return nil, fmt.Errorf("failed to query videos: %w", err)
	}
	defer rows.Close()

	videos := []models.SourceVideo{}
	for rows.Next() {
		var v models.SourceVideo
		err := rows.Scan(
			&v.ID, &v.JobID, &v.BlockID, &v.Role, &v.Filename, &v.URL,
			&v.DurationSeconds, &v.FileSize, &v.Position, &v.UploadedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan video: %w", err)
		}
		videos = append(videos, v)
	}

	return videos, rows.Err()
}
