package db

import (
	"context"
	"fmt"

	"github.com/bobarin/hookscale/internal/models"
	"github.com/google/uuid"
)

const combinationColumns = `
	id, job_id, ordinal, video_ids, output_filename, status,
	output_url, error_message, created_at, updated_at
`

func (db *DB) queryCombinations(ctx context.Context, query string, args ...interface{}) ([]models.Combination, error) {
	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query combinations: %w", err)
	}
	defer rows.Close()

	combos := []models.Combination{}
	for rows.Next() {
		var c models.Combination
		err := rows.Scan(
			&c.ID, &c.JobID, &c.Ordinal, &c.VideoIDs, &c.OutputFilename, &c.Status,
			&c.OutputURL, &c.ErrorMessage, &c.CreatedAt, &c.UpdatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan combination: %w", err)
		}
		combos = append(combos, c)
	}

	return combos, rows.Err()
}

// GetPendingCombinations returns the job's pending combinations in creation order.
func (db *DB) GetPendingCombinations(ctx context.Context, jobID uuid.UUID) ([]models.Combination, error) {
	query := `SELECT ` + combinationColumns + `
		FROM combinations
		WHERE job_id = $1 AND status = $2
		ORDER BY ordinal
	`
	return db.queryCombinations(ctx, query, jobID, models.CombinationStatusPending)
}

func (db *DB) GetCombination(ctx context.Context, id uuid.UUID) (*models.Combination, error) {
	query := `SELECT ` + combinationColumns + `
		FROM combinations
		WHERE id = $1
	`
	combos, err := db.queryCombinations(ctx, query, id)
	if err != nil {
		return nil, err
	}
	if len(combos) == 0 {
		return nil, fmt.Errorf("combination %s: %w", id, ErrNotFound)
	}
	return &combos[0], nil
}

func (db *DB) GetJobCombinations(ctx context.Context, jobID uuid.UUID) ([]models.Combination, error) {
	query := `SELECT ` + combinationColumns + `
		FROM combinations
		WHERE job_id = $1
		ORDER BY ordinal
	`
	return db.queryCombinations(ctx, query, jobID)
}

// GetCompletedCombinations returns rendered combinations that have an output.
func (db *DB) GetCompletedCombinations(ctx context.Context, jobID uuid.UUID) ([]models.Combination, error) {
	query := `SELECT ` + combinationColumns + `
		FROM combinations
		WHERE job_id = $1 AND status = $2 AND output_url IS NOT NULL AND output_url <> ''
		ORDER BY ordinal
	`
	return db.queryCombinations(ctx, query, jobID, models.CombinationStatusCompleted)
}

// ResetInterruptedCombinations returns combinations left in processing by a
// crashed run to pending.
func (db *DB) ResetInterruptedCombinations(ctx context.Context, jobID uuid.UUID) (int64, error) {
	query := `
		UPDATE combinations
		SET status = $1, updated_at = NOW()
		WHERE job_id = $2 AND status = $3
	`
	res, err := db.ExecContext(ctx, query, models.CombinationStatusPending, jobID, models.CombinationStatusProcessing)
	if err != nil {
		return 0, fmt.Errorf("failed to reset combinations: %w", err)
	}
	return res.RowsAffected()
}

func (db *DB) MarkCombinationProcessing(ctx context.Context, id uuid.UUID) error {
	query := `
		UPDATE combinations
		SET status = $1, updated_at = NOW()
		WHERE id = $2 AND status = $3
	`
	return expectRow(db.ExecContext(ctx, query, models.CombinationStatusProcessing, id, models.CombinationStatusPending))
}

// CompleteCombination records the output URL. Finished rows are left untouched.
func (db *DB) CompleteCombination(ctx context.Context, id uuid.UUID, outputURL string) error {
	query := `
		UPDATE combinations
		SET status = $1, output_url = $2, error_message = NULL, updated_at = NOW()
		WHERE id = $3 AND status NOT IN ('completed', 'failed')
	`
	return expectRow(db.ExecContext(ctx, query, models.CombinationStatusCompleted, outputURL, id))
}

// FailCombination records the error. Finished rows are left untouched.
func (db *DB) FailCombination(ctx context.Context, id uuid.UUID, errorMessage string) error {
	query := `
		UPDATE combinations
		SET status = $1, error_message = $2, updated_at = NOW()
		WHERE id = $3 AND status NOT IN ('completed', 'failed')
	`
	return expectRow(db.ExecContext(ctx, query, models.CombinationStatusFailed, errorMessage, id))
}
