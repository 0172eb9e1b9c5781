package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/bobarin/storyvoice/internal/models"
	"github.com/google/uuid"
)

const jobColumns = `
	id, project_id, type, status, attempts, progress, scene_count,
	output_asset_id, started_at, finished_at, error_message, created_at
`

func scanJob(row interface{ Scan(...interface{}) error }, job *models.Job) error {
	return row.Scan(
		&job.ID, &job.ProjectID, &job.Type, &job.Status, &job.Attempts,
		&job.Progress, &job.SceneCount, &job.OutputAsset,
		&job.StartedAt, &job.FinishedAt, &job.ErrorMessage, &job.CreatedAt,
	)
}

func (db *DB) CreateJob(ctx context.Context, job *models.Job) error {
	query := `
		INSERT INTO jobs (
			id, project_id, type, status, attempts, scene_count
		) VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING created_at
	`

	return db.QueryRowContext(
		ctx, query,
		job.ID, job.ProjectID, job.Type, job.Status, job.Attempts, job.SceneCount,
	).Scan(&job.CreatedAt)
}

func (db *DB) GetJob(ctx context.Context, id uuid.UUID) (*models.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs WHERE id = $1`

	job := &models.Job{}
	err := scanJob(db.QueryRowContext(ctx, query, id), job)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("job %w", ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get job: %w", err)
	}

	return job, nil
}

func (db *DB) GetProjectJobs(ctx context.Context, projectID uuid.UUID) ([]models.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs WHERE project_id = $1 ORDER BY created_at`

	rows, err := db.QueryContext(ctx, query, projectID)
	if err != nil {
		return nil, fmt.Errorf("failed to query jobs: %w", err)
	}
	defer rows.Close()

	var jobs []models.Job
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
	now := time.Now()
	query := `UPDATE jobs SET status = $1, started_at = $2, attempts = attempts + 1 WHERE id = $3`

	if status == models.JobStatusSucceeded || status == models.JobStatusFailed {
		query = `UPDATE jobs SET status = $1, finished_at = $2 WHERE id = $3`
	}

	_, err := db.ExecContext(ctx, query, status, now, id)
	return err
}

// UpdateJobProgress records how many scenes of the render have been painted.
func (db *DB) UpdateJobProgress(ctx context.Context, id uuid.UUID, progress, sceneCount int) error {
	query := `UPDATE jobs SET progress = $1, scene_count = $2 WHERE id = $3`
	_, err := db.ExecContext(ctx, query, progress, sceneCount, id)
	return err
}

func (db *DB) CompleteJob(ctx context.Context, id, assetID uuid.UUID) error {
	query := `
		UPDATE jobs
		SET status = $1, output_asset_id = $2, progress = scene_count, finished_at = $3
		WHERE id = $4
	`
	_, err := db.ExecContext(ctx, query, models.JobStatusSucceeded, assetID, time.Now(), id)
	return err
}

func (db *DB) UpdateJobError(ctx context.Context, id uuid.UUID, errorMessage string) error {
	query := `
		UPDATE jobs
		SET status = $1, error_message = $2, finished_at = $3
		WHERE id = $4
	`
	_, err := db.ExecContext(ctx, query, models.JobStatusFailed, errorMessage, time.Now(), id)
	return err
}
