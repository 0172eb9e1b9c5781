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

const previewLength = 140

func (db *DB) CreateProject(ctx context.Context, project *models.Project) error {
	ref, err := imageValue(project.ReferenceImage)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO projects (
			id, name, narrative_text, scenes, mode, reference_image
		) VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING created_at, updated_at
	`

	return db.QueryRowContext(
		ctx, query,
		project.ID, project.Name, project.NarrativeText,
		project.Scenes, project.Mode, ref,
	).Scan(&project.CreatedAt, &project.UpdatedAt)
}

func (db *DB) GetProject(ctx context.Context, id uuid.UUID) (*models.Project, error) {
	query := `
		SELECT
			id, name, narrative_text, scenes, mode, reference_image,
			created_at, updated_at
		FROM projects
		WHERE id = $1
	`

	project := &models.Project{}
	var ref []byte
	err := db.QueryRowContext(ctx, query, id).Scan(
		&project.ID, &project.Name, &project.NarrativeText,
		&project.Scenes, &project.Mode, &ref,
		&project.CreatedAt, &project.UpdatedAt,
	)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("project %w", ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get project: %w", err)
	}

	if project.ReferenceImage, err = scanImage(ref); err != nil {
		return nil, err
	}
	return project, nil
}

// ListProjects returns project summaries, most recently updated first. Scene
// payloads are not loaded.
func (db *DB) ListProjects(ctx context.Context, limit, offset int) ([]models.ProjectSummary, error) {
	query := `
		SELECT
			id, name, LEFT(narrative_text, $1), mode,
			jsonb_array_length(scenes), created_at, updated_at
		FROM projects
		ORDER BY updated_at DESC
		LIMIT $2 OFFSET $3
	`

	rows, err := db.QueryContext(ctx, query, previewLength, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list projects: %w", err)
	}
	defer rows.Close()

	projects := []models.ProjectSummary{}
	for rows.Next() {
		var p models.ProjectSummary
		if err := rows.Scan(
			&p.ID, &p.Name, &p.Preview, &p.Mode,
			&p.SceneCount, &p.CreatedAt, &p.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan project: %w", err)
		}
		projects = append(projects, p)
	}

	return projects, rows.Err()
}

func (db *DB) CountProjects(ctx context.Context) (int, error) {
	var count int
	err := db.QueryRowContext(ctx, `SELECT COUNT(*) FROM projects`).Scan(&count)
	return count, err
}

// UpdateProjectDetails writes the user-editable columns of a project. The
// scenes and reference image belong to the pipeline and are written only by
// SaveProjectState.
func (db *DB) UpdateProjectDetails(ctx context.Context, id uuid.UUID, name, narrative string, mode models.ProjectMode) (time.Time, error) {
	query := `
		UPDATE projects
		SET name = $1, narrative_text = $2, mode = $3, updated_at = NOW()
		WHERE id = $4
		RETURNING updated_at
	`
	var updatedAt time.Time
	err := db.QueryRowContext(ctx, query, name, narrative, mode, id).Scan(&updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, fmt.Errorf("project %w", ErrNotFound)
	}
	return updatedAt, err
}

// SaveProjectState persists the generated scene state and the global
// reference image.
func (db *DB) SaveProjectState(ctx context.Context, id uuid.UUID, scenes models.Scenes, reference *models.Image) error {
	ref, err := imageValue(reference)
	if err != nil {
		return err
	}

	query := `
		UPDATE projects
		SET scenes = $1, reference_image = $2, updated_at = NOW()
		WHERE id = $3
	`
	res, err := db.ExecContext(ctx, query, scenes, ref, id)
	if err != nil {
		return fmt.Errorf("failed to save project state: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("project %w", ErrNotFound)
	}
	return nil
}

func (db *DB) DeleteProject(ctx context.Context, id uuid.UUID) error {
	res, err := db.ExecContext(ctx, `DELETE FROM projects WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete project: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("project %w", ErrNotFound)
	}
	return nil
}
