package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/bobarin/storyvoice/internal/models"
	_ "github.com/lib/pq"
)

var ErrNotFound = errors.New("not found")

type DB struct {
	*sql.DB
}

func New(databaseURL string) (*DB, error) {
	conn, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	conn.SetMaxOpenConns(25)
	conn.SetMaxIdleConns(5)
	conn.SetConnMaxLifetime(30 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := conn.PingContext(ctx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &DB{conn}, nil
}

const schema = `
CREATE TABLE IF NOT EXISTS projects (
	id              UUID PRIMARY KEY,
	name            TEXT NOT NULL DEFAULT '',
	narrative_text  TEXT NOT NULL DEFAULT '',
	scenes          JSONB NOT NULL DEFAULT '[]',
	mode            TEXT NOT NULL DEFAULT 'editor',
	reference_image JSONB,
	created_at      TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	updated_at      TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS assets (
	id             UUID PRIMARY KEY,
	project_id     UUID NOT NULL REFERENCES projects(id) ON DELETE CASCADE,
	type           TEXT NOT NULL,
	storage_bucket TEXT NOT NULL,
	storage_path   TEXT NOT NULL,
	content_type   TEXT,
	byte_size      BIGINT,
	duration_ms    INTEGER,
	created_at     TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS jobs (
	id              UUID PRIMARY KEY,
	project_id      UUID NOT NULL REFERENCES projects(id) ON DELETE CASCADE,
	type            TEXT NOT NULL,
	status          TEXT NOT NULL,
	attempts        INTEGER NOT NULL DEFAULT 0,
	progress        INTEGER NOT NULL DEFAULT 0,
	scene_count     INTEGER NOT NULL DEFAULT 0,
	output_asset_id UUID REFERENCES assets(id) ON DELETE SET NULL,
	started_at      TIMESTAMPTZ,
	finished_at     TIMESTAMPTZ,
	error_message   TEXT,
	created_at      TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE INDEX IF NOT EXISTS projects_updated_at_idx ON projects (updated_at DESC);
CREATE INDEX IF NOT EXISTS jobs_project_id_idx ON jobs (project_id);
`

// Migrate creates the tables if they do not exist yet.
func (db *DB) Migrate(ctx context.Context) error {
	if _, err := db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}
	return nil
}

// imageValue encodes an optional image for a nullable JSONB column.
func imageValue(img *models.Image) (interface{}, error) {
	if img == nil {
		return nil, nil
	}
	raw, err := json.Marshal(img)
	if err != nil {
		return nil, fmt.Errorf("failed to encode image: %w", err)
	}
	return raw, nil
}

func scanImage(raw []byte) (*models.Image, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var img models.Image
	if err := json.Unmarshal(raw, &img); err != nil {
		return nil, fmt.Errorf("failed to decode image: %w", err)
	}
	return &img, nil
}
