package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Enums
type ProjectMode string

const (
	ProjectModeEditor     ProjectMode = "editor"
	ProjectModeStoryboard ProjectMode = "storyboard"
)

func (m ProjectMode) Valid() bool {
	return m == ProjectModeEditor || m == ProjectModeStoryboard
}

// ArtifactKind names the two independently generated artifacts of a scene.
type ArtifactKind string

const (
	ArtifactImage ArtifactKind = "image"
	ArtifactAudio ArtifactKind = "audio"
)

type AssetType string

const (
	AssetTypeFinalVideo AssetType = "final_video"
	AssetTypeNarration  AssetType = "narration"
	AssetTypeBundle     AssetType = "bundle"
)

type JobStatus string

const (
	JobStatusQueued    JobStatus = "queued"
	JobStatusRunning   JobStatus = "running"
	JobStatusSucceeded JobStatus = "succeeded"
	JobStatusFailed    JobStatus = "failed"
)

const JobTypeRenderVideo = "render_video"

// Image is an inline image payload as returned by the image model.
type Image struct {
	MIMEType string `json:"mimeType"`
	Data     []byte `json:"data"`
}

// Scene is one narrated, illustrated beat of a story. GeneratedImage and
// NarrationAudio are produced independently; NarrationAudio is raw mono
// s16le PCM at 24 kHz.
type Scene struct {
	NarrativeText  string `json:"narrativeText"`
	ImagePrompt    string `json:"imagePrompt"`
	GeneratedImage *Image `json:"generatedImage,omitempty"`
	NarrationAudio []byte `json:"narrationAudio,omitempty"`

	// HasSubject is nil until the subject check has run on GeneratedImage.
	HasSubject *bool `json:"hasSubject,omitempty"`
}

func (s Scene) HasImage() bool { return s.GeneratedImage != nil && len(s.GeneratedImage.Data) > 0 }
func (s Scene) HasAudio() bool { return len(s.NarrationAudio) > 0 }

// Chainable reports whether the scene's image may serve as a style reference
// for later scenes.
func (s Scene) Chainable() bool {
	return s.HasImage() && (s.HasSubject == nil || *s.HasSubject)
}

// Scenes is stored as a PostgreSQL JSONB column.
type Scenes []Scene

func (s Scenes) Value() (driver.Value, error) {
	if s == nil {
		return []byte("[]"), nil
	}
	return json.Marshal(s)
}

func (s *Scenes) Scan(value interface{}) error {
	if value == nil {
		*s = nil
		return nil
	}
	var raw []byte
	switch v := value.(type) {
	case []byte:
		raw = v
	case string:
		raw = []byte(v)
	default:
		return fmt.Errorf("unsupported scenes column type %T", value)
	}
	return json.Unmarshal(raw, s)
}

// Clone returns a deep-enough copy: slices of scenes and the artifact
// pointers are copied so callers can mutate freely.
func (s Scenes) Clone() Scenes {
	if s == nil {
		return nil
	}
	out := make(Scenes, len(s))
	for i, sc := range s {
		out[i] = sc
		if sc.GeneratedImage != nil {
			img := *sc.GeneratedImage
			out[i].GeneratedImage = &img
		}
		if sc.HasSubject != nil {
			v := *sc.HasSubject
			out[i].HasSubject = &v
		}
	}
	return out
}

// Models

type Project struct {
	ID             uuid.UUID   `json:"id"`
	Name           string      `json:"name"`
	NarrativeText  string      `json:"narrativeText"`
	Scenes         Scenes      `json:"scenes"`
	Mode           ProjectMode `json:"mode"`
	ReferenceImage *Image      `json:"referenceImage,omitempty"`
	CreatedAt      time.Time   `json:"created_at"`
	UpdatedAt      time.Time   `json:"updated_at"`
}

type Asset struct {
	ID            uuid.UUID `json:"id"`
	ProjectID     uuid.UUID `json:"project_id"`
	Type          AssetType `json:"type"`
	StorageBucket string    `json:"storage_bucket"`
	StoragePath   string    `json:"storage_path"`
	ContentType   *string   `json:"content_type,omitempty"`
	ByteSize      *int64    `json:"byte_size,omitempty"`
	DurationMs    *int      `json:"duration_ms,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
}

type Job struct {
	ID           uuid.UUID  `json:"id"`
	ProjectID    uuid.UUID  `json:"project_id"`
	Type         string     `json:"type"`
	Status       JobStatus  `json:"status"`
	Attempts     int        `json:"attempts"`
	Progress     int        `json:"progress"`    // scenes painted so far
	SceneCount   int        `json:"scene_count"` // eligible scenes in the render
	OutputAsset  *uuid.UUID `json:"output_asset_id,omitempty"`
	StartedAt    *time.Time `json:"started_at,omitempty"`
	FinishedAt   *time.Time `json:"finished_at,omitempty"`
	ErrorMessage *string    `json:"error_message,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
}

// DTOs for API responses

// SceneResponse mirrors Scene without the binary payloads; clients fetch
// those from the per-scene download routes.
type SceneResponse struct {
	Index         int    `json:"index"`
	NarrativeText string `json:"narrativeText"`
	ImagePrompt   string `json:"imagePrompt"`
	HasImage      bool   `json:"hasImage"`
	HasAudio      bool   `json:"hasAudio"`
	HasSubject    *bool  `json:"hasSubject,omitempty"`
	AudioMs       int    `json:"audioDurationMs,omitempty"`
}

type ProjectResponse struct {
	ID            uuid.UUID       `json:"id"`
	Name          string          `json:"name"`
	NarrativeText string          `json:"narrativeText"`
	Mode          ProjectMode     `json:"mode"`
	Scenes        []SceneResponse `json:"scenes"`
	HasReference  bool            `json:"hasReference"`
	Renderable    int             `json:"renderableScenes"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

// ProjectSummary is the lightweight row returned by the list endpoint.
type ProjectSummary struct {
	ID         uuid.UUID   `json:"id"`
	Name       string      `json:"name"`
	Preview    string      `json:"preview"`
	Mode       ProjectMode `json:"mode"`
	SceneCount int         `json:"scene_count"`
	CreatedAt  time.Time   `json:"created_at"`
	UpdatedAt  time.Time   `json:"updated_at"`
}

type ListProjectsResponse struct {
	Projects []ProjectSummary `json:"projects"`
	Total    int              `json:"total"`
	Limit    int              `json:"limit"`
	Offset   int              `json:"offset"`
}

type SaveProjectRequest struct {
	Name          *string      `json:"name,omitempty"`
	NarrativeText *string      `json:"narrativeText,omitempty"`
	Mode          *ProjectMode `json:"mode,omitempty"`
	// Scenes replaces the scene text and prompts. Artifacts already attached
	// to an index are kept when its narrativeText is unchanged.
	Scenes []SceneText `json:"scenes,omitempty"`
}

type SceneText struct {
	NarrativeText string `json:"narrativeText"`
	ImagePrompt   string `json:"imagePrompt"`
}

type RenderJobResponse struct {
	JobID  uuid.UUID `json:"job_id"`
	Status JobStatus `json:"status"`
}
