package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/bobarin/storyvoice/internal/apperr"
	"github.com/bobarin/storyvoice/internal/audio"
	"github.com/bobarin/storyvoice/internal/credentials"
	"github.com/bobarin/storyvoice/internal/db"
	"github.com/bobarin/storyvoice/internal/logger"
	"github.com/bobarin/storyvoice/internal/models"
	"github.com/bobarin/storyvoice/internal/pipeline"
	"github.com/bobarin/storyvoice/internal/services"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
)

// Store is the persistence the API needs.
type Store interface {
	CreateProject(ctx context.Context, project *models.Project) error
	GetProject(ctx context.Context, id uuid.UUID) (*models.Project, error)
	ListProjects(ctx context.Context, limit, offset int) ([]models.ProjectSummary, error)
	CountProjects(ctx context.Context) (int, error)
	UpdateProjectDetails(ctx context.Context, id uuid.UUID, name, narrative string, mode models.ProjectMode) (time.Time, error)
	DeleteProject(ctx context.Context, id uuid.UUID) error

	CreateJob(ctx context.Context, job *models.Job) error
	GetJob(ctx context.Context, id uuid.UUID) (*models.Job, error)
	GetProjectJobs(ctx context.Context, projectID uuid.UUID) ([]models.Job, error)
	UpdateJobError(ctx context.Context, id uuid.UUID, errorMessage string) error

	GetAsset(ctx context.Context, id uuid.UUID) (*models.Asset, error)
	GetProjectAssets(ctx context.Context, projectID uuid.UUID) ([]models.Asset, error)
}

type RenderQueue interface {
	EnqueueRenderVideo(ctx context.Context, projectID, jobID uuid.UUID) error
}

type ObjectStore interface {
	GetSignedURL(ctx context.Context, path string, expiresIn int) (string, error)
	Remove(ctx context.Context, paths ...string) error
}

// Generator covers the project-level generation calls; per-scene work goes
// through the pipeline sessions.
type Generator interface {
	GenerateScript(ctx context.Context, topic string) (string, error)
	SegmentScenes(ctx context.Context, narrative, visualStyle string) (models.Scenes, error)
	SynthesizeNarration(ctx context.Context, text, voice, stylePrompt string) ([]byte, error)
}

type Deps struct {
	DB                 Store
	Queue              RenderQueue
	Storage            ObjectStore
	Generator          Generator
	Sessions           *pipeline.Sessions
	Pool               *credentials.Pool
	CredentialPrefixes []string
	Log                *logger.Logger

	// BaseContext bounds background bulk runs. Defaults to context.Background.
	BaseContext context.Context
}

type Handler struct {
	db       Store
	queue    RenderQueue
	storage  ObjectStore
	gen      Generator
	sessions *pipeline.Sessions
	pool     *credentials.Pool
	prefixes []string
	baseCtx  context.Context
	log      *logger.Logger
}

func NewHandler(d Deps) *Handler {
	if d.BaseContext == nil {
		d.BaseContext = context.Background()
	}
	if d.BaseContext == nil {
		d.BaseContext = context.Background()
	}
	return &Handler{
		db:       d.DB,
		queue:    d.Queue,
		storage:  d.Storage,
		gen:      d.Generator,
		sessions: d.Sessions,
		pool:     d.Pool,
		prefixes: d.CredentialPrefixes,
		baseCtx:  d.BaseContext,
		log:      d.Log.With("service", "API"),
	}
}

const (
	maxCredentialFileBytes = 1 << 20
	maxReferenceBytes      = 20 << 20
	signedURLExpiry        = 3600
)

// Health check
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// ---------------------------------------------------------------------------
// Credentials
// ---------------------------------------------------------------------------

// UploadCredentials handles PUT /v1/credentials. The body is a credential
// file, one key per line.
func (h *Handler) UploadCredentials(w http.ResponseWriter, r *http.Request) {
	keys, err := credentials.Parse(io.LimitReader(r.Body, maxCredentialFileBytes), h.prefixes)
	if err != nil {
		respondError(w, http.StatusBadRequest, "Failed to read credential file")
		return
	}
	if len(keys) == 0 {
		respondError(w, http.StatusBadRequest, "No valid credentials found")
		return
	}

	added := h.pool.Add(keys...)
	h.log.Info("Credentials loaded", "parsed", len(keys), "added", added, "total", h.pool.Len())
	respondJSON(w, http.StatusOK, map[string]int{"added": added, "total": h.pool.Len()})
}

// ClearCredentials handles DELETE /v1/credentials
func (h *Handler) ClearCredentials(w http.ResponseWriter, r *http.Request) {
	h.pool.Clear()
	h.log.Info("Credential pool cleared")
	w.WriteHeader(http.StatusNoContent)
}

// ---------------------------------------------------------------------------
// Editor: script and full narration
// ---------------------------------------------------------------------------

type scriptRequest struct {
	Topic string `json:"topic"`
}

// GenerateScript handles POST /v1/scripts
func (h *Handler) GenerateScript(w http.ResponseWriter, r *http.Request) {
	var req scriptRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if strings.TrimSpace(req.Topic) == "" {
		respondError(w, http.StatusBadRequest, "Topic is required")
		return
	}

	script, err := h.gen.GenerateScript(r.Context(), req.Topic)
	if err != nil {
		h.respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"script": script})
}

type narrationRequest struct {
	Text  string `json:"text"`
	Voice string `json:"voice"`
	Style string `json:"style"`
}

// Narrate handles POST /v1/narration and returns the whole text as one WAV.
func (h *Handler) Narrate(w http.ResponseWriter, r *http.Request) {
	var req narrationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if strings.TrimSpace(req.Text) == "" {
		respondError(w, http.StatusBadRequest, "Text is required")
		return
	}

	pcm, err := h.gen.SynthesizeNarration(r.Context(), req.Text, req.Voice, services.ResolveNarrationStyle(req.Style))
	if err != nil {
		h.respondErr(w, err)
		return
	}
	respondBytes(w, "audio/wav", "narration.wav", audio.EncodeWAV(pcm))
}

// ListPresets handles GET /v1/presets
func (h *Handler) ListPresets(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"voices":          services.Voices,
		"narrationStyles": services.NarrationStyles,
		"visualStyles":    services.VisualStyles,
	})
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

func projectIDParam(r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	return id, err == nil
}

func sceneIndexParam(r *http.Request) (int, bool) {
	n, err := strconv.Atoi(chi.URLParam(r, "index"))
	return n, err == nil && n >= 0
}

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}

func respondBytes(w http.ResponseWriter, contentType, filename string, data []byte) {
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	if filename != "" {
		w.Header().Set("Content-Disposition", `attachment; filename="`+filename+`"`)
	}
	w.WriteHeader(http.StatusOK)
	w.Write(data)
}

type errorResponse struct {
	Error string      `json:"error"`
	Kind  apperr.Kind `json:"kind,omitempty"`
	Scene *int        `json:"scene,omitempty"`
}

// statusOf maps an error to a response status. Unclassified errors are 500.
func statusOf(err error) int {
	var ae *apperr.Error
	switch {
	case errors.Is(err, db.ErrNotFound):
		return http.StatusNotFound
	case errors.As(err, &ae):
		return apperr.HTTPStatus(ae.Kind)
	case errors.Is(err, apperr.ErrNoCredential),
		errors.Is(err, apperr.ErrJobInFlight),
		errors.Is(err, apperr.ErrNoMedia),
		errors.Is(err, apperr.ErrMalformedOutput),
		errors.Is(err, apperr.ErrNothingToAssemble):
		return apperr.HTTPStatus(apperr.KindOf(err))
	default:
		return http.StatusInternalServerError
	}
}

func (h *Handler) respondErr(w http.ResponseWriter, err error) {
	status := statusOf(err)
	resp := errorResponse{Error: err.Error()}
	if status != http.StatusNotFound && status != http.StatusInternalServerError {
		resp.Kind = apperr.KindOf(err)
	}
	if idx := apperr.SceneOf(err); idx >= 0 {
		resp.Scene = &idx
	}
	if status >= 500 {
		h.log.Error("Request failed", "status", status, "error", err.Error())
		if status == http.StatusInternalServerError {
			resp.Error = "Internal server error"
		}
	}
	respondJSON(w, status, resp)
}
