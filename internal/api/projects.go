package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/bobarin/storyvoice/internal/apperr"
	"github.com/bobarin/storyvoice/internal/assembly"
	"github.com/bobarin/storyvoice/internal/audio"
	"github.com/bobarin/storyvoice/internal/models"
	"github.com/google/uuid"
)

const untitledProject = "Untitled story"

// loadProject reads a project and overlays the live scene state when a
// pipeline session for it is open.
func (h *Handler) loadProject(ctx context.Context, id uuid.UUID) (*models.Project, error) {
	project, err := h.db.GetProject(ctx, id)
	if err != nil {
		return nil, err
	}
	if ctrl, ok := h.sessions.Peek(id); ok {
		project.Scenes = ctrl.Scenes()
		project.ReferenceImage = ctrl.Reference()
	}
	return project, nil
}

func buildProjectResponse(p *models.Project) models.ProjectResponse {
	scenes := make([]models.SceneResponse, len(p.Scenes))
	for i, s := range p.Scenes {
		scenes[i] = buildSceneResponse(i, s)
	}
	return models.ProjectResponse{
		ID:            p.ID,
		Name:          p.Name,
		NarrativeText: p.NarrativeText,
		Mode:          p.Mode,
		Scenes:        scenes,
		HasReference:  p.ReferenceImage != nil,
		Renderable:    len(assembly.Eligible(p.Scenes)),
		CreatedAt:     p.CreatedAt,
		UpdatedAt:     p.UpdatedAt,
	}
}

func buildSceneResponse(index int, s models.Scene) models.SceneResponse {
	resp := models.SceneResponse{
		Index:         index,
		NarrativeText: s.NarrativeText,
		ImagePrompt:   s.ImagePrompt,
		HasImage:      s.HasImage(),
		HasAudio:      s.HasAudio(),
		HasSubject:    s.HasSubject,
	}
	if s.HasAudio() {
		resp.AudioMs = int(audio.Duration(s.NarrationAudio).Milliseconds())
	}
	return resp
}

// deriveName uses the first line of the narrative, shortened.
func deriveName(narrative string) string {
	line := strings.TrimSpace(strings.SplitN(strings.TrimSpace(narrative), "\n", 2)[0])
	if line == "" {
		return untitledProject
	}
	if utf8.RuneCountInString(line) > 60 {
		line = string([]rune(line)[:60]) + "…"
	}
	return line
}

// CreateProject handles POST /v1/projects
func (h *Handler) CreateProject(w http.ResponseWriter, r *http.Request) {
	var req models.SaveProjectRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	project := &models.Project{
		ID:     uuid.New(),
		Mode:   models.ProjectModeEditor,
		Scenes: models.Scenes{},
	}
	if req.NarrativeText != nil {
		project.NarrativeText = *req.NarrativeText
	}
	if req.Mode != nil {
		if !req.Mode.Valid() {
			respondError(w, http.StatusBadRequest, "Invalid mode. Allowed: editor, storyboard")
			return
		}
		project.Mode = *req.Mode
	}
	project.Name = deriveName(project.NarrativeText)
	if req.Name != nil && strings.TrimSpace(*req.Name) != "" {
		project.Name = strings.TrimSpace(*req.Name)
	}
	for _, st := range req.Scenes {
		project.Scenes = append(project.Scenes, models.Scene{NarrativeText: st.NarrativeText, ImagePrompt: st.ImagePrompt})
	}

	if err := h.db.CreateProject(r.Context(), project); err != nil {
		h.respondErr(w, err)
		return
	}

	respondJSON(w, http.StatusCreated, buildProjectResponse(project))
}

// ListProjects handles GET /v1/projects
// Query params:
//   - limit:  max results per page (default 20, max 100)
//   - offset: number of results to skip (default 0)
func (h *Handler) ListProjects(w http.ResponseWriter, r *http.Request) {
	limit := 20
	if l := r.URL.Query().Get("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 {
			limit = parsed
		}
	}
	if limit > 100 {
		limit = 100
	}

	offset := 0
	if o := r.URL.Query().Get("offset"); o != "" {
		if parsed, err := strconv.Atoi(o); err == nil && parsed >= 0 {
			offset = parsed
		}
	}

	total, err := h.db.CountProjects(r.Context())
	if err != nil {
		h.respondErr(w, err)
		return
	}

	projects, err := h.db.ListProjects(r.Context(), limit, offset)
	if err != nil {
		h.respondErr(w, err)
		return
	}

	respondJSON(w, http.StatusOK, models.ListProjectsResponse{
		Projects: projects,
		Total:    total,
		Limit:    limit,
		Offset:   offset,
	})
}

// GetProject handles GET /v1/projects/{id}
func (h *Handler) GetProject(w http.ResponseWriter, r *http.Request) {
	projectID, ok := projectIDParam(r)
	if !ok {
		respondError(w, http.StatusBadRequest, "Invalid project ID")
		return
	}

	project, err := h.loadProject(r.Context(), projectID)
	if err != nil {
		h.respondErr(w, err)
		return
	}

	respondJSON(w, http.StatusOK, buildProjectResponse(project))
}

// mergeScenes rebuilds the scene list from edited text. A scene keeps its
// artifacts when its narrative text at the same index is unchanged.
func mergeScenes(current models.Scenes, edited []models.SceneText) models.Scenes {
	out := make(models.Scenes, len(edited))
	for i, st := range edited {
		out[i] = models.Scene{NarrativeText: st.NarrativeText, ImagePrompt: st.ImagePrompt}
		if i < len(current) && current[i].NarrativeText == st.NarrativeText {
			out[i].GeneratedImage = current[i].GeneratedImage
			out[i].HasSubject = current[i].HasSubject
			out[i].NarrationAudio = current[i].NarrationAudio
		}
	}
	return out
}

// UpdateProject handles PUT /v1/projects/{id}
func (h *Handler) UpdateProject(w http.ResponseWriter, r *http.Request) {
	projectID, ok := projectIDParam(r)
	if !ok {
		respondError(w, http.StatusBadRequest, "Invalid project ID")
		return
	}

	var req models.SaveProjectRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if req.Mode != nil && !req.Mode.Valid() {
		respondError(w, http.StatusBadRequest, "Invalid mode. Allowed: editor, storyboard")
		return
	}

	ctrl, err := h.sessions.Get(r.Context(), projectID)
	if err != nil {
		h.respondErr(w, err)
		return
	}
	if req.Scenes != nil {
		if err := ctrl.SetScenes(mergeScenes(ctrl.Scenes(), req.Scenes)); err != nil {
			h.respondErr(w, err)
			return
		}
	}

	project, err := h.loadProject(r.Context(), projectID)
	if err != nil {
		h.respondErr(w, err)
		return
	}
	if req.Name != nil && strings.TrimSpace(*req.Name) != "" {
		project.Name = strings.TrimSpace(*req.Name)
	}
	if req.NarrativeText != nil {
		project.NarrativeText = *req.NarrativeText
	}
	if req.Mode != nil {
		project.Mode = *req.Mode
	}

	updatedAt, err := h.db.UpdateProjectDetails(r.Context(), projectID, project.Name, project.NarrativeText, project.Mode)
	if err != nil {
		h.respondErr(w, err)
		return
	}
	project.UpdatedAt = updatedAt
	respondJSON(w, http.StatusOK, buildProjectResponse(project))
}

// DeleteProject handles DELETE /v1/projects/{id}
func (h *Handler) DeleteProject(w http.ResponseWriter, r *http.Request) {
	projectID, ok := projectIDParam(r)
	if !ok {
		respondError(w, http.StatusBadRequest, "Invalid project ID")
		return
	}

	if !h.sessions.Evict(projectID) {
		h.respondErr(w, apperr.New(apperr.KindConflict, apperr.ErrJobInFlight))
		return
	}

	assets, err := h.db.GetProjectAssets(r.Context(), projectID)
	if err != nil {
		h.log.Warn("Failed to list project assets", "project_id", projectID.String(), "error", err.Error())
	}

	if err := h.db.DeleteProject(r.Context(), projectID); err != nil {
		h.respondErr(w, err)
		return
	}

	if len(assets) > 0 {
		paths := make([]string, len(assets))
		for i, a := range assets {
			paths[i] = a.StoragePath
		}
		if err := h.storage.Remove(r.Context(), paths...); err != nil {
			h.log.Warn("Failed to remove project objects", "project_id", projectID.String(), "error", err.Error())
		}
	}

	w.WriteHeader(http.StatusNoContent)
}

type storyboardRequest struct {
	VisualStyle string `json:"visualStyle"`
}

// CreateStoryboard handles POST /v1/projects/{id}/storyboard. The narrative
// is split into scenes, replacing any previous storyboard.
func (h *Handler) CreateStoryboard(w http.ResponseWriter, r *http.Request) {
	projectID, ok := projectIDParam(r)
	if !ok {
		respondError(w, http.StatusBadRequest, "Invalid project ID")
		return
	}

	var req storyboardRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
			respondError(w, http.StatusBadRequest, "Invalid request body")
			return
		}
	}

	ctrl, err := h.sessions.Get(r.Context(), projectID)
	if err != nil {
		h.respondErr(w, err)
		return
	}
	if ctrl.Busy() {
		h.respondErr(w, apperr.New(apperr.KindConflict, apperr.ErrJobInFlight))
		return
	}

	project, err := h.loadProject(r.Context(), projectID)
	if err != nil {
		h.respondErr(w, err)
		return
	}
	if strings.TrimSpace(project.NarrativeText) == "" {
		respondError(w, http.StatusBadRequest, "Project has no narrative text")
		return
	}

	scenes, err := h.gen.SegmentScenes(r.Context(), project.NarrativeText, req.VisualStyle)
	if err != nil {
		h.respondErr(w, err)
		return
	}
	if err := ctrl.SetScenes(scenes); err != nil {
		h.respondErr(w, err)
		return
	}

	project.Scenes = ctrl.Scenes()
	project.Mode = models.ProjectModeStoryboard
	updatedAt, err := h.db.UpdateProjectDetails(r.Context(), projectID, project.Name, project.NarrativeText, project.Mode)
	if err != nil {
		h.respondErr(w, err)
		return
	}
	project.UpdatedAt = updatedAt
	respondJSON(w, http.StatusOK, buildProjectResponse(project))
}

// PutReference handles PUT /v1/projects/{id}/reference. The body is the raw
// image; its Content-Type must be an image type.
func (h *Handler) PutReference(w http.ResponseWriter, r *http.Request) {
	projectID, ok := projectIDParam(r)
	if !ok {
		respondError(w, http.StatusBadRequest, "Invalid project ID")
		return
	}

	mimeType := strings.TrimSpace(strings.SplitN(r.Header.Get("Content-Type"), ";", 2)[0])
	if !strings.HasPrefix(mimeType, "image/") {
		respondError(w, http.StatusUnsupportedMediaType, "Reference must be an image")
		return
	}
	data, err := io.ReadAll(io.LimitReader(r.Body, maxReferenceBytes+1))
	if err != nil {
		respondError(w, http.StatusBadRequest, "Failed to read image")
		return
	}
	if len(data) == 0 {
		respondError(w, http.StatusBadRequest, "Empty image")
		return
	}
	if len(data) > maxReferenceBytes {
		respondError(w, http.StatusRequestEntityTooLarge, "Reference image too large")
		return
	}

	ctrl, err := h.sessions.Get(r.Context(), projectID)
	if err != nil {
		h.respondErr(w, err)
		return
	}
	ctrl.SetReference(&models.Image{MIMEType: mimeType, Data: data})
	w.WriteHeader(http.StatusNoContent)
}

// DeleteReference handles DELETE /v1/projects/{id}/reference
func (h *Handler) DeleteReference(w http.ResponseWriter, r *http.Request) {
	projectID, ok := projectIDParam(r)
	if !ok {
		respondError(w, http.StatusBadRequest, "Invalid project ID")
		return
	}

	ctrl, err := h.sessions.Get(r.Context(), projectID)
	if err != nil {
		h.respondErr(w, err)
		return
	}
	ctrl.SetReference(nil)
	w.WriteHeader(http.StatusNoContent)
}
