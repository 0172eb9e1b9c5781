package api

import (
	"net/http"

	"github.com/bobarin/storyvoice/internal/apperr"
	"github.com/bobarin/storyvoice/internal/assembly"
	"github.com/bobarin/storyvoice/internal/models"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
)

// CreateRender handles POST /v1/projects/{id}/renders
func (h *Handler) CreateRender(w http.ResponseWriter, r *http.Request) {
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
	eligible := assembly.Eligible(project.Scenes)
	if len(eligible) == 0 {
		h.respondErr(w, apperr.New(apperr.KindInvalid, apperr.ErrNothingToAssemble))
		return
	}

	job := &models.Job{
		ID:         uuid.New(),
		ProjectID:  projectID,
		Type:       models.JobTypeRenderVideo,
		Status:     models.JobStatusQueued,
		SceneCount: len(eligible),
	}
	if err := h.db.CreateJob(r.Context(), job); err != nil {
		h.respondErr(w, err)
		return
	}

	if err := h.queue.EnqueueRenderVideo(r.Context(), projectID, job.ID); err != nil {
		h.log.Error("Failed to enqueue render", "job_id", job.ID.String(), "error", err.Error())
		h.db.UpdateJobError(r.Context(), job.ID, "failed to enqueue: "+err.Error())
		respondError(w, http.StatusInternalServerError, "Failed to enqueue job")
		return
	}

	respondJSON(w, http.StatusAccepted, models.RenderJobResponse{JobID: job.ID, Status: job.Status})
}

// ListRenders handles GET /v1/projects/{id}/renders
func (h *Handler) ListRenders(w http.ResponseWriter, r *http.Request) {
	projectID, ok := projectIDParam(r)
	if !ok {
		respondError(w, http.StatusBadRequest, "Invalid project ID")
		return
	}
	if _, err := h.db.GetProject(r.Context(), projectID); err != nil {
		h.respondErr(w, err)
		return
	}

	jobs, err := h.db.GetProjectJobs(r.Context(), projectID)
	if err != nil {
		h.respondErr(w, err)
		return
	}
	renders := make([]models.Job, 0, len(jobs))
	for _, j := range jobs {
		if j.Type == models.JobTypeRenderVideo {
			renders = append(renders, j)
		}
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"renders": renders})
}

// renderJob loads a render job and checks it belongs to the project in the
// path.
func (h *Handler) renderJob(w http.ResponseWriter, r *http.Request) (*models.Job, bool) {
	projectID, ok := projectIDParam(r)
	if !ok {
		respondError(w, http.StatusBadRequest, "Invalid project ID")
		return nil, false
	}
	jobID, err := uuid.Parse(chi.URLParam(r, "jobId"))
	if err != nil {
		respondError(w, http.StatusBadRequest, "Invalid job ID")
		return nil, false
	}

	job, err := h.db.GetJob(r.Context(), jobID)
	if err != nil {
		h.respondErr(w, err)
		return nil, false
	}
	if job.ProjectID != projectID || job.Type != models.JobTypeRenderVideo {
		respondError(w, http.StatusNotFound, "Render not found")
		return nil, false
	}
	return job, true
}

// GetRender handles GET /v1/projects/{id}/renders/{jobId}
func (h *Handler) GetRender(w http.ResponseWriter, r *http.Request) {
	job, ok := h.renderJob(w, r)
	if !ok {
		return
	}
	respondJSON(w, http.StatusOK, job)
}

// DownloadRender handles GET /v1/projects/{id}/renders/{jobId}/download
func (h *Handler) DownloadRender(w http.ResponseWriter, r *http.Request) {
	job, ok := h.renderJob(w, r)
	if !ok {
		return
	}
	if job.Status != models.JobStatusSucceeded || job.OutputAsset == nil {
		respondError(w, http.StatusNotFound, "Video not ready")
		return
	}

	asset, err := h.db.GetAsset(r.Context(), *job.OutputAsset)
	if err != nil {
		h.respondErr(w, err)
		return
	}

	signedURL, err := h.storage.GetSignedURL(r.Context(), asset.StoragePath, signedURLExpiry)
	if err != nil {
		h.log.Error("Failed to sign download URL", "asset_id", asset.ID.String(), "error", err.Error())
		respondError(w, http.StatusInternalServerError, "Failed to generate download URL")
		return
	}

	http.Redirect(w, r, signedURL, http.StatusTemporaryRedirect)
}
