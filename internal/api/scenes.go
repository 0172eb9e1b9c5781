package api

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/bobarin/storyvoice/internal/audio"
	"github.com/bobarin/storyvoice/internal/export"
	"github.com/bobarin/storyvoice/internal/models"
	"github.com/bobarin/storyvoice/internal/pipeline"
	"github.com/bobarin/storyvoice/internal/services"
)

type voiceRequest struct {
	Voice string `json:"voice"`
	Style string `json:"style"`
}

func decodeVoiceRequest(r *http.Request) (voiceRequest, error) {
	var req voiceRequest
	if r.ContentLength == 0 {
		return req, nil
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		return req, err
	}
	return req, nil
}

// sceneTarget resolves the project session and scene index of a request.
func (h *Handler) sceneTarget(w http.ResponseWriter, r *http.Request) (*pipeline.Controller, int, bool) {
	projectID, ok := projectIDParam(r)
	if !ok {
		respondError(w, http.StatusBadRequest, "Invalid project ID")
		return nil, 0, false
	}
	index, ok := sceneIndexParam(r)
	if !ok {
		respondError(w, http.StatusBadRequest, "Invalid scene index")
		return nil, 0, false
	}
	ctrl, err := h.sessions.Get(r.Context(), projectID)
	if err != nil {
		h.respondErr(w, err)
		return nil, 0, false
	}
	return ctrl, index, true
}

// GenerateSceneImage handles POST /v1/projects/{id}/scenes/{index}/image.
// ?reference=none generates without any style reference.
func (h *Handler) GenerateSceneImage(w http.ResponseWriter, r *http.Request) {
	ctrl, index, ok := h.sceneTarget(w, r)
	if !ok {
		return
	}

	opts := pipeline.ImageOptions{NoReference: r.URL.Query().Get("reference") == "none"}
	scene, err := ctrl.GenerateImage(r.Context(), index, opts)
	if err != nil {
		h.respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, buildSceneResponse(index, scene))
}

// GenerateSceneAudio handles POST /v1/projects/{id}/scenes/{index}/audio
func (h *Handler) GenerateSceneAudio(w http.ResponseWriter, r *http.Request) {
	req, err := decodeVoiceRequest(r)
	if err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	ctrl, index, ok := h.sceneTarget(w, r)
	if !ok {
		return
	}

	scene, err := ctrl.GenerateAudio(r.Context(), index, req.Voice, services.ResolveNarrationStyle(req.Style))
	if err != nil {
		h.respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, buildSceneResponse(index, scene))
}

// GenerateScene handles POST /v1/projects/{id}/scenes/{index}/generate. The
// image and narration are produced concurrently; a failure of one does not
// discard the other. It fails only when both jobs fail.
func (h *Handler) GenerateScene(w http.ResponseWriter, r *http.Request) {
	req, err := decodeVoiceRequest(r)
	if err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	ctrl, index, ok := h.sceneTarget(w, r)
	if !ok {
		return
	}

	res, err := ctrl.GenerateScene(r.Context(), index, req.Voice, services.ResolveNarrationStyle(req.Style))
	if err != nil {
		h.respondErr(w, err)
		return
	}

	resp := sceneGenerateResponse{Scene: buildSceneResponse(index, res.Scene)}
	if res.ImageErr != nil {
		resp.ImageError = res.ImageErr.Error()
	}
	if res.AudioErr != nil {
		resp.AudioError = res.AudioErr.Error()
	}
	respondJSON(w, http.StatusOK, resp)
}

type sceneGenerateResponse struct {
	Scene      models.SceneResponse `json:"scene"`
	ImageError string               `json:"imageError,omitempty"`
	AudioError string               `json:"audioError,omitempty"`
}

// GenerateAll handles POST /v1/projects/{id}/generate-all?kind=image|audio.
// The bulk slot is claimed before responding; the run continues in the
// background and GET returns its report.
func (h *Handler) GenerateAll(w http.ResponseWriter, r *http.Request) {
	projectID, ok := projectIDParam(r)
	if !ok {
		respondError(w, http.StatusBadRequest, "Invalid project ID")
		return
	}
	kind := models.ArtifactKind(r.URL.Query().Get("kind"))
	if kind == "" {
		kind = models.ArtifactImage
	}
	if kind != models.ArtifactImage && kind != models.ArtifactAudio {
		respondError(w, http.StatusBadRequest, "Invalid kind. Allowed: image, audio")
		return
	}
	req, err := decodeVoiceRequest(r)
	if err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	ctrl, err := h.sessions.Get(r.Context(), projectID)
	if err != nil {
		h.respondErr(w, err)
		return
	}
	run, err := ctrl.StartBulk(kind)
	if err != nil {
		h.respondErr(w, err)
		return
	}

	style := services.ResolveNarrationStyle(req.Style)
	go run.Run(h.baseCtx, req.Voice, style)

	respondJSON(w, http.StatusAccepted, map[string]string{"kind": string(kind), "status": "started"})
}

// GetGenerateAll handles GET /v1/projects/{id}/generate-all
func (h *Handler) GetGenerateAll(w http.ResponseWriter, r *http.Request) {
	projectID, ok := projectIDParam(r)
	if !ok {
		respondError(w, http.StatusBadRequest, "Invalid project ID")
		return
	}
	ctrl, ok := h.sessions.Peek(projectID)
	resp := map[string]*pipeline.BulkReport{"image": nil, "audio": nil}
	if ok {
		for _, kind := range []models.ArtifactKind{models.ArtifactImage, models.ArtifactAudio} {
			if rep, found := ctrl.Report(kind); found {
				resp[string(kind)] = rep
			}
		}
	}
	respondJSON(w, http.StatusOK, resp)
}

// ---------------------------------------------------------------------------
// Downloads
// ---------------------------------------------------------------------------

// DownloadSceneImage handles GET /v1/projects/{id}/scenes/{index}/image
func (h *Handler) DownloadSceneImage(w http.ResponseWriter, r *http.Request) {
	ctrl, index, ok := h.sceneTarget(w, r)
	if !ok {
		return
	}
	scene, err := ctrl.Scene(index)
	if err != nil {
		h.respondErr(w, err)
		return
	}
	if !scene.HasImage() {
		respondError(w, http.StatusNotFound, "Scene has no image")
		return
	}
	img := scene.GeneratedImage
	respondBytes(w, img.MIMEType, export.SceneFileName(index, export.ImageExtension(img.MIMEType)), img.Data)
}

// DownloadSceneAudio handles GET /v1/projects/{id}/scenes/{index}/audio.wav
func (h *Handler) DownloadSceneAudio(w http.ResponseWriter, r *http.Request) {
	ctrl, index, ok := h.sceneTarget(w, r)
	if !ok {
		return
	}
	scene, err := ctrl.Scene(index)
	if err != nil {
		h.respondErr(w, err)
		return
	}
	if !scene.HasAudio() {
		respondError(w, http.StatusNotFound, "Scene has no narration")
		return
	}
	respondBytes(w, "audio/wav", export.SceneFileName(index, "wav"), audio.EncodeWAV(scene.NarrationAudio))
}

// DownloadNarration handles GET /v1/projects/{id}/narration.wav
func (h *Handler) DownloadNarration(w http.ResponseWriter, r *http.Request) {
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

	wav, err := export.NarrationTrack(project.Scenes)
	if err != nil {
		h.respondErr(w, err)
		return
	}
	respondBytes(w, "audio/wav", "narration.wav", wav)
}

// DownloadBundle handles GET /v1/projects/{id}/bundle.zip
func (h *Handler) DownloadBundle(w http.ResponseWriter, r *http.Request) {
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

	var buf bytes.Buffer
	if err := export.WriteBundle(&buf, project.NarrativeText, project.Scenes); err != nil {
		h.respondErr(w, err)
		return
	}
	respondBytes(w, "application/zip", "storyboard.zip", buf.Bytes())
}
