package api

import (
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// RouterConfig holds settings for the API router.
type RouterConfig struct {
	// BackendAPIKey must be sent in X-API-Key or Authorization: Bearer <key>.
	// If empty, auth middleware is skipped (development mode).
	BackendAPIKey string

	// CorsAllowedOrigins is a comma-separated list of allowed origins.
	// If empty, defaults to "*" (development mode).
	CorsAllowedOrigins string
}

func NewRouter(h *Handler, cfg RouterConfig) *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(RequestLogger(h.log))
	r.Use(middleware.Recoverer)

	allowedOrigins := []string{"*"}
	if cfg.CorsAllowedOrigins != "" {
		origins := strings.Split(cfg.CorsAllowedOrigins, ",")
		trimmed := make([]string, 0, len(origins))
		for _, o := range origins {
			if s := strings.TrimSpace(o); s != "" {
				trimmed = append(trimmed, s)
			}
		}
		if len(trimmed) > 0 {
			allowedOrigins = trimmed
		}
	}

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   allowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-API-Key"},
		ExposedHeaders:   []string{"Content-Disposition"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	// Health check, no auth
	r.Get("/health", h.Health)

	r.Route("/v1", func(r chi.Router) {
		if cfg.BackendAPIKey != "" {
			r.Use(APIKeyAuth(cfg.BackendAPIKey))
		}

		// Credential pool
		r.Put("/credentials", h.UploadCredentials)
		r.Delete("/credentials", h.ClearCredentials)

		// Editor
		r.Post("/scripts", h.GenerateScript)
		r.Post("/narration", h.Narrate)
		r.Get("/presets", h.ListPresets)

		// Projects
		r.Get("/projects", h.ListProjects)
		r.Post("/projects", h.CreateProject)

		r.Route("/projects/{id}", func(r chi.Router) {
			r.Get("/", h.GetProject)
			r.Put("/", h.UpdateProject)
			r.Delete("/", h.DeleteProject)

			r.Post("/storyboard", h.CreateStoryboard)
			r.Put("/reference", h.PutReference)
			r.Delete("/reference", h.DeleteReference)

			// Scenes
			r.Post("/scenes/{index}/image", h.GenerateSceneImage)
			r.Post("/scenes/{index}/audio", h.GenerateSceneAudio)
			r.Post("/scenes/{index}/generate", h.GenerateScene)
			r.Get("/scenes/{index}/image", h.DownloadSceneImage)
			r.Get("/scenes/{index}/audio.wav", h.DownloadSceneAudio)

			r.Post("/generate-all", h.GenerateAll)
			r.Get("/generate-all", h.GetGenerateAll)

			// Deliverables
			r.Get("/narration.wav", h.DownloadNarration)
			r.Get("/bundle.zip", h.DownloadBundle)

			// Renders
			r.Post("/renders", h.CreateRender)
			r.Get("/renders", h.ListRenders)
			r.Get("/renders/{jobId}", h.GetRender)
			r.Get("/renders/{jobId}/download", h.DownloadRender)
		})
	})

	return r
}
