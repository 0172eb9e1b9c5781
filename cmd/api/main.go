package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/bobarin/storyvoice/internal/api"
	"github.com/bobarin/storyvoice/internal/assembly"
	"github.com/bobarin/storyvoice/internal/config"
	"github.com/bobarin/storyvoice/internal/credentials"
	"github.com/bobarin/storyvoice/internal/db"
	"github.com/bobarin/storyvoice/internal/logger"
	"github.com/bobarin/storyvoice/internal/pipeline"
	"github.com/bobarin/storyvoice/internal/queue"
	"github.com/bobarin/storyvoice/internal/retry"
	"github.com/bobarin/storyvoice/internal/services"
	"github.com/bobarin/storyvoice/internal/storage"
	"github.com/bobarin/storyvoice/internal/worker"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.New(cfg.LogMode)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	log.Info("Starting StoryVoice API...")

	// Connect to database
	database, err := db.New(cfg.DatabaseURL)
	if err != nil {
		log.Fatal("Failed to connect to database", "error", err.Error())
	}
	defer database.Close()

	migrateCtx, cancelMigrate := context.WithTimeout(context.Background(), 30*time.Second)
	if err := database.Migrate(migrateCtx); err != nil {
		cancelMigrate()
		log.Fatal("Failed to migrate database", "error", err.Error())
	}
	cancelMigrate()
	log.Info("Connected to database")

	// Connect to Redis queue
	q, err := queue.New(cfg.RedisURL)
	if err != nil {
		log.Fatal("Failed to connect to queue", "error", err.Error())
	}
	defer q.Close()
	log.Info("Connected to Redis queue")

	// Initialize storage
	stor := storage.New(cfg.SupabaseURL, cfg.SupabaseServiceKey, cfg.SupabaseStorageBucket, log)
	log.Info("Initialized Supabase storage", "bucket", cfg.SupabaseStorageBucket)

	// Credential pool, optionally seeded from a file
	pool := credentials.NewPool()
	if cfg.CredentialsFile != "" {
		keys, err := credentials.LoadFile(cfg.CredentialsFile, cfg.CredentialPrefixes)
		if err != nil {
			log.Fatal("Failed to load credentials file", "path", cfg.CredentialsFile, "error", err.Error())
		}
		log.Info("Loaded credentials", "count", pool.Add(keys...))
	}
	if pool.Len() == 0 && cfg.GeminiKey == "" {
		log.Warn("No Gemini credentials configured; upload a credential file before generating")
	}

	// Generation gateway
	gwCfg := services.GatewayConfig{
		Models: services.Models{
			Text:   cfg.TextModel,
			Image:  cfg.ImageModel,
			TTS:    cfg.TTSModel,
			Vision: cfg.VisionModel,
		},
		FallbackKey:  cfg.GeminiKey,
		DefaultVoice: cfg.DefaultVoice,
		Policy: retry.Policy{
			MaxRetries:   cfg.MaxRetries,
			InitialDelay: cfg.InitialDelay,
		},
	}
	if cfg.ScriptProvider == "openai" {
		gwCfg.Scripts = services.NewOpenAIScriptWriter(cfg.OpenAIKey, cfg.OpenAIModel, log)
		log.Info("Script provider: OpenAI", "model", cfg.OpenAIModel)
	}
	if cfg.NarrationProvider == "elevenlabs" {
		gwCfg.Narrator = services.NewElevenLabsNarrator(cfg.ElevenLabsKey, cfg.ElevenLabsVoiceID, log)
		log.Info("Narration provider: ElevenLabs", "voice", cfg.ElevenLabsVoiceID)
	}
	gateway := services.NewGateway(services.NewGeminiClient(log), pool, gwCfg, log)

	sessions := pipeline.NewSessions(database, gateway, cfg.BulkPacing, cfg.SessionIdleTTL, log)

	// Background contexts for bulk runs and the worker
	bgCtx, bgCancel := context.WithCancel(context.Background())
	defer bgCancel()

	// Create API handler
	handler := api.NewHandler(api.Deps{
		DB:                 database,
		Queue:              q,
		Storage:            stor,
		Generator:          gateway,
		Sessions:           sessions,
		Pool:               pool,
		CredentialPrefixes: cfg.CredentialPrefixes,
		Log:                log,
		BaseContext:        bgCtx,
	})
	router := api.NewRouter(handler, api.RouterConfig{
		BackendAPIKey:      cfg.BackendAPIKey,
		CorsAllowedOrigins: cfg.CorsAllowedOrigins,
	})

	if cfg.BackendAPIKey != "" {
		log.Info("API key authentication enabled")
	} else {
		log.Warn("No BACKEND_API_KEY set, API is unprotected (dev mode)")
	}

	server := &http.Server{
		Addr:    ":" + cfg.APIPort,
		Handler: router,
	}

	// Start worker if enabled
	if cfg.WorkerEnabled {
		ffmpegSvc, err := services.NewFFmpegService(cfg.RenderTempDir, cfg.FFmpegPath, cfg.FFprobePath, cfg.VideoBitrate, log)
		if err != nil {
			log.Fatal("Failed to initialize ffmpeg", "error", err.Error())
		}
		engine := assembly.NewEngine(func(ctx context.Context, f assembly.Format) (assembly.Recorder, error) {
			return ffmpegSvc.NewRecorder(ctx, services.StreamFormat{
				Width:      f.Width,
				Height:     f.Height,
				FPS:        f.FPS,
				SampleRate: f.SampleRate,
			})
		}, log)

		w := worker.New(database, q, stor, cfg.SupabaseStorageBucket, engine, log)
		log.Info("Worker enabled, starting background processing", "concurrency", cfg.MaxConcurrentJobs)
		go w.Start(bgCtx, cfg.MaxConcurrentJobs)
	}

	// Start server in goroutine
	go func() {
		log.Info("API server listening", "port", cfg.APIPort)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("Server error", "error", err.Error())
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("Shutting down server...")

	// Stop the worker and any bulk runs
	bgCancel()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.Error("Server forced to shutdown", "error", err.Error())
	}

	log.Info("Server exited")
}
