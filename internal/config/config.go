package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	// Server
	APIPort            string
	WorkerEnabled      bool
	BackendAPIKey      string // API key for authenticating requests (empty = no auth, dev mode)
	CorsAllowedOrigins string // Comma-separated allowed origins (empty = *, dev mode)
	LogMode            string // "development" or "production"

	// Database
	DatabaseURL string

	// Redis
	RedisURL string

	// Supabase
	SupabaseURL           string
	SupabaseServiceKey    string
	SupabaseStorageBucket string

	// Gemini credentials. GeminiKey is the environment fallback used when the
	// runtime pool is empty.
	GeminiKey          string
	CredentialsFile    string
	CredentialPrefixes []string

	// Gemini models
	TextModel   string
	ImageModel  string
	TTSModel    string
	VisionModel string

	DefaultVoice string

	// Generation call policy
	MaxRetries   int
	InitialDelay time.Duration
	BulkPacing   time.Duration

	// Open project sessions are dropped after this long without use
	SessionIdleTTL time.Duration

	// Script writer: "gemini" or "openai"
	ScriptProvider string
	OpenAIKey      string
	OpenAIModel    string

	// Narration: "gemini" or "elevenlabs"
	NarrationProvider string
	ElevenLabsKey     string
	ElevenLabsVoiceID string

	// Rendering
	RenderTempDir string
	FFmpegPath    string
	FFprobePath   string
	VideoBitrate  string

	// Worker
	MaxConcurrentJobs int
}

func Load() (*Config, error) {
	// Load .env file if it exists (ignore error in production)
	_ = godotenv.Load()

	cfg := &Config{
		APIPort:               getEnv("API_PORT", "8080"),
		WorkerEnabled:         getEnvBool("WORKER_ENABLED", true),
		BackendAPIKey:         getEnv("BACKEND_API_KEY", ""),
		CorsAllowedOrigins:    getEnv("CORS_ALLOWED_ORIGINS", ""),
		LogMode:               getEnv("LOG_MODE", "development"),
		DatabaseURL:           getEnv("DATABASE_URL", ""),
		RedisURL:              getEnv("REDIS_URL", "redis://localhost:6379"),
		SupabaseURL:           getEnv("SUPABASE_URL", ""),
		SupabaseServiceKey:    getEnv("SUPABASE_SERVICE_KEY", ""),
		SupabaseStorageBucket: getEnv("SUPABASE_STORAGE_BUCKET", "storyvoice-renders"),
		GeminiKey:             getEnv("GEMINI_API_KEY", ""),
		CredentialsFile:       getEnv("CREDENTIALS_FILE", ""),
		CredentialPrefixes:    getEnvList("CREDENTIAL_PREFIXES", []string{"AIza"}),
		TextModel:             getEnv("GEMINI_TEXT_MODEL", "gemini-2.5-flash"),
		ImageModel:            getEnv("GEMINI_IMAGE_MODEL", "gemini-2.5-flash-image"),
		TTSModel:              getEnv("GEMINI_TTS_MODEL", "gemini-2.5-flash-preview-tts"),
		VisionModel:           getEnv("GEMINI_VISION_MODEL", "gemini-2.5-flash"),
		DefaultVoice:          getEnv("DEFAULT_VOICE", "Fenrir"),
		MaxRetries:            getEnvInt("GENERATION_MAX_RETRIES", 3),
		InitialDelay:          getEnvDuration("GENERATION_INITIAL_DELAY", time.Second),
		BulkPacing:            getEnvDuration("BULK_PACING", 500*time.Millisecond),
		SessionIdleTTL:        getEnvDuration("SESSION_IDLE_TTL", 30*time.Minute),
		ScriptProvider:        strings.ToLower(getEnv("SCRIPT_PROVIDER", "gemini")),
		OpenAIKey:             getEnv("OPENAI_API_KEY", ""),
		OpenAIModel:           getEnv("OPENAI_MODEL", "gpt-5-mini"),
		NarrationProvider:     strings.ToLower(getEnv("NARRATION_PROVIDER", "gemini")),
		ElevenLabsKey:         getEnv("ELEVENLABS_API_KEY", ""),
		ElevenLabsVoiceID:     getEnv("ELEVENLABS_VOICE_ID", ""),
		RenderTempDir:         getEnv("RENDER_TEMP_DIR", "/tmp/storyvoice"),
		FFmpegPath:            getEnv("FFMPEG_PATH", "ffmpeg"),
		FFprobePath:           getEnv("FFPROBE_PATH", "ffprobe"),
		VideoBitrate:          getEnv("VIDEO_BITRATE", "5M"),
		MaxConcurrentJobs:     getEnvInt("MAX_CONCURRENT_JOBS", 2),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks required fields and provider combinations.
func (c *Config) Validate() error {
	if c.DatabaseURL == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}

	if c.SupabaseURL == "" || c.SupabaseServiceKey == "" {
		return fmt.Errorf("SUPABASE_URL and SUPABASE_SERVICE_KEY are required")
	}

	switch c.ScriptProvider {
	case "gemini":
	case "openai":
		if c.OpenAIKey == "" {
			return fmt.Errorf("OPENAI_API_KEY is required when SCRIPT_PROVIDER=openai")
		}
	default:
		return fmt.Errorf("unknown SCRIPT_PROVIDER %q (allowed: gemini, openai)", c.ScriptProvider)
	}

	switch c.NarrationProvider {
	case "gemini":
	case "elevenlabs":
		if c.ElevenLabsKey == "" {
			return fmt.Errorf("ELEVENLABS_API_KEY is required when NARRATION_PROVIDER=elevenlabs")
		}
	default:
		return fmt.Errorf("unknown NARRATION_PROVIDER %q (allowed: gemini, elevenlabs)", c.NarrationProvider)
	}

	if c.MaxRetries < 0 {
		return fmt.Errorf("GENERATION_MAX_RETRIES must not be negative")
	}
	if c.MaxConcurrentJobs < 1 {
		return fmt.Errorf("MAX_CONCURRENT_JOBS must be at least 1")
	}

	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		b, err := strconv.ParseBool(value)
		if err == nil {
			return b
		}
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		i, err := strconv.Atoi(value)
		if err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		d, err := time.ParseDuration(value)
		if err == nil {
			return d
		}
	}
	return defaultValue
}

func getEnvList(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	var out []string
	for _, item := range strings.Split(value, ",") {
		if s := strings.TrimSpace(item); s != "" {
			out = append(out, s)
		}
	}
	if len(out) == 0 {
		return defaultValue
	}
	return out
}
