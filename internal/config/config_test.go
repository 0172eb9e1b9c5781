package config

import (
	"testing"
	"time"
)

func setRequired(t *testing.T) {
	t.Helper()
	t.Setenv("DATABASE_URL", "postgres://localhost/storyvoice")
	t.Setenv("SUPABASE_URL", "https://example.supabase.co")
	t.Setenv("SUPABASE_SERVICE_KEY", "service-key")
}

func TestLoadDefaults(t *testing.T) {
	setRequired(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.MaxRetries != 3 {
		t.Errorf("expected MaxRetries=3, got %d", cfg.MaxRetries)
	}
	if cfg.InitialDelay != time.Second {
		t.Errorf("expected InitialDelay=1s, got %v", cfg.InitialDelay)
	}
	if cfg.BulkPacing != 500*time.Millisecond {
		t.Errorf("expected BulkPacing=500ms, got %v", cfg.BulkPacing)
	}
	if cfg.SessionIdleTTL != 30*time.Minute {
		t.Errorf("expected SessionIdleTTL=30m, got %v", cfg.SessionIdleTTL)
	}
	if len(cfg.CredentialPrefixes) != 1 || cfg.CredentialPrefixes[0] != "AIza" {
		t.Errorf("unexpected prefixes %v", cfg.CredentialPrefixes)
	}
	if cfg.ScriptProvider != "gemini" || cfg.NarrationProvider != "gemini" {
		t.Errorf("unexpected providers %s/%s", cfg.ScriptProvider, cfg.NarrationProvider)
	}
}

func TestLoadOverrides(t *testing.T) {
	setRequired(t)
	t.Setenv("GENERATION_INITIAL_DELAY", "250ms")
	t.Setenv("CREDENTIAL_PREFIXES", "AIza, sk-,")
	t.Setenv("GENERATION_MAX_RETRIES", "5")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.InitialDelay != 250*time.Millisecond {
		t.Errorf("expected 250ms, got %v", cfg.InitialDelay)
	}
	if len(cfg.CredentialPrefixes) != 2 || cfg.CredentialPrefixes[1] != "sk-" {
		t.Errorf("unexpected prefixes %v", cfg.CredentialPrefixes)
	}
	if cfg.MaxRetries != 5 {
		t.Errorf("expected 5 retries, got %d", cfg.MaxRetries)
	}
}

func TestLoadValidation(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
	}{
		{"missing database", map[string]string{"DATABASE_URL": ""}},
		{"openai without key", map[string]string{"SCRIPT_PROVIDER": "openai"}},
		{"elevenlabs without key", map[string]string{"NARRATION_PROVIDER": "elevenlabs"}},
		{"unknown narration provider", map[string]string{"NARRATION_PROVIDER": "cartesia"}},
		{"zero workers", map[string]string{"MAX_CONCURRENT_JOBS": "0"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			setRequired(t)
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			if _, err := Load(); err == nil {
				t.Error("expected validation error")
			}
		})
	}
}
