package services

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/bobarin/storyvoice/internal/apperr"
	"github.com/bobarin/storyvoice/internal/audio"
	"github.com/bobarin/storyvoice/internal/logger"
	"github.com/bobarin/storyvoice/internal/retry"
)

// ---------------------------------------------------------------------------
// ElevenLabs narration
// Alternative narration provider (NARRATION_PROVIDER=elevenlabs). Requests raw
// PCM at 24 kHz so the output is interchangeable with the Gemini speech model.
// ---------------------------------------------------------------------------

const (
	elevenLabsBaseURL      = "https://api.elevenlabs.io"
	elevenLabsDefaultModel = "eleven_flash_v2_5"
	elevenLabsDefaultVoice = "pNInz6obpgDQGcFmaJgB"
	elevenLabsOutputFormat = "pcm_24000"
)

type ElevenLabsNarrator struct {
	apiKey  string
	voiceID string
	modelID string
	baseURL string
	client  *http.Client
	log     *logger.Logger
}

var _ Narrator = (*ElevenLabsNarrator)(nil)

func NewElevenLabsNarrator(apiKey, voiceID string, log *logger.Logger) *ElevenLabsNarrator {
	if voiceID == "" {
		voiceID = elevenLabsDefaultVoice
	}
	return &ElevenLabsNarrator{
		apiKey:  apiKey,
		voiceID: voiceID,
		modelID: elevenLabsDefaultModel,
		baseURL: elevenLabsBaseURL,
		client:  &http.Client{Timeout: 90 * time.Second},
		log:     log.With("service", "ElevenLabs"),
	}
}

type elevenLabsRequest struct {
	Text          string                   `json:"text"`
	ModelID       string                   `json:"model_id"`
	VoiceSettings *elevenLabsVoiceSettings `json:"voice_settings,omitempty"`
}

type elevenLabsVoiceSettings struct {
	Stability       float64 `json:"stability"`
	SimilarityBoost float64 `json:"similarity_boost"`
	Style           float64 `json:"style,omitempty"`
	UseSpeakerBoost bool    `json:"use_speaker_boost,omitempty"`
}

// SynthesizeNarration ignores stylePrompt; ElevenLabs expresses delivery
// through voice settings. Gemini voice names map to the configured voice.
func (s *ElevenLabsNarrator) SynthesizeNarration(ctx context.Context, text, voice, stylePrompt string) ([]byte, error) {
	voiceID := s.voiceID
	if _, isGeminiVoice := LookupVoice(voice); voice != "" && !isGeminiVoice {
		voiceID = voice
	}

	jsonData, err := json.Marshal(elevenLabsRequest{
		Text:    text,
		ModelID: s.modelID,
		VoiceSettings: &elevenLabsVoiceSettings{
			Stability:       0.60,
			SimilarityBoost: 0.80,
			Style:           0.35,
			UseSpeakerBoost: true,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal ElevenLabs request: %w", err)
	}

	url := fmt.Sprintf("%s/v1/text-to-speech/%s?output_format=%s", s.baseURL, voiceID, elevenLabsOutputFormat)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(jsonData))
	if err != nil {
		return nil, fmt.Errorf("failed to create ElevenLabs request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("xi-api-key", s.apiKey)

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("ElevenLabs request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, &retry.HTTPError{Service: "ElevenLabs", StatusCode: resp.StatusCode, Body: string(body)}
	}

	pcm, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read ElevenLabs audio response: %w", err)
	}
	if len(pcm) == 0 {
		return nil, apperr.New(apperr.KindMedia, fmt.Errorf("%w: ElevenLabs returned empty audio", apperr.ErrNoMedia))
	}
	if len(pcm)%audio.BytesPerFrame != 0 {
		pcm = pcm[:len(pcm)-1]
	}

	s.log.Debug("Narration synthesized", "voice_id", voiceID, "bytes", len(pcm), "duration", audio.Duration(pcm).String())
	return pcm, nil
}
