package services

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/bobarin/storyvoice/internal/logger"
	"github.com/patrickmn/go-cache"
	"google.golang.org/genai"
)

// ---------------------------------------------------------------------------
// Content generation boundary
// The Gateway speaks in ContentRequest/ContentResponse; GeminiClient maps those
// onto the Google Gen AI SDK. Tests substitute their own ContentGenerator.
// ---------------------------------------------------------------------------

// Part is one piece of a prompt: text or inline bytes.
type Part struct {
	Text     string
	MIMEType string
	Data     []byte
}

func TextPart(s string) Part                   { return Part{Text: s} }
func InlinePart(mime string, data []byte) Part { return Part{MIMEType: mime, Data: data} }

// ContentRequest is a single generate-content call.
type ContentRequest struct {
	Model             string
	Parts             []Part
	SystemInstruction string

	// Structured output
	ResponseMIMEType string
	ResponseSchema   *genai.Schema

	// Media output
	Modalities  []string // "TEXT", "IMAGE", "AUDIO"
	Voice       string
	AspectRatio string
}

// InlineMedia is a binary payload returned by the model.
type InlineMedia struct {
	MIMEType string
	Data     []byte
}

type ContentResponse struct {
	Text         string
	Media        []InlineMedia
	FinishReason string
}

// FirstMedia returns the first payload whose MIME type starts with prefix.
func (r *ContentResponse) FirstMedia(prefix string) (InlineMedia, bool) {
	if r == nil {
		return InlineMedia{}, false
	}
	for _, m := range r.Media {
		if strings.HasPrefix(m.MIMEType, prefix) && len(m.Data) > 0 {
			return m, true
		}
	}
	return InlineMedia{}, false
}

// ContentGenerator performs one generate-content call with the given
// credential. It does not retry.
type ContentGenerator interface {
	GenerateContent(ctx context.Context, credential string, req *ContentRequest) (*ContentResponse, error)
}

// ---------------------------------------------------------------------------
// GeminiClient
// ---------------------------------------------------------------------------

const (
	clientCacheExpiration = 30 * time.Minute
	clientCacheCleanup    = 1 * time.Hour
)

// GeminiClient calls the Gemini API through the Gen AI SDK. One SDK client is
// kept per credential and dropped after it sits idle.
type GeminiClient struct {
	clients *cache.Cache
	log     *logger.Logger
}

var _ ContentGenerator = (*GeminiClient)(nil)

func NewGeminiClient(log *logger.Logger) *GeminiClient {
	return &GeminiClient{
		clients: cache.New(clientCacheExpiration, clientCacheCleanup),
		log:     log.With("service", "Gemini"),
	}
}

func (c *GeminiClient) client(ctx context.Context, credential string) (*genai.Client, error) {
	key := cacheKey(credential)
	if v, ok := c.clients.Get(key); ok {
		c.clients.SetDefault(key, v)
		return v.(*genai.Client), nil
	}

	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  credential,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create genai client: %w", err)
	}
	c.clients.SetDefault(key, client)
	return client, nil
}

func cacheKey(credential string) string {
	sum := sha256.Sum256([]byte(credential))
	return hex.EncodeToString(sum[:8])
}

func (c *GeminiClient) GenerateContent(ctx context.Context, credential string, req *ContentRequest) (*ContentResponse, error) {
	client, err := c.client(ctx, credential)
	if err != nil {
		return nil, err
	}

	parts := make([]*genai.Part, 0, len(req.Parts))
	for _, p := range req.Parts {
		if len(p.Data) > 0 {
			parts = append(parts, genai.NewPartFromBytes(p.Data, p.MIMEType))
			continue
		}
		parts = append(parts, genai.NewPartFromText(p.Text))
	}
	contents := []*genai.Content{genai.NewContentFromParts(parts, genai.RoleUser)}

	start := time.Now()
	resp, err := client.Models.GenerateContent(ctx, req.Model, contents, buildGenerateConfig(req))
	if err != nil {
		c.log.Debug("GenerateContent failed", "model", req.Model, "credential", credential, "error", err.Error())
		return nil, err
	}

	out := &ContentResponse{}
	if len(resp.Candidates) == 0 {
		if resp.PromptFeedback != nil && resp.PromptFeedback.BlockReason != "" {
			out.FinishReason = string(resp.PromptFeedback.BlockReason)
		}
		return out, nil
	}

	cand := resp.Candidates[0]
	out.FinishReason = string(cand.FinishReason)
	if cand.Content != nil {
		var text strings.Builder
		for _, part := range cand.Content.Parts {
			if part == nil || part.Thought {
				continue
			}
			if part.InlineData != nil {
				out.Media = append(out.Media, InlineMedia{MIMEType: part.InlineData.MIMEType, Data: part.InlineData.Data})
			}
			text.WriteString(part.Text)
		}
		out.Text = text.String()
	}

	c.log.Debug("GenerateContent completed",
		"model", req.Model,
		"elapsed_ms", time.Since(start).Milliseconds(),
		"text_len", len(out.Text),
		"media", len(out.Media),
		"finish_reason", out.FinishReason,
	)
	return out, nil
}

func buildGenerateConfig(req *ContentRequest) *genai.GenerateContentConfig {
	cfg := &genai.GenerateContentConfig{
		ResponseMIMEType:   req.ResponseMIMEType,
		ResponseSchema:     req.ResponseSchema,
		ResponseModalities: req.Modalities,
	}
	if req.SystemInstruction != "" {
		cfg.SystemInstruction = genai.NewContentFromText(req.SystemInstruction, genai.RoleUser)
	}
	if req.Voice != "" {
		cfg.SpeechConfig = &genai.SpeechConfig{
			VoiceConfig: &genai.VoiceConfig{
				PrebuiltVoiceConfig: &genai.PrebuiltVoiceConfig{VoiceName: req.Voice},
			},
		}
	}
	if req.AspectRatio != "" {
		cfg.ImageConfig = &genai.ImageConfig{AspectRatio: req.AspectRatio}
	}
	return cfg
}
