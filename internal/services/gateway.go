package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/bobarin/storyvoice/internal/apperr"
	"github.com/bobarin/storyvoice/internal/audio"
	"github.com/bobarin/storyvoice/internal/credentials"
	"github.com/bobarin/storyvoice/internal/logger"
	"github.com/bobarin/storyvoice/internal/models"
	"github.com/bobarin/storyvoice/internal/retry"
	"google.golang.org/genai"
)

// ---------------------------------------------------------------------------
// Gateway
// Every outbound generation call goes through here: the credential comes from
// the pool on each attempt, and retryable failures back off per the policy.
// ---------------------------------------------------------------------------

// ScriptWriter writes a narrative for a topic.
type ScriptWriter interface {
	GenerateScript(ctx context.Context, topic string) (string, error)
}

// Narrator synthesizes mono 24 kHz s16le PCM.
type Narrator interface {
	SynthesizeNarration(ctx context.Context, text, voice, stylePrompt string) ([]byte, error)
}

type Models struct {
	Text   string
	Image  string
	TTS    string
	Vision string
}

type GatewayConfig struct {
	Models       Models
	FallbackKey  string // used when the pool is empty
	DefaultVoice string
	Policy       retry.Policy

	// Optional provider overrides. Nil means Gemini handles the capability.
	Scripts  ScriptWriter
	Narrator Narrator
}

type Gateway struct {
	gen          ContentGenerator
	pool         *credentials.Pool
	models       Models
	fallbackKey  string
	defaultVoice string
	policy       retry.Policy
	scripts      ScriptWriter
	narrator     Narrator
	log          *logger.Logger
}

func NewGateway(gen ContentGenerator, pool *credentials.Pool, cfg GatewayConfig, log *logger.Logger) *Gateway {
	log = log.With("service", "Gateway")
	policy := cfg.Policy
	if policy.Log == nil {
		policy.Log = log
	}
	if cfg.DefaultVoice == "" {
		cfg.DefaultVoice = Voices[0].ID
	}
	return &Gateway{
		gen:          gen,
		pool:         pool,
		models:       cfg.Models,
		fallbackKey:  cfg.FallbackKey,
		defaultVoice: cfg.DefaultVoice,
		policy:       policy,
		scripts:      cfg.Scripts,
		narrator:     cfg.Narrator,
		log:          log,
	}
}

// credential takes the next pooled credential, falling back to the
// environment key.
func (g *Gateway) credential() (string, error) {
	if k := g.pool.Next(); k != "" {
		return k, nil
	}
	if g.fallbackKey != "" {
		return g.fallbackKey, nil
	}
	return "", apperr.New(apperr.KindConfiguration, apperr.ErrNoCredential)
}

func (g *Gateway) generate(ctx context.Context, label string, req *ContentRequest) (*ContentResponse, error) {
	return retry.Do(ctx, g.policy, label, func(ctx context.Context) (*ContentResponse, error) {
		key, err := g.credential()
		if err != nil {
			return nil, err
		}
		return g.gen.GenerateContent(ctx, key, req)
	})
}

// ---------------------------------------------------------------------------
// Script generation
// ---------------------------------------------------------------------------

const scriptSystemPrompt = `You write short, dramatic narration scripts for vertical videos.
Structure every script as "What would happen if..." followed by an escalating timeline:
Day 1, Day 3, Day 7 and further milestones as needed, each with two or three short sentences.
End with one impactful concluding line. Plain text only, no markdown, no stage directions.`

// GenerateScript writes an escalating-timeline narrative about topic.
func (g *Gateway) GenerateScript(ctx context.Context, topic string) (string, error) {
	topic = strings.TrimSpace(topic)
	if topic == "" {
		return "", apperr.Newf(apperr.KindInvalid, "topic is required")
	}

	if g.scripts != nil {
		return retry.Do(ctx, g.policy, "script", func(ctx context.Context) (string, error) {
			return g.scripts.GenerateScript(ctx, topic)
		})
	}

	resp, err := g.generate(ctx, "script", &ContentRequest{
		Model:             g.models.Text,
		SystemInstruction: scriptSystemPrompt,
		Parts:             []Part{TextPart(fmt.Sprintf("Write a dramatic \"What would happen if...\" script about: %s", topic))},
	})
	if err != nil {
		return "", err
	}

	script := strings.TrimSpace(resp.Text)
	if script == "" {
		return "", apperr.New(apperr.KindTerminal, fmt.Errorf("%w: empty script (finish reason %q)", apperr.ErrMalformedOutput, resp.FinishReason))
	}
	return script, nil
}

// ---------------------------------------------------------------------------
// Scene segmentation
// ---------------------------------------------------------------------------

const segmentationPrompt = `You are a storyboard director. Split the story below into granular scenes.
Create one scene for EVERY sentence, in the original order, covering the whole text.
A very long sentence may be split into several scenes; never merge unrelated sentences.
For each scene, copy the sentence verbatim into "narrativeText" and write a cinematic
vertical (9:16) image prompt into "imagePrompt".
Respond with a JSON array: [{"narrativeText": "...", "imagePrompt": "..."}]`

var sceneSchema = &genai.Schema{
	Type: genai.TypeArray,
	Items: &genai.Schema{
		Type: genai.TypeObject,
		Properties: map[string]*genai.Schema{
			"narrativeText": {Type: genai.TypeString},
			"imagePrompt":   {Type: genai.TypeString},
		},
		Required: []string{"narrativeText", "imagePrompt"},
	},
}

// SegmentScenes splits narrative into ordered scenes, one per sentence. When
// visualStyle names a known preset its suffix is appended to every prompt.
func (g *Gateway) SegmentScenes(ctx context.Context, narrative, visualStyle string) (models.Scenes, error) {
	narrative = strings.TrimSpace(narrative)
	if narrative == "" {
		return nil, apperr.Newf(apperr.KindInvalid, "narrative text is required")
	}

	resp, err := g.generate(ctx, "segmentation", &ContentRequest{
		Model:            g.models.Text,
		Parts:            []Part{TextPart(segmentationPrompt), TextPart(narrative)},
		ResponseMIMEType: "application/json",
		ResponseSchema:   sceneSchema,
	})
	if err != nil {
		return nil, err
	}

	scenes, err := ParseScenes(resp.Text)
	if err != nil {
		return nil, apperr.New(apperr.KindTerminal, err)
	}

	if style, ok := LookupVisualStyle(visualStyle); ok {
		for i := range scenes {
			scenes[i].ImagePrompt = strings.TrimSpace(scenes[i].ImagePrompt + " " + style.PromptSuffix)
		}
	}

	g.log.Info("Storyboard segmented", "scenes", len(scenes), "chars", len(narrative))
	return scenes, nil
}

// ParseScenes decodes the segmentation output, tolerating a markdown code
// fence around the JSON.
func ParseScenes(raw string) (models.Scenes, error) {
	var items []models.SceneText
	if err := json.Unmarshal([]byte(StripCodeFence(raw)), &items); err != nil {
		return nil, fmt.Errorf("%w: %v", apperr.ErrMalformedOutput, err)
	}
	if len(items) == 0 {
		return nil, fmt.Errorf("%w: no scenes", apperr.ErrMalformedOutput)
	}

	scenes := make(models.Scenes, 0, len(items))
	for i, it := range items {
		text := strings.TrimSpace(it.NarrativeText)
		if text == "" {
			return nil, fmt.Errorf("%w: scene %d has no narrative text", apperr.ErrMalformedOutput, i+1)
		}
		scenes = append(scenes, models.Scene{
			NarrativeText: text,
			ImagePrompt:   strings.TrimSpace(it.ImagePrompt),
		})
	}
	return scenes, nil
}

// StripCodeFence removes a surrounding ``` or ```json fence.
func StripCodeFence(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	if nl := strings.IndexByte(s, '\n'); nl >= 0 {
		// drop the language tag line
		s = s[nl+1:]
	} else {
		s = strings.TrimPrefix(s, "json")
	}
	s = strings.TrimSpace(s)
	s = strings.TrimSuffix(s, "```")
	return strings.TrimSpace(s)
}

// ---------------------------------------------------------------------------
// Narration synthesis
// ---------------------------------------------------------------------------

// SynthesizeNarration returns mono 24 kHz s16le PCM for text. stylePrompt is
// a delivery directive; voice falls back to the configured default.
func (g *Gateway) SynthesizeNarration(ctx context.Context, text, voice, stylePrompt string) ([]byte, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, apperr.Newf(apperr.KindInvalid, "narration text is required")
	}
	if voice == "" {
		voice = g.defaultVoice
	}

	if g.narrator != nil {
		return retry.Do(ctx, g.policy, "narration", func(ctx context.Context) ([]byte, error) {
			return g.narrator.SynthesizeNarration(ctx, text, voice, stylePrompt)
		})
	}

	prompt := text
	if s := strings.TrimSpace(stylePrompt); s != "" {
		prompt = s + "\n\n" + text
	}

	resp, err := g.generate(ctx, "narration", &ContentRequest{
		Model:      g.models.TTS,
		Parts:      []Part{TextPart(prompt)},
		Modalities: []string{"AUDIO"},
		Voice:      voice,
	})
	if err != nil {
		return nil, err
	}

	media, ok := resp.FirstMedia("audio/")
	if !ok {
		return nil, apperr.New(apperr.KindMedia, fmt.Errorf("%w: no audio in narration response (finish reason %q)", apperr.ErrNoMedia, resp.FinishReason))
	}
	if len(media.Data)%audio.BytesPerFrame != 0 {
		return nil, apperr.New(apperr.KindMedia, fmt.Errorf("narration payload: %w", audio.ErrOddLength))
	}

	g.log.Debug("Narration synthesized", "voice", voice, "bytes", len(media.Data), "duration", audio.Duration(media.Data).String())
	return media.Data, nil
}

// ---------------------------------------------------------------------------
// Image synthesis
// ---------------------------------------------------------------------------

const imageAspectRatio = "9:16"

// ReferenceInstruction is the prompt used when a style reference accompanies
// the request. It tells the model to keep the reference's look and subject.
func ReferenceInstruction(prompt string) string {
	return "Use this image as a style and character reference. " +
		"Adopt its visual style and keep its main subject in the new image. " +
		"Generate this scene: " + prompt
}

// GenerateImage renders a 9:16 still for prompt, styled after ref when given.
func (g *Gateway) GenerateImage(ctx context.Context, prompt string, ref *models.Image) (*models.Image, error) {
	prompt = strings.TrimSpace(prompt)
	if prompt == "" {
		return nil, apperr.Newf(apperr.KindInvalid, "image prompt is required")
	}

	parts := []Part{TextPart(prompt)}
	if ref != nil && len(ref.Data) > 0 {
		parts = []Part{InlinePart(ref.MIMEType, ref.Data), TextPart(ReferenceInstruction(prompt))}
	}

	resp, err := g.generate(ctx, "image", &ContentRequest{
		Model:       g.models.Image,
		Parts:       parts,
		Modalities:  []string{"IMAGE"},
		AspectRatio: imageAspectRatio,
	})
	if err != nil {
		return nil, err
	}

	media, ok := resp.FirstMedia("image/")
	if !ok {
		return nil, apperr.New(apperr.KindMedia, fmt.Errorf("%w: no image in response (finish reason %q)", apperr.ErrNoMedia, resp.FinishReason))
	}
	return &models.Image{MIMEType: media.MIMEType, Data: media.Data}, nil
}

// ---------------------------------------------------------------------------
// Subject check
// ---------------------------------------------------------------------------

const subjectPrompt = `Is a human or character figure the main subject of this image?
Answer with exactly one word: YES or NO.`

// CheckSubject reports whether img is dominated by a human or character
// figure. Any failure, including a missing credential, yields true so that
// reference chaining keeps going.
func (g *Gateway) CheckSubject(ctx context.Context, img *models.Image) bool {
	if img == nil || len(img.Data) == 0 {
		return true
	}

	resp, err := g.generate(ctx, "subject-check", &ContentRequest{
		Model: g.models.Vision,
		Parts: []Part{InlinePart(img.MIMEType, img.Data), TextPart(subjectPrompt)},
	})
	if err != nil {
		if !errors.Is(err, context.Canceled) {
			g.log.Warn("Subject check failed, assuming subject present", "error", err.Error())
		}
		return true
	}

	answer := strings.ToUpper(strings.TrimSpace(resp.Text))
	return !strings.HasPrefix(answer, "NO")
}
