package services

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/bobarin/storyvoice/internal/apperr"
	"github.com/bobarin/storyvoice/internal/credentials"
	"github.com/bobarin/storyvoice/internal/logger"
	"github.com/bobarin/storyvoice/internal/models"
	"github.com/bobarin/storyvoice/internal/retry"
	"google.golang.org/genai"
)

type call struct {
	credential string
	req        *ContentRequest
}

// fakeGenerator replays scripted responses and records every call.
type fakeGenerator struct {
	mu        sync.Mutex
	calls     []call
	responses []func() (*ContentResponse, error)
}

func (f *fakeGenerator) GenerateContent(_ context.Context, credential string, req *ContentRequest) (*ContentResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call{credential: credential, req: req})
	if len(f.responses) == 0 {
		return nil, errors.New("no scripted response")
	}
	next := f.responses[0]
	if len(f.responses) > 1 {
		f.responses = f.responses[1:]
	}
	return next()
}

func respond(resp *ContentResponse) func() (*ContentResponse, error) {
	return func() (*ContentResponse, error) { return resp, nil }
}

func fail(err error) func() (*ContentResponse, error) {
	return func() (*ContentResponse, error) { return nil, err }
}

func newTestGateway(gen ContentGenerator, pool *credentials.Pool, fallback string) *Gateway {
	policy := retry.DefaultPolicy()
	policy.Sleep = func(context.Context, time.Duration) error { return nil }
	return NewGateway(gen, pool, GatewayConfig{
		Models:      Models{Text: "text", Image: "image", TTS: "tts", Vision: "vision"},
		FallbackKey: fallback,
		Policy:      policy,
	}, logger.Nop())
}

func TestStripCodeFence(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{`[{"a":1}]`, `[{"a":1}]`},
		{"```json\n[1,2]\n```", "[1,2]"},
		{"```\n[1]\n```", "[1]"},
		{"  ```json[3]```  ", "[3]"},
	}
	for _, tt := range tests {
		if got := StripCodeFence(tt.in); got != tt.want {
			t.Errorf("StripCodeFence(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestSegmentScenesTwoSentences(t *testing.T) {
	gen := &fakeGenerator{responses: []func() (*ContentResponse, error){
		respond(&ContentResponse{Text: "```json\n" +
			`[{"narrativeText":"The sun rose.","imagePrompt":"sunrise"},` +
			`{"narrativeText":"The city woke.","imagePrompt":"city"}]` + "\n```"}),
	}}
	g := newTestGateway(gen, credentials.NewPool("AIza-one"), "")

	scenes, err := g.SegmentScenes(context.Background(), "The sun rose. The city woke.", "watercolor")
	if err != nil {
		t.Fatalf("SegmentScenes: %v", err)
	}
	if len(scenes) != 2 {
		t.Fatalf("expected 2 scenes, got %d", len(scenes))
	}
	if scenes[0].NarrativeText != "The sun rose." || scenes[1].NarrativeText != "The city woke." {
		t.Errorf("scenes out of order: %+v", scenes)
	}
	if !strings.HasSuffix(scenes[0].ImagePrompt, "Soft watercolor painting style, artistic.") {
		t.Errorf("expected visual style suffix, got %q", scenes[0].ImagePrompt)
	}
	if gen.calls[0].req.ResponseSchema == nil || gen.calls[0].req.ResponseSchema.Type != genai.TypeArray {
		t.Error("expected array response schema")
	}
}

func TestSegmentScenesParseFailureIsTerminal(t *testing.T) {
	gen := &fakeGenerator{responses: []func() (*ContentResponse, error){
		respond(&ContentResponse{Text: "Sure! Here are your scenes."}),
	}}
	g := newTestGateway(gen, credentials.NewPool("AIza-one"), "")

	_, err := g.SegmentScenes(context.Background(), "One. Two.", "")
	if !errors.Is(err, apperr.ErrMalformedOutput) {
		t.Fatalf("expected ErrMalformedOutput, got %v", err)
	}
	if apperr.KindOf(err) != apperr.KindTerminal {
		t.Errorf("expected terminal kind, got %s", apperr.KindOf(err))
	}
	if len(gen.calls) != 1 {
		t.Errorf("expected a single attempt, got %d", len(gen.calls))
	}
}

func TestRetryRotatesCredentials(t *testing.T) {
	quota := genai.APIError{Code: 429, Status: "RESOURCE_EXHAUSTED"}
	gen := &fakeGenerator{responses: []func() (*ContentResponse, error){
		fail(quota),
		fail(quota),
		respond(&ContentResponse{Text: "Day 1. It begins."}),
	}}
	g := newTestGateway(gen, credentials.NewPool("key-a", "key-b"), "")

	script, err := g.GenerateScript(context.Background(), "never sleeping")
	if err != nil {
		t.Fatalf("GenerateScript: %v", err)
	}
	if script != "Day 1. It begins." {
		t.Errorf("unexpected script %q", script)
	}

	want := []string{"key-a", "key-b", "key-a"}
	if len(gen.calls) != len(want) {
		t.Fatalf("expected %d calls, got %d", len(want), len(gen.calls))
	}
	for i, w := range want {
		if gen.calls[i].credential != w {
			t.Errorf("call %d used %s, want %s", i, gen.calls[i].credential, w)
		}
	}
}

func TestNoCredentialIsConfigurationError(t *testing.T) {
	gen := &fakeGenerator{}
	g := newTestGateway(gen, credentials.NewPool(), "")

	_, err := g.GenerateImage(context.Background(), "a lighthouse", nil)
	if apperr.KindOf(err) != apperr.KindConfiguration {
		t.Fatalf("expected configuration error, got %v", err)
	}
	if len(gen.calls) != 0 {
		t.Errorf("expected no outbound calls, got %d", len(gen.calls))
	}
}

func TestFallbackCredential(t *testing.T) {
	gen := &fakeGenerator{responses: []func() (*ContentResponse, error){
		respond(&ContentResponse{Media: []InlineMedia{{MIMEType: "image/png", Data: []byte{1}}}}),
	}}
	g := newTestGateway(gen, credentials.NewPool(), "env-key")

	if _, err := g.GenerateImage(context.Background(), "a lighthouse", nil); err != nil {
		t.Fatalf("GenerateImage: %v", err)
	}
	if gen.calls[0].credential != "env-key" {
		t.Errorf("expected env-key, got %s", gen.calls[0].credential)
	}
}

func TestGenerateImageWithReference(t *testing.T) {
	gen := &fakeGenerator{responses: []func() (*ContentResponse, error){
		respond(&ContentResponse{Media: []InlineMedia{{MIMEType: "image/png", Data: []byte{9, 9}}}}),
	}}
	g := newTestGateway(gen, credentials.NewPool("k"), "")
	ref := &models.Image{MIMEType: "image/jpeg", Data: []byte{7}}

	img, err := g.GenerateImage(context.Background(), "a fox in snow", ref)
	if err != nil {
		t.Fatalf("GenerateImage: %v", err)
	}
	if img.MIMEType != "image/png" || len(img.Data) != 2 {
		t.Errorf("unexpected image %+v", img)
	}

	req := gen.calls[0].req
	if req.AspectRatio != "9:16" {
		t.Errorf("expected 9:16, got %q", req.AspectRatio)
	}
	if len(req.Parts) != 2 || req.Parts[0].MIMEType != "image/jpeg" {
		t.Fatalf("expected reference image first, got %+v", req.Parts)
	}
	instr := req.Parts[1].Text
	if !strings.Contains(instr, "style") || !strings.Contains(instr, "subject") || !strings.Contains(instr, "a fox in snow") {
		t.Errorf("reference instruction missing directives: %q", instr)
	}
}

func TestGenerateImageMissingMedia(t *testing.T) {
	gen := &fakeGenerator{responses: []func() (*ContentResponse, error){
		respond(&ContentResponse{Text: "I cannot draw that.", FinishReason: "IMAGE_SAFETY"}),
	}}
	g := newTestGateway(gen, credentials.NewPool("k"), "")

	_, err := g.GenerateImage(context.Background(), "x", nil)
	if apperr.KindOf(err) != apperr.KindMedia || !errors.Is(err, apperr.ErrNoMedia) {
		t.Errorf("expected media error, got %v", err)
	}
	if len(gen.calls) != 1 {
		t.Errorf("expected no retry, got %d calls", len(gen.calls))
	}
}

func TestSynthesizeNarration(t *testing.T) {
	pcm := []byte{1, 0, 2, 0}
	gen := &fakeGenerator{responses: []func() (*ContentResponse, error){
		respond(&ContentResponse{Media: []InlineMedia{{MIMEType: "audio/L16;codec=pcm;rate=24000", Data: pcm}}}),
	}}
	g := newTestGateway(gen, credentials.NewPool("k"), "")

	got, err := g.SynthesizeNarration(context.Background(), "Day one.", "", "Intense and urgent.")
	if err != nil {
		t.Fatalf("SynthesizeNarration: %v", err)
	}
	if string(got) != string(pcm) {
		t.Errorf("unexpected pcm %v", got)
	}

	req := gen.calls[0].req
	if req.Voice != "Fenrir" {
		t.Errorf("expected default voice Fenrir, got %q", req.Voice)
	}
	if req.Parts[0].Text != "Intense and urgent.\n\nDay one." {
		t.Errorf("unexpected prompt %q", req.Parts[0].Text)
	}
	if len(req.Modalities) != 1 || req.Modalities[0] != "AUDIO" {
		t.Errorf("expected AUDIO modality, got %v", req.Modalities)
	}
}

func TestSynthesizeNarrationMissingAudio(t *testing.T) {
	gen := &fakeGenerator{responses: []func() (*ContentResponse, error){
		respond(&ContentResponse{}),
	}}
	g := newTestGateway(gen, credentials.NewPool("k"), "")

	_, err := g.SynthesizeNarration(context.Background(), "hello", "Kore", "")
	if apperr.KindOf(err) != apperr.KindMedia {
		t.Errorf("expected media error, got %v", err)
	}
}

type stubNarrator struct{ voice string }

func (s *stubNarrator) SynthesizeNarration(_ context.Context, _, voice, _ string) ([]byte, error) {
	s.voice = voice
	return []byte{0, 0}, nil
}

func TestSynthesizeNarrationProviderOverride(t *testing.T) {
	gen := &fakeGenerator{}
	narrator := &stubNarrator{}
	policy := retry.DefaultPolicy()
	g := NewGateway(gen, credentials.NewPool(), GatewayConfig{Policy: policy, Narrator: narrator, DefaultVoice: "Kore"}, logger.Nop())

	if _, err := g.SynthesizeNarration(context.Background(), "hi", "", ""); err != nil {
		t.Fatalf("SynthesizeNarration: %v", err)
	}
	if narrator.voice != "Kore" {
		t.Errorf("expected default voice passed through, got %q", narrator.voice)
	}
	if len(gen.calls) != 0 {
		t.Error("expected Gemini to be bypassed")
	}
}

func TestCheckSubject(t *testing.T) {
	img := &models.Image{MIMEType: "image/png", Data: []byte{1}}

	tests := []struct {
		name string
		gen  *fakeGenerator
		pool *credentials.Pool
		want bool
	}{
		{"yes", &fakeGenerator{responses: []func() (*ContentResponse, error){respond(&ContentResponse{Text: "YES"})}}, credentials.NewPool("k"), true},
		{"no", &fakeGenerator{responses: []func() (*ContentResponse, error){respond(&ContentResponse{Text: " no.\n"})}}, credentials.NewPool("k"), false},
		{"failure", &fakeGenerator{responses: []func() (*ContentResponse, error){fail(errors.New("bad request"))}}, credentials.NewPool("k"), true},
		{"no credential", &fakeGenerator{}, credentials.NewPool(), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g := newTestGateway(tt.gen, tt.pool, "")
			if got := g.CheckSubject(context.Background(), img); got != tt.want {
				t.Errorf("CheckSubject = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestGenerateScriptRejectsEmptyTopic(t *testing.T) {
	g := newTestGateway(&fakeGenerator{}, credentials.NewPool("k"), "")
	if _, err := g.GenerateScript(context.Background(), "  "); apperr.KindOf(err) != apperr.KindInvalid {
		t.Errorf("expected invalid error, got %v", err)
	}
}
