package services

import "strings"

// Voice is a prebuilt narration voice of the speech model.
type Voice struct {
	ID          string `json:"id"`
	Description string `json:"description"`
	Gender      string `json:"gender"`
}

// NarrationStyle is a delivery directive prepended to the narrated text.
type NarrationStyle struct {
	ID     string `json:"id"`
	Label  string `json:"label"`
	Prompt string `json:"prompt"`
}

// VisualStyle is appended to every scene image prompt of a storyboard.
type VisualStyle struct {
	ID           string `json:"id"`
	Label        string `json:"label"`
	PromptSuffix string `json:"promptSuffix"`
}

var Voices = []Voice{
	{ID: "Fenrir", Description: "Deep, resonant", Gender: "male"},
	{ID: "Puck", Description: "Clear, playful", Gender: "male"},
	{ID: "Kore", Description: "Warm, soft", Gender: "female"},
	{ID: "Charon", Description: "Low, husky", Gender: "male"},
	{ID: "Zephyr", Description: "Balanced, modern", Gender: "female"},
}

var NarrationStyles = []NarrationStyle{
	{ID: "experienced", Label: "Experienced Narrator", Prompt: "Speak with a voice full of wisdom."},
	{ID: "bedtime", Label: "Bedtime Story", Prompt: "Use a soft, comforting tone."},
	{ID: "dramatic", Label: "Dramatic Trailer", Prompt: "Intense and urgent."},
	{ID: "news", Label: "Newscast", Prompt: "Professional and informative."},
}

var VisualStyles = []VisualStyle{
	{ID: "cinematic", Label: "Cinematic", PromptSuffix: "cinematic lighting, highly detailed, photorealistic, 9:16 aspect ratio."},
	{ID: "watercolor", Label: "Watercolor", PromptSuffix: "Soft watercolor painting style, artistic."},
}

// LookupVoice resolves a voice id case-insensitively.
func LookupVoice(id string) (Voice, bool) {
	for _, v := range Voices {
		if strings.EqualFold(v.ID, id) {
			return v, true
		}
	}
	return Voice{}, false
}

// ResolveNarrationStyle returns the prompt for a style id. Unknown ids are
// treated as a free-form directive; an empty id selects the first style.
func ResolveNarrationStyle(id string) string {
	if id == "" {
		return NarrationStyles[0].Prompt
	}
	for _, s := range NarrationStyles {
		if s.ID == id {
			return s.Prompt
		}
	}
	return id
}

func LookupVisualStyle(id string) (VisualStyle, bool) {
	for _, s := range VisualStyles {
		if s.ID == id {
			return s, true
		}
	}
	return VisualStyle{}, false
}
