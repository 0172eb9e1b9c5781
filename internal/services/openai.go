package services

import (
	"context"
	"fmt"
	"strings"

	"github.com/bobarin/storyvoice/internal/apperr"
	"github.com/bobarin/storyvoice/internal/logger"
	openai "github.com/sashabaranov/go-openai"
)

const defaultOpenAIModel = "gpt-5-mini"

// OpenAIScriptWriter writes scripts with an OpenAI chat model. It is used
// instead of Gemini when SCRIPT_PROVIDER=openai.
type OpenAIScriptWriter struct {
	client *openai.Client
	model  string
	log    *logger.Logger
}

var _ ScriptWriter = (*OpenAIScriptWriter)(nil)

func NewOpenAIScriptWriter(apiKey, model string, log *logger.Logger) *OpenAIScriptWriter {
	return newOpenAIScriptWriter(openai.DefaultConfig(apiKey), model, log)
}

func newOpenAIScriptWriter(cfg openai.ClientConfig, model string, log *logger.Logger) *OpenAIScriptWriter {
	if model == "" {
		model = defaultOpenAIModel
	}
	return &OpenAIScriptWriter{
		client: openai.NewClientWithConfig(cfg),
		model:  model,
		log:    log.With("service", "OpenAI"),
	}
}

func (s *OpenAIScriptWriter) GenerateScript(ctx context.Context, topic string) (string, error) {
	resp, err := s.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: s.model,
		Messages: []openai.ChatCompletionMessage{
			{
				Role:    openai.ChatMessageRoleSystem,
				Content: scriptSystemPrompt,
			},
			{
				Role:    openai.ChatMessageRoleUser,
				Content: fmt.Sprintf("Write a dramatic \"What would happen if...\" script about: %s", topic),
			},
		},
		Temperature: 1.0,
	})
	if err != nil {
		return "", fmt.Errorf("openai request failed: %w", err)
	}

	if len(resp.Choices) == 0 {
		return "", apperr.New(apperr.KindTerminal, fmt.Errorf("%w: no choices from openai", apperr.ErrMalformedOutput))
	}

	script := strings.TrimSpace(resp.Choices[0].Message.Content)
	if script == "" {
		return "", apperr.New(apperr.KindTerminal, fmt.Errorf("%w: empty script from openai (finish reason %q)", apperr.ErrMalformedOutput, resp.Choices[0].FinishReason))
	}

	s.log.Info("Script generated", "model", s.model, "chars", len(script), "total_tokens", resp.Usage.TotalTokens)
	return script, nil
}
