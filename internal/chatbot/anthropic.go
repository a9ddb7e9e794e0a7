package chatbot

import (
	"context"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/camino-travel/switchboard/internal/config"
)

const defaultAnthropicModel = "claude-sonnet-4-20250514"

type anthropicEngine struct {
	client    anthropic.Client
	model     string
	maxTokens int64
}

func newAnthropic(cfg config.ChatbotConfig) (*anthropicEngine, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("chatbot: anthropic requires chatbot.api_key")
	}
	model := cfg.Model
	if model == "" {
		model = defaultAnthropicModel
	}
	maxTokens := int64(cfg.MaxTokens)
	if maxTokens <= 0 {
		maxTokens = 1024
	}

	opts := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}

	return &anthropicEngine{
		client:    anthropic.NewClient(opts...),
		model:     model,
		maxTokens: maxTokens,
	}, nil
}

func (e *anthropicEngine) Reply(ctx context.Context, req Request) (Answer, error) {
	var messages []anthropic.MessageParam
	for _, t := range conversationTurns(req) {
		block := anthropic.NewTextBlock(t.text)
		if t.role == "assistant" {
			messages = append(messages, anthropic.NewAssistantMessage(block))
		} else {
			messages = append(messages, anthropic.NewUserMessage(block))
		}
	}

	resp, err := e.client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     anthropic.Model(e.model),
		MaxTokens: e.maxTokens,
		System: []anthropic.TextBlockParam{
			{Type: "text", Text: systemPrompt},
		},
		Messages: messages,
	})
	if err != nil {
		return Answer{}, fmt.Errorf("chatbot: anthropic: %w", err)
	}

	var sb strings.Builder
	for _, block := range resp.Content {
		if block.Type == "text" {
			sb.WriteString(block.Text)
		}
	}
	text := sb.String()
	return Answer{Text: text, Confidence: estimateConfidence(text)}, nil
}
