package chatbot

import (
	"context"
	"fmt"

	openai "github.com/sashabaranov/go-openai"

	"github.com/camino-travel/switchboard/internal/config"
)

type openAIEngine struct {
	client    *openai.Client
	model     string
	maxTokens int
}

func newOpenAI(cfg config.ChatbotConfig) (*openAIEngine, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("chatbot: openai requires chatbot.api_key")
	}
	model := cfg.Model
	if model == "" {
		model = openai.GPT4oMini
	}

	var client *openai.Client
	if cfg.BaseURL != "" {
		clientCfg := openai.DefaultConfig(cfg.APIKey)
		clientCfg.BaseURL = cfg.BaseURL
		client = openai.NewClientWithConfig(clientCfg)
	} else {
		client = openai.NewClient(cfg.APIKey)
	}

	return &openAIEngine{client: client, model: model, maxTokens: cfg.MaxTokens}, nil
}

func (e *openAIEngine) Reply(ctx context.Context, req Request) (Answer, error) {
	messages := []openai.ChatCompletionMessage{
		{Role: openai.ChatMessageRoleSystem, Content: systemPrompt},
	}
	for _, t := range conversationTurns(req) {
		role := openai.ChatMessageRoleUser
		if t.role == "assistant" {
			role = openai.ChatMessageRoleAssistant
		}
		messages = append(messages, openai.ChatCompletionMessage{Role: role, Content: t.text})
	}

	resp, err := e.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:     e.model,
		Messages:  messages,
		MaxTokens: e.maxTokens,
	})
	if err != nil {
		return Answer{}, fmt.Errorf("chatbot: openai: %w", err)
	}
	if len(resp.Choices) == 0 {
		return Answer{}, fmt.Errorf("chatbot: openai returned no choices")
	}

	text := resp.Choices[0].Message.Content
	return Answer{Text: text, Confidence: estimateConfidence(text)}, nil
}
