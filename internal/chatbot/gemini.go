package chatbot

import (
	"context"
	"fmt"

	"google.golang.org/genai"

	"github.com/camino-travel/switchboard/internal/config"
)

const defaultGeminiModel = "gemini-2.0-flash"

type geminiEngine struct {
	client    *genai.Client
	model     string
	maxTokens int32
}

func newGemini(cfg config.ChatbotConfig) (*geminiEngine, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("chatbot: gemini requires chatbot.api_key")
	}
	model := cfg.Model
	if model == "" {
		model = defaultGeminiModel
	}

	client, err := genai.NewClient(context.Background(), &genai.ClientConfig{
		APIKey:  cfg.APIKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("chatbot: gemini: %w", err)
	}

	return &geminiEngine{client: client, model: model, maxTokens: int32(cfg.MaxTokens)}, nil
}

func (e *geminiEngine) Reply(ctx context.Context, req Request) (Answer, error) {
	var contents []*genai.Content
	for _, t := range conversationTurns(req) {
		role := genai.RoleUser
		if t.role == "assistant" {
			role = genai.RoleModel
		}
		contents = append(contents, &genai.Content{
			Role:  role,
			Parts: []*genai.Part{{Text: t.text}},
		})
	}

	genCfg := &genai.GenerateContentConfig{
		SystemInstruction: &genai.Content{
			Parts: []*genai.Part{{Text: systemPrompt}},
		},
	}
	if e.maxTokens > 0 {
		genCfg.MaxOutputTokens = e.maxTokens
	}

	resp, err := e.client.Models.GenerateContent(ctx, e.model, contents, genCfg)
	if err != nil {
		return Answer{}, fmt.Errorf("chatbot: gemini: %w", err)
	}

	text := resp.Text()
	return Answer{Text: text, Confidence: estimateConfidence(text)}, nil
}
