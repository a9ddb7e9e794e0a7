package chatbot

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"
	"github.com/aws/smithy-go"

	"github.com/camino-travel/switchboard/internal/config"
	"github.com/camino-travel/switchboard/internal/retry"
)

const defaultBedrockModel = "anthropic.claude-3-sonnet-20240229-v1:0"

type bedrockEngine struct {
	client    *bedrockruntime.Client
	model     string
	maxTokens int32
}

func newBedrock(cfg config.ChatbotConfig) (*bedrockEngine, error) {
	region := cfg.Region
	if region == "" {
		region = "us-east-1"
	}
	model := cfg.Model
	if model == "" {
		model = defaultBedrockModel
	}
	maxTokens := int32(cfg.MaxTokens)
	if maxTokens <= 0 {
		maxTokens = 1024
	}

	opts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(region)}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(context.Background(), opts...)
	if err != nil {
		return nil, fmt.Errorf("chatbot: bedrock aws config: %w", err)
	}

	return &bedrockEngine{
		client:    bedrockruntime.NewFromConfig(awsCfg),
		model:     model,
		maxTokens: maxTokens,
	}, nil
}

func (e *bedrockEngine) Reply(ctx context.Context, req Request) (Answer, error) {
	var messages []types.Message
	for _, t := range conversationTurns(req) {
		role := types.ConversationRoleUser
		if t.role == "assistant" {
			role = types.ConversationRoleAssistant
		}
		messages = append(messages, types.Message{
			Role:    role,
			Content: []types.ContentBlock{&types.ContentBlockMemberText{Value: t.text}},
		})
	}

	input := &bedrockruntime.ConverseInput{
		ModelId:  aws.String(e.model),
		Messages: messages,
		System: []types.SystemContentBlock{
			&types.SystemContentBlockMemberText{Value: systemPrompt},
		},
		InferenceConfig: &types.InferenceConfiguration{
			MaxTokens: aws.Int32(e.maxTokens),
		},
	}

	var out *bedrockruntime.ConverseOutput
	result := retry.Do(ctx, retry.Exponential(3, time.Second, 8*time.Second), func() error {
		var converseErr error
		out, converseErr = e.client.Converse(ctx, input)
		if converseErr != nil && !bedrockRetryable(converseErr) {
			return retry.Permanent(converseErr)
		}
		return converseErr
	})
	if result.Err != nil {
		return Answer{}, fmt.Errorf("chatbot: bedrock: %w", result.Err)
	}

	text := converseText(out)
	return Answer{Text: text, Confidence: estimateConfidence(text)}, nil
}

// bedrockRetryable treats throttling and transient service faults as
// retryable. Validation and access errors fail immediately.
func bedrockRetryable(err error) bool {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "ThrottlingException", "ServiceUnavailableException",
			"ModelTimeoutException", "InternalServerException":
			return true
		}
		return false
	}
	// Transport-level failures without an API code are worth a retry.
	return true
}

func converseText(out *bedrockruntime.ConverseOutput) string {
	msg, ok := out.Output.(*types.ConverseOutputMemberMessage)
	if !ok {
		return ""
	}
	var sb strings.Builder
	for _, block := range msg.Value.Content {
		if tb, ok := block.(*types.ContentBlockMemberText); ok {
			sb.WriteString(tb.Value)
		}
	}
	return sb.String()
}
