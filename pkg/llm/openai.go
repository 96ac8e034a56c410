package llm

import (
	"context"

	openai "github.com/sashabaranov/go-openai"

	"github.com/gobbyhq/gobby/pkg/errkind"
	"github.com/gobbyhq/gobby/pkg/logger"
)

var openaiLog = logger.New("llm:openai")

// OpenAIProvider implements Provider over the Chat Completions API.
type OpenAIProvider struct {
	client       *openai.Client
	defaultModel string
}

// NewOpenAI creates a provider with an API key and a default model id.
func NewOpenAI(apiKey, defaultModel string) (*OpenAIProvider, error) {
	if apiKey == "" {
		return nil, errkind.New(errkind.InvalidInput, "openai api key is required")
	}
	if defaultModel == "" {
		defaultModel = openai.GPT4oMini
	}
	return &OpenAIProvider{
		client:       openai.NewClient(apiKey),
		defaultModel: defaultModel,
	}, nil
}

// Name identifies the provider in config and logs.
func (p *OpenAIProvider) Name() string { return "openai" }

// Complete issues a non-streaming chat completion.
func (p *OpenAIProvider) Complete(ctx context.Context, req Request) (*Response, error) {
	model := req.Model
	if model == "" {
		model = p.defaultModel
	}
	messages := make([]openai.ChatCompletionMessage, 0, len(req.Messages)+1)
	if req.System != "" {
		messages = append(messages, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleSystem, Content: req.System})
	}
	for _, m := range req.Messages {
		role := openai.ChatMessageRoleUser
		if m.Role == "assistant" {
			role = openai.ChatMessageRoleAssistant
		}
		messages = append(messages, openai.ChatCompletionMessage{Role: role, Content: m.Content})
	}

	return complete(ctx, req, func(ctx context.Context) (*Response, error) {
		resp, err := p.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
			Model:     model,
			Messages:  messages,
			MaxTokens: req.maxTokens(),
		})
		if err != nil {
			return nil, errkind.Wrap(errkind.UpstreamUnavailable, err, "openai completion")
		}
		if len(resp.Choices) == 0 {
			return nil, errkind.New(errkind.UpstreamUnavailable, "openai returned no choices")
		}
		openaiLog.Printf("Completed with %s (in=%d out=%d)", resp.Model, resp.Usage.PromptTokens, resp.Usage.CompletionTokens)
		return &Response{
			Text:         resp.Choices[0].Message.Content,
			Model:        resp.Model,
			InputTokens:  int64(resp.Usage.PromptTokens),
			OutputTokens: int64(resp.Usage.CompletionTokens),
		}, nil
	})
}
