package llm

import (
	"context"
	"strings"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/gobbyhq/gobby/pkg/errkind"
	"github.com/gobbyhq/gobby/pkg/logger"
)

var anthropicLog = logger.New("llm:anthropic")

// AnthropicProvider implements Provider over the Claude Messages API.
type AnthropicProvider struct {
	client       sdk.Client
	defaultModel string
}

// NewAnthropic creates a provider with an API key and a default model id.
func NewAnthropic(apiKey, defaultModel string) (*AnthropicProvider, error) {
	if apiKey == "" {
		return nil, errkind.New(errkind.InvalidInput, "anthropic api key is required")
	}
	if defaultModel == "" {
		defaultModel = string(sdk.ModelClaudeSonnet4_5_20250929)
	}
	return &AnthropicProvider{
		client:       sdk.NewClient(option.WithAPIKey(apiKey)),
		defaultModel: defaultModel,
	}, nil
}

// Name identifies the provider in config and logs.
func (p *AnthropicProvider) Name() string { return "anthropic" }

// Complete issues a non-streaming Messages call.
func (p *AnthropicProvider) Complete(ctx context.Context, req Request) (*Response, error) {
	model := req.Model
	if model == "" {
		model = p.defaultModel
	}
	params := sdk.MessageNewParams{
		MaxTokens: int64(req.maxTokens()),
		Model:     sdk.Model(model),
	}
	if req.System != "" {
		params.System = []sdk.TextBlockParam{{Text: req.System}}
	}
	for _, m := range req.Messages {
		switch m.Role {
		case "assistant":
			params.Messages = append(params.Messages, sdk.NewAssistantMessage(sdk.NewTextBlock(m.Content)))
		default:
			params.Messages = append(params.Messages, sdk.NewUserMessage(sdk.NewTextBlock(m.Content)))
		}
	}

	return complete(ctx, req, func(ctx context.Context) (*Response, error) {
		msg, err := p.client.Messages.New(ctx, params)
		if err != nil {
			return nil, errkind.Wrap(errkind.UpstreamUnavailable, err, "anthropic completion")
		}
		var sb strings.Builder
		for _, block := range msg.Content {
			if block.Type == "text" {
				sb.WriteString(block.Text)
			}
		}
		anthropicLog.Printf("Completed with %s (in=%d out=%d)", msg.Model, msg.Usage.InputTokens, msg.Usage.OutputTokens)
		return &Response{
			Text:         sb.String(),
			Model:        string(msg.Model),
			InputTokens:  msg.Usage.InputTokens,
			OutputTokens: msg.Usage.OutputTokens,
		}, nil
	})
}
