package story

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/shared"
)

const DefaultOpenAIModel = "gpt-4-turbo"

// OpenAI writes screenplays with the chat completions API.
type OpenAI struct {
	client openai.Client
	model  string
	logger *slog.Logger
}

// NewOpenAI creates a generator. Extra options are passed to the client,
// for example option.WithBaseURL for a compatible endpoint.
func NewOpenAI(apiKey, model string, logger *slog.Logger, opts ...option.RequestOption) (*OpenAI, error) {
	if apiKey == "" {
		return nil, errors.New("openai: API key is required")
	}
	if model == "" {
		model = DefaultOpenAIModel
	}
	clientOpts := append([]option.RequestOption{option.WithAPIKey(apiKey)}, opts...)
	return &OpenAI{
		client: openai.NewClient(clientOpts...),
		model:  model,
		logger: logger,
	}, nil
}

func (o *OpenAI) Name() string { return "openai:" + o.model }

func (o *OpenAI) Generate(ctx context.Context, brief Brief) (*Script, error) {
	n, per := SceneCount(brief.DurationSeconds)
	prompt := BuildPrompt(brief, n, per)

	resp, err := o.client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(systemPrompt),
			openai.UserMessage(prompt),
		},
		Model:       o.model,
		Temperature: openai.Float(0.9),
		ResponseFormat: openai.ChatCompletionNewParamsResponseFormatUnion{
			OfJSONObject: &shared.ResponseFormatJSONObjectParam{Type: "json_object"},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("openai: generate: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, errors.New("openai: no choices returned")
	}

	script, err := parseScript(strings.TrimSpace(resp.Choices[0].Message.Content), per)
	if err != nil {
		return nil, fmt.Errorf("openai: %w", err)
	}
	finishScript(script, brief)
	o.logger.Info("screenplay generated", "provider", "openai", "model", o.model, "scenes", len(script.Scenes))
	return script, nil
}
