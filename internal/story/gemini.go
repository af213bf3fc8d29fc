package story

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"google.golang.org/genai"
)

const DefaultGeminiModel = "gemini-2.5-flash"

// Gemini writes screenplays with the Gemini API.
type Gemini struct {
	client *genai.Client
	model  string
	logger *slog.Logger
}

func NewGemini(ctx context.Context, apiKey, model string, logger *slog.Logger) (*Gemini, error) {
	if apiKey == "" {
		return nil, errors.New("gemini: API key is required")
	}
	if model == "" {
		model = DefaultGeminiModel
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("gemini: create client: %w", err)
	}
	return &Gemini{client: client, model: model, logger: logger}, nil
}

func (g *Gemini) Name() string { return "gemini:" + g.model }

func (g *Gemini) Generate(ctx context.Context, brief Brief) (*Script, error) {
	n, per := SceneCount(brief.DurationSeconds)
	prompt := BuildPrompt(brief, n, per)

	result, err := g.client.Models.GenerateContent(ctx, g.model, genai.Text(prompt), &genai.GenerateContentConfig{
		SystemInstruction: genai.NewContentFromParts([]*genai.Part{genai.NewPartFromText(systemPrompt)}, genai.RoleUser),
		Temperature:       genai.Ptr[float32](0.9),
		ResponseMIMEType:  "application/json",
	})
	if err != nil {
		return nil, fmt.Errorf("gemini: generate: %w", err)
	}

	script, err := parseScript(result.Text(), per)
	if err != nil {
		return nil, fmt.Errorf("gemini: %w", err)
	}
	finishScript(script, brief)
	g.logger.Info("screenplay generated", "provider", "gemini", "model", g.model, "scenes", len(script.Scenes))
	return script, nil
}
