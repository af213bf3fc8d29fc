package story

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
)

// Providers accepted by New.
const (
	ProviderGemini = "gemini"
	ProviderOpenAI = "openai"
)

// Keys holds the API keys of the supported providers.
type Keys struct {
	Gemini string
	OpenAI string
}

// New creates the generator for provider. model may be empty for the
// provider default.
func New(ctx context.Context, provider, model string, keys Keys, logger *slog.Logger) (Generator, error) {
	switch strings.ToLower(strings.TrimSpace(provider)) {
	case "", ProviderGemini:
		return NewGemini(ctx, keys.Gemini, model, logger)
	case ProviderOpenAI:
		return NewOpenAI(keys.OpenAI, model, logger)
	default:
		return nil, fmt.Errorf("unknown screenplay provider %q", provider)
	}
}

func finishScript(s *Script, brief Brief) {
	s.Style = brief.Style
	s.Language = brief.Language
	if s.Language == "" {
		s.Language = "en"
	}
	if strings.TrimSpace(s.Title) == "" {
		s.Title = brief.Idea
		if r := []rune(s.Title); len(r) > 60 {
			s.Title = string(r[:60])
		}
	}
}
