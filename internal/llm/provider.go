package llm

import (
	"context"
	"fmt"
	"log/slog"
)

// Config selects and configures a provider.
type Config struct {
	Provider string
	Model    string
	APIKey   string
	BaseURL  string
}

// New creates the provider named by cfg.Provider.
func New(ctx context.Context, cfg Config, logger *slog.Logger) (Provider, error) {
	switch cfg.Provider {
	case "", "openai":
		return NewOpenAIClient(cfg.APIKey, cfg.Model, cfg.BaseURL, logger), nil
	case "gemini":
		return NewGeminiClient(ctx, cfg.APIKey, cfg.Model, logger)
	case "ollama":
		return NewOllamaClient(cfg.Model, cfg.BaseURL, logger)
	default:
		return nil, fmt.Errorf("unknown LLM provider %q", cfg.Provider)
	}
}
