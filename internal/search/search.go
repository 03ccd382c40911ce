// Package search provides the web search backends behind the web_search tool.
package search

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/ashureev/sam-relay/internal/llm"
)

// NoResults is the tool result text when a search fails or finds nothing.
const NoResults = "No results found."

// ErrNoResults is returned when a backend answers with nothing usable.
var ErrNoResults = errors.New("no search results")

// Searcher runs a web search and returns a short plain-text summary.
type Searcher interface {
	Search(ctx context.Context, query string) (string, error)
}

const retrievalPrompt = "Perform a focused web retrieval and return a short factual summary. Include dates when relevant."

// ModelSearcher delegates retrieval to a search-capable model on the same
// provider, without tools. Providers that implement llm.Retriever are
// called on their retrieval endpoint; others get a plain chat request.
type ModelSearcher struct {
	provider llm.Provider
	model    string
}

// NewModelSearcher creates a searcher that calls model on provider.
func NewModelSearcher(provider llm.Provider, model string) *ModelSearcher {
	return &ModelSearcher{provider: provider, model: model}
}

// Search asks the retrieval model to summarize the query.
func (s *ModelSearcher) Search(ctx context.Context, query string) (string, error) {
	req := llm.Request{
		Model: s.model,
		Messages: []llm.Message{
			{Role: llm.RoleSystem, Content: retrievalPrompt},
			{Role: llm.RoleUser, Content: query},
		},
	}

	var resp *llm.Response
	var err error
	if r, ok := s.provider.(llm.Retriever); ok {
		resp, err = r.Retrieve(ctx, req)
	} else {
		resp, err = s.provider.Chat(ctx, req)
	}
	if err != nil {
		return "", fmt.Errorf("model search: %w", err)
	}
	text := strings.TrimSpace(resp.Content)
	if text == "" {
		return "", ErrNoResults
	}
	return text, nil
}

// Config selects a search backend.
type Config struct {
	Backend    string
	Model      string
	SearXNGURL string
}

// New creates the searcher named by cfg.Backend.
func New(cfg Config, provider llm.Provider) (Searcher, error) {
	switch cfg.Backend {
	case "", "model":
		return NewModelSearcher(provider, cfg.Model), nil
	case "searxng":
		if cfg.SearXNGURL == "" {
			return nil, errors.New("SEARXNG_URL is required for the searxng backend")
		}
		return NewSearXNG(cfg.SearXNGURL), nil
	default:
		return nil, fmt.Errorf("unknown search backend %q", cfg.Backend)
	}
}
