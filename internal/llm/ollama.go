package llm

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/ollama/ollama/api"
)

// OllamaClient calls a local or remote Ollama server.
type OllamaClient struct {
	client *api.Client
	model  string
	log    *slog.Logger
}

// NewOllamaClient creates an Ollama client. An empty baseURL falls back to
// OLLAMA_HOST from the environment.
func NewOllamaClient(model, baseURL string, logger *slog.Logger) (*OllamaClient, error) {
	var client *api.Client
	if baseURL != "" {
		u, err := url.Parse(baseURL)
		if err != nil {
			return nil, fmt.Errorf("invalid ollama base URL: %w", err)
		}
		client = api.NewClient(u, http.DefaultClient)
	} else {
		var err error
		client, err = api.ClientFromEnvironment()
		if err != nil {
			return nil, fmt.Errorf("ollama client from environment: %w", err)
		}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &OllamaClient{
		client: client,
		model:  model,
		log:    logger.With("provider", "ollama"),
	}, nil
}

// Name returns the provider identifier.
func (o *OllamaClient) Name() string { return "ollama" }

// Chat sends one non-streaming chat request.
func (o *OllamaClient) Chat(ctx context.Context, req Request) (*Response, error) {
	model := o.model
	if req.Model != "" {
		model = req.Model
	}

	tools, err := ollamaTools(req.Tools)
	if err != nil {
		return nil, err
	}

	stream := false
	chatReq := &api.ChatRequest{
		Model:    model,
		Messages: ollamaMessages(req.Messages),
		Tools:    tools,
		Stream:   &stream,
	}

	out := &Response{}
	var content strings.Builder
	err = o.client.Chat(ctx, chatReq, func(resp api.ChatResponse) error {
		content.WriteString(resp.Message.Content)
		for _, tc := range resp.Message.ToolCalls {
			args, err := json.MarshalToString(tc.Function.Arguments)
			if err != nil {
				args = "{}"
			}
			out.ToolCalls = append(out.ToolCalls, ToolCall{ID: tc.ID, Name: tc.Function.Name, Arguments: args})
		}
		return nil
	})
	if err != nil {
		return nil, transportError("ollama chat", err)
	}

	out.Content = strings.TrimSpace(content.String())
	if out.Content == "" && len(out.ToolCalls) == 0 {
		return nil, ErrEmptyResponse
	}

	o.log.Debug("Model response", "model", model, "tool_calls", len(out.ToolCalls), "content_len", len(out.Content))
	return out, nil
}

func ollamaMessages(messages []Message) []api.Message {
	out := make([]api.Message, 0, len(messages))
	for _, m := range messages {
		out = append(out, api.Message{Role: string(m.Role), Content: m.Content})
	}
	return out
}

// ollamaTools converts through JSON so the SDK's own schema types handle
// the parameter object.
func ollamaTools(tools []Tool) ([]api.Tool, error) {
	if len(tools) == 0 {
		return nil, nil
	}
	wire := make([]map[string]any, 0, len(tools))
	for _, t := range tools {
		wire = append(wire, map[string]any{
			"type": "function",
			"function": map[string]any{
				"name":        t.Name,
				"description": t.Description,
				"parameters":  t.Parameters,
			},
		})
	}
	raw, err := json.Marshal(wire)
	if err != nil {
		return nil, fmt.Errorf("encode ollama tools: %w", err)
	}
	var out []api.Tool
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("decode ollama tools: %w", err)
	}
	return out, nil
}
