package llm

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"google.golang.org/genai"
)

// GeminiClient calls the Gemini API through the genai SDK.
type GeminiClient struct {
	client *genai.Client
	model  string
	log    *slog.Logger
}

// NewGeminiClient creates a Gemini client for the given model.
func NewGeminiClient(ctx context.Context, apiKey, model string, logger *slog.Logger) (*GeminiClient, error) {
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("create gemini client: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &GeminiClient{
		client: client,
		model:  model,
		log:    logger.With("provider", "gemini"),
	}, nil
}

// Name returns the provider identifier.
func (g *GeminiClient) Name() string { return "gemini" }

// Chat sends one GenerateContent request.
func (g *GeminiClient) Chat(ctx context.Context, req Request) (*Response, error) {
	model := g.model
	if req.Model != "" {
		model = req.Model
	}

	contents, system := geminiContents(req.Messages)
	tools, err := geminiTools(req.Tools)
	if err != nil {
		return nil, err
	}

	resp, err := g.client.Models.GenerateContent(ctx, model, contents, &genai.GenerateContentConfig{
		SystemInstruction: system,
		Tools:             tools,
	})
	if err != nil {
		return nil, transportError("gemini generate", err)
	}

	out := &Response{Content: strings.TrimSpace(resp.Text())}
	for _, fc := range resp.FunctionCalls() {
		args, err := json.MarshalToString(fc.Args)
		if err != nil {
			args = "{}"
		}
		out.ToolCalls = append(out.ToolCalls, ToolCall{ID: fc.ID, Name: fc.Name, Arguments: args})
	}
	if out.Content == "" && len(out.ToolCalls) == 0 {
		return nil, ErrEmptyResponse
	}

	g.log.Debug("Model response", "model", model, "tool_calls", len(out.ToolCalls), "content_len", len(out.Content))
	return out, nil
}

// Retrieve grounds a tool-free request on Google Search.
func (g *GeminiClient) Retrieve(ctx context.Context, req Request) (*Response, error) {
	model := g.model
	if req.Model != "" {
		model = req.Model
	}

	contents, system := geminiContents(req.Messages)
	resp, err := g.client.Models.GenerateContent(ctx, model, contents, &genai.GenerateContentConfig{
		SystemInstruction: system,
		Tools:             []*genai.Tool{{GoogleSearch: &genai.GoogleSearch{}}},
	})
	if err != nil {
		return nil, transportError("gemini grounded generate", err)
	}
	content := strings.TrimSpace(resp.Text())
	if content == "" {
		return nil, ErrEmptyResponse
	}

	g.log.Debug("Retrieval response", "model", model, "content_len", len(content))
	return &Response{Content: content}, nil
}

// geminiContents maps the leading system message to the system instruction.
// Later system turns carry tool results and are sent as user turns, since
// Gemini only accepts user and model roles in contents.
func geminiContents(messages []Message) ([]*genai.Content, *genai.Content) {
	var contents []*genai.Content
	var system *genai.Content

	for i, m := range messages {
		if m.Content == "" {
			continue
		}
		if m.Role == RoleSystem && i == 0 {
			system = &genai.Content{Parts: []*genai.Part{{Text: m.Content}}}
			continue
		}
		role := "user"
		if m.Role == RoleAssistant {
			role = "model"
		}
		contents = append(contents, &genai.Content{
			Role:  role,
			Parts: []*genai.Part{{Text: m.Content}},
		})
	}
	return contents, system
}

func geminiTools(tools []Tool) ([]*genai.Tool, error) {
	if len(tools) == 0 {
		return nil, nil
	}
	decls := make([]*genai.FunctionDeclaration, 0, len(tools))
	for _, t := range tools {
		fd := &genai.FunctionDeclaration{Name: t.Name, Description: t.Description}
		if hasProperties(t.Parameters) {
			raw, err := json.Marshal(t.Parameters)
			if err != nil {
				return nil, fmt.Errorf("encode %s schema: %w", t.Name, err)
			}
			var schema genai.Schema
			if err := json.Unmarshal(raw, &schema); err != nil {
				return nil, fmt.Errorf("decode %s schema: %w", t.Name, err)
			}
			fd.Parameters = &schema
		}
		decls = append(decls, fd)
	}
	return []*genai.Tool{{FunctionDeclarations: decls}}, nil
}

// hasProperties reports whether an object schema declares any property.
// Gemini rejects OBJECT parameters with an empty property map.
func hasProperties(schema map[string]any) bool {
	if schema == nil {
		return false
	}
	props, ok := schema["properties"].(map[string]any)
	if !ok {
		return true
	}
	return len(props) > 0
}
