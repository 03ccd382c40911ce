package llm

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/ashureev/sam-relay/internal/domain"
)

var sampleTools = []Tool{{
	Name:        "web_search",
	Description: "Search the web",
	Parameters: map[string]any{
		"type": "object",
		"properties": map[string]any{
			"query": map[string]any{"type": "string"},
		},
		"required": []string{"query"},
	},
}}

func TestDecodeArguments(t *testing.T) {
	var args struct {
		Query string `json:"query"`
	}
	if err := DecodeArguments(`{"query":"weather"}`, &args); err != nil {
		t.Fatalf("DecodeArguments failed: %v", err)
	}
	if args.Query != "weather" {
		t.Fatalf("query = %q", args.Query)
	}
	if err := DecodeArguments("", &args); err == nil {
		t.Fatal("expected error for empty arguments")
	}
	if err := DecodeArguments("{not json", &args); err == nil {
		t.Fatal("expected error for malformed arguments")
	}
}

func TestGeminiContentsSystemHandling(t *testing.T) {
	contents, system := geminiContents([]Message{
		{Role: RoleSystem, Content: "rules"},
		{Role: RoleUser, Content: "hi"},
		{Role: RoleAssistant, Content: `{"action":"web_search","query":"x"}`},
		{Role: RoleSystem, Content: "Search result: y"},
		{Role: RoleUser, Content: ""},
	})

	if system == nil || system.Parts[0].Text != "rules" {
		t.Fatalf("expected leading system prompt as instruction, got %+v", system)
	}
	if len(contents) != 3 {
		t.Fatalf("expected 3 contents, got %d", len(contents))
	}
	wantRoles := []string{"user", "model", "user"}
	for i, c := range contents {
		if c.Role != wantRoles[i] {
			t.Errorf("content %d role = %s, want %s", i, c.Role, wantRoles[i])
		}
	}
	if contents[2].Parts[0].Text != "Search result: y" {
		t.Fatalf("tool result text lost: %+v", contents[2].Parts[0])
	}
}

func TestGeminiToolsSchema(t *testing.T) {
	tools, err := geminiTools(sampleTools)
	if err != nil {
		t.Fatalf("geminiTools failed: %v", err)
	}
	if len(tools) != 1 || len(tools[0].FunctionDeclarations) != 1 {
		t.Fatalf("unexpected tools: %+v", tools)
	}
	fd := tools[0].FunctionDeclarations[0]
	if fd.Parameters == nil || fd.Parameters.Properties["query"] == nil {
		t.Fatalf("schema not converted: %+v", fd.Parameters)
	}
	if len(fd.Parameters.Required) != 1 || fd.Parameters.Required[0] != "query" {
		t.Fatalf("required = %v", fd.Parameters.Required)
	}

	noArgs := []Tool{{
		Name:        "get_time",
		Description: "Return the current UTC time",
		Parameters:  map[string]any{"type": "object", "properties": map[string]any{}},
	}}
	tools, err = geminiTools(noArgs)
	if err != nil {
		t.Fatalf("geminiTools failed: %v", err)
	}
	if fd := tools[0].FunctionDeclarations[0]; fd.Parameters != nil {
		t.Fatalf("empty object schema should be omitted, got %+v", fd.Parameters)
	}

	if none, err := geminiTools(nil); err != nil || none != nil {
		t.Fatalf("geminiTools(nil) = %v, %v", none, err)
	}
}

func TestOllamaToolsConversion(t *testing.T) {
	tools, err := ollamaTools(sampleTools)
	if err != nil {
		t.Fatalf("ollamaTools failed: %v", err)
	}
	if len(tools) != 1 || tools[0].Type != "function" || tools[0].Function.Name != "web_search" {
		t.Fatalf("unexpected tools: %+v", tools)
	}
}

func TestOllamaMessagesKeepRoles(t *testing.T) {
	msgs := ollamaMessages([]Message{
		{Role: RoleSystem, Content: "rules"},
		{Role: RoleUser, Content: "hi"},
	})
	if len(msgs) != 2 || msgs[0].Role != "system" || msgs[1].Content != "hi" {
		t.Fatalf("unexpected messages: %+v", msgs)
	}
}

func TestOpenAIConversion(t *testing.T) {
	items := openAIInput([]Message{
		{Role: RoleSystem, Content: "rules"},
		{Role: RoleUser, Content: "hi"},
		{Role: RoleAssistant, Content: "hello"},
	})
	if len(items) != 3 {
		t.Fatalf("expected 3 items, got %d", len(items))
	}
	for i, item := range items {
		if item.OfMessage == nil {
			t.Fatalf("item %d is not an easy input message", i)
		}
	}

	tools := openAITools(sampleTools)
	if len(tools) != 1 || tools[0].OfFunction == nil || tools[0].OfFunction.Name != "web_search" {
		t.Fatalf("unexpected tools: %+v", tools)
	}
}

func TestNewUnknownProvider(t *testing.T) {
	if _, err := New(context.Background(), Config{Provider: "nope"}, nil); err == nil {
		t.Fatal("expected error for unknown provider")
	}
	p, err := New(context.Background(), Config{Provider: "openai", Model: "m", APIKey: "k"}, nil)
	if err != nil || p.Name() != "openai" {
		t.Fatalf("New(openai) = %v, %v", p, err)
	}
}

func TestOpenAIChatFailureIsTransport(t *testing.T) {
	var gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadGateway)
		_, _ = w.Write([]byte(`{"error":{"message":"upstream down","type":"server_error"}}`))
	}))
	defer srv.Close()

	c := NewOpenAIClient("test-key", "gpt-5-mini", srv.URL+"/v1/", nil)
	_, err := c.Chat(context.Background(), Request{Messages: []Message{{Role: RoleUser, Content: "hi"}}})
	if !errors.Is(err, domain.ErrTransport) {
		t.Fatalf("expected transport error, got %v", err)
	}
	if gotPath != "/v1/responses" {
		t.Fatalf("chat hit %q, want /v1/responses", gotPath)
	}
}

func TestOpenAIChatMessagesRoles(t *testing.T) {
	msgs := openAIChatMessages([]Message{
		{Role: RoleSystem, Content: "rules"},
		{Role: RoleUser, Content: "hi"},
		{Role: RoleAssistant, Content: "hello"},
	})
	if len(msgs) != 3 || msgs[0].OfSystem == nil || msgs[1].OfUser == nil || msgs[2].OfAssistant == nil {
		t.Fatalf("unexpected chat messages: %+v", msgs)
	}
}
