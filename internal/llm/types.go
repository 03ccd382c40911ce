// Package llm provides the model provider abstraction and its SDK-backed
// implementations.
package llm

import (
	"context"
	"errors"
	"fmt"

	jsoniter "github.com/json-iterator/go"

	"github.com/ashureev/sam-relay/internal/domain"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Role is a chat role understood by every provider.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is one provider-neutral chat turn.
type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// Tool describes a callable function offered to the model.
type Tool struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

// ToolCall is a function invocation requested by the model. Arguments is
// the raw JSON object text.
type ToolCall struct {
	ID        string `json:"id,omitempty"`
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// Request is a single chat call.
type Request struct {
	// Model overrides the provider's default model when set.
	Model    string
	Messages []Message
	Tools    []Tool
}

// Response is the provider-neutral result of a chat call.
type Response struct {
	Content   string
	ToolCalls []ToolCall
}

// Provider sends a chat request with optional tools and returns the
// model's text and tool calls.
type Provider interface {
	Name() string
	Chat(ctx context.Context, req Request) (*Response, error)
}

// Retriever answers a query from live web results. Providers implement it
// on whichever endpoint their search-capable models are served from.
type Retriever interface {
	Retrieve(ctx context.Context, req Request) (*Response, error)
}

// transportError classifies a failed provider call.
func transportError(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", domain.ErrTransport, op, err)
}

// ErrEmptyResponse is returned when a provider answers with no choices.
var ErrEmptyResponse = errors.New("empty model response")

// DecodeArguments unmarshals a tool call's JSON arguments into dst.
func DecodeArguments(args string, dst any) error {
	if args == "" {
		return fmt.Errorf("decode tool arguments: empty")
	}
	if err := json.UnmarshalFromString(args, dst); err != nil {
		return fmt.Errorf("decode tool arguments: %w", err)
	}
	return nil
}
