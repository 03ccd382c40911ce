package conversation

import (
	"strings"

	jsoniter "github.com/json-iterator/go"

	"github.com/ashureev/sam-relay/internal/domain"
	"github.com/ashureev/sam-relay/internal/llm"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// action is a tool invocation, either from a structured function call or
// parsed out of plain-text model output.
type action struct {
	Name        string
	Query       string
	TextDisplay string
	TextSAM     string
	// Raw is the invocation as it is echoed back into the transcript.
	Raw string
}

type actionPayload struct {
	Action      string  `json:"action"`
	Query       *string `json:"query,omitempty"`
	TextDisplay string  `json:"text_display,omitempty"`
	TextSAM     string  `json:"text_sam,omitempty"`
}

// parseTextAction recognizes a single-line JSON object with an "action"
// key naming one of the tools. web_search also needs a string query.
func parseTextAction(content string) (action, bool) {
	if strings.Contains(content, "\n") {
		return action{}, false
	}
	trimmed := strings.TrimSpace(content)
	if len(trimmed) < 2 || trimmed[0] != '{' || trimmed[len(trimmed)-1] != '}' {
		return action{}, false
	}

	var p actionPayload
	if err := json.UnmarshalFromString(trimmed, &p); err != nil {
		return action{}, false
	}

	a := action{Name: p.Action, Raw: trimmed}
	switch p.Action {
	case ToolWebSearch:
		if p.Query == nil {
			return action{}, false
		}
		a.Query = *p.Query
	case ToolGetTime:
	case ToolComposeReply:
		a.TextDisplay = p.TextDisplay
		a.TextSAM = p.TextSAM
	default:
		return action{}, false
	}
	return a, true
}

// callAction converts a structured tool call. Unknown names report false
// so the caller falls back to the content path. Malformed arguments are
// returned as an error alongside a usable action with empty fields:
// compose_reply then takes the content fallback and web_search runs with
// an empty query.
func callAction(name, arguments string) (action, bool, error) {
	var args actionPayload
	var decodeErr error
	if name == ToolWebSearch || name == ToolComposeReply {
		if err := llm.DecodeArguments(arguments, &args); err != nil {
			args = actionPayload{}
			decodeErr = err
		}
	}

	switch name {
	case ToolWebSearch:
		query := ""
		if args.Query != nil {
			query = *args.Query
		}
		return action{Name: name, Query: query, Raw: encodeAction(actionPayload{Action: name, Query: &query})}, true, decodeErr
	case ToolGetTime:
		return action{Name: name, Raw: encodeAction(actionPayload{Action: name})}, true, nil
	case ToolComposeReply:
		return action{Name: name, TextDisplay: args.TextDisplay, TextSAM: args.TextSAM}, true, decodeErr
	default:
		return action{}, false, nil
	}
}

func encodeAction(p actionPayload) string {
	s, err := json.MarshalToString(p)
	if err != nil {
		return `{"action":"` + p.Action + `"}`
	}
	return s
}

// historyContent returns the transcript text for a stored message. Stored
// assistant outcomes are collapsed to their display text.
func historyContent(m domain.Message) string {
	content := strings.TrimSpace(m.Content)
	if content == "" || m.Role != domain.RoleAssistant {
		return content
	}
	if outcome, ok := domain.DecodeOutcome(content); ok {
		return strings.TrimSpace(outcome.Reply.TextDisplay)
	}
	return content
}
