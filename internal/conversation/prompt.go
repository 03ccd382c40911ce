package conversation

import (
	"fmt"

	"github.com/ashureev/sam-relay/internal/domain"
	"github.com/ashureev/sam-relay/internal/llm"
)

// Tool names offered to the model.
const (
	ToolWebSearch    = "web_search"
	ToolGetTime      = "get_time"
	ToolComposeReply = "compose_reply"
)

// Fixed steering turns appended during the loop.
const (
	reminderText      = "Finish by calling compose_reply with valid text_display and text_sam as per the rules."
	searchLimitText   = "Search limit reached. Answer using what you already know."
	searchResultLabel = "Search result: "
	timeResultLabel   = "Current UTC time: "
	emptyReplyText    = "Done."
	timeLayout        = "2006-01-02 15:04:05"
)

// systemPrompt describes the assistant's tools and the reply format the
// client can render and speak.
func systemPrompt(maxSearches int) string {
	return fmt.Sprintf(`You are SAM, a speaking assistant on a small 8-bit computer with a network adapter. You have a few tools.

TOOLS:
1) web_search(query): look up current or factual information on the web.
2) get_time(): get the current UTC time. Convert it yourself if the user asks about another timezone.

To call a tool without function calling, answer with one line of JSON and nothing else:
{"action":"web_search","query":"SEARCH TERMS"}
{"action":"get_time"}

LIMITS:
- At most %d web_search calls per user request.
- Skip web_search when you already know the answer.
- Tool results are added as system messages. Read them and carry on.
- Keep answers short and direct. They are shown on a 40 column screen.
- Any topic is fine within your normal constraints.

REPLY FORMAT:
Every reply has two fields, text_display and text_sam.
Both fields:
- plain sentences ending in periods, question marks or exclamation marks
- no markup, quotation marks, slashes, escape sequences or other symbols
- ASCII only, no Unicode
text_display:
- numbers as digits
- newlines allowed
- at most %d characters
text_sam:
- numbers spelled out as words
- a phonetic rendering of the reply for the speech synthesizer

FINISHING:
Always finish by calling compose_reply with the final text_display and text_sam.`, maxSearches, domain.MaxDisplayChars)
}

// toolSchema is the function list sent with every model call.
func toolSchema() []llm.Tool {
	return []llm.Tool{
		{
			Name:        ToolWebSearch,
			Description: "Search the web for a query string",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"query": map[string]any{
						"type":        "string",
						"description": "Search terms",
					},
				},
				"required": []string{"query"},
			},
		},
		{
			Name:        ToolGetTime,
			Description: "Return the current UTC time",
			Parameters: map[string]any{
				"type":       "object",
				"properties": map[string]any{},
			},
		},
		{
			Name:        ToolComposeReply,
			Description: "Finish the request with the two reply fields",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"text_display": map[string]any{
						"type":        "string",
						"description": fmt.Sprintf("Reply shown on screen, at most %d characters", domain.MaxDisplayChars),
					},
					"text_sam": map[string]any{
						"type":        "string",
						"description": "Phonetic form of text_display for the speech synthesizer",
					},
				},
				"required": []string{"text_display", "text_sam"},
			},
		},
	}
}
