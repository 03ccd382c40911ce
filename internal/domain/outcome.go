package domain

import (
	"fmt"
	"strings"

	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// MaxDisplayChars is the display width budget of the client screen.
const MaxDisplayChars = 960

// FinalReply is the two-field reply shown and spoken by the client.
type FinalReply struct {
	TextDisplay string `json:"text_display"`
	TextSAM     string `json:"text_sam"`
}

// OutcomeState tags the variant held by an Outcome.
type OutcomeState string

const (
	OutcomePending  OutcomeState = "pending"
	OutcomeComplete OutcomeState = "complete"
	OutcomeError    OutcomeState = "error"
)

// Outcome is the result of a job: pending, a completed reply, or an error.
type Outcome struct {
	State OutcomeState
	Reply FinalReply
	Err   string
}

// CompleteOutcome wraps a finished reply.
func CompleteOutcome(reply FinalReply) Outcome {
	return Outcome{State: OutcomeComplete, Reply: reply}
}

// ErrorOutcome records a failed job. The reply fields carry the
// user-visible error text so clients that only read them still see it.
func ErrorOutcome(message string) Outcome {
	return Outcome{
		State: OutcomeError,
		Err:   message,
		Reply: FinalReply{
			TextDisplay: "Error: " + message,
			TextSAM:     "Error",
		},
	}
}

type storedOutcome struct {
	State       OutcomeState `json:"state,omitempty"`
	TextDisplay *string      `json:"text_display,omitempty"`
	TextSAM     *string      `json:"text_sam,omitempty"`
	Error       string       `json:"error,omitempty"`
}

// Encode serializes the outcome for the message content column.
func (o Outcome) Encode() (string, error) {
	if o.State == OutcomePending {
		return "", nil
	}
	display, sam := o.Reply.TextDisplay, o.Reply.TextSAM
	data, err := json.Marshal(storedOutcome{
		State:       o.State,
		TextDisplay: &display,
		TextSAM:     &sam,
		Error:       o.Err,
	})
	if err != nil {
		return "", fmt.Errorf("encode outcome: %w", err)
	}
	return string(data), nil
}

// DecodeOutcome parses stored content. Payloads without a state tag but
// with reply fields are read as complete replies. It returns false when
// the content is not a structured payload at all.
func DecodeOutcome(content string) (Outcome, bool) {
	trimmed := strings.TrimSpace(content)
	if !strings.HasPrefix(trimmed, "{") {
		return Outcome{}, false
	}
	var stored storedOutcome
	if err := json.Unmarshal([]byte(trimmed), &stored); err != nil {
		return Outcome{}, false
	}
	if stored.TextDisplay == nil && stored.TextSAM == nil && stored.Error == "" {
		return Outcome{}, false
	}

	out := Outcome{State: stored.State, Err: stored.Error}
	if stored.TextDisplay != nil {
		out.Reply.TextDisplay = *stored.TextDisplay
	}
	if stored.TextSAM != nil {
		out.Reply.TextSAM = *stored.TextSAM
	}
	switch out.State {
	case OutcomeError:
		if stored.TextDisplay == nil {
			out.Reply.TextDisplay = "Error: " + out.Err
		}
		if stored.TextSAM == nil {
			out.Reply.TextSAM = "Error"
		}
	case OutcomeComplete:
	default:
		out.State = OutcomeComplete
	}
	return out, true
}
