// Parses the execution service's stream-json NDJSON output into typed
// progress events consumed by the driver loop.
package driver

import (
	"bytes"
	"encoding/json"
)

// StreamEvent is a single typed progress event from the execution service.
// The event sequence is finite and non-restartable, terminated by exactly
// one result event or a stream error.
type StreamEvent struct {
	Type string

	// assistant / user events
	Message *Message

	// error events
	ErrorMessage string

	// result event
	Subtype      string
	Result       string
	IsError      bool
	NumTurns     int
	DurationMS   int64
	TotalCostUSD float64
}

// Message is the "message" field of an assistant or user stream event.
type Message struct {
	Role    string         `json:"role,omitempty"`
	Content []ContentBlock `json:"content,omitempty"`
}

// ContentBlock is a single entry in message.content[].
type ContentBlock struct {
	Type string `json:"type"`

	// text block
	Text string `json:"text,omitempty"`

	// tool_use block
	ID    string         `json:"id,omitempty"`
	Name  string         `json:"name,omitempty"`
	Input map[string]any `json:"input,omitempty"`
}

const (
	eventAssistant = "assistant"
	eventError     = "error"
	eventResult    = "result"
)

// streamEnvelope defers decoding of "message", which is an object on
// assistant/user events but a plain string on error events.
type streamEnvelope struct {
	Type         string          `json:"type"`
	Message      json.RawMessage `json:"message,omitempty"`
	Subtype      string          `json:"subtype,omitempty"`
	Result       string          `json:"result,omitempty"`
	IsError      bool            `json:"is_error,omitempty"`
	NumTurns     int             `json:"num_turns,omitempty"`
	DurationMS   int64           `json:"duration_ms,omitempty"`
	TotalCostUSD float64         `json:"total_cost_usd,omitempty"`
}

// ParseStreamLine parses one NDJSON line. Returns nil for blank lines.
func ParseStreamLine(line []byte) (*StreamEvent, error) {
	line = bytes.TrimSpace(line)
	if len(line) == 0 {
		return nil, nil
	}
	var env streamEnvelope
	if err := json.Unmarshal(line, &env); err != nil {
		return nil, err
	}
	ev := &StreamEvent{
		Type:         env.Type,
		Subtype:      env.Subtype,
		Result:       env.Result,
		IsError:      env.IsError,
		NumTurns:     env.NumTurns,
		DurationMS:   env.DurationMS,
		TotalCostUSD: env.TotalCostUSD,
	}
	if len(env.Message) > 0 {
		if env.Type == eventError {
			_ = json.Unmarshal(env.Message, &ev.ErrorMessage)
		} else {
			var msg Message
			if err := json.Unmarshal(env.Message, &msg); err == nil {
				ev.Message = &msg
			}
		}
	}
	return ev, nil
}

// AssistantText concatenates the text blocks of an assistant message.
func (e *StreamEvent) AssistantText() string {
	if e.Message == nil {
		return ""
	}
	var buf bytes.Buffer
	for _, block := range e.Message.Content {
		if block.Type == "text" && block.Text != "" {
			if buf.Len() > 0 {
				buf.WriteByte('\n')
			}
			buf.WriteString(block.Text)
		}
	}
	return buf.String()
}
