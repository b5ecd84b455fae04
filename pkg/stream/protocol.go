package stream

import (
	"encoding/json"
)

// MessageType discriminates agent output lines by their "type" field.
type MessageType string

const (
	TypeSystem            MessageType = "system"
	TypeAssistant         MessageType = "assistant"
	TypeUser              MessageType = "user"
	TypeResult            MessageType = "result"
	TypeContentBlockDelta MessageType = "content_block_delta"
	TypeStreamEvent       MessageType = "stream_event"
)

// Content block types the tracker cares about.
const (
	BlockText       = "text"
	BlockToolUse    = "tool_use"
	BlockToolResult = "tool_result"
)

// DeltaText is the delta type carrying assistant text.
const DeltaText = "text_delta"

// Envelope is one decoded line of agent output. Only the fields used by the
// tracker are modelled; unknown fields are ignored.
type Envelope struct {
	Type         MessageType     `json:"type"`
	Subtype      string          `json:"subtype,omitempty"`
	SessionID    string          `json:"session_id,omitempty"`
	Message      *MessageBody    `json:"message,omitempty"`
	Delta        *Delta          `json:"delta,omitempty"`
	Event        json.RawMessage `json:"event,omitempty"`
	IsError      bool            `json:"is_error,omitempty"`
	Result       string          `json:"result,omitempty"`
	TotalCostUSD float64         `json:"total_cost_usd,omitempty"`
	DurationMs   int64           `json:"duration_ms,omitempty"`
	NumTurns     int             `json:"num_turns,omitempty"`
}

// MessageBody is the inner message of assistant and user lines.
type MessageBody struct {
	Role    string  `json:"role"`
	Content Content `json:"content"`
}

// ContentBlock is a single block inside a message body.
type ContentBlock struct {
	Type      string          `json:"type"`
	ID        string          `json:"id,omitempty"`
	Name      string          `json:"name,omitempty"`
	Input     json.RawMessage `json:"input,omitempty"`
	ToolUseID string          `json:"tool_use_id,omitempty"`
	Text      string          `json:"text,omitempty"`
	IsError   bool            `json:"is_error,omitempty"`
}

// Delta is the nested payload of a content_block_delta event.
type Delta struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

// Content holds message content, which the agent sends either as a plain
// string or as an array of blocks. A string becomes a single text block.
type Content []ContentBlock

// UnmarshalJSON implements json.Unmarshaler.
func (c *Content) UnmarshalJSON(data []byte) error {
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*c = Content{{Type: BlockText, Text: s}}
		return nil
	}
	if string(data) == "null" {
		*c = nil
		return nil
	}
	var blocks []ContentBlock
	if err := json.Unmarshal(data, &blocks); err != nil {
		return err
	}
	*c = blocks
	return nil
}

// Blocks returns the content blocks of an assistant or user line.
func (e Envelope) Blocks() []ContentBlock {
	if e.Message == nil {
		return nil
	}
	return e.Message.Content
}

// Unwrap returns the inner event of a stream_event line. Other lines are
// returned unchanged.
func (e Envelope) Unwrap() (Envelope, bool) {
	if e.Type != TypeStreamEvent || len(e.Event) == 0 {
		return e, true
	}
	var inner Envelope
	if err := json.Unmarshal(e.Event, &inner); err != nil {
		return Envelope{}, false
	}
	if inner.SessionID == "" {
		inner.SessionID = e.SessionID
	}
	return inner, true
}
