package stream

import (
	"encoding/json"
)

// EventKind identifies the variant carried by an Event.
type EventKind string

const (
	KindToolStart EventKind = "tool_start"
	KindToolEnd   EventKind = "tool_end"
	KindTextDelta EventKind = "text_delta"
	KindResult    EventKind = "result"
)

// Event is a decoded notification produced while a request runs.
//
// ToolStart sets ToolName, ToolID and Input. ToolEnd sets ToolName, ToolID and
// Synthesized when the end was inferred at process exit. TextDelta sets Text.
// Result sets Result.
type Event struct {
	Kind        EventKind       `json:"kind"`
	ToolName    string          `json:"toolName,omitempty"`
	ToolID      string          `json:"toolId,omitempty"`
	Input       json.RawMessage `json:"input,omitempty"`
	Synthesized bool            `json:"synthesized,omitempty"`
	Text        string          `json:"text,omitempty"`
	Result      *TerminalResult `json:"result,omitempty"`
}

// TerminalResult is the final structured event of one execution.
type TerminalResult struct {
	IsError     bool    `json:"isError"`
	Subtype     string  `json:"subtype,omitempty"`
	Text        string  `json:"text"`
	ResumeToken string  `json:"sessionId,omitempty"`
	CostUSD     float64 `json:"costUsd"`
	DurationMs  int64   `json:"durationMs"`
	NumTurns    int     `json:"numTurns,omitempty"`
}

// Callbacks is the callback form of the live event stream.
type Callbacks struct {
	OnToolStart func(name string, input json.RawMessage)
	OnToolEnd   func(name string)
	OnText      func(text string)
}

// Dispatch drains events into the matching callbacks until the channel is
// closed. Nil callbacks are skipped.
func Dispatch(events <-chan Event, cb Callbacks) {
	for ev := range events {
		switch ev.Kind {
		case KindToolStart:
			if cb.OnToolStart != nil {
				cb.OnToolStart(ev.ToolName, ev.Input)
			}
		case KindToolEnd:
			if cb.OnToolEnd != nil {
				cb.OnToolEnd(ev.ToolName)
			}
		case KindTextDelta:
			if cb.OnText != nil {
				cb.OnText(ev.Text)
			}
		}
	}
}
