package stream

import (
	"github.com/harun/agentd/internal/observability"
)

type openTool struct {
	id   string
	name string
}

// Tracker turns decoded envelopes into tool start/end notifications, text
// deltas and a captured terminal result.
//
// The tracker is Idle when no tool invocation is open and ToolRunning
// otherwise. Every ToolStart it emits is paired with exactly one ToolEnd:
// either from a tool_result block or synthesized by Close.
type Tracker struct {
	emit   func(Event)
	open   []openTool
	result *TerminalResult
	closed bool
}

// NewTracker creates a tracker delivering events to emit in stream order.
func NewTracker(emit func(Event)) *Tracker {
	if emit == nil {
		emit = func(Event) {}
	}
	return &Tracker{emit: emit}
}

// Handle applies one decoded envelope.
func (t *Tracker) Handle(env Envelope) {
	if t.closed {
		return
	}

	env, ok := env.Unwrap()
	if !ok {
		return
	}

	switch env.Type {
	case TypeAssistant:
		for _, block := range env.Blocks() {
			if block.Type == BlockToolUse {
				t.start(block)
			}
		}
	case TypeUser:
		for _, block := range env.Blocks() {
			if block.Type == BlockToolResult {
				t.end(block.ToolUseID)
			}
		}
	case TypeContentBlockDelta:
		if env.Delta != nil && env.Delta.Type == DeltaText && env.Delta.Text != "" {
			t.emit(Event{Kind: KindTextDelta, Text: env.Delta.Text})
		}
	case TypeResult:
		res := &TerminalResult{
			IsError:     env.IsError,
			Subtype:     env.Subtype,
			Text:        env.Result,
			ResumeToken: env.SessionID,
			CostUSD:     env.TotalCostUSD,
			DurationMs:  env.DurationMs,
			NumTurns:    env.NumTurns,
		}
		t.result = res
		t.emit(Event{Kind: KindResult, Result: res})
	}
}

// Close synthesizes a ToolEnd for every invocation still open, in invocation
// order. It is called once the process has exited and is idempotent.
func (t *Tracker) Close() {
	if t.closed {
		return
	}
	t.closed = true

	for _, tool := range t.open {
		observability.RecordToolEvent("end_synthesized")
		t.emit(Event{Kind: KindToolEnd, ToolName: tool.name, ToolID: tool.id, Synthesized: true})
	}
	t.open = nil
}

// Result returns the captured terminal result, if any arrived.
func (t *Tracker) Result() (TerminalResult, bool) {
	if t.result == nil {
		return TerminalResult{}, false
	}
	return *t.result, true
}

// Running reports the most recently started tool still open.
func (t *Tracker) Running() (string, bool) {
	if len(t.open) == 0 {
		return "", false
	}
	return t.open[len(t.open)-1].name, true
}

// OpenCount reports how many tool invocations await a result.
func (t *Tracker) OpenCount() int {
	return len(t.open)
}

func (t *Tracker) start(block ContentBlock) {
	t.open = append(t.open, openTool{id: block.ID, name: block.Name})
	observability.RecordToolEvent("start")
	t.emit(Event{Kind: KindToolStart, ToolName: block.Name, ToolID: block.ID, Input: block.Input})
}

// end closes the invocation matching toolUseID. Without a match the oldest
// open invocation is closed; with nothing open the result is ignored so start
// and end counts stay equal.
func (t *Tracker) end(toolUseID string) {
	if len(t.open) == 0 {
		return
	}

	idx := 0
	if toolUseID != "" {
		for i, tool := range t.open {
			if tool.id == toolUseID {
				idx = i
				break
			}
		}
	}

	tool := t.open[idx]
	t.open = append(t.open[:idx], t.open[idx+1:]...)
	observability.RecordToolEvent("end")
	t.emit(Event{Kind: KindToolEnd, ToolName: tool.name, ToolID: tool.id})
}
