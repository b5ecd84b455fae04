package session

import (
	"context"
	"time"

	"github.com/harun/agentd/pkg/stream"
)

// Result is the outcome of one completed execution. IsError reports an
// error the agent itself produced; the execution still completed.
type Result struct {
	Text         string  `json:"text"`
	SessionToken string  `json:"sessionId,omitempty"`
	CostUSD      float64 `json:"costUsd"`
	DurationMs   int64   `json:"durationMs"`
	IsError      bool    `json:"isError"`
	Subtype      string  `json:"subtype,omitempty"`
	NumTurns     int     `json:"numTurns,omitempty"`
}

// ExecRequest is handed to an Executor for one execution.
type ExecRequest struct {
	ID          string
	Identity    string
	Message     string
	ResumeToken string

	// Emit receives live events in stream order. Never nil.
	Emit func(stream.Event)
}

// Executor runs one request to completion. Implementations must return once
// ctx is done.
type Executor interface {
	Execute(ctx context.Context, req ExecRequest) (Result, error)
}

// ExecutorFunc adapts a function to Executor.
type ExecutorFunc func(ctx context.Context, req ExecRequest) (Result, error)

// Execute implements Executor.
func (f ExecutorFunc) Execute(ctx context.Context, req ExecRequest) (Result, error) {
	return f(ctx, req)
}

// SubmitOptions configures one submission.
type SubmitOptions struct {
	// Events receives ToolStart, ToolEnd and TextDelta events. The scheduler
	// closes it when the request completes. The receiver must keep draining
	// it until then.
	Events chan<- stream.Event

	// OnQueued is called with the 1-based queue position before Submit
	// returns when the identity is busy.
	OnQueued func(position int)

	// WarnAfter logs and calls OnWait if the request is still queued after
	// this long.
	WarnAfter time.Duration
	OnWait    func(waited time.Duration, position int)
}

// SessionInfo is a point-in-time view of one session.
type SessionInfo struct {
	Identity    string    `json:"identity"`
	Busy        bool      `json:"busy"`
	QueueLength int       `json:"queueLength"`
	HasToken    bool      `json:"hasToken"`
	CreatedAt   time.Time `json:"createdAt"`
	LastActive  time.Time `json:"lastActive"`
}

// EventType names a scheduler lifecycle event.
type EventType string

const (
	EventQueued    EventType = "queued"
	EventStarted   EventType = "started"
	EventCompleted EventType = "completed"
	EventReset     EventType = "reset"
	EventDeleted   EventType = "deleted"
)

// Event is a scheduler lifecycle notification. Busy and QueueLength reflect
// the session right after the change.
type Event struct {
	Type        EventType
	Identity    string
	RequestID   string
	Busy        bool
	QueueLength int
	Position    int
	Err         error
}

// EventHandler receives scheduler lifecycle events synchronously.
type EventHandler func(Event)
