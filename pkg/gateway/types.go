package gateway

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Inbound frame types
const (
	FrameChat        = "chat"
	FrameReset       = "reset"
	FrameStatus      = "status"
	FrameSubscribe   = "subscribe"
	FrameUnsubscribe = "unsubscribe"
	FrameCancel      = "cancel"
)

// MessageType identifies an outbound notification.
type MessageType string

const (
	MessageHello    MessageType = "hello"
	MessageTool     MessageType = "tool"
	MessageQueued   MessageType = "queued"
	MessageState    MessageType = "state"
	MessageResponse MessageType = "response"
	MessageError    MessageType = "error"
)

// InboundFrame is a client request.
type InboundFrame struct {
	Type     string `json:"type"`
	Identity string `json:"identity"`
	Message  string `json:"message,omitempty"`

	// RequestID is an optional client correlation id echoed on every
	// notification caused by this frame.
	RequestID string `json:"requestId,omitempty"`
}

// OutboundMessage is a server notification. Seq increases monotonically
// across the server and every client sees its messages in Seq order.
type OutboundMessage struct {
	Type      MessageType `json:"type"`
	Identity  string      `json:"identity,omitempty"`
	RequestID string      `json:"requestId,omitempty"`
	Seq       int64       `json:"seq"`
	Timestamp int64       `json:"timestamp"`
	TraceID   string      `json:"trace_id,omitempty"`
	Data      interface{} `json:"data"`
}

// HelloPayload is sent once after the connection is upgraded.
type HelloPayload struct {
	ClientID string `json:"clientId"`
}

// Tool phases
const (
	ToolPhaseStart = "start"
	ToolPhaseEnd   = "end"
)

// ToolPayload reports a tool starting or finishing.
type ToolPayload struct {
	Phase       string          `json:"phase"`
	Name        string          `json:"name"`
	ID          string          `json:"id,omitempty"`
	Input       json.RawMessage `json:"input,omitempty"`
	Synthesized bool            `json:"synthesized,omitempty"`
}

// QueuedPayload reports the queue position of a request that had to wait.
type QueuedPayload struct {
	Position int `json:"position"`
}

// StatePayload reports the scheduling state of an identity.
type StatePayload struct {
	Busy        bool `json:"busy"`
	QueueLength int  `json:"queueLength"`
}

// ResponsePayload carries either a text delta (Partial) or the final result.
type ResponsePayload struct {
	Partial    bool    `json:"partial,omitempty"`
	Delta      string  `json:"delta,omitempty"`
	Text       string  `json:"text,omitempty"`
	SessionID  string  `json:"sessionId,omitempty"`
	CostUSD    float64 `json:"costUsd,omitempty"`
	DurationMs int64   `json:"durationMs,omitempty"`
	IsError    bool    `json:"isError,omitempty"`
}

// ErrorPayload reports a failed frame or request.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Error codes
const (
	CodeInvalidFrame = "invalid_frame"
	CodeInvalidInput = "invalid_input"
	CodeShuttingDown = "shutting_down"
	CodeExecution    = "execution_failed"
	CodeCancelled    = "cancelled"
	CodeAbandoned    = "abandoned"
	CodeNotFound     = "not_found"
	CodeInternal     = "internal"
)

// ClientInfo represents information about a connected client
type ClientInfo struct {
	ID            string    `json:"id"`
	ConnectedAt   time.Time `json:"connectedAt"`
	LastActivity  time.Time `json:"lastActivity"`
	IPAddress     string    `json:"ipAddress"`
	Idle          bool      `json:"idle"`
	Subscriptions []string  `json:"subscriptions"`
}

// Client represents a connected WebSocket client
type Client struct {
	ID           string
	Conn         *websocket.Conn
	ConnectedAt  time.Time
	LastActivity time.Time
	IPAddress    string

	// guarded by ClientRegistry.mu
	subscriptions map[string]struct{}

	writeMu sync.Mutex
}

const writeWait = 10 * time.Second

// WriteJSON writes v as one text frame. Safe for concurrent use.
func (c *Client) WriteJSON(v interface{}) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	_ = c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.Conn.WriteJSON(v)
}

// WriteMessage writes one frame of the given type. Safe for concurrent use.
func (c *Client) WriteMessage(messageType int, data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	_ = c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.Conn.WriteMessage(messageType, data)
}

func (c *Client) ping() error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	return c.Conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
}
