package gateway

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/harun/agentd/internal/observability"
	"github.com/harun/agentd/internal/tracing"
	"github.com/harun/agentd/pkg/agent"
	"github.com/harun/agentd/pkg/process"
	"github.com/harun/agentd/pkg/session"
	"github.com/harun/agentd/pkg/stream"
	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/rs/zerolog"
)

const (
	defaultPingInterval = 30 * time.Second
	eventBufferSize     = 64
	maxFrameBytes       = 1 << 20
)

// Sessions is the scheduling surface the gateway drives. *session.Scheduler
// implements it.
type Sessions interface {
	Submit(ctx context.Context, identity, message string, opts session.SubmitOptions) (*session.Handle, error)
	Reset(ctx context.Context, identity string) error
	Delete(ctx context.Context, identity string) error
	Cancel(identity string) bool
	Info(identity string) (session.SessionInfo, bool)
	Snapshot() []session.SessionInfo
	On(handler session.EventHandler)
}

// RunLister reports executions in flight. *agent.Runner implements it.
type RunLister interface {
	Active() []agent.ActiveRun
}

// Server is the WebSocket gateway in front of the scheduler
type Server struct {
	host         string
	port         int
	pingInterval time.Duration
	queueWarn    time.Duration
	server       *http.Server
	listener     net.Listener
	upgrader     websocket.Upgrader
	clients      *ClientRegistry
	broadcaster  *EventBroadcaster
	validator    *FrameValidator
	sessions     Sessions
	runs         RunLister
	logger       zerolog.Logger

	ctx            context.Context
	cancel         context.CancelFunc
	isShuttingDown bool
	shutdownMu     sync.RWMutex
	inFlightReqs   sync.WaitGroup
}

// Config holds server configuration
type Config struct {
	Host string

	// Port 0 binds an ephemeral port; see Addr.
	Port int

	// PingInterval is the WebSocket keepalive period. Zero uses 30s.
	PingInterval time.Duration

	// QueueWarnAfter reports requests still queued after this long. Zero
	// disables the warning.
	QueueWarnAfter time.Duration

	Sessions Sessions
	Runs     RunLister
	Logger   zerolog.Logger
}

// NewServer creates a new Gateway Server
func NewServer(cfg Config) (*Server, error) {
	if cfg.Port < 0 || cfg.Port > 65535 {
		return nil, fmt.Errorf("invalid port: %d", cfg.Port)
	}
	if cfg.Sessions == nil {
		return nil, fmt.Errorf("sessions are required")
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = defaultPingInterval
	}

	validator, err := NewFrameValidator()
	if err != nil {
		return nil, err
	}

	observability.EnsureRegistered()

	clients := NewClientRegistry()
	ctx, cancel := context.WithCancel(context.Background())

	s := &Server{
		host:         cfg.Host,
		port:         cfg.Port,
		pingInterval: cfg.PingInterval,
		queueWarn:    cfg.QueueWarnAfter,
		clients:      clients,
		broadcaster:  NewEventBroadcaster(clients, cfg.Logger),
		validator:    validator,
		sessions:     cfg.Sessions,
		runs:         cfg.Runs,
		logger:       cfg.Logger,
		ctx:          ctx,
		cancel:       cancel,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
	}

	s.sessions.On(s.handleSessionEvent)

	return s, nil
}

// Handler returns the HTTP handler serving the WebSocket endpoint and the
// admin routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.Handle("/metrics", observability.MetricsHandler())
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.HandleFunc("GET /sessions", s.handleListSessions)
	mux.HandleFunc("GET /sessions/{identity}", s.handleGetSession)
	mux.HandleFunc("DELETE /sessions/{identity}", s.handleDeleteSession)
	mux.HandleFunc("POST /sessions/{identity}/reset", s.handleResetSession)
	mux.HandleFunc("POST /sessions/{identity}/cancel", s.handleCancelSession)
	mux.HandleFunc("GET /runs", s.handleListRuns)
	mux.HandleFunc("GET /clients", s.handleListClients)
	return mux
}

// Start binds the listener and serves in the background
func (s *Server) Start() error {
	addr := net.JoinHostPort(s.host, strconv.Itoa(s.port))
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	s.listener = listener

	s.server = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.logger.Info().Str("addr", listener.Addr().String()).Msg("Starting Gateway Server")

	go func() {
		if err := s.server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error().Err(err).Msg("Gateway server error")
		}
	}()

	return nil
}

// Addr returns the bound address once Start succeeded
func (s *Server) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Stop gracefully stops the Gateway Server. Requests still running are
// cancelled after ctx expires.
func (s *Server) Stop(ctx context.Context) error {
	s.shutdownMu.Lock()
	s.isShuttingDown = true
	s.shutdownMu.Unlock()

	s.logger.Info().Msg("Shutting down Gateway Server")

	done := make(chan struct{})
	go func() {
		s.inFlightReqs.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.logger.Info().Msg("All in-flight requests completed")
	case <-ctx.Done():
		s.logger.Warn().Msg("Shutdown timeout reached, cancelling in-flight requests")
		s.cancel()
		<-done
	}
	s.cancel()

	for _, client := range s.clients.GetAll() {
		_ = client.Conn.Close()
	}

	if s.server != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("failed to shutdown server: %w", err)
		}
	}

	s.logger.Info().Msg("Gateway Server stopped")
	return nil
}

func (s *Server) shuttingDown() bool {
	s.shutdownMu.RLock()
	defer s.shutdownMu.RUnlock()
	return s.isShuttingDown
}

// handleWebSocket handles WebSocket connections
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	if s.shuttingDown() {
		http.Error(w, "Server is shutting down", http.StatusServiceUnavailable)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to upgrade connection")
		return
	}
	conn.SetReadLimit(maxFrameBytes)

	clientID, _ := gonanoid.New()
	client := &Client{
		ID:           clientID,
		Conn:         conn,
		ConnectedAt:  time.Now(),
		LastActivity: time.Now(),
		IPAddress:    r.RemoteAddr,
	}

	s.clients.Add(client)
	observability.SetGatewayClients(s.clients.Count())

	s.logger.Info().
		Str("clientId", clientID).
		Str("ip", r.RemoteAddr).
		Msg("Client connected")

	if err := s.broadcaster.SendTo(client, OutboundMessage{
		Type: MessageHello,
		Data: HelloPayload{ClientID: clientID},
	}); err != nil {
		s.logger.Error().Err(err).Str("clientId", clientID).Msg("Failed to greet client")
		s.disconnect(client)
		return
	}

	go s.handleClient(client)
}

func (s *Server) disconnect(client *Client) {
	_ = client.Conn.Close()
	s.clients.Remove(client.ID)
	observability.SetGatewayClients(s.clients.Count())
}

// handleClient reads frames until the connection closes
func (s *Server) handleClient(client *Client) {
	stopPing := make(chan struct{})
	defer func() {
		close(stopPing)
		s.disconnect(client)
		s.logger.Info().Str("clientId", client.ID).Msg("Client disconnected")
	}()

	readWait := 2 * s.pingInterval
	_ = client.Conn.SetReadDeadline(time.Now().Add(readWait))
	client.Conn.SetPongHandler(func(string) error {
		return client.Conn.SetReadDeadline(time.Now().Add(readWait))
	})
	go s.keepalive(client, stopPing)

	for {
		_, message, err := client.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.Debug().Err(err).Str("clientId", client.ID).Msg("WebSocket closed")
			}
			return
		}

		_ = client.Conn.SetReadDeadline(time.Now().Add(readWait))
		s.clients.UpdateActivity(client.ID)
		s.handleMessage(client, message)
	}
}

func (s *Server) keepalive(client *Client, stop <-chan struct{}) {
	ticker := time.NewTicker(s.pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if err := client.ping(); err != nil {
				s.logger.Debug().Err(err).Str("clientId", client.ID).Msg("Ping failed")
				return
			}
		}
	}
}

// handleMessage validates and dispatches one frame
func (s *Server) handleMessage(client *Client, message []byte) {
	frame, err := s.validator.Parse(message)
	if err != nil {
		s.sendError(client, InboundFrame{}, CodeInvalidFrame, err.Error())
		return
	}

	ctx := tracing.WithClientID(tracing.NewRequestContext(s.ctx), client.ID)
	ctx = tracing.WithSessionKey(ctx, frame.Identity)

	switch frame.Type {
	case FrameChat:
		s.handleChat(ctx, client, frame)
	case FrameReset:
		if err := s.sessions.Reset(ctx, frame.Identity); err != nil {
			s.sendError(client, frame, errorCode(err), err.Error())
		}
	case FrameStatus:
		s.sendState(client, frame)
	case FrameSubscribe:
		s.clients.Subscribe(client.ID, frame.Identity)
		s.sendState(client, frame)
	case FrameUnsubscribe:
		s.clients.Unsubscribe(client.ID, frame.Identity)
	case FrameCancel:
		if !s.sessions.Cancel(frame.Identity) {
			s.sendError(client, frame, CodeNotFound, "no execution in flight")
		}
	}
}

// handleChat submits the message and relays its events to the identity's
// subscribers. The sender is subscribed first so it sees the queued
// notification.
func (s *Server) handleChat(ctx context.Context, client *Client, frame InboundFrame) {
	if s.shuttingDown() {
		s.sendError(client, frame, CodeShuttingDown, "server is shutting down")
		return
	}

	s.clients.Subscribe(client.ID, frame.Identity)

	logger := tracing.LoggerFromContext(ctx, s.logger)
	events := make(chan stream.Event, eventBufferSize)

	handle, err := s.sessions.Submit(ctx, frame.Identity, frame.Message, session.SubmitOptions{
		Events: events,
		OnQueued: func(position int) {
			s.broadcaster.Publish(OutboundMessage{
				Type:      MessageQueued,
				Identity:  frame.Identity,
				RequestID: frame.RequestID,
				TraceID:   tracing.GetTraceID(ctx),
				Data:      QueuedPayload{Position: position},
			})
		},
		WarnAfter: s.queueWarn,
		OnWait: func(waited time.Duration, position int) {
			logger.Warn().Dur("waited", waited).Int("position", position).Msg("Chat request still queued")
		},
	})
	if err != nil {
		s.sendError(client, frame, errorCode(err), err.Error())
		return
	}

	s.inFlightReqs.Add(1)
	go func() {
		defer s.inFlightReqs.Done()
		s.relay(ctx, frame, events, handle)
	}()
}

// relay forwards live events until the scheduler closes the channel, then
// publishes the outcome.
func (s *Server) relay(ctx context.Context, frame InboundFrame, events <-chan stream.Event, handle *session.Handle) {
	traceID := tracing.GetTraceID(ctx)
	notify := func(msgType MessageType, data interface{}) {
		s.broadcaster.Publish(OutboundMessage{
			Type:      msgType,
			Identity:  frame.Identity,
			RequestID: frame.RequestID,
			TraceID:   traceID,
			Data:      data,
		})
	}

	for ev := range events {
		switch ev.Kind {
		case stream.KindToolStart:
			notify(MessageTool, ToolPayload{Phase: ToolPhaseStart, Name: ev.ToolName, ID: ev.ToolID, Input: ev.Input})
		case stream.KindToolEnd:
			notify(MessageTool, ToolPayload{Phase: ToolPhaseEnd, Name: ev.ToolName, ID: ev.ToolID, Synthesized: ev.Synthesized})
		case stream.KindTextDelta:
			notify(MessageResponse, ResponsePayload{Partial: true, Delta: ev.Text})
		}
	}

	// An abandoned request is never settled unless the scheduler rejects
	// abandoned requests; shutdown releases the wait.
	res, err := handle.Wait(s.ctx)
	if err != nil {
		if s.ctx.Err() != nil && errors.Is(err, s.ctx.Err()) {
			return
		}
		code := errorCode(err)
		if code == CodeInternal {
			code = CodeExecution
		}
		notify(MessageError, ErrorPayload{Code: code, Message: err.Error()})
		return
	}

	notify(MessageResponse, ResponsePayload{
		Text:       res.Text,
		SessionID:  res.SessionToken,
		CostUSD:    res.CostUSD,
		DurationMs: res.DurationMs,
		IsError:    res.IsError,
	})
}

// handleSessionEvent turns scheduler lifecycle events into state
// notifications. The queued notification itself is published by handleChat
// so it carries the client's request id.
func (s *Server) handleSessionEvent(ev session.Event) {
	switch ev.Type {
	case session.EventStarted:
		// A dequeued start was already reported by Completed.
		if info, ok := s.sessions.Info(ev.Identity); ok && info.QueueLength > 0 {
			return
		}
	case session.EventQueued, session.EventCompleted, session.EventReset, session.EventDeleted:
	default:
		return
	}

	s.broadcaster.Publish(OutboundMessage{
		Type:     MessageState,
		Identity: ev.Identity,
		Data:     StatePayload{Busy: ev.Busy, QueueLength: ev.QueueLength},
	})
}

func (s *Server) sendState(client *Client, frame InboundFrame) {
	state := StatePayload{}
	if info, ok := s.sessions.Info(frame.Identity); ok {
		state = StatePayload{Busy: info.Busy, QueueLength: info.QueueLength}
	}

	if err := s.broadcaster.SendTo(client, OutboundMessage{
		Type:      MessageState,
		Identity:  frame.Identity,
		RequestID: frame.RequestID,
		Data:      state,
	}); err != nil {
		s.logger.Error().Err(err).Str("clientId", client.ID).Msg("Failed to send state")
	}
}

// sendError sends an error notification to a single client
func (s *Server) sendError(client *Client, frame InboundFrame, code, message string) {
	if err := s.broadcaster.SendTo(client, OutboundMessage{
		Type:      MessageError,
		Identity:  frame.Identity,
		RequestID: frame.RequestID,
		Data:      ErrorPayload{Code: code, Message: message},
	}); err != nil {
		s.logger.Error().
			Err(err).
			Str("clientId", client.ID).
			Msg("Failed to send error")
	}
}

func errorCode(err error) string {
	switch {
	case errors.Is(err, session.ErrInvalidIdentity), errors.Is(err, session.ErrEmptyMessage):
		return CodeInvalidInput
	case errors.Is(err, session.ErrSchedulerClosed):
		return CodeShuttingDown
	case errors.Is(err, session.ErrCancelled):
		return CodeCancelled
	case errors.Is(err, session.ErrAbandoned):
		return CodeAbandoned
	case errors.Is(err, session.ErrSessionNotFound):
		return CodeNotFound
	case errors.Is(err, agent.ErrNoResult), errors.Is(err, process.ErrExecutableNotFound):
		return CodeExecution
	}
	return CodeInternal
}
