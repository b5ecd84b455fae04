package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/harun/agentd/internal/observability"
	"github.com/harun/agentd/internal/tracing"
	"github.com/harun/agentd/pkg/stream"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
)

const tracerName = "agentd.session"

// Config configures a Scheduler.
type Config struct {
	// Tokens persists resume tokens. Defaults to an in-memory store.
	Tokens TokenStore

	// RejectAbandoned rejects requests dropped by Reset or Delete with
	// ErrAbandoned. When false they are never resolved.
	RejectAbandoned bool

	// Timeout bounds one execution. Zero means no limit.
	Timeout time.Duration

	Logger zerolog.Logger
}

// Scheduler runs at most one execution per identity and queues the rest in
// submission order.
type Scheduler struct {
	exec   Executor
	store  *Store
	tokens TokenStore
	config Config
	logger zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	closeMu sync.RWMutex
	closed  bool

	busyCount atomic.Int64

	handlers   []EventHandler
	handlersMu sync.RWMutex
}

// NewScheduler creates a scheduler that hands executions to exec.
func NewScheduler(exec Executor, config Config) *Scheduler {
	observability.EnsureRegistered()

	if config.Tokens == nil {
		config.Tokens = NewMemoryTokenStore()
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		exec:   exec,
		store:  NewStore(),
		tokens: config.Tokens,
		config: config,
		logger: config.Logger,
		ctx:    ctx,
		cancel: cancel,
	}
}

// Submit schedules message for identity. When the identity is idle the
// execution starts at once; otherwise the request is queued and its 1-based
// position is available from Handle.Position and opts.OnQueued before Submit
// returns. Cancelling ctx cancels a running execution; a queued request
// whose ctx is done when its turn comes is rejected with ErrCancelled.
func (s *Scheduler) Submit(ctx context.Context, identity, message string, opts SubmitOptions) (*Handle, error) {
	if err := validateIdentity(identity); err != nil {
		return nil, err
	}
	if message == "" {
		return nil, ErrEmptyMessage
	}
	if ctx == nil {
		ctx = context.Background()
	}

	ctx = tracing.WithSessionKey(ctx, identity)
	ctx, span := tracing.StartSpan(ctx, tracerName, "session.submit")
	defer span.End()

	s.closeMu.RLock()
	defer s.closeMu.RUnlock()
	if s.closed {
		return nil, ErrSchedulerClosed
	}

	req := &pending{
		id:         uuid.NewString(),
		ctx:        ctx,
		message:    message,
		events:     opts.Events,
		enqueuedAt: time.Now(),
		opts:       opts,
	}
	req.handle = newHandle(req.id, identity)
	logger := tracing.LoggerFromContext(ctx, s.logger).With().Str("request_id", req.id).Logger()

	sess := s.store.acquire(identity)
	if sess.deleted {
		// A Submit after Delete starts a fresh conversation but still waits
		// for the execution that was in flight at delete time.
		sess.deleted = false
		sess.token = ""
		sess.tokenLoaded = true
	}
	sess.lastActive = time.Now()

	if !sess.busy {
		sess.busy = true
		token := s.tokenLocked(ctx, sess)
		gen := sess.generation
		s.armLocked(sess, req)
		sess.mu.Unlock()

		span.SetAttributes(attribute.Int("queue.position", 0))
		logger.Debug().Msg("Request started immediately")
		s.start(sess, req, gen, token)
		observability.SetActiveSessions(s.store.Len())
		return req.handle, nil
	}

	sess.queue = append(sess.queue, req)
	position := len(sess.queue)
	req.handle.position = position
	sess.mu.Unlock()

	span.SetAttributes(attribute.Int("queue.position", position))
	logger.Debug().Int("position", position).Msg("Request queued")
	observability.RecordEnqueue()

	if opts.OnQueued != nil {
		opts.OnQueued(position)
	}
	s.emit(Event{
		Type:        EventQueued,
		Identity:    identity,
		RequestID:   req.id,
		Busy:        true,
		QueueLength: position,
		Position:    position,
	})

	if opts.WarnAfter > 0 {
		s.wg.Add(1)
		go s.warnIfWaiting(sess, req)
	}

	return req.handle, nil
}

// tokenLocked returns the resume token, loading it from the token store on
// first use. sess.mu must be held.
func (s *Scheduler) tokenLocked(ctx context.Context, sess *Session) string {
	if sess.tokenLoaded {
		return sess.token
	}
	token, err := s.tokens.Load(ctx, sess.identity)
	if err != nil {
		s.logger.Warn().Err(err).Str("session_key", sess.identity).Msg("Failed to load resume token")
		return sess.token
	}
	sess.token = token
	sess.tokenLoaded = true
	return token
}

// armLocked creates the cancellable context req runs under and publishes
// its cancel func, so Cancel sees the execution as soon as the session is
// busy. sess.mu must be held.
func (s *Scheduler) armLocked(sess *Session, req *pending) {
	req.runCtx, req.cancel = context.WithCancel(req.ctx)
	sess.cancelRun = req.cancel
}

// start launches req. The session must already be marked busy and req armed.
func (s *Scheduler) start(sess *Session, req *pending, gen uint64, token string) {
	s.busyCount.Add(1)
	observability.AddBusySessions(1)

	s.emit(Event{
		Type:      EventStarted,
		Identity:  sess.identity,
		RequestID: req.id,
		Busy:      true,
	})

	s.wg.Add(1)
	go s.run(sess, req, gen, token)
}

func (s *Scheduler) run(sess *Session, req *pending, gen uint64, token string) {
	defer s.wg.Done()

	ctx := tracing.NewRunContext(req.runCtx, sess.identity)
	ctx, span := tracing.StartSpan(ctx, tracerName, "session.execute",
		attribute.String("request.id", req.id),
		attribute.Bool("resume", token != ""),
	)
	logger := tracing.LoggerFromContext(ctx, s.logger).With().Str("request_id", req.id).Logger()

	runCtx := ctx
	stopCancel := context.AfterFunc(s.ctx, req.cancel)
	if s.config.Timeout > 0 {
		var cancelTimeout context.CancelFunc
		runCtx, cancelTimeout = context.WithTimeout(runCtx, s.config.Timeout)
		defer cancelTimeout()
	}
	defer func() {
		stopCancel()
		req.cancel()
	}()

	// Delivery does not stop on cancellation: the ToolEnd events synthesized
	// while a cancelled run shuts down must still reach the receiver.
	emit := func(stream.Event) {}
	if req.events != nil {
		emit = func(ev stream.Event) {
			req.events <- ev
		}
	}

	startTime := time.Now()

	var (
		res Result
		err error
	)
	if ctxErr := runCtx.Err(); ctxErr != nil {
		err = fmt.Errorf("%w: %v", ErrCancelled, ctxErr)
	} else {
		res, err = s.exec.Execute(runCtx, ExecRequest{
			ID:          req.id,
			Identity:    sess.identity,
			Message:     req.message,
			ResumeToken: token,
			Emit:        emit,
		})
	}

	duration := time.Since(startTime)

	if req.events != nil {
		close(req.events)
	}

	status := "success"
	switch {
	case errors.Is(err, ErrCancelled):
		status = "cancelled"
	case err != nil:
		status = "error"
	case res.IsError:
		status = "agent_error"
	}
	observability.RecordCompletion(duration, status)

	if err != nil {
		logger.Error().Err(err).Dur("duration", duration).Msg("Execution failed")
	} else {
		logger.Debug().Dur("duration", duration).Bool("is_error", res.IsError).Msg("Execution completed")
	}
	tracing.EndSpan(span, err)

	s.complete(sess, req, gen, res, err)
}

// complete records the outcome of req, frees the identity and starts the
// next queued request.
func (s *Scheduler) complete(sess *Session, req *pending, gen uint64, res Result, err error) {
	s.busyCount.Add(-1)
	observability.AddBusySessions(-1)

	s.closeMu.RLock()
	closed := s.closed
	s.closeMu.RUnlock()

	sess.mu.Lock()
	sess.cancelRun = nil
	sess.lastActive = time.Now()

	if err == nil && res.SessionToken != "" && sess.generation == gen {
		sess.token = res.SessionToken
		sess.tokenLoaded = true
		if saveErr := s.tokens.Save(context.Background(), sess.identity, res.SessionToken); saveErr != nil {
			s.logger.Warn().Err(saveErr).Str("session_key", sess.identity).Msg("Failed to persist resume token")
		}
	}

	var (
		next      *pending
		nextToken string
		nextGen   uint64
		rejected  []*pending
	)
	switch {
	case closed:
		rejected = sess.queue
		sess.queue = nil
		sess.busy = false
	case len(sess.queue) > 0:
		next = sess.queue[0]
		sess.queue[0] = nil
		sess.queue = sess.queue[1:]
		nextToken = s.tokenLocked(context.Background(), sess)
		nextGen = sess.generation
		s.armLocked(sess, next)
	default:
		sess.busy = false
	}
	busy := sess.busy
	queueLength := len(sess.queue)
	tombstone := sess.deleted
	sess.mu.Unlock()

	req.handle.settle(res, err)

	s.emit(Event{
		Type:        EventCompleted,
		Identity:    sess.identity,
		RequestID:   req.id,
		Busy:        busy,
		QueueLength: queueLength,
		Err:         err,
	})

	for _, r := range rejected {
		observability.RecordDequeue()
		if r.events != nil {
			close(r.events)
		}
		r.handle.settle(Result{}, ErrSchedulerClosed)
	}

	if next != nil {
		observability.RecordDequeue()
		s.start(sess, next, nextGen, nextToken)
		return
	}

	if tombstone {
		s.store.reap(sess)
		observability.SetActiveSessions(s.store.Len())
	}
}

// Reset clears the resume token of identity and drops its queue. An
// execution in flight keeps running, but its result no longer updates the
// token.
func (s *Scheduler) Reset(ctx context.Context, identity string) error {
	if err := validateIdentity(identity); err != nil {
		return err
	}

	var (
		abandoned []*pending
		busy      bool
		err       error
	)

	sess := s.store.get(identity)
	if sess != nil {
		sess.mu.Lock()
		if !sess.removed && !sess.deleted {
			sess.generation++
			sess.token = ""
			sess.tokenLoaded = true
			abandoned = sess.queue
			sess.queue = nil
			busy = sess.busy
			err = s.tokens.Delete(ctx, identity)
			sess.mu.Unlock()
		} else {
			sess.mu.Unlock()
			sess = nil
		}
	}
	if sess == nil {
		err = s.tokens.Delete(ctx, identity)
	}

	s.abandon(abandoned)

	logger := tracing.LoggerFromContext(ctx, s.logger)
	logger.Info().
		Str("session_key", identity).
		Int("abandoned", len(abandoned)).
		Msg("Session reset")

	s.emit(Event{Type: EventReset, Identity: identity, Busy: busy})

	if err != nil {
		return fmt.Errorf("failed to clear resume token: %w", err)
	}
	return nil
}

// Delete removes the session of identity. An execution in flight is not
// cancelled; until it finishes the identity stays reserved so a new Submit
// still waits for it. Returns ErrSessionNotFound when no session existed,
// after clearing any persisted token.
func (s *Scheduler) Delete(ctx context.Context, identity string) error {
	if err := validateIdentity(identity); err != nil {
		return err
	}

	var (
		abandoned []*pending
		tokenErr  error
	)

	existed := s.store.remove(identity, func(sess *Session) {
		sess.generation++
		sess.token = ""
		sess.tokenLoaded = true
		abandoned = sess.queue
		sess.queue = nil
		tokenErr = s.tokens.Delete(ctx, identity)
	})
	if !existed {
		if err := s.tokens.Delete(ctx, identity); err != nil {
			return fmt.Errorf("failed to clear resume token: %w", err)
		}
		return ErrSessionNotFound
	}

	s.abandon(abandoned)
	observability.SetActiveSessions(s.store.Len())

	logger := tracing.LoggerFromContext(ctx, s.logger)
	logger.Info().
		Str("session_key", identity).
		Int("abandoned", len(abandoned)).
		Msg("Session deleted")

	s.emit(Event{Type: EventDeleted, Identity: identity})

	if tokenErr != nil {
		return fmt.Errorf("failed to clear resume token: %w", tokenErr)
	}
	return nil
}

// abandon settles or drops requests removed from a queue. Their event
// channels are closed either way since no event will follow.
func (s *Scheduler) abandon(reqs []*pending) {
	observability.RecordAbandoned(len(reqs))
	for _, r := range reqs {
		if r.events != nil {
			close(r.events)
		}
		if s.config.RejectAbandoned {
			r.handle.settle(Result{}, ErrAbandoned)
		}
	}
}

// Cancel cancels the execution in flight for identity. Queued requests are
// unaffected. It reports whether an execution was cancelled.
func (s *Scheduler) Cancel(identity string) bool {
	sess := s.store.get(identity)
	if sess == nil {
		return false
	}

	sess.mu.Lock()
	cancel := sess.cancelRun
	sess.mu.Unlock()

	if cancel == nil {
		return false
	}
	cancel()
	return true
}

// IsBusy reports whether identity has an execution in flight.
func (s *Scheduler) IsBusy(identity string) bool {
	sess := s.store.get(identity)
	if sess == nil {
		return false
	}
	sess.mu.Lock()
	defer sess.mu.Unlock()
	return sess.busy && !sess.deleted
}

// QueueLength returns the number of requests waiting for identity.
func (s *Scheduler) QueueLength(identity string) int {
	sess := s.store.get(identity)
	if sess == nil {
		return 0
	}
	sess.mu.Lock()
	defer sess.mu.Unlock()
	if sess.deleted {
		return 0
	}
	return len(sess.queue)
}

// ResumeToken returns the current resume token of identity, or "".
func (s *Scheduler) ResumeToken(identity string) string {
	sess := s.store.get(identity)
	if sess == nil {
		return ""
	}
	sess.mu.Lock()
	defer sess.mu.Unlock()
	if sess.deleted {
		return ""
	}
	return s.tokenLocked(context.Background(), sess)
}

// Info returns the state of one session.
func (s *Scheduler) Info(identity string) (SessionInfo, bool) {
	sess := s.store.get(identity)
	if sess == nil {
		return SessionInfo{}, false
	}
	sess.mu.Lock()
	defer sess.mu.Unlock()
	if sess.deleted || sess.removed {
		return SessionInfo{}, false
	}
	return sess.info(), true
}

// Snapshot lists all sessions ordered by identity.
func (s *Scheduler) Snapshot() []SessionInfo {
	return s.store.snapshot()
}

// Running returns the number of executions in flight.
func (s *Scheduler) Running() int {
	return int(s.busyCount.Load())
}

// EvictIdle removes sessions idle since before cutoff. Persisted tokens are
// kept, so an evicted identity resumes its conversation on the next Submit.
func (s *Scheduler) EvictIdle(cutoff time.Time) []string {
	evicted := s.store.evictIdle(cutoff)
	if len(evicted) > 0 {
		observability.RecordSweptSessions(len(evicted))
		observability.SetActiveSessions(s.store.Len())
	}
	return evicted
}

// On registers a lifecycle event handler. Handlers run synchronously on the
// goroutine that caused the event and must not block.
func (s *Scheduler) On(handler EventHandler) {
	s.handlersMu.Lock()
	defer s.handlersMu.Unlock()
	s.handlers = append(s.handlers, handler)
}

func (s *Scheduler) emit(event Event) {
	s.handlersMu.RLock()
	handlers := s.handlers
	s.handlersMu.RUnlock()

	for _, handler := range handlers {
		handler(event)
	}
}

// warnIfWaiting logs when req is still queued after WarnAfter.
func (s *Scheduler) warnIfWaiting(sess *Session, req *pending) {
	defer s.wg.Done()

	timer := time.NewTimer(req.opts.WarnAfter)
	defer timer.Stop()

	select {
	case <-timer.C:
	case <-req.handle.Done():
		return
	case <-s.ctx.Done():
		return
	}

	sess.mu.Lock()
	position := 0
	for i, r := range sess.queue {
		if r == req {
			position = i + 1
			break
		}
	}
	sess.mu.Unlock()

	if position == 0 {
		return
	}

	waited := time.Since(req.enqueuedAt)
	s.logger.Warn().
		Str("session_key", sess.identity).
		Str("request_id", req.id).
		Dur("waited", waited).
		Int("position", position).
		Msg("Request waiting longer than expected")

	if req.opts.OnWait != nil {
		req.opts.OnWait(waited, position)
	}
}

// Close stops accepting requests, cancels executions in flight, rejects
// queued requests with ErrSchedulerClosed and waits for everything to
// finish. Abandoned requests are unaffected.
func (s *Scheduler) Close() error {
	s.closeMu.Lock()
	if s.closed {
		s.closeMu.Unlock()
		return nil
	}
	s.closed = true
	s.closeMu.Unlock()

	s.cancel()
	s.wg.Wait()
	s.logger.Info().Msg("Scheduler closed")
	return nil
}
