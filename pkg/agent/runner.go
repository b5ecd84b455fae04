package agent

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/harun/agentd/internal/observability"
	"github.com/harun/agentd/internal/tracing"
	"github.com/harun/agentd/pkg/process"
	"github.com/harun/agentd/pkg/session"
	"github.com/harun/agentd/pkg/stream"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
)

const tracerName = "agentd.agent"

// Spawner starts agent processes. *process.Host implements it.
type Spawner interface {
	Spawn(ctx context.Context, inv process.Invocation) (*process.Process, error)
}

// Config holds runner configuration
type Config struct {
	Host   Spawner
	Logger zerolog.Logger

	// WorkDir overrides the host working directory for every invocation.
	WorkDir string

	// MaxLineBytes bounds a single output line. Zero uses the decoder default.
	MaxLineBytes int
}

// ActiveRun describes an execution in flight.
type ActiveRun struct {
	RequestID string    `json:"requestId"`
	Identity  string    `json:"identity"`
	PID       int       `json:"pid"`
	StartedAt time.Time `json:"startedAt"`
	Tool      string    `json:"tool,omitempty"`
}

type activeRun struct {
	ActiveRun
	tracker *stream.Tracker
	mu      *sync.Mutex
}

// Runner executes requests by launching the agent executable. It
// implements session.Executor.
type Runner struct {
	host    Spawner
	logger  zerolog.Logger
	workDir string
	maxLine int

	activeRuns map[string]*activeRun
	runsMu     sync.RWMutex
}

// NewRunner creates a runner
func NewRunner(cfg Config) *Runner {
	observability.EnsureRegistered()

	return &Runner{
		host:       cfg.Host,
		logger:     cfg.Logger,
		workDir:    cfg.WorkDir,
		maxLine:    cfg.MaxLineBytes,
		activeRuns: make(map[string]*activeRun),
	}
}

var _ session.Executor = (*Runner)(nil)

// Execute runs req to completion. Tool and text events are passed to
// req.Emit in stream order; the terminal result is returned.
func (r *Runner) Execute(ctx context.Context, req session.ExecRequest) (result session.Result, err error) {
	if tracing.GetSessionKey(ctx) == "" {
		ctx = tracing.WithSessionKey(ctx, req.Identity)
	}
	ctx, span := tracing.StartSpan(ctx, tracerName, "agent.run",
		attribute.String("request.id", req.ID),
		attribute.Bool("resume", req.ResumeToken != ""),
	)
	logger := tracing.LoggerFromContext(ctx, r.logger)

	emit := req.Emit
	if emit == nil {
		emit = func(stream.Event) {}
	}

	agg := &aggregator{}
	outcome := "success"
	defer func() {
		switch {
		case err == nil && result.IsError:
			outcome = "agent_error"
		case err != nil && outcome == "success":
			outcome = "error"
		}
		observability.RecordAgentRun(outcome, time.Duration(result.DurationMs)*time.Millisecond, result.CostUSD)
		span.SetAttributes(
			attribute.String("outcome", outcome),
			attribute.Float64("cost_usd", result.CostUSD),
		)
		tracing.EndSpan(span, err)
	}()

	proc, spawnErr := r.host.Spawn(ctx, process.Invocation{
		Message:     req.Message,
		ResumeToken: req.ResumeToken,
		WorkDir:     r.workDir,
	})
	if spawnErr != nil {
		outcome = "spawn_error"
		if ctx.Err() != nil {
			outcome = "cancelled"
			agg.reject(fmt.Errorf("%w: %v", ErrCancelled, ctx.Err()))
		} else {
			logger.Error().Err(spawnErr).Msg("Failed to start agent process")
			agg.reject(spawnErr)
		}
		return agg.outcome()
	}
	defer proc.Close()

	logger = logger.With().Int("pid", proc.PID()).Logger()
	logger.Debug().Msg("Agent run started")

	var trackerMu sync.Mutex
	tracker := stream.NewTracker(func(ev stream.Event) {
		if ev.Kind == stream.KindResult {
			return
		}
		emit(ev)
	})
	r.track(req, proc, tracker, &trackerMu)
	defer r.untrack(req.ID)

	decoder := stream.NewDecoder(logger)
	if r.maxLine > 0 {
		decoder.SetMaxLineBytes(r.maxLine)
	}

	handle := func(envs []stream.Envelope) {
		trackerMu.Lock()
		defer trackerMu.Unlock()
		for _, env := range envs {
			tracker.Handle(env)
		}
	}

	cancelled := false
read:
	for {
		select {
		case chunk, ok := <-proc.Chunks():
			if !ok {
				break read
			}
			handle(decoder.Feed(chunk))
		case <-ctx.Done():
			cancelled = true
			proc.Kill()
			break read
		}
	}

	if !cancelled {
		handle(decoder.Flush())
	}

	// Reap before deciding so the exit status and stderr tail are final.
	proc.Close()

	trackerMu.Lock()
	tracker.Close()
	terminal, gotResult := tracker.Result()
	trackerMu.Unlock()

	code, waitErr := proc.ExitStatus()

	switch {
	case gotResult:
		agg.resolve(terminal)
		if code != 0 {
			logger.Debug().Int("exit_code", code).Msg("Agent exited non-zero after a result")
		}
	case cancelled:
		outcome = "cancelled"
		agg.reject(fmt.Errorf("%w: %v", ErrCancelled, ctx.Err()))
	default:
		outcome = "no_result"
		noResult := &NoResultError{
			ExitCode:   code,
			StderrTail: proc.StderrTail(),
			WaitErr:    waitErr,
		}
		logger.Error().
			Int("exit_code", code).
			Strs("stderr", noResult.StderrTail).
			Int("dropped_lines", decoder.Dropped()).
			Msg("Agent exited without a result")
		agg.reject(noResult)
	}

	result, err = agg.outcome()
	if err == nil {
		logger.Debug().
			Bool("is_error", result.IsError).
			Float64("cost_usd", result.CostUSD).
			Int64("duration_ms", result.DurationMs).
			Msg("Agent run completed")
	}
	return result, err
}

func (r *Runner) track(req session.ExecRequest, proc *process.Process, tracker *stream.Tracker, mu *sync.Mutex) {
	r.runsMu.Lock()
	defer r.runsMu.Unlock()

	r.activeRuns[req.ID] = &activeRun{
		ActiveRun: ActiveRun{
			RequestID: req.ID,
			Identity:  req.Identity,
			PID:       proc.PID(),
			StartedAt: time.Now(),
		},
		tracker: tracker,
		mu:      mu,
	}
}

func (r *Runner) untrack(requestID string) {
	r.runsMu.Lock()
	defer r.runsMu.Unlock()
	delete(r.activeRuns, requestID)
}

// Active lists executions in flight ordered by start time, with the tool
// each one is currently running.
func (r *Runner) Active() []ActiveRun {
	r.runsMu.RLock()
	runs := make([]*activeRun, 0, len(r.activeRuns))
	for _, run := range r.activeRuns {
		runs = append(runs, run)
	}
	r.runsMu.RUnlock()

	out := make([]ActiveRun, 0, len(runs))
	for _, run := range runs {
		info := run.ActiveRun
		run.mu.Lock()
		if tool, ok := run.tracker.Running(); ok {
			info.Tool = tool
		}
		run.mu.Unlock()
		out = append(out, info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out
}
