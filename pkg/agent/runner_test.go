package agent

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/harun/agentd/internal/fakeagent"
	"github.com/harun/agentd/pkg/process"
	"github.com/harun/agentd/pkg/session"
	"github.com/harun/agentd/pkg/stream"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type eventLog struct {
	mu     sync.Mutex
	events []stream.Event
}

func (l *eventLog) emit(ev stream.Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, ev)
}

func (l *eventLog) kinds() []stream.EventKind {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]stream.EventKind, 0, len(l.events))
	for _, ev := range l.events {
		out = append(out, ev.Kind)
	}
	return out
}

func setupTestRunner(mode string) *Runner {
	host := process.NewHost(process.Config{
		Executable: os.Args[0],
		Env:        fakeagent.Env(mode),
		KillGrace:  200 * time.Millisecond,
	}, zerolog.Nop())
	return NewRunner(Config{Host: host, Logger: zerolog.Nop()})
}

func execute(t *testing.T, r *Runner, req session.ExecRequest) (session.Result, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()
	return r.Execute(ctx, req)
}

func TestRunner_ResolvesWithResult(t *testing.T) {
	r := setupTestRunner(fakeagent.ModeEcho)

	res, err := execute(t, r, session.ExecRequest{ID: "r1", Identity: "alice", Message: "hi"})

	require.NoError(t, err)
	assert.Equal(t, "hi", res.Text)
	assert.Equal(t, "sess-1", res.SessionToken)
	assert.InDelta(t, 0.01, res.CostUSD, 1e-9)
	assert.Equal(t, int64(5), res.DurationMs)
	assert.False(t, res.IsError)
	assert.Empty(t, r.Active())
}

func TestRunner_PassesResumeToken(t *testing.T) {
	r := setupTestRunner(fakeagent.ModeEcho)

	res, err := execute(t, r, session.ExecRequest{ID: "r1", Identity: "alice", Message: "hi", ResumeToken: "sess-4"})

	require.NoError(t, err)
	assert.Equal(t, "sess-5", res.SessionToken)
}

func TestRunner_StreamsToolAndTextEvents(t *testing.T) {
	for _, mode := range []string{fakeagent.ModeTools, fakeagent.ModeFragmented} {
		t.Run(mode, func(t *testing.T) {
			r := setupTestRunner(mode)
			log := &eventLog{}

			res, err := execute(t, r, session.ExecRequest{ID: "r1", Identity: "alice", Message: "world", Emit: log.emit})

			require.NoError(t, err)
			assert.Equal(t, "Hello, world", res.Text)
			assert.Equal(t, []stream.EventKind{
				stream.KindToolStart,
				stream.KindToolEnd,
				stream.KindTextDelta,
				stream.KindTextDelta,
			}, log.kinds())
			assert.Equal(t, "Read", log.events[0].ToolName)
			assert.Equal(t, "Hello, ", log.events[2].Text)
			assert.Equal(t, "world", log.events[3].Text)
		})
	}
}

func TestRunner_MidToolExitSynthesizesEnd(t *testing.T) {
	r := setupTestRunner(fakeagent.ModeMidTool)
	log := &eventLog{}

	_, err := execute(t, r, session.ExecRequest{ID: "r1", Identity: "alice", Message: "x", Emit: log.emit})

	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNoResult)

	var noResult *NoResultError
	require.True(t, errors.As(err, &noResult))
	assert.Equal(t, 1, noResult.ExitCode)
	assert.Equal(t, []string{"agent crashed during tool"}, noResult.StderrTail)

	require.Equal(t, []stream.EventKind{stream.KindToolStart, stream.KindToolEnd}, log.kinds())
	assert.True(t, log.events[1].Synthesized)
	assert.Equal(t, "Bash", log.events[1].ToolName)
}

func TestRunner_NoResult(t *testing.T) {
	r := setupTestRunner(fakeagent.ModeNoResult)

	_, err := execute(t, r, session.ExecRequest{ID: "r1", Identity: "alice", Message: "x"})

	var noResult *NoResultError
	require.True(t, errors.As(err, &noResult))
	assert.Equal(t, 2, noResult.ExitCode)
	assert.Contains(t, err.Error(), "exiting")
}

func TestRunner_ErrorResultIsSuccess(t *testing.T) {
	r := setupTestRunner(fakeagent.ModeErrorResult)

	res, err := execute(t, r, session.ExecRequest{ID: "r1", Identity: "alice", Message: "x"})

	require.NoError(t, err, "a result with is_error still resolves despite the non-zero exit")
	assert.True(t, res.IsError)
	assert.Equal(t, "error_during_execution", res.Subtype)
	assert.Equal(t, "model refused", res.Text)
}

func TestRunner_SurvivesMalformedLines(t *testing.T) {
	r := setupTestRunner(fakeagent.ModeGarbage)

	res, err := execute(t, r, session.ExecRequest{ID: "r1", Identity: "alice", Message: "still here"})

	require.NoError(t, err)
	assert.Equal(t, "still here", res.Text)
}

func TestRunner_SpawnFailure(t *testing.T) {
	host := process.NewHost(process.Config{Executable: "/nonexistent/agent"}, zerolog.Nop())
	r := NewRunner(Config{Host: host, Logger: zerolog.Nop()})

	_, err := execute(t, r, session.ExecRequest{ID: "r1", Identity: "alice", Message: "x"})

	assert.ErrorIs(t, err, process.ErrExecutableNotFound)
	var spawnErr *process.SpawnError
	assert.True(t, errors.As(err, &spawnErr))
}

func TestRunner_CancelKillsProcess(t *testing.T) {
	r := setupTestRunner(fakeagent.ModeHang)
	log := &eventLog{}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := r.Execute(ctx, session.ExecRequest{ID: "r1", Identity: "alice", Message: "x", Emit: log.emit})
		done <- err
	}()

	require.Eventually(t, func() bool {
		active := r.Active()
		return len(active) == 1 && active[0].Tool == "Sleep"
	}, 10*time.Second, 10*time.Millisecond)

	active := r.Active()
	assert.Equal(t, "alice", active[0].Identity)
	assert.Greater(t, active[0].PID, 0)

	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, ErrCancelled)
	case <-time.After(10 * time.Second):
		t.Fatal("Execute did not return after cancel")
	}

	assert.Equal(t, []stream.EventKind{stream.KindToolStart, stream.KindToolEnd}, log.kinds())
	assert.Empty(t, r.Active())
}

func TestRunner_WithScheduler(t *testing.T) {
	r := setupTestRunner(fakeagent.ModeEcho)
	sched := session.NewScheduler(r, session.Config{Logger: zerolog.Nop()})
	defer sched.Close()

	ctx := context.Background()
	h1, err := sched.Submit(ctx, "alice", "one", session.SubmitOptions{})
	require.NoError(t, err)

	waitCtx, cancel := context.WithTimeout(ctx, 20*time.Second)
	defer cancel()

	res, err := h1.Wait(waitCtx)
	require.NoError(t, err)
	assert.Equal(t, "sess-1", res.SessionToken)

	require.Eventually(t, func() bool { return !sched.IsBusy("alice") }, 5*time.Second, 5*time.Millisecond)

	h2, err := sched.Submit(ctx, "alice", "two", session.SubmitOptions{})
	require.NoError(t, err)
	res, err = h2.Wait(waitCtx)
	require.NoError(t, err)
	assert.Equal(t, "sess-2", res.SessionToken, "second run resumes the first")
}

func TestRunner_CancelThroughSchedulerPairsToolEvents(t *testing.T) {
	r := setupTestRunner(fakeagent.ModeHang)
	sched := session.NewScheduler(r, session.Config{Logger: zerolog.Nop()})
	defer sched.Close()

	for i := 0; i < 5; i++ {
		events := make(chan stream.Event, 64)
		h, err := sched.Submit(context.Background(), "alice", "x", session.SubmitOptions{Events: events})
		require.NoError(t, err)

		first := <-events
		require.Equal(t, stream.KindToolStart, first.Kind)
		require.True(t, sched.Cancel("alice"))

		starts, ends := 1, 0
		for ev := range events {
			switch ev.Kind {
			case stream.KindToolStart:
				starts++
			case stream.KindToolEnd:
				ends++
			}
		}
		assert.Equal(t, starts, ends, "run %d", i)

		waitCtx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
		_, err = h.Wait(waitCtx)
		cancel()
		assert.ErrorIs(t, err, ErrCancelled)

		require.Eventually(t, func() bool { return !sched.IsBusy("alice") }, 5*time.Second, 5*time.Millisecond)
	}
}
