package process

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sort"
	"sync"
	"syscall"
	"time"

	"github.com/harun/agentd/internal/observability"
	"github.com/rs/zerolog"
)

const (
	defaultKillGrace       = 3 * time.Second
	defaultStderrTailLines = 20
	readBufferSize         = 32 * 1024
	maxStderrLine          = 64 * 1024
)

// Config describes how agent processes are launched.
type Config struct {
	Executable     string
	SystemPrompt   string
	Model          string
	WorkDir        string
	IncludePartial bool
	ExtraArgs      []string
	Env            map[string]string

	// KillGrace is the delay between SIGTERM and SIGKILL on Kill.
	KillGrace time.Duration

	// StderrTailLines bounds how many diagnostic lines are retained.
	StderrTailLines int
}

// Invocation is the per-request part of a launch.
type Invocation struct {
	Message     string
	ResumeToken string

	// WorkDir overrides Config.WorkDir when set.
	WorkDir string
}

// Host launches agent processes.
type Host struct {
	mu     sync.RWMutex
	config Config
	logger zerolog.Logger
}

// NewHost creates a host for config.
func NewHost(config Config, logger zerolog.Logger) *Host {
	if config.KillGrace <= 0 {
		config.KillGrace = defaultKillGrace
	}
	if config.StderrTailLines <= 0 {
		config.StderrTailLines = defaultStderrTailLines
	}
	return &Host{config: config, logger: logger}
}

// Config returns the host configuration.
func (h *Host) Config() Config {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.config
}

// UpdatePrompt replaces the system prompt and model used by later spawns.
// Processes already running are unaffected.
func (h *Host) UpdatePrompt(systemPrompt, model string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.config.SystemPrompt = systemPrompt
	h.config.Model = model
}

// Spawn starts one agent process for inv. The returned process must be
// closed by the caller.
func (h *Host) Spawn(ctx context.Context, inv Invocation) (*Process, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	cfg := h.Config()
	if cfg.Executable == "" {
		observability.RecordProcessSpawn(false)
		return nil, &SpawnError{Err: ErrEmptyExecutable}
	}

	path, err := exec.LookPath(cfg.Executable)
	if err != nil {
		observability.RecordProcessSpawn(false)
		return nil, &SpawnError{
			Executable: cfg.Executable,
			Err:        fmt.Errorf("%w: %v", ErrExecutableNotFound, err),
		}
	}

	cmd := exec.Command(path, BuildArgs(inv, cfg)...)
	cmd.Dir = cfg.WorkDir
	if inv.WorkDir != "" {
		cmd.Dir = inv.WorkDir
	}
	cmd.Env = buildEnvironment(cfg.Env)
	setProcAttr(cmd)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		observability.RecordProcessSpawn(false)
		return nil, &SpawnError{Executable: path, Err: err}
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		observability.RecordProcessSpawn(false)
		return nil, &SpawnError{Executable: path, Err: err}
	}

	if err := cmd.Start(); err != nil {
		observability.RecordProcessSpawn(false)
		return nil, &SpawnError{Executable: path, Err: err}
	}
	observability.RecordProcessSpawn(true)

	logger := h.logger.With().Int("pid", cmd.Process.Pid).Logger()
	logger.Debug().
		Str("executable", path).
		Str("dir", cmd.Dir).
		Bool("resume", inv.ResumeToken != "").
		Msg("Agent process started")

	p := &Process{
		cmd:       cmd,
		chunks:    make(chan []byte, 16),
		done:      make(chan struct{}),
		killGrace: cfg.KillGrace,
		tailLimit: cfg.StderrTailLines,
		logger:    logger,
		started:   time.Now(),
	}
	p.exitErr = ErrNotExited

	var drained sync.WaitGroup
	drained.Add(2)
	go func() {
		defer drained.Done()
		p.readStdout(stdout)
	}()
	go func() {
		defer drained.Done()
		p.readStderr(stderr)
	}()
	go func() {
		drained.Wait()
		p.reap()
	}()

	return p, nil
}

// buildEnvironment returns the parent environment plus extras in a stable
// order.
func buildEnvironment(extra map[string]string) []string {
	env := os.Environ()

	keys := make([]string, 0, len(extra))
	for key := range extra {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	for _, key := range keys {
		env = append(env, key+"="+extra[key])
	}
	return env
}

// Process is one running agent. Chunks must be drained (or Close called) for
// the process to be reaped.
type Process struct {
	cmd       *exec.Cmd
	chunks    chan []byte
	done      chan struct{}
	killGrace time.Duration
	tailLimit int
	logger    zerolog.Logger
	started   time.Time

	mu       sync.Mutex
	tail     []string
	exitCode int
	exitErr  error

	killOnce sync.Once
}

// PID returns the operating system process id.
func (p *Process) PID() int {
	return p.cmd.Process.Pid
}

// Chunks delivers raw stdout data in arrival order. It is closed at EOF.
func (p *Process) Chunks() <-chan []byte {
	return p.chunks
}

// Done is closed once stdout and stderr are drained and the process is reaped.
func (p *Process) Done() <-chan struct{} {
	return p.done
}

// ExitStatus returns the exit code and any wait error other than a non-zero
// exit. Before Done is closed it returns ErrNotExited.
func (p *Process) ExitStatus() (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.exitCode, p.exitErr
}

// StderrTail returns the most recent diagnostic lines.
func (p *Process) StderrTail() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, len(p.tail))
	copy(out, p.tail)
	return out
}

// Kill sends SIGTERM to the process group and SIGKILL after the grace period
// if it is still running. Only the first call has an effect.
func (p *Process) Kill() {
	p.killOnce.Do(func() {
		select {
		case <-p.done:
			return
		default:
		}

		p.logger.Debug().Msg("Terminating agent process group")
		if err := signalGroup(p.cmd.Process, syscall.SIGTERM); err != nil {
			p.logger.Debug().Err(err).Msg("SIGTERM to process group failed")
		}

		go func() {
			timer := time.NewTimer(p.killGrace)
			defer timer.Stop()
			select {
			case <-p.done:
			case <-timer.C:
				p.logger.Warn().Dur("grace", p.killGrace).Msg("Agent process ignored SIGTERM, killing")
				_ = killGroup(p.cmd.Process)
			}
		}()
	})
}

// Close kills the process if it is still running, discards unread output and
// waits until it is reaped. It is safe to call more than once.
func (p *Process) Close() {
	select {
	case <-p.done:
		return
	default:
	}

	p.Kill()
	for range p.chunks {
	}
	<-p.done
}

func (p *Process) readStdout(r io.Reader) {
	defer close(p.chunks)

	buf := make([]byte, readBufferSize)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			p.chunks <- chunk
		}
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, os.ErrClosed) {
				p.logger.Debug().Err(err).Msg("Agent stdout read failed")
			}
			return
		}
	}
}

func (p *Process) readStderr(r io.Reader) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 4096), maxStderrLine)

	for scanner.Scan() {
		line := scanner.Text()
		p.logger.Debug().Str("stderr", line).Msg("Agent diagnostic")

		p.mu.Lock()
		p.tail = append(p.tail, line)
		if len(p.tail) > p.tailLimit {
			p.tail = p.tail[len(p.tail)-p.tailLimit:]
		}
		p.mu.Unlock()
	}

	// Keep draining after an over-long line so the child never blocks on a
	// full stderr pipe.
	_, _ = io.Copy(io.Discard, r)
}

func (p *Process) reap() {
	err := p.cmd.Wait()

	code := 0
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		code = exitErr.ExitCode()
		err = nil
	}

	p.mu.Lock()
	p.exitCode = code
	p.exitErr = err
	p.mu.Unlock()

	p.logger.Debug().
		Int("exit_code", code).
		Dur("duration", time.Since(p.started)).
		Msg("Agent process exited")

	close(p.done)
}
