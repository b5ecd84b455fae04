package daemon

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/harun/agentd/internal/config"
	"github.com/harun/agentd/internal/logger"
	"github.com/harun/agentd/internal/observability"
	"github.com/harun/agentd/internal/tracing"
	"github.com/harun/agentd/pkg/agent"
	"github.com/harun/agentd/pkg/gateway"
	"github.com/harun/agentd/pkg/process"
	"github.com/harun/agentd/pkg/session"
)

const serviceName = "agentd"

// Daemon wires the agent host, the session scheduler and the gateway.
type Daemon struct {
	config *config.Config
	logger *logger.Logger

	// Core modules
	host      *process.Host
	runner    *agent.Runner
	tokens    *session.SQLiteTokenStore
	scheduler *session.Scheduler
	sweeper   *session.Sweeper

	// Services
	gatewayServer *gateway.Server
	watcher       *config.Watcher

	// Internal
	eventLoop *EventLoop
	router    *Router
	lifecycle *LifecycleManager

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	startTime time.Time
	running   bool
	closed    bool
	mu        sync.RWMutex

	tracingEnabled bool
}

// Options adjust how a daemon is assembled.
type Options struct {
	// ConfigPath enables hot reload of the file it names.
	ConfigPath string

	// DisableGateway skips the gateway even when the config enables it.
	// One-shot commands use it.
	DisableGateway bool
}

// New creates a new daemon instance
func New(cfg *config.Config, log *logger.Logger, opts Options) (*Daemon, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())

	observability.EnsureRegistered()

	d := &Daemon{
		config: cfg,
		logger: log,
		ctx:    ctx,
		cancel: cancel,
	}

	if cfg.Tracing.Enabled {
		if err := tracing.InitOpenTelemetry(serviceName, cfg.Tracing.SampleRatio); err != nil {
			log.Warn().Err(err).Msg("Failed to initialize tracing, continuing without distributed tracing")
		} else {
			d.tracingEnabled = true
			log.Info().Float64("sample_ratio", cfg.Tracing.SampleRatio).Msg("Tracing initialized")
		}
	}

	if err := d.initializeCoreModules(); err != nil {
		d.release()
		return nil, fmt.Errorf("failed to initialize core modules: %w", err)
	}

	if err := d.initializeServices(opts); err != nil {
		d.release()
		return nil, fmt.Errorf("failed to initialize services: %w", err)
	}

	d.eventLoop = NewEventLoop(d)
	d.router = NewRouter(d)
	d.lifecycle = NewLifecycleManager(d)

	return d, nil
}

func (d *Daemon) initializeCoreModules() error {
	agentCfg := d.config.Agent

	d.host = process.NewHost(process.Config{
		Executable:     agentCfg.Executable,
		SystemPrompt:   agentCfg.SystemPrompt,
		Model:          agentCfg.Model,
		WorkDir:        agentCfg.WorkDir,
		IncludePartial: agentCfg.IncludePartial,
		ExtraArgs:      agentCfg.ExtraArgs,
		Env:            agentCfg.EnvMap(),
		KillGrace:      agentCfg.KillGrace(),
	}, d.logger.Component("process"))
	d.logger.Info().Str("executable", agentCfg.Executable).Msg("Agent host initialized")

	d.runner = agent.NewRunner(agent.Config{
		Host:         d.host,
		Logger:       d.logger.Component("agent"),
		MaxLineBytes: agentCfg.MaxLineBytes,
	})

	tokens, err := session.OpenSQLiteTokenStore(d.config.Sessions.DBPath, d.logger.Component("tokens"))
	if err != nil {
		return fmt.Errorf("failed to open token store: %w", err)
	}
	d.tokens = tokens
	d.logger.Info().Str("path", d.config.Sessions.DBPath).Msg("Token store initialized")

	d.scheduler = session.NewScheduler(d.runner, session.Config{
		Tokens:          tokens,
		RejectAbandoned: d.config.Sessions.RejectAbandoned,
		Timeout:         agentCfg.Timeout(),
		Logger:          d.logger.Component("scheduler"),
	})
	d.logger.Info().
		Bool("reject_abandoned", d.config.Sessions.RejectAbandoned).
		Dur("timeout", agentCfg.Timeout()).
		Msg("Session scheduler initialized")

	sweeper, err := session.NewSweeper(d.scheduler, session.SweeperConfig{
		Schedule: d.config.Sessions.SweepSchedule,
		IdleTTL:  d.config.Sessions.IdleTTL(),
		TokenTTL: d.config.Sessions.TokenTTL(),
		Logger:   d.logger.Component("sweeper"),
	})
	if err != nil {
		return fmt.Errorf("failed to create session sweeper: %w", err)
	}
	d.sweeper = sweeper

	return nil
}

func (d *Daemon) initializeServices(opts Options) error {
	if d.config.Gateway.Enabled && !opts.DisableGateway {
		gw, err := gateway.NewServer(gateway.Config{
			Host:           d.config.Gateway.Host,
			Port:           d.config.Gateway.Port,
			PingInterval:   d.config.Gateway.PingInterval(),
			QueueWarnAfter: d.config.Sessions.QueueWarnAfter(),
			Sessions:       d.scheduler,
			Runs:           d.runner,
			Logger:         d.logger.Component("gateway"),
		})
		if err != nil {
			return fmt.Errorf("failed to create gateway server: %w", err)
		}
		d.gatewayServer = gw
		d.logger.Info().Msg("Gateway server initialized")
	}

	if opts.ConfigPath != "" {
		watcher, err := config.NewWatcher(config.WatcherConfig{
			Loader:   config.NewLoader(opts.ConfigPath),
			OnChange: d.applyConfig,
			Logger:   d.logger.Component("config"),
		})
		if err != nil {
			return fmt.Errorf("failed to create config watcher: %w", err)
		}
		d.watcher = watcher
	}

	return nil
}

// Start starts the daemon service
func (d *Daemon) Start() error {
	d.mu.Lock()
	if d.running {
		d.mu.Unlock()
		return fmt.Errorf("daemon is already running")
	}
	if d.closed {
		d.mu.Unlock()
		return fmt.Errorf("daemon is closed")
	}
	d.running = true
	d.startTime = time.Now()
	d.mu.Unlock()

	logger := d.logger.GetZerolog().With().Str("trace_id", tracing.NewTraceID()).Logger()
	logger.Info().Msg("Starting agentd")

	if err := d.lifecycle.Start(); err != nil {
		d.setStopped()
		return fmt.Errorf("failed to start lifecycle manager: %w", err)
	}

	if d.gatewayServer != nil {
		if err := d.gatewayServer.Start(); err != nil {
			_ = d.lifecycle.Stop()
			d.setStopped()
			return fmt.Errorf("failed to start gateway server: %w", err)
		}
		logger.Info().Str("addr", d.gatewayServer.Addr()).Msg("Gateway server started")
	}

	if err := d.sweeper.Start(); err != nil {
		logger.Warn().Err(err).Msg("Failed to start session sweeper")
	} else {
		logger.Info().Str("schedule", d.config.Sessions.SweepSchedule).Msg("Session sweeper started")
	}

	if d.watcher != nil {
		if err := d.watcher.Start(); err != nil {
			logger.Warn().Err(err).Msg("Failed to start config watcher")
		} else {
			logger.Info().Msg("Config watcher started")
		}
	}

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		d.eventLoop.Run(d.ctx)
	}()

	logger.Info().Msg("Daemon started successfully")

	return nil
}

// Stop stops the daemon service gracefully. In-flight executions are
// cancelled and queued requests are rejected.
func (d *Daemon) Stop() error {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return fmt.Errorf("daemon is not running")
	}
	d.running = false
	d.mu.Unlock()

	logger := d.logger.GetZerolog().With().Str("trace_id", tracing.NewTraceID()).Logger()
	logger.Info().Msg("Stopping agentd")

	if d.watcher != nil {
		if err := d.watcher.Stop(); err != nil {
			logger.Error().Err(err).Msg("Failed to stop config watcher")
		}
	}

	// Stop accepting new work before the scheduler goes away.
	if d.gatewayServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		if err := d.gatewayServer.Stop(ctx); err != nil {
			logger.Error().Err(err).Msg("Failed to stop gateway server")
		}
		cancel()
	}

	d.sweeper.Stop()
	logger.Info().Msg("Session sweeper stopped")

	d.cancel()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		logger.Info().Msg("All goroutines stopped")
	case <-time.After(5 * time.Second):
		logger.Warn().Msg("Timeout waiting for goroutines to stop")
	}

	if err := d.lifecycle.Stop(); err != nil {
		logger.Error().Err(err).Msg("Failed to stop lifecycle manager")
	}

	d.release()

	logger.Info().Msg("Daemon stopped successfully")

	return nil
}

// Close releases resources of a daemon that was never started.
func (d *Daemon) Close() error {
	d.mu.RLock()
	running := d.running
	d.mu.RUnlock()
	if running {
		return d.Stop()
	}
	d.release()
	return nil
}

// release closes the scheduler, the token store and the tracer. Safe to
// call more than once.
func (d *Daemon) release() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	d.mu.Unlock()

	d.cancel()

	if d.scheduler != nil {
		if err := d.scheduler.Close(); err != nil {
			d.logger.Error().Err(err).Msg("Failed to close scheduler")
		}
	}

	if d.tokens != nil {
		if err := d.tokens.Close(); err != nil {
			d.logger.Error().Err(err).Msg("Failed to close token store")
		}
	}

	if d.tracingEnabled {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := tracing.ShutdownOpenTelemetry(shutdownCtx); err != nil {
			d.logger.Error().Err(err).Msg("Failed to shutdown tracing")
		}
		cancel()
		d.tracingEnabled = false
	}
}

func (d *Daemon) setStopped() {
	d.mu.Lock()
	d.running = false
	d.mu.Unlock()
}

// Status returns the daemon status
func (d *Daemon) Status() Status {
	d.mu.RLock()
	defer d.mu.RUnlock()

	status := Status{
		Running: d.running,
	}

	if d.running {
		status.Uptime = time.Since(d.startTime)
		status.StartTime = d.startTime
		status.Sessions = len(d.scheduler.Snapshot())
		status.Executing = d.scheduler.Running()
		if d.gatewayServer != nil {
			status.GatewayAddr = d.gatewayServer.Addr()
		}
	}

	return status
}

// Wait blocks until SIGINT or SIGTERM and stops the daemon.
func (d *Daemon) Wait() {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	select {
	case sig := <-sigChan:
		d.logger.Info().Str("signal", sig.String()).Msg("Received signal")
	case <-d.ctx.Done():
	}

	if err := d.Stop(); err != nil {
		d.logger.Error().Err(err).Msg("Failed to stop daemon")
	}
}

// GetConfig returns the current daemon configuration
func (d *Daemon) GetConfig() *config.Config {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.config
}

// GetScheduler returns the session scheduler
func (d *Daemon) GetScheduler() *session.Scheduler {
	return d.scheduler
}

// GetRunner returns the agent runner
func (d *Daemon) GetRunner() *agent.Runner {
	return d.runner
}

// GetHost returns the agent process host
func (d *Daemon) GetHost() *process.Host {
	return d.host
}

// GetGatewayServer returns the gateway server, nil when disabled
func (d *Daemon) GetGatewayServer() *gateway.Server {
	return d.gatewayServer
}

// GetRouter returns the message router
func (d *Daemon) GetRouter() *Router {
	return d.router
}

// Status represents daemon status
type Status struct {
	Running     bool
	Uptime      time.Duration
	StartTime   time.Time
	Sessions    int
	Executing   int
	GatewayAddr string
}
