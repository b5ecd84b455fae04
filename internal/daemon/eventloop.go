package daemon

import (
	"context"
	"time"

	"github.com/harun/agentd/internal/observability"
)

const maintenanceInterval = 30 * time.Second

// EventLoop runs periodic maintenance while the daemon is up
type EventLoop struct {
	daemon   *Daemon
	interval time.Duration
}

// NewEventLoop creates a new event loop
func NewEventLoop(d *Daemon) *EventLoop {
	return &EventLoop{
		daemon:   d,
		interval: maintenanceInterval,
	}
}

// Run runs the event loop until ctx is cancelled
func (e *EventLoop) Run(ctx context.Context) {
	e.daemon.logger.Info().Msg("Event loop started")

	ticker := time.NewTicker(e.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			e.daemon.logger.Info().Msg("Event loop stopping")
			return

		case <-ticker.C:
			e.processTasks(ctx)
		}
	}
}

// processTasks refreshes gauges and logs scheduler stats
func (e *EventLoop) processTasks(ctx context.Context) {
	if count, err := e.daemon.tokens.Count(ctx); err != nil {
		e.daemon.logger.Warn().Err(err).Msg("Failed to count persisted tokens")
	} else {
		observability.SetPersistedTokens(count)
	}

	sessions := e.daemon.scheduler.Snapshot()
	queued := 0
	for _, info := range sessions {
		queued += info.QueueLength
	}

	if len(sessions) > 0 {
		e.daemon.logger.Debug().
			Int("sessions", len(sessions)).
			Int("executing", e.daemon.scheduler.Running()).
			Int("queued", queued).
			Int("agent_processes", len(e.daemon.runner.Active())).
			Msg("Scheduler stats")
	}
}
