package daemon

import (
	"context"
	"fmt"

	"github.com/harun/agentd/internal/tracing"
	"github.com/harun/agentd/pkg/session"
	"github.com/harun/agentd/pkg/stream"
)

// Router hands messages that do not arrive over the gateway to the
// scheduler and waits for the outcome.
type Router struct {
	daemon *Daemon
}

// NewRouter creates a new message router
func NewRouter(d *Daemon) *Router {
	return &Router{
		daemon: d,
	}
}

// Message represents a message to be routed
type Message struct {
	Identity string
	Source   string // cli, gateway, etc.
	Content  string

	// Events receives tool and text events of the execution. Optional. It
	// is closed once the request completes, or before RouteMessage returns
	// when the message could not be submitted.
	Events chan<- stream.Event

	// OnQueued is called when the identity is busy.
	OnQueued func(position int)
}

// RouteMessage submits msg and blocks until its request settles or ctx is
// done. Cancelling ctx before completion cancels the request.
func (r *Router) RouteMessage(ctx context.Context, msg Message) (session.Result, error) {
	ctx = tracing.NewRequestContext(ctx)
	logger := tracing.LoggerFromContext(ctx, r.daemon.logger.GetZerolog())
	logger.Info().
		Str("identity", msg.Identity).
		Str("source", msg.Source).
		Msg("Routing message")

	handle, err := r.daemon.scheduler.Submit(ctx, msg.Identity, msg.Content, session.SubmitOptions{
		Events:    msg.Events,
		OnQueued:  msg.OnQueued,
		WarnAfter: r.daemon.GetConfig().Sessions.QueueWarnAfter(),
	})
	if err != nil {
		if msg.Events != nil {
			close(msg.Events)
		}
		return session.Result{}, fmt.Errorf("failed to submit message: %w", err)
	}

	return handle.Wait(ctx)
}
