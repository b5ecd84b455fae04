package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/fatih/color"
	"github.com/google/uuid"
	"github.com/harun/agentd/internal/daemon"
	"github.com/harun/agentd/pkg/gateway"
	"github.com/harun/agentd/pkg/stream"
	"github.com/spf13/cobra"
)

var (
	askIdentity string
	askLocal    bool
	askStream   bool
	askVerbose  bool
)

var askCmd = &cobra.Command{
	Use:   "ask <message>",
	Short: "Send one message to an identity's conversation",
	Long: `Send one message and print the agent's reply.
By default the message goes through the running daemon's gateway so it is
ordered with every other request for the identity. With --local the agent
runs in this process against the same token database.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runAsk,
}

func init() {
	askCmd.Flags().StringVarP(&askIdentity, "identity", "i", "", "conversation identity (default is $USER)")
	askCmd.Flags().BoolVar(&askLocal, "local", false, "run the agent in-process instead of through the daemon")
	askCmd.Flags().BoolVar(&askStream, "stream", false, "print text deltas as they arrive")
	askCmd.Flags().BoolVarP(&askVerbose, "verbose", "v", false, "log to stderr")
	rootCmd.AddCommand(askCmd)
}

func runAsk(cmd *cobra.Command, args []string) error {
	cfg, _, err := loadConfig()
	if err != nil {
		return err
	}

	identity := askIdentity
	if identity == "" {
		identity = os.Getenv("USER")
	}
	if identity == "" {
		return fmt.Errorf("--identity is required")
	}
	message := strings.Join(args, " ")

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	p := &printer{out: cmd.OutOrStdout(), errOut: cmd.ErrOrStderr(), stream: askStream}

	if !askLocal {
		client, err := newAdminClient(cfg.Gateway)
		if err != nil {
			return fmt.Errorf("%w (use --local)", err)
		}
		return askRemote(ctx, client, identity, message, p)
	}

	log, err := newLogger(cfg, askVerbose)
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer log.Close()

	d, err := daemon.New(cfg, log, daemon.Options{DisableGateway: true})
	if err != nil {
		return err
	}
	defer d.Close()

	events := make(chan stream.Event, 64)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for ev := range events {
			p.event(ev)
		}
	}()

	res, err := d.GetRouter().RouteMessage(ctx, daemon.Message{
		Identity: identity,
		Source:   "cli",
		Content:  message,
		Events:   events,
		OnQueued: p.queued,
	})
	<-done
	if err != nil {
		return err
	}
	return p.final(res.Text, res.IsError)
}

// askRemote sends a chat frame over the gateway and prints notifications
// tagged with its request id until the final response. An interrupt sends
// a cancel frame and keeps reading for the outcome.
func askRemote(ctx context.Context, client *adminClient, identity, message string, p *printer) error {
	conn, _, err := client.dial(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()

	requestID := uuid.NewString()
	if err := conn.WriteJSON(gateway.InboundFrame{
		Type:      gateway.FrameChat,
		Identity:  identity,
		Message:   message,
		RequestID: requestID,
	}); err != nil {
		return fmt.Errorf("failed to send message: %w", err)
	}

	type inbound struct {
		msg remoteMessage
		err error
	}
	incoming := make(chan inbound)
	quit := make(chan struct{})
	defer close(quit)
	go func() {
		for {
			var msg remoteMessage
			err := conn.ReadJSON(&msg)
			select {
			case incoming <- inbound{msg: msg, err: err}:
			case <-quit:
				return
			}
			if err != nil {
				return
			}
		}
	}()

	interrupted := ctx.Done()
	for {
		select {
		case <-interrupted:
			interrupted = nil
			_ = conn.WriteJSON(gateway.InboundFrame{Type: gateway.FrameCancel, Identity: identity, RequestID: requestID})

		case in := <-incoming:
			if in.err != nil {
				return fmt.Errorf("connection lost: %w", in.err)
			}
			done, err := p.remote(in.msg, requestID)
			if done {
				return err
			}
		}
	}
}

type remoteMessage struct {
	Type      gateway.MessageType `json:"type"`
	RequestID string              `json:"requestId"`
	Data      json.RawMessage     `json:"data"`
}

// printer renders agent activity. Tool and queue lines go to errOut so
// the reply on out can be piped.
type printer struct {
	out      io.Writer
	errOut   io.Writer
	stream   bool
	streamed bool
}

var (
	toolColor  = color.New(color.FgCyan)
	queueColor = color.New(color.FgYellow)
	errorColor = color.New(color.FgRed, color.Bold)
)

func (p *printer) queued(position int) {
	queueColor.Fprintf(p.errOut, "queued at position %d\n", position)
}

func (p *printer) tool(start bool, name string, synthesized bool) {
	switch {
	case start:
		toolColor.Fprintf(p.errOut, "> %s\n", name)
	case synthesized:
		toolColor.Fprintf(p.errOut, "< %s (interrupted)\n", name)
	}
}

func (p *printer) delta(text string) {
	if !p.stream {
		return
	}
	p.streamed = true
	fmt.Fprint(p.out, text)
}

func (p *printer) event(ev stream.Event) {
	switch ev.Kind {
	case stream.KindToolStart, stream.KindToolEnd:
		p.tool(ev.Kind == stream.KindToolStart, ev.ToolName, ev.Synthesized)
	case stream.KindTextDelta:
		p.delta(ev.Text)
	}
}

func (p *printer) final(text string, isError bool) error {
	if p.streamed {
		fmt.Fprintln(p.out)
	} else {
		fmt.Fprintln(p.out, text)
	}
	if isError {
		return errors.New("agent reported an error")
	}
	return nil
}

// remote handles one gateway notification. done reports the request
// settled.
func (p *printer) remote(msg remoteMessage, requestID string) (done bool, err error) {
	if msg.RequestID != requestID {
		return false, nil
	}

	switch msg.Type {
	case gateway.MessageQueued:
		var q gateway.QueuedPayload
		if json.Unmarshal(msg.Data, &q) == nil {
			p.queued(q.Position)
		}

	case gateway.MessageTool:
		var t gateway.ToolPayload
		if json.Unmarshal(msg.Data, &t) == nil {
			p.tool(t.Phase == gateway.ToolPhaseStart, t.Name, t.Synthesized)
		}

	case gateway.MessageResponse:
		var r gateway.ResponsePayload
		if err := json.Unmarshal(msg.Data, &r); err != nil {
			return true, fmt.Errorf("malformed response: %w", err)
		}
		if r.Partial {
			p.delta(r.Delta)
			return false, nil
		}
		return true, p.final(r.Text, r.IsError)

	case gateway.MessageError:
		var e gateway.ErrorPayload
		if err := json.Unmarshal(msg.Data, &e); err != nil {
			return true, fmt.Errorf("malformed error: %w", err)
		}
		errorColor.Fprintf(p.errOut, "%s\n", e.Code)
		return true, fmt.Errorf("%s: %s", e.Code, e.Message)
	}

	return false, nil
}
