package tracing

import (
	"bytes"
	"context"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestLoggerFromContext(t *testing.T) {
	var buf bytes.Buffer
	base := zerolog.New(&buf)

	ctx := WithTraceID(context.Background(), "trace-123")
	ctx = WithSessionKey(ctx, "alice")

	logger := LoggerFromContext(ctx, base)
	logger.Info().Msg("hello")

	out := buf.String()
	if !strings.Contains(out, `"trace_id":"trace-123"`) {
		t.Errorf("trace_id missing from %s", out)
	}
	if !strings.Contains(out, `"session_key":"alice"`) {
		t.Errorf("session_key missing from %s", out)
	}
	if strings.Contains(out, "run_id") {
		t.Errorf("unexpected run_id in %s", out)
	}
}

func TestMergeContext(t *testing.T) {
	source := WithTraceID(context.Background(), "trace-src")
	source = WithSessionKey(source, "alice")

	target := WithTraceID(context.Background(), "trace-dst")

	merged := MergeContext(target, source)

	if GetTraceID(merged) != "trace-dst" {
		t.Error("MergeContext overwrote existing trace ID")
	}
	if GetSessionKey(merged) != "alice" {
		t.Error("MergeContext did not copy session key")
	}
}

func TestDetachContext(t *testing.T) {
	parent, cancel := context.WithTimeout(context.Background(), time.Millisecond)
	defer cancel()
	parent = WithTraceID(parent, "trace-1")
	parent = WithClientID(parent, "c1")

	detached := DetachContext(parent)
	<-parent.Done()

	if detached.Err() != nil {
		t.Error("Detached context inherited cancellation")
	}
	if GetTraceID(detached) != "trace-1" || GetClientID(detached) != "c1" {
		t.Error("Detached context lost tracing values")
	}
}

func TestStartSpanSetsTraceID(t *testing.T) {
	if err := InitOpenTelemetry("agentd-test", 1); err != nil {
		t.Fatalf("InitOpenTelemetry: %v", err)
	}

	ctx, span := StartSpan(WithSessionKey(context.Background(), "alice"), "tracing_test", "test.span")
	defer EndSpan(span, nil)

	if GetTraceID(ctx) == "" {
		t.Error("StartSpan did not set trace ID")
	}
	if !span.SpanContext().IsValid() {
		t.Error("Expected a recording span")
	}
}
