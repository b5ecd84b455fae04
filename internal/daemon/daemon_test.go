package daemon

import (
	"context"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/harun/agentd/internal/config"
	"github.com/harun/agentd/internal/fakeagent"
	"github.com/harun/agentd/internal/logger"
	"github.com/harun/agentd/pkg/stream"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig(t *testing.T, mode string) *config.Config {
	t.Helper()
	tmpDir := t.TempDir()

	cfg := config.DefaultConfig()
	cfg.DataDir = tmpDir
	cfg.Sessions.DBPath = filepath.Join(tmpDir, "sessions.db")
	cfg.Agent.Executable = os.Args[0]
	cfg.Agent.Env = []string{fakeagent.EnvMode + "=" + mode}
	cfg.Agent.KillGraceMs = 200
	cfg.Gateway.Enabled = false
	return cfg
}

func testLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.New(logger.Config{Level: "debug", Output: &discard{}})
	require.NoError(t, err)
	t.Cleanup(func() { log.Close() })
	return log
}

type discard struct{}

func (discard) Write(p []byte) (int, error) { return len(p), nil }

// createTestDaemon creates a daemon that runs the fake agent in mode
func createTestDaemon(t *testing.T, mode string) *Daemon {
	t.Helper()

	d, err := New(testConfig(t, mode), testLogger(t), Options{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = d.Close() })
	return d
}

func TestNew(t *testing.T) {
	d := createTestDaemon(t, fakeagent.ModeEcho)

	assert.NotNil(t, d.GetHost())
	assert.NotNil(t, d.GetRunner())
	assert.NotNil(t, d.GetScheduler())
	assert.NotNil(t, d.GetRouter())
	assert.NotNil(t, d.eventLoop)
	assert.NotNil(t, d.lifecycle)
	assert.Nil(t, d.GetGatewayServer())
	assert.Nil(t, d.watcher)
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	cfg := testConfig(t, fakeagent.ModeEcho)
	cfg.Agent.Executable = ""

	_, err := New(cfg, testLogger(t), Options{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "executable")
}

func TestDaemonStartStop(t *testing.T) {
	d := createTestDaemon(t, fakeagent.ModeEcho)

	require.NoError(t, d.Start())
	assert.True(t, d.Status().Running)

	_, err := os.Stat(PIDFilePath(d.GetConfig().DataDir))
	assert.NoError(t, err)

	assert.Error(t, d.Start(), "second start must fail")

	require.NoError(t, d.Stop())
	assert.False(t, d.Status().Running)

	_, err = os.Stat(PIDFilePath(d.GetConfig().DataDir))
	assert.True(t, os.IsNotExist(err))

	assert.Error(t, d.Stop(), "stop of a stopped daemon must fail")
	assert.Error(t, d.Start(), "a stopped daemon cannot restart")
}

func TestDaemonStatus(t *testing.T) {
	d := createTestDaemon(t, fakeagent.ModeEcho)

	status := d.Status()
	assert.False(t, status.Running)
	assert.Equal(t, time.Duration(0), status.Uptime)

	require.NoError(t, d.Start())
	defer d.Stop()

	_, err := d.GetRouter().RouteMessage(context.Background(), Message{
		Identity: "alice",
		Source:   "test",
		Content:  "hi",
	})
	require.NoError(t, err)

	time.Sleep(10 * time.Millisecond)
	status = d.Status()
	assert.True(t, status.Running)
	assert.Greater(t, status.Uptime, time.Duration(0))
	assert.Equal(t, 1, status.Sessions)
	assert.Equal(t, 0, status.Executing)
}

func TestRouteMessageResumesConversation(t *testing.T) {
	d := createTestDaemon(t, fakeagent.ModeEcho)
	ctx := context.Background()

	first, err := d.GetRouter().RouteMessage(ctx, Message{Identity: "alice", Source: "test", Content: "one"})
	require.NoError(t, err)
	assert.Equal(t, "one", first.Text)
	assert.Equal(t, "sess-1", first.SessionToken)

	second, err := d.GetRouter().RouteMessage(ctx, Message{Identity: "alice", Source: "test", Content: "two"})
	require.NoError(t, err)
	assert.Equal(t, "sess-2", second.SessionToken)

	other, err := d.GetRouter().RouteMessage(ctx, Message{Identity: "bob", Source: "test", Content: "three"})
	require.NoError(t, err)
	assert.Equal(t, "sess-1", other.SessionToken)
}

func TestRouteMessageStreamsEvents(t *testing.T) {
	d := createTestDaemon(t, fakeagent.ModeTools)

	events := make(chan stream.Event, 16)
	res, err := d.GetRouter().RouteMessage(context.Background(), Message{
		Identity: "alice",
		Source:   "test",
		Content:  "world",
		Events:   events,
	})
	require.NoError(t, err)
	assert.Equal(t, "Hello, world", res.Text)

	var kinds []stream.EventKind
	for ev := range events {
		kinds = append(kinds, ev.Kind)
	}
	assert.Equal(t, []stream.EventKind{
		stream.KindToolStart,
		stream.KindToolEnd,
		stream.KindTextDelta,
		stream.KindTextDelta,
	}, kinds)
}

func TestTokensSurviveRestart(t *testing.T) {
	cfg := testConfig(t, fakeagent.ModeEcho)
	log := testLogger(t)

	d, err := New(cfg, log, Options{})
	require.NoError(t, err)
	res, err := d.GetRouter().RouteMessage(context.Background(), Message{Identity: "alice", Content: "one"})
	require.NoError(t, err)
	require.Equal(t, "sess-1", res.SessionToken)
	require.NoError(t, d.Close())

	d, err = New(cfg, log, Options{})
	require.NoError(t, err)
	defer d.Close()

	res, err = d.GetRouter().RouteMessage(context.Background(), Message{Identity: "alice", Content: "two"})
	require.NoError(t, err)
	assert.Equal(t, "sess-2", res.SessionToken)
}

func TestDaemonServesGateway(t *testing.T) {
	cfg := testConfig(t, fakeagent.ModeEcho)
	cfg.Gateway.Enabled = true
	cfg.Gateway.Port = freePort(t)

	d, err := New(cfg, testLogger(t), Options{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = d.Close() })

	require.NotNil(t, d.GetGatewayServer())
	require.NoError(t, d.Start())
	assert.NotEmpty(t, d.Status().GatewayAddr)
	require.NoError(t, d.Stop())
}

func TestGettersAfterClose(t *testing.T) {
	d := createTestDaemon(t, fakeagent.ModeEcho)
	require.NoError(t, d.Close())
	require.NoError(t, d.Close())

	_, err := d.GetRouter().RouteMessage(context.Background(), Message{Identity: "alice", Content: "late"})
	assert.Error(t, err)
}

func freePort(t *testing.T) int {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := l.Addr().(*net.TCPAddr).Port
	require.NoError(t, l.Close())
	return port
}
