package daemon

import (
	"encoding/json"
	"testing"

	"github.com/harun/agentd/internal/fakeagent"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestApplyConfigUpdatesPrompt(t *testing.T) {
	d := createTestDaemon(t, fakeagent.ModeArgs)

	next := *d.GetConfig()
	next.Agent.SystemPrompt = "be brief"
	next.Agent.Model = "sonnet"
	d.applyConfig(&next)

	assert.Equal(t, "be brief", d.GetHost().Config().SystemPrompt)
	assert.Equal(t, "sonnet", d.GetHost().Config().Model)
	assert.Equal(t, "be brief", d.GetConfig().Agent.SystemPrompt)

	res, err := d.GetRouter().RouteMessage(t.Context(), Message{Identity: "alice", Content: "hi"})
	require.NoError(t, err)

	var argv []string
	require.NoError(t, json.Unmarshal([]byte(res.Text), &argv))
	assert.Contains(t, argv, "be brief")
	assert.Contains(t, argv, "sonnet")
}

func TestApplyConfigKeepsRestartOnlySettings(t *testing.T) {
	d := createTestDaemon(t, fakeagent.ModeEcho)
	prevPort := d.GetConfig().Gateway.Port

	next := *d.GetConfig()
	next.Gateway.Port = prevPort + 1
	d.applyConfig(&next)

	assert.Equal(t, prevPort, d.GetConfig().Gateway.Port)
}

func TestRestartRequired(t *testing.T) {
	base := testConfig(t, fakeagent.ModeEcho)

	same := *base
	same.Agent.SystemPrompt = "changed"
	assert.Empty(t, restartRequired(base, &same))

	changed := *base
	changed.Agent.TimeoutSeconds = 30
	changed.Sessions.IdleTTLMinutes = 5
	changed.Logging.Level = "debug"
	assert.Equal(t, []string{"agent", "sessions", "logging"}, restartRequired(base, &changed))
}
