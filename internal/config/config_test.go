package config

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.NotNil(t, cfg)
	assert.Equal(t, "claude", cfg.Agent.Executable)
	assert.Equal(t, 0, cfg.Agent.TimeoutSeconds)
	assert.Equal(t, 3*time.Second, cfg.Agent.KillGrace())
	assert.Equal(t, 24*time.Hour, cfg.Sessions.IdleTTL())
	assert.Equal(t, "@every 10m", cfg.Sessions.SweepSchedule)
	assert.True(t, cfg.Sessions.RejectAbandoned)
	assert.Equal(t, time.Duration(0), cfg.Sessions.TokenTTL())
	assert.Equal(t, 8080, cfg.Gateway.Port)
	assert.Equal(t, "127.0.0.1", cfg.Gateway.Host)
	assert.Equal(t, 30*time.Second, cfg.Gateway.PingInterval())
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.True(t, cfg.Logging.Redaction)
	assert.False(t, cfg.Tracing.Enabled)
}

func TestConfigValidate(t *testing.T) {
	t.Run("valid config", func(t *testing.T) {
		cfg := DefaultConfig()
		assert.NoError(t, cfg.Validate())
	})

	t.Run("missing executable", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.Agent.Executable = "  "

		err := cfg.Validate()
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "executable")
	})

	t.Run("invalid port when gateway enabled", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.Gateway.Port = 70000

		err := cfg.Validate()
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "gateway")
	})

	t.Run("port ignored when gateway disabled", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.Gateway.Enabled = false
		cfg.Gateway.Port = 0

		assert.NoError(t, cfg.Validate())
	})

	t.Run("reports every problem", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.Agent.Executable = ""
		cfg.Agent.TimeoutSeconds = -1
		cfg.Sessions.SweepSchedule = "every tuesday"
		cfg.Logging.Level = "loud"

		err := cfg.Validate()
		assert.Error(t, err)
		assert.Len(t, strings.Split(err.Error(), "\n"), 4)
	})
}

func TestAgentConfigEnvMap(t *testing.T) {
	agent := AgentConfig{Env: []string{"A=1", "B=x=y", "broken", "=nokey", "C="}}

	assert.Equal(t, map[string]string{"A": "1", "B": "x=y", "C": ""}, agent.EnvMap())
}

func TestConfigString(t *testing.T) {
	cfg := DefaultConfig()
	out := cfg.String()

	assert.Contains(t, out, `"executable": "claude"`)
	assert.Contains(t, out, `"sweep_schedule": "@every 10m"`)
}
