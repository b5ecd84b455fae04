package cli

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/harun/agentd/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfigInit(t *testing.T) {
	path := filepath.Join(t.TempDir(), "agentd.json")

	stdout, _, err := execute(t, "config", "init", "--config", path)
	require.NoError(t, err)
	assert.Contains(t, stdout, "Configuration saved to: "+path)

	cfg, err := config.Load(path)
	require.NoError(t, err)
	assert.Equal(t, "claude", cfg.Agent.Executable)
	assert.Equal(t, 8080, cfg.Gateway.Port)

	_, _, err = execute(t, "config", "init", "--config", path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already exists")

	_, _, err = execute(t, "config", "init", "--config", path, "--force")
	require.NoError(t, err)
}

func TestConfigShowRedactsCredentials(t *testing.T) {
	dir := t.TempDir()
	raw, err := json.Marshal(map[string]interface{}{
		"data_dir": dir,
		"agent": map[string]interface{}{
			"executable": "claude",
			"env":        []string{"ANTHROPIC_API_KEY=sk-ant-REDACTED"},
		},
	})
	require.NoError(t, err)
	path := filepath.Join(dir, "agentd.json")
	require.NoError(t, os.WriteFile(path, raw, 0644))

	stdout, _, err := execute(t, "config", "show", "--config", path)
	require.NoError(t, err)
	assert.Contains(t, stdout, `"executable": "claude"`)
	assert.Contains(t, stdout, "[REDACTED]")
	assert.NotContains(t, stdout, "abcdefghijklmnopqrstuvwxyz")
}
