package cli

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/harun/agentd/internal/fakeagent"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/stretchr/testify/require"
)

func TestMain(m *testing.M) {
	fakeagent.RunIfRequested()
	os.Exit(m.Run())
}

// writeTestConfig writes a config running the fake agent from a temp data
// dir and returns its path.
func writeTestConfig(t *testing.T, gateway map[string]interface{}) string {
	t.Helper()
	dir := t.TempDir()

	if gateway == nil {
		gateway = map[string]interface{}{"enabled": false}
	}
	raw, err := json.Marshal(map[string]interface{}{
		"data_dir": dir,
		"agent": map[string]interface{}{
			"executable":    os.Args[0],
			"kill_grace_ms": 200,
		},
		"gateway": gateway,
		"logging": map[string]interface{}{"level": "debug"},
	})
	require.NoError(t, err)

	path := filepath.Join(dir, "agentd.json")
	require.NoError(t, os.WriteFile(path, raw, 0644))
	return path
}

// resetFlags restores every flag of the shared root command to its default
// so values from one Execute call do not leak into the next.
func resetFlags() {
	var reset func(cmd *cobra.Command)
	reset = func(cmd *cobra.Command) {
		cmd.Flags().VisitAll(func(f *pflag.Flag) {
			_ = f.Value.Set(f.DefValue)
			f.Changed = false
		})
		for _, child := range cmd.Commands() {
			reset(child)
		}
	}
	reset(rootCmd)
}
