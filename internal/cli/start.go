package cli

import (
	"fmt"

	"github.com/harun/agentd/internal/daemon"
	"github.com/spf13/cobra"
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the agentd daemon",
	Long: `Start the agentd daemon in the foreground.
The daemon serves the WebSocket gateway, sweeps idle sessions and reloads
the system prompt when the config file changes. Stop it with SIGINT,
SIGTERM or "agentd stop".`,
	RunE: runStart,
}

func init() {
	rootCmd.AddCommand(startCmd)
}

func runStart(cmd *cobra.Command, args []string) error {
	cfg, loader, err := loadConfig()
	if err != nil {
		return err
	}

	pidFile := daemon.PIDFilePath(cfg.DataDir)
	if isRunning(pidFile) {
		return fmt.Errorf("daemon is already running (PID file: %s)", pidFile)
	}

	log, err := newLogger(cfg, true)
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer log.Close()

	d, err := daemon.New(cfg, log, daemon.Options{ConfigPath: loader.GetConfigPath()})
	if err != nil {
		return err
	}

	if err := d.Start(); err != nil {
		_ = d.Close()
		return err
	}

	d.Wait()
	return nil
}

func isRunning(pidFile string) bool {
	pid, err := daemon.ReadPID(pidFile)
	if err != nil {
		return false
	}
	return daemon.ProcessAlive(pid)
}
