package cli

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/harun/agentd/internal/daemon"
	"github.com/harun/agentd/pkg/agent"
	"github.com/harun/agentd/pkg/session"
	"github.com/spf13/cobra"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show daemon status",
	Long: `Show the current status of the agentd daemon. When the gateway is
enabled the session and run counts are fetched from it.`,
	RunE: runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, _, err := loadConfig()
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	pidFile := daemon.PIDFilePath(cfg.DataDir)

	if !isRunning(pidFile) {
		fmt.Fprintln(out, "Status: stopped")
		return nil
	}

	pid, err := daemon.ReadPID(pidFile)
	if err != nil {
		return err
	}

	fmt.Fprintf(out, "Status: running\n")
	fmt.Fprintf(out, "PID: %d\n", pid)
	if fileInfo, err := os.Stat(pidFile); err == nil {
		fmt.Fprintf(out, "Uptime: %s\n", formatDuration(time.Since(fileInfo.ModTime())))
	}

	client, err := newAdminClient(cfg.Gateway)
	if err != nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), 5*time.Second)
	defer cancel()

	var sessions []session.SessionInfo
	if err := client.get(ctx, "/sessions", &sessions); err != nil {
		fmt.Fprintf(out, "Gateway: %v\n", err)
		return nil
	}
	var runs []agent.ActiveRun
	_ = client.get(ctx, "/runs", &runs)

	busy, queued := 0, 0
	for _, info := range sessions {
		if info.Busy {
			busy++
		}
		queued += info.QueueLength
	}

	fmt.Fprintf(out, "Gateway: %s\n", client.baseURL)
	fmt.Fprintf(out, "Sessions: %d (%d busy, %d queued)\n", len(sessions), busy, queued)
	fmt.Fprintf(out, "Agent processes: %d\n", len(runs))
	return nil
}

func formatDuration(d time.Duration) string {
	d = d.Round(time.Second)
	h := d / time.Hour
	d -= h * time.Hour
	m := d / time.Minute
	d -= m * time.Minute
	s := d / time.Second

	if h > 0 {
		return fmt.Sprintf("%dh%dm%ds", h, m, s)
	}
	if m > 0 {
		return fmt.Sprintf("%dm%ds", m, s)
	}
	return fmt.Sprintf("%ds", s)
}
