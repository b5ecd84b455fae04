package cli

import (
	"context"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/harun/agentd/pkg/agent"
	"github.com/harun/agentd/pkg/session"
	"github.com/spf13/cobra"
)

var sessionsCmd = &cobra.Command{
	Use:   "sessions",
	Short: "Inspect and manage sessions of the running daemon",
}

var sessionsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List sessions held in memory",
	Args:  cobra.NoArgs,
	RunE:  runSessionsList,
}

var sessionsResetCmd = &cobra.Command{
	Use:   "reset <identity>",
	Short: "Forget the conversation of an identity and drop its queued requests",
	Args:  cobra.ExactArgs(1),
	RunE:  runSessionsReset,
}

var sessionsDeleteCmd = &cobra.Command{
	Use:   "delete <identity>",
	Short: "Remove an identity's session and persisted resume token",
	Args:  cobra.ExactArgs(1),
	RunE:  runSessionsDelete,
}

var sessionsCancelCmd = &cobra.Command{
	Use:   "cancel <identity>",
	Short: "Cancel the execution in flight for an identity",
	Args:  cobra.ExactArgs(1),
	RunE:  runSessionsCancel,
}

var runsCmd = &cobra.Command{
	Use:   "runs",
	Short: "List agent processes in flight",
	Args:  cobra.NoArgs,
	RunE:  runRuns,
}

func init() {
	sessionsCmd.AddCommand(sessionsListCmd, sessionsResetCmd, sessionsDeleteCmd, sessionsCancelCmd)
	rootCmd.AddCommand(sessionsCmd, runsCmd)
}

func withAdminClient(cmd *cobra.Command, fn func(ctx context.Context, client *adminClient) error) error {
	cfg, _, err := loadConfig()
	if err != nil {
		return err
	}
	client, err := newAdminClient(cfg.Gateway)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), 15*time.Second)
	defer cancel()
	return fn(ctx, client)
}

func runSessionsList(cmd *cobra.Command, args []string) error {
	return withAdminClient(cmd, func(ctx context.Context, client *adminClient) error {
		var sessions []session.SessionInfo
		if err := client.get(ctx, "/sessions", &sessions); err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		if len(sessions) == 0 {
			fmt.Fprintln(out, "No sessions")
			return nil
		}

		w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "IDENTITY\tBUSY\tQUEUED\tRESUMABLE\tLAST ACTIVE")
		for _, info := range sessions {
			fmt.Fprintf(w, "%s\t%t\t%d\t%t\t%s ago\n",
				info.Identity, info.Busy, info.QueueLength, info.HasToken,
				formatDuration(time.Since(info.LastActive)))
		}
		return w.Flush()
	})
}

func runSessionsReset(cmd *cobra.Command, args []string) error {
	return withAdminClient(cmd, func(ctx context.Context, client *adminClient) error {
		if err := client.post(ctx, sessionPath(args[0], "/reset"), nil); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Session %s reset\n", args[0])
		return nil
	})
}

func runSessionsDelete(cmd *cobra.Command, args []string) error {
	return withAdminClient(cmd, func(ctx context.Context, client *adminClient) error {
		if err := client.delete(ctx, sessionPath(args[0], "")); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Session %s deleted\n", args[0])
		return nil
	})
}

func runSessionsCancel(cmd *cobra.Command, args []string) error {
	return withAdminClient(cmd, func(ctx context.Context, client *adminClient) error {
		var resp struct {
			Cancelled bool `json:"cancelled"`
		}
		if err := client.post(ctx, sessionPath(args[0], "/cancel"), &resp); err != nil {
			return err
		}
		if resp.Cancelled {
			fmt.Fprintf(cmd.OutOrStdout(), "Cancelled execution for %s\n", args[0])
		} else {
			fmt.Fprintf(cmd.OutOrStdout(), "Nothing running for %s\n", args[0])
		}
		return nil
	})
}

func runRuns(cmd *cobra.Command, args []string) error {
	return withAdminClient(cmd, func(ctx context.Context, client *adminClient) error {
		var runs []agent.ActiveRun
		if err := client.get(ctx, "/runs", &runs); err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		if len(runs) == 0 {
			fmt.Fprintln(out, "No agent processes running")
			return nil
		}

		w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "IDENTITY\tPID\tRUNNING\tTOOL")
		for _, run := range runs {
			fmt.Fprintf(w, "%s\t%d\t%s\t%s\n",
				run.Identity, run.PID, formatDuration(time.Since(run.StartedAt)), run.Tool)
		}
		return w.Flush()
	})
}
