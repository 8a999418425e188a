package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
)

func newStatusCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show daemon status",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := ctx.client()
			if err != nil {
				return err
			}
			var status statusView
			if err := client.get(cmd.Context(), "/api/status", &status); err != nil {
				return err
			}
			if ctx.jsonOutput() {
				return writeJSON(cmd, status)
			}

			out := cmd.OutOrStdout()
			color := useColor(out)
			fmt.Fprintln(out, heading("Fetcharr Daemon", color))

			daemonLevel, daemonDetail := levelError, "stopped"
			if status.Running {
				daemonLevel, daemonDetail = levelOK, "running"
			}
			fmt.Fprintln(out, statusLine("Daemon", daemonLevel, daemonDetail, color))
			fmt.Fprintln(out, statusLine("Database", levelInfo, status.DBPath, color))
			fmt.Fprintln(out, statusLine("Templates", levelInfo, strings.Join(status.Templates, ", "), color))
			fmt.Fprintln(out, statusLine("Executions", levelInfo, fmt.Sprintf("%d total", status.Executions), color))

			jobsLevel := levelOK
			if status.Jobs["failed"] > 0 {
				jobsLevel = levelWarn
			}
			fmt.Fprintln(out, statusLine("Jobs", jobsLevel,
				fmt.Sprintf("%d pending, %d running, %d failed",
					status.Jobs["pending"], status.Jobs["running"], status.Jobs["failed"]), color))

			approvalsLevel := levelOK
			if status.Approvals > 0 {
				approvalsLevel = levelWarn
			}
			fmt.Fprintln(out, statusLine("Approvals", approvalsLevel,
				fmt.Sprintf("%d pending", status.Approvals), color))

			encodersLevel := levelOK
			if status.EncodersOnline == 0 {
				encodersLevel = levelWarn
			}
			fmt.Fprintln(out, statusLine("Encoders", encodersLevel,
				fmt.Sprintf("%d of %d online", status.EncodersOnline, status.EncodersTotal), color))
			return nil
		},
	}
}
