package main

import (
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/spf13/cobra"
)

func newQueueCommand(ctx *commandContext) *cobra.Command {
	queueCmd := &cobra.Command{
		Use:   "queue",
		Short: "Inspect and manage the job queue",
	}
	queueCmd.AddCommand(newQueueListCommand(ctx))
	queueCmd.AddCommand(newQueueRetryCommand(ctx))
	queueCmd.AddCommand(newQueueCancelCommand(ctx))
	queueCmd.AddCommand(newQueueClearCommand(ctx))
	return queueCmd
}

func newQueueClearCommand(ctx *commandContext) *cobra.Command {
	var clearCompleted bool
	var clearFailed bool

	cmd := &cobra.Command{
		Use:   "clear",
		Short: "Remove finished jobs from the queue",
		RunE: func(cmd *cobra.Command, args []string) error {
			if clearCompleted && clearFailed {
				return errors.New("specify only one of --completed or --failed")
			}
			client, err := ctx.client()
			if err != nil {
				return err
			}
			path := "/api/queue"
			switch {
			case clearCompleted:
				path += "?status=completed"
			case clearFailed:
				path += "?status=failed"
			}
			var result struct {
				Removed int64 `json:"removed"`
			}
			if err := client.delete(cmd.Context(), path, &result); err != nil {
				return err
			}
			if ctx.jsonOutput() {
				return writeJSON(cmd, result)
			}
			switch {
			case clearCompleted:
				fmt.Fprintf(cmd.OutOrStdout(), "Cleared %d completed jobs\n", result.Removed)
			case clearFailed:
				fmt.Fprintf(cmd.OutOrStdout(), "Cleared %d failed jobs\n", result.Removed)
			default:
				fmt.Fprintf(cmd.OutOrStdout(), "Cleared %d finished jobs\n", result.Removed)
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&clearCompleted, "completed", false, "Remove only completed jobs")
	cmd.Flags().BoolVar(&clearFailed, "failed", false, "Remove only failed jobs")
	return cmd
}

func newQueueListCommand(ctx *commandContext) *cobra.Command {
	var statusFilter string

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List queue jobs",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := ctx.client()
			if err != nil {
				return err
			}
			path := "/api/queue"
			if statusFilter != "" {
				path += "?status=" + url.QueryEscape(statusFilter)
			}
			var listing struct {
				Jobs []jobView `json:"jobs"`
			}
			if err := client.get(cmd.Context(), path, &listing); err != nil {
				return err
			}
			if ctx.jsonOutput() {
				return writeJSON(cmd, listing.Jobs)
			}
			if len(listing.Jobs) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "Queue is empty")
				return nil
			}
			rows := make([][]string, 0, len(listing.Jobs))
			for _, job := range listing.Jobs {
				rows = append(rows, []string{
					job.ID,
					job.Type,
					job.Status,
					fmt.Sprintf("%.0f%%", job.Progress*100),
					job.RequestID,
					job.UpdatedAt.Local().Format(time.RFC3339),
					job.ErrorMessage,
				})
			}
			fmt.Fprintln(cmd.OutOrStdout(), renderTable(
				[]tableColumn{
					{title: "ID"}, {title: "Type"}, {title: "Status"},
					{title: "Progress", numeric: true},
					{title: "Request"}, {title: "Updated"}, {title: "Error"},
				},
				rows,
			))
			return nil
		},
	}
	cmd.Flags().StringVarP(&statusFilter, "status", "s", "", "Filter by job status (pending, running, completed, failed, cancelled)")
	return cmd
}

func newQueueRetryCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "retry <job-id>...",
		Short: "Return failed jobs to the queue",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := ctx.client()
			if err != nil {
				return err
			}
			retried := make([]jobView, 0, len(args))
			for _, id := range args {
				var job jobView
				if err := client.post(cmd.Context(), "/api/queue/"+url.PathEscape(id)+"/retry", nil, &job); err != nil {
					return fmt.Errorf("retry %s: %w", id, err)
				}
				retried = append(retried, job)
			}
			if ctx.jsonOutput() {
				return writeJSON(cmd, retried)
			}
			for _, job := range retried {
				fmt.Fprintf(cmd.OutOrStdout(), "Job %s returned to queue\n", job.ID)
			}
			return nil
		},
	}
}

func newQueueCancelCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <job-id>...",
		Short: "Cancel queued or running jobs",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := ctx.client()
			if err != nil {
				return err
			}
			cancelled := make([]jobView, 0, len(args))
			for _, id := range args {
				var job jobView
				if err := client.post(cmd.Context(), "/api/queue/"+url.PathEscape(id)+"/cancel", nil, &job); err != nil {
					return fmt.Errorf("cancel %s: %w", id, err)
				}
				cancelled = append(cancelled, job)
			}
			if ctx.jsonOutput() {
				return writeJSON(cmd, cancelled)
			}
			for _, job := range cancelled {
				if job.Status == "cancelled" {
					fmt.Fprintf(cmd.OutOrStdout(), "Job %s cancelled\n", job.ID)
				} else {
					fmt.Fprintf(cmd.OutOrStdout(), "Job %s cancellation requested (currently %s)\n", job.ID, job.Status)
				}
			}
			return nil
		},
	}
}
