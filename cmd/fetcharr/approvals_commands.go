package main

import (
	"fmt"
	"net/url"
	"os/user"
	"time"

	"github.com/spf13/cobra"
)

func newApprovalsCommand(ctx *commandContext) *cobra.Command {
	approvalsCmd := &cobra.Command{
		Use:   "approvals",
		Short: "List and decide pending approval gates",
	}
	approvalsCmd.AddCommand(newApprovalsListCommand(ctx))
	approvalsCmd.AddCommand(newApprovalsDecideCommand(ctx, "approve"))
	approvalsCmd.AddCommand(newApprovalsDecideCommand(ctx, "reject"))
	return approvalsCmd
}

func newApprovalsListCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List pending approvals",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := ctx.client()
			if err != nil {
				return err
			}
			var listing struct {
				Approvals []approvalView `json:"approvals"`
			}
			if err := client.get(cmd.Context(), "/api/approvals", &listing); err != nil {
				return err
			}
			if ctx.jsonOutput() {
				return writeJSON(cmd, listing.Approvals)
			}
			if len(listing.Approvals) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No pending approvals")
				return nil
			}
			rows := make([][]string, 0, len(listing.Approvals))
			for _, approval := range listing.Approvals {
				timeout := ""
				if approval.TimeoutHours > 0 {
					timeout = fmt.Sprintf("%dh (%s)", approval.TimeoutHours, approval.AutoAction)
				}
				rows = append(rows, []string{
					fmt.Sprintf("%d", approval.ID),
					approval.RequestID,
					approval.StepPath,
					approval.RequiredRole,
					timeout,
					approval.CreatedAt.Local().Format(time.RFC3339),
				})
			}
			fmt.Fprintln(cmd.OutOrStdout(), renderTable(
				[]tableColumn{
					{title: "ID", numeric: true},
					{title: "Request"}, {title: "Step"}, {title: "Role"},
					{title: "Timeout"}, {title: "Created"},
				},
				rows,
			))
			return nil
		},
	}
}

func newApprovalsDecideCommand(ctx *commandContext, decision string) *cobra.Command {
	var decidedBy string

	cmd := &cobra.Command{
		Use:   decision + " <approval-id>",
		Short: decision + " a pending approval",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := ctx.client()
			if err != nil {
				return err
			}
			if decidedBy == "" {
				if current, err := user.Current(); err == nil {
					decidedBy = current.Username
				} else {
					decidedBy = "cli"
				}
			}
			body := map[string]string{"decision": decision, "decidedBy": decidedBy}
			var decided approvalView
			path := "/api/approvals/" + url.PathEscape(args[0]) + "/decision"
			if err := client.post(cmd.Context(), path, body, &decided); err != nil {
				return err
			}
			if ctx.jsonOutput() {
				return writeJSON(cmd, decided)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Approval %d %s by %s\n", decided.ID, decided.Status, decided.DecidedBy)
			return nil
		},
	}
	cmd.Flags().StringVar(&decidedBy, "by", "", "Name recorded as the decider (defaults to the current user)")
	return cmd
}
