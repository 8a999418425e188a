package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newRequestCommand(ctx *commandContext) *cobra.Command {
	var templateID string

	cmd := &cobra.Command{
		Use:   "request <request-id>",
		Short: "Start a pipeline execution for a media request",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := ctx.client()
			if err != nil {
				return err
			}
			body := map[string]string{
				"requestId":  args[0],
				"templateId": templateID,
			}
			var exec executionView
			if err := client.post(cmd.Context(), "/api/requests", body, &exec); err != nil {
				return err
			}
			if ctx.jsonOutput() {
				return writeJSON(cmd, exec)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Started execution %s for request %s (template %s)\n",
				exec.ID, exec.RequestID, exec.TemplateID)
			return nil
		},
	}
	cmd.Flags().StringVarP(&templateID, "template", "t", "", "Template id to execute")
	cmd.MarkFlagRequired("template") //nolint:errcheck
	return cmd
}
