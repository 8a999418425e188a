package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

func newEncodersCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "encoders",
		Short: "List registered remote encoders",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := ctx.client()
			if err != nil {
				return err
			}
			var listing struct {
				Encoders []encoderView `json:"encoders"`
			}
			if err := client.get(cmd.Context(), "/api/encoders", &listing); err != nil {
				return err
			}
			if ctx.jsonOutput() {
				return writeJSON(cmd, listing.Encoders)
			}
			if len(listing.Encoders) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No encoders have registered")
				return nil
			}
			rows := make([][]string, 0, len(listing.Encoders))
			for _, enc := range listing.Encoders {
				heartbeat := "never"
				if enc.LastHeartbeat != nil {
					heartbeat = formatAge(time.Since(*enc.LastHeartbeat))
				}
				rows = append(rows, []string{
					enc.EncoderID,
					enc.Hostname,
					enc.Status,
					fmt.Sprintf("%d/%d", enc.CurrentJobs, enc.MaxConcurrent),
					fmt.Sprintf("%d", enc.CompletedJobs),
					fmt.Sprintf("%d", enc.FailedJobs),
					heartbeat,
				})
			}
			fmt.Fprintln(cmd.OutOrStdout(), renderTable(
				[]tableColumn{
					{title: "ID"}, {title: "Host"}, {title: "Status"},
					{title: "Load", numeric: true},
					{title: "Completed", numeric: true},
					{title: "Failed", numeric: true},
					{title: "Heartbeat"},
				},
				rows,
			))
			return nil
		},
	}
}

func formatAge(d time.Duration) string {
	switch {
	case d < time.Minute:
		return fmt.Sprintf("%ds ago", int(d.Seconds()))
	case d < time.Hour:
		return fmt.Sprintf("%dm ago", int(d.Minutes()))
	default:
		return fmt.Sprintf("%dh ago", int(d.Hours()))
	}
}
