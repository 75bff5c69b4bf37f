package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"stagehand/internal/ipc"
)

func newMaintenanceCommand(ctx *commandContext) *cobra.Command {
	maintenanceCmd := &cobra.Command{
		Use:   "maintenance",
		Short: "Inspect and trigger the daemon's scheduled sweeps",
	}
	maintenanceCmd.AddCommand(newMaintenanceJobsCommand(ctx))
	maintenanceCmd.AddCommand(newMaintenanceRunCommand(ctx))
	return maintenanceCmd
}

func newMaintenanceJobsCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "jobs",
		Short: "List maintenance jobs with their schedules and last runs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return ctx.withClient(func(client *ipc.Client) error {
				resp, err := client.Status()
				if err != nil {
					return err
				}
				if handled, err := ctx.emit(cmd, resp.Maintenance); handled {
					return err
				}
				if len(resp.Maintenance) == 0 {
					fmt.Fprintln(cmd.OutOrStdout(), "Maintenance scheduler disabled")
					return nil
				}
				rows := make([][]string, 0, len(resp.Maintenance))
				for _, job := range resp.Maintenance {
					rows = append(rows, []string{
						job.Name,
						job.Schedule,
						fmt.Sprintf("%d", job.Runs),
						formatTime(job.LastRun),
						formatTime(job.NextRun),
						orDash(truncateText(job.LastError, 40)),
					})
				}
				fmt.Fprint(cmd.OutOrStdout(), renderTable(
					[]string{"Job", "Schedule", "Runs", "Last run", "Next run", "Last error"},
					rows,
					[]columnAlignment{alignLeft, alignLeft, alignRight, alignLeft, alignLeft, alignLeft},
				))
				return nil
			})
		},
	}
}

func newMaintenanceRunCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "run <job>",
		Short: "Run a maintenance job now",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			job := strings.TrimSpace(args[0])
			return ctx.withClient(func(client *ipc.Client) error {
				resp, err := client.RunMaintenance(job)
				if err != nil {
					return err
				}
				if handled, err := ctx.emit(cmd, resp); handled {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Ran maintenance job %s\n", resp.Job)
				return nil
			})
		},
	}
}
