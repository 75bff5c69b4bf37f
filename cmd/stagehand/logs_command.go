package main

import (
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"stagehand/internal/logging"
	"stagehand/internal/logs"
)

func newLogsCommand(ctx *commandContext) *cobra.Command {
	var claimID int64
	var lines int
	var follow bool

	cmd := &cobra.Command{
		Use:   "logs",
		Short: "Show the daemon log or a spawned worker's log",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			path := filepath.Join(cfg.Paths.LogDir, logging.LogFileName)
			if cmd.Flags().Changed("claim") {
				path, err = logs.WorkerLogPath(cfg.Paths.WorkerDir, claimID)
				if err != nil {
					return err
				}
			}

			out := cmd.OutOrStdout()
			result, err := logs.Tail(path, logs.TailOptions{Offset: -1, Limit: lines})
			if err != nil {
				return err
			}
			for _, line := range result.Lines {
				fmt.Fprintln(out, line)
			}
			if !follow {
				if len(result.Lines) == 0 {
					fmt.Fprintf(out, "No log output in %s\n", path)
				}
				return nil
			}
			return logs.Follow(cmd.Context(), path, result.Offset, func(line string) {
				fmt.Fprintln(out, line)
			})
		},
	}
	cmd.Flags().Int64Var(&claimID, "claim", 0, "Show the newest worker log for this work item")
	cmd.Flags().IntVarP(&lines, "lines", "n", 50, "Number of trailing lines to show")
	cmd.Flags().BoolVarP(&follow, "follow", "f", false, "Keep printing lines as they are written")
	return cmd
}
