package main

import (
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"stagehand/internal/ipc"
	"stagehand/internal/spawnpool"
)

func newPoolCommand(ctx *commandContext) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "pool",
		Short: "Inspect the worker spawning pool of the running daemon",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "Show workers and roster state",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return ctx.withClient(func(client *ipc.Client) error {
				resp, err := client.PoolStatus()
				if err != nil {
					return err
				}
				if handled, err := ctx.emit(cmd, resp.Pool); handled {
					return err
				}
				renderPoolStatus(cmd, resp.Pool)
				return nil
			})
		},
	})
	return cmd
}

func renderPoolStatus(cmd *cobra.Command, status spawnpool.PoolStatus) {
	out := cmd.OutOrStdout()
	colorize := shouldColorize(out)
	now := time.Now()

	fmt.Fprintf(out, "Workers: %d of %d\n", status.Active, status.MaxWorkers)
	if len(status.Workers) > 0 {
		rows := make([][]string, 0, len(status.Workers))
		for _, w := range status.Workers {
			pid := "-"
			if w.PID > 0 {
				pid = strconv.Itoa(w.PID)
			}
			rows = append(rows, []string{
				w.ID,
				string(w.Kind),
				strconv.FormatInt(w.ClaimID, 10),
				pid,
				statusLabel(string(w.Status), colorize),
				formatAge(w.SpawnedAt, now),
			})
		}
		fmt.Fprint(out, renderTable(
			[]string{"Worker", "Kind", "Claim", "PID", "Status", "Age"},
			rows,
			[]columnAlignment{alignLeft, alignLeft, alignRight, alignRight, alignLeft, alignRight},
		))
	}

	rows := make([][]string, 0, len(status.Kinds))
	for _, k := range status.Kinds {
		state := "ready"
		switch {
		case !k.Enabled:
			state = "disabled"
		case k.DisabledUntil != nil:
			state = "cooling down until " + formatTime(k.DisabledUntil)
		}
		rows = append(rows, []string{
			string(k.Kind),
			state,
			fmt.Sprintf("%d/%d", k.InFlight, k.Limit),
			strconv.Itoa(k.Failures),
		})
	}
	fmt.Fprint(out, renderTable(
		[]string{"Kind", "State", "In flight", "Failures"},
		rows,
		[]columnAlignment{alignLeft, alignLeft, alignRight, alignRight},
	))
}
