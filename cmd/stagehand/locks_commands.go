package main

import (
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"stagehand/internal/queue"
)

func newLocksCommand(ctx *commandContext) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "locks",
		Short: "Inspect and clean up per-stage locks",
	}
	cmd.AddCommand(newLocksListCommand(ctx))
	cmd.AddCommand(newLocksCleanupCommand(ctx))
	return cmd
}

func newLocksListCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "Show the holder of every stage lock",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return ctx.withStore(func(store *queue.Store) error {
				locks, err := store.Locks(cmd.Context())
				if err != nil {
					return err
				}
				if handled, err := ctx.emit(cmd, locks); handled {
					return err
				}
				out := cmd.OutOrStdout()
				now := time.Now()
				rows := make([][]string, 0, len(locks))
				for _, lock := range locks {
					held := "-"
					if lock.LockedAt != nil {
						held = formatAge(*lock.LockedAt, now)
					}
					pid := "-"
					if lock.PID > 0 {
						pid = strconv.Itoa(lock.PID)
					}
					rows = append(rows, []string{
						string(lock.Stage),
						yesNo(lock.Locked),
						orDash(lock.Owner),
						pid,
						held,
						yesNo(lock.Stale),
					})
				}
				fmt.Fprint(out, renderTable(
					[]string{"Stage", "Locked", "Holder", "PID", "Held", "Stale"},
					rows,
					[]columnAlignment{alignLeft, alignLeft, alignLeft, alignRight, alignRight, alignLeft},
				))
				return nil
			})
		},
	}
}

func newLocksCleanupCommand(ctx *commandContext) *cobra.Command {
	var threshold time.Duration
	cmd := &cobra.Command{
		Use:   "cleanup",
		Short: "Clear locks held longer than the threshold",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return ctx.withStore(func(store *queue.Store) error {
				if threshold <= 0 {
					threshold = store.LockTimeout()
				}
				n, err := store.CleanupStaleLocks(cmd.Context(), threshold)
				if err != nil {
					return err
				}
				if handled, err := ctx.emit(cmd, map[string]int64{"released": n}); handled {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Released %d locks held longer than %s\n", n, threshold)
				return nil
			})
		},
	}
	cmd.Flags().DurationVar(&threshold, "threshold", 0, "Lock age to release (defaults to queue.lock_timeout_minutes)")
	return cmd
}
