package main

import (
	"errors"
	"fmt"
	"time"

	"github.com/gofrs/flock"
	"github.com/spf13/cobra"

	"stagehand/internal/ipc"
	"stagehand/internal/queue"
	"stagehand/internal/recovery"
)

func newRecoverCommand(ctx *commandContext) *cobra.Command {
	var threshold time.Duration
	cmd := &cobra.Command{
		Use:   "recover",
		Short: "Fail orphaned processing rows and clear their locks",
		Long: `Fail orphaned processing rows and clear their locks.

When a daemon answers on the socket the sweep runs inside it and only touches
rows older than --threshold (or queue.stale_threshold_minutes).

Without a daemon, --threshold selects the time-based sweep. Omitting it runs
the boot sweep, which fails every processing row; it is refused while any
daemon on this host holds the host lock.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if threshold < 0 {
				return errors.New("--threshold must not be negative")
			}
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}

			if client, dialErr := ipc.Dial(ctx.socketPath()); dialErr == nil {
				defer client.Close()
				resp, err := client.Recover(threshold)
				if err != nil {
					return err
				}
				return printRecovery(ctx, cmd, resp.Result, "daemon")
			}

			return ctx.withStore(func(store *queue.Store) error {
				recoverer := recovery.New(store, nil, nil)
				if threshold > 0 {
					result, err := recoverer.RecoverStaleJobsByTime(cmd.Context(), threshold)
					if err != nil {
						return err
					}
					return printRecovery(ctx, cmd, result, "time")
				}

				hostLock := flock.New(cfg.HostLockPath())
				defer hostLock.Close()
				locked, err := hostLock.TryLock()
				if err != nil {
					return fmt.Errorf("acquire host lock: %w", err)
				}
				if !locked {
					return errors.New("a stagehand daemon holds the host lock; pass --threshold for a time-based sweep")
				}
				defer hostLock.Unlock()
				result, err := recoverer.RecoverStaleProcessingJobs(cmd.Context())
				if err != nil {
					return err
				}
				return printRecovery(ctx, cmd, result, "boot")
			})
		},
	}
	cmd.Flags().DurationVar(&threshold, "threshold", 0, "Only recover rows processing longer than this")
	return cmd
}

func printRecovery(ctx *commandContext, cmd *cobra.Command, result recovery.Result, mode string) error {
	if handled, err := ctx.emit(cmd, result); handled {
		return err
	}
	out := cmd.OutOrStdout()
	if result.Empty() {
		fmt.Fprintf(out, "Recovery (%s): nothing to recover\n", mode)
		return nil
	}
	fmt.Fprintf(out, "Recovery (%s): %d rows failed, %d locks released\n", mode, result.QueueRecovered, result.LocksReleased)
	for _, ref := range result.RecoveredIDs {
		fmt.Fprintf(out, "  %s\n", ref)
	}
	if result.QueueRecovered > 0 {
		fmt.Fprintln(out, "Retry them with `stagehand queue retry`.")
	}
	return nil
}
