package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"stagehand/internal/daemonctl"
	"stagehand/internal/daemonrun"
	"stagehand/internal/ipc"
	"stagehand/internal/logging"
	"stagehand/internal/procs"
)

const (
	startWaitTimeout = 10 * time.Second
	stopGracePeriod  = 20 * time.Second
)

func newDaemonCommands(ctx *commandContext) []*cobra.Command {
	return []*cobra.Command{
		newDaemonRunCommand(ctx),
		newStartCommand(ctx),
		newStopCommand(ctx),
		newStatusCommand(ctx),
	}
}

func newDaemonRunCommand(ctx *commandContext) *cobra.Command {
	var logLevel string
	cmd := &cobra.Command{
		Use:   "daemon",
		Short: "Run the stagehand daemon in the foreground",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			return daemonrun.Run(cmd.Context(), cfg, daemonrun.Options{
				ConfigPath: ctx.configPath,
				LogLevel:   logLevel,
			})
		},
	}
	cmd.Flags().StringVar(&logLevel, "log-level", "", "Override logging.level")
	return cmd
}

func newStartCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "start",
		Short: "Start the stagehand daemon in the background",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			exe, err := os.Executable()
			if err != nil {
				return fmt.Errorf("resolve executable: %w", err)
			}
			opts := daemonctl.LaunchOptions{
				ConfigPath: ctx.configPath,
				LogPath:    filepath.Join(cfg.Paths.LogDir, "stagehand-daemon.out"),
			}
			launcher := procs.Exec{Logger: logging.NewNop()}
			result, err := daemonctl.EnsureStarted(cmd.Context(), launcher, ctx.socketPath(), exe, opts, startWaitTimeout)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			switch result.State {
			case daemonctl.StartStateAlreadyRunning:
				fmt.Fprintf(out, "Daemon already running (pid %d)\n", result.PID)
			default:
				fmt.Fprintf(out, "Daemon started (pid %d)\n", result.PID)
			}
			return nil
		},
	}
}

func newStopCommand(ctx *commandContext) *cobra.Command {
	var grace time.Duration
	cmd := &cobra.Command{
		Use:   "stop",
		Short: "Stop the stagehand daemon",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			result, err := daemonctl.StopAndTerminate(ctx.socketPath(), cfg.PIDPath(), procs.Signal{}, grace)
			if errors.Is(err, daemonctl.ErrDaemonNotRunning) {
				fmt.Fprintln(out, "Daemon is not running")
				return nil
			}
			if err != nil {
				return err
			}
			switch {
			case result.ForcedKill:
				fmt.Fprintf(out, "Daemon (pid %d) did not exit in %s; killed\n", result.PID, grace)
			case result.Signalled:
				fmt.Fprintf(out, "Sent SIGTERM to daemon (pid %d)\n", result.PID)
			}
			fmt.Fprintln(out, "Daemon stopped")
			return nil
		},
	}
	cmd.Flags().DurationVar(&grace, "grace", stopGracePeriod, "Time to wait before killing the daemon")
	return cmd
}

func newStatusCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show daemon, lane, and maintenance status",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			socket := ctx.socketPath()
			client, err := ipc.Dial(socket)
			if err != nil {
				if handled, emitErr := ctx.emit(cmd, map[string]bool{"running": false}); handled {
					return emitErr
				}
				fmt.Fprintln(cmd.OutOrStdout(), "Daemon is not running")
				return nil
			}
			defer client.Close()
			resp, err := client.Status()
			if err != nil {
				return err
			}
			if handled, err := ctx.emit(cmd, resp.Status); handled {
				return err
			}
			return renderDaemonStatus(cmd, resp)
		},
	}
}

func renderDaemonStatus(cmd *cobra.Command, resp *ipc.StatusResponse) error {
	out := cmd.OutOrStdout()
	colorize := shouldColorize(out)

	state := "stopped"
	if resp.Running {
		state = "running"
	}
	for _, line := range renderSectionHeader("Daemon", colorize) {
		fmt.Fprintln(out, line)
	}
	fmt.Fprintln(out, renderStatusLine("State", boolKind(resp.Running), state, colorize))
	fmt.Fprintln(out, renderStatusLine("PID", statusInfo, fmt.Sprint(resp.PID), colorize))
	fmt.Fprintln(out, renderStatusLine("Queue database", statusInfo, resp.QueueDBPath, colorize))
	fmt.Fprintln(out, renderStatusLine("Host lock", statusInfo, resp.HostLock, colorize))
	if resp.APIAddress != "" {
		fmt.Fprintln(out, renderStatusLine("HTTP API", statusInfo, resp.APIAddress, colorize))
	}
	if boot := resp.BootRecovery; boot != nil {
		kind := statusOK
		if boot.QueueRecovered > 0 {
			kind = statusWarn
		}
		fmt.Fprintln(out, renderStatusLine("Boot recovery", kind,
			fmt.Sprintf("%d rows failed, %d locks released", boot.QueueRecovered, boot.LocksReleased), colorize))
	} else {
		fmt.Fprintln(out, renderStatusLine("Boot recovery", statusInfo, "skipped (peer daemon alive)", colorize))
	}
	fmt.Fprintln(out)

	for _, line := range renderSectionHeader("Stage Lanes", colorize) {
		fmt.Fprintln(out, line)
	}
	wf := resp.Workflow
	if len(wf.Lanes) == 0 {
		fmt.Fprintln(out, "No stage commands configured")
	} else {
		rows := make([][]string, 0, len(wf.Lanes))
		for _, lane := range wf.Lanes {
			counts := wf.Queue[lane]
			ready := "-"
			detail := ""
			if health, ok := wf.StageHealth[string(lane)]; ok {
				ready = yesNo(health.Ready)
				detail = health.Detail
			}
			rows = append(rows, []string{
				string(lane),
				ready,
				fmt.Sprint(counts.Waiting),
				fmt.Sprint(counts.Processing),
				fmt.Sprint(counts.Failed),
				orDash(truncateText(detail, 40)),
			})
		}
		fmt.Fprint(out, renderTable(
			[]string{"Stage", "Ready", "Waiting", "Processing", "Failed", "Detail"},
			rows,
			[]columnAlignment{alignLeft, alignLeft, alignRight, alignRight, alignRight, alignLeft},
		))
	}
	if wf.LastTask != nil {
		fmt.Fprintln(out, renderStatusLine("Last task", statusInfo, wf.LastTask.String(), colorize))
	}
	if wf.LastError != "" {
		fmt.Fprintln(out, renderStatusLine("Last error", statusError, truncateText(wf.LastError, 80), colorize))
	}

	if len(resp.Maintenance) > 0 {
		fmt.Fprintln(out)
		for _, line := range renderSectionHeader("Maintenance", colorize) {
			fmt.Fprintln(out, line)
		}
		rows := make([][]string, 0, len(resp.Maintenance))
		for _, job := range resp.Maintenance {
			rows = append(rows, []string{
				job.Name,
				job.Schedule,
				formatTime(job.LastRun),
				formatTime(job.NextRun),
				orDash(truncateText(job.LastError, 40)),
			})
		}
		fmt.Fprint(out, renderTable([]string{"Job", "Schedule", "Last run", "Next run", "Last error"}, rows, nil))
	}

	if resp.Pool != nil {
		fmt.Fprintln(out)
		for _, line := range renderSectionHeader("Spawning Pool", colorize) {
			fmt.Fprintln(out, line)
		}
		renderPoolStatus(cmd, *resp.Pool)
	}
	return nil
}

func boolKind(ok bool) statusKind {
	if ok {
		return statusOK
	}
	return statusWarn
}
