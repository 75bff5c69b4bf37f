package daemonctl

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"stagehand/internal/ipc"
	"stagehand/internal/procs"
)

// LaunchOptions controls daemon process launch behavior.
type LaunchOptions struct {
	ConfigPath string
	LogPath    string
}

type StartState string

const (
	StartStateStarted        StartState = "started"
	StartStateAlreadyRunning StartState = "already_running"
)

// StartResult captures daemon start orchestration state.
type StartResult struct {
	State StartState
	PID   int
}

// Launch starts a detached stagehand daemon process through launcher.
func Launch(ctx context.Context, launcher procs.Launcher, executablePath string, opts LaunchOptions) (int, error) {
	if strings.TrimSpace(executablePath) == "" {
		return 0, fmt.Errorf("resolve executable: executable path is empty")
	}
	args := []string{"daemon"}
	if cfg := strings.TrimSpace(opts.ConfigPath); cfg != "" {
		args = append(args, "--config", cfg)
	}
	pid, err := launcher.Launch(ctx, procs.Command{
		Path:     executablePath,
		Args:     args,
		Detached: true,
		LogPath:  opts.LogPath,
	})
	if err != nil {
		return 0, fmt.Errorf("launch daemon: %w", err)
	}
	return pid, nil
}

// WaitForClient waits for IPC socket availability and returns a connected client.
func WaitForClient(ctx context.Context, socketPath string, timeout time.Duration) (*ipc.Client, error) {
	deadline := time.Now().Add(timeout)
	var lastErr error
	for time.Now().Before(deadline) {
		client, err := ipc.Dial(socketPath)
		if err == nil {
			return client, nil
		}
		lastErr = err
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(200 * time.Millisecond):
		}
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("timeout waiting for daemon")
	}
	return nil, fmt.Errorf("daemon failed to start: %w", lastErr)
}

// EnsureStarted launches the daemon unless one already answers on socketPath.
func EnsureStarted(ctx context.Context, launcher procs.Launcher, socketPath, executablePath string, opts LaunchOptions, waitTimeout time.Duration) (StartResult, error) {
	if client, err := ipc.Dial(socketPath); err == nil {
		defer client.Close()
		status, statusErr := client.Status()
		if statusErr == nil && status.Running {
			return StartResult{State: StartStateAlreadyRunning, PID: status.PID}, nil
		}
	}

	pid, err := Launch(ctx, launcher, executablePath, opts)
	if err != nil {
		return StartResult{}, err
	}
	client, err := WaitForClient(ctx, socketPath, waitTimeout)
	if err != nil {
		return StartResult{}, err
	}
	defer client.Close()
	if status, statusErr := client.Status(); statusErr == nil && status.PID > 0 {
		pid = status.PID
	}
	return StartResult{State: StartStateStarted, PID: pid}, nil
}

// WaitForShutdown waits for daemon IPC to disappear or report not-running.
func WaitForShutdown(socketPath string, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	var lastErr error
	for time.Now().Before(deadline) {
		client, err := ipc.Dial(socketPath)
		if err != nil {
			if isDaemonUnavailable(err) {
				return nil
			}
			lastErr = err
			time.Sleep(200 * time.Millisecond)
			continue
		}
		status, statusErr := client.Status()
		_ = client.Close()
		if statusErr == nil && !status.Running {
			return nil
		}
		if statusErr != nil {
			lastErr = statusErr
		} else {
			lastErr = fmt.Errorf("daemon still running")
		}
		time.Sleep(200 * time.Millisecond)
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("timeout waiting for shutdown")
	}
	return fmt.Errorf("daemon did not stop: %w", lastErr)
}

// ProcessInfo returns whether daemon IPC is reachable and the daemon PID when available.
func ProcessInfo(socketPath string) (bool, int, error) {
	client, err := ipc.Dial(socketPath)
	if err != nil {
		if isDaemonUnavailable(err) {
			return false, 0, nil
		}
		return false, 0, err
	}
	defer client.Close()
	status, statusErr := client.Status()
	if statusErr != nil {
		return true, 0, statusErr
	}
	return true, status.PID, nil
}

// ReadPID parses the daemon pid file. A missing file yields 0 and no error.
func ReadPID(pidPath string) (int, error) {
	data, err := os.ReadFile(pidPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return 0, nil
		}
		return 0, fmt.Errorf("read daemon pid file %q: %w", pidPath, err)
	}
	value := strings.TrimSpace(string(data))
	if value == "" {
		return 0, nil
	}
	pid, err := strconv.Atoi(value)
	if err != nil || pid <= 0 {
		return 0, fmt.Errorf("invalid pid %q in %s", value, pidPath)
	}
	return pid, nil
}

// WritePIDFile records the current process id at path.
func WritePIDFile(path string) error {
	if path == "" {
		return nil
	}
	value := strconv.Itoa(os.Getpid()) + "\n"
	return os.WriteFile(path, []byte(value), 0o644)
}

// ErrDaemonNotRunning indicates neither IPC nor the pid file found a live daemon.
var ErrDaemonNotRunning = errors.New("daemon not running")

// StopResult captures daemon stop/termination outcome.
type StopResult struct {
	StopAcknowledged bool
	Signalled        bool
	ForcedKill       bool
	PID              int
}

// StopAndTerminate asks the daemon to stop over IPC, falls back to SIGTERM
// through the pid file, and sends SIGKILL if the process outlives gracePeriod.
func StopAndTerminate(socketPath, pidPath string, probe procs.Probe, gracePeriod time.Duration) (StopResult, error) {
	if probe == nil {
		probe = procs.Signal{}
	}
	var result StopResult

	client, dialErr := ipc.Dial(socketPath)
	if dialErr == nil {
		if status, err := client.Status(); err == nil {
			result.PID = status.PID
		}
		resp, err := client.Stop()
		_ = client.Close()
		if err != nil {
			return result, err
		}
		result.StopAcknowledged = resp.Stopping
		_ = WaitForShutdown(socketPath, gracePeriod)
	} else if !isDaemonUnavailable(dialErr) {
		return result, dialErr
	}

	if result.PID == 0 {
		pid, err := ReadPID(pidPath)
		if err != nil {
			return result, err
		}
		result.PID = pid
	}
	if result.PID == 0 || result.PID == os.Getpid() || !probe.IsAlive(result.PID) {
		removeStale(pidPath)
		if !result.StopAcknowledged {
			return result, ErrDaemonNotRunning
		}
		return result, nil
	}

	if !result.StopAcknowledged {
		if err := unix.Kill(result.PID, unix.SIGTERM); err != nil && !errors.Is(err, unix.ESRCH) {
			return result, fmt.Errorf("signal daemon process %d: %w", result.PID, err)
		}
		result.Signalled = true
		if waitDead(probe, result.PID, gracePeriod) {
			removeStale(pidPath)
			return result, nil
		}
	}

	if err := unix.Kill(result.PID, unix.SIGKILL); err != nil && !errors.Is(err, unix.ESRCH) {
		return result, fmt.Errorf("kill daemon process %d: %w", result.PID, err)
	}
	result.ForcedKill = true
	removeStale(pidPath)
	_ = os.Remove(socketPath)
	return result, nil
}

func waitDead(probe procs.Probe, pid int, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if !probe.IsAlive(pid) {
			return true
		}
		time.Sleep(100 * time.Millisecond)
	}
	return !probe.IsAlive(pid)
}

func removeStale(pidPath string) {
	if pidPath != "" {
		_ = os.Remove(pidPath)
	}
}

func isDaemonUnavailable(err error) bool {
	return os.IsNotExist(err) ||
		errors.Is(err, os.ErrNotExist) ||
		errors.Is(err, syscall.ENOENT) ||
		errors.Is(err, syscall.ECONNREFUSED)
}
