// Package procs launches detached worker processes and probes pid liveness.
//
// Launched processes are never supervised through exit notifications: they
// are expected to outlive the launcher, so liveness is only ever learned by
// probing the recorded pid.
package procs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"syscall"

	"golang.org/x/sys/unix"

	"stagehand/internal/logging"
)

// Command describes a process to start. Args are passed to the program
// verbatim; no shell is involved.
type Command struct {
	Path     string
	Args     []string
	Dir      string
	Env      []string
	Detached bool
	LogPath  string
}

// String renders the command for logs.
func (c Command) String() string {
	return strings.TrimSpace(c.Path + " " + strings.Join(c.Args, " "))
}

// Launcher starts processes and returns their pid.
type Launcher interface {
	Launch(ctx context.Context, cmd Command) (int, error)
}

// Probe reports whether a pid belongs to a running process.
type Probe interface {
	IsAlive(pid int) bool
}

// Exec launches real OS processes.
type Exec struct {
	Logger *slog.Logger
}

// Launch starts cmd and returns its pid once the process exists. The context
// bounds only the start itself; a started process keeps running after ctx ends.
func (e Exec) Launch(ctx context.Context, cmd Command) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if strings.TrimSpace(cmd.Path) == "" {
		return 0, errors.New("launch: command path is empty")
	}
	path, err := exec.LookPath(cmd.Path)
	if err != nil {
		return 0, fmt.Errorf("launch %s: %w", cmd.Path, err)
	}

	proc := exec.Command(path, cmd.Args...) //nolint:gosec
	proc.Dir = cmd.Dir
	proc.Env = append(os.Environ(), cmd.Env...)
	if cmd.Detached {
		proc.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
	}

	var logFile *os.File
	if cmd.LogPath != "" {
		if err := os.MkdirAll(filepath.Dir(cmd.LogPath), 0o755); err != nil {
			return 0, fmt.Errorf("launch: create log directory: %w", err)
		}
		logFile, err = os.OpenFile(cmd.LogPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return 0, fmt.Errorf("launch: open log file: %w", err)
		}
		proc.Stdout = logFile
		proc.Stderr = logFile
	}

	if err := proc.Start(); err != nil {
		if logFile != nil {
			_ = logFile.Close()
		}
		return 0, fmt.Errorf("launch %s: %w", cmd.Path, err)
	}
	pid := proc.Process.Pid

	logger := e.Logger
	if logger == nil {
		logger = logging.NewNop()
	}
	// Reap the child so it never lingers as a zombie.
	go func() {
		waitErr := proc.Wait()
		if logFile != nil {
			_ = logFile.Close()
		}
		logger.Debug("launched process exited",
			logging.PID(pid),
			logging.String("command", cmd.Path),
			logging.Bool("clean_exit", waitErr == nil),
		)
	}()
	return pid, nil
}

// Signal probes liveness with signal 0.
type Signal struct{}

// IsAlive reports whether pid names a running, non-zombie process. A
// permission error still proves the process exists.
func (Signal) IsAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := unix.Kill(pid, 0)
	if err != nil && !errors.Is(err, unix.EPERM) {
		return false
	}
	return !isZombie(pid)
}

func isZombie(pid int) bool {
	data, err := os.ReadFile(fmt.Sprintf("/proc/%d/stat", pid))
	if err != nil {
		return false
	}
	// The state field follows the parenthesised command name, which may itself contain spaces.
	stat := string(data)
	end := strings.LastIndexByte(stat, ')')
	if end < 0 || end+2 >= len(stat) {
		return false
	}
	state := stat[end+2]
	return state == 'Z' || state == 'X'
}
