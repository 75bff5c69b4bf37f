package logging

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// WorkerLogPattern matches the per-claim logs spawned workers write.
const WorkerLogPattern = "*-claim-*.log"

// RetentionPolicy selects the stagehand logs PruneLogs may remove.
type RetentionPolicy struct {
	Days int
	// LogDir holds the daemon log and launcher output. The active
	// LogFileName is never removed.
	LogDir string
	// WorkerDir holds per-claim worker logs.
	WorkerDir string
	// InUse reports worker logs a live worker still writes to.
	InUse func(path string) bool
}

// RetentionResult counts what PruneLogs removed.
type RetentionResult struct {
	DaemonLogs int
	WorkerLogs int
	Bytes      int64
	Skipped    int
}

// Total is the number of files removed.
func (r RetentionResult) Total() int { return r.DaemonLogs + r.WorkerLogs }

// PruneLogs removes daemon and worker logs last modified more than
// policy.Days days ago. Days <= 0 disables pruning.
func PruneLogs(logger *slog.Logger, policy RetentionPolicy) RetentionResult {
	var result RetentionResult
	if policy.Days <= 0 {
		return result
	}
	cutoff := time.Now().AddDate(0, 0, -policy.Days)

	if dir := strings.TrimSpace(policy.LogDir); dir != "" {
		active := absPath(filepath.Join(dir, LogFileName))
		pruneDir(logger, dir, "*.log", cutoff, func(path string) bool { return path == active },
			func(size int64) {
				result.DaemonLogs++
				result.Bytes += size
			},
			&result.Skipped)
	}
	if dir := strings.TrimSpace(policy.WorkerDir); dir != "" {
		pruneDir(logger, dir, WorkerLogPattern, cutoff, policy.InUse,
			func(size int64) {
				result.WorkerLogs++
				result.Bytes += size
			},
			&result.Skipped)
	}

	if logger != nil && (result.Total() > 0 || result.Skipped > 0) {
		logger.Info("log retention pass",
			Int("daemon_logs", result.DaemonLogs),
			Int("worker_logs", result.WorkerLogs),
			Int64("bytes", result.Bytes),
			Int("in_use", result.Skipped),
			Int("retention_days", policy.Days),
			String(FieldEventType, "log_retention"),
		)
	}
	return result
}

func pruneDir(logger *slog.Logger, dir, pattern string, cutoff time.Time, keep func(string) bool, removed func(int64), skipped *int) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return
	}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		if matched, err := filepath.Match(pattern, entry.Name()); err != nil || !matched {
			continue
		}
		info, err := entry.Info()
		if err != nil || !info.ModTime().Before(cutoff) {
			continue
		}
		path := absPath(filepath.Join(dir, entry.Name()))
		if keep != nil && keep(path) {
			*skipped++
			continue
		}
		if err := os.Remove(path); err != nil {
			WarnWithContext(logger, "log retention remove failed; file remains", "log_retention_failed",
				String("path", path),
				Error(err),
				String(FieldErrorHint, "check file permissions on the log and worker directories"),
				String(FieldImpact, "old log file remains on disk"),
			)
			continue
		}
		removed(info.Size())
		if logger != nil {
			logger.Debug("log pruned", String("path", path), String(FieldEventType, "log_pruned"))
		}
	}
}

func absPath(path string) string {
	if abs, err := filepath.Abs(path); err == nil {
		return abs
	}
	return path
}
