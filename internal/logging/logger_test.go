package logging_test

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"stagehand/internal/config"
	"stagehand/internal/logging"
	"stagehand/internal/services"
)

func TestNewFromConfigWritesLogFile(t *testing.T) {
	cfg := config.Default()
	cfg.Paths.LogDir = t.TempDir()
	cfg.Logging.Level = "info"

	logger, err := logging.NewFromConfig(&cfg)
	if err != nil {
		t.Fatalf("NewFromConfig returned error: %v", err)
	}
	logger.Info("daemon started")

	data, err := os.ReadFile(filepath.Join(cfg.Paths.LogDir, logging.LogFileName))
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	if !strings.Contains(string(data), "daemon started") {
		t.Fatalf("expected message in log file, got %q", string(data))
	}
}

func TestConsoleLoggerFormatsComponentAndFields(t *testing.T) {
	logPath := filepath.Join(t.TempDir(), "console.log")
	logger, err := logging.New(logging.Options{Format: "console", Level: "info", OutputPaths: []string{logPath}})
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}

	pool := logging.NewComponentLogger(logger, "pool")
	pool.Info("worker spawned", logging.WorkerID("claude-1-1"), logging.PID(4242))
	pool.Debug("hidden")

	data, err := os.ReadFile(logPath)
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	line := strings.TrimSpace(string(data))
	if strings.Contains(line, "hidden") {
		t.Fatalf("debug record leaked at info level: %q", line)
	}
	for _, fragment := range []string{"INFO pool: worker spawned", "worker_id=claude-1-1", "pid=4242"} {
		if !strings.Contains(line, fragment) {
			t.Fatalf("expected %q in %q", fragment, line)
		}
	}
	if strings.Contains(line, "component=") {
		t.Fatalf("component should render as prefix, got %q", line)
	}
}

func TestJSONLoggerRenamesKeys(t *testing.T) {
	logPath := filepath.Join(t.TempDir(), "json.log")
	logger, err := logging.New(logging.Options{Format: "json", Level: "info", OutputPaths: []string{logPath}})
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}
	logger.Warn("lock stolen", logging.Stage("video"))

	data, err := os.ReadFile(logPath)
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	var record map[string]any
	if err := json.Unmarshal(data, &record); err != nil {
		t.Fatalf("decode json log: %v", err)
	}
	if record["level"] != "warn" {
		t.Fatalf("expected lowercase level, got %v", record["level"])
	}
	if _, ok := record["ts"]; !ok {
		t.Fatalf("expected ts key, got %v", record)
	}
	if record["stage"] != "video" {
		t.Fatalf("expected stage field, got %v", record["stage"])
	}
}

func TestDomainAttrsOmitUnsetPID(t *testing.T) {
	logPath := filepath.Join(t.TempDir(), "attrs.log")
	logger, err := logging.New(logging.Options{Format: "json", Level: "info", OutputPaths: []string{logPath}})
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}
	logger.Info("worker spawning",
		logging.TaskID("1772366400000_ab12cd34"),
		logging.WorkerKind("codex"),
		logging.ClaimID(17),
		logging.PID(0),
	)

	data, err := os.ReadFile(logPath)
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	var record map[string]any
	if err := json.Unmarshal(data, &record); err != nil {
		t.Fatalf("decode json log: %v", err)
	}
	if record[logging.FieldTaskID] != "1772366400000_ab12cd34" || record[logging.FieldWorkerKind] != "codex" {
		t.Fatalf("unexpected string fields: %v", record)
	}
	if record[logging.FieldClaimID] != float64(17) {
		t.Fatalf("expected numeric claim_id, got %v", record[logging.FieldClaimID])
	}
	if _, ok := record[logging.FieldPID]; ok {
		t.Fatalf("pid should be omitted before launch, got %v", record[logging.FieldPID])
	}
}

func TestNewRejectsUnknownFormat(t *testing.T) {
	if _, err := logging.New(logging.Options{Format: "xml"}); err == nil {
		t.Fatal("expected error for unsupported format")
	}
}

func TestWithContextAddsFields(t *testing.T) {
	logPath := filepath.Join(t.TempDir(), "ctx.log")
	logger, err := logging.New(logging.Options{Format: "console", Level: "info", OutputPaths: []string{logPath}})
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}
	ctx := services.WithTaskID(context.Background(), "1700000000000_ab12cd34")
	ctx = services.WithStage(ctx, "image")
	logging.WithContext(ctx, logger).Info("stage started")

	data, err := os.ReadFile(logPath)
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	line := string(data)
	if !strings.Contains(line, "task_id=1700000000000_ab12cd34") || !strings.Contains(line, "stage=image") {
		t.Fatalf("expected context fields in %q", line)
	}
}

func TestWarnWithContextInjectsDefaults(t *testing.T) {
	logPath := filepath.Join(t.TempDir(), "warn.log")
	logger, err := logging.New(logging.Options{Format: "json", Level: "info", OutputPaths: []string{logPath}})
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}
	logging.WarnWithContext(logger, "spawn rolled back", "spawn_rollback", logging.String(logging.FieldImpact, "work item reopened"))

	data, err := os.ReadFile(logPath)
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	var record map[string]any
	if err := json.Unmarshal(data, &record); err != nil {
		t.Fatalf("decode json log: %v", err)
	}
	if record[logging.FieldEventType] != "spawn_rollback" {
		t.Fatalf("unexpected event_type: %v", record[logging.FieldEventType])
	}
	if record[logging.FieldErrorHint] == nil {
		t.Fatal("expected default error_hint")
	}
	if record[logging.FieldImpact] != "work item reopened" {
		t.Fatalf("explicit impact overwritten: %v", record[logging.FieldImpact])
	}
}

func TestPruneLogs(t *testing.T) {
	logDir := t.TempDir()
	workerDir := t.TempDir()
	daemonLog := filepath.Join(logDir, logging.LogFileName)
	launcherLog := filepath.Join(logDir, "launch.log")
	oldWorker := filepath.Join(workerDir, "codex-claim-4-w-aa.log")
	liveWorker := filepath.Join(workerDir, "claude-1-claim-5-w-bb.log")
	freshWorker := filepath.Join(workerDir, "gemini-claim-6-w-cc.log")
	notes := filepath.Join(workerDir, "notes.log")
	for _, path := range []string{daemonLog, launcherLog, oldWorker, liveWorker, freshWorker, notes} {
		if err := os.WriteFile(path, []byte("line\n"), 0o644); err != nil {
			t.Fatalf("write %s: %v", path, err)
		}
	}
	old := time.Now().AddDate(0, 0, -10)
	for _, path := range []string{daemonLog, launcherLog, oldWorker, liveWorker, notes} {
		if err := os.Chtimes(path, old, old); err != nil {
			t.Fatalf("chtimes: %v", err)
		}
	}

	result := logging.PruneLogs(logging.NewNop(), logging.RetentionPolicy{
		Days:      5,
		LogDir:    logDir,
		WorkerDir: workerDir,
		InUse:     func(path string) bool { return filepath.Base(path) == filepath.Base(liveWorker) },
	})
	if result.DaemonLogs != 1 || result.WorkerLogs != 1 || result.Total() != 2 {
		t.Fatalf("unexpected result %#v", result)
	}
	if result.Bytes != 10 || result.Skipped != 2 {
		t.Fatalf("expected 10 bytes removed and 2 files kept, got %#v", result)
	}
	for _, gone := range []string{launcherLog, oldWorker} {
		if _, err := os.Stat(gone); !os.IsNotExist(err) {
			t.Fatalf("expected %s removed, stat err=%v", gone, err)
		}
	}
	for _, kept := range []string{daemonLog, liveWorker, freshWorker, notes} {
		if _, err := os.Stat(kept); err != nil {
			t.Fatalf("expected %s kept: %v", kept, err)
		}
	}

	if got := logging.PruneLogs(nil, logging.RetentionPolicy{LogDir: logDir, WorkerDir: workerDir}); got.Total() != 0 {
		t.Fatalf("expected zero retention days to disable pruning, got %#v", got)
	}
}
