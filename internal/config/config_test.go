package config_test

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/pelletier/go-toml/v2"

	"stagehand/internal/config"
)

func TestLoadDefaultConfigExpandsPaths(t *testing.T) {
	tempHome := t.TempDir()
	t.Setenv("HOME", tempHome)
	t.Chdir(t.TempDir())

	cfg, resolved, exists, err := config.Load("")
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if resolved == "" {
		t.Fatal("expected resolved path")
	}
	if exists {
		t.Fatal("expected config file to be absent in temp HOME")
	}

	wantState := filepath.Join(tempHome, ".local", "share", "stagehand")
	if cfg.Paths.StateDir != wantState {
		t.Fatalf("unexpected state dir: got %q want %q", cfg.Paths.StateDir, wantState)
	}
	if cfg.QueueDBPath() != filepath.Join(wantState, "queue.db") {
		t.Fatalf("unexpected queue db path: %q", cfg.QueueDBPath())
	}
	if cfg.LockTimeout() != time.Hour {
		t.Fatalf("expected 60 minute lock timeout, got %s", cfg.LockTimeout())
	}
	if cfg.StuckThreshold() != 10*time.Minute {
		t.Fatalf("expected 10 minute stuck threshold, got %s", cfg.StuckThreshold())
	}
	if cfg.StaleThreshold() != 30*time.Minute {
		t.Fatalf("expected 30 minute stale threshold, got %s", cfg.StaleThreshold())
	}
	if cfg.Pool.Enabled {
		t.Fatal("expected pool disabled by default")
	}
	if cfg.Pool.MaxWorkers != 10 || cfg.Pool.FailureThreshold != 3 || cfg.Pool.CooldownSeconds != 300 {
		t.Fatalf("unexpected pool defaults: %+v", cfg.Pool)
	}
	if len(cfg.Pool.Kinds) != 4 {
		t.Fatalf("expected four roster kinds, got %d", len(cfg.Pool.Kinds))
	}
	for _, kind := range cfg.Pool.Kinds {
		wantEnabled := strings.HasPrefix(kind.Kind, "claude")
		if kind.Enabled != wantEnabled {
			t.Fatalf("kind %s: enabled=%v want %v", kind.Kind, kind.Enabled, wantEnabled)
		}
	}
	if cfg.Logging.Format != "console" || cfg.Logging.Level != "info" {
		t.Fatalf("unexpected logging defaults: %+v", cfg.Logging)
	}
	if _, ok := cfg.StageCommandFor("script"); ok {
		t.Fatal("expected no stage commands by default")
	}
}

func TestLoadCustomConfigOverridesDefaults(t *testing.T) {
	tempHome := t.TempDir()
	t.Setenv("HOME", tempHome)

	configPath := filepath.Join(t.TempDir(), "config.toml")
	payload := struct {
		Paths struct {
			StateDir string `toml:"state_dir"`
		} `toml:"paths"`
		Queue struct {
			LockTimeoutMinutes int `toml:"lock_timeout_minutes"`
		} `toml:"queue"`
		Stages map[string]config.StageCommand `toml:"stages"`
		Pool   struct {
			Enabled bool              `toml:"enabled"`
			Kinds   []config.PoolKind `toml:"kinds"`
		} `toml:"pool"`
		Logging struct {
			Format string `toml:"format"`
		} `toml:"logging"`
	}{}
	payload.Paths.StateDir = "~/state"
	payload.Queue.LockTimeoutMinutes = 5
	payload.Stages = map[string]config.StageCommand{
		"Script": {Command: " /bin/echo ", Args: []string{"hi"}, TimeoutSeconds: 30},
	}
	payload.Pool.Enabled = true
	payload.Pool.Kinds = []config.PoolKind{{Kind: "Codex", Enabled: true, Limit: 2, Binary: "codex"}}
	payload.Logging.Format = "JSON"

	data, err := toml.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal config: %v", err)
	}
	if err := os.WriteFile(configPath, data, 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, resolved, exists, err := config.Load(configPath)
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if !exists || resolved != configPath {
		t.Fatalf("expected existing config at %q, got %q (exists=%v)", configPath, resolved, exists)
	}
	if cfg.Paths.StateDir != filepath.Join(tempHome, "state") {
		t.Fatalf("unexpected state dir: %q", cfg.Paths.StateDir)
	}
	if cfg.LockTimeout() != 5*time.Minute {
		t.Fatalf("unexpected lock timeout: %s", cfg.LockTimeout())
	}
	stage, ok := cfg.StageCommandFor("script")
	if !ok {
		t.Fatal("expected script stage command")
	}
	if stage.Command != "/bin/echo" || stage.TimeoutSeconds != 30 {
		t.Fatalf("unexpected stage command: %+v", stage)
	}
	if len(cfg.Pool.Kinds) != 1 || cfg.Pool.Kinds[0].Kind != "codex" {
		t.Fatalf("expected roster override, got %+v", cfg.Pool.Kinds)
	}
	if cfg.Logging.Format != "json" {
		t.Fatalf("expected normalized json format, got %q", cfg.Logging.Format)
	}
}

func TestEnvironmentOverrides(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	stateDir := t.TempDir()
	t.Setenv("STAGEHAND_STATE_DIR", stateDir)
	t.Setenv("STAGEHAND_LOG_LEVEL", "DEBUG")

	cfg, _, _, err := config.Load(filepath.Join(t.TempDir(), "missing.toml"))
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if cfg.Paths.StateDir != stateDir {
		t.Fatalf("expected env state dir %q, got %q", stateDir, cfg.Paths.StateDir)
	}
	if cfg.Logging.Level != "debug" {
		t.Fatalf("expected env log level, got %q", cfg.Logging.Level)
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*config.Config)
		want   string
	}{
		{
			name:   "unknown stage",
			mutate: func(c *config.Config) { c.Stages["render"] = config.StageCommand{Command: "x"} },
			want:   "unknown stage",
		},
		{
			name:   "bad cron",
			mutate: func(c *config.Config) { c.Maintenance.CleanupSchedule = "every day" },
			want:   "maintenance.cleanup_schedule",
		},
		{
			name:   "duplicate kind",
			mutate: func(c *config.Config) { c.Pool.Kinds = append(c.Pool.Kinds, c.Pool.Kinds[0]) },
			want:   "duplicate kind",
		},
		{
			name:   "log format",
			mutate: func(c *config.Config) { c.Logging.Format = "xml" },
			want:   "logging.format",
		},
		{
			name: "otlp without endpoint",
			mutate: func(c *config.Config) {
				c.Telemetry.Enabled = true
				c.Telemetry.Exporter = "otlp-http"
			},
			want: "telemetry.endpoint",
		},
		{
			name:   "api bind without port",
			mutate: func(c *config.Config) { c.API.Bind = "localhost" },
			want:   "api.bind",
		},
		{
			name:   "ntfy topic without scheme",
			mutate: func(c *config.Config) { c.Notifications.NtfyTopic = "ntfy.sh/alerts" },
			want:   "notifications.ntfy_topic",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := config.Default()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if err == nil {
				t.Fatal("expected validation error")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("expected error containing %q, got %v", tt.want, err)
			}
		})
	}
}

func TestCreateSampleLoads(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	path := filepath.Join(t.TempDir(), "nested", "config.toml")
	if err := config.CreateSample(path); err != nil {
		t.Fatalf("CreateSample failed: %v", err)
	}
	cfg, _, exists, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load sample failed: %v", err)
	}
	if !exists {
		t.Fatal("expected sample config to exist")
	}
	if cfg.Maintenance.RecoverySchedule != "*/5 * * * *" {
		t.Fatalf("unexpected recovery schedule: %q", cfg.Maintenance.RecoverySchedule)
	}
}

func TestWatcherReloadsOnWrite(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	path := filepath.Join(t.TempDir(), "config.toml")
	if err := config.CreateSample(path); err != nil {
		t.Fatalf("CreateSample failed: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	watcher := config.NewWatcher(path, nil)
	if err := watcher.Start(ctx); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read sample: %v", err)
	}
	updated := strings.Replace(string(data), "max_workers = 10", "max_workers = 4", 1)
	if err := os.WriteFile(path, []byte(updated), 0o644); err != nil {
		t.Fatalf("rewrite config: %v", err)
	}

	deadline := time.After(5 * time.Second)
	for {
		select {
		case ev, ok := <-watcher.Events():
			if !ok {
				t.Fatal("watcher closed before reload")
			}
			if ev.Config.Pool.MaxWorkers == 4 {
				return
			}
		case <-deadline:
			t.Fatal("timed out waiting for reload event")
		}
	}
}
