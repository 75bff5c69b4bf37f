package config

import (
	_ "embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
)

//go:embed sample_config.toml
var sampleConfig string

// Paths contains directory configuration.
type Paths struct {
	StateDir  string `toml:"state_dir"`
	LogDir    string `toml:"log_dir"`
	WorkerDir string `toml:"worker_dir"`
}

// Queue contains stage queue timing and retention settings.
type Queue struct {
	LockTimeoutMinutes    int `toml:"lock_timeout_minutes"`
	PollInterval          int `toml:"poll_interval"`
	ErrorRetryInterval    int `toml:"error_retry_interval"`
	HeartbeatInterval     int `toml:"heartbeat_interval"`
	StuckThresholdMinutes int `toml:"stuck_threshold_minutes"`
	StaleThresholdMinutes int `toml:"stale_threshold_minutes"`
	CleanupDays           int `toml:"cleanup_days"`
}

// StageCommand describes the external command that performs one stage.
// An empty Command leaves the stage lane idle.
type StageCommand struct {
	Command        string   `toml:"command"`
	Args           []string `toml:"args"`
	Dir            string   `toml:"dir"`
	TimeoutSeconds int      `toml:"timeout_seconds"`
}

// PoolKind overrides one entry of the worker roster.
type PoolKind struct {
	Kind    string `toml:"kind"`
	Enabled bool   `toml:"enabled"`
	Limit   int    `toml:"limit"`
	Binary  string `toml:"binary"`
}

// Pool contains worker spawning pool settings.
type Pool struct {
	Enabled             bool       `toml:"enabled"`
	MaxWorkers          int        `toml:"max_workers"`
	SpawnDelaySeconds   int        `toml:"spawn_delay_seconds"`
	SpawnTimeoutSeconds int        `toml:"spawn_timeout_seconds"`
	MinWorkerAgeSeconds int        `toml:"min_worker_age_seconds"`
	PollIntervalSeconds int        `toml:"poll_interval_seconds"`
	FailureThreshold    int        `toml:"failure_threshold"`
	CooldownSeconds     int        `toml:"cooldown_seconds"`
	WorkDir             string     `toml:"work_dir"`
	Kinds               []PoolKind `toml:"kinds"`
}

// Maintenance contains cron expressions for periodic sweeps.
type Maintenance struct {
	RecoverySchedule    string `toml:"recovery_schedule"`
	LockCleanupSchedule string `toml:"lock_cleanup_schedule"`
	CleanupSchedule     string `toml:"cleanup_schedule"`
}

// Logging contains configuration for log output.
type Logging struct {
	Format        string `toml:"format"`
	Level         string `toml:"level"`
	RetentionDays int    `toml:"retention_days"`
}

// Telemetry contains OpenTelemetry exporter settings.
type Telemetry struct {
	Enabled     bool    `toml:"enabled"`
	Exporter    string  `toml:"exporter"`
	Endpoint    string  `toml:"endpoint"`
	ServiceName string  `toml:"service_name"`
	SampleRate  float64 `toml:"sample_rate"`
}

// API contains the optional HTTP status endpoint. An empty Bind disables it.
type API struct {
	Bind  string `toml:"bind"`
	Token string `toml:"token"`
}

// Notifications configures ntfy alerts. An empty NtfyTopic disables them.
type Notifications struct {
	NtfyTopic             string `toml:"ntfy_topic"`
	RequestTimeoutSeconds int    `toml:"request_timeout_seconds"`
	PipelineCompleted     bool   `toml:"pipeline_completed"`
}

// Config encapsulates all configuration values for stagehand.
//
// Configuration sections by subsystem:
//   - Paths: state, log, and worker output directories
//   - Queue: lock timeout, polling, health and recovery thresholds
//   - Stages: external command per stage kind
//   - Pool: worker spawning pool limits, timeouts, and roster overrides
//   - Maintenance: cron schedules for recovery and cleanup sweeps
//   - Logging: log format, level, and retention
//   - Telemetry: OpenTelemetry exporter
//   - API: read-only HTTP status endpoint
//   - Notifications: ntfy alerts for failures and recovery
type Config struct {
	Paths         Paths                   `toml:"paths"`
	Queue         Queue                   `toml:"queue"`
	Stages        map[string]StageCommand `toml:"stages"`
	Pool          Pool                    `toml:"pool"`
	Maintenance   Maintenance             `toml:"maintenance"`
	Logging       Logging                 `toml:"logging"`
	Telemetry     Telemetry               `toml:"telemetry"`
	API           API                     `toml:"api"`
	Notifications Notifications           `toml:"notifications"`
}

// DefaultConfigPath returns the absolute path to the default configuration file location.
func DefaultConfigPath() (string, error) {
	return expandPath("~/.config/stagehand/config.toml")
}

// Load locates, parses, and validates a configuration file. The returned config has all
// path fields expanded and normalized.
func Load(path string) (*Config, string, bool, error) {
	cfg := Default()

	resolvedPath, exists, err := resolveConfigPath(path)
	if err != nil {
		return nil, "", false, err
	}

	if exists {
		if err := decodeFile(resolvedPath, &cfg); err != nil {
			return nil, "", false, err
		}
	}

	if err := cfg.normalize(); err != nil {
		return nil, "", false, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, "", false, err
	}

	return &cfg, resolvedPath, exists, nil
}

func decodeFile(path string, cfg *Config) error {
	file, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open config: %w", err)
	}
	defer file.Close()

	decoder := toml.NewDecoder(file)
	if err := decoder.Decode(cfg); err != nil {
		return fmt.Errorf("parse config: %w", err)
	}
	return nil
}

func resolveConfigPath(path string) (string, bool, error) {
	if path != "" {
		expanded, err := expandPath(path)
		if err != nil {
			return "", false, err
		}
		_, err = os.Stat(expanded)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return expanded, false, nil
			}
			return "", false, fmt.Errorf("stat config: %w", err)
		}
		return expanded, true, nil
	}

	defaultPath, err := DefaultConfigPath()
	if err != nil {
		return "", false, err
	}

	projectPath, err := filepath.Abs("stagehand.toml")
	if err != nil {
		return "", false, err
	}

	if info, err := os.Stat(defaultPath); err == nil && !info.IsDir() {
		return defaultPath, true, nil
	}
	if info, err := os.Stat(projectPath); err == nil && !info.IsDir() {
		return projectPath, true, nil
	}

	return defaultPath, false, nil
}

// EnsureDirectories creates required directories for daemon operation.
func (c *Config) EnsureDirectories() error {
	for _, dir := range []string{c.Paths.StateDir, c.Paths.LogDir, c.Paths.WorkerDir} {
		if strings.TrimSpace(dir) == "" {
			continue
		}
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create directory %q: %w", dir, err)
		}
	}
	return nil
}

// QueueDBPath is the SQLite file holding stage rows, locks, and attempt logs.
func (c *Config) QueueDBPath() string {
	return filepath.Join(c.Paths.StateDir, "queue.db")
}

// WorkItemsDBPath is the SQLite file holding the work-item tracker.
func (c *Config) WorkItemsDBPath() string {
	return filepath.Join(c.Paths.StateDir, "workitems.db")
}

// HostLockPath is the flock file peer daemons share on one host.
func (c *Config) HostLockPath() string {
	return filepath.Join(c.Paths.StateDir, "stagehand.lock")
}

// PIDPath is where the daemon records its process id.
func (c *Config) PIDPath() string {
	return filepath.Join(c.Paths.StateDir, "stagehand.pid")
}

// SocketPath is the daemon's JSON-RPC control socket.
func (c *Config) SocketPath() string {
	return filepath.Join(c.Paths.StateDir, "stagehand.sock")
}

// LockTimeout returns the stage lock staleness timeout.
func (c *Config) LockTimeout() time.Duration {
	return time.Duration(c.Queue.LockTimeoutMinutes) * time.Minute
}

// StuckThreshold returns the age after which a processing row is reported as stuck.
func (c *Config) StuckThreshold() time.Duration {
	return time.Duration(c.Queue.StuckThresholdMinutes) * time.Minute
}

// StaleThreshold returns the age used by time-based recovery.
func (c *Config) StaleThreshold() time.Duration {
	return time.Duration(c.Queue.StaleThresholdMinutes) * time.Minute
}

// StageCommandFor returns the configured command for a stage name.
func (c *Config) StageCommandFor(stage string) (StageCommand, bool) {
	if c.Stages == nil {
		return StageCommand{}, false
	}
	cmd, ok := c.Stages[stage]
	if !ok || strings.TrimSpace(cmd.Command) == "" {
		return StageCommand{}, false
	}
	return cmd, true
}

func expandPath(pathValue string) (string, error) {
	if pathValue == "" {
		return pathValue, nil
	}
	if strings.HasPrefix(pathValue, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolve home directory: %w", err)
		}
		if pathValue == "~" {
			pathValue = home
		} else if len(pathValue) > 1 && (pathValue[1] == '/' || pathValue[1] == '\\') {
			pathValue = filepath.Join(home, pathValue[2:])
		}
	}
	cleaned := filepath.Clean(pathValue)
	absolute, err := filepath.Abs(cleaned)
	if err != nil {
		return "", fmt.Errorf("resolve absolute path for %q: %w", cleaned, err)
	}
	return absolute, nil
}

// ExpandPath exposes the repository path expansion rules for other packages.
func ExpandPath(pathValue string) (string, error) {
	return expandPath(pathValue)
}

// CreateSample writes a sample configuration file to the specified location.
func CreateSample(path string) error {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create config directory: %w", err)
		}
	}

	if err := os.WriteFile(path, []byte(sampleConfig), 0o644); err != nil {
		return fmt.Errorf("write sample config: %w", err)
	}
	return nil
}
