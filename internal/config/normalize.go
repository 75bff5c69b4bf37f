package config

import (
	"fmt"
	"os"
	"strings"
)

func (c *Config) normalize() error {
	if err := c.normalizePaths(); err != nil {
		return err
	}
	c.normalizeQueue()
	c.normalizeStages()
	if err := c.normalizePool(); err != nil {
		return err
	}
	c.normalizeMaintenance()
	c.normalizeLogging()
	c.normalizeTelemetry()
	c.API.Bind = strings.TrimSpace(c.API.Bind)
	c.API.Token = strings.TrimSpace(c.API.Token)
	c.Notifications.NtfyTopic = strings.TrimSpace(c.Notifications.NtfyTopic)
	if c.Notifications.RequestTimeoutSeconds <= 0 {
		c.Notifications.RequestTimeoutSeconds = defaultNotifyTimeoutSeconds
	}
	return nil
}

func (c *Config) normalizePaths() error {
	if value, ok := os.LookupEnv("STAGEHAND_STATE_DIR"); ok && strings.TrimSpace(value) != "" {
		c.Paths.StateDir = value
	}
	if strings.TrimSpace(c.Paths.StateDir) == "" {
		c.Paths.StateDir = defaultStateDir
	}
	if strings.TrimSpace(c.Paths.LogDir) == "" {
		c.Paths.LogDir = defaultLogDir
	}
	if strings.TrimSpace(c.Paths.WorkerDir) == "" {
		c.Paths.WorkerDir = defaultWorkerDir
	}
	var err error
	if c.Paths.StateDir, err = expandPath(c.Paths.StateDir); err != nil {
		return fmt.Errorf("paths.state_dir: %w", err)
	}
	if c.Paths.LogDir, err = expandPath(c.Paths.LogDir); err != nil {
		return fmt.Errorf("paths.log_dir: %w", err)
	}
	if c.Paths.WorkerDir, err = expandPath(c.Paths.WorkerDir); err != nil {
		return fmt.Errorf("paths.worker_dir: %w", err)
	}
	return nil
}

func (c *Config) normalizeQueue() {
	if c.Queue.LockTimeoutMinutes <= 0 {
		c.Queue.LockTimeoutMinutes = defaultLockTimeoutMinutes
	}
	if c.Queue.PollInterval <= 0 {
		c.Queue.PollInterval = defaultQueuePollInterval
	}
	if c.Queue.ErrorRetryInterval <= 0 {
		c.Queue.ErrorRetryInterval = defaultErrorRetryInterval
	}
	if c.Queue.HeartbeatInterval <= 0 {
		c.Queue.HeartbeatInterval = defaultHeartbeatInterval
	}
	if c.Queue.StuckThresholdMinutes <= 0 {
		c.Queue.StuckThresholdMinutes = defaultStuckThresholdMinutes
	}
	if c.Queue.StaleThresholdMinutes <= 0 {
		c.Queue.StaleThresholdMinutes = defaultStaleThresholdMinutes
	}
	if c.Queue.CleanupDays <= 0 {
		c.Queue.CleanupDays = defaultCleanupDays
	}
}

func (c *Config) normalizeStages() {
	if c.Stages == nil {
		c.Stages = map[string]StageCommand{}
	}
	normalized := make(map[string]StageCommand, len(c.Stages))
	for name, cmd := range c.Stages {
		key := strings.ToLower(strings.TrimSpace(name))
		cmd.Command = strings.TrimSpace(cmd.Command)
		if cmd.Dir != "" {
			if expanded, err := expandPath(cmd.Dir); err == nil {
				cmd.Dir = expanded
			}
		}
		if cmd.TimeoutSeconds < 0 {
			cmd.TimeoutSeconds = 0
		}
		normalized[key] = cmd
	}
	c.Stages = normalized
}

func (c *Config) normalizePool() error {
	if c.Pool.MaxWorkers <= 0 {
		c.Pool.MaxWorkers = defaultPoolMaxWorkers
	}
	if c.Pool.SpawnDelaySeconds < 0 {
		c.Pool.SpawnDelaySeconds = 0
	}
	if c.Pool.SpawnTimeoutSeconds <= 0 {
		c.Pool.SpawnTimeoutSeconds = defaultSpawnTimeoutSeconds
	}
	if c.Pool.MinWorkerAgeSeconds < 0 {
		c.Pool.MinWorkerAgeSeconds = 0
	}
	if c.Pool.PollIntervalSeconds <= 0 {
		c.Pool.PollIntervalSeconds = defaultPoolPollSeconds
	}
	if c.Pool.FailureThreshold <= 0 {
		c.Pool.FailureThreshold = defaultFailureThreshold
	}
	if c.Pool.CooldownSeconds <= 0 {
		c.Pool.CooldownSeconds = defaultCooldownSeconds
	}
	if len(c.Pool.Kinds) == 0 {
		c.Pool.Kinds = defaultPoolKinds()
	}
	for i := range c.Pool.Kinds {
		c.Pool.Kinds[i].Kind = strings.ToLower(strings.TrimSpace(c.Pool.Kinds[i].Kind))
		c.Pool.Kinds[i].Binary = strings.TrimSpace(c.Pool.Kinds[i].Binary)
	}
	if strings.TrimSpace(c.Pool.WorkDir) != "" {
		expanded, err := expandPath(c.Pool.WorkDir)
		if err != nil {
			return fmt.Errorf("pool.work_dir: %w", err)
		}
		c.Pool.WorkDir = expanded
	}
	return nil
}

func (c *Config) normalizeMaintenance() {
	if strings.TrimSpace(c.Maintenance.RecoverySchedule) == "" {
		c.Maintenance.RecoverySchedule = defaultRecoverySchedule
	}
	if strings.TrimSpace(c.Maintenance.LockCleanupSchedule) == "" {
		c.Maintenance.LockCleanupSchedule = defaultLockCleanupSchedule
	}
	if strings.TrimSpace(c.Maintenance.CleanupSchedule) == "" {
		c.Maintenance.CleanupSchedule = defaultCleanupSchedule
	}
}

func (c *Config) normalizeLogging() {
	if value, ok := os.LookupEnv("STAGEHAND_LOG_LEVEL"); ok && strings.TrimSpace(value) != "" {
		c.Logging.Level = value
	}
	format := strings.ToLower(strings.TrimSpace(c.Logging.Format))
	if format == "" {
		format = defaultLogFormat
	}
	c.Logging.Format = format
	level := strings.ToLower(strings.TrimSpace(c.Logging.Level))
	if level == "" {
		level = defaultLogLevel
	}
	c.Logging.Level = level
	if c.Logging.RetentionDays < 0 {
		c.Logging.RetentionDays = 0
	}
}

func (c *Config) normalizeTelemetry() {
	c.Telemetry.Exporter = strings.ToLower(strings.TrimSpace(c.Telemetry.Exporter))
	if c.Telemetry.Exporter == "" {
		c.Telemetry.Exporter = defaultTelemetryExporter
	}
	if strings.TrimSpace(c.Telemetry.ServiceName) == "" {
		c.Telemetry.ServiceName = defaultTelemetryServiceName
	}
	if c.Telemetry.SampleRate <= 0 {
		c.Telemetry.SampleRate = defaultTelemetrySampleRate
	}
}
