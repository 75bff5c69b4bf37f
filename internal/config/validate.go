package config

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"slices"

	"github.com/robfig/cron/v3"
)

// Validate ensures the configuration is usable.
func (c *Config) Validate() error {
	if err := c.validateStages(); err != nil {
		return err
	}
	if err := c.validatePool(); err != nil {
		return err
	}
	if err := c.validateMaintenance(); err != nil {
		return err
	}
	if err := c.validateLogging(); err != nil {
		return err
	}
	if err := c.validateTelemetry(); err != nil {
		return err
	}
	if err := c.validateAPI(); err != nil {
		return err
	}
	return c.validateNotifications()
}

func (c *Config) validateNotifications() error {
	if c.Notifications.NtfyTopic == "" {
		return nil
	}
	u, err := url.Parse(c.Notifications.NtfyTopic)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("notifications.ntfy_topic must be an http(s) URL, got %q", c.Notifications.NtfyTopic)
	}
	return nil
}

func (c *Config) validateAPI() error {
	if c.API.Bind == "" {
		return nil
	}
	if _, _, err := net.SplitHostPort(c.API.Bind); err != nil {
		return fmt.Errorf("api.bind: %w", err)
	}
	return nil
}

func (c *Config) validateStages() error {
	for name := range c.Stages {
		if !slices.Contains(StageNames, name) {
			return fmt.Errorf("stages.%s: unknown stage (want one of %v)", name, StageNames)
		}
	}
	return nil
}

func (c *Config) validatePool() error {
	seen := make(map[string]struct{}, len(c.Pool.Kinds))
	for i, kind := range c.Pool.Kinds {
		if kind.Kind == "" {
			return fmt.Errorf("pool.kinds[%d].kind must be set", i)
		}
		if _, dup := seen[kind.Kind]; dup {
			return fmt.Errorf("pool.kinds[%d]: duplicate kind %q", i, kind.Kind)
		}
		seen[kind.Kind] = struct{}{}
		if kind.Limit < 0 {
			return fmt.Errorf("pool.kinds[%d].limit must be >= 0", i)
		}
	}
	if c.Pool.MinWorkerAgeSeconds > 0 && c.Pool.MinWorkerAgeSeconds < c.Pool.PollIntervalSeconds {
		return errors.New("pool.min_worker_age_seconds must be at least pool.poll_interval_seconds")
	}
	return nil
}

func (c *Config) validateMaintenance() error {
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	schedules := map[string]string{
		"maintenance.recovery_schedule":     c.Maintenance.RecoverySchedule,
		"maintenance.lock_cleanup_schedule": c.Maintenance.LockCleanupSchedule,
		"maintenance.cleanup_schedule":      c.Maintenance.CleanupSchedule,
	}
	for key, expr := range schedules {
		if _, err := parser.Parse(expr); err != nil {
			return fmt.Errorf("%s: invalid cron expression %q: %w", key, expr, err)
		}
	}
	return nil
}

func (c *Config) validateLogging() error {
	switch c.Logging.Format {
	case "console", "json":
	default:
		return fmt.Errorf("logging.format: unsupported value %q", c.Logging.Format)
	}
	switch c.Logging.Level {
	case "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("logging.level: unsupported value %q", c.Logging.Level)
	}
	return nil
}

func (c *Config) validateTelemetry() error {
	switch c.Telemetry.Exporter {
	case "none", "stdout":
	case "otlp-http":
		if c.Telemetry.Enabled && c.Telemetry.Endpoint == "" {
			return errors.New("telemetry.endpoint must be set when telemetry.exporter is otlp-http")
		}
	default:
		return fmt.Errorf("telemetry.exporter: unsupported value %q", c.Telemetry.Exporter)
	}
	if c.Telemetry.SampleRate > 1 {
		return errors.New("telemetry.sample_rate must be between 0 and 1")
	}
	return nil
}
