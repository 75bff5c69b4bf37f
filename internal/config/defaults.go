package config

const (
	defaultStateDir              = "~/.local/share/stagehand"
	defaultLogDir                = "~/.local/share/stagehand/logs"
	defaultWorkerDir             = "~/.local/share/stagehand/workers"
	defaultLogFormat             = "console"
	defaultLogLevel              = "info"
	defaultLogRetentionDays      = 30
	defaultLockTimeoutMinutes    = 60
	defaultQueuePollInterval     = 5
	defaultErrorRetryInterval    = 10
	defaultHeartbeatInterval     = 15
	defaultStuckThresholdMinutes = 10
	defaultStaleThresholdMinutes = 30
	defaultCleanupDays           = 30
	defaultNotifyTimeoutSeconds  = 10
	defaultPoolMaxWorkers        = 10
	defaultSpawnDelaySeconds     = 3
	defaultSpawnTimeoutSeconds   = 30
	defaultMinWorkerAgeSeconds   = 30
	defaultPoolPollSeconds       = 5
	defaultFailureThreshold      = 3
	defaultCooldownSeconds       = 300
	defaultRecoverySchedule      = "*/5 * * * *"
	defaultLockCleanupSchedule   = "*/10 * * * *"
	defaultCleanupSchedule       = "0 3 * * *"
	defaultTelemetryExporter     = "none"
	defaultTelemetryServiceName  = "stagehand"
	defaultTelemetrySampleRate   = 1.0
)

// StageNames lists the pipeline stages in execution order.
var StageNames = []string{"script", "image", "video", "youtube"}

func defaultPoolKinds() []PoolKind {
	return []PoolKind{
		{Kind: "claude-1", Enabled: true, Limit: 5, Binary: "claude"},
		{Kind: "claude-2", Enabled: true, Limit: 5, Binary: "claude"},
		{Kind: "codex", Enabled: false, Limit: 3, Binary: "codex"},
		{Kind: "gemini", Enabled: false, Limit: 3, Binary: "gemini"},
	}
}

// Default returns a Config populated with repository defaults.
func Default() Config {
	return Config{
		Paths: Paths{
			StateDir:  defaultStateDir,
			LogDir:    defaultLogDir,
			WorkerDir: defaultWorkerDir,
		},
		Queue: Queue{
			LockTimeoutMinutes:    defaultLockTimeoutMinutes,
			PollInterval:          defaultQueuePollInterval,
			ErrorRetryInterval:    defaultErrorRetryInterval,
			HeartbeatInterval:     defaultHeartbeatInterval,
			StuckThresholdMinutes: defaultStuckThresholdMinutes,
			StaleThresholdMinutes: defaultStaleThresholdMinutes,
			CleanupDays:           defaultCleanupDays,
		},
		Stages: map[string]StageCommand{},
		Pool: Pool{
			Enabled:             false,
			MaxWorkers:          defaultPoolMaxWorkers,
			SpawnDelaySeconds:   defaultSpawnDelaySeconds,
			SpawnTimeoutSeconds: defaultSpawnTimeoutSeconds,
			MinWorkerAgeSeconds: defaultMinWorkerAgeSeconds,
			PollIntervalSeconds: defaultPoolPollSeconds,
			FailureThreshold:    defaultFailureThreshold,
			CooldownSeconds:     defaultCooldownSeconds,
			Kinds:               defaultPoolKinds(),
		},
		Maintenance: Maintenance{
			RecoverySchedule:    defaultRecoverySchedule,
			LockCleanupSchedule: defaultLockCleanupSchedule,
			CleanupSchedule:     defaultCleanupSchedule,
		},
		Logging: Logging{
			Format:        defaultLogFormat,
			Level:         defaultLogLevel,
			RetentionDays: defaultLogRetentionDays,
		},
		Telemetry: Telemetry{
			Exporter:    defaultTelemetryExporter,
			ServiceName: defaultTelemetryServiceName,
			SampleRate:  defaultTelemetrySampleRate,
		},
		Notifications: Notifications{
			RequestTimeoutSeconds: defaultNotifyTimeoutSeconds,
			PipelineCompleted:     true,
		},
	}
}
