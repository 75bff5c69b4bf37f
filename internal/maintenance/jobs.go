package maintenance

import (
	"context"
	"log/slog"

	"stagehand/internal/config"
	"stagehand/internal/logging"
	"stagehand/internal/queue"
	"stagehand/internal/recovery"
)

// Job names.
const (
	JobRecovery     = "recovery"
	JobLockCleanup  = "lock_cleanup"
	JobRowCleanup   = "row_cleanup"
	JobLogRetention = "log_retention"
)

// JobOption adjusts StandardJobs.
type JobOption func(*jobSettings)

type jobSettings struct {
	workerLogInUse func(path string) bool
}

// WithWorkerLogGuard keeps worker logs for which inUse returns true out of
// log retention.
func WithWorkerLogGuard(inUse func(path string) bool) JobOption {
	return func(s *jobSettings) { s.workerLogInUse = inUse }
}

// StandardJobs builds the daemon's sweeps from configuration.
func StandardJobs(cfg *config.Config, store *queue.Store, recoverer *recovery.Recoverer, logger *slog.Logger, opts ...JobOption) []Job {
	logger = logging.NewComponentLogger(logger, "maintenance")
	var settings jobSettings
	for _, opt := range opts {
		opt(&settings)
	}
	return []Job{
		{
			Name:     JobRecovery,
			Schedule: cfg.Maintenance.RecoverySchedule,
			Run: func(ctx context.Context) error {
				_, err := recoverer.RecoverStaleJobsByTime(ctx, cfg.StaleThreshold())
				return err
			},
		},
		{
			Name:     JobLockCleanup,
			Schedule: cfg.Maintenance.LockCleanupSchedule,
			Run: func(ctx context.Context) error {
				n, err := store.CleanupStaleLocks(ctx, 0)
				if err == nil && n > 0 {
					logger.Info("stale stage locks cleared", logging.Int64("count", n))
				}
				return err
			},
		},
		{
			Name:     JobRowCleanup,
			Schedule: cfg.Maintenance.CleanupSchedule,
			Run: func(ctx context.Context) error {
				_, err := store.Cleanup(ctx, cfg.Queue.CleanupDays)
				return err
			},
		},
		{
			Name:     JobLogRetention,
			Schedule: cfg.Maintenance.CleanupSchedule,
			Run: func(context.Context) error {
				logging.PruneLogs(logger, logging.RetentionPolicy{
					Days:      cfg.Logging.RetentionDays,
					LogDir:    cfg.Paths.LogDir,
					WorkerDir: cfg.Paths.WorkerDir,
					InUse:     settings.workerLogInUse,
				})
				return nil
			},
		},
	}
}
