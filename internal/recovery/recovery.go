// Package recovery restores crash consistency for the stage queue: it fails
// rows whose owning process is gone and clears the locks they held.
//
// Boot recovery assumes no live process holds any lock, so callers must only
// run it when they know no peer daemon is alive on the host. Time-based
// recovery is safe to run at any moment and is scheduled periodically.
package recovery

import (
	"context"
	"log/slog"
	"time"

	"stagehand/internal/logging"
	"stagehand/internal/queue"
	"stagehand/internal/services"
	"stagehand/internal/telemetry"
)

const (
	// DefaultThreshold is the age after which time-based recovery treats a row as abandoned.
	DefaultThreshold = 30 * time.Minute

	// RestartReason is recorded on rows failed by boot recovery.
	RestartReason = "recovered after restart"
	// StaleReason is recorded on rows failed by time-based recovery.
	StaleReason = "recovered after exceeding stale threshold"
)

// Store is the slice of the queue store recovery needs.
type Store interface {
	RecoverProcessing(ctx context.Context, olderThan time.Duration, reason string) (queue.RecoveryOutcome, error)
}

// Result reports what a recovery sweep changed.
type Result struct {
	QueueRecovered int              `json:"queue_recovered" yaml:"queue_recovered"`
	RecoveredIDs   []queue.StageRef `json:"recovered_ids" yaml:"recovered_ids"`
	LocksReleased  int              `json:"locks_released" yaml:"locks_released"`
}

// Empty reports whether the sweep changed nothing.
func (r Result) Empty() bool {
	return r.QueueRecovered == 0 && r.LocksReleased == 0
}

// Recoverer runs recovery sweeps against a queue store.
type Recoverer struct {
	store   Store
	logger  *slog.Logger
	metrics *telemetry.Metrics
}

// New constructs a Recoverer. logger and metrics may be nil.
func New(store Store, logger *slog.Logger, metrics *telemetry.Metrics) *Recoverer {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Recoverer{
		store:   store,
		logger:  logging.NewComponentLogger(logger, "recovery"),
		metrics: metrics,
	}
}

// RecoverStaleProcessingJobs clears every lock held by a process and fails
// every processing row. Run once at boot.
func (r *Recoverer) RecoverStaleProcessingJobs(ctx context.Context) (Result, error) {
	return r.run(ctx, "boot", 0, RestartReason)
}

// RecoverStaleJobsByTime fails processing rows started before threshold whose
// lock has not been refreshed within it, and clears locks of the same age.
// A non-positive threshold uses DefaultThreshold.
func (r *Recoverer) RecoverStaleJobsByTime(ctx context.Context, threshold time.Duration) (Result, error) {
	if threshold <= 0 {
		threshold = DefaultThreshold
	}
	return r.run(ctx, "time", threshold, StaleReason)
}

func (r *Recoverer) run(ctx context.Context, mode string, threshold time.Duration, reason string) (Result, error) {
	outcome, err := r.store.RecoverProcessing(ctx, threshold, reason)
	if err != nil {
		logging.ErrorWithContext(r.logger, "queue recovery failed", "recovery_failed",
			logging.String("mode", mode),
			logging.String(logging.FieldErrorHint, services.Hint(err)),
			logging.Error(err),
		)
		return Result{}, err
	}

	result := Result{
		QueueRecovered: len(outcome.Recovered),
		RecoveredIDs:   outcome.Recovered,
		LocksReleased:  outcome.LocksReleased,
	}
	r.metrics.RowsRecovered(ctx, mode, result.QueueRecovered)

	if result.Empty() {
		r.logger.Debug("queue recovery found nothing", logging.String("mode", mode))
		return result, nil
	}

	ids := make([]string, 0, len(result.RecoveredIDs))
	for _, ref := range result.RecoveredIDs {
		ids = append(ids, ref.String())
	}
	attrs := []logging.Attr{
		logging.String("mode", mode),
		logging.Int("rows_failed", result.QueueRecovered),
		logging.Int("locks_released", result.LocksReleased),
		logging.Any("recovered_ids", ids),
		logging.String(logging.FieldImpact, "rows marked failed; retry them with 'stagehand queue retry'"),
	}
	if threshold > 0 {
		attrs = append(attrs, logging.Duration("threshold", threshold))
	}
	if result.QueueRecovered > 0 {
		attrs = append(attrs, logging.String(logging.FieldErrorHint, services.Hint(services.ErrCrashRecovery)))
		logging.WarnWithContext(r.logger, "abandoned stage rows recovered", "crash_recovery", attrs...)
		return result, nil
	}
	r.logger.Info("stale stage locks released", logging.Args(attrs...)...)
	return result, nil
}
