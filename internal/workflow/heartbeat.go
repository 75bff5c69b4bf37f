package workflow

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"stagehand/internal/logging"
	"stagehand/internal/queue"
)

// HeartbeatMonitor keeps a running stage's lock fresh.
type HeartbeatMonitor struct {
	store    *queue.Store
	logger   *slog.Logger
	interval time.Duration
}

// NewHeartbeatMonitor creates a monitor. A non-positive interval uses a
// third of the store's lock timeout.
func NewHeartbeatMonitor(store *queue.Store, logger *slog.Logger, interval time.Duration) *HeartbeatMonitor {
	if interval <= 0 && store != nil {
		interval = store.LockTimeout() / 3
	}
	if interval <= 0 {
		interval = 15 * time.Second
	}
	return &HeartbeatMonitor{store: store, logger: logger, interval: interval}
}

// StartLoop refreshes the lock on stg held by taskID until ctx is done. When
// a refresh finds the lock gone it calls onLost and returns.
func (h *HeartbeatMonitor) StartLoop(ctx context.Context, wg *sync.WaitGroup, stg queue.Stage, taskID string, onLost func()) {
	defer wg.Done()
	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	logger := logging.WithContext(ctx, logging.NewComponentLogger(h.logger, "workflow-heartbeat"))

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			held, err := h.store.RefreshLock(ctx, stg, taskID)
			if err != nil {
				if errors.Is(err, context.Canceled) {
					return
				}
				logging.WarnWithContext(logger, "heartbeat update failed", "heartbeat_failed",
					logging.String(logging.FieldErrorHint, "check queue database access"),
					logging.String(logging.FieldImpact, "lock may go stale if refreshes keep failing"),
					logging.Error(err),
				)
				continue
			}
			if !held {
				onLost()
				return
			}
		}
	}
}
