package workflow

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"stagehand/internal/logging"
	"stagehand/internal/services"
)

// Start begins background processing.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return errors.New("workflow already running")
	}
	lanes := make([]*laneState, 0, len(m.laneOrder))
	for _, stg := range m.laneOrder {
		if lane := m.lanes[stg]; lane != nil {
			lanes = append(lanes, lane)
		}
	}
	if len(lanes) == 0 {
		m.mu.Unlock()
		return services.Wrap(services.ErrConfiguration, "workflow", "start", "no stage commands configured", nil)
	}

	runCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.running = true
	for _, lane := range lanes {
		lane.logger = m.laneLogger(lane)
	}
	m.wg.Add(len(lanes))
	m.mu.Unlock()

	for _, lane := range lanes {
		go m.runLane(runCtx, lane)
	}
	return nil
}

// Stop terminates background processing and waits for running stages to settle.
func (m *Manager) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	cancel := m.cancel
	m.running = false
	m.cancel = nil
	m.mu.Unlock()

	cancel()
	m.wg.Wait()
}

func (m *Manager) runLane(ctx context.Context, lane *laneState) {
	defer m.wg.Done()
	logger := lane.logger
	logger.Debug("lane started")

	for {
		select {
		case <-ctx.Done():
			logger.Debug("lane stopped")
			return
		default:
		}

		task, err := m.store.Dequeue(ctx, lane.stage)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			m.handleDequeueError(ctx, logger, err)
			continue
		}
		if task == nil {
			m.wait(ctx, m.pollInterval)
			continue
		}
		m.processTask(ctx, lane, task)
	}
}

func (m *Manager) handleDequeueError(ctx context.Context, logger *slog.Logger, err error) {
	m.setLastError(err)
	logging.ErrorWithContext(logger, "failed to dequeue stage row", "queue_fetch_failed",
		logging.String(logging.FieldErrorHint, "check queue database access"),
		logging.Error(err),
	)
	m.wait(ctx, m.errorRetry)
}

func (m *Manager) wait(ctx context.Context, d time.Duration) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}
