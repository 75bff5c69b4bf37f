package workflow

import (
	"log/slog"

	"stagehand/internal/logging"
	"stagehand/internal/queue"
)

func (m *Manager) laneLogger(lane *laneState) *slog.Logger {
	return logging.NewComponentLogger(m.logger, "workflow-"+string(lane.stage)+"-lane").With(
		logging.String("lane", string(lane.stage)),
	)
}

func (m *Manager) laneLoggerFor(stg queue.Stage) *slog.Logger {
	m.mu.RLock()
	lane := m.lanes[stg]
	m.mu.RUnlock()
	if lane != nil && lane.logger != nil {
		return lane.logger
	}
	return m.logger
}
