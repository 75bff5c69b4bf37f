package workflow

import (
	"context"

	"stagehand/internal/logging"
	"stagehand/internal/queue"
	"stagehand/internal/stage"
)

// StatusSummary represents lightweight workflow diagnostics.
type StatusSummary struct {
	Running     bool                    `json:"running" yaml:"running"`
	Lanes       []queue.Stage           `json:"lanes" yaml:"lanes"`
	LastError   string                  `json:"last_error,omitempty" yaml:"last_error,omitempty"`
	LastTask    *queue.StageRef         `json:"last_task,omitempty" yaml:"last_task,omitempty"`
	Queue       queue.Summary           `json:"queue" yaml:"queue"`
	StageHealth map[string]stage.Health `json:"stage_health" yaml:"stage_health"`
}

// Status returns the latest workflow information.
func (m *Manager) Status(ctx context.Context) StatusSummary {
	m.mu.RLock()
	running := m.running
	lastErr := m.lastErr
	lastTask := m.lastTask
	lanes := make([]*laneState, 0, len(m.laneOrder))
	order := append([]queue.Stage(nil), m.laneOrder...)
	for _, stg := range m.laneOrder {
		lanes = append(lanes, m.lanes[stg])
	}
	m.mu.RUnlock()

	summary, err := m.store.GetSummary(ctx)
	if err != nil {
		m.logger.Warn("failed to read queue summary", logging.Error(err))
	}

	health := make(map[string]stage.Health, len(lanes))
	for _, lane := range lanes {
		health[string(lane.stage)] = lane.handler.HealthCheck(ctx)
	}

	status := StatusSummary{Running: running, Lanes: order, Queue: summary, StageHealth: health}
	if lastErr != nil {
		status.LastError = lastErr.Error()
	}
	if lastTask != nil {
		ref := lastTask.Ref()
		status.LastTask = &ref
	}
	return status
}

func (m *Manager) setLastError(err error) {
	m.mu.Lock()
	m.lastErr = err
	m.mu.Unlock()
}

func (m *Manager) setLastTask(task *queue.StageRecord) {
	m.mu.Lock()
	if task != nil {
		cp := *task
		m.lastTask = &cp
	} else {
		m.lastTask = nil
	}
	m.mu.Unlock()
}
