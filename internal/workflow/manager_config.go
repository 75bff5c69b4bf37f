package workflow

import (
	"stagehand/internal/queue"
	"stagehand/internal/stage"
)

// ConfigureStages registers the handler for each stage. Stages without a
// handler get no lane; their rows wait until another process runs them.
func (m *Manager) ConfigureStages(handlers map[queue.Stage]stage.Handler) {
	lanes := make(map[queue.Stage]*laneState, len(handlers))
	order := make([]queue.Stage, 0, len(handlers))
	for _, stg := range queue.Stages() {
		handler := handlers[stg]
		if handler == nil {
			continue
		}
		lanes[stg] = &laneState{stage: stg, handler: handler}
		order = append(order, stg)
	}

	m.mu.Lock()
	m.lanes = lanes
	m.laneOrder = order
	m.mu.Unlock()
}

// Stages lists the stages that have a lane, in pipeline order.
func (m *Manager) Stages() []queue.Stage {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]queue.Stage(nil), m.laneOrder...)
}
