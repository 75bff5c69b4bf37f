package stage

import (
	"context"
	"encoding/json"

	"stagehand/internal/queue"
)

// Handler performs the work of one pipeline stage for a claimed row.
//
// Execute runs while the stage lock is held and heartbeated. A returned
// error fails the row; a nil error completes it with the Result applied.
type Handler interface {
	Execute(ctx context.Context, task *queue.StageRecord) (Result, error)
	HealthCheck(ctx context.Context) Health
}

// Result carries what a successful stage wants persisted on its row.
type Result struct {
	Logs     string
	Metadata json.RawMessage
}

// HandlerFunc adapts a function into a Handler that always reports healthy.
type HandlerFunc func(ctx context.Context, task *queue.StageRecord) (Result, error)

func (f HandlerFunc) Execute(ctx context.Context, task *queue.StageRecord) (Result, error) {
	return f(ctx, task)
}

func (f HandlerFunc) HealthCheck(context.Context) Health {
	return Healthy("func")
}
