package workflow

import (
	"log/slog"

	"stagehand/internal/queue"
	"stagehand/internal/stage"
)

type laneState struct {
	stage   queue.Stage
	handler stage.Handler
	logger  *slog.Logger
}
