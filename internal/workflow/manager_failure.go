package workflow

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"stagehand/internal/logging"
	"stagehand/internal/notifications"
	"stagehand/internal/queue"
	"stagehand/internal/services"
	"stagehand/internal/stage"
)

const notifyTimeout = 10 * time.Second

func (m *Manager) handleStageFailure(ctx context.Context, task *queue.StageRecord, result stage.Result, stageErr error) {
	logger := logging.WithContext(ctx, m.laneLoggerFor(task.Stage))
	message := classifyStageFailure(string(task.Stage), stageErr)

	logging.ErrorWithContext(logger, "stage failed", "stage_failure",
		logging.String("resolved_status", string(queue.StatusFailed)),
		logging.String("error_message", message),
		logging.Bool("retryable", services.Retryable(stageErr)),
		logging.String(logging.FieldErrorHint, services.Hint(stageErr)),
		logging.Alert("stage_failure"),
		logging.Error(stageErr),
	)

	upd := queue.TaskUpdate{
		Status:     queue.StatusFailed,
		Error:      &message,
		AppendLogs: strings.TrimSpace(result.Logs),
	}
	if err := m.store.UpdateTask(ctx, task.TaskID, task.Stage, upd); err != nil {
		if errors.Is(err, context.Canceled) {
			logger.Debug("daemon shutting down, could not record stage failure")
		} else {
			logger.Error("failed to persist stage failure", logging.Error(err))
		}
	}
	m.setLastError(stageErr)
	m.notify(ctx, notifications.EventStageFailed, notifications.Payload{
		"task_id": task.TaskID,
		"stage":   string(task.Stage),
		"error":   message,
	})
}

// notify publishes with a bounded timeout that outlives lane cancellation.
func (m *Manager) notify(ctx context.Context, event notifications.Event, payload notifications.Payload) {
	notifyCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), notifyTimeout)
	defer cancel()
	if err := m.notifier.Publish(notifyCtx, event, payload); err != nil {
		m.logger.Warn("notification failed",
			logging.String("event", string(event)),
			logging.Error(err),
		)
	}
}

func classifyStageFailure(stageName string, stageErr error) string {
	if stageErr == nil {
		return fmt.Sprintf("%s failed without error detail", stageName)
	}
	message := strings.TrimSpace(stageErr.Error())
	if message == "" {
		message = fmt.Sprintf("%s failed", stageName)
	}
	return message
}
