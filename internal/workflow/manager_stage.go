package workflow

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"stagehand/internal/logging"
	"stagehand/internal/notifications"
	"stagehand/internal/queue"
	"stagehand/internal/services"
	"stagehand/internal/stage"
)

func (m *Manager) processTask(ctx context.Context, lane *laneState, task *queue.StageRecord) {
	requestID := uuid.NewString()
	ctx = services.WithTaskID(ctx, task.TaskID)
	ctx = services.WithStage(ctx, string(task.Stage))
	ctx = services.WithRequestID(ctx, requestID)
	ctx, span := m.tracer.Start(ctx, "stage."+string(task.Stage),
		trace.WithAttributes(
			attribute.String("stagehand.task_id", task.TaskID),
			attribute.String("stagehand.stage", string(task.Stage)),
		),
	)
	defer span.End()

	logger := logging.WithContext(ctx, lane.logger)
	started := time.Now()
	logger.Info("stage started",
		logging.String(logging.FieldEventType, "stage_start"),
		logging.String("owner", task.OwnerID),
	)
	m.setLastTask(task)

	result, lost, execErr := m.executeWithHeartbeat(ctx, lane.handler, task)

	switch {
	case lost:
		span.SetStatus(codes.Error, "stage lock lost")
		logging.WarnWithContext(logger, "stage lock lost while running", "lock_lost",
			logging.Duration("elapsed", time.Since(started)),
			logging.String(logging.FieldErrorHint, "another process reclaimed the stage after the lock went stale"),
			logging.String(logging.FieldImpact, "result discarded; the row was failed by the new lock holder"),
		)
		m.setLastError(services.Wrap(services.ErrStaleLock, string(task.Stage), "heartbeat", "lock lost", nil))
	case ctx.Err() != nil:
		m.requeueInterrupted(task, result)
	case execErr != nil:
		span.RecordError(execErr)
		span.SetStatus(codes.Error, execErr.Error())
		m.handleStageFailure(ctx, task, result, execErr)
	default:
		m.completeTask(ctx, task, result, started)
	}
}

// executeWithHeartbeat runs the handler while refreshing the lock. The
// handler's context is cancelled if the lock is lost.
func (m *Manager) executeWithHeartbeat(ctx context.Context, handler stage.Handler, task *queue.StageRecord) (stage.Result, bool, error) {
	stageCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var (
		lost atomic.Bool
		wg   sync.WaitGroup
	)
	hbCtx, hbCancel := context.WithCancel(stageCtx)
	wg.Add(1)
	go m.heartbeat.StartLoop(hbCtx, &wg, task.Stage, task.TaskID, func() {
		lost.Store(true)
		cancel()
	})

	result, err := handler.Execute(stageCtx, task)
	hbCancel()
	wg.Wait()
	return result, lost.Load(), err
}

func (m *Manager) completeTask(ctx context.Context, task *queue.StageRecord, result stage.Result, started time.Time) {
	logger := logging.WithContext(ctx, m.laneLoggerFor(task.Stage))
	upd := queue.TaskUpdate{
		Status:     queue.StatusCompleted,
		AppendLogs: strings.TrimSpace(result.Logs),
		Metadata:   result.Metadata,
	}
	if err := m.store.UpdateTask(ctx, task.TaskID, task.Stage, upd); err != nil {
		logging.ErrorWithContext(logger, "failed to persist stage result", "stage_persist_failed",
			logging.String(logging.FieldErrorHint, "the lock expires and the row is retried by recovery"),
			logging.Error(err),
		)
		m.setLastError(err)
		return
	}
	logger.Info("stage completed",
		logging.String(logging.FieldEventType, "stage_complete"),
		logging.Duration("stage_duration", time.Since(started)),
		logging.Bool("metadata_updated", len(result.Metadata) > 0),
	)
	if stages := queue.Stages(); task.Stage == stages[len(stages)-1] {
		m.notify(ctx, notifications.EventPipelineCompleted, notifications.Payload{"task_id": task.TaskID})
	}
}

// requeueInterrupted returns a row cut short by shutdown to waiting so the
// next start picks it up without waiting for recovery.
func (m *Manager) requeueInterrupted(task *queue.StageRecord, result stage.Result) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	logger := m.laneLoggerFor(task.Stage).With(
		logging.TaskID(task.TaskID),
	)
	upd := queue.TaskUpdate{Status: queue.StatusWaiting, AppendLogs: strings.TrimSpace(result.Logs)}
	if err := m.store.UpdateTask(ctx, task.TaskID, task.Stage, upd); err != nil && !errors.Is(err, context.Canceled) {
		logger.Warn("could not requeue interrupted stage; boot recovery will fail it", logging.Error(err))
		return
	}
	logger.Info("stage interrupted by shutdown; row requeued")
}
