package logging

import (
	"context"
	"log/slog"

	"stagehand/internal/services"
)

const (
	// FieldComponent names the subsystem emitting the record.
	FieldComponent = "component"
	// FieldTaskID is the pipeline task identifier.
	FieldTaskID = "task_id"
	// FieldStage is the pipeline stage name.
	FieldStage = "stage"
	// FieldWorkerID is the spawning pool's in-memory worker identifier.
	FieldWorkerID = "worker_id"
	// FieldWorkerKind is the roster key of a spawned worker.
	FieldWorkerKind = "worker_kind"
	// FieldClaimID is the work-item identifier a worker holds.
	FieldClaimID = "claim_id"
	// FieldPID is an OS process id.
	FieldPID = "pid"
	// FieldCorrelationID is the per-stage-run correlation identifier.
	FieldCorrelationID = "correlation_id"
	// FieldEventType classifies a record for filtering (e.g. lock_stolen, spawn_rollback).
	FieldEventType = "event_type"
	// FieldErrorHint suggests the next step for an operator.
	FieldErrorHint = "error_hint"
	// FieldImpact states the user-facing consequence of a warning.
	FieldImpact = "impact"
	// FieldAlert flags anomalies that should stand out in structured logs.
	FieldAlert = "alert"
)

// ContextFields extracts standardized slog attributes from the provided context.
func ContextFields(ctx context.Context) []slog.Attr {
	if ctx == nil {
		return nil
	}
	fields := make([]slog.Attr, 0, 4)
	if id, ok := services.TaskIDFromContext(ctx); ok {
		fields = append(fields, slog.String(FieldTaskID, id))
	}
	if stage, ok := services.StageFromContext(ctx); ok {
		fields = append(fields, slog.String(FieldStage, stage))
	}
	if wid, ok := services.WorkerIDFromContext(ctx); ok {
		fields = append(fields, slog.String(FieldWorkerID, wid))
	}
	if rid, ok := services.RequestIDFromContext(ctx); ok {
		fields = append(fields, slog.String(FieldCorrelationID, rid))
	}
	return fields
}

// WithContext returns a logger augmented with structured fields derived from the supplied context.
func WithContext(ctx context.Context, logger *slog.Logger) *slog.Logger {
	if logger == nil {
		logger = NewNop()
	}
	fields := ContextFields(ctx)
	if len(fields) == 0 {
		return logger
	}
	return logger.With(Args(fields...)...)
}
