// Package logging builds the slog loggers used across stagehand.
//
// Two formats are supported: a compact console line for interactive use and
// JSON for log shippers. Both share the standardized field keys declared in
// context.go (task_id, stage, worker_id, claim_id, pid, event_type, ...), and
// WithContext lifts those values from a context populated by the services
// package. Warnings go through WarnWithContext so each one names an
// event_type, an error_hint, and an impact.
//
// PruneLogs applies the retention window to the daemon log directory and
// to per-claim worker logs, skipping logs that live workers still hold.
package logging
