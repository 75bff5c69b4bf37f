// Package services defines shared helpers consumed by the queue, the spawning
// pool, and the workflow stage handlers.
//
// Key responsibilities:
//   - Context helpers that stamp task IDs, stage names, worker IDs, and
//     correlation identifiers for logging and tracing.
//   - Structured error markers plus the Wrap helper so failures carry a
//     category (claim conflict, spawn failure, stale lock, validation, ...)
//     that logs and retry decisions can branch on.
package services
