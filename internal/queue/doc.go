// Package queue persists pipeline stage rows, per-stage locks, and attempt
// logs in SQLite and drives each row through its lifecycle.
//
// A pipeline is one task with one row per stage (script, image, video,
// youtube), all created together as waiting. Dequeue moves the oldest
// runnable row of a stage to processing while taking that stage's lock, so at
// most one row per stage is in flight across every process sharing the
// database. UpdateTask ends a row and releases the lock; a lock that goes
// unrefreshed past the timeout is stale and the next Dequeue steals it.
//
// No in-process mutex guards any of this. Every exclusion rule is a
// conditional UPDATE checked by its affected-row count, which is what lets
// several schedulers run against one file after a supervisor restart.
//
// Timestamps are stored as fixed-width UTC strings so SQL comparisons order
// them correctly. Schema changes bump the version in schema.go; users clear
// the database to adopt the new schema.
package queue
