package telemetry

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics holds the stagehand instruments. A nil *Metrics is valid and
// records nothing, so packages can accept it unconditionally.
type Metrics struct {
	Dequeued      metric.Int64Counter
	LockConflicts metric.Int64Counter
	StaleLocks    metric.Int64Counter
	Spawns        metric.Int64Counter
	SpawnFailures metric.Int64Counter
	Rollbacks     metric.Int64Counter
	BreakerTrips  metric.Int64Counter
	Orphans       metric.Int64Counter
	ActiveWorkers metric.Int64UpDownCounter
	Recovered     metric.Int64Counter
}

// NewMetrics creates all instruments from meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	counters := []struct {
		dst  *metric.Int64Counter
		name string
		desc string
	}{
		{&m.Dequeued, "stagehand.queue.dequeued", "Stage rows moved to processing"},
		{&m.LockConflicts, "stagehand.queue.lock_conflicts", "Dequeue attempts that found the stage lock held"},
		{&m.StaleLocks, "stagehand.queue.stale_locks", "Stale stage locks stolen by a dequeue"},
		{&m.Spawns, "stagehand.pool.spawns", "Worker processes launched"},
		{&m.SpawnFailures, "stagehand.pool.spawn_failures", "Worker launches that failed or timed out"},
		{&m.Rollbacks, "stagehand.pool.rollbacks", "Claims released back to open"},
		{&m.BreakerTrips, "stagehand.pool.breaker_trips", "Worker kinds disabled by the circuit breaker"},
		{&m.Orphans, "stagehand.pool.orphans", "In-progress claims released because their process was gone"},
		{&m.Recovered, "stagehand.recovery.recovered", "Processing stage rows failed by crash recovery"},
	}
	for _, c := range counters {
		counter, err := meter.Int64Counter(c.name, metric.WithDescription(c.desc))
		if err != nil {
			return nil, err
		}
		*c.dst = counter
	}

	active, err := meter.Int64UpDownCounter("stagehand.pool.active",
		metric.WithDescription("Workers currently spawning or running"),
	)
	if err != nil {
		return nil, err
	}
	m.ActiveWorkers = active
	return m, nil
}

func (m *Metrics) add(ctx context.Context, counter metric.Int64Counter, n int64, key, value string) {
	if m == nil || counter == nil || n == 0 {
		return
	}
	counter.Add(ctx, n, metric.WithAttributes(attribute.String(key, value)))
}

// StageDequeued counts a row claimed by Dequeue.
func (m *Metrics) StageDequeued(ctx context.Context, stage string) {
	if m == nil {
		return
	}
	m.add(ctx, m.Dequeued, 1, "stage", stage)
}

// LockConflict counts a Dequeue that found the lock held.
func (m *Metrics) LockConflict(ctx context.Context, stage string) {
	if m == nil {
		return
	}
	m.add(ctx, m.LockConflicts, 1, "stage", stage)
}

// LockStolen counts a stale lock reclaimed by Dequeue.
func (m *Metrics) LockStolen(ctx context.Context, stage string) {
	if m == nil {
		return
	}
	m.add(ctx, m.StaleLocks, 1, "stage", stage)
}

// WorkerSpawned counts a launched worker.
func (m *Metrics) WorkerSpawned(ctx context.Context, kind string) {
	if m == nil {
		return
	}
	m.add(ctx, m.Spawns, 1, "kind", kind)
}

// SpawnFailed counts a failed or timed-out launch.
func (m *Metrics) SpawnFailed(ctx context.Context, kind string) {
	if m == nil {
		return
	}
	m.add(ctx, m.SpawnFailures, 1, "kind", kind)
}

// ClaimRolledBack counts a claim released to open.
func (m *Metrics) ClaimRolledBack(ctx context.Context, kind string) {
	if m == nil {
		return
	}
	m.add(ctx, m.Rollbacks, 1, "kind", kind)
}

// BreakerTripped counts a kind being disabled.
func (m *Metrics) BreakerTripped(ctx context.Context, kind string) {
	if m == nil {
		return
	}
	m.add(ctx, m.BreakerTrips, 1, "kind", kind)
}

// OrphansReleased counts claims released by the orphan sweep.
func (m *Metrics) OrphansReleased(ctx context.Context, n int) {
	if m == nil {
		return
	}
	m.add(ctx, m.Orphans, int64(n), "source", "sweep")
}

// ActiveDelta moves the active worker gauge.
func (m *Metrics) ActiveDelta(ctx context.Context, kind string, delta int64) {
	if m == nil || m.ActiveWorkers == nil || delta == 0 {
		return
	}
	m.ActiveWorkers.Add(ctx, delta, metric.WithAttributes(attribute.String("kind", kind)))
}

// RowsRecovered counts stage rows failed by a recovery sweep.
func (m *Metrics) RowsRecovered(ctx context.Context, mode string, n int) {
	if m == nil {
		return
	}
	m.add(ctx, m.Recovered, int64(n), "mode", mode)
}
