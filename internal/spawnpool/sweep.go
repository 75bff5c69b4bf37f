package spawnpool

import (
	"context"
	"fmt"

	"stagehand/internal/logging"
)

// SweepOrphans releases every in-progress claim whose recorded pid is not
// running, regardless of in-memory state. Claims without a pid are left for
// their claimant.
func (p *Pool) SweepOrphans(ctx context.Context) (int, error) {
	inProgress, err := p.repo.ListInProgress(ctx)
	if err != nil {
		return 0, fmt.Errorf("list in-progress claims: %w", err)
	}
	released := 0
	for _, c := range inProgress {
		if c.PID == 0 || p.probe.IsAlive(c.PID) {
			continue
		}
		ok, err := p.repo.Release(ctx, c.ID, c.Holder())
		if err != nil {
			return released, fmt.Errorf("release orphaned claim %d: %w", c.ID, err)
		}
		if !ok {
			continue
		}
		released++
		logging.WarnWithContext(p.logger, "orphaned claim released", "orphaned_claim",
			logging.ClaimID(c.ID),
			logging.WorkerKind(c.Kind),
			logging.PID(c.PID),
			logging.String(logging.FieldErrorHint, "the owning process is gone"),
			logging.String(logging.FieldImpact, "claim returned to open"),
		)
	}
	if released > 0 {
		p.metrics.OrphansReleased(ctx, released)
	}
	return released, nil
}
