package spawnpool

import (
	"context"
	"errors"
	"fmt"

	"stagehand/internal/claims"
	"stagehand/internal/logging"
)

// ReapReport counts what one reaper pass did.
type ReapReport struct {
	Checked   int `json:"checked" yaml:"checked"`
	Completed int `json:"completed" yaml:"completed"`
	Adopted   int `json:"adopted" yaml:"adopted"`
	Released  int `json:"released" yaml:"released"`
}

// Reap reconciles running workers older than the minimum age with their claim:
//   - a terminal claim, or one with no pid, means the worker reported back; the record is dropped
//   - a different pid that is alive means another process took the claim over; it is adopted
//   - when neither pid is alive the claim is released and the record dropped
//
// Store failures abort the pass and are returned.
func (p *Pool) Reap(ctx context.Context) (ReapReport, error) {
	var report ReapReport
	now := p.clock.Now()

	p.mu.Lock()
	var due []Worker
	for _, w := range p.workers {
		if w.Status == WorkerRunning && now.Sub(w.SpawnedAt) >= p.opts.MinWorkerAge {
			due = append(due, *w)
		}
	}
	p.mu.Unlock()
	sortWorkers(due)

	for _, w := range due {
		report.Checked++
		claim, err := p.repo.Get(ctx, w.ClaimID)
		if errors.Is(err, claims.ErrNotFound) {
			if p.drop(w.ID, WorkerCompleted) {
				report.Completed++
			}
			continue
		}
		if err != nil {
			return report, fmt.Errorf("reap claim %d: %w", w.ClaimID, err)
		}

		if claim.Status.IsTerminal() || claim.PID == 0 {
			if p.drop(w.ID, WorkerCompleted) {
				report.Completed++
				p.logger.Info("worker finished",
					logging.WorkerID(w.ID),
					logging.ClaimID(w.ClaimID),
					logging.String("claim_status", string(claim.Status)),
				)
			}
			continue
		}

		if claim.PID == p.opts.SelfPID && claim.Kind == string(w.Kind) {
			// provisional holder left behind by a failed pid update
			if _, err := p.repo.SwapHolder(ctx, w.ClaimID, claim.Holder(), w.holder); err != nil {
				return report, fmt.Errorf("repair claim %d: %w", w.ClaimID, err)
			}
			continue
		}

		if claim.PID != w.PID && p.probe.IsAlive(claim.PID) {
			if p.adopt(w.ID, claim.Holder()) {
				report.Adopted++
				p.logger.Info("worker handed off to new pid",
					logging.WorkerID(w.ID),
					logging.ClaimID(w.ClaimID),
					logging.Int("previous_pid", w.PID),
					logging.PID(claim.PID),
				)
			}
			continue
		}

		if p.probe.IsAlive(w.PID) {
			continue
		}

		released, err := p.repo.Release(ctx, w.ClaimID, claim.Holder())
		if err != nil {
			return report, fmt.Errorf("release claim %d: %w", w.ClaimID, err)
		}
		p.drop(w.ID, WorkerFailed)
		if released {
			report.Released++
			p.metrics.ClaimRolledBack(ctx, string(w.Kind))
			logging.WarnWithContext(p.logger, "worker exited without resolving its claim", "orphaned_claim",
				logging.WorkerID(w.ID),
				logging.WorkerKind(string(w.Kind)),
				logging.ClaimID(w.ClaimID),
				logging.PID(w.PID),
				logging.Duration("age", now.Sub(w.SpawnedAt)),
				logging.String(logging.FieldErrorHint, "inspect the worker log under the worker directory"),
				logging.String(logging.FieldImpact, "claim returned to open and will be retried"),
			)
		}
	}
	return report, nil
}

func (p *Pool) adopt(id string, holder claims.Holder) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	w, ok := p.workers[id]
	if !ok || w.Status != WorkerRunning {
		return false
	}
	w.PID = holder.PID
	w.holder = holder
	return true
}
