package spawnpool

import (
	"context"
	"fmt"

	"stagehand/internal/claims"
	"stagehand/internal/procs"
	"stagehand/internal/services"
)

// SelfClaimOutcome is the result of a worker asserting its own claim.
type SelfClaimOutcome string

const (
	SelfClaimed     SelfClaimOutcome = "claimed"
	SelfAlreadyHeld SelfClaimOutcome = "already_held"
	SelfHeldByOther SelfClaimOutcome = "held_by_other"
	SelfResolved    SelfClaimOutcome = "resolved"
)

// SelfClaimResult carries the outcome and the claim as last read.
type SelfClaimResult struct {
	Outcome SelfClaimOutcome `json:"outcome" yaml:"outcome"`
	Claim   *claims.Claim    `json:"claim" yaml:"claim"`
}

// EnsureClaimed lets a running worker take or repair its own claim.
//
// A claim held by the same kind (typically the spawner's provisional hold),
// or by a holder whose pid is no longer running, is taken over. A claim held
// by a different kind with a live pid is left alone. When several workers
// race, the first conditional write wins; every caller re-reads the claim
// and only the one whose identity was stored reports SelfClaimed.
func EnsureClaimed(ctx context.Context, repo claims.Repository, probe procs.Probe, claimID int64, kind string, pid int) (SelfClaimResult, error) {
	if kind == "" || pid <= 0 {
		return SelfClaimResult{}, services.Wrap(services.ErrValidation, "spawnpool", "self-claim", "kind and pid are required", nil)
	}
	me := claims.Holder{Kind: kind, PID: pid}

	current, err := repo.Get(ctx, claimID)
	if err != nil {
		return SelfClaimResult{}, fmt.Errorf("self-claim %d: %w", claimID, err)
	}

	switch {
	case current.Status.IsTerminal():
		return SelfClaimResult{Outcome: SelfResolved, Claim: current}, nil
	case current.Status == claims.StatusInProgress && current.Holder() == me:
		return SelfClaimResult{Outcome: SelfAlreadyHeld, Claim: current}, nil
	case current.Status == claims.StatusInProgress:
		if current.Kind != "" && current.Kind != kind && current.PID != 0 && probe.IsAlive(current.PID) {
			return SelfClaimResult{Outcome: SelfHeldByOther, Claim: current}, nil
		}
		if _, err := repo.SwapHolder(ctx, claimID, current.Holder(), me); err != nil {
			return SelfClaimResult{}, fmt.Errorf("self-claim %d: %w", claimID, err)
		}
	default:
		if _, err := repo.ClaimOpen(ctx, claimID, kind, pid); err != nil {
			return SelfClaimResult{}, fmt.Errorf("self-claim %d: %w", claimID, err)
		}
	}

	after, err := repo.Get(ctx, claimID)
	if err != nil {
		return SelfClaimResult{}, fmt.Errorf("self-claim %d: verify: %w", claimID, err)
	}
	if after.Status == claims.StatusInProgress && after.Holder() == me {
		return SelfClaimResult{Outcome: SelfClaimed, Claim: after}, nil
	}
	if after.Status.IsTerminal() {
		return SelfClaimResult{Outcome: SelfResolved, Claim: after}, nil
	}
	return SelfClaimResult{Outcome: SelfHeldByOther, Claim: after}, nil
}

// EnsureClaimed runs self-claim reconciliation through the pool's repository and probe.
func (p *Pool) EnsureClaimed(ctx context.Context, claimID int64, kind Kind, pid int) (SelfClaimResult, error) {
	return EnsureClaimed(ctx, p.repo, p.probe, claimID, string(kind), pid)
}
