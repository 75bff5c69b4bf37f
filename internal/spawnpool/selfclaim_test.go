package spawnpool_test

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"stagehand/internal/claims"
	"stagehand/internal/services"
	"stagehand/internal/spawnpool"
)

func TestEnsureClaimed(t *testing.T) {
	tests := []struct {
		name     string
		claim    claims.Claim
		alive    []int
		want     spawnpool.SelfClaimOutcome
		wantHold claims.Holder
	}{
		{
			name:     "open claim",
			claim:    claims.Claim{ID: 1},
			want:     spawnpool.SelfClaimed,
			wantHold: claims.Holder{Kind: "codex", PID: 4000},
		},
		{
			name:     "provisional hold by same kind",
			claim:    claims.Claim{ID: 1, Status: claims.StatusInProgress, Kind: "codex", PID: selfPID},
			alive:    []int{selfPID},
			want:     spawnpool.SelfClaimed,
			wantHold: claims.Holder{Kind: "codex", PID: 4000},
		},
		{
			name:     "already held",
			claim:    claims.Claim{ID: 1, Status: claims.StatusInProgress, Kind: "codex", PID: 4000},
			want:     spawnpool.SelfAlreadyHeld,
			wantHold: claims.Holder{Kind: "codex", PID: 4000},
		},
		{
			name:     "other kind alive",
			claim:    claims.Claim{ID: 1, Status: claims.StatusInProgress, Kind: "gemini", PID: 5000},
			alive:    []int{5000},
			want:     spawnpool.SelfHeldByOther,
			wantHold: claims.Holder{Kind: "gemini", PID: 5000},
		},
		{
			name:     "other kind dead",
			claim:    claims.Claim{ID: 1, Status: claims.StatusInProgress, Kind: "gemini", PID: 5000},
			want:     spawnpool.SelfClaimed,
			wantHold: claims.Holder{Kind: "codex", PID: 4000},
		},
		{
			name:  "resolved",
			claim: claims.Claim{ID: 1, Status: claims.StatusResolved},
			want:  spawnpool.SelfResolved,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			repo := newFakeRepo(tc.claim)
			got, err := spawnpool.EnsureClaimed(context.Background(), repo, newFakeProbe(tc.alive...), 1, "codex", 4000)
			require.NoError(t, err)
			require.Equal(t, tc.want, got.Outcome)
			require.Equal(t, tc.wantHold, got.Claim.Holder())
		})
	}
}

func TestEnsureClaimedErrors(t *testing.T) {
	repo := newFakeRepo(claims.Claim{ID: 1})

	_, err := spawnpool.EnsureClaimed(context.Background(), repo, newFakeProbe(), 42, "codex", 1)
	require.ErrorIs(t, err, claims.ErrNotFound)

	_, err = spawnpool.EnsureClaimed(context.Background(), repo, newFakeProbe(), 1, "", 1)
	require.ErrorIs(t, err, services.ErrValidation)
}

func TestEnsureClaimedRaceHasOneWinner(t *testing.T) {
	repo := newFakeRepo(claims.Claim{ID: 1})
	kinds := []string{"claude-1", "claude-2", "codex", "gemini"}
	probe := newFakeProbe(1000, 1001, 1002, 1003)

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		outcomes = map[spawnpool.SelfClaimOutcome]int{}
	)
	for i, kind := range kinds {
		wg.Add(1)
		go func(kind string, pid int) {
			defer wg.Done()
			res, err := spawnpool.EnsureClaimed(context.Background(), repo, probe, 1, kind, pid)
			if err != nil {
				t.Error(err)
				return
			}
			mu.Lock()
			outcomes[res.Outcome]++
			mu.Unlock()
		}(kind, 1000+i)
	}
	wg.Wait()

	require.Equal(t, 1, outcomes[spawnpool.SelfClaimed])
	require.Equal(t, len(kinds)-1, outcomes[spawnpool.SelfHeldByOther])
}
