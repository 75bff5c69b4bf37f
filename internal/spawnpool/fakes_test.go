package spawnpool_test

import (
	"context"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"stagehand/internal/claims"
	"stagehand/internal/clock"
	"stagehand/internal/config"
	"stagehand/internal/notifications"
	"stagehand/internal/procs"
	"stagehand/internal/spawnpool"
)

const selfPID = 7

var baseTime = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

type fakeRepo struct {
	mu       sync.Mutex
	items    map[int64]*claims.Claim
	releases int
	swaps    int
}

func newFakeRepo(items ...claims.Claim) *fakeRepo {
	r := &fakeRepo{items: make(map[int64]*claims.Claim)}
	for i := range items {
		c := items[i]
		if c.Status == "" {
			c.Status = claims.StatusOpen
		}
		r.items[c.ID] = &c
	}
	return r
}

func (r *fakeRepo) Get(_ context.Context, id int64) (*claims.Claim, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.items[id]
	if !ok {
		return nil, claims.ErrNotFound
	}
	cp := *c
	return &cp, nil
}

func (r *fakeRepo) NextOpen(context.Context) (*claims.Claim, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var ids []int64
	for id, c := range r.items {
		if c.Status == claims.StatusOpen {
			ids = append(ids, id)
		}
	}
	if len(ids) == 0 {
		return nil, claims.ErrNotFound
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	cp := *r.items[ids[0]]
	return &cp, nil
}

func (r *fakeRepo) ListInProgress(context.Context) ([]*claims.Claim, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*claims.Claim
	for _, c := range r.items {
		if c.Status == claims.StatusInProgress {
			cp := *c
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (r *fakeRepo) ClaimOpen(_ context.Context, id int64, kind string, pid int) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.items[id]
	if !ok || c.Status != claims.StatusOpen {
		return false, nil
	}
	c.Status = claims.StatusInProgress
	c.Kind = kind
	c.PID = pid
	return true, nil
}

func (r *fakeRepo) SwapHolder(_ context.Context, id int64, from, to claims.Holder) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.items[id]
	if !ok || c.Status != claims.StatusInProgress || c.Holder() != from {
		return false, nil
	}
	c.Kind = to.Kind
	c.PID = to.PID
	r.swaps++
	return true, nil
}

func (r *fakeRepo) Release(_ context.Context, id int64, expect claims.Holder) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.items[id]
	if !ok || c.Status != claims.StatusInProgress {
		return false, nil
	}
	if !expect.IsZero() && c.Holder() != expect {
		return false, nil
	}
	c.Status = claims.StatusOpen
	c.Kind = ""
	c.PID = 0
	r.releases++
	return true, nil
}

func (r *fakeRepo) set(id int64, status claims.Status, kind string, pid int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c := r.items[id]
	c.Status = status
	c.Kind = kind
	c.PID = pid
}

func (r *fakeRepo) releaseCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.releases
}

type fakeLauncher struct {
	mu    sync.Mutex
	pid   int
	err   error
	block chan struct{}
	calls []procs.Command
}

func (f *fakeLauncher) Launch(ctx context.Context, cmd procs.Command) (int, error) {
	f.mu.Lock()
	f.calls = append(f.calls, cmd)
	pid, err, block := f.pid, f.err, f.block
	f.mu.Unlock()
	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return 0, ctx.Err()
		}
	}
	return pid, err
}

func (f *fakeLauncher) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

type fakeProbe struct {
	mu    sync.Mutex
	alive map[int]bool
}

func newFakeProbe(pids ...int) *fakeProbe {
	p := &fakeProbe{alive: make(map[int]bool)}
	for _, pid := range pids {
		p.alive[pid] = true
	}
	return p
}

func (p *fakeProbe) IsAlive(pid int) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.alive[pid]
}

func (p *fakeProbe) kill(pid int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.alive, pid)
}

type fakeNotifier struct {
	mu       sync.Mutex
	events   []notifications.Event
	payloads []notifications.Payload
}

func (n *fakeNotifier) Publish(_ context.Context, event notifications.Event, payload notifications.Payload) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, event)
	n.payloads = append(n.payloads, payload)
	return nil
}

func (n *fakeNotifier) published() ([]notifications.Event, []notifications.Payload) {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]notifications.Event(nil), n.events...), append([]notifications.Payload(nil), n.payloads...)
}

type poolFixture struct {
	pool     *spawnpool.Pool
	repo     *fakeRepo
	launcher *fakeLauncher
	probe    *fakeProbe
	clock    *clock.Manual
	notifier *fakeNotifier
}

func onlyKinds(limit int, kinds ...spawnpool.Kind) []config.PoolKind {
	out := make([]config.PoolKind, 0, len(kinds))
	for _, k := range kinds {
		out = append(out, config.PoolKind{Kind: string(k), Enabled: true, Limit: limit})
	}
	return out
}

func newPoolFixture(t *testing.T, repo *fakeRepo, launcher *fakeLauncher, probe *fakeProbe, tweak func(*spawnpool.Options)) *poolFixture {
	t.Helper()
	clk := clock.NewManual(baseTime)
	opts := spawnpool.Options{
		MaxWorkers:       4,
		SpawnTimeout:     time.Minute,
		MinWorkerAge:     30 * time.Second,
		PollInterval:     time.Hour,
		FailureThreshold: 3,
		Cooldown:         5 * time.Minute,
		SelfPID:          selfPID,
		Kinds:            onlyKinds(1, spawnpool.KindClaude1),
	}
	if tweak != nil {
		tweak(&opts)
	}
	notifier := &fakeNotifier{}
	pool, err := spawnpool.New(spawnpool.Deps{
		Repo:     repo,
		Launcher: launcher,
		Probe:    probe,
		Clock:    clk,
		Notifier: notifier,
	}, opts)
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		pool.Stop(ctx)
	})
	return &poolFixture{pool: pool, repo: repo, launcher: launcher, probe: probe, clock: clk, notifier: notifier}
}

func (f *poolFixture) claim(t *testing.T, id int64) *claims.Claim {
	t.Helper()
	c, err := f.repo.Get(context.Background(), id)
	require.NoError(t, err)
	return c
}

func (f *poolFixture) spawn(t *testing.T, id int64) *spawnpool.Worker {
	t.Helper()
	w, err := f.pool.Spawn(context.Background(), f.claim(t, id))
	require.NoError(t, err)
	return w
}

func (f *poolFixture) waitIdle(t *testing.T) {
	t.Helper()
	require.Eventually(t, func() bool { return f.pool.Snapshot().Active == 0 }, 2*time.Second, 5*time.Millisecond)
}

func (f *poolFixture) waitRunning(t *testing.T, claimID int64, pid int) {
	t.Helper()
	require.Eventually(t, func() bool {
		c, err := f.repo.Get(context.Background(), claimID)
		return err == nil && c.PID == pid
	}, 2*time.Second, 5*time.Millisecond)
}
