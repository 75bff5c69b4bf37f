package spawnpool

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"stagehand/internal/claims"
	"stagehand/internal/clock"
	"stagehand/internal/config"
	"stagehand/internal/logging"
	"stagehand/internal/notifications"
	"stagehand/internal/procs"
	"stagehand/internal/services"
	"stagehand/internal/telemetry"
)

// rollbackMemory is how long a released claim is remembered so repeated
// failure signals for it do not write twice.
const rollbackMemory = time.Minute

const notifyTimeout = 10 * time.Second

// WorkerStatus is the lifecycle of an in-memory worker record.
type WorkerStatus string

const (
	WorkerSpawning  WorkerStatus = "spawning"
	WorkerRunning   WorkerStatus = "running"
	WorkerFailed    WorkerStatus = "failed"
	WorkerCompleted WorkerStatus = "completed"
)

// Worker is the pool's record of one spawned process.
type Worker struct {
	ID        string       `json:"id" yaml:"id"`
	Kind      Kind         `json:"kind" yaml:"kind"`
	ClaimID   int64        `json:"claim_id" yaml:"claim_id"`
	PID       int          `json:"pid,omitempty" yaml:"pid,omitempty"`
	Status    WorkerStatus `json:"status" yaml:"status"`
	SpawnedAt time.Time    `json:"spawned_at" yaml:"spawned_at"`

	holder claims.Holder
}

// Options tunes pool behaviour.
type Options struct {
	MaxWorkers       int
	SpawnDelay       time.Duration
	SpawnTimeout     time.Duration
	MinWorkerAge     time.Duration
	PollInterval     time.Duration
	FailureThreshold int
	Cooldown         time.Duration
	WorkDir          string
	LogDir           string
	SelfPID          int
	Kinds            []config.PoolKind
}

// OptionsFromConfig derives pool options from configuration.
func OptionsFromConfig(cfg *config.Config) Options {
	pool := cfg.Pool
	return Options{
		MaxWorkers:       pool.MaxWorkers,
		SpawnDelay:       time.Duration(pool.SpawnDelaySeconds) * time.Second,
		SpawnTimeout:     time.Duration(pool.SpawnTimeoutSeconds) * time.Second,
		MinWorkerAge:     time.Duration(pool.MinWorkerAgeSeconds) * time.Second,
		PollInterval:     time.Duration(pool.PollIntervalSeconds) * time.Second,
		FailureThreshold: pool.FailureThreshold,
		Cooldown:         time.Duration(pool.CooldownSeconds) * time.Second,
		WorkDir:          pool.WorkDir,
		LogDir:           cfg.Paths.WorkerDir,
		Kinds:            pool.Kinds,
	}
}

func (o *Options) normalize() {
	if o.MaxWorkers <= 0 {
		o.MaxWorkers = 10
	}
	if o.SpawnDelay < 0 {
		o.SpawnDelay = 0
	}
	if o.SpawnTimeout <= 0 {
		o.SpawnTimeout = 30 * time.Second
	}
	if o.PollInterval <= 0 {
		o.PollInterval = 5 * time.Second
	}
	if o.FailureThreshold <= 0 {
		o.FailureThreshold = 3
	}
	if o.Cooldown <= 0 {
		o.Cooldown = 5 * time.Minute
	}
	if o.SelfPID <= 0 {
		o.SelfPID = os.Getpid()
	}
}

// Deps are the collaborators a Pool drives.
type Deps struct {
	Repo     claims.Repository
	Launcher procs.Launcher
	Probe    procs.Probe
	Clock    clock.Clock
	Logger   *slog.Logger
	Metrics  *telemetry.Metrics
	Notifier notifications.Service
}

// Pool supervises spawned workers. The mutex guards bookkeeping only; no
// store or process call is made while it is held.
type Pool struct {
	repo     claims.Repository
	launcher procs.Launcher
	probe    procs.Probe
	clock    clock.Clock
	logger   *slog.Logger
	metrics  *telemetry.Metrics
	notifier notifications.Service
	opts     Options

	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	stopOnce sync.Once

	mu         sync.Mutex
	roster     []rosterSlot
	next       int
	workers    map[string]*Worker
	inflight   map[Kind]int
	breaker    *breaker
	rolledBack map[int64]time.Time
	ticks      int
}

// New constructs a Pool.
func New(deps Deps, opts Options) (*Pool, error) {
	if deps.Repo == nil {
		return nil, errors.New("spawn pool requires a claims repository")
	}
	if deps.Launcher == nil {
		return nil, errors.New("spawn pool requires a process launcher")
	}
	if deps.Probe == nil {
		deps.Probe = procs.Signal{}
	}
	logger := deps.Logger
	if logger == nil {
		logger = logging.NewNop()
	}
	if deps.Notifier == nil {
		deps.Notifier = notifications.Noop()
	}
	opts.normalize()

	ctx, cancel := context.WithCancel(context.Background())
	p := &Pool{
		repo:       deps.Repo,
		launcher:   deps.Launcher,
		probe:      deps.Probe,
		clock:      clock.OrSystem(deps.Clock),
		logger:     logging.NewComponentLogger(logger, "spawnpool"),
		metrics:    deps.Metrics,
		notifier:   deps.Notifier,
		opts:       opts,
		ctx:        ctx,
		cancel:     cancel,
		workers:    make(map[string]*Worker),
		inflight:   make(map[Kind]int),
		breaker:    newBreaker(opts.FailureThreshold, opts.Cooldown),
		rolledBack: make(map[int64]time.Time),
	}
	p.roster, _ = buildRoster(opts.Kinds)
	return p, nil
}

// Claim takes an open claim provisionally, recording the pool's own pid as holder.
func (p *Pool) Claim(ctx context.Context, claimID int64, kind Kind) (bool, error) {
	ok, err := p.repo.ClaimOpen(ctx, claimID, string(kind), p.opts.SelfPID)
	if err != nil {
		return false, fmt.Errorf("claim %d: %w", claimID, err)
	}
	return ok, nil
}

// Spawn claims c for the next available kind, registers a spawning worker,
// and launches it in the background after the spawn delay. It returns nil
// without error when no kind has capacity or another spawner won the claim.
func (p *Pool) Spawn(ctx context.Context, c *claims.Claim) (*Worker, error) {
	if c == nil {
		return nil, errors.New("spawn: claim is required")
	}
	if p.ctx.Err() != nil {
		return nil, nil
	}
	kind, ok := p.reserveKind()
	if !ok {
		return nil, nil
	}
	key := kind.Key()

	won, err := p.Claim(ctx, c.ID, key)
	if err != nil || !won {
		p.mu.Lock()
		p.unreserveLocked(key)
		p.mu.Unlock()
		if err != nil {
			return nil, err
		}
		p.logger.Debug("claim taken by another spawner",
			logging.ClaimID(c.ID),
			logging.String(logging.FieldErrorHint, services.Hint(services.ErrClaimConflict)),
		)
		return nil, nil
	}

	w := &Worker{
		ID:        newWorkerID(),
		Kind:      key,
		ClaimID:   c.ID,
		Status:    WorkerSpawning,
		SpawnedAt: p.clock.Now(),
		holder:    claims.Holder{Kind: string(key), PID: p.opts.SelfPID},
	}
	p.mu.Lock()
	p.workers[w.ID] = w
	delete(p.rolledBack, c.ID)
	snapshot := *w
	p.mu.Unlock()
	p.metrics.ActiveDelta(ctx, string(key), 1)

	path, args := kind.BuildCommand(*c)
	cmd := procs.Command{
		Path:     path,
		Args:     args,
		Dir:      p.opts.WorkDir,
		Env:      workerEnv(w),
		Detached: true,
		LogPath:  p.workerLogPath(w),
	}
	p.logger.Info("worker spawning",
		logging.WorkerID(w.ID),
		logging.WorkerKind(string(key)),
		logging.ClaimID(c.ID),
		logging.String("title", truncate(c.Title, 50)),
		logging.Duration("delay", p.opts.SpawnDelay),
	)

	p.wg.Add(1)
	go p.launch(w.ID, cmd)
	return &snapshot, nil
}

type launchResult struct {
	pid int
	err error
}

// launch waits out the spawn delay, then gives the launcher SpawnTimeout to
// report a pid. The delay does not count against the timeout.
func (p *Pool) launch(id string, cmd procs.Command) {
	defer p.wg.Done()

	if p.opts.SpawnDelay > 0 {
		timer := time.NewTimer(p.opts.SpawnDelay)
		select {
		case <-timer.C:
		case <-p.ctx.Done():
			timer.Stop()
			return // Stop rolls back
		}
	}

	ctx, cancel := context.WithTimeout(p.ctx, p.opts.SpawnTimeout)
	defer cancel()

	done := make(chan launchResult, 1)
	go func() {
		pid, err := p.launcher.Launch(ctx, cmd)
		done <- launchResult{pid: pid, err: err}
	}()

	select {
	case res := <-done:
		if res.err == nil && res.pid <= 0 {
			res.err = errors.New("launcher returned no pid")
		}
		if res.err != nil && p.ctx.Err() != nil {
			return // Stop rolls back
		}
		if res.err != nil {
			p.rollback(p.ctx, id, services.Wrap(services.ErrSpawnFailure, "spawnpool", "launch", cmd.Path, res.err), true)
			return
		}
		p.markRunning(id, res.pid)
	case <-ctx.Done():
		p.spawnAborted(id, ctx.Err())
		go p.awaitLateLaunch(id, done)
	}
}

func (p *Pool) spawnAborted(id string, cause error) {
	if p.ctx.Err() != nil {
		return
	}
	p.rollback(p.ctx, id, services.Wrap(services.ErrSpawnFailure, "spawnpool", "launch",
		fmt.Sprintf("no pid within %s", p.opts.SpawnTimeout), errors.Join(services.ErrTimeout, cause)), true)
}

// awaitLateLaunch logs a process that started after its spawn was rolled
// back. Such a worker can still take its claim through EnsureClaimed.
func (p *Pool) awaitLateLaunch(id string, done <-chan launchResult) {
	res := <-done
	if res.err != nil || res.pid <= 0 {
		return
	}
	logging.WarnWithContext(p.logger, "worker started after spawn timeout", "late_spawn",
		logging.WorkerID(id),
		logging.PID(res.pid),
		logging.String(logging.FieldErrorHint, "raise pool.spawn_timeout_seconds if launches are slow"),
		logging.String(logging.FieldImpact, "claim was released; the process may self-claim it"),
	)
}

func (p *Pool) markRunning(id string, pid int) {
	p.mu.Lock()
	w, ok := p.workers[id]
	if !ok || w.Status != WorkerSpawning {
		p.mu.Unlock()
		return
	}
	provisional := w.holder
	w.Status = WorkerRunning
	w.PID = pid
	w.holder = claims.Holder{Kind: string(w.Kind), PID: pid}
	p.breaker.success(w.Kind)
	claimID, kind, actual := w.ClaimID, w.Kind, w.holder
	p.mu.Unlock()

	p.metrics.WorkerSpawned(p.ctx, string(kind))
	swapped, err := p.repo.SwapHolder(context.WithoutCancel(p.ctx), claimID, provisional, actual)
	switch {
	case err != nil:
		logging.WarnWithContext(p.logger, "could not record worker pid on claim", "claim_pid_update",
			logging.WorkerID(id),
			logging.ClaimID(claimID),
			logging.PID(pid),
			logging.String(logging.FieldErrorHint, services.Hint(err)),
			logging.String(logging.FieldImpact, "claim keeps the provisional holder until the reaper reconciles it"),
			logging.Error(err),
		)
	case !swapped:
		p.logger.Debug("claim holder already changed",
			logging.WorkerID(id),
			logging.ClaimID(claimID),
		)
	}
	p.logger.Info("worker spawned",
		logging.WorkerID(id),
		logging.WorkerKind(string(kind)),
		logging.ClaimID(claimID),
		logging.PID(pid),
	)
}

// rollback undoes a spawn that never produced a running worker. It acts at
// most once per worker and writes the claim at most once per claim within
// rollbackMemory. It reports whether the claim was released.
func (p *Pool) rollback(ctx context.Context, id string, cause error, feedBreaker bool) bool {
	now := p.clock.Now()
	p.mu.Lock()
	w, ok := p.workers[id]
	if !ok || w.Status != WorkerSpawning {
		p.mu.Unlock()
		return false
	}
	w.Status = WorkerFailed
	delete(p.workers, id)
	p.unreserveLocked(w.Kind)
	tripped := false
	if feedBreaker {
		tripped = p.breaker.failure(w.Kind, now)
	}
	failures, _ := p.breaker.state(w.Kind, now)
	for claimID, at := range p.rolledBack {
		if now.Sub(at) >= rollbackMemory {
			delete(p.rolledBack, claimID)
		}
	}
	_, recent := p.rolledBack[w.ClaimID]
	claimID, kind, holder := w.ClaimID, w.Kind, w.holder
	p.mu.Unlock()

	ctx = context.WithoutCancel(ctx)
	p.metrics.ActiveDelta(ctx, string(kind), -1)
	if feedBreaker {
		p.metrics.SpawnFailed(ctx, string(kind))
	}

	released := false
	if !recent {
		ok, err := p.repo.Release(ctx, claimID, holder)
		if err != nil {
			logging.ErrorWithContext(p.logger, "claim rollback failed", "rollback_failed",
				logging.WorkerID(id),
				logging.ClaimID(claimID),
				logging.String(logging.FieldErrorHint, "the orphan sweep releases the claim once the store is reachable"),
				logging.Error(err),
			)
		}
		released = ok
	}
	if released {
		p.mu.Lock()
		p.rolledBack[claimID] = now
		p.mu.Unlock()
		p.metrics.ClaimRolledBack(ctx, string(kind))
	}

	logging.WarnWithContext(p.logger, "worker spawn rolled back", "spawn_failure",
		logging.WorkerID(id),
		logging.WorkerKind(string(kind)),
		logging.ClaimID(claimID),
		logging.Bool("claim_released", released),
		logging.Int("consecutive_failures", failures),
		logging.String(logging.FieldErrorHint, services.Hint(cause)),
		logging.String(logging.FieldImpact, "claim returned to open"),
		logging.Error(cause),
	)
	if tripped {
		p.metrics.BreakerTripped(ctx, string(kind))
		logging.WarnWithContext(p.logger, "worker kind disabled after consecutive failures", "breaker_tripped",
			logging.WorkerKind(string(kind)),
			logging.Int("failures", failures),
			logging.Duration("cooldown", p.opts.Cooldown),
			logging.String(logging.FieldErrorHint, "check that the worker binary is installed and starts"),
			logging.String(logging.FieldImpact, "kind is skipped until the cooldown elapses"),
			logging.Alert("worker_kind_disabled"),
		)
		p.notifyDisabled(ctx, kind, failures, now.Add(p.opts.Cooldown))
	}
	return released
}

func (p *Pool) notifyDisabled(ctx context.Context, kind Kind, failures int, until time.Time) {
	notifyCtx, cancel := context.WithTimeout(ctx, notifyTimeout)
	defer cancel()
	err := p.notifier.Publish(notifyCtx, notifications.EventKindDisabled, notifications.Payload{
		"kind":     string(kind),
		"failures": failures,
		"until":    until,
	})
	if err != nil {
		logging.WarnWithContext(p.logger, "kind disabled notification failed", "notification_failed",
			logging.WorkerKind(string(kind)),
			logging.Error(err),
		)
	}
}

// drop forgets a worker without touching its claim.
func (p *Pool) drop(id string, status WorkerStatus) bool {
	p.mu.Lock()
	w, ok := p.workers[id]
	if !ok {
		p.mu.Unlock()
		return false
	}
	w.Status = status
	delete(p.workers, id)
	p.unreserveLocked(w.Kind)
	kind := w.Kind
	p.mu.Unlock()
	p.metrics.ActiveDelta(p.ctx, string(kind), -1)
	return true
}

// Stop ends background launches and rolls back workers still spawning.
// Running workers are detached processes and keep their claims.
func (p *Pool) Stop(ctx context.Context) {
	p.stopOnce.Do(func() {
		p.cancel()
		p.mu.Lock()
		var spawning []string
		for id, w := range p.workers {
			if w.Status == WorkerSpawning {
				spawning = append(spawning, id)
			}
		}
		p.mu.Unlock()
		for _, id := range spawning {
			p.rollback(ctx, id, services.Wrap(services.ErrSpawnFailure, "spawnpool", "stop", "pool stopped before launch finished", nil), false)
		}

		done := make(chan struct{})
		go func() {
			p.wg.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-ctx.Done():
		}
		p.logger.Info("spawn pool stopped", logging.Int("rolled_back", len(spawning)))
	})
}

// KindStatus describes one roster entry.
type KindStatus struct {
	Kind          Kind       `json:"kind" yaml:"kind"`
	Enabled       bool       `json:"enabled" yaml:"enabled"`
	Limit         int        `json:"limit" yaml:"limit"`
	InFlight      int        `json:"in_flight" yaml:"in_flight"`
	Failures      int        `json:"consecutive_failures" yaml:"consecutive_failures"`
	DisabledUntil *time.Time `json:"disabled_until,omitempty" yaml:"disabled_until,omitempty"`
}

// PoolStatus is a point-in-time view of the pool.
type PoolStatus struct {
	MaxWorkers int          `json:"max_workers" yaml:"max_workers"`
	Active     int          `json:"active" yaml:"active"`
	Workers    []Worker     `json:"workers" yaml:"workers"`
	Kinds      []KindStatus `json:"kinds" yaml:"kinds"`
}

// Snapshot copies the current bookkeeping.
func (p *Pool) Snapshot() PoolStatus {
	now := p.clock.Now()
	p.mu.Lock()
	defer p.mu.Unlock()
	status := PoolStatus{MaxWorkers: p.opts.MaxWorkers, Active: len(p.workers)}
	for _, w := range p.workers {
		status.Workers = append(status.Workers, *w)
	}
	sortWorkers(status.Workers)
	for _, slot := range p.roster {
		key := slot.kind.Key()
		failures, until := p.breaker.state(key, now)
		status.Kinds = append(status.Kinds, KindStatus{
			Kind:          key,
			Enabled:       slot.enabled,
			Limit:         slot.kind.Limit(),
			InFlight:      p.inflight[key],
			Failures:      failures,
			DisabledUntil: until,
		})
	}
	return status
}

func (p *Pool) activeCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.workers)
}

func (p *Pool) workerLogPath(w *Worker) string {
	if p.opts.LogDir == "" {
		return ""
	}
	return filepath.Join(p.opts.LogDir, fmt.Sprintf("%s-claim-%d-%s.log", w.Kind, w.ClaimID, w.ID))
}

// LogInUse reports whether path is the log of a worker the pool tracks.
func (p *Pool) LogInUse(path string) bool {
	if p == nil || p.opts.LogDir == "" {
		return false
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, w := range p.workers {
		logPath := p.workerLogPath(w)
		if logPath == path {
			return true
		}
		if abs, err := filepath.Abs(logPath); err == nil && abs == path {
			return true
		}
	}
	return false
}

func workerEnv(w *Worker) []string {
	return []string{
		"STAGEHAND_CLAIM_ID=" + strconv.FormatInt(w.ClaimID, 10),
		"STAGEHAND_WORKER_KIND=" + string(w.Kind),
		"STAGEHAND_WORKER_ID=" + w.ID,
	}
}

func newWorkerID() string {
	prefix, _, _ := strings.Cut(uuid.NewString(), "-")
	return "w-" + prefix
}

func sortWorkers(workers []Worker) {
	slices.SortFunc(workers, func(a, b Worker) int {
		if c := a.SpawnedAt.Compare(b.SpawnedAt); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
}
