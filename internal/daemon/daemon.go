package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gofrs/flock"

	"stagehand/internal/config"
	"stagehand/internal/logging"
	"stagehand/internal/maintenance"
	"stagehand/internal/notifications"
	"stagehand/internal/queue"
	"stagehand/internal/recovery"
	"stagehand/internal/services"
	"stagehand/internal/spawnpool"
	"stagehand/internal/workflow"
)

const (
	sharedLockWait = 10 * time.Second
	stopTimeout    = 15 * time.Second
	notifyTimeout  = 10 * time.Second
)

// Deps are the subsystems a Daemon drives. Pool, Maintenance, and Notifier are optional.
type Deps struct {
	Store       *queue.Store
	Workflow    *workflow.Manager
	Recoverer   *recovery.Recoverer
	Pool        *spawnpool.Pool
	Maintenance *maintenance.Scheduler
	Notifier    notifications.Service
	Logger      *slog.Logger
}

// Daemon coordinates the background services of one stagehand process.
// Several daemons may share a host; the host lock decides which of them
// performs boot recovery.
type Daemon struct {
	cfg        *config.Config
	configPath string
	logger     *slog.Logger
	store      *queue.Store
	workflow   *workflow.Manager
	recoverer  *recovery.Recoverer
	pool       *spawnpool.Pool
	scheduler  *maintenance.Scheduler
	notifier   notifications.Service
	api        *apiServer

	hostLock *flock.Flock

	running  atomic.Bool
	stopped  atomic.Bool
	mu       sync.Mutex
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	done     chan struct{}
	doneOnce sync.Once

	bootRecovery atomic.Pointer[recovery.Result]
}

// Status represents daemon runtime information.
type Status struct {
	Running      bool                    `json:"running" yaml:"running"`
	PID          int                     `json:"pid" yaml:"pid"`
	HostLock     string                  `json:"host_lock" yaml:"host_lock"`
	QueueDBPath  string                  `json:"queue_db_path" yaml:"queue_db_path"`
	BootRecovery *recovery.Result        `json:"boot_recovery,omitempty" yaml:"boot_recovery,omitempty"`
	Workflow     workflow.StatusSummary  `json:"workflow" yaml:"workflow"`
	Pool         *spawnpool.PoolStatus   `json:"pool,omitempty" yaml:"pool,omitempty"`
	Maintenance  []maintenance.JobStatus `json:"maintenance,omitempty" yaml:"maintenance,omitempty"`
	APIAddress   string                  `json:"api_address,omitempty" yaml:"api_address,omitempty"`
}

// New constructs a daemon. configPath, when set, is watched for roster changes.
func New(cfg *config.Config, configPath string, deps Deps) (*Daemon, error) {
	if cfg == nil || deps.Store == nil || deps.Workflow == nil || deps.Recoverer == nil {
		return nil, errors.New("daemon requires config, store, workflow manager, and recoverer")
	}
	logger := deps.Logger
	if logger == nil {
		logger = logging.NewNop()
	}
	notifier := deps.Notifier
	if notifier == nil {
		notifier = notifications.Noop()
	}
	d := &Daemon{
		cfg:        cfg,
		configPath: configPath,
		logger:     logging.NewComponentLogger(logger, "daemon"),
		store:      deps.Store,
		workflow:   deps.Workflow,
		recoverer:  deps.Recoverer,
		pool:       deps.Pool,
		scheduler:  deps.Maintenance,
		notifier:   notifier,
		hostLock:   flock.New(cfg.HostLockPath()),
		done:       make(chan struct{}),
	}
	d.api = newAPIServer(cfg.API, d, logger)
	return d, nil
}

// Start takes the host lock, runs boot recovery when no peer is alive, and
// launches the workflow lanes, spawn pool, maintenance scheduler, and config watcher.
func (d *Daemon) Start(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.running.Load() {
		return errors.New("daemon already running")
	}
	if d.stopped.Load() {
		return errors.New("daemon already stopped")
	}

	if err := d.acquireHostLock(ctx); err != nil {
		return err
	}

	d.ctx, d.cancel = context.WithCancel(ctx)
	if len(d.workflow.Stages()) > 0 {
		if err := d.workflow.Start(d.ctx); err != nil {
			d.abortStart()
			return fmt.Errorf("start workflow: %w", err)
		}
	} else {
		logging.WarnWithContext(d.logger, "no stage commands configured", "workflow_idle",
			logging.String(logging.FieldImpact, "stage rows will stay waiting"),
			logging.String(logging.FieldErrorHint, "add [stages.<name>] entries to the config"),
		)
	}

	if d.pool != nil {
		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			_ = d.pool.Run(d.ctx)
		}()
	}
	if d.scheduler != nil {
		d.scheduler.Start(d.ctx)
	}
	d.startWatcher()
	if err := d.api.start(d.ctx); err != nil {
		logging.WarnWithContext(d.logger, "api server unavailable", "api_listen_failed",
			logging.Error(err),
			logging.String(logging.FieldImpact, "HTTP status endpoint disabled"),
			logging.String(logging.FieldErrorHint, "check api.bind for conflicts"),
		)
	}

	d.running.Store(true)
	d.logger.Info("stagehand daemon started",
		logging.String("host_lock", d.hostLock.Path()),
		logging.Int("lanes", len(d.workflow.Stages())),
		logging.Bool("pool", d.pool != nil),
	)
	return nil
}

// acquireHostLock runs boot recovery when the exclusive lock is free, then
// holds the lock shared for the life of the daemon.
func (d *Daemon) acquireHostLock(ctx context.Context) error {
	first, err := d.hostLock.TryLock()
	if err != nil {
		return fmt.Errorf("acquire host lock: %w", err)
	}
	if first {
		result, recErr := d.recoverer.RecoverStaleProcessingJobs(ctx)
		if unlockErr := d.hostLock.Unlock(); unlockErr != nil {
			return fmt.Errorf("release host lock: %w", unlockErr)
		}
		if recErr != nil {
			return services.Wrap(services.ErrCrashRecovery, "daemon", "boot recovery", "recovery sweep failed", recErr)
		}
		d.bootRecovery.Store(&result)
		d.notifyRecovery(ctx, "boot", result)
	} else {
		d.logger.Info("peer daemon holds the host lock; skipping boot recovery",
			logging.String(logging.FieldEventType, "boot_recovery_skipped"))
	}

	waitCtx, cancel := context.WithTimeout(ctx, sharedLockWait)
	defer cancel()
	ok, err := d.hostLock.TryRLockContext(waitCtx, 100*time.Millisecond)
	if err != nil {
		return fmt.Errorf("acquire shared host lock: %w", err)
	}
	if !ok {
		return errors.New("timed out waiting for shared host lock")
	}
	return nil
}

func (d *Daemon) notifyRecovery(ctx context.Context, mode string, result recovery.Result) {
	if result.Empty() {
		return
	}
	ids := make([]string, 0, len(result.RecoveredIDs))
	for _, ref := range result.RecoveredIDs {
		ids = append(ids, ref.String())
	}
	notifyCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), notifyTimeout)
	defer cancel()
	err := d.notifier.Publish(notifyCtx, notifications.EventRecovery, notifications.Payload{
		"mode":  mode,
		"rows":  result.QueueRecovered,
		"locks": result.LocksReleased,
		"ids":   strings.Join(ids, "\n"),
	})
	if err != nil {
		logging.WarnWithContext(d.logger, "recovery notification failed", "notification_failed", logging.Error(err))
	}
}

func (d *Daemon) abortStart() {
	if d.cancel != nil {
		d.cancel()
	}
	d.ctx = nil
	d.cancel = nil
	_ = d.hostLock.Unlock()
}

func (d *Daemon) startWatcher() {
	if d.configPath == "" || d.pool == nil {
		return
	}
	if _, err := os.Stat(d.configPath); err != nil {
		return
	}
	watcher := config.NewWatcher(d.configPath, d.logger)
	if err := watcher.Start(d.ctx); err != nil {
		logging.WarnWithContext(d.logger, "config watcher unavailable", "config_watch_failed",
			logging.Error(err),
			logging.String(logging.FieldImpact, "roster edits need a daemon restart"),
		)
		return
	}
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		for reload := range watcher.Events() {
			d.pool.ApplyRoster(reload.Config.Pool.Kinds)
			d.logger.Info("worker roster reloaded",
				logging.String(logging.FieldEventType, "roster_reloaded"),
				logging.Int("kinds", len(reload.Config.Pool.Kinds)),
			)
		}
	}()
}

// Stop halts background processing, requeues interrupted stage rows, rolls
// back in-flight spawns, and releases the host lock. Safe to call repeatedly.
func (d *Daemon) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.running.Load() {
		return
	}

	stopCtx, cancel := context.WithTimeout(context.Background(), stopTimeout)
	defer cancel()

	d.cancel()
	d.workflow.Stop()
	if d.pool != nil {
		d.pool.Stop(stopCtx)
	}
	if d.scheduler != nil {
		d.scheduler.Stop(stopCtx)
	}
	d.api.stop()
	d.wg.Wait()
	if err := d.hostLock.Unlock(); err != nil {
		logging.WarnWithContext(d.logger, "failed to release host lock", "host_lock_release_failed", logging.Error(err))
	}
	d.ctx = nil
	d.cancel = nil
	d.running.Store(false)
	d.stopped.Store(true)
	d.doneOnce.Do(func() { close(d.done) })
	d.logger.Info("stagehand daemon stopped")
}

// Done is closed once Stop has completed.
func (d *Daemon) Done() <-chan struct{} {
	return d.done
}

// Close stops the daemon and closes the host lock handle.
func (d *Daemon) Close() error {
	d.Stop()
	return d.hostLock.Close()
}

// Status returns the current daemon status.
func (d *Daemon) Status(ctx context.Context) Status {
	status := Status{
		Running:      d.running.Load(),
		PID:          os.Getpid(),
		HostLock:     d.hostLock.Path(),
		QueueDBPath:  d.store.Path(),
		BootRecovery: d.bootRecovery.Load(),
		Workflow:     d.workflow.Status(ctx),
		APIAddress:   d.api.address(),
	}
	if d.pool != nil {
		snapshot := d.pool.Snapshot()
		status.Pool = &snapshot
	}
	if d.scheduler != nil {
		status.Maintenance = d.scheduler.Status()
	}
	return status
}

// PoolStatus returns the spawn pool snapshot, or ErrNotFound when the pool is disabled.
func (d *Daemon) PoolStatus() (spawnpool.PoolStatus, error) {
	if d.pool == nil {
		return spawnpool.PoolStatus{}, services.Wrap(services.ErrNotFound, "daemon", "pool status", "spawn pool disabled", nil)
	}
	return d.pool.Snapshot(), nil
}

// Recover fails processing rows older than threshold, or the configured
// stale threshold when zero. Boot-style recovery is never run on a live daemon.
func (d *Daemon) Recover(ctx context.Context, threshold time.Duration) (recovery.Result, error) {
	if threshold <= 0 {
		threshold = d.cfg.StaleThreshold()
	}
	result, err := d.recoverer.RecoverStaleJobsByTime(ctx, threshold)
	if err != nil {
		return result, err
	}
	d.notifyRecovery(ctx, "time", result)
	return result, nil
}

// RunMaintenance runs a named maintenance job immediately.
func (d *Daemon) RunMaintenance(ctx context.Context, name string) error {
	if d.scheduler == nil {
		return services.Wrap(services.ErrNotFound, "daemon", "run maintenance", "maintenance scheduler disabled", nil)
	}
	return d.scheduler.RunNow(ctx, name)
}

// Locks reports every stage lock.
func (d *Daemon) Locks(ctx context.Context) ([]queue.LockStatus, error) {
	return d.store.Locks(ctx)
}

// ListQueue returns stage rows matching filter.
func (d *Daemon) ListQueue(ctx context.Context, filter queue.ListFilter) ([]*queue.StageRecord, error) {
	return d.store.List(ctx, filter)
}
