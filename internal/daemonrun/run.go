package daemonrun

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"

	"stagehand/internal/clock"
	"stagehand/internal/config"
	"stagehand/internal/daemon"
	"stagehand/internal/daemonctl"
	"stagehand/internal/ipc"
	"stagehand/internal/logging"
	"stagehand/internal/maintenance"
	"stagehand/internal/notifications"
	"stagehand/internal/procs"
	"stagehand/internal/queue"
	"stagehand/internal/recovery"
	"stagehand/internal/spawnpool"
	"stagehand/internal/stageexec"
	"stagehand/internal/telemetry"
	"stagehand/internal/workflow"
	"stagehand/internal/workitems"
)

// Options configures daemon process runtime behavior.
type Options struct {
	ConfigPath string
	LogLevel   string
}

// Run starts the stagehand daemon and blocks until a signal or an IPC stop.
func Run(cmdCtx context.Context, cfg *config.Config, opts Options) error {
	if cfg == nil {
		return fmt.Errorf("config is required")
	}

	signalCtx, cancel := signal.NotifyContext(cmdCtx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if level := strings.TrimSpace(opts.LogLevel); level != "" {
		cfg.Logging.Level = level
	}
	if err := cfg.EnsureDirectories(); err != nil {
		return err
	}
	logger, err := logging.NewFromConfig(cfg)
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	logger = logger.With(logging.String("run_id", uuid.NewString()))

	logging.PruneLogs(logger, logging.RetentionPolicy{
		Days:      cfg.Logging.RetentionDays,
		WorkerDir: cfg.Paths.WorkerDir,
	})

	pidPath := cfg.PIDPath()
	if err := daemonctl.WritePIDFile(pidPath); err != nil {
		return fmt.Errorf("write pid file: %w", err)
	}
	defer os.Remove(pidPath)

	provider, err := telemetry.Init(signalCtx, cfg.Telemetry)
	if err != nil {
		logging.WarnWithContext(logger, "telemetry disabled", "telemetry_init_failed",
			logging.Error(err),
			logging.String(logging.FieldImpact, "no traces or metrics exported"),
			logging.String(logging.FieldErrorHint, "check the [telemetry] section"),
		)
		provider = telemetry.Noop()
	}
	defer func() {
		shutdownCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
		defer done()
		_ = provider.Shutdown(shutdownCtx)
	}()
	metrics, err := telemetry.NewMetrics(provider.Meter)
	if err != nil {
		return fmt.Errorf("create metrics: %w", err)
	}

	store, err := queue.Open(cfg,
		queue.WithLogger(logger),
		queue.WithMetrics(metrics),
	)
	if err != nil {
		logger.Error("open queue store", logging.Error(err))
		return err
	}
	defer store.Close()

	recoverer := recovery.New(store, logger, metrics)
	notifier := notifications.NewService(cfg)

	manager := workflow.NewManager(cfg, store, logger,
		workflow.WithTracer(provider.Tracer),
		workflow.WithNotifier(notifier),
	)
	manager.ConfigureStages(stageexec.FromConfig(cfg, logger))

	pool, closePool, err := openPool(cfg, logger, metrics, notifier)
	if err != nil {
		return err
	}
	defer closePool()

	var jobOpts []maintenance.JobOption
	if pool != nil {
		jobOpts = append(jobOpts, maintenance.WithWorkerLogGuard(pool.LogInUse))
	}
	scheduler, err := maintenance.New(logger, maintenance.StandardJobs(cfg, store, recoverer, logger, jobOpts...)...)
	if err != nil {
		return fmt.Errorf("create maintenance scheduler: %w", err)
	}

	d, err := daemon.New(cfg, opts.ConfigPath, daemon.Deps{
		Store:       store,
		Workflow:    manager,
		Recoverer:   recoverer,
		Pool:        pool,
		Maintenance: scheduler,
		Notifier:    notifier,
		Logger:      logger,
	})
	if err != nil {
		return fmt.Errorf("create daemon: %w", err)
	}
	defer d.Close()

	if err := d.Start(signalCtx); err != nil {
		logging.ErrorWithContext(logger, "daemon start failed", "daemon_start_failed",
			logging.Error(err),
			logging.String(logging.FieldErrorHint, "check configuration and queue database access"),
		)
		return err
	}

	ipcServer, err := ipc.NewServer(signalCtx, cfg.SocketPath(), d, logger)
	if err != nil {
		return fmt.Errorf("start IPC server: %w", err)
	}
	defer ipcServer.Close()
	ipcServer.Serve()

	select {
	case <-signalCtx.Done():
	case <-d.Done():
	}
	logger.Info("stagehand daemon shutting down")
	return nil
}

// openPool builds the spawning pool when enabled. The returned closer is
// always safe to call.
func openPool(cfg *config.Config, logger *slog.Logger, metrics *telemetry.Metrics, notifier notifications.Service) (*spawnpool.Pool, func(), error) {
	if !cfg.Pool.Enabled {
		return nil, func() {}, nil
	}
	items, err := workitems.Open(cfg.WorkItemsDBPath(), clock.System{})
	if err != nil {
		return nil, nil, fmt.Errorf("open work items: %w", err)
	}
	pool, err := spawnpool.New(spawnpool.Deps{
		Repo:     items,
		Launcher: procs.Exec{Logger: logger},
		Probe:    procs.Signal{},
		Logger:   logger,
		Metrics:  metrics,
		Notifier: notifier,
	}, spawnpool.OptionsFromConfig(cfg))
	if err != nil {
		_ = items.Close()
		return nil, nil, fmt.Errorf("create spawn pool: %w", err)
	}
	return pool, func() { _ = items.Close() }, nil
}
