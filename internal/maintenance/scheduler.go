// Package maintenance runs the periodic queue sweeps on cron schedules:
// time-based crash recovery, stale lock cleanup, old row cleanup, and log
// retention.
package maintenance

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	cronlib "github.com/robfig/cron/v3"

	"stagehand/internal/logging"
	"stagehand/internal/services"
)

// parser accepts standard 5-field expressions and @descriptors such as @hourly.
var parser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow | cronlib.Descriptor,
)

// Job is one scheduled sweep. An empty Schedule disables it.
type Job struct {
	Name     string
	Schedule string
	Run      func(ctx context.Context) error
}

// JobStatus reports the last outcome of a job.
type JobStatus struct {
	Name      string     `json:"name" yaml:"name"`
	Schedule  string     `json:"schedule" yaml:"schedule"`
	Runs      int        `json:"runs" yaml:"runs"`
	LastRun   *time.Time `json:"last_run,omitempty" yaml:"last_run,omitempty"`
	LastError string     `json:"last_error,omitempty" yaml:"last_error,omitempty"`
	NextRun   *time.Time `json:"next_run,omitempty" yaml:"next_run,omitempty"`
}

// Scheduler owns a cron runner. Overlapping runs of the same job are skipped.
type Scheduler struct {
	cron   *cronlib.Cron
	logger *slog.Logger
	jobs   map[string]Job
	ids    map[string]cronlib.EntryID

	mu     sync.Mutex
	status map[string]*JobStatus
	ctx    context.Context
	cancel context.CancelFunc
}

// New validates every schedule and registers the jobs. Nothing runs until Start.
func New(logger *slog.Logger, jobs ...Job) (*Scheduler, error) {
	logger = logging.NewComponentLogger(logger, "maintenance")
	adapter := cronLogger{logger: logger}
	s := &Scheduler{
		cron: cronlib.New(
			cronlib.WithParser(parser),
			cronlib.WithLocation(time.UTC),
			cronlib.WithLogger(adapter),
			cronlib.WithChain(cronlib.Recover(adapter), cronlib.SkipIfStillRunning(adapter)),
		),
		logger: logger,
		jobs:   make(map[string]Job, len(jobs)),
		ids:    make(map[string]cronlib.EntryID, len(jobs)),
		status: make(map[string]*JobStatus, len(jobs)),
		ctx:    context.Background(),
	}
	for _, job := range jobs {
		if job.Name == "" || job.Run == nil {
			return nil, services.Wrap(services.ErrValidation, "maintenance", "register", "job needs a name and a func", nil)
		}
		if _, dup := s.jobs[job.Name]; dup {
			return nil, services.Wrap(services.ErrValidation, "maintenance", "register", "duplicate job "+job.Name, nil)
		}
		s.jobs[job.Name] = job
		s.status[job.Name] = &JobStatus{Name: job.Name, Schedule: job.Schedule}
		if job.Schedule == "" {
			continue
		}
		name := job.Name
		id, err := s.cron.AddFunc(job.Schedule, func() { s.execute(s.runContext(), name) })
		if err != nil {
			return nil, services.Wrap(services.ErrConfiguration, "maintenance", "register",
				fmt.Sprintf("invalid schedule %q for %s", job.Schedule, job.Name), err)
		}
		s.ids[name] = id
	}
	return s, nil
}

// Start runs the cron loop in the background until Stop or ctx is done.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.mu.Unlock()
	s.cron.Start()
	s.logger.Info("maintenance scheduler started", logging.Int("jobs", len(s.ids)))
}

// Stop halts scheduling and waits for running jobs up to ctx's deadline.
func (s *Scheduler) Stop(ctx context.Context) {
	done := s.cron.Stop()
	s.mu.Lock()
	if s.cancel != nil {
		s.cancel()
	}
	s.mu.Unlock()
	select {
	case <-done.Done():
	case <-ctx.Done():
	}
	s.logger.Info("maintenance scheduler stopped")
}

// RunNow executes a job synchronously, regardless of its schedule.
func (s *Scheduler) RunNow(ctx context.Context, name string) error {
	if _, ok := s.jobs[name]; !ok {
		return services.Wrap(services.ErrNotFound, "maintenance", "run", "unknown job "+name, nil)
	}
	return s.execute(ctx, name)
}

// Status lists every job sorted by name.
func (s *Scheduler) Status() []JobStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]JobStatus, 0, len(s.status))
	for name, st := range s.status {
		cp := *st
		if id, ok := s.ids[name]; ok {
			if next := s.cron.Entry(id).Next; !next.IsZero() {
				cp.NextRun = &next
			}
		}
		out = append(out, cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (s *Scheduler) runContext() context.Context {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ctx
}

func (s *Scheduler) execute(ctx context.Context, name string) error {
	job := s.jobs[name]
	started := time.Now().UTC()
	err := job.Run(ctx)

	s.mu.Lock()
	st := s.status[name]
	st.Runs++
	st.LastRun = &started
	st.LastError = ""
	if err != nil {
		st.LastError = err.Error()
	}
	s.mu.Unlock()

	if err != nil && !errors.Is(err, context.Canceled) {
		logging.WarnWithContext(s.logger, "maintenance job failed", "maintenance_failed",
			logging.String("job", name),
			logging.String(logging.FieldErrorHint, services.Hint(err)),
			logging.String(logging.FieldImpact, "sweep retried on the next schedule"),
			logging.Error(err),
		)
		return err
	}
	s.logger.Debug("maintenance job finished",
		logging.String("job", name),
		logging.Duration("elapsed", time.Since(started)),
	)
	return err
}

// cronLogger adapts slog to the cron library's logger interface.
type cronLogger struct {
	logger *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.logger.Debug("cron: "+msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.logger.Error("cron: "+msg, append(keysAndValues, "error", err)...)
}
