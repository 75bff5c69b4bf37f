package maintenance_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"stagehand/internal/maintenance"
	"stagehand/internal/queue"
	"stagehand/internal/recovery"
	"stagehand/internal/services"
	"stagehand/internal/testsupport"
)

func TestNewRejectsBadJobs(t *testing.T) {
	noop := func(context.Context) error { return nil }
	tests := []struct {
		name   string
		jobs   []maintenance.Job
		marker error
	}{
		{name: "bad schedule", jobs: []maintenance.Job{{Name: "a", Schedule: "every tuesday", Run: noop}}, marker: services.ErrConfiguration},
		{name: "six fields", jobs: []maintenance.Job{{Name: "a", Schedule: "0 */5 * * * *", Run: noop}}, marker: services.ErrConfiguration},
		{name: "missing func", jobs: []maintenance.Job{{Name: "a", Schedule: "@hourly"}}, marker: services.ErrValidation},
		{name: "duplicate", jobs: []maintenance.Job{{Name: "a", Run: noop}, {Name: "a", Run: noop}}, marker: services.ErrValidation},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := maintenance.New(nil, tc.jobs...)
			if !errors.Is(err, tc.marker) {
				t.Fatalf("expected %v, got %v", tc.marker, err)
			}
		})
	}
}

func TestRunNowRecordsStatus(t *testing.T) {
	boom := errors.New("boom")
	fail := true
	s, err := maintenance.New(nil,
		maintenance.Job{Name: "flaky", Schedule: "*/5 * * * *", Run: func(context.Context) error {
			if fail {
				return boom
			}
			return nil
		}},
		maintenance.Job{Name: "manual", Run: func(context.Context) error { return nil }},
	)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	if err := s.RunNow(context.Background(), "flaky"); !errors.Is(err, boom) {
		t.Fatalf("RunNow = %v", err)
	}
	fail = false
	if err := s.RunNow(context.Background(), "flaky"); err != nil {
		t.Fatalf("RunNow: %v", err)
	}
	if err := s.RunNow(context.Background(), "missing"); !errors.Is(err, services.ErrNotFound) {
		t.Fatalf("unknown job: %v", err)
	}

	status := s.Status()
	if len(status) != 2 || status[0].Name != "flaky" || status[1].Name != "manual" {
		t.Fatalf("status = %+v", status)
	}
	if status[0].Runs != 2 || status[0].LastError != "" || status[0].LastRun == nil {
		t.Fatalf("flaky status = %+v", status[0])
	}
	if status[1].Runs != 0 || status[1].NextRun != nil {
		t.Fatalf("manual job should be unscheduled: %+v", status[1])
	}
}

func TestSchedulerFiresOnSchedule(t *testing.T) {
	var runs atomic.Int32
	s, err := maintenance.New(nil, maintenance.Job{Name: "tick", Schedule: "@every 1s", Run: func(context.Context) error {
		runs.Add(1)
		return nil
	}})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	s.Start(context.Background())
	deadline := time.Now().Add(4 * time.Second)
	for runs.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(50 * time.Millisecond)
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	s.Stop(ctx)
	if runs.Load() == 0 {
		t.Fatal("job never fired")
	}
}

func TestStandardJobs(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)
	taskID := testsupport.MustCreatePipeline(t, store, "tester")
	if _, err := store.Dequeue(context.Background(), queue.StageScript); err != nil {
		t.Fatalf("Dequeue: %v", err)
	}

	if err := os.MkdirAll(cfg.Paths.WorkerDir, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	oldLog := filepath.Join(cfg.Paths.WorkerDir, "codex-claim-1-w-1.log")
	liveLog := filepath.Join(cfg.Paths.WorkerDir, "claude-1-claim-2-w-2.log")
	past := time.Now().AddDate(0, 0, -(cfg.Logging.RetentionDays + 1))
	for _, path := range []string{oldLog, liveLog} {
		if err := os.WriteFile(path, []byte("x"), 0o644); err != nil {
			t.Fatalf("write log: %v", err)
		}
		if err := os.Chtimes(path, past, past); err != nil {
			t.Fatalf("chtimes: %v", err)
		}
	}
	guard := maintenance.WithWorkerLogGuard(func(path string) bool {
		return filepath.Base(path) == filepath.Base(liveLog)
	})

	s, err := maintenance.New(nil, maintenance.StandardJobs(cfg, store, recovery.New(store, nil, nil), nil, guard)...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	for _, name := range []string{maintenance.JobRecovery, maintenance.JobLockCleanup, maintenance.JobRowCleanup, maintenance.JobLogRetention} {
		if err := s.RunNow(context.Background(), name); err != nil {
			t.Fatalf("RunNow(%s): %v", name, err)
		}
	}

	// fresh processing row and lock survive the sweeps
	rec, err := store.GetTask(context.Background(), taskID, queue.StageScript)
	if err != nil {
		t.Fatalf("GetTask: %v", err)
	}
	if rec.Status != queue.StatusProcessing {
		t.Fatalf("status = %s", rec.Status)
	}
	if _, err := os.Stat(oldLog); !os.IsNotExist(err) {
		t.Fatalf("old worker log should be pruned, stat err = %v", err)
	}
	if _, err := os.Stat(liveLog); err != nil {
		t.Fatalf("log of a live worker should be kept: %v", err)
	}
	if len(s.Status()) != 4 {
		t.Fatalf("expected four jobs, got %d", len(s.Status()))
	}
}
