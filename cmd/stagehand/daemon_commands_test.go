package main

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/gofrs/flock"

	"stagehand/internal/daemon"
	"stagehand/internal/queue"
	"stagehand/internal/testsupport"
)

func TestStatusWithoutDaemon(t *testing.T) {
	env := setupOfflineEnv(t)

	out := env.mustRun(t, "status")
	requireContains(t, out, "Daemon is not running")

	out = env.mustRun(t, "stop")
	requireContains(t, out, "Daemon is not running")

	if _, err := env.run(t, "pool", "status"); err == nil {
		t.Fatal("expected pool status to fail without a daemon")
	} else {
		requireContains(t, err.Error(), "not found")
	}
}

func TestStatusFromDaemon(t *testing.T) {
	env := setupCLITestEnv(t)

	out := env.mustRun(t, "status")
	requireContains(t, out, "== Daemon ==")
	requireContains(t, out, "running")
	requireContains(t, out, "No stage commands configured")

	out = env.mustRun(t, "-o", "json", "status")
	var status daemon.Status
	if err := json.Unmarshal([]byte(out), &status); err != nil {
		t.Fatalf("decode json: %v\n%s", err, out)
	}
	if !status.Running || status.QueueDBPath != env.store.Path() {
		t.Fatalf("unexpected status: %+v", status)
	}
	if status.BootRecovery == nil {
		t.Fatal("expected boot recovery result from the only daemon on the host")
	}

	if _, err := env.run(t, "pool", "status"); err == nil {
		t.Fatal("expected pool status to fail while the pool is disabled")
	} else {
		requireContains(t, err.Error(), "spawn pool disabled")
	}
}

func TestStopThroughIPC(t *testing.T) {
	env := setupCLITestEnv(t)

	out := env.mustRun(t, "stop", "--grace", "5s")
	requireContains(t, out, "Daemon stopped")

	select {
	case <-env.daemon.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("daemon did not stop")
	}
}

func TestRecoverBootSweepWithoutDaemon(t *testing.T) {
	env := setupOfflineEnv(t)
	taskID := testsupport.MustCreatePipeline(t, env.store, "alice")
	if rec, err := env.store.Dequeue(context.Background(), queue.StageScript); err != nil || rec == nil {
		t.Fatalf("Dequeue: rec=%v err=%v", rec, err)
	}

	out := env.mustRun(t, "recover", "--threshold", "1h")
	requireContains(t, out, "nothing to recover")

	out = env.mustRun(t, "recover")
	requireContains(t, out, "Recovery (boot): 1 rows failed, 1 locks released")
	requireContains(t, out, taskID+"/script")

	rec, err := env.store.GetTask(context.Background(), taskID, queue.StageScript)
	if err != nil {
		t.Fatalf("GetTask: %v", err)
	}
	if rec.Status != queue.StatusFailed {
		t.Fatalf("status = %s, want failed", rec.Status)
	}
}

func TestRecoverBootSweepRefusedWhileHostLocked(t *testing.T) {
	env := setupOfflineEnv(t)

	peer := flock.New(env.cfg.HostLockPath())
	ok, err := peer.TryRLock()
	if err != nil || !ok {
		t.Fatalf("peer TryRLock: ok=%v err=%v", ok, err)
	}
	t.Cleanup(func() { _ = peer.Unlock() })

	if _, err := env.run(t, "recover"); err == nil {
		t.Fatal("expected boot sweep to be refused")
	} else {
		requireContains(t, err.Error(), "holds the host lock")
	}

	out := env.mustRun(t, "recover", "--threshold", "1m")
	requireContains(t, out, "Recovery (time)")
}

func TestRecoverThroughDaemon(t *testing.T) {
	env := setupCLITestEnv(t)
	testsupport.MustCreatePipeline(t, env.store, "alice")
	if rec, err := env.store.Dequeue(context.Background(), queue.StageScript); err != nil || rec == nil {
		t.Fatalf("Dequeue: rec=%v err=%v", rec, err)
	}

	out := env.mustRun(t, "recover", "--threshold", "1h")
	requireContains(t, out, "Recovery (daemon): nothing to recover")
}
