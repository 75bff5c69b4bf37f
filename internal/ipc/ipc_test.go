package ipc_test

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"stagehand/internal/daemon"
	"stagehand/internal/ipc"
	"stagehand/internal/maintenance"
	"stagehand/internal/queue"
	"stagehand/internal/recovery"
	"stagehand/internal/testsupport"
	"stagehand/internal/workflow"
)

func TestIPCServerClient(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)
	mgr := workflow.NewManager(cfg, store, nil)
	recoverer := recovery.New(store, nil, nil)
	scheduler, err := maintenance.New(nil, maintenance.StandardJobs(cfg, store, recoverer, nil)...)
	if err != nil {
		t.Fatalf("maintenance.New: %v", err)
	}
	d, err := daemon.New(cfg, "", daemon.Deps{
		Store:       store,
		Workflow:    mgr,
		Recoverer:   recoverer,
		Maintenance: scheduler,
	})
	if err != nil {
		t.Fatalf("daemon.New: %v", err)
	}
	t.Cleanup(func() { d.Close() })

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	if err := d.Start(ctx); err != nil {
		t.Fatalf("daemon Start: %v", err)
	}

	socket := filepath.Join(cfg.Paths.StateDir, "ipc-test.sock")
	srv, err := ipc.NewServer(ctx, socket, d, nil)
	if err != nil {
		if strings.Contains(err.Error(), "operation not permitted") {
			t.Skipf("skipping IPC server test: %v", err)
		}
		t.Fatalf("ipc.NewServer: %v", err)
	}
	srv.Serve()
	t.Cleanup(srv.Close)

	client, err := ipc.Dial(socket)
	if err != nil {
		t.Fatalf("ipc.Dial: %v", err)
	}
	t.Cleanup(func() { client.Close() })

	status, err := client.Status()
	if err != nil {
		t.Fatalf("Status RPC failed: %v", err)
	}
	if !status.Running {
		t.Fatal("expected daemon to be running")
	}
	if status.PID != os.Getpid() {
		t.Fatalf("expected pid %d, got %d", os.Getpid(), status.PID)
	}
	if status.QueueDBPath != cfg.QueueDBPath() {
		t.Fatalf("unexpected queue db path %q", status.QueueDBPath)
	}
	if status.BootRecovery == nil {
		t.Fatal("expected boot recovery result in status")
	}

	taskID := testsupport.MustCreatePipeline(t, store, "owner")
	if _, err := store.Dequeue(ctx, queue.StageScript); err != nil {
		t.Fatalf("Dequeue: %v", err)
	}
	recovered, err := client.Recover(time.Hour)
	if err != nil {
		t.Fatalf("Recover RPC failed: %v", err)
	}
	if recovered.Result.QueueRecovered != 0 {
		t.Fatalf("expected fresh row to survive, got %+v", recovered.Result)
	}
	rec, err := store.GetTask(ctx, taskID, queue.StageScript)
	if err != nil {
		t.Fatalf("GetTask: %v", err)
	}
	if rec.Status != queue.StatusProcessing {
		t.Fatalf("expected processing row, got %s", rec.Status)
	}

	ran, err := client.RunMaintenance(maintenance.JobRowCleanup)
	if err != nil {
		t.Fatalf("RunMaintenance RPC failed: %v", err)
	}
	if !ran.Ran || ran.Job != maintenance.JobRowCleanup {
		t.Fatalf("unexpected maintenance response %+v", ran)
	}
	if _, err := client.RunMaintenance("unknown"); err == nil {
		t.Fatal("expected unknown maintenance job to fail")
	}

	if _, err := client.PoolStatus(); err == nil || !strings.Contains(err.Error(), "spawn pool disabled") {
		t.Fatalf("expected pool disabled error, got %v", err)
	}

	stop, err := client.Stop()
	if err != nil {
		t.Fatalf("Stop RPC failed: %v", err)
	}
	if !stop.Stopping {
		t.Fatal("expected Stop to acknowledge")
	}
	select {
	case <-d.Done():
	case <-time.After(10 * time.Second):
		t.Fatal("daemon did not stop")
	}
	status, err = client.Status()
	if err != nil {
		t.Fatalf("Status after stop failed: %v", err)
	}
	if status.Running {
		t.Fatal("expected daemon to report stopped")
	}
}

func TestServerCloseRemovesSocket(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)
	d, err := daemon.New(cfg, "", daemon.Deps{
		Store:     store,
		Workflow:  workflow.NewManager(cfg, store, nil),
		Recoverer: recovery.New(store, nil, nil),
	})
	if err != nil {
		t.Fatalf("daemon.New: %v", err)
	}
	t.Cleanup(func() { d.Close() })

	socket := filepath.Join(cfg.Paths.StateDir, "close.sock")
	srv, err := ipc.NewServer(context.Background(), socket, d, nil)
	if err != nil {
		if strings.Contains(err.Error(), "operation not permitted") {
			t.Skipf("skipping IPC server test: %v", err)
		}
		t.Fatalf("ipc.NewServer: %v", err)
	}
	srv.Serve()

	client, err := ipc.Dial(socket)
	if err != nil {
		t.Fatalf("ipc.Dial: %v", err)
	}
	defer client.Close()

	done := make(chan struct{})
	go func() {
		srv.Close()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Close blocked on an open client connection")
	}
	if _, err := os.Stat(socket); !os.IsNotExist(err) {
		t.Fatalf("expected socket removed, stat err=%v", err)
	}
}
