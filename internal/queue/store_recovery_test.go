package queue_test

import (
	"context"
	"testing"
	"time"

	"stagehand/internal/queue"
)

func TestRecoverProcessingBootMode(t *testing.T) {
	store, clk := openManualStore(t, time.Hour)
	ctx := context.Background()

	for _, stage := range []queue.Stage{queue.StageScript, queue.StageImage, queue.StageVideo} {
		if _, err := store.Enqueue(ctx, queue.EnqueueRequest{TaskID: "crash-" + string(stage), Stage: stage}); err != nil {
			t.Fatalf("Enqueue: %v", err)
		}
		clk.Advance(time.Second)
		rec, err := store.Dequeue(ctx, stage)
		if err != nil || rec == nil {
			t.Fatalf("Dequeue %s = %#v, %v", stage, rec, err)
		}
	}

	out, err := store.RecoverProcessing(ctx, 0, "recovered after restart")
	if err != nil {
		t.Fatalf("RecoverProcessing: %v", err)
	}
	if len(out.Recovered) != 3 {
		t.Fatalf("expected 3 recovered rows, got %v", out.Recovered)
	}
	if out.LocksReleased != 3 {
		t.Fatalf("expected 3 released locks, got %d", out.LocksReleased)
	}
	for _, ref := range out.Recovered {
		rec, err := store.GetTask(ctx, ref.TaskID, ref.Stage)
		if err != nil {
			t.Fatalf("GetTask: %v", err)
		}
		if rec.Status != queue.StatusFailed || rec.Error != "recovered after restart" {
			t.Fatalf("unexpected recovered row %#v", rec)
		}
	}
	locks, err := store.Locks(ctx)
	if err != nil {
		t.Fatalf("Locks: %v", err)
	}
	for _, lock := range locks {
		if lock.Locked {
			t.Fatalf("expected every lock cleared, got %#v", lock)
		}
	}
}

func TestRecoverProcessingByTimeSparesHeartbeating(t *testing.T) {
	store, clk := openManualStore(t, time.Hour)
	ctx := context.Background()

	for _, stage := range []queue.Stage{queue.StageScript, queue.StageImage} {
		if _, err := store.Enqueue(ctx, queue.EnqueueRequest{TaskID: "t-" + string(stage), Stage: stage}); err != nil {
			t.Fatalf("Enqueue: %v", err)
		}
		if rec, _ := store.Dequeue(ctx, stage); rec == nil {
			t.Fatalf("expected %s claim", stage)
		}
	}

	clk.Advance(40 * time.Minute)
	if ok, err := store.RefreshLock(ctx, queue.StageImage, "t-image"); err != nil || !ok {
		t.Fatalf("RefreshLock = %v, %v", ok, err)
	}

	out, err := store.RecoverProcessing(ctx, 30*time.Minute, "stale")
	if err != nil {
		t.Fatalf("RecoverProcessing: %v", err)
	}
	if len(out.Recovered) != 1 || out.Recovered[0].TaskID != "t-script" {
		t.Fatalf("expected only t-script recovered, got %v", out.Recovered)
	}
	if out.LocksReleased != 1 {
		t.Fatalf("expected 1 released lock, got %d", out.LocksReleased)
	}
	image, _ := store.GetTask(ctx, "t-image", queue.StageImage)
	if image.Status != queue.StatusProcessing {
		t.Fatalf("heartbeating row should stay processing, got %s", image.Status)
	}
}

func TestRecoverProcessingNoop(t *testing.T) {
	store, _ := openManualStore(t, time.Hour)
	out, err := store.RecoverProcessing(context.Background(), 0, "x")
	if err != nil {
		t.Fatalf("RecoverProcessing: %v", err)
	}
	if len(out.Recovered) != 0 || out.LocksReleased != 0 {
		t.Fatalf("expected empty outcome, got %#v", out)
	}
}
