package main

import (
	"context"
	"encoding/json"
	"testing"

	"stagehand/internal/queue"
	"stagehand/internal/testsupport"
)

func TestPipelineCreateAndShow(t *testing.T) {
	env := setupOfflineEnv(t)

	out := env.mustRun(t, "pipeline", "create", "--task-id", "t-1", "--owner", "alice", "--metadata", `{"topic":"bees"}`)
	requireContains(t, out, "Created pipeline t-1 (4 stages)")

	out = env.mustRun(t, "pipeline", "show", "t-1")
	requireContains(t, out, "Current stage: script")
	for _, stage := range queue.Stages() {
		requireContains(t, out, string(stage))
	}

	out = env.mustRun(t, "-o", "json", "pipeline", "show", "t-1")
	var view pipelineView
	if err := json.Unmarshal([]byte(out), &view); err != nil {
		t.Fatalf("decode json: %v\n%s", err, out)
	}
	if len(view.Stages) != 4 || view.Stages[0].OwnerID != "alice" {
		t.Fatalf("unexpected pipeline view: %+v", view)
	}
	var meta map[string]string
	if err := json.Unmarshal(view.Stages[0].Metadata, &meta); err != nil || meta["topic"] != "bees" {
		t.Fatalf("metadata = %s (err %v)", view.Stages[0].Metadata, err)
	}

	if _, err := env.run(t, "pipeline", "show", "missing"); err == nil {
		t.Fatal("expected error for unknown task")
	}
	if _, err := env.run(t, "pipeline", "create", "--metadata", "{not json"); err == nil {
		t.Fatal("expected invalid metadata to be rejected")
	}
}

func TestQueueListFilters(t *testing.T) {
	env := setupOfflineEnv(t)
	alice := testsupport.MustCreatePipeline(t, env.store, "alice")
	testsupport.MustCreatePipeline(t, env.store, "bob")
	testsupport.MustComplete(t, env.store, alice, queue.StageScript)

	tests := []struct {
		name string
		args []string
		want int
	}{
		{name: "all", args: nil, want: 8},
		{name: "owner", args: []string{"--owner", "alice"}, want: 4},
		{name: "stage", args: []string{"--stage", "script"}, want: 2},
		{name: "status", args: []string{"--status", "completed"}, want: 1},
		{name: "task and stage", args: []string{"--task", alice, "--stage", "image"}, want: 1},
		{name: "limit", args: []string{"--limit", "3"}, want: 3},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			args := append([]string{"-o", "json", "queue", "list"}, tc.args...)
			out := env.mustRun(t, args...)
			var records []queue.StageRecord
			if err := json.Unmarshal([]byte(out), &records); err != nil {
				t.Fatalf("decode json: %v\n%s", err, out)
			}
			if len(records) != tc.want {
				t.Fatalf("got %d rows, want %d", len(records), tc.want)
			}
		})
	}

	if _, err := env.run(t, "queue", "list", "--stage", "audio"); err == nil {
		t.Fatal("expected unknown stage to fail")
	}
	if _, err := env.run(t, "queue", "list", "--status", "paused"); err == nil {
		t.Fatal("expected unknown status to fail")
	}
}

func TestQueueStatusCounts(t *testing.T) {
	env := setupOfflineEnv(t)

	out := env.mustRun(t, "queue", "status")
	requireContains(t, out, "Queue is empty")

	taskID := testsupport.MustCreatePipeline(t, env.store, "alice")
	testsupport.MustComplete(t, env.store, taskID, queue.StageScript)

	out = env.mustRun(t, "-o", "json", "queue", "status")
	var summary map[string]queue.StageCounts
	if err := json.Unmarshal([]byte(out), &summary); err != nil {
		t.Fatalf("decode json: %v\n%s", err, out)
	}
	if summary["script"].Completed != 1 || summary["image"].Waiting != 1 {
		t.Fatalf("unexpected summary: %+v", summary)
	}
}

func TestQueuePositionCancelRetry(t *testing.T) {
	env := setupOfflineEnv(t)
	ctx := context.Background()
	first := testsupport.MustCreatePipeline(t, env.store, "alice")
	second := testsupport.MustCreatePipeline(t, env.store, "bob")

	out := env.mustRun(t, "queue", "position", second, "script")
	requireContains(t, out, "1 ahead")

	out = env.mustRun(t, "queue", "cancel", first, "--stage", "script")
	requireContains(t, out, "Cancelled 1 waiting rows")

	out = env.mustRun(t, "queue", "position", second, "script")
	requireContains(t, out, "0 ahead")
	out = env.mustRun(t, "queue", "position", first, "script")
	requireContains(t, out, "is not waiting")

	rec, err := env.store.Dequeue(ctx, queue.StageScript)
	if err != nil || rec == nil {
		t.Fatalf("Dequeue: rec=%v err=%v", rec, err)
	}
	msg := "boom"
	if err := env.store.UpdateTask(ctx, second, queue.StageScript, queue.TaskUpdate{Status: queue.StatusFailed, Error: &msg}); err != nil {
		t.Fatalf("UpdateTask: %v", err)
	}

	out = env.mustRun(t, "queue", "retry", second)
	requireContains(t, out, "Retried 1 failed rows")

	got, err := env.store.GetTask(ctx, second, queue.StageScript)
	if err != nil {
		t.Fatalf("GetTask: %v", err)
	}
	if got.Status != queue.StatusWaiting || got.Error != "" {
		t.Fatalf("retry left %s error=%q", got.Status, got.Error)
	}
}

func TestQueueClearRequiresConfirmation(t *testing.T) {
	env := setupOfflineEnv(t)
	testsupport.MustCreatePipeline(t, env.store, "alice")

	if _, err := env.run(t, "queue", "clear"); err == nil {
		t.Fatal("expected clear without --yes to fail")
	}
	out := env.mustRun(t, "queue", "clear", "--yes")
	requireContains(t, out, "Cleared 4 stage rows")

	out = env.mustRun(t, "queue", "list")
	requireContains(t, out, "No matching stage rows")
}

func TestQueueHealthReportsStuckRows(t *testing.T) {
	env := setupOfflineEnv(t)
	testsupport.MustCreatePipeline(t, env.store, "alice")
	if rec, err := env.store.Dequeue(context.Background(), queue.StageScript); err != nil || rec == nil {
		t.Fatalf("Dequeue: rec=%v err=%v", rec, err)
	}

	out := env.mustRun(t, "queue", "health")
	requireContains(t, out, "Integrity check: yes")
	requireContains(t, out, "Stuck rows: none")

	out = env.mustRun(t, "queue", "health", "--threshold", "1ns")
	requireContains(t, out, "Stuck rows (processing longer than 1ns)")
}

func TestLocksListAndCleanup(t *testing.T) {
	env := setupOfflineEnv(t)
	taskID := testsupport.MustCreatePipeline(t, env.store, "alice")
	if rec, err := env.store.Dequeue(context.Background(), queue.StageScript); err != nil || rec == nil {
		t.Fatalf("Dequeue: rec=%v err=%v", rec, err)
	}

	out := env.mustRun(t, "-o", "json", "locks", "list")
	var locks []queue.LockStatus
	if err := json.Unmarshal([]byte(out), &locks); err != nil {
		t.Fatalf("decode json: %v\n%s", err, out)
	}
	if len(locks) != len(queue.Stages()) {
		t.Fatalf("got %d locks, want one per stage", len(locks))
	}
	if !locks[0].Locked || locks[0].Owner != taskID {
		t.Fatalf("script lock = %+v, want held by %s", locks[0], taskID)
	}

	out = env.mustRun(t, "locks", "cleanup")
	requireContains(t, out, "Released 0 locks")
	out = env.mustRun(t, "locks", "cleanup", "--threshold", "1ns")
	requireContains(t, out, "Released 1 locks")
}
