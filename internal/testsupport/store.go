package testsupport

import (
	"context"
	"testing"

	"stagehand/internal/config"
	"stagehand/internal/queue"
)

// MustOpenStore opens a queue.Store for tests and registers cleanup.
func MustOpenStore(t testing.TB, cfg *config.Config, opts ...queue.Option) *queue.Store {
	t.Helper()

	store, err := queue.Open(cfg, opts...)
	if err != nil {
		t.Fatalf("queue.Open: %v", err)
	}
	t.Cleanup(func() {
		store.Close()
	})
	return store
}

// MustCreatePipeline creates a pipeline for owner and returns its task id.
func MustCreatePipeline(t testing.TB, store *queue.Store, owner string) string {
	t.Helper()

	taskID, err := store.CreatePipeline(context.Background(), queue.PipelineRequest{OwnerID: owner})
	if err != nil {
		t.Fatalf("store.CreatePipeline: %v", err)
	}
	return taskID
}

// MustComplete marks a stage row completed.
func MustComplete(t testing.TB, store *queue.Store, taskID string, stage queue.Stage) {
	t.Helper()

	if err := store.UpdateTask(context.Background(), taskID, stage, queue.TaskUpdate{Status: queue.StatusCompleted}); err != nil {
		t.Fatalf("store.UpdateTask(%s, %s): %v", taskID, stage, err)
	}
}
